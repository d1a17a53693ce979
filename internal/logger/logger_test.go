package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"Warning": WARN,
		"error":   ERROR,
		"none":    SILENT,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(WARN, &buf, false)

	l.Info("Coarse", "hidden %d", 1)
	l.Warn("Coarse", "shown %d", 2)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN] [Coarse] shown 2")

	l.SetLevel(SILENT)
	l.Error("Coarse", "also hidden")
	assert.NotContains(t, buf.String(), "also hidden")
}

func TestModuleHandle(t *testing.T) {
	var buf bytes.Buffer
	l := New(DEBUG, &buf, false)

	l.For("Pose").Debug("solved in %dms", 3)
	assert.Contains(t, buf.String(), "[DEBUG] [Pose] solved in 3ms")

	var nilModule *Module
	assert.NotPanics(t, func() { nilModule.Info("no logger installed") })
}

func TestColorPrefix(t *testing.T) {
	var buf bytes.Buffer
	New(INFO, &buf, true).Info("", "hello")
	assert.True(t, strings.Contains(buf.String(), "\033[32m[INFO]\033[0m hello"))
}

func TestSampler(t *testing.T) {
	s := Every(3)
	var allowed []int
	var suppressed []uint64
	for i := range 7 {
		if ok, n := s.Allow(); ok {
			allowed = append(allowed, i)
			suppressed = append(suppressed, n)
		}
	}
	assert.Equal(t, []int{0, 3, 6}, allowed)
	assert.Equal(t, []uint64{0, 2, 2}, suppressed)
}
