package shm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/pkg/types"
)

func TestPixelFormat(t *testing.T) {
	tests := []struct {
		code   int
		want   types.PixelFormat
		stride int
	}{
		{FormatNV12, types.FormatNV12, 2028},
		{FormatRGB, types.FormatRGB24, 2028 * 3},
		{FormatGray, types.FormatGray8, 2028},
		{FormatBGR, types.FormatBGR24, 2028 * 3},
	}
	for _, tt := range tests {
		got, stride, err := pixelFormat(tt.code, 2028)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
		assert.Equal(t, tt.stride, stride)
	}

	for _, code := range []int{FormatJPEG, FormatH264, 42} {
		_, _, err := pixelFormat(code, 2028)
		assert.Error(t, err, "format %d", code)
	}
}

func TestRingFitsHalfResolution(t *testing.T) {
	// the largest raw frame the pipeline accepts at the default divisor
	assert.LessOrEqual(t, types.FormatBGR24.MinBufferSize(2028, 1520, 2028*3), MaxFrameLen)
	assert.LessOrEqual(t, types.FormatNV12.MinBufferSize(2028, 1520, 2028), MaxFrameLen)
}
