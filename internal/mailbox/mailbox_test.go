package mailbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTakeReturnsOnlyLatest(t *testing.T) {
	m := New[int]()
	for i := 1; i <= 100; i++ {
		m.Publish(i)
	}

	v, err := m.Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100, v)
	assert.Equal(t, uint64(99), m.Drops())
	assert.Equal(t, uint64(100), m.Published())

	_, ok := m.TryTake()
	assert.False(t, ok, "slot should be empty after take")
}

func TestTakeBlocksUntilPublish(t *testing.T) {
	m := New[string]()
	got := make(chan string, 1)

	go func() {
		v, err := m.Take(context.Background())
		if err == nil {
			got <- v
		}
	}()

	select {
	case <-got:
		t.Fatal("take returned before publish")
	case <-time.After(20 * time.Millisecond):
	}

	m.Publish("frame")
	select {
	case v := <-got:
		assert.Equal(t, "frame", v)
	case <-time.After(time.Second):
		t.Fatal("take did not wake after publish")
	}
}

func TestCloseWakesBlockedTakers(t *testing.T) {
	m := New[int]()

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Take(context.Background())
			errs <- err
		}()
	}

	time.Sleep(10 * time.Millisecond)
	start := time.Now()
	m.Close()
	wg.Wait()
	close(errs)

	assert.Less(t, time.Since(start), 200*time.Millisecond)
	for err := range errs {
		assert.ErrorIs(t, err, ErrStopped)
	}
}

func TestCloseWinsOverPendingValue(t *testing.T) {
	m := New[int]()
	m.Publish(1)
	m.Close()
	m.Close()

	_, err := m.Take(context.Background())
	assert.ErrorIs(t, err, ErrStopped)

	m.Publish(2)
	assert.Equal(t, uint64(1), m.Published(), "publish after close is a no-op")
}

func TestTakeHonoursContext(t *testing.T) {
	m := New[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Take(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTakeWithin(t *testing.T) {
	m := New[int]()

	_, err := m.TakeWithin(5 * time.Millisecond)
	assert.ErrorIs(t, err, ErrEmpty)

	m.Publish(7)
	v, err := m.TakeWithin(5 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestConsumerNeverSeesOlderValue(t *testing.T) {
	m := New[int]()
	const n = 5000

	go func() {
		for i := 1; i <= n; i++ {
			m.Publish(i)
		}
	}()

	last := 0
	for last < n {
		v, err := m.TakeWithin(time.Second)
		require.NoError(t, err)
		require.Greater(t, v, last)
		last = v
	}
}
