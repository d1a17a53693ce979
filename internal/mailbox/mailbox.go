// Package mailbox implements the single-slot handoff used between pipeline
// stages. A mailbox holds at most one value; publishing replaces whatever
// the consumer has not taken yet, so a slow consumer always sees the newest
// value and a fast producer never waits.
package mailbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrStopped is returned by Take once the mailbox has been closed.
	ErrStopped = errors.New("mailbox: stopped")
	// ErrEmpty is returned by TakeWithin when nothing arrived in time.
	ErrEmpty = errors.New("mailbox: empty")
)

// Mailbox is a typed, capacity-one, overwrite-on-publish slot.
// Any number of producers may publish; one consumer is expected.
type Mailbox[T any] struct {
	mu    sync.Mutex
	value T
	full  bool

	ready chan struct{} // holds a token while full
	done  chan struct{}
	once  sync.Once

	published atomic.Uint64
	drops     atomic.Uint64
}

// New returns an empty mailbox.
func New[T any]() *Mailbox[T] {
	return &Mailbox[T]{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Publish stores v, replacing any value not yet taken. It never blocks.
func (m *Mailbox[T]) Publish(v T) {
	select {
	case <-m.done:
		return
	default:
	}

	m.mu.Lock()
	if m.full {
		m.drops.Add(1)
	}
	m.value = v
	m.full = true
	m.mu.Unlock()
	m.published.Add(1)

	select {
	case m.ready <- struct{}{}:
	default:
		// a wake-up is already pending
	}
}

// Take blocks until a value is available and removes it. It returns
// ErrStopped after Close and ctx.Err() when ctx is done.
func (m *Mailbox[T]) Take(ctx context.Context) (T, error) {
	for {
		// shutdown wins over a pending value
		select {
		case <-m.done:
			var zero T
			return zero, ErrStopped
		default:
		}

		select {
		case <-m.done:
			var zero T
			return zero, ErrStopped
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-m.ready:
			if v, ok := m.TryTake(); ok {
				return v, nil
			}
		}
	}
}

// TakeWithin is Take bounded by d. It returns ErrEmpty on timeout.
func (m *Mailbox[T]) TakeWithin(d time.Duration) (T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	v, err := m.Take(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return v, ErrEmpty
	}
	return v, err
}

// TryTake removes and returns the pending value without blocking.
func (m *Mailbox[T]) TryTake() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero T
	if !m.full {
		return zero, false
	}
	v := m.value
	m.value = zero
	m.full = false
	return v, true
}

// Close wakes every blocked Take and makes further publishes no-ops.
// It is safe to call more than once.
func (m *Mailbox[T]) Close() {
	m.once.Do(func() {
		close(m.done)
	})
}

// Done is closed once the mailbox has been closed.
func (m *Mailbox[T]) Done() <-chan struct{} {
	return m.done
}

// Published returns the number of values published so far.
func (m *Mailbox[T]) Published() uint64 {
	return m.published.Load()
}

// Drops returns the number of values overwritten before being taken.
func (m *Mailbox[T]) Drops() uint64 {
	return m.drops.Load()
}
