//go:build !linux || !cgo

package shm

import (
	"context"
	"errors"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/capture"
)

// ErrUnsupported is returned by Open on builds without the cgo reader.
var ErrUnsupported = errors.New("shared memory capture requires linux and cgo")

// Reader is unavailable on this platform.
type Reader struct{}

// Open always fails on this platform.
func Open(ctx context.Context, name string, wait time.Duration) (*Reader, error) {
	return nil, ErrUnsupported
}

// Pull implements capture.Source.
func (r *Reader) Pull(ctx context.Context, timeout time.Duration) (capture.Sample, error) {
	return capture.Sample{}, capture.ErrClosed
}

// Close implements capture.Source.
func (r *Reader) Close() error { return nil }
