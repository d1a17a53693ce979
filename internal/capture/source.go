// Package capture defines the boundary to the acquisition subsystem.
package capture

import (
	"context"
	"errors"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/pkg/types"
)

var (
	// ErrTimeout means no frame arrived within the pull timeout.
	ErrTimeout = errors.New("capture: acquisition timeout")
	// ErrClosed means the source is closed or exhausted.
	ErrClosed = errors.New("capture: source closed")
)

// Sample is one frame as delivered by the acquisition subsystem. Data is
// only valid until the next Pull on the same source.
type Sample struct {
	Data      []byte
	Width     int
	Height    int
	Stride    int
	Format    types.PixelFormat
	Timestamp time.Duration // hardware timestamp
	Seq       uint64
}

// Source delivers frames. Pull waits at most timeout for the next frame.
type Source interface {
	Pull(ctx context.Context, timeout time.Duration) (Sample, error)
	Close() error
}

// Frame deep-copies the sample into an owned Frame.
func (s Sample) Frame() (*types.Frame, error) {
	f, err := types.NewFrame(s.Data, s.Width, s.Height, s.Stride, s.Format, s.Timestamp)
	if err != nil {
		return nil, err
	}
	f.Seq = s.Seq
	return f, nil
}
