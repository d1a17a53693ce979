package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/capture"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/pkg/types"
)

// captureLoop pulls frames from the source and publishes owned copies to the
// frame and preview mailboxes.
func (p *Pipeline) captureLoop(ctx context.Context, st *stage) error {
	for !p.stopped() {
		st.set(StateWaiting)
		sample, err := p.deps.Source.Pull(ctx, p.cfg.CaptureTimeout)
		switch {
		case err == nil:
		case errors.Is(err, capture.ErrTimeout):
			p.metrics.CaptureTimeouts.Add(1)
			p.drop(st, ErrAcquisitionTimeout)
			continue
		case errors.Is(err, capture.ErrClosed):
			p.log.Info("Acquisition source closed after %d frames", p.metrics.FramesCaptured.Load())
			p.Shutdown()
			return nil
		case ctx.Err() != nil:
			return nil
		default:
			p.metrics.CaptureErrors.Add(1)
			p.drop(st, err)
			continue
		}

		st.set(StateProcessing)
		start := time.Now()
		frame, err := p.ingest(sample)
		if err != nil {
			if errors.Is(err, ErrResolutionMismatch) {
				p.metrics.SizeMismatchDrops.Add(1)
			} else {
				p.metrics.CaptureErrors.Add(1)
			}
			p.drop(st, err)
			continue
		}

		p.frames.Publish(frame)
		p.preview.Publish(frame)
		st.cycles.Add(1)
		p.metrics.FramesCaptured.Add(1)
		p.metrics.ObserveStage(StageCapture, time.Since(start))
	}
	return nil
}

// ingest checks the negotiated size and copies the sample out of the
// acquisition buffer.
func (p *Pipeline) ingest(s capture.Sample) (*types.Frame, error) {
	if s.Width != p.frameSize.Width || s.Height != p.frameSize.Height {
		return nil, fmt.Errorf("%w: got %dx%d, want %v", ErrResolutionMismatch, s.Width, s.Height, p.frameSize)
	}
	frame, err := s.Frame()
	if err != nil {
		return nil, fmt.Errorf("ingest frame %d: %w", s.Seq, err)
	}
	return frame, nil
}
