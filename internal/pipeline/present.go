package pipeline

import (
	"context"
	"errors"
	"image"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/display"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/mailbox"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/render"
)

// keyPollInterval bounds how long the presentation stage waits for a pose
// before it polls the quit key again.
const keyPollInterval = 50 * time.Millisecond

// presentLoop shows annotated poses, falls back to raw frames while no pose
// arrives and watches for the quit key.
func (p *Pipeline) presentLoop(ctx context.Context, st *stage) error {
	quit := p.cfg.QuitRune()
	viewport := p.cfg.Viewport.Point()
	wait := min(keyPollInterval, p.cfg.PreviewIdle)
	lastPose := time.Now()

	for !p.stopped() {
		if p.quitRequested(quit) {
			p.log.Info("Quit key pressed")
			p.Shutdown()
			return nil
		}

		st.set(StateWaiting)
		pose, err := p.poses.TakeWithin(wait)
		switch {
		case err == nil:
			if !pose.Valid {
				continue
			}
			st.set(StateProcessing)
			start := time.Now()
			lastPose = start
			p.show(render.Annotate(pose, viewport), false)
			st.cycles.Add(1)
			p.metrics.ObserveStage(StagePresent, time.Since(start))

		case errors.Is(err, mailbox.ErrEmpty):
			if time.Since(lastPose) < p.cfg.PreviewIdle {
				continue
			}
			frame, ok := p.preview.TryTake()
			if !ok {
				continue
			}
			st.set(StateProcessing)
			p.show(render.Preview(frame, viewport), true)

		default:
			return nil
		}
	}
	return nil
}

func (p *Pipeline) quitRequested(quit rune) bool {
	for {
		r, ok := p.deps.Surface.PollKey()
		if !ok {
			return false
		}
		if r == quit || r == display.KeyInterrupt {
			return true
		}
	}
}

func (p *Pipeline) show(img image.Image, preview bool) {
	if err := p.deps.Surface.Show(img); err != nil {
		p.metrics.DisplayErrors.Add(1)
		p.drop(p.stages[StagePresent], err)
		return
	}
	if preview {
		p.metrics.PreviewFrames.Add(1)
	} else {
		p.metrics.FramesPresented.Add(1)
	}
}
