package synth

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/capture"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/geometry"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/pkg/types"
)

// Config describes the simulated camera and marker motion.
type Config struct {
	Width, Height int
	Camera        geometry.Camera
	MarkerSize    float64

	Distance float64 // metres along the optical axis
	OffsetX  float64 // metres
	OffsetY  float64 // metres
	Yaw      float64 // degrees
	Spin     float64 // degrees per second
	Hidden   bool    // render an empty scene

	FPS    float64
	Format types.PixelFormat // Gray8 or BGR24
	Frames int               // stop after this many frames; 0 runs forever
}

// Source renders frames on a fixed clock.
type Source struct {
	cfg      Config
	interval time.Duration
	start    time.Time

	mu     sync.Mutex
	next   time.Time
	seq    uint64
	buf    []byte
	cached *image.Gray
	closed bool
}

// NewSource validates cfg and returns a source whose first frame is due
// immediately.
func NewSource(cfg Config) (*Source, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.MarkerSize <= 0 || cfg.Distance <= 0 {
		return nil, fmt.Errorf("marker size and distance must be positive")
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	switch cfg.Format {
	case types.FormatGray8, types.FormatBGR24:
	default:
		return nil, fmt.Errorf("synthetic source cannot produce %v", cfg.Format)
	}

	now := time.Now()
	logger.Info("Synth", "Rendering %dx%d at %.0f fps, marker %.3fm at %.2fm yaw %.1f° spin %.1f°/s",
		cfg.Width, cfg.Height, cfg.FPS, cfg.MarkerSize, cfg.Distance, cfg.Yaw, cfg.Spin)

	return &Source{
		cfg:      cfg,
		interval: time.Duration(float64(time.Second) / cfg.FPS),
		start:    now,
		next:     now,
	}, nil
}

// Pull implements capture.Source.
func (s *Source) Pull(ctx context.Context, timeout time.Duration) (capture.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || (s.cfg.Frames > 0 && s.seq >= uint64(s.cfg.Frames)) {
		return capture.Sample{}, capture.ErrClosed
	}

	wait := time.Until(s.next)
	if wait > timeout {
		if err := sleep(ctx, timeout); err != nil {
			return capture.Sample{}, err
		}
		return capture.Sample{}, capture.ErrTimeout
	}
	if err := sleep(ctx, wait); err != nil {
		return capture.Sample{}, err
	}

	due := s.next
	s.next = s.next.Add(s.interval)
	if behind := time.Since(s.next); behind > 0 {
		// renders slower than the frame clock; skip ahead like a camera would
		s.next = s.next.Add(behind.Truncate(s.interval) + s.interval)
	}

	elapsed := due.Sub(s.start)
	img, err := s.frameAt(elapsed)
	if err != nil {
		return capture.Sample{}, err
	}
	sample := s.pack(img, elapsed)
	s.seq++
	return sample, nil
}

// Scene returns the scene rendered at elapsed time t.
func (s *Source) Scene(t time.Duration) Scene {
	yaw := s.cfg.Yaw + s.cfg.Spin*t.Seconds()
	return Scene{
		Width:      s.cfg.Width,
		Height:     s.cfg.Height,
		Camera:     s.cfg.Camera,
		MarkerSize: s.cfg.MarkerSize,
		Pose:       FrontalPose(s.cfg.Distance, s.cfg.OffsetX, s.cfg.OffsetY, geometry.NormalizeDegrees(yaw)),
	}
}

func (s *Source) frameAt(t time.Duration) (*image.Gray, error) {
	if s.cached != nil {
		return s.cached, nil
	}
	if s.cfg.Hidden {
		img := image.NewGray(image.Rect(0, 0, s.cfg.Width, s.cfg.Height))
		for i := range img.Pix {
			img.Pix[i] = Background
		}
		s.cached = img
		return img, nil
	}
	img, err := Render(s.Scene(t))
	if err != nil {
		return nil, err
	}
	if s.cfg.Spin == 0 {
		s.cached = img
	}
	return img, nil
}

// pack writes img into the reused output buffer in the configured format.
func (s *Source) pack(img *image.Gray, ts time.Duration) capture.Sample {
	w, h := s.cfg.Width, s.cfg.Height
	sample := capture.Sample{
		Width:     w,
		Height:    h,
		Format:    s.cfg.Format,
		Timestamp: ts,
		Seq:       s.seq,
	}

	switch s.cfg.Format {
	case types.FormatBGR24:
		sample.Stride = w * 3
		if len(s.buf) != sample.Stride*h {
			s.buf = make([]byte, sample.Stride*h)
		}
		for i, v := range img.Pix[:w*h] {
			s.buf[i*3], s.buf[i*3+1], s.buf[i*3+2] = v, v, v
		}
	default:
		sample.Stride = w
		if len(s.buf) != w*h {
			s.buf = make([]byte, w*h)
		}
		copy(s.buf, img.Pix)
	}
	sample.Data = s.buf
	return sample
}

// Close implements capture.Source.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
