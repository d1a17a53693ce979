package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/capture"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/config"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/detect"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/display"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/geometry"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/synth"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/pkg/types"
)

type fakeDetector struct {
	dets  []detect.Detection
	err   error
	calls atomic.Int64
}

func (f *fakeDetector) Detect(*image.Gray) ([]detect.Detection, error) {
	f.calls.Add(1)
	return f.dets, f.err
}

// blockingSource never delivers a frame and ignores the pull timeout.
type blockingSource struct{}

func (blockingSource) Pull(ctx context.Context, _ time.Duration) (capture.Sample, error) {
	<-ctx.Done()
	return capture.Sample{}, ctx.Err()
}

func (blockingSource) Close() error { return nil }

func square(x0, y0, x1, y1 float64) detect.Detection {
	return detect.Detection{
		Corners: [4]types.Point{{X: x0, Y: y0}, {X: x1, Y: y0}, {X: x1, Y: y1}, {X: x0, Y: y1}},
		Center:  types.Point{X: (x0 + x1) / 2, Y: (y0 + y1) / 2},
		Area:    (x1 - x0) * (y1 - y0),
	}
}

// smallConfig captures at quarter sensor resolution to keep tests fast.
func smallConfig() config.Config {
	cfg := config.Default()
	cfg.Divisor = 4
	cfg.PreviewIdle = 50 * time.Millisecond
	cfg.CaptureTimeout = 20 * time.Millisecond
	return cfg
}

func hiddenSource(t *testing.T, cfg config.Config, frames int) *synth.Source {
	t.Helper()
	size := cfg.FrameSize()
	src, err := synth.NewSource(synth.Config{
		Width:      size.Width,
		Height:     size.Height,
		Camera:     cfg.Camera(),
		MarkerSize: cfg.MarkerSize,
		Distance:   0.5,
		Hidden:     true,
		FPS:        100,
		Format:     types.FormatGray8,
		Frames:     frames,
	})
	require.NoError(t, err)
	return src
}

func fakeDeps(src capture.Source) (Deps, *fakeDetector, *fakeDetector, *display.Headless) {
	coarse, precise := &fakeDetector{}, &fakeDetector{}
	surface := display.NewHeadless()
	return Deps{
		Source:  src,
		Coarse:  coarse,
		Precise: precise,
		Solver:  geometry.NewPlanarSolver(),
		Surface: surface,
	}, coarse, precise, surface
}

func runAsync(p *Pipeline) <-chan error {
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	return done
}

func waitRun(t *testing.T, done <-chan error, within time.Duration) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(within):
		t.Fatalf("Run did not return within %v", within)
	}
}

// shutdownBudget is how long Run may take to return once shutdown has
// begun. A cycle already in flight finishes first, which the race detector
// slows down considerably.
func shutdownBudget() time.Duration {
	if raceEnabled {
		return 2 * time.Second
	}
	return 200 * time.Millisecond
}

// waitQuit waits for the pipeline to observe a quit and then for Run to
// return within shutdownBudget.
func waitQuit(t *testing.T, p *Pipeline, done <-chan error) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("quit key not observed")
	}
	waitRun(t, done, shutdownBudget())
}

func assertAllTerminated(t *testing.T, p *Pipeline) {
	t.Helper()
	for name, state := range p.Stages() {
		assert.Equal(t, StateTerminated, state, "stage %s", name)
	}
}

func TestNewReportsInitErrors(t *testing.T) {
	deps, _, _, _ := fakeDeps(blockingSource{})

	tests := []struct {
		name      string
		mutate    func(*config.Config, *Deps)
		component string
	}{
		{"invalid config", func(c *config.Config, _ *Deps) { c.Divisor = 3 }, "config"},
		{"unknown policy", func(c *config.Config, _ *Deps) { c.Selection = "random" }, "config"},
		{"no source", func(_ *config.Config, d *Deps) { d.Source = nil }, "acquisition"},
		{"no coarse detector", func(_ *config.Config, d *Deps) { d.Coarse = nil }, "coarse detector"},
		{"no precision detector", func(_ *config.Config, d *Deps) { d.Precise = nil }, "precision detector"},
		{"no solver", func(_ *config.Config, d *Deps) { d.Solver = nil }, "pose solver"},
		{"no surface", func(_ *config.Config, d *Deps) { d.Surface = nil }, "display"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, d := config.Default(), deps
			tt.mutate(&cfg, &d)

			p, err := New(cfg, d)
			require.Error(t, err)
			assert.Nil(t, p)

			var initErr *InitError
			require.ErrorAs(t, err, &initErr)
			assert.Equal(t, tt.component, initErr.Component)
		})
	}
}

func TestComputeROIIdentityMapping(t *testing.T) {
	det := detect.Detection{Corners: [4]types.Point{
		{X: 100.2, Y: 50.7}, {X: 200, Y: 50}, {X: 200.4, Y: 150}, {X: 100, Y: 150.9},
	}}
	frame := image.Rect(0, 0, 640, 480)

	got := ComputeROI(det, frame.Size(), frame, 80)
	assert.Equal(t, image.Rect(20, 0, 281, 231), got)

	got = ComputeROI(det, frame.Size(), frame, 0)
	assert.Equal(t, image.Rect(100, 50, 201, 151), got, "scale 1 leaves the bounding box untouched")
}

func TestComputeROIScalesToFullResolution(t *testing.T) {
	det := square(100, 100, 200, 200)
	got := ComputeROI(det, image.Pt(640, 480), image.Rect(0, 0, 2028, 1520), 80)
	// 2028/640 = 3.16875, 1520/480 = 3.1667
	assert.Equal(t, image.Rect(316-80, 316-80, 634+80, 634+80), got)
}

func TestComputeROIStaysInsideFrame(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	coarse := image.Pt(640, 480)
	frame := image.Rect(0, 0, 2028, 1520)

	for range 2000 {
		x0 := rng.Float64()*800 - 80
		y0 := rng.Float64()*600 - 60
		det := square(x0, y0, x0+rng.Float64()*200, y0+rng.Float64()*200)
		r := ComputeROI(det, coarse, frame, rng.IntN(300))
		if r.Empty() {
			continue
		}
		require.True(t, r.In(frame), "roi %v escapes %v", r, frame)
		assert.GreaterOrEqual(t, r.Min.X, 0)
		assert.GreaterOrEqual(t, r.Min.Y, 0)
		assert.LessOrEqual(t, r.Max.X, 2028)
		assert.LessOrEqual(t, r.Max.Y, 1520)
	}
}

func TestComputeROIOutsideFrameIsEmpty(t *testing.T) {
	det := square(700, 500, 720, 520)
	got := ComputeROI(det, image.Pt(640, 480), image.Rect(0, 0, 2028, 1520), 0)
	assert.True(t, got.Empty())
}

func grayFrame(t *testing.T, w, h int) *types.Frame {
	t.Helper()
	f, err := types.NewFrame(make([]byte, w*h), w, h, w, types.FormatGray8, 0)
	require.NoError(t, err)
	return f
}

func TestLocateMapsCoarseCorners(t *testing.T) {
	deps, coarse, _, _ := fakeDeps(blockingSource{})
	p, err := New(config.Default(), deps)
	require.NoError(t, err)

	frame := grayFrame(t, 2028, 1520)
	coarse.dets = []detect.Detection{square(100, 100, 200, 200)}

	roi, center, err := p.locate(frame, nil)
	require.NoError(t, err)
	assert.True(t, roi.Valid)
	assert.Same(t, frame, roi.Frame)
	assert.Equal(t, image.Rect(236, 236, 714, 714), roi.Rect)
	assert.Equal(t, types.Point{X: 150, Y: 150}, center)

	coarse.dets = []detect.Detection{square(700, 500, 720, 520)}
	_, _, err = p.locate(frame, nil)
	assert.ErrorIs(t, err, ErrEmptyROI)

	coarse.dets = nil
	_, _, err = p.locate(frame, nil)
	assert.ErrorIs(t, err, ErrNoDetection)

	coarse.err = errors.New("boom")
	_, _, err = p.locate(frame, nil)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoDetection)
}

func TestLocateNearestPolicyFollowsPreviousROI(t *testing.T) {
	deps, coarse, _, _ := fakeDeps(blockingSource{})
	cfg := config.Default()
	cfg.Selection = "nearest"
	p, err := New(cfg, deps)
	require.NoError(t, err)

	frame := grayFrame(t, 2028, 1520)
	coarse.dets = []detect.Detection{square(10, 10, 60, 60), square(400, 300, 450, 350)}

	ref := types.Point{X: 420, Y: 320}
	_, center, err := p.locate(frame, &ref)
	require.NoError(t, err)
	assert.Equal(t, types.Point{X: 425, Y: 325}, center)
}

func TestIngestCopiesFrame(t *testing.T) {
	deps, _, _, _ := fakeDeps(blockingSource{})
	p, err := New(smallConfig(), deps)
	require.NoError(t, err)
	size := smallConfig().FrameSize()

	buf := make([]byte, size.Width*size.Height)
	for i := range buf {
		buf[i] = 9
	}
	sample := capture.Sample{Data: buf, Width: size.Width, Height: size.Height, Stride: size.Width,
		Format: types.FormatGray8, Timestamp: 3 * time.Second, Seq: 17}

	frame, err := p.ingest(sample)
	require.NoError(t, err)
	for i := range buf {
		buf[i] = 200
	}
	assert.Equal(t, byte(9), frame.Data[0])
	assert.Equal(t, byte(9), frame.Data[len(frame.Data)-1])
	assert.Equal(t, uint64(17), frame.Seq)
	assert.Equal(t, 3*time.Second, frame.Timestamp)

	sample.Width--
	_, err = p.ingest(sample)
	assert.ErrorIs(t, err, ErrResolutionMismatch)
}

func TestSolveRejectsInvalidROI(t *testing.T) {
	deps, _, precise, _ := fakeDeps(blockingSource{})
	p, err := New(config.Default(), deps)
	require.NoError(t, err)
	frame := grayFrame(t, 2028, 1520)

	_, err = p.solve(types.ROIResult{Frame: frame, Rect: image.Rect(0, 0, 10, 10)})
	assert.ErrorIs(t, err, ErrInvalidROI)

	_, err = p.solve(types.ROIResult{Frame: frame, Rect: image.Rect(2000, 1500, 2100, 1600), Valid: true})
	assert.ErrorIs(t, err, ErrInvalidROI)

	assert.Zero(t, precise.calls.Load(), "invalid ROIs never reach the detector")

	_, err = p.solve(types.ROIResult{Frame: frame, Rect: image.Rect(100, 100, 300, 300), Valid: true})
	assert.ErrorIs(t, err, ErrNoDetection)
}

func TestSolveDegenerateCornersIsPoseSolveError(t *testing.T) {
	deps, _, precise, _ := fakeDeps(blockingSource{})
	p, err := New(config.Default(), deps)
	require.NoError(t, err)

	// all four corners on one line
	precise.dets = []detect.Detection{{Corners: [4]types.Point{{X: 1, Y: 1}, {X: 2, Y: 2}, {X: 3, Y: 3}, {X: 4, Y: 4}}}}
	_, err = p.solve(types.ROIResult{Frame: grayFrame(t, 2028, 1520), Rect: image.Rect(100, 100, 300, 300), Valid: true})
	assert.ErrorIs(t, err, ErrPoseSolve)
	assert.ErrorIs(t, err, geometry.ErrDegenerate)
}

// fixedSolver returns the same pose for every input.
type fixedSolver struct{ pose geometry.Pose }

func (f fixedSolver) Solve([4]r3.Vec, [4]types.Point, geometry.Camera) (geometry.Pose, error) {
	return f.pose, nil
}

func TestSolveGatesOnReprojectionError(t *testing.T) {
	cfg := config.Default()
	truth := geometry.Pose{R: geometry.RotZ(30), T: r3.Vec{Z: 0.5}}
	roi := image.Rect(600, 300, 1500, 1200)

	var det detect.Detection
	for i, c := range geometry.SquareObject(cfg.MarkerSize) {
		q := cfg.Camera().Project(truth.Apply(c))
		det.Corners[i] = types.Point{X: q.X - float64(roi.Min.X), Y: q.Y - float64(roi.Min.Y)}
	}
	frame := grayFrame(t, 2028, 1520)
	in := types.ROIResult{Frame: frame, Rect: roi, Valid: true}

	solveWith := func(t *testing.T, cfg config.Config, pose geometry.Pose) (types.PoseResult, error) {
		t.Helper()
		deps, _, precise, _ := fakeDeps(blockingSource{})
		deps.Solver = fixedSolver{pose: pose}
		precise.dets = []detect.Detection{det}
		p, err := New(cfg, deps)
		require.NoError(t, err)
		return p.solve(in)
	}

	got, err := solveWith(t, cfg, truth)
	require.NoError(t, err)
	assert.Less(t, got.ReprojectionError, 1e-6)
	assert.InDelta(t, 30*math.Pi/180, got.Rotation.Z, 1e-9)
	assert.InDelta(t, 0, r3.Norm(r3.Vec{X: got.Rotation.X, Y: got.Rotation.Y}), 1e-9)
	assert.InDelta(t, 30, got.Yaw, 1e-9)

	off := geometry.Pose{R: truth.R, T: r3.Vec{X: 0.05, Z: 0.5}}
	_, err = solveWith(t, cfg, off)
	assert.ErrorIs(t, err, ErrPoseSolve)

	cfg.MaxReprojectionError = 0
	got, err = solveWith(t, cfg, off)
	require.NoError(t, err, "a zero bound disables the check")
	assert.Greater(t, got.ReprojectionError, 100.0)
}

func TestNoCoarseDetectionPublishesNoROI(t *testing.T) {
	cfg := smallConfig()
	deps, coarse, precise, _ := fakeDeps(hiddenSource(t, cfg, 10))
	p, err := New(cfg, deps)
	require.NoError(t, err)

	waitRun(t, runAsync(p), 5*time.Second)

	assert.Equal(t, uint64(10), p.Metrics().FramesCaptured.Load())
	assert.Positive(t, coarse.calls.Load())
	assert.Equal(t, uint64(coarse.calls.Load()), p.Metrics().CoarseMisses.Load())
	assert.Zero(t, p.rois.Published())
	assert.Zero(t, precise.calls.Load())
	assert.Zero(t, p.Metrics().PoseCycles.Load())
	assertAllTerminated(t, p)
}

func TestResolutionMismatchIsDropped(t *testing.T) {
	cfg := smallConfig()
	other := cfg
	other.Divisor = 2
	deps, _, _, _ := fakeDeps(hiddenSource(t, other, 3))
	p, err := New(cfg, deps)
	require.NoError(t, err)

	waitRun(t, runAsync(p), 5*time.Second)

	assert.Equal(t, uint64(3), p.Metrics().SizeMismatchDrops.Load())
	assert.Zero(t, p.Metrics().FramesCaptured.Load())
	assert.Zero(t, p.frames.Published())
}

func TestShutdownWakesBlockedStages(t *testing.T) {
	deps, _, _, _ := fakeDeps(blockingSource{})
	p, err := New(smallConfig(), deps)
	require.NoError(t, err)

	done := runAsync(p)
	time.Sleep(50 * time.Millisecond)
	for name, state := range p.Stages() {
		assert.Equal(t, StateWaiting, state, "stage %s", name)
	}

	p.Shutdown()
	waitRun(t, done, 200*time.Millisecond)
	assertAllTerminated(t, p)

	p.Shutdown()
	assert.Error(t, p.Run(context.Background()), "a pipeline runs once")
}

func TestContextCancelStopsPipeline(t *testing.T) {
	deps, _, _, _ := fakeDeps(blockingSource{})
	p, err := New(smallConfig(), deps)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	waitRun(t, done, 200*time.Millisecond)
	assertAllTerminated(t, p)

	select {
	case <-p.Done():
	default:
		t.Fatal("cancel should shut the pipeline down")
	}
}

func TestQuitKeyStopsEveryStage(t *testing.T) {
	cfg := smallConfig()
	deps, _, _, surface := fakeDeps(hiddenSource(t, cfg, 0))
	p, err := New(cfg, deps)
	require.NoError(t, err)

	done := runAsync(p)

	// with no pose the raw preview is shown
	require.Eventually(t, func() bool { return surface.Frames() > 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Positive(t, p.Metrics().PreviewFrames.Load())
	assert.Zero(t, p.Metrics().FramesPresented.Load())

	surface.Press('x')
	surface.Press(cfg.QuitRune())
	waitQuit(t, p, done)
	assertAllTerminated(t, p)
}

func TestInterruptKeyQuits(t *testing.T) {
	deps, _, _, surface := fakeDeps(blockingSource{})
	p, err := New(smallConfig(), deps)
	require.NoError(t, err)

	done := runAsync(p)
	surface.Press(display.KeyInterrupt)
	waitQuit(t, p, done)
	assertAllTerminated(t, p)
}

func TestStatusSnapshot(t *testing.T) {
	deps, _, _, _ := fakeDeps(blockingSource{})
	p, err := New(smallConfig(), deps)
	require.NoError(t, err)

	s := p.Status()
	assert.Equal(t, p.RunID(), s.RunID)
	assert.Len(t, s.Stages, 4)
	assert.Nil(t, s.LastPose)

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"WAITING"`)
	assert.Contains(t, string(data), `"preview":{"published":0,"overwrites":0}`)
}
