// Package pipeline runs the four pose stages: capture, coarse detection,
// precision pose and presentation. Stages hand work to each other through
// single-slot mailboxes, so a slow stage always picks up the newest value
// instead of building a backlog.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/capture"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/config"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/detect"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/display"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/geometry"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/mailbox"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/pkg/types"
)

// Stage names as reported by Stages and the stage duration metric.
const (
	StageCapture = "capture"
	StageCoarse  = "coarse"
	StagePose    = "pose"
	StagePresent = "present"
)

var stageNames = [...]string{StageCapture, StageCoarse, StagePose, StagePresent}

// StageState is the lifecycle state of one stage.
type StageState int32

const (
	StateWaiting StageState = iota
	StateProcessing
	StateTerminated
)

func (s StageState) String() string {
	switch s {
	case StateWaiting:
		return "WAITING"
	case StateProcessing:
		return "PROCESSING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return fmt.Sprintf("StageState(%d)", int32(s))
	}
}

// MarshalText reports the state by name in JSON status payloads.
func (s StageState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type stage struct {
	name    string
	state   atomic.Int32
	cycles  atomic.Uint64
	sampler *logger.Sampler
}

func (s *stage) set(st StageState) {
	s.state.Store(int32(st))
}

func (s *stage) get() StageState {
	return StageState(s.state.Load())
}

// Deps are the collaborators a Pipeline drives.
type Deps struct {
	Source  capture.Source
	Coarse  detect.Detector
	Precise detect.Detector
	Solver  geometry.Solver
	Surface display.Surface
	// Metrics is optional; a private registry is created when nil.
	Metrics *metrics.Metrics
}

// Pipeline owns the stage mailboxes and the stage goroutines.
type Pipeline struct {
	cfg   config.Config
	deps  Deps
	runID string
	log   *logger.Module

	policy    detect.Policy
	camera    geometry.Camera
	object    [4]r3.Vec
	frameSize config.Size
	metrics   *metrics.Metrics

	frames  *mailbox.Mailbox[*types.Frame]
	rois    *mailbox.Mailbox[types.ROIResult]
	poses   *mailbox.Mailbox[types.PoseResult]
	preview *mailbox.Mailbox[*types.Frame]

	stages map[string]*stage

	stopCtx  context.Context
	stop     context.CancelFunc
	stopOnce sync.Once
	running  atomic.Bool
	started  atomic.Int64 // unix nanoseconds

	mu        sync.RWMutex
	observers []func(types.PoseResult)
	lastPose  *types.PoseResult
}

// New validates cfg and deps and wires the mailboxes. No goroutine is
// started until Run. Failures are returned as *InitError.
func New(cfg config.Config, deps Deps) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &InitError{Component: "config", Err: err}
	}
	policy, err := cfg.Policy()
	if err != nil {
		return nil, &InitError{Component: "config", Err: err}
	}

	switch {
	case deps.Source == nil:
		return nil, &InitError{Component: "acquisition", Err: errors.New("no source configured")}
	case deps.Coarse == nil:
		return nil, &InitError{Component: "coarse detector", Err: errors.New("not configured")}
	case deps.Precise == nil:
		return nil, &InitError{Component: "precision detector", Err: errors.New("not configured")}
	case deps.Solver == nil:
		return nil, &InitError{Component: "pose solver", Err: errors.New("not configured")}
	case deps.Surface == nil:
		return nil, &InitError{Component: "display", Err: errors.New("no surface configured")}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}

	stopCtx, stop := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:       cfg,
		deps:      deps,
		runID:     uuid.NewString(),
		log:       logger.For("Pipeline"),
		policy:    policy,
		camera:    cfg.Camera(),
		object:    geometry.SquareObject(cfg.MarkerSize),
		frameSize: cfg.FrameSize(),
		metrics:   deps.Metrics,
		frames:    mailbox.New[*types.Frame](),
		rois:      mailbox.New[types.ROIResult](),
		poses:     mailbox.New[types.PoseResult](),
		preview:   mailbox.New[*types.Frame](),
		stages:    make(map[string]*stage, len(stageNames)),
		stopCtx:   stopCtx,
		stop:      stop,
	}
	for _, name := range stageNames {
		p.stages[name] = &stage{name: name, sampler: logger.Every(100)}
	}

	p.metrics.RegisterMailbox("frames", p.frames.Published, p.frames.Drops)
	p.metrics.RegisterMailbox("rois", p.rois.Published, p.rois.Drops)
	p.metrics.RegisterMailbox("poses", p.poses.Published, p.poses.Drops)
	p.metrics.RegisterMailbox("preview", p.preview.Published, p.preview.Drops)

	return p, nil
}

// RunID identifies this pipeline instance in logs and status payloads.
func (p *Pipeline) RunID() string {
	return p.runID
}

// Metrics returns the metrics the stages update.
func (p *Pipeline) Metrics() *metrics.Metrics {
	return p.metrics
}

// OnPose registers fn to be called from the pose stage with every
// published pose. fn must not block.
func (p *Pipeline) OnPose(fn func(types.PoseResult)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, fn)
}

// Run starts the stages and blocks until all of them have terminated.
// Cancelling ctx has the same effect as Shutdown. A Pipeline runs once.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("pipeline: already started")
	}
	p.started.Store(time.Now().UnixNano())
	p.log.Info("Starting run %s: frame %v, coarse %v, selection %s",
		p.runID, p.frameSize, p.cfg.CoarseSize, p.policy)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopOnCancel := context.AfterFunc(ctx, p.Shutdown)
	defer stopOnCancel()
	cancelOnStop := context.AfterFunc(p.stopCtx, cancel)
	defer cancelOnStop()

	var g errgroup.Group
	g.Go(func() error { return p.runStage(ctx, StageCapture, p.captureLoop) })
	g.Go(func() error { return p.runStage(ctx, StageCoarse, p.coarseLoop) })
	g.Go(func() error { return p.runStage(ctx, StagePose, p.poseLoop) })
	g.Go(func() error { return p.runStage(ctx, StagePresent, p.presentLoop) })

	err := g.Wait()
	p.log.Info("Run %s finished: %d frames, %d poses",
		p.runID, p.metrics.FramesCaptured.Load(), p.metrics.PosesSolved.Load())
	return err
}

func (p *Pipeline) runStage(ctx context.Context, name string, loop func(context.Context, *stage) error) error {
	st := p.stages[name]
	defer st.set(StateTerminated)

	err := loop(ctx, st)
	if err != nil {
		p.log.Error("Stage %s failed: %v", name, err)
		p.Shutdown()
		return fmt.Errorf("%s stage: %w", name, err)
	}
	p.log.Debug("Stage %s terminated", name)
	return nil
}

// Shutdown stops every stage. Blocked stages wake immediately. It is safe
// to call more than once and from any goroutine, including a stage.
func (p *Pipeline) Shutdown() {
	p.stopOnce.Do(func() {
		p.log.Info("Shutting down run %s", p.runID)
		p.stop()
		p.frames.Close()
		p.rois.Close()
		p.poses.Close()
		p.preview.Close()
	})
}

// Done is closed once Shutdown has been called.
func (p *Pipeline) Done() <-chan struct{} {
	return p.stopCtx.Done()
}

func (p *Pipeline) stopped() bool {
	return p.stopCtx.Err() != nil
}

// Stages returns the current state of every stage by name.
func (p *Pipeline) Stages() map[string]StageState {
	out := make(map[string]StageState, len(p.stages))
	for name, st := range p.stages {
		out[name] = st.get()
	}
	return out
}

// MailboxStatus reports the traffic through one mailbox.
type MailboxStatus struct {
	Published  uint64 `json:"published"`
	Overwrites uint64 `json:"overwrites"`
}

// StageStatus reports one stage.
type StageStatus struct {
	State  StageState `json:"state"`
	Cycles uint64     `json:"cycles"`
}

// PoseStatus is the last published pose.
type PoseStatus struct {
	Seq      uint64     `json:"seq"`
	X        float64    `json:"x"`
	Y        float64    `json:"y"`
	Z        float64    `json:"z"`
	Yaw      float64    `json:"yaw"`
	Rvec     [3]float64 `json:"rvec"`
	ReprojPx float64    `json:"reprojection_px"`
	ROI      [4]int     `json:"roi"` // x, y, w, h
	AgeMs    int64      `json:"age_ms"`
}

// Status is a snapshot of the pipeline for status endpoints.
type Status struct {
	RunID     string                   `json:"run_id"`
	UptimeSec float64                  `json:"uptime_sec"`
	Stages    map[string]StageStatus   `json:"stages"`
	Mailboxes map[string]MailboxStatus `json:"mailboxes"`
	Frames    uint64                   `json:"frames_captured"`
	Poses     uint64                   `json:"poses_solved"`
	LastPose  *PoseStatus              `json:"last_pose,omitempty"`
}

// Status returns a snapshot of stage states, mailbox traffic and the last
// pose.
func (p *Pipeline) Status() Status {
	s := Status{
		RunID:  p.runID,
		Stages: make(map[string]StageStatus, len(p.stages)),
		Mailboxes: map[string]MailboxStatus{
			"frames":  {p.frames.Published(), p.frames.Drops()},
			"rois":    {p.rois.Published(), p.rois.Drops()},
			"poses":   {p.poses.Published(), p.poses.Drops()},
			"preview": {p.preview.Published(), p.preview.Drops()},
		},
		Frames: p.metrics.FramesCaptured.Load(),
		Poses:  p.metrics.PosesSolved.Load(),
	}
	if started := p.started.Load(); started != 0 {
		s.UptimeSec = time.Since(time.Unix(0, started)).Seconds()
	}
	for name, st := range p.stages {
		s.Stages[name] = StageStatus{State: st.get(), Cycles: st.cycles.Load()}
	}

	p.mu.RLock()
	last := p.lastPose
	p.mu.RUnlock()
	if last != nil {
		s.LastPose = &PoseStatus{
			Seq:      last.Frame.Seq,
			X:        last.Translation.X,
			Y:        last.Translation.Y,
			Z:        last.Translation.Z,
			Yaw:      last.Yaw,
			Rvec:     [3]float64{last.Rotation.X, last.Rotation.Y, last.Rotation.Z},
			ReprojPx: last.ReprojectionError,
			ROI:      [4]int{last.ROI.Min.X, last.ROI.Min.Y, last.ROI.Dx(), last.ROI.Dy()},
			AgeMs:    time.Since(last.Frame.ArrivedAt).Milliseconds(),
		}
	}
	return s
}

// drop logs a non-fatal cycle drop, rate limited per stage.
func (p *Pipeline) drop(st *stage, err error) {
	if logger.GetLevel() > logger.DEBUG {
		return
	}
	if ok, suppressed := st.sampler.Allow(); ok {
		if suppressed > 0 {
			p.log.Debug("%s: cycle dropped: %v (%d similar suppressed)", st.name, err, suppressed)
		} else {
			p.log.Debug("%s: cycle dropped: %v", st.name, err)
		}
	}
}
