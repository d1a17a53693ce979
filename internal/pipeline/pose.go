package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/geometry"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/pkg/types"
)

// poseLoop refines the marker corners inside each ROI at full resolution
// and solves the marker pose.
func (p *Pipeline) poseLoop(ctx context.Context, st *stage) error {
	for {
		st.set(StateWaiting)
		roi, err := p.rois.Take(ctx)
		if err != nil {
			return nil
		}

		st.set(StateProcessing)
		start := time.Now()
		st.cycles.Add(1)
		p.metrics.PoseCycles.Add(1)

		res, err := p.solve(roi)
		switch {
		case err == nil:
			p.poses.Publish(res)
			p.metrics.PosesSolved.Add(1)
			p.metrics.UpdatePoseLatency(res.Frame.ArrivedAt)
			p.notify(res)
		case errors.Is(err, ErrInvalidROI):
			p.drop(st, err)
		case errors.Is(err, ErrNoDetection):
			p.metrics.PoseMisses.Add(1)
			p.drop(st, err)
		case errors.Is(err, ErrPoseSolve):
			p.metrics.SolveFailures.Add(1)
			p.drop(st, err)
		default:
			p.metrics.DetectorErrors.Add(1)
			p.drop(st, err)
		}
		p.metrics.ObserveStage(StagePose, time.Since(start))
	}
}

// solve detects the marker inside roi and estimates its pose.
func (p *Pipeline) solve(roi types.ROIResult) (types.PoseResult, error) {
	if !roi.Valid || roi.Frame == nil {
		return types.PoseResult{}, ErrInvalidROI
	}
	if roi.Rect.Empty() || !roi.Rect.In(roi.Frame.Bounds()) {
		return types.PoseResult{}, fmt.Errorf("%w: %v outside %v", ErrInvalidROI, roi.Rect, roi.Frame.Bounds())
	}

	crop, ok := roi.Frame.Gray().SubImage(roi.Rect).(*image.Gray)
	if !ok {
		return types.PoseResult{}, fmt.Errorf("%w: crop is not grayscale", ErrInvalidROI)
	}
	dets, err := p.deps.Precise.Detect(crop)
	if err != nil {
		return types.PoseResult{}, fmt.Errorf("precision detector: %w", err)
	}
	center := types.Point{X: float64(roi.Rect.Dx()) / 2, Y: float64(roi.Rect.Dy()) / 2}
	det, ok := p.policy.Select(dets, &center)
	if !ok {
		return types.PoseResult{}, ErrNoDetection
	}
	det = det.Translate(float64(roi.Rect.Min.X), float64(roi.Rect.Min.Y))

	pose, err := p.deps.Solver.Solve(p.object, det.Corners, p.camera)
	if err != nil {
		return types.PoseResult{}, fmt.Errorf("%w: %w", ErrPoseSolve, err)
	}
	rms := geometry.ReprojectionError(pose, p.object, det.Corners, p.camera)
	if limit := p.cfg.MaxReprojectionError; limit > 0 && !(rms <= limit) {
		return types.PoseResult{}, fmt.Errorf("%w: reprojection error %.2f px exceeds %.2f px", ErrPoseSolve, rms, limit)
	}

	return types.PoseResult{
		Frame:             roi.Frame,
		Translation:       pose.T,
		Rotation:          geometry.AxisAngle(pose.R),
		Yaw:               pose.Yaw(),
		ReprojectionError: rms,
		ROI:               roi.Rect,
		Corners:           det.Corners,
		Valid:             true,
	}, nil
}

func (p *Pipeline) notify(res types.PoseResult) {
	p.mu.Lock()
	p.lastPose = &res
	observers := p.observers
	p.mu.Unlock()

	for _, fn := range observers {
		fn(res)
	}
}
