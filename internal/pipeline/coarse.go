package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"time"

	"golang.org/x/image/draw"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/detect"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/pkg/types"
)

// coarseLoop finds the marker in a downsampled copy of each frame and
// publishes the region the precision stage should search.
func (p *Pipeline) coarseLoop(ctx context.Context, st *stage) error {
	var last *types.Point
	for {
		st.set(StateWaiting)
		frame, err := p.frames.Take(ctx)
		if err != nil {
			return nil
		}

		st.set(StateProcessing)
		start := time.Now()
		st.cycles.Add(1)
		p.metrics.CoarseCycles.Add(1)

		roi, center, err := p.locate(frame, last)
		switch {
		case err == nil:
			last = &center
			p.rois.Publish(roi)
			p.metrics.ROIsPublished.Add(1)
		case errors.Is(err, ErrNoDetection):
			p.metrics.CoarseMisses.Add(1)
			p.drop(st, err)
		case errors.Is(err, ErrEmptyROI):
			p.metrics.EmptyROIs.Add(1)
			p.drop(st, err)
		default:
			p.metrics.DetectorErrors.Add(1)
			p.drop(st, err)
		}
		p.metrics.ObserveStage(StageCoarse, time.Since(start))
	}
}

// locate runs coarse detection on frame. ref is the centre of the previous
// detection in coarse coordinates, used by the nearest policy.
func (p *Pipeline) locate(frame *types.Frame, ref *types.Point) (types.ROIResult, types.Point, error) {
	small := Downsample(frame.Gray(), p.cfg.CoarseSize.Point())

	dets, err := p.deps.Coarse.Detect(small)
	if err != nil {
		return types.ROIResult{}, types.Point{}, fmt.Errorf("coarse detector: %w", err)
	}
	det, ok := p.policy.Select(dets, ref)
	if !ok {
		return types.ROIResult{}, types.Point{}, ErrNoDetection
	}

	rect := ComputeROI(det, small.Bounds().Size(), frame.Bounds(), p.cfg.ROIPadding)
	if rect.Empty() {
		return types.ROIResult{}, types.Point{}, fmt.Errorf("%w: detection at %.0f,%.0f", ErrEmptyROI, det.Center.X, det.Center.Y)
	}
	return types.ROIResult{Frame: frame, Rect: rect, Valid: true}, det.Center, nil
}

// Downsample scales img to size. An image already at size is returned as is.
func Downsample(img *image.Gray, size image.Point) *image.Gray {
	b := img.Bounds()
	if b.Size() == size {
		return img
	}
	dst := image.NewGray(image.Rectangle{Max: size})
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// ComputeROI maps the bounding box of det from a coarse image of size
// coarse to the full-resolution frame bounds, pads it and clips it to the
// frame. The result may be empty.
func ComputeROI(det detect.Detection, coarse image.Point, frame image.Rectangle, padding int) image.Rectangle {
	if coarse.X <= 0 || coarse.Y <= 0 {
		return image.Rectangle{}
	}
	sx := float64(frame.Dx()) / float64(coarse.X)
	sy := float64(frame.Dy()) / float64(coarse.Y)

	minX, minY, maxX, maxY := det.Bounds()
	r := image.Rect(
		frame.Min.X+int(math.Floor(minX*sx)),
		frame.Min.Y+int(math.Floor(minY*sy)),
		frame.Min.X+int(math.Ceil(maxX*sx)),
		frame.Min.Y+int(math.Ceil(maxY*sy)),
	)
	r.Min = r.Min.Sub(image.Pt(padding, padding))
	r.Max = r.Max.Add(image.Pt(padding, padding))
	return r.Intersect(frame)
}
