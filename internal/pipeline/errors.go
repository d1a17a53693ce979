package pipeline

import (
	"errors"
	"fmt"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/capture"
)

// Per-cycle drop reasons. None of them stops the pipeline.
var (
	ErrAcquisitionTimeout = capture.ErrTimeout
	ErrNoDetection        = errors.New("pipeline: no marker detected")
	ErrEmptyROI           = errors.New("pipeline: ROI is empty after clipping")
	ErrInvalidROI         = errors.New("pipeline: invalid ROI")
	ErrResolutionMismatch = errors.New("pipeline: frame resolution does not match configuration")
	ErrPoseSolve          = errors.New("pipeline: pose solve failed")
)

// InitError reports a component that could not be set up. New returns it
// before any stage is started.
type InitError struct {
	Component string
	Err       error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("pipeline init failed: %s: %v", e.Component, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}
