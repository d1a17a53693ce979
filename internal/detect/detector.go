// Package detect finds square fiducial markers in grayscale images.
package detect

import (
	"fmt"
	"image"
	"math"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/pkg/types"
)

// Detection is one marker candidate. Corners are relative to the origin of
// the detected image's bounds, starting at the notched corner and running
// clockwise on screen.
type Detection struct {
	Corners [4]types.Point
	Center  types.Point
	Area    float64
}

// Bounds returns the float extents of the corners.
func (d Detection) Bounds() (minX, minY, maxX, maxY float64) {
	minX, minY = math.Inf(1), math.Inf(1)
	maxX, maxY = math.Inf(-1), math.Inf(-1)
	for _, c := range d.Corners {
		minX = math.Min(minX, c.X)
		minY = math.Min(minY, c.Y)
		maxX = math.Max(maxX, c.X)
		maxY = math.Max(maxY, c.Y)
	}
	return minX, minY, maxX, maxY
}

// Translate returns the detection shifted by (dx, dy).
func (d Detection) Translate(dx, dy float64) Detection {
	for i := range d.Corners {
		d.Corners[i].X += dx
		d.Corners[i].Y += dy
	}
	d.Center.X += dx
	d.Center.Y += dy
	return d
}

// Detector finds markers. Implementations must be safe for use by one
// goroutine at a time; each stage owns its own instance.
type Detector interface {
	Detect(img *image.Gray) ([]Detection, error)
}

// Options tune a detector instance.
type Options struct {
	// Decimate downsamples the input by this factor before segmentation.
	Decimate int `yaml:"decimate"`
	// Workers bounds the goroutines used for per-candidate work.
	Workers int `yaml:"workers"`
	// RefineEdges fits lines to the full resolution edges.
	RefineEdges bool `yaml:"refine_edges"`
	// MinArea in input pixels; smaller blobs are ignored.
	MinArea float64 `yaml:"min_area"`
	// MinContrast below which an image is considered empty.
	MinContrast uint8 `yaml:"min_contrast"`
}

// FastOptions is tuned for the small coarse image.
func FastOptions() Options {
	return Options{Decimate: 1, Workers: 1, MinArea: 64, MinContrast: 20}
}

// PreciseOptions is tuned for full resolution crops.
func PreciseOptions() Options {
	return Options{Decimate: 3, Workers: 2, RefineEdges: true, MinArea: 400, MinContrast: 20}
}

// Validate reports unusable option values.
func (o Options) Validate() error {
	if o.Decimate < 1 {
		return fmt.Errorf("decimate must be >= 1, got %d", o.Decimate)
	}
	if o.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", o.Workers)
	}
	if o.MinArea < 0 {
		return fmt.Errorf("min_area must not be negative")
	}
	return nil
}
