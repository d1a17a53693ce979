// Package synth renders a fiducial marker at a known pose. It backs the
// simulated acquisition source and the end-to-end tests.
package synth

import (
	"fmt"
	"image"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/geometry"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/pkg/types"
)

const (
	Background = 235
	Ink        = 20

	notchMin = -0.35 // in marker sides
	notchMax = -0.10
)

// Scene describes one rendered view.
type Scene struct {
	Width, Height int
	Camera        geometry.Camera
	MarkerSize    float64
	Pose          geometry.Pose
}

// MarkerValue returns the intensity of the marker at object coordinates
// (x, y) and whether the point lies on the marker.
func MarkerValue(x, y, side float64) (uint8, bool) {
	h := side / 2
	if math.Abs(x) > h || math.Abs(y) > h {
		return Background, false
	}
	lo, hi := notchMin*side, notchMax*side
	if x >= lo && x <= hi && y >= lo && y <= hi {
		return Background, true
	}
	return Ink, true
}

// Corners returns the projected marker corners in detector order.
func (s Scene) Corners() [4]types.Point {
	var out [4]types.Point
	for i, p := range geometry.SquareObject(s.MarkerSize) {
		out[i] = s.Camera.Project(s.Pose.Apply(p))
	}
	return out
}

// Render draws the scene into a new gray image with 2x2 supersampling on
// the marker.
func Render(s Scene) (*image.Gray, error) {
	if s.Width <= 0 || s.Height <= 0 {
		return nil, fmt.Errorf("invalid image size %dx%d", s.Width, s.Height)
	}
	img := image.NewGray(image.Rect(0, 0, s.Width, s.Height))
	for i := range img.Pix {
		img.Pix[i] = Background
	}

	inv, err := planeFromImage(s.Pose)
	if err != nil {
		return nil, err
	}

	box := s.markerBox()
	offsets := [4][2]float64{{-0.25, -0.25}, {0.25, -0.25}, {-0.25, 0.25}, {0.25, 0.25}}
	for y := box.Min.Y; y < box.Max.Y; y++ {
		for x := box.Min.X; x < box.Max.X; x++ {
			var sum int
			for _, o := range offsets {
				sum += int(s.sample(inv, float64(x)+o[0], float64(y)+o[1]))
			}
			img.Pix[y*img.Stride+x] = uint8((sum + 2) / 4)
		}
	}
	return img, nil
}

func (s Scene) sample(inv *mat.Dense, px, py float64) uint8 {
	xn, yn, err := s.Camera.Normalize(types.Point{X: px, Y: py})
	if err != nil {
		return Background
	}
	w := inv.At(2, 0)*xn + inv.At(2, 1)*yn + inv.At(2, 2)
	if w <= 0 {
		return Background
	}
	ox := (inv.At(0, 0)*xn + inv.At(0, 1)*yn + inv.At(0, 2)) / w
	oy := (inv.At(1, 0)*xn + inv.At(1, 1)*yn + inv.At(1, 2)) / w
	v, _ := MarkerValue(ox, oy, s.MarkerSize)
	return v
}

// markerBox bounds the marker in the image with a margin for lens curvature.
func (s Scene) markerBox() image.Rectangle {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, c := range s.Corners() {
		minX, maxX = math.Min(minX, c.X), math.Max(maxX, c.X)
		minY, maxY = math.Min(minY, c.Y), math.Max(maxY, c.Y)
	}
	margin := 0.05*math.Max(maxX-minX, maxY-minY) + 2
	r := image.Rect(
		int(math.Floor(minX-margin)), int(math.Floor(minY-margin)),
		int(math.Ceil(maxX+margin)), int(math.Ceil(maxY+margin)),
	)
	return r.Intersect(image.Rect(0, 0, s.Width, s.Height))
}

// planeFromImage inverts H = [r1 r2 t], which maps marker plane points to
// normalized image points.
func planeFromImage(p geometry.Pose) (*mat.Dense, error) {
	if p.R == nil {
		return nil, fmt.Errorf("pose has no rotation")
	}
	h := mat.NewDense(3, 3, []float64{
		p.R.At(0, 0), p.R.At(0, 1), p.T.X,
		p.R.At(1, 0), p.R.At(1, 1), p.T.Y,
		p.R.At(2, 0), p.R.At(2, 1), p.T.Z,
	})
	var inv mat.Dense
	if err := inv.Inverse(h); err != nil {
		return nil, fmt.Errorf("marker plane is edge-on to the camera: %w", err)
	}
	return &inv, nil
}

// FrontalPose places the marker facing the camera at the given distance,
// lateral offset and yaw in degrees.
func FrontalPose(distance, offsetX, offsetY, yaw float64) geometry.Pose {
	return geometry.Pose{
		R: geometry.RotZ(yaw),
		T: r3.Vec{X: offsetX, Y: offsetY, Z: distance},
	}
}
