package detect

import (
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/geometry"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/synth"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/pkg/types"
)

func scene(yaw, offsetX float64) synth.Scene {
	return synth.Scene{
		Width: 640, Height: 480,
		Camera:     geometry.Camera{Fx: 1000, Fy: 1000, Cx: 320, Cy: 240},
		MarkerSize: 0.2,
		Pose:       synth.FrontalPose(1, offsetX, 0, yaw),
	}
}

func render(t *testing.T, scenes ...synth.Scene) *image.Gray {
	t.Helper()
	var out *image.Gray
	for _, s := range scenes {
		img, err := synth.Render(s)
		require.NoError(t, err)
		if out == nil {
			out = img
			continue
		}
		for i, v := range img.Pix {
			out.Pix[i] = min(out.Pix[i], v)
		}
	}
	return out
}

func assertCorners(t *testing.T, want, got [4]types.Point, tol float64) {
	t.Helper()
	for i := range 4 {
		d := math.Hypot(want[i].X-got[i].X, want[i].Y-got[i].Y)
		assert.LessOrEqual(t, d, tol, "corner %d: want %+v got %+v", i, want[i], got[i])
	}
}

func TestQuadDetectorFindsOrientedCorners(t *testing.T) {
	det, err := NewQuadDetector(FastOptions())
	require.NoError(t, err)

	for _, yaw := range []float64{0, 30, 90, 135, -100, 180} {
		s := scene(yaw, 0)
		dets, err := det.Detect(render(t, s))
		require.NoError(t, err)
		require.Len(t, dets, 1, "yaw %v", yaw)

		assertCorners(t, s.Corners(), dets[0].Corners, 2.5)
		assert.InDelta(t, 320, dets[0].Center.X, 1.5)
		assert.InDelta(t, 240, dets[0].Center.Y, 1.5)
		assert.InDelta(t, 200*200, dets[0].Area, 200*200*0.05)
	}
}

func TestQuadDetectorRefinesOnDecimatedCrop(t *testing.T) {
	s := scene(20, 0)
	full := render(t, s)
	roi := image.Rect(150, 80, 500, 420)
	crop := full.SubImage(roi).(*image.Gray)

	det, err := NewQuadDetector(PreciseOptions())
	require.NoError(t, err)
	dets, err := det.Detect(crop)
	require.NoError(t, err)
	require.Len(t, dets, 1)

	want := s.Corners()
	for i := range want {
		want[i].X -= float64(roi.Min.X)
		want[i].Y -= float64(roi.Min.Y)
	}
	assertCorners(t, want, dets[0].Corners, 0.5)
}

func TestQuadDetectorEmptyScenes(t *testing.T) {
	det, err := NewQuadDetector(FastOptions())
	require.NoError(t, err)

	blank := image.NewGray(image.Rect(0, 0, 320, 240))
	for i := range blank.Pix {
		blank.Pix[i] = 200
	}
	dets, err := det.Detect(blank)
	require.NoError(t, err)
	assert.Empty(t, dets)

	// a dark square without a notch is not a marker
	for y := 80; y < 160; y++ {
		for x := 120; x < 200; x++ {
			blank.Pix[y*blank.Stride+x] = 10
		}
	}
	dets, err = det.Detect(blank)
	require.NoError(t, err)
	assert.Empty(t, dets)

	// low contrast
	low := image.NewGray(image.Rect(0, 0, 64, 64))
	for i := range low.Pix {
		low.Pix[i] = uint8(100 + i%10)
	}
	dets, err = det.Detect(low)
	require.NoError(t, err)
	assert.Empty(t, dets)
}

func TestQuadDetectorIgnoresBorderBlobs(t *testing.T) {
	det, err := NewQuadDetector(FastOptions())
	require.NoError(t, err)

	s := scene(0, 0.33) // pushed against the right edge
	dets, err := det.Detect(render(t, s))
	require.NoError(t, err)
	assert.Empty(t, dets)
}

func TestSelectionPolicies(t *testing.T) {
	left := scene(0, -0.2)
	left.MarkerSize = 0.12
	right := scene(45, 0.15)
	img := render(t, left, right)

	det, err := NewQuadDetector(Options{Decimate: 1, Workers: 4, MinArea: 64, MinContrast: 20})
	require.NoError(t, err)
	dets, err := det.Detect(img)
	require.NoError(t, err)
	require.Len(t, dets, 2)

	first, ok := PolicyFirst.Select(dets, nil)
	require.True(t, ok)
	assert.Equal(t, dets[0], first)

	largest, ok := PolicyLargest.Select(dets, nil)
	require.True(t, ok)
	assert.InDelta(t, 470, largest.Center.X, 2, "the larger marker is on the right")

	nearLeft, ok := PolicyNearest.Select(dets, &types.Point{X: 100, Y: 240})
	require.True(t, ok)
	assert.InDelta(t, 120, nearLeft.Center.X, 2)

	_, ok = PolicyLargest.Select(nil, nil)
	assert.False(t, ok)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("Largest")
	require.NoError(t, err)
	assert.Equal(t, PolicyLargest, p)

	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyFirst, p)

	_, err = ParsePolicy("closest")
	assert.Error(t, err)
}

func TestOptionsValidate(t *testing.T) {
	assert.NoError(t, FastOptions().Validate())
	assert.NoError(t, PreciseOptions().Validate())
	_, err := NewQuadDetector(Options{Decimate: 0, Workers: 1})
	assert.Error(t, err)
}
