package render

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/pkg/types"
)

func grayFrame(t *testing.T, w, h int, v byte) *types.Frame {
	t.Helper()
	buf := make([]byte, w*h)
	for i := range buf {
		buf[i] = v
	}
	f, err := types.NewFrame(buf, w, h, w, types.FormatGray8, 0)
	require.NoError(t, err)
	return f
}

func TestFitSize(t *testing.T) {
	tests := []struct {
		name     string
		src      image.Point
		viewport image.Point
		want     image.Point
	}{
		{"height bound", image.Pt(2028, 1520), image.Pt(1600, 900), image.Pt(1201, 900)},
		{"width bound", image.Pt(1600, 400), image.Pt(800, 600), image.Pt(800, 200)},
		{"upscale", image.Pt(320, 240), image.Pt(1600, 900), image.Pt(1200, 900)},
		{"exact", image.Pt(1600, 900), image.Pt(1600, 900), image.Pt(1600, 900)},
		{"no viewport", image.Pt(640, 480), image.Pt(0, 0), image.Pt(640, 480)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FitSize(tt.src, tt.viewport))
		})
	}
}

func TestFitViewportPreservesContent(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 400, 300))
	for i := range src.Pix {
		src.Pix[i] = 120
	}
	out := FitViewport(src, image.Pt(200, 200))
	assert.Equal(t, image.Rect(0, 0, 200, 150), out.Bounds())
	assert.Equal(t, color.RGBA{120, 120, 120, 120}, out.RGBAAt(100, 75))

	same := FitViewport(src, image.Pt(400, 300))
	assert.Equal(t, src.Pix, same.Pix)
	assert.NotSame(t, &src.Pix[0], &same.Pix[0])
}

func TestDrawRectOutlinesOnly(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 50, 50))
	DrawRect(img, image.Rect(10, 10, 40, 40), roiColor, 2)

	assert.Equal(t, roiColor, img.RGBAAt(10, 10))
	assert.Equal(t, roiColor, img.RGBAAt(39, 25))
	assert.Equal(t, roiColor, img.RGBAAt(25, 38))
	assert.Equal(t, color.RGBA{}, img.RGBAAt(25, 25), "interior untouched")
	assert.Equal(t, color.RGBA{}, img.RGBAAt(5, 5), "exterior untouched")

	// clipped and empty rectangles are tolerated
	DrawRect(img, image.Rect(-10, -10, 5, 5), roiColor, 3)
	DrawRect(img, image.Rect(60, 60, 70, 70), roiColor, 3)
}

func TestAnnotateDoesNotTouchFrame(t *testing.T) {
	f := grayFrame(t, 400, 300, 128)
	p := types.PoseResult{
		Frame:       f,
		Translation: r3.Vec{X: 0.01, Y: 0.02, Z: 0.5},
		Yaw:         -12.25,
		ROI:         image.Rect(100, 80, 300, 220),
		Corners:     [4]types.Point{{X: 150, Y: 100}, {X: 250, Y: 100}, {X: 250, Y: 200}, {X: 150, Y: 200}},
		Valid:       true,
	}

	out := Annotate(p, image.Pt(200, 200))
	assert.Equal(t, image.Rect(0, 0, 200, 150), out.Bounds())

	for _, v := range f.Data {
		require.Equal(t, byte(128), v)
	}

	// the readout box darkens the top-left corner
	c := out.RGBAAt(textMargin-2, textMargin-2)
	assert.Less(t, c.R, uint8(128))

	// right edge of the ROI outline at half scale
	c = out.RGBAAt(149, 100)
	assert.Greater(t, c.G, c.R)
}

func TestPreviewIsRawFrame(t *testing.T) {
	f := grayFrame(t, 64, 48, 77)
	out := Preview(f, image.Pt(32, 32))
	assert.Equal(t, image.Rect(0, 0, 32, 24), out.Bounds())
	assert.Equal(t, color.RGBA{77, 77, 77, 255}, out.RGBAAt(16, 12))
}

func TestReadout(t *testing.T) {
	lines := Readout(types.PoseResult{Translation: r3.Vec{X: -0.0123, Y: 0.5, Z: 1}, Yaw: 179.96})
	assert.Equal(t, []string{"X: -0.012 m", "Y: +0.500 m", "Z: +1.000 m", "Yaw: +180.0 deg"}, lines)
}

func TestDrawTextMarksPixels(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 120, 40))
	DrawText(img, image.Pt(5, 5), []string{"W"})

	white := 0
	for y := range 40 {
		for x := range 120 {
			if img.RGBAAt(x, y) == textColor {
				white++
			}
		}
	}
	assert.Positive(t, white)
}
