// Package render draws the pose overlay and fits frames to the viewport.
package render

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/pkg/types"
)

var (
	roiColor    = color.RGBA{R: 0, G: 220, B: 60, A: 255}
	cornerColor = color.RGBA{R: 255, G: 200, B: 0, A: 255}
	originColor = color.RGBA{R: 255, G: 40, B: 40, A: 255}
	textColor   = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	textBG      = color.RGBA{R: 0, G: 0, B: 0, A: 200}
)

const (
	lineWidth  = 3
	cornerSize = 9
	textMargin = 10
	linePitch  = 16
)

// Readout formats the pose for display, one quantity per line.
func Readout(p types.PoseResult) []string {
	return []string{
		fmt.Sprintf("X: %+.3f m", p.Translation.X),
		fmt.Sprintf("Y: %+.3f m", p.Translation.Y),
		fmt.Sprintf("Z: %+.3f m", p.Translation.Z),
		fmt.Sprintf("Yaw: %+.1f deg", p.Yaw),
	}
}

// Annotate renders the ROI, the marker corners and the readout for p onto a
// copy of its frame, scaled to fit viewport.
func Annotate(p types.PoseResult, viewport image.Point) *image.RGBA {
	img := p.Frame.RGBA()
	DrawRect(img, p.ROI, roiColor, lineWidth)
	for i, c := range p.Corners {
		col := cornerColor
		if i == 0 {
			col = originColor
		}
		DrawMarker(img, c, col, cornerSize)
	}

	out := FitViewport(img, viewport)
	DrawText(out, image.Pt(textMargin, textMargin), Readout(p))
	DrawText(out, image.Pt(textMargin, out.Bounds().Dy()-textMargin-linePitch),
		[]string{fmt.Sprintf("Frame: %d", p.Frame.Seq)})
	return out
}

// Preview returns the raw frame scaled to fit viewport.
func Preview(f *types.Frame, viewport image.Point) *image.RGBA {
	return FitViewport(f.RGBA(), viewport)
}

// FitSize is the largest size with src's aspect ratio that fits viewport.
// A non-positive viewport dimension leaves src unscaled.
func FitSize(src, viewport image.Point) image.Point {
	if src.X <= 0 || src.Y <= 0 || viewport.X <= 0 || viewport.Y <= 0 {
		return src
	}
	s := math.Min(float64(viewport.X)/float64(src.X), float64(viewport.Y)/float64(src.Y))
	w := max(1, int(math.Round(float64(src.X)*s)))
	h := max(1, int(math.Round(float64(src.Y)*s)))
	return image.Pt(min(w, viewport.X), min(h, viewport.Y))
}

// FitViewport scales src to FitSize. The result is always a new image.
func FitViewport(src image.Image, viewport image.Point) *image.RGBA {
	b := src.Bounds()
	size := FitSize(b.Size(), viewport)
	dst := image.NewRGBA(image.Rectangle{Max: size})
	if size == b.Size() {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
		return dst
	}
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// DrawRect outlines r with lines of the given width drawn inside r.
func DrawRect(img *image.RGBA, r image.Rectangle, c color.Color, width int) {
	r = r.Intersect(img.Bounds())
	if r.Empty() {
		return
	}
	width = min(width, r.Dx(), r.Dy())
	u := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+width),
		image.Rect(r.Min.X, r.Max.Y-width, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+width, r.Max.Y),
		image.Rect(r.Max.X-width, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(img, e, u, image.Point{}, draw.Src)
	}
}

// DrawMarker fills a size x size square centred on p.
func DrawMarker(img *image.RGBA, p types.Point, c color.Color, size int) {
	if math.IsNaN(p.X) || math.IsNaN(p.Y) {
		return
	}
	x := int(math.Round(p.X)) - size/2
	y := int(math.Round(p.Y)) - size/2
	r := image.Rect(x, y, x+size, y+size).Intersect(img.Bounds())
	draw.Draw(img, r, image.NewUniform(c), image.Point{}, draw.Src)
}

// DrawText writes lines top-down starting at pt on a translucent box.
func DrawText(img *image.RGBA, pt image.Point, lines []string) {
	if len(lines) == 0 {
		return
	}
	face := basicfont.Face7x13

	width := 0
	for _, l := range lines {
		width = max(width, font.MeasureString(face, l).Ceil())
	}
	box := image.Rect(pt.X-4, pt.Y-4, pt.X+width+4, pt.Y+len(lines)*linePitch+4)
	draw.Draw(img, box.Intersect(img.Bounds()), image.NewUniform(textBG), image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(textColor),
		Face: face,
	}
	ascent := face.Metrics().Ascent.Ceil()
	for i, l := range lines {
		d.Dot = fixed.P(pt.X, pt.Y+ascent+i*linePitch)
		d.DrawString(l)
	}
}
