package types

import (
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
)

// PixelFormat identifies the memory layout of a frame buffer.
type PixelFormat int

const (
	FormatBGR24 PixelFormat = iota // 3 bytes per pixel, B G R
	FormatBGRX                     // 4 bytes per pixel, B G R X
	FormatRGB24                    // 3 bytes per pixel, R G B
	FormatGray8                    // 1 byte per pixel
	FormatNV12                     // Y plane followed by interleaved UV at half resolution
)

var formatNames = map[PixelFormat]string{
	FormatBGR24: "BGR24",
	FormatBGRX:  "BGRX",
	FormatRGB24: "RGB24",
	FormatGray8: "GRAY8",
	FormatNV12:  "NV12",
}

func (f PixelFormat) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return fmt.Sprintf("PixelFormat(%d)", int(f))
}

// BytesPerPixel returns the packed pixel size of the first plane.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case FormatBGR24, FormatRGB24:
		return 3
	case FormatBGRX:
		return 4
	case FormatGray8, FormatNV12:
		return 1
	default:
		return 0
	}
}

// MinBufferSize returns the minimum number of bytes a buffer of this format needs.
func (f PixelFormat) MinBufferSize(width, height, stride int) int {
	if width <= 0 || height <= 0 {
		return 0
	}
	if f == FormatNV12 {
		return stride*height + stride*((height+1)/2)
	}
	return stride*(height-1) + width*f.BytesPerPixel()
}

// Frame is one captured image. A Frame owns its pixel buffer and is never
// modified after it has been handed to the pipeline.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Stride    int
	Format    PixelFormat
	Timestamp time.Duration // hardware timestamp, monotonic
	Seq       uint64        // capture sequence number
	ArrivedAt time.Time     // wall clock at ingest

	grayOnce sync.Once
	gray     *image.Gray
}

// NewFrame deep-copies src into a new Frame. The caller may reuse src
// immediately afterwards.
func NewFrame(src []byte, width, height, stride int, format PixelFormat, ts time.Duration) (*Frame, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	if format.BytesPerPixel() == 0 {
		return nil, fmt.Errorf("unsupported pixel format %v", format)
	}
	if stride < width*format.BytesPerPixel() {
		return nil, fmt.Errorf("stride %d too small for %dx%d %v", stride, width, height, format)
	}
	need := format.MinBufferSize(width, height, stride)
	if len(src) < need {
		return nil, fmt.Errorf("buffer holds %d bytes, %v %dx%d needs %d", len(src), format, width, height, need)
	}

	data := make([]byte, need)
	copy(data, src[:need])

	return &Frame{
		Data:      data,
		Width:     width,
		Height:    height,
		Stride:    stride,
		Format:    format,
		Timestamp: ts,
		ArrivedAt: time.Now(),
	}, nil
}

// Bounds returns the full-resolution frame rectangle.
func (f *Frame) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.Width, f.Height)
}

// Gray returns the single-channel representation of the frame. It is
// computed once and shared by every caller; callers must not modify it.
func (f *Frame) Gray() *image.Gray {
	f.grayOnce.Do(func() {
		f.gray = f.toGray()
	})
	return f.gray
}

func (f *Frame) toGray() *image.Gray {
	g := image.NewGray(f.Bounds())
	switch f.Format {
	case FormatGray8, FormatNV12:
		for y := 0; y < f.Height; y++ {
			copy(g.Pix[y*g.Stride:y*g.Stride+f.Width], f.Data[y*f.Stride:])
		}
	case FormatBGR24, FormatBGRX, FormatRGB24:
		bpp := f.Format.BytesPerPixel()
		ri, bi := 2, 0
		if f.Format == FormatRGB24 {
			ri, bi = 0, 2
		}
		for y := 0; y < f.Height; y++ {
			row := f.Data[y*f.Stride:]
			out := g.Pix[y*g.Stride:]
			for x := 0; x < f.Width; x++ {
				p := row[x*bpp:]
				out[x] = luma(p[ri], p[1], p[bi])
			}
		}
	}
	return g
}

// RGBA returns a new colour copy of the frame owned by the caller.
func (f *Frame) RGBA() *image.RGBA {
	img := image.NewRGBA(f.Bounds())
	switch f.Format {
	case FormatGray8:
		for y := 0; y < f.Height; y++ {
			row := f.Data[y*f.Stride:]
			out := img.Pix[y*img.Stride:]
			for x := 0; x < f.Width; x++ {
				v := row[x]
				out[x*4], out[x*4+1], out[x*4+2], out[x*4+3] = v, v, v, 255
			}
		}
	case FormatNV12:
		uv := f.Data[f.Stride*f.Height:]
		for y := 0; y < f.Height; y++ {
			row := f.Data[y*f.Stride:]
			uvRow := uv[(y/2)*f.Stride:]
			out := img.Pix[y*img.Stride:]
			for x := 0; x < f.Width; x++ {
				c := color.YCbCr{Y: row[x], Cb: uvRow[x&^1], Cr: uvRow[x|1]}
				r, g, b := color.YCbCrToRGB(c.Y, c.Cb, c.Cr)
				out[x*4], out[x*4+1], out[x*4+2], out[x*4+3] = r, g, b, 255
			}
		}
	default:
		bpp := f.Format.BytesPerPixel()
		ri, bi := 2, 0
		if f.Format == FormatRGB24 {
			ri, bi = 0, 2
		}
		for y := 0; y < f.Height; y++ {
			row := f.Data[y*f.Stride:]
			out := img.Pix[y*img.Stride:]
			for x := 0; x < f.Width; x++ {
				p := row[x*bpp:]
				out[x*4], out[x*4+1], out[x*4+2], out[x*4+3] = p[ri], p[1], p[bi], 255
			}
		}
	}
	return img
}

// luma uses the BT.601 weights in fixed point.
func luma(r, g, b uint8) uint8 {
	return uint8((299*uint32(r) + 587*uint32(g) + 114*uint32(b) + 500) / 1000)
}

// ROIResult is the output of coarse detection: a region of the full
// resolution frame likely to contain the marker.
type ROIResult struct {
	Frame *Frame
	Rect  image.Rectangle // full-resolution pixel coordinates
	Valid bool
}

// Point is a subpixel image location.
type Point struct {
	X, Y float64
}

// PoseResult is the output of the precision stage.
type PoseResult struct {
	Frame             *Frame
	Translation       r3.Vec // metres, camera frame
	Rotation          r3.Vec // axis-angle, radians
	Yaw               float64
	ReprojectionError float64 // RMS pixels
	ROI               image.Rectangle
	Corners           [4]Point // full-frame image points used for the solve
	Valid             bool
}
