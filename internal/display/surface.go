// Package display implements the display surfaces the presentation stage
// renders to: an HTTP viewer with MJPEG and pose event streams, a terminal
// quit-key reader and a headless surface for tests and batch runs.
package display

import (
	"image"
	"sync"
)

// FrameSink shows rendered frames.
type FrameSink interface {
	Show(img image.Image) error
}

// KeySource reports key presses without blocking.
type KeySource interface {
	PollKey() (rune, bool)
}

// Surface is what the presentation stage draws on.
type Surface interface {
	FrameSink
	KeySource
}

type composite struct {
	FrameSink
	keys KeySource
}

func (c composite) PollKey() (rune, bool) {
	if c.keys == nil {
		return 0, false
	}
	return c.keys.PollKey()
}

// Compose joins a frame sink and a key source. keys may be nil.
func Compose(sink FrameSink, keys KeySource) Surface {
	return composite{FrameSink: sink, keys: keys}
}

// Headless keeps the last shown frame in memory and takes key presses from
// Press.
type Headless struct {
	mu     sync.Mutex
	last   image.Image
	frames int
	keys   chan rune
}

// NewHeadless returns an empty headless surface.
func NewHeadless() *Headless {
	return &Headless{keys: make(chan rune, 8)}
}

// Show implements FrameSink.
func (h *Headless) Show(img image.Image) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = img
	h.frames++
	return nil
}

// PollKey implements KeySource.
func (h *Headless) PollKey() (rune, bool) {
	select {
	case r := <-h.keys:
		return r, true
	default:
		return 0, false
	}
}

// Press queues a key press. Presses beyond the queue capacity are lost.
func (h *Headless) Press(r rune) {
	select {
	case h.keys <- r:
	default:
	}
}

// Frames returns how many frames were shown.
func (h *Headless) Frames() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.frames
}

// Last returns the most recently shown frame.
func (h *Headless) Last() image.Image {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}
