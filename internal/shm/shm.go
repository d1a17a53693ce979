// Package shm reads raw camera frames from the capture daemon's
// shared-memory ring buffer.
package shm

import (
	"fmt"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/pkg/types"
)

// DefaultName is the ring buffer the capture daemon publishes raw frames to.
const DefaultName = "/marker_pose_frames"

// Format codes written by the capture daemon.
const (
	FormatJPEG  = 0
	FormatNV12  = 1
	FormatRGB   = 2
	FormatH264  = 3
	FormatGray  = 4
	FormatBGR   = 5
	RingSize    = 4
	MaxFrameLen = 2028 * 1520 * 3
)

// pixelFormat maps a daemon format code to a frame pixel format and the
// row stride of a tightly packed frame of the given width. Compressed
// formats are not usable by the pipeline.
func pixelFormat(code, width int) (types.PixelFormat, int, error) {
	switch code {
	case FormatNV12:
		return types.FormatNV12, width, nil
	case FormatRGB:
		return types.FormatRGB24, width * 3, nil
	case FormatGray:
		return types.FormatGray8, width, nil
	case FormatBGR:
		return types.FormatBGR24, width * 3, nil
	default:
		return 0, 0, fmt.Errorf("shared memory frame format %d is not a raw format", code)
	}
}
