//go:build linux && cgo

package shm

/*
#cgo LDFLAGS: -lrt -lpthread

#include <stdlib.h>
#include <stddef.h>
#include <stdint.h>
#include <time.h>
#include <sys/mman.h>
#include <fcntl.h>
#include <unistd.h>
#include <string.h>
#include <semaphore.h>
#include <errno.h>

#ifndef EINVAL
#define EINVAL 22
#endif

// Must match the capture daemon's shared_memory.h
#define RING_BUFFER_SIZE 4
#define MAX_FRAME_SIZE (2028 * 1520 * 3)

typedef struct {
    uint64_t frame_number;
    struct timespec timestamp;  // CLOCK_MONOTONIC at sensor readout
    int camera_id;
    int width;
    int height;
    int format;
    size_t data_size;
    uint8_t data[MAX_FRAME_SIZE];
} Frame;

typedef struct {
    volatile uint32_t write_index;
    volatile uint32_t frame_interval_ms;
    uint8_t new_frame_sem[32];  // sem_t (32 bytes on Linux)
    Frame frames[RING_BUFFER_SIZE];
} SharedFrameBuffer;

// Open shared memory for reading (RDWR needed for sem_wait)
SharedFrameBuffer* open_shm(const char* name) {
    int fd = shm_open(name, O_RDWR, 0666);
    if (fd == -1) {
        return NULL;
    }

    SharedFrameBuffer* shm = (SharedFrameBuffer*)mmap(
        NULL,
        sizeof(SharedFrameBuffer),
        PROT_READ | PROT_WRITE,
        MAP_SHARED,
        fd,
        0
    );

    close(fd);

    if (shm == MAP_FAILED) {
        return NULL;
    }

    return shm;
}

// Returns: 0 on success, negative errno on error (including -ETIMEDOUT)
int wait_new_frame(SharedFrameBuffer* shm, int timeout_ms) {
    if (shm == NULL) {
        return -EINVAL;
    }

    struct timespec ts;
    if (clock_gettime(CLOCK_REALTIME, &ts) != 0) {
        return -errno;
    }

    ts.tv_sec += timeout_ms / 1000;
    ts.tv_nsec += (timeout_ms % 1000) * 1000000;
    if (ts.tv_nsec >= 1000000000) {
        ts.tv_sec += 1;
        ts.tv_nsec -= 1000000000;
    }

    if (sem_timedwait((sem_t*)&shm->new_frame_sem, &ts) == -1) {
        return -errno;
    }
    return 0;
}

void close_shm(SharedFrameBuffer* shm) {
    if (shm != NULL) {
        munmap((void*)shm, sizeof(SharedFrameBuffer));
    }
}

uint32_t get_write_index(SharedFrameBuffer* shm) {
    return shm->write_index;
}

// Copies the header and data_size bytes of the frame at index into out.
int read_frame(SharedFrameBuffer* shm, uint32_t index, Frame* out) {
    if (index >= RING_BUFFER_SIZE) {
        return -1;
    }
    Frame* src = &shm->frames[index];
    size_t n = src->data_size;
    if (n > MAX_FRAME_SIZE) {
        return -2;
    }
    memcpy(out, src, offsetof(Frame, data));
    memcpy(out->data, src->data, n);
    return 0;
}
*/
import "C"

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/capture"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/logger"
)

// Reader is a capture.Source backed by the daemon's ring buffer.
type Reader struct {
	mu      sync.Mutex
	shm     *C.SharedFrameBuffer
	scratch *C.Frame // reused between pulls; Sample.Data points into it
	name    string
	lastSeq uint64
}

// Open maps the ring buffer name, retrying once a second for up to wait
// while the daemon starts.
func Open(ctx context.Context, name string, wait time.Duration) (*Reader, error) {
	if name == "" {
		name = DefaultName
	}

	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))

	deadline := time.Now().Add(wait)
	var shm *C.SharedFrameBuffer
	for attempt := 1; ; attempt++ {
		shm = C.open_shm(cName)
		if shm != nil {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("open shared memory %s: not available after %v", name, wait)
		}
		if attempt%5 == 1 {
			logger.Info("SHM", "Waiting for shared memory %s to appear... (attempt %d)", name, attempt)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}

	logger.Info("SHM", "Opened shared memory: %s", name)
	return &Reader{
		shm:     shm,
		scratch: (*C.Frame)(C.malloc(C.sizeof_Frame)),
		name:    name,
	}, nil
}

// Pull implements capture.Source. The returned Data aliases the reader's
// scratch buffer and is only valid until the next Pull.
func (r *Reader) Pull(ctx context.Context, timeout time.Duration) (capture.Sample, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shm == nil {
		return capture.Sample{}, capture.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return capture.Sample{}, err
	}
	if err := r.waitNewFrame(timeout); err != nil {
		return capture.Sample{}, err
	}

	writeIndex := uint32(C.get_write_index(r.shm))
	if writeIndex == 0 {
		return capture.Sample{}, capture.ErrTimeout
	}
	index := (writeIndex - 1) % RingSize
	if rc := C.read_frame(r.shm, C.uint32_t(index), r.scratch); rc != 0 {
		return capture.Sample{}, fmt.Errorf("read frame at index %d: code %d", index, int(rc))
	}

	seq := uint64(r.scratch.frame_number)
	if seq == r.lastSeq && seq != 0 {
		// semaphore posted twice for the same frame
		return capture.Sample{}, capture.ErrTimeout
	}
	r.lastSeq = seq

	width, height := int(r.scratch.width), int(r.scratch.height)
	format, stride, err := pixelFormat(int(r.scratch.format), width)
	if err != nil {
		return capture.Sample{}, err
	}
	n := int(r.scratch.data_size)
	ts := time.Duration(r.scratch.timestamp.tv_sec)*time.Second + time.Duration(r.scratch.timestamp.tv_nsec)

	return capture.Sample{
		Data:      unsafe.Slice((*byte)(unsafe.Pointer(&r.scratch.data[0])), n),
		Width:     width,
		Height:    height,
		Stride:    stride,
		Format:    format,
		Timestamp: ts,
		Seq:       seq,
	}, nil
}

// waitNewFrame blocks on the daemon's new-frame semaphore.
func (r *Reader) waitNewFrame(timeout time.Duration) error {
	timeoutMs := max(int(timeout.Milliseconds()), 1)
	result := int(C.wait_new_frame(r.shm, C.int(timeoutMs)))
	if result == 0 {
		return nil
	}

	switch errNum := -result; errNum {
	case int(C.ETIMEDOUT), int(C.EINTR):
		return capture.ErrTimeout
	case int(C.EINVAL):
		return errors.New("semaphore wait: invalid argument")
	default:
		return fmt.Errorf("semaphore wait failed (errno %d)", errNum)
	}
}

// Close unmaps the ring buffer. Further pulls return capture.ErrClosed.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shm != nil {
		C.close_shm(r.shm)
		r.shm = nil
	}
	if r.scratch != nil {
		C.free(unsafe.Pointer(r.scratch))
		r.scratch = nil
	}
	return nil
}
