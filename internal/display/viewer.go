package display

import (
	"bytes"
	"image"
	"image/jpeg"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/pkg/types"
)

// Config defines the runtime configuration for the HTTP viewer.
type Config struct {
	Addr         string
	JPEGQuality  int
	StreamIdle   time.Duration
	SSEKeepalive time.Duration
}

// DefaultConfig returns the viewer defaults.
func DefaultConfig() Config {
	return Config{
		Addr:         ":8080",
		JPEGQuality:  80,
		StreamIdle:   5 * time.Second,
		SSEKeepalive: 30 * time.Second,
	}
}

// Viewer is a FrameSink that serves rendered frames as MJPEG and solved
// poses as server-sent events.
type Viewer struct {
	cfg         Config
	frames      *fanout[[]byte]
	poses       *fanout[*SerializedEvent]
	placeholder []byte

	mu       sync.RWMutex
	status   func() any
	latest   *PoseEvent
	shown    uint64
	lastShow time.Time
}

// NewViewer returns a configured viewer.
func NewViewer(cfg Config) *Viewer {
	def := DefaultConfig()
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = def.JPEGQuality
	}
	if cfg.StreamIdle <= 0 {
		cfg.StreamIdle = def.StreamIdle
	}
	if cfg.SSEKeepalive <= 0 {
		cfg.SSEKeepalive = def.SSEKeepalive
	}

	placeholder, err := placeholderJPEG(320, 240)
	if err != nil {
		logger.Warn("Viewer", "Placeholder frame unavailable: %v", err)
	}

	return &Viewer{
		cfg:         cfg,
		frames:      newFanout[[]byte]("MJPEG"),
		poses:       newFanout[*SerializedEvent]("PoseSSE"),
		placeholder: placeholder,
	}
}

// SetStatusFunc installs the source of /api/status payloads.
func (v *Viewer) SetStatusFunc(fn func() any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.status = fn
}

// Handler exposes the HTTP handler for the viewer.
func (v *Viewer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", v.handleIndex)
	mux.HandleFunc("/stream", v.handleStream)
	mux.HandleFunc("/api/status", v.handleStatus)
	mux.HandleFunc("/api/pose/stream", v.handlePoseStream)
	return mux
}

// Show implements FrameSink. Frames are only JPEG-encoded while at least
// one MJPEG client is connected.
func (v *Viewer) Show(img image.Image) error {
	v.mu.Lock()
	v.shown++
	v.lastShow = time.Now()
	v.mu.Unlock()

	if v.frames.Clients() == 0 {
		return nil
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: v.cfg.JPEGQuality}); err != nil {
		return err
	}
	v.frames.broadcast(buf.Bytes())
	return nil
}

// PublishPose forwards a solved pose to event stream subscribers.
func (v *Viewer) PublishPose(p types.PoseResult) {
	ev := NewPoseEvent(p)

	v.mu.Lock()
	v.latest = &ev
	v.mu.Unlock()

	if v.poses.Clients() == 0 {
		return
	}
	serialized, err := serializePoseEvent(ev)
	if err != nil {
		logger.Warn("Viewer", "Failed to serialize pose event: %v", err)
		return
	}
	v.poses.broadcast(serialized)
}

// Close disconnects all stream clients.
func (v *Viewer) Close() {
	v.frames.Close()
	v.poses.Close()
}

func (v *Viewer) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (v *Viewer) handleStream(w http.ResponseWriter, r *http.Request) {
	id, frameCh := v.frames.Subscribe()
	defer v.frames.Unsubscribe(id)
	streamMJPEGFromChannel(w, frameCh, v.cfg.StreamIdle, v.placeholder)
}

func (v *Viewer) handleStatus(w http.ResponseWriter, r *http.Request) {
	v.mu.RLock()
	statusFn := v.status
	latest := v.latest
	shown := v.shown
	lastShow := v.lastShow
	v.mu.RUnlock()

	viewer := map[string]any{
		"frames_shown":   shown,
		"stream_clients": v.frames.Clients(),
		"pose_clients":   v.poses.Clients(),
	}
	if !lastShow.IsZero() {
		viewer["last_frame_age_ms"] = time.Since(lastShow).Milliseconds()
	}

	payload := map[string]any{
		"viewer":      viewer,
		"latest_pose": latest,
		"timestamp":   float64(time.Now().Unix()),
	}
	if statusFn != nil {
		payload["pipeline"] = statusFn()
	}
	writeJSON(w, payload)
}

func (v *Viewer) handlePoseStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := v.poses.Subscribe()
	defer v.poses.Unsubscribe(id)

	accept := r.Header.Get("Accept")
	useProtobuf := strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")

	streamEventsFromChannel(w, eventCh, useProtobuf, v.cfg.SSEKeepalive)
}
