package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "marker_pose"

// Metrics holds all pipeline metrics
type Metrics struct {
	// Capture stage
	FramesCaptured    atomic.Uint64
	CaptureTimeouts   atomic.Uint64
	CaptureErrors     atomic.Uint64
	SizeMismatchDrops atomic.Uint64

	// Coarse detection stage
	CoarseCycles   atomic.Uint64
	CoarseMisses   atomic.Uint64 // no detection
	EmptyROIs      atomic.Uint64
	ROIsPublished  atomic.Uint64
	DetectorErrors atomic.Uint64

	// Precision stage
	PoseCycles    atomic.Uint64
	PoseMisses    atomic.Uint64 // no detection inside the ROI
	SolveFailures atomic.Uint64
	PosesSolved   atomic.Uint64

	// Presentation stage
	FramesPresented atomic.Uint64
	PreviewFrames   atomic.Uint64
	DisplayErrors   atomic.Uint64

	// Latency from frame ingest to pose, in microseconds
	PoseLatencyUs atomic.Uint64

	// Prometheus collectors
	registry      *prometheus.Registry
	stageDuration *prometheus.HistogramVec
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) counter(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		},
		func() float64 { return float64(v.Load()) },
	))
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	m.counter("frames_captured_total", "Frames copied in from the acquisition source", &m.FramesCaptured)
	m.counter("capture_timeouts_total", "Acquisition pulls that timed out", &m.CaptureTimeouts)
	m.counter("capture_errors_total", "Acquisition pulls that failed", &m.CaptureErrors)
	m.counter("size_mismatch_drops_total", "Frames dropped because their size differs from the configured capture size", &m.SizeMismatchDrops)

	m.counter("coarse_cycles_total", "Frames processed by coarse detection", &m.CoarseCycles)
	m.counter("coarse_misses_total", "Coarse cycles without a detection", &m.CoarseMisses)
	m.counter("empty_rois_total", "Coarse cycles whose ROI clipped to nothing", &m.EmptyROIs)
	m.counter("rois_published_total", "ROIs handed to the precision stage", &m.ROIsPublished)
	m.counter("detector_errors_total", "Detector invocations that returned an error", &m.DetectorErrors)

	m.counter("pose_cycles_total", "ROIs processed by the precision stage", &m.PoseCycles)
	m.counter("pose_misses_total", "Precision cycles without a detection in the ROI", &m.PoseMisses)
	m.counter("solve_failures_total", "Pose solves that failed or were not finite", &m.SolveFailures)
	m.counter("poses_total", "Poses published", &m.PosesSolved)

	m.counter("frames_presented_total", "Annotated frames shown", &m.FramesPresented)
	m.counter("preview_frames_total", "Raw frames shown while no pose was available", &m.PreviewFrames)
	m.counter("display_errors_total", "Display surface failures", &m.DisplayErrors)

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pose_latency_seconds",
			Help:      "Latency from frame ingest to published pose for the latest pose",
		},
		func() float64 { return float64(m.PoseLatencyUs.Load()) / 1e6 },
	))

	m.stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Processing time per stage cycle",
			Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"stage"},
	)
	m.registry.MustRegister(m.stageDuration)
}

// RegisterMailbox exposes the publish and overwrite counts of a mailbox.
func (m *Metrics) RegisterMailbox(name string, published, drops func() uint64) {
	labels := prometheus.Labels{"mailbox": name}
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "mailbox_published_total",
			Help:        "Values published to a stage mailbox",
			ConstLabels: labels,
		},
		func() float64 { return float64(published()) },
	))
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "mailbox_overwrites_total",
			Help:        "Values replaced before the consumer took them",
			ConstLabels: labels,
		},
		func() float64 { return float64(drops()) },
	))
}

// ObserveStage records the duration of one stage cycle.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// UpdatePoseLatency records the ingest-to-pose latency of the latest pose.
func (m *Metrics) UpdatePoseLatency(arrivedAt time.Time) {
	m.PoseLatencyUs.Store(uint64(time.Since(arrivedAt).Microseconds()))
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr until the server fails.
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
