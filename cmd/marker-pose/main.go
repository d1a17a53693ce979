package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/capture"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/config"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/detect"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/display"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/geometry"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/pipeline"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/shm"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/synth"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/pkg/types"
)

var (
	// Command-line flags
	configPath      = pflag.StringP("config", "c", "", "Pipeline configuration YAML (built-in defaults when empty)")
	calibrationPath = pflag.String("calibration", "", "Camera calibration YAML (cameraMatrix, distCoeffs)")
	sourceKind      = pflag.String("source", "shm", "Frame source: shm or synthetic")
	shmName         = pflag.String("shm", shm.DefaultName, "Shared memory name of the raw frame ring")
	shmWait         = pflag.Duration("shm-wait", 30*time.Second, "How long to wait for the shared memory to appear")
	httpAddr        = pflag.String("http", ":8080", "Viewer HTTP address (empty disables the viewer server)")
	metricsAddr     = pflag.String("metrics", ":9090", "Metrics server address (empty disables)")
	logLevel        = pflag.String("log-level", "info", "Log level (debug, info, warn, error, silent)")
	logColor        = pflag.Bool("log-color", true, "Enable colored log output")
	headless        = pflag.Bool("headless", false, "Do not read the quit key from the terminal")
	selection       = pflag.String("selection", "", "Marker selection policy override (first, largest, nearest)")

	synthDistance = pflag.Float64("synthetic-distance", 0.5, "Synthetic marker distance in metres")
	synthYaw      = pflag.Float64("synthetic-yaw", 0, "Synthetic marker yaw in degrees")
	synthSpin     = pflag.Float64("synthetic-spin", 0, "Synthetic marker spin in degrees per second")
	synthFPS      = pflag.Float64("synthetic-fps", 30, "Synthetic frame rate")
)

// App wires the pipeline to its source, viewer and servers.
type App struct {
	cfg        config.Config
	source     capture.Source
	pipeline   *pipeline.Pipeline
	viewer     *display.Viewer
	keyboard   *display.Keyboard
	metrics    *metrics.Metrics
	httpServer *http.Server
}

func main() {
	pflag.Parse()

	// Raw mode must be entered before the logger is set up so log lines get
	// CRLF endings.
	var (
		kb    *display.Keyboard
		kbErr error
		out   io.Writer = os.Stderr
	)
	if !*headless {
		kb, kbErr = display.OpenKeyboard(os.Stdin)
		if kbErr == nil {
			out = display.CRLFWriter(os.Stderr)
		}
	}

	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		fail(kb, "Invalid log level: %v", err)
	}
	logger.Init(level, out, *logColor)

	logger.Info("Main", "Marker pose pipeline starting...")
	logger.Info("Main", "Log level: %s", level)
	if kbErr != nil {
		logger.Warn("Main", "Quit key disabled: %v", kbErr)
	}

	cfg, err := loadConfig()
	if err != nil {
		fail(kb, "Configuration error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg, kb)
	if err != nil {
		var initErr *pipeline.InitError
		if errors.As(err, &initErr) {
			fail(kb, "Startup failed in %s: %v", initErr.Component, initErr.Err)
		}
		fail(kb, "Startup failed: %v", err)
	}

	app.Start()
	if err := app.Run(ctx); err != nil {
		fail(kb, "Pipeline stopped with error: %v", err)
	}
	logger.Info("Main", "Stopped")
}

func fail(kb *display.Keyboard, format string, args ...any) {
	if kb != nil {
		_ = kb.Close()
	}
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if *calibrationPath != "" {
		cal, err := config.LoadCalibration(*calibrationPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg.Calibration = cal
	}
	if pflag.CommandLine.Changed("selection") {
		cfg.Selection = *selection
	}
	return cfg, nil
}

// NewApp builds every component. Failures are reported as
// *pipeline.InitError naming the component.
func NewApp(ctx context.Context, cfg config.Config, kb *display.Keyboard) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &pipeline.InitError{Component: "config", Err: err}
	}

	coarse, err := detect.NewQuadDetector(cfg.CoarseDetector)
	if err != nil {
		return nil, &pipeline.InitError{Component: "coarse detector", Err: err}
	}
	precise, err := detect.NewQuadDetector(cfg.PreciseDetector)
	if err != nil {
		return nil, &pipeline.InitError{Component: "precision detector", Err: err}
	}

	src, err := openSource(ctx, cfg)
	if err != nil {
		return nil, &pipeline.InitError{Component: "acquisition", Err: err}
	}

	viewerCfg := display.DefaultConfig()
	viewerCfg.Addr = *httpAddr
	viewer := display.NewViewer(viewerCfg)

	var keys display.KeySource
	if kb != nil {
		keys = kb
	}

	m := metrics.New()
	p, err := pipeline.New(cfg, pipeline.Deps{
		Source:  src,
		Coarse:  coarse,
		Precise: precise,
		Solver:  geometry.NewPlanarSolver(),
		Surface: display.Compose(viewer, keys),
		Metrics: m,
	})
	if err != nil {
		_ = src.Close()
		return nil, err
	}

	viewer.SetStatusFunc(func() any { return p.Status() })
	p.OnPose(viewer.PublishPose)
	poseLog := logger.Every(30)
	p.OnPose(func(r types.PoseResult) {
		if ok, _ := poseLog.Allow(); ok {
			logger.Info("Pose", "frame %d: x=%+.3f y=%+.3f z=%+.3f m yaw=%+.1f°",
				r.Frame.Seq, r.Translation.X, r.Translation.Y, r.Translation.Z, r.Yaw)
		}
	})

	app := &App{
		cfg:      cfg,
		source:   src,
		pipeline: p,
		viewer:   viewer,
		keyboard: kb,
		metrics:  m,
	}
	if viewerCfg.Addr != "" {
		app.httpServer = &http.Server{
			Addr:    viewerCfg.Addr,
			Handler: app.routes(),
		}
	}
	return app, nil
}

func openSource(ctx context.Context, cfg config.Config) (capture.Source, error) {
	switch *sourceKind {
	case "synthetic":
		size := cfg.FrameSize()
		s, err := synth.NewSource(synth.Config{
			Width:      size.Width,
			Height:     size.Height,
			Camera:     cfg.Camera(),
			MarkerSize: cfg.MarkerSize,
			Distance:   *synthDistance,
			Yaw:        *synthYaw,
			Spin:       *synthSpin,
			FPS:        *synthFPS,
			Format:     types.FormatBGR24,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "shm":
		r, err := shm.Open(ctx, *shmName, *shmWait)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown source %q (want shm or synthetic)", *sourceKind)
	}
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", a.viewer.Handler())
	mux.HandleFunc("/health", a.handleHealth)
	return mux
}

// handleHealth reports unhealthy once any stage has terminated.
func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	for name, state := range a.pipeline.Stages() {
		if state == pipeline.StateTerminated {
			http.Error(w, fmt.Sprintf("stage %s terminated", name), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// Start launches the metrics and viewer servers.
func (a *App) Start() {
	logger.Info("Main", "Starting marker pose pipeline...")
	logger.Info("Main", "  Source: %s", *sourceKind)
	logger.Info("Main", "  Frame: %v (sensor %v / %d)", a.cfg.FrameSize(), a.cfg.Sensor, a.cfg.Divisor)
	logger.Info("Main", "  Viewer: %s", *httpAddr)
	logger.Info("Main", "  Metrics: %s", *metricsAddr)

	if *metricsAddr != "" {
		go func() {
			logger.Info("Main", "Starting metrics server on %s", *metricsAddr)
			if err := a.metrics.StartServer(*metricsAddr); err != nil {
				logger.Error("Main", "Metrics server error: %v", err)
			}
		}()
	}

	if a.httpServer != nil {
		go func() {
			logger.Info("Main", "Starting viewer on %s", a.httpServer.Addr)
			if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Main", "Viewer server error: %v", err)
			}
		}()
	}
}

// Run blocks until the pipeline stops (quit key, signal or source end) and
// then releases every component.
func (a *App) Run(ctx context.Context) error {
	err := a.pipeline.Run(ctx)
	a.shutdown()
	return err
}

func (a *App) shutdown() {
	logger.Info("Main", "Shutting down...")

	a.viewer.Close()
	if a.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := a.httpServer.Shutdown(ctx); err != nil {
			logger.Warn("Main", "Viewer shutdown: %v", err)
		}
	}
	if err := a.source.Close(); err != nil {
		logger.Warn("Main", "Source close: %v", err)
	}
	if a.keyboard != nil {
		if err := a.keyboard.Close(); err != nil {
			logger.Warn("Main", "Terminal restore: %v", err)
		}
	}
}
