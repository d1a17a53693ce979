// Package config holds the immutable pipeline configuration.
package config

import (
	"errors"
	"fmt"
	"image"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/detect"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/geometry"
)

// Size is a width and height in pixels.
type Size struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// Point returns the size as an image.Point.
func (s Size) Point() image.Point {
	return image.Pt(s.Width, s.Height)
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// Config is the full pipeline configuration. Build it with Default and
// Load; it is not modified once the pipeline is constructed.
type Config struct {
	// Sensor is the native sensor resolution the calibration refers to.
	Sensor Size `yaml:"sensor"`
	// Divisor scales the sensor resolution down to the capture resolution.
	Divisor int `yaml:"divisor"`
	// CoarseSize is the resolution of the coarse detection image.
	CoarseSize Size `yaml:"coarse_size"`
	// ROIPadding in full-resolution pixels added around the coarse box.
	ROIPadding int `yaml:"roi_padding"`
	// MarkerSize is the side of the marker square in metres.
	MarkerSize float64 `yaml:"marker_size"`
	// Selection names the policy used when several markers are found.
	Selection string `yaml:"selection"`
	// MaxReprojectionError rejects solved poses whose RMS reprojection
	// error in pixels is larger. Zero disables the check.
	MaxReprojectionError float64 `yaml:"max_reprojection_error"`

	CaptureTimeout time.Duration `yaml:"capture_timeout"`
	PreviewIdle    time.Duration `yaml:"preview_idle"`
	Viewport       Size          `yaml:"viewport"`
	QuitKey        string        `yaml:"quit_key"`

	CoarseDetector  detect.Options `yaml:"coarse_detector"`
	PreciseDetector detect.Options `yaml:"precise_detector"`

	Calibration Calibration `yaml:"calibration"`
}

// Default returns the configuration of the reference setup: a 4056x3040
// sensor captured at half resolution with a 15.52 cm marker.
func Default() Config {
	return Config{
		Sensor:               Size{Width: 4056, Height: 3040},
		Divisor:              2,
		CoarseSize:           Size{Width: 640, Height: 480},
		ROIPadding:           80,
		MarkerSize:           0.1552,
		Selection:            detect.PolicyFirst.String(),
		MaxReprojectionError: 4,
		CaptureTimeout:       100 * time.Millisecond,
		PreviewIdle:          250 * time.Millisecond,
		Viewport:             Size{Width: 1600, Height: 900},
		QuitKey:              "q",
		CoarseDetector:       detect.FastOptions(),
		PreciseDetector:      detect.PreciseOptions(),
		Calibration:          DefaultCalibration(),
	}
}

// Load reads a YAML file over the defaults. Fields absent from the file
// keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// FrameSize is the capture resolution, Sensor / Divisor.
func (c Config) FrameSize() Size {
	if c.Divisor <= 0 {
		return c.Sensor
	}
	return Size{Width: c.Sensor.Width / c.Divisor, Height: c.Sensor.Height / c.Divisor}
}

// Camera returns the intrinsics scaled to the capture resolution.
func (c Config) Camera() geometry.Camera {
	return c.Calibration.Camera().Scaled(float64(c.Divisor))
}

// Policy returns the parsed selection policy.
func (c Config) Policy() (detect.Policy, error) {
	return detect.ParsePolicy(c.Selection)
}

// QuitRune returns the configured quit key.
func (c Config) QuitRune() rune {
	for _, r := range c.QuitKey {
		return r
	}
	return 'q'
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Sensor.Width <= 0 || c.Sensor.Height <= 0 {
		add("sensor size %v must be positive", c.Sensor)
	}
	if c.Divisor < 1 {
		add("divisor must be >= 1, got %d", c.Divisor)
	} else if c.Sensor.Width%c.Divisor != 0 || c.Sensor.Height%c.Divisor != 0 {
		add("divisor %d does not divide sensor size %v", c.Divisor, c.Sensor)
	}

	frame := c.FrameSize()
	if c.CoarseSize.Width <= 0 || c.CoarseSize.Height <= 0 {
		add("coarse size %v must be positive", c.CoarseSize)
	} else if c.CoarseSize.Width > frame.Width || c.CoarseSize.Height > frame.Height {
		add("coarse size %v exceeds frame size %v", c.CoarseSize, frame)
	}
	if c.ROIPadding < 0 {
		add("roi_padding must not be negative")
	}
	if !(c.MarkerSize > 0) {
		add("marker_size must be positive, got %g", c.MarkerSize)
	}
	if !(c.MaxReprojectionError >= 0) || math.IsInf(c.MaxReprojectionError, 1) {
		add("max_reprojection_error must be a non-negative number, got %g", c.MaxReprojectionError)
	}
	if _, err := c.Policy(); err != nil {
		errs = append(errs, err)
	}
	if c.CaptureTimeout <= 0 {
		add("capture_timeout must be positive")
	}
	if c.PreviewIdle <= 0 {
		add("preview_idle must be positive")
	}
	if c.Viewport.Width <= 0 || c.Viewport.Height <= 0 {
		add("viewport %v must be positive", c.Viewport)
	}
	if err := c.CoarseDetector.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("coarse_detector: %w", err))
	}
	if err := c.PreciseDetector.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("precise_detector: %w", err))
	}

	if err := c.Calibration.Validate(c.Sensor); err != nil {
		errs = append(errs, err)
	} else if c.Divisor >= 1 {
		if err := c.Camera().Validate(frame.Width, frame.Height); err != nil {
			errs = append(errs, fmt.Errorf("scaled intrinsics: %w", err))
		}
	}

	return errors.Join(errs...)
}
