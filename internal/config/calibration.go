package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/geometry"
)

// Calibration is the intrinsic calibration at sensor resolution, in the
// layout written by the checkerboard calibration tool.
type Calibration struct {
	CameraMatrix      [][]float64  `yaml:"cameraMatrix"`
	DistCoeffs        Coefficients `yaml:"distCoeffs"`
	ReprojectionError float64      `yaml:"reprojection_error,omitempty"`
	// ImageWidth and ImageHeight record the calibration resolution when
	// known; zero means "sensor resolution".
	ImageWidth  int `yaml:"image_width,omitempty"`
	ImageHeight int `yaml:"image_height,omitempty"`
}

// DefaultCalibration is the factory calibration of the reference camera.
func DefaultCalibration() Calibration {
	return Calibration{
		CameraMatrix: [][]float64{
			{4009.22661, 0, 2113.49677},
			{0, 4020.48344, 1469.08894},
			{0, 0, 1},
		},
		DistCoeffs: Coefficients{-0.49106571, 0.283421, 0.00061827, -0.00242921, -0.09694459},
	}
}

// LoadCalibration reads a calibration YAML file.
func LoadCalibration(path string) (Calibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Calibration{}, fmt.Errorf("read calibration: %w", err)
	}
	var cal Calibration
	if err := yaml.Unmarshal(data, &cal); err != nil {
		return Calibration{}, fmt.Errorf("parse calibration %s: %w", path, err)
	}
	return cal, nil
}

// Camera converts the calibration to a camera model at sensor resolution.
func (c Calibration) Camera() geometry.Camera {
	dist, _ := geometry.DistortionFromCoefficients(c.DistCoeffs)
	return geometry.Camera{
		Fx:   c.at(0, 0),
		Fy:   c.at(1, 1),
		Cx:   c.at(0, 2),
		Cy:   c.at(1, 2),
		Dist: dist,
	}
}

func (c Calibration) at(i, j int) float64 {
	if i < len(c.CameraMatrix) && j < len(c.CameraMatrix[i]) {
		return c.CameraMatrix[i][j]
	}
	return 0
}

// Validate checks the calibration against the sensor it will be used with.
func (c Calibration) Validate(sensor Size) error {
	if c.ImageWidth != 0 || c.ImageHeight != 0 {
		if c.ImageWidth != sensor.Width || c.ImageHeight != sensor.Height {
			return fmt.Errorf("calibration resolution %dx%d does not match sensor %v",
				c.ImageWidth, c.ImageHeight, sensor)
		}
	}
	if len(c.CameraMatrix) != 3 {
		return fmt.Errorf("camera matrix must have 3 rows, got %d", len(c.CameraMatrix))
	}
	for i, row := range c.CameraMatrix {
		if len(row) != 3 {
			return fmt.Errorf("camera matrix row %d has %d entries, want 3", i, len(row))
		}
	}
	if c.at(0, 1) != 0 {
		return fmt.Errorf("camera matrix skew %g is not supported", c.at(0, 1))
	}
	if c.at(1, 0) != 0 || c.at(2, 0) != 0 || c.at(2, 1) != 0 || c.at(2, 2) != 1 {
		return fmt.Errorf("camera matrix is not a pinhole matrix: %v", c.CameraMatrix)
	}
	if _, err := geometry.DistortionFromCoefficients(c.DistCoeffs); err != nil {
		return fmt.Errorf("calibration: %w", err)
	}
	if err := c.Camera().Validate(sensor.Width, sensor.Height); err != nil {
		return fmt.Errorf("calibration: %w", err)
	}
	return nil
}

// Coefficients decodes distortion coefficients written either flat or as
// the single-row matrix produced by the calibration tool.
type Coefficients []float64

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *Coefficients) UnmarshalYAML(node *yaml.Node) error {
	var flat []float64
	if err := node.Decode(&flat); err == nil {
		*c = flat
		return nil
	}
	var nested [][]float64
	if err := node.Decode(&nested); err != nil {
		return fmt.Errorf("distCoeffs: want a list of numbers: %w", err)
	}
	out := make([]float64, 0, 5)
	for _, row := range nested {
		out = append(out, row...)
	}
	*c = out
	return nil
}
