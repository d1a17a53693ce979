// Package geometry holds the pinhole camera model with Brown-Conrady
// distortion and the planar pose solver used by the precision stage.
package geometry

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/pkg/types"
)

// ErrDegenerate is returned when the input geometry cannot determine a pose.
var ErrDegenerate = errors.New("degenerate geometry")

// Distortion holds radial (K1, K2, K3) and tangential (P1, P2) coefficients
// in the usual k1, k2, p1, p2, k3 order.
type Distortion struct {
	K1, K2, P1, P2, K3 float64
}

// IsZero reports whether the model is distortion free.
func (d Distortion) IsZero() bool {
	return d == Distortion{}
}

// Coefficients returns the coefficients in k1, k2, p1, p2, k3 order.
func (d Distortion) Coefficients() []float64 {
	return []float64{d.K1, d.K2, d.P1, d.P2, d.K3}
}

// DistortionFromCoefficients accepts 4, 5 or more coefficients in
// k1, k2, p1, p2[, k3] order. Extra coefficients must be zero.
func DistortionFromCoefficients(c []float64) (Distortion, error) {
	if len(c) == 0 {
		return Distortion{}, nil
	}
	if len(c) < 4 {
		return Distortion{}, fmt.Errorf("need at least 4 distortion coefficients, got %d", len(c))
	}
	d := Distortion{K1: c[0], K2: c[1], P1: c[2], P2: c[3]}
	if len(c) > 4 {
		d.K3 = c[4]
	}
	for i, v := range c[min(len(c), 5):] {
		if v != 0 {
			return Distortion{}, fmt.Errorf("distortion coefficient %d (%g) is not supported", i+5, v)
		}
	}
	return d, nil
}

// Camera is a pinhole camera with lens distortion, in pixel units of a
// particular image resolution.
type Camera struct {
	Fx, Fy float64
	Cx, Cy float64
	Dist   Distortion
}

// Scaled returns the camera for an image downscaled by divisor.
// Distortion is expressed in normalized coordinates and does not change.
func (c Camera) Scaled(divisor float64) Camera {
	if divisor == 1 || divisor == 0 {
		return c
	}
	return Camera{
		Fx:   c.Fx / divisor,
		Fy:   c.Fy / divisor,
		Cx:   c.Cx / divisor,
		Cy:   c.Cy / divisor,
		Dist: c.Dist,
	}
}

// Distort applies the lens model to a normalized image point.
func (c Camera) Distort(x, y float64) (float64, float64) {
	d := c.Dist
	r2 := x*x + y*y
	radial := 1 + r2*(d.K1+r2*(d.K2+r2*d.K3))
	xd := x*radial + 2*d.P1*x*y + d.P2*(r2+2*x*x)
	yd := y*radial + d.P1*(r2+2*y*y) + 2*d.P2*x*y
	return xd, yd
}

// Project maps a camera-frame point to pixel coordinates.
func (c Camera) Project(p r3.Vec) types.Point {
	x, y := c.Distort(p.X/p.Z, p.Y/p.Z)
	return types.Point{X: c.Fx*x + c.Cx, Y: c.Fy*y + c.Cy}
}

// Normalize maps a pixel to its undistorted normalized image coordinates.
func (c Camera) Normalize(p types.Point) (float64, float64, error) {
	xd := (p.X - c.Cx) / c.Fx
	yd := (p.Y - c.Cy) / c.Fy
	if c.Dist.IsZero() {
		return xd, yd, nil
	}
	return c.Undistort(xd, yd)
}

// Undistort inverts Distort. A few fixed-point steps provide a start for
// Newton iterations on the full model.
func (c Camera) Undistort(xd, yd float64) (float64, float64, error) {
	d := c.Dist
	x, y := xd, yd
	for range 5 {
		r2 := x*x + y*y
		icdist := 1 / (1 + r2*(d.K1+r2*(d.K2+r2*d.K3)))
		dx := 2*d.P1*x*y + d.P2*(r2+2*x*x)
		dy := d.P1*(r2+2*y*y) + 2*d.P2*x*y
		x = (xd - dx) * icdist
		y = (yd - dy) * icdist
	}

	for range 20 {
		fx, fy := c.Distort(x, y)
		ex, ey := fx-xd, fy-yd
		if ex*ex+ey*ey < 1e-24 {
			return x, y, nil
		}

		r2 := x*x + y*y
		radial := 1 + r2*(d.K1+r2*(d.K2+r2*d.K3))
		dR := d.K1 + r2*(2*d.K2+3*d.K3*r2)
		j00 := radial + 2*x*x*dR + 2*d.P1*y + 6*d.P2*x
		j01 := 2*x*y*dR + 2*d.P1*x + 2*d.P2*y
		j10 := j01
		j11 := radial + 2*y*y*dR + 6*d.P1*y + 2*d.P2*x
		det := j00*j11 - j01*j10
		if det == 0 || math.IsNaN(det) {
			break
		}
		x -= (j11*ex - j01*ey) / det
		y -= (j00*ey - j10*ex) / det
	}

	fx, fy := c.Distort(x, y)
	if math.IsNaN(x) || math.IsNaN(y) || math.Hypot(fx-xd, fy-yd) > 1e-6 {
		return x, y, fmt.Errorf("undistort (%.4f, %.4f): %w", xd, yd, ErrDegenerate)
	}
	return x, y, nil
}

// Validate checks the intrinsics against an image of width x height.
func (c Camera) Validate(width, height int) error {
	if !(c.Fx > 0) || !(c.Fy > 0) {
		return fmt.Errorf("focal lengths must be positive (fx=%g fy=%g)", c.Fx, c.Fy)
	}
	if c.Cx < 0 || c.Cy < 0 || c.Cx >= float64(width) || c.Cy >= float64(height) {
		return fmt.Errorf("principal point (%g, %g) lies outside %dx%d", c.Cx, c.Cy, width, height)
	}
	for _, v := range c.Dist.Coefficients() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("distortion coefficients must be finite")
		}
	}
	return nil
}
