package geometry

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// RotZ returns a rotation of deg degrees about the z axis.
func RotZ(deg float64) *mat.Dense {
	s, c := math.Sincos(deg * math.Pi / 180)
	return mat.NewDense(3, 3, []float64{
		c, -s, 0,
		s, c, 0,
		0, 0, 1,
	})
}

// YawDegrees is the heading about the camera's optical axis,
// atan2(R10, R00), in the range (-180, 180].
func YawDegrees(r mat.Matrix) float64 {
	return NormalizeDegrees(math.Atan2(r.At(1, 0), r.At(0, 0)) * 180 / math.Pi)
}

// NormalizeDegrees wraps an angle into (-180, 180].
func NormalizeDegrees(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg <= -180 {
		deg += 360
	} else if deg > 180 {
		deg -= 360
	}
	return deg
}

// Rodrigues converts an axis-angle vector to a rotation matrix.
func Rodrigues(v r3.Vec) *mat.Dense {
	theta := r3.Norm(v)
	if theta < 1e-12 {
		return mat.NewDense(3, 3, []float64{
			1, -v.Z, v.Y,
			v.Z, 1, -v.X,
			-v.Y, v.X, 1,
		})
	}
	k := r3.Scale(1/theta, v)
	s, c := math.Sincos(theta)
	t := 1 - c
	return mat.NewDense(3, 3, []float64{
		c + t*k.X*k.X, t*k.X*k.Y - s*k.Z, t*k.X*k.Z + s*k.Y,
		t*k.Y*k.X + s*k.Z, c + t*k.Y*k.Y, t*k.Y*k.Z - s*k.X,
		t*k.Z*k.X - s*k.Y, t*k.Z*k.Y + s*k.X, c + t*k.Z*k.Z,
	})
}

// AxisAngle converts a rotation matrix to an axis-angle vector.
func AxisAngle(r mat.Matrix) r3.Vec {
	tr := r.At(0, 0) + r.At(1, 1) + r.At(2, 2)
	cos := math.Max(-1, math.Min(1, (tr-1)/2))
	theta := math.Acos(cos)
	w := r3.Vec{
		X: r.At(2, 1) - r.At(1, 2),
		Y: r.At(0, 2) - r.At(2, 0),
		Z: r.At(1, 0) - r.At(0, 1),
	}

	switch {
	case theta < 1e-9:
		return r3.Scale(0.5, w)
	case math.Pi-theta < 1e-6:
		// sin(theta) vanishes; R = 2kk^T - I, so R_ib + R_bi = 4 k_i k_b
		// and R_bb = 2 k_b^2 - 1 for the dominant axis b.
		best := 0
		for i := 1; i < 3; i++ {
			if r.At(i, i) > r.At(best, best) {
				best = i
			}
		}
		kb := math.Sqrt(math.Max(0, (r.At(best, best)+1)/2))
		var col [3]float64
		for i := range 3 {
			col[i] = (r.At(i, best) + r.At(best, i)) / (4 * kb)
		}
		col[best] = kb
		k := r3.Unit(r3.Vec{X: col[0], Y: col[1], Z: col[2]})
		return r3.Scale(theta, k)
	default:
		return r3.Scale(theta/(2*math.Sin(theta)), w)
	}
}

// orthonormalize returns the rotation closest to m in the Frobenius norm.
func orthonormalize(m mat.Matrix) (*mat.Dense, bool) {
	var svd mat.SVD
	if !svd.Factorize(m, mat.SVDFull) {
		return nil, false
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var r mat.Dense
	r.Mul(&u, v.T())
	if mat.Det(&r) < 0 {
		// flip the axis of the smallest singular value
		for i := range 3 {
			u.Set(i, 2, -u.At(i, 2))
		}
		r.Mul(&u, v.T())
	}
	return &r, true
}

func mulVec(m mat.Matrix, v r3.Vec) r3.Vec {
	return r3.Vec{
		X: m.At(0, 0)*v.X + m.At(0, 1)*v.Y + m.At(0, 2)*v.Z,
		Y: m.At(1, 0)*v.X + m.At(1, 1)*v.Y + m.At(1, 2)*v.Z,
		Z: m.At(2, 0)*v.X + m.At(2, 1)*v.Y + m.At(2, 2)*v.Z,
	}
}
