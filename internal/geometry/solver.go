package geometry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/pkg/types"
)

// Pose maps object coordinates to camera coordinates: p_cam = R*p_obj + T.
type Pose struct {
	R *mat.Dense
	T r3.Vec
}

// Apply transforms an object-frame point into the camera frame.
func (p Pose) Apply(v r3.Vec) r3.Vec {
	return r3.Add(mulVec(p.R, v), p.T)
}

// Yaw returns the heading about the optical axis in degrees.
func (p Pose) Yaw() float64 {
	return YawDegrees(p.R)
}

// Solver recovers the pose of a known planar quad from its image.
type Solver interface {
	Solve(object [4]r3.Vec, image [4]types.Point, cam Camera) (Pose, error)
}

// SquareObject returns the corners of a square of the given side centred
// on the origin in the z=0 plane, ordered to match detector corner order.
func SquareObject(side float64) [4]r3.Vec {
	h := side / 2
	return [4]r3.Vec{
		{X: -h, Y: -h},
		{X: h, Y: -h},
		{X: h, Y: h},
		{X: -h, Y: h},
	}
}

// PlanarSolver estimates the pose from the plane-to-image homography and
// refines it by minimizing reprojection error.
type PlanarSolver struct {
	// Iterations bounds the refinement loop. Zero means 30.
	Iterations int
}

// NewPlanarSolver returns a solver with default settings.
func NewPlanarSolver() *PlanarSolver {
	return &PlanarSolver{}
}

// Solve implements Solver. Object points must lie in the z=0 plane.
func (s *PlanarSolver) Solve(object [4]r3.Vec, image [4]types.Point, cam Camera) (Pose, error) {
	for _, p := range object {
		if p.Z != 0 {
			return Pose{}, fmt.Errorf("object points must be planar (z=0): %w", ErrDegenerate)
		}
	}
	for _, p := range image {
		if !finite(p.X) || !finite(p.Y) {
			return Pose{}, fmt.Errorf("non-finite image point: %w", ErrDegenerate)
		}
	}

	if math.Abs(QuadArea(image)) < 1e-6 {
		return Pose{}, fmt.Errorf("image quad has no area: %w", ErrDegenerate)
	}

	var norm [4]types.Point
	for i, p := range image {
		x, y, err := cam.Normalize(p)
		if err != nil {
			return Pose{}, err
		}
		norm[i] = types.Point{X: x, Y: y}
	}

	h, err := homography(object, norm)
	if err != nil {
		return Pose{}, err
	}

	pose, err := decompose(h)
	if err != nil {
		return Pose{}, err
	}

	iters := s.Iterations
	if iters <= 0 {
		iters = 30
	}
	pose = refine(pose, object, image, cam, iters)

	if !pose.finite() || pose.T.Z <= 0 {
		return Pose{}, fmt.Errorf("pose behind camera or not finite: %w", ErrDegenerate)
	}
	return pose, nil
}

// QuadArea returns the signed shoelace area of a quad. It is positive for
// corners ordered clockwise on screen (y down).
func QuadArea(q [4]types.Point) float64 {
	var a float64
	for i := range 4 {
		j := (i + 1) % 4
		a += q[i].X*q[j].Y - q[j].X*q[i].Y
	}
	return a / 2
}

// homography estimates H with [x y 1]^T ~ H [X Y 1]^T using the normalized
// direct linear transform.
func homography(object [4]r3.Vec, image [4]types.Point) (*mat.Dense, error) {
	var src, dst [4]types.Point
	for i := range 4 {
		src[i] = types.Point{X: object[i].X, Y: object[i].Y}
		dst[i] = image[i]
	}
	ts, okS := conditioner(src[:])
	td, okD := conditioner(dst[:])
	if !okS || !okD {
		return nil, fmt.Errorf("coincident points: %w", ErrDegenerate)
	}

	a := mat.NewDense(9, 9, nil)
	for i := range 4 {
		sx, sy := applyH(ts, src[i])
		dx, dy := applyH(td, dst[i])
		a.SetRow(2*i, []float64{-sx, -sy, -1, 0, 0, 0, dx * sx, dx * sy, dx})
		a.SetRow(2*i+1, []float64{0, 0, 0, -sx, -sy, -1, dy * sx, dy * sy, dy})
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return nil, fmt.Errorf("homography SVD failed: %w", ErrDegenerate)
	}
	values := svd.Values(nil)
	// four points in general position leave exactly one null direction
	if values[0] == 0 || values[7]/values[0] < 1e-9 {
		return nil, fmt.Errorf("collinear points: %w", ErrDegenerate)
	}
	var v mat.Dense
	svd.VTo(&v)

	hn := mat.NewDense(3, 3, nil)
	for i := range 9 {
		hn.Set(i/3, i%3, v.At(i, 8))
	}

	var tdInv mat.Dense
	if err := tdInv.Inverse(td); err != nil {
		return nil, fmt.Errorf("conditioning: %w", ErrDegenerate)
	}
	var h mat.Dense
	h.Product(&tdInv, hn, ts)
	return &h, nil
}

// conditioner returns the similarity that moves points to zero mean and
// mean distance sqrt(2).
func conditioner(pts []types.Point) (*mat.Dense, bool) {
	var cx, cy float64
	for _, p := range pts {
		cx += p.X
		cy += p.Y
	}
	n := float64(len(pts))
	cx /= n
	cy /= n

	var dist float64
	for _, p := range pts {
		dist += math.Hypot(p.X-cx, p.Y-cy)
	}
	dist /= n
	if dist < 1e-15 {
		return nil, false
	}
	s := math.Sqrt2 / dist
	return mat.NewDense(3, 3, []float64{
		s, 0, -s * cx,
		0, s, -s * cy,
		0, 0, 1,
	}), true
}

func applyH(h mat.Matrix, p types.Point) (float64, float64) {
	x := h.At(0, 0)*p.X + h.At(0, 1)*p.Y + h.At(0, 2)
	y := h.At(1, 0)*p.X + h.At(1, 1)*p.Y + h.At(1, 2)
	w := h.At(2, 0)*p.X + h.At(2, 1)*p.Y + h.At(2, 2)
	return x / w, y / w
}

// decompose splits H = lambda [r1 r2 t] into a rotation and translation
// with the plane in front of the camera.
func decompose(h *mat.Dense) (Pose, error) {
	h1 := r3.Vec{X: h.At(0, 0), Y: h.At(1, 0), Z: h.At(2, 0)}
	h2 := r3.Vec{X: h.At(0, 1), Y: h.At(1, 1), Z: h.At(2, 1)}
	h3 := r3.Vec{X: h.At(0, 2), Y: h.At(1, 2), Z: h.At(2, 2)}

	n1, n2 := r3.Norm(h1), r3.Norm(h2)
	if n1 < 1e-15 || n2 < 1e-15 {
		return Pose{}, fmt.Errorf("singular homography: %w", ErrDegenerate)
	}
	lambda := 2 / (n1 + n2)
	if h3.Z < 0 {
		lambda = -lambda
	}

	r1 := r3.Scale(lambda, h1)
	r2 := r3.Scale(lambda, h2)
	rr := r3.Cross(r1, r2)
	t := r3.Scale(lambda, h3)

	approx := mat.NewDense(3, 3, []float64{
		r1.X, r2.X, rr.X,
		r1.Y, r2.Y, rr.Y,
		r1.Z, r2.Z, rr.Z,
	})
	rot, ok := orthonormalize(approx)
	if !ok {
		return Pose{}, fmt.Errorf("rotation SVD failed: %w", ErrDegenerate)
	}
	return Pose{R: rot, T: t}, nil
}

// refine runs Levenberg-Marquardt on the pixel reprojection error with a
// local rotation update R <- exp(w) R.
func refine(p Pose, object [4]r3.Vec, image [4]types.Point, cam Camera, iters int) Pose {
	const eps = 1e-7
	mu := 1e-3
	cost := reprojectionCost(p, object, image, cam)

	for range iters {
		r := residuals(p, object, image, cam)
		j := mat.NewDense(8, 6, nil)
		for k := range 6 {
			var d [6]float64
			d[k] = eps
			rp := residuals(perturb(p, d), object, image, cam)
			d[k] = -eps
			rm := residuals(perturb(p, d), object, image, cam)
			for i := range 8 {
				j.Set(i, k, (rp[i]-rm[i])/(2*eps))
			}
		}

		var jtj mat.Dense
		jtj.Mul(j.T(), j)
		var jtr mat.VecDense
		jtr.MulVec(j.T(), mat.NewVecDense(8, r[:]))

		improved := false
		for range 8 {
			damped := mat.DenseCopyOf(&jtj)
			for i := range 6 {
				damped.Set(i, i, damped.At(i, i)*(1+mu))
			}
			var step mat.VecDense
			if err := step.SolveVec(damped, &jtr); err != nil {
				mu *= 10
				continue
			}
			var d [6]float64
			for i := range 6 {
				d[i] = -step.AtVec(i)
			}
			cand := perturb(p, d)
			if c := reprojectionCost(cand, object, image, cam); c < cost {
				p, cost = cand, c
				mu = math.Max(mu/10, 1e-12)
				improved = true
				if mat.Norm(&step, 2) < 1e-12 {
					return p
				}
				break
			}
			mu *= 10
		}
		if !improved || cost < 1e-20 {
			break
		}
	}
	return p
}

func perturb(p Pose, d [6]float64) Pose {
	var r mat.Dense
	r.Mul(Rodrigues(r3.Vec{X: d[0], Y: d[1], Z: d[2]}), p.R)
	return Pose{R: &r, T: r3.Add(p.T, r3.Vec{X: d[3], Y: d[4], Z: d[5]})}
}

func residuals(p Pose, object [4]r3.Vec, image [4]types.Point, cam Camera) [8]float64 {
	var out [8]float64
	for i := range 4 {
		q := cam.Project(p.Apply(object[i]))
		out[2*i] = q.X - image[i].X
		out[2*i+1] = q.Y - image[i].Y
	}
	return out
}

func reprojectionCost(p Pose, object [4]r3.Vec, image [4]types.Point, cam Camera) float64 {
	var sum float64
	for _, v := range residuals(p, object, image, cam) {
		sum += v * v
	}
	if math.IsNaN(sum) {
		return math.Inf(1)
	}
	return sum
}

// ReprojectionError returns the RMS pixel error of a pose.
func ReprojectionError(p Pose, object [4]r3.Vec, image [4]types.Point, cam Camera) float64 {
	return math.Sqrt(reprojectionCost(p, object, image, cam) / 4)
}

func (p Pose) finite() bool {
	if p.R == nil || !finite(p.T.X) || !finite(p.T.Y) || !finite(p.T.Z) {
		return false
	}
	for i := range 3 {
		for j := range 3 {
			if !finite(p.R.At(i, j)) {
				return false
			}
		}
	}
	return true
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
