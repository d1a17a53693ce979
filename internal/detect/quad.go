package detect

import (
	"image"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/pkg/types"
)

const (
	// notchFraction is how far from a corner towards the centre the
	// orientation notch is sampled.
	notchFraction = 0.55
	// fill ratio bounds for a dark square with a notch cut out
	minFill = 0.8
	maxFill = 1.15
)

// QuadDetector finds dark squares with a light orientation notch near one
// corner on a light background.
type QuadDetector struct {
	opts Options
}

// NewQuadDetector validates opts and returns a detector.
func NewQuadDetector(opts Options) (*QuadDetector, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &QuadDetector{opts: opts}, nil
}

// Options returns the detector configuration.
func (q *QuadDetector) Options() Options {
	return q.opts
}

// Detect implements Detector.
func (q *QuadDetector) Detect(img *image.Gray) ([]Detection, error) {
	b := img.Bounds()
	if b.Empty() {
		return nil, nil
	}

	lo, hi := grayRange(img)
	if hi-lo < q.opts.MinContrast || hi == lo {
		return nil, nil
	}
	thr := (uint16(lo) + uint16(hi)) / 2

	d := q.opts.Decimate
	work := img
	if d > 1 {
		work = decimate(img, d)
		if work.Bounds().Dx() < 3 || work.Bounds().Dy() < 3 {
			return nil, nil
		}
	}

	comps := label(work, uint8(thr))
	minPixels := q.opts.MinArea / float64(d*d)

	var cands []*component
	for _, c := range comps {
		if c.border || float64(c.count) < math.Max(minPixels, 16) {
			continue
		}
		cands = append(cands, c)
	}
	if len(cands) == 0 {
		return nil, nil
	}

	results := make([]*Detection, len(cands))
	var g errgroup.Group
	g.SetLimit(q.opts.Workers)
	for i, c := range cands {
		g.Go(func() error {
			results[i] = q.quadFrom(c, work, img, uint8(thr))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []Detection
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, nil
}

// quadFrom fits a quad to one component and validates it as a marker.
func (q *QuadDetector) quadFrom(c *component, work, full *image.Gray, thr uint8) *Detection {
	corners, ok := extremeCorners(c.edge)
	if !ok {
		return nil
	}

	area := quadArea(corners)
	if area < 0 {
		corners[1], corners[3] = corners[3], corners[1]
		area = -area
	}
	fill := float64(c.count) / area
	if area <= 0 || fill < minFill || fill > maxFill {
		return nil
	}

	first, ok := notchedCorner(work, corners, thr)
	if !ok {
		return nil
	}
	var ordered [4]types.Point
	for i := range 4 {
		ordered[i] = corners[(first+i)%4]
	}

	d := float64(q.opts.Decimate)
	if d > 1 {
		for i := range ordered {
			ordered[i].X = (ordered[i].X+0.5)*d - 0.5
			ordered[i].Y = (ordered[i].Y+0.5)*d - 0.5
		}
	}

	if q.opts.RefineEdges {
		if refined, ok := refineCorners(full, ordered, thr, math.Max(3, 2*d)); ok {
			ordered = refined
		}
	}

	det := Detection{Corners: ordered, Area: math.Abs(quadArea(ordered))}
	for _, p := range ordered {
		det.Center.X += p.X / 4
		det.Center.Y += p.Y / 4
	}
	return &det
}

func grayRange(img *image.Gray) (lo, hi uint8) {
	b := img.Bounds()
	lo, hi = 255, 0
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+b.Dx()]
		for _, v := range row {
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
	}
	return lo, hi
}

// decimate box-filters img by factor d into a new zero-origin image.
func decimate(img *image.Gray, d int) *image.Gray {
	b := img.Bounds()
	w, h := b.Dx()/d, b.Dy()/d
	out := image.NewGray(image.Rect(0, 0, w, h))
	n := uint32(d * d)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum uint32
			for dy := 0; dy < d; dy++ {
				row := img.Pix[(y*d+dy)*img.Stride+x*d:]
				for dx := 0; dx < d; dx++ {
					sum += uint32(row[dx])
				}
			}
			out.Pix[y*out.Stride+x] = uint8((sum + n/2) / n)
		}
	}
	return out
}

// component is a 4-connected region of dark pixels.
type component struct {
	count  int
	border bool
	edge   []types.Point
}

// label segments pixels darker than thr and returns components in raster
// order of their first pixel.
func label(img *image.Gray, thr uint8) []*component {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	labels := make([]int32, w*h)
	parent := []int32{0}

	find := func(x int32) int32 {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	union := func(a, b int32) int32 {
		ra, rb := find(a), find(b)
		if ra == rb {
			return ra
		}
		if ra < rb {
			parent[rb] = ra
			return ra
		}
		parent[ra] = rb
		return rb
	}

	dark := func(x, y int) bool {
		return img.Pix[y*img.Stride+x] < thr
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if !dark(x, y) {
				continue
			}
			var left, up int32
			if x > 0 {
				left = labels[y*w+x-1]
			}
			if y > 0 {
				up = labels[(y-1)*w+x]
			}
			switch {
			case left == 0 && up == 0:
				id := int32(len(parent))
				parent = append(parent, id)
				labels[y*w+x] = id
			case left != 0 && up != 0:
				labels[y*w+x] = union(left, up)
			case left != 0:
				labels[y*w+x] = left
			default:
				labels[y*w+x] = up
			}
		}
	}

	index := make(map[int32]*component)
	var order []*component
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			l := labels[y*w+x]
			if l == 0 {
				continue
			}
			root := find(l)
			labels[y*w+x] = root
			c, ok := index[root]
			if !ok {
				c = &component{}
				index[root] = c
				order = append(order, c)
			}
			c.count++
			if x == 0 || y == 0 || x == w-1 || y == h-1 {
				c.border = true
			}
		}
	}

	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			l := labels[y*w+x]
			if l == 0 {
				continue
			}
			if labels[y*w+x-1] != l || labels[y*w+x+1] != l || labels[(y-1)*w+x] != l || labels[(y+1)*w+x] != l {
				c := index[l]
				c.edge = append(c.edge, types.Point{X: float64(x), Y: float64(y)})
			}
		}
	}
	return order
}

// extremeCorners picks four hull points: the point farthest from the
// centroid, the point farthest from that, and the points farthest on
// either side of the diagonal between them.
func extremeCorners(pts []types.Point) ([4]types.Point, bool) {
	var corners [4]types.Point
	if len(pts) < 4 {
		return corners, false
	}

	var cx, cy float64
	for _, p := range pts {
		cx += p.X
		cy += p.Y
	}
	cx /= float64(len(pts))
	cy /= float64(len(pts))

	farthest := func(fx, fy float64) types.Point {
		var best types.Point
		bestD := -1.0
		for _, p := range pts {
			if d := (p.X-fx)*(p.X-fx) + (p.Y-fy)*(p.Y-fy); d > bestD {
				best, bestD = p, d
			}
		}
		return best
	}

	a := farthest(cx, cy)
	c := farthest(a.X, a.Y)
	dx, dy := c.X-a.X, c.Y-a.Y
	if dx == 0 && dy == 0 {
		return corners, false
	}

	var bPos, bNeg types.Point
	maxPos, maxNeg := 0.0, 0.0
	for _, p := range pts {
		cross := dx*(p.Y-a.Y) - dy*(p.X-a.X)
		if cross > maxPos {
			bPos, maxPos = p, cross
		}
		if cross < maxNeg {
			bNeg, maxNeg = p, cross
		}
	}
	if maxPos == 0 || maxNeg == 0 {
		return corners, false
	}

	corners = [4]types.Point{a, bPos, c, bNeg}
	return corners, true
}

// notchedCorner returns the index of the only corner whose notch sample is
// light.
func notchedCorner(img *image.Gray, corners [4]types.Point, thr uint8) (int, bool) {
	var cx, cy float64
	for _, p := range corners {
		cx += p.X / 4
		cy += p.Y / 4
	}

	found := -1
	for i, p := range corners {
		sx := p.X + notchFraction*(cx-p.X)
		sy := p.Y + notchFraction*(cy-p.Y)
		if bilinear(img, sx, sy) >= float64(thr) {
			if found >= 0 {
				return 0, false
			}
			found = i
		}
	}
	return found, found >= 0
}

func quadArea(q [4]types.Point) float64 {
	var a float64
	for i := range 4 {
		j := (i + 1) % 4
		a += q[i].X*q[j].Y - q[j].X*q[i].Y
	}
	return a / 2
}

// bilinear samples img at a subpixel location relative to its origin,
// clamping at the edges.
func bilinear(img *image.Gray, x, y float64) float64 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	x = math.Max(0, math.Min(float64(w-1), x))
	y = math.Max(0, math.Min(float64(h-1), y))
	x0, y0 := int(x), int(y)
	x1, y1 := min(x0+1, w-1), min(y0+1, h-1)
	fx, fy := x-float64(x0), y-float64(y0)

	at := func(px, py int) float64 { return float64(img.Pix[py*img.Stride+px]) }
	top := at(x0, y0)*(1-fx) + at(x1, y0)*fx
	bot := at(x0, y1)*(1-fx) + at(x1, y1)*fx
	return top*(1-fy) + bot*fy
}

// refineCorners fits a line to the threshold crossings along each edge and
// intersects neighbouring lines.
func refineCorners(img *image.Gray, corners [4]types.Point, thr uint8, reach float64) ([4]types.Point, bool) {
	var lines [4]line
	for i := range 4 {
		l, ok := fitEdge(img, corners[i], corners[(i+1)%4], float64(thr), reach)
		if !ok {
			return corners, false
		}
		lines[i] = l
	}

	var out [4]types.Point
	for i := range 4 {
		p, ok := intersect(lines[(i+3)%4], lines[i])
		if !ok || math.Hypot(p.X-corners[i].X, p.Y-corners[i].Y) > 2*reach {
			return corners, false
		}
		out[i] = p
	}
	return out, true
}

// line is a point on the line and a unit direction.
type line struct {
	px, py float64
	dx, dy float64
}

func fitEdge(img *image.Gray, a, b types.Point, thr, reach float64) (line, bool) {
	ex, ey := b.X-a.X, b.Y-a.Y
	length := math.Hypot(ex, ey)
	if length < 4 {
		return line{}, false
	}
	ux, uy := ex/length, ey/length
	// corners run clockwise on screen, so the outward normal is (uy, -ux)
	nx, ny := uy, -ux

	samples := int(math.Min(64, length/2))
	var pts []types.Point
	for s := 1; s < samples; s++ {
		t := 0.1 + 0.8*float64(s)/float64(samples)
		bx, by := a.X+t*ex, a.Y+t*ey

		prev := bilinear(img, bx-reach*nx, by-reach*ny)
		for k := -reach + 0.25; k <= reach; k += 0.25 {
			cur := bilinear(img, bx+k*nx, by+k*ny)
			if prev < thr && cur >= thr {
				f := (thr - prev) / (cur - prev)
				off := k - 0.25 + 0.25*f
				pts = append(pts, types.Point{X: bx + off*nx, Y: by + off*ny})
				break
			}
			prev = cur
		}
	}
	if len(pts) < 4 {
		return line{}, false
	}

	var mx, my float64
	for _, p := range pts {
		mx += p.X
		my += p.Y
	}
	mx /= float64(len(pts))
	my /= float64(len(pts))

	var sxx, sxy, syy float64
	for _, p := range pts {
		dx, dy := p.X-mx, p.Y-my
		sxx += dx * dx
		sxy += dx * dy
		syy += dy * dy
	}

	var eig mat.EigenSym
	if !eig.Factorize(mat.NewSymDense(2, []float64{sxx, sxy, sxy, syy}), true) {
		return line{}, false
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	// eigenvalues ascend; the last vector spans the edge
	dx, dy := vecs.At(0, 1), vecs.At(1, 1)
	return line{px: mx, py: my, dx: dx, dy: dy}, true
}

func intersect(l1, l2 line) (types.Point, bool) {
	det := l1.dx*l2.dy - l1.dy*l2.dx
	if math.Abs(det) < 1e-9 {
		return types.Point{}, false
	}
	t := ((l2.px-l1.px)*l2.dy - (l2.py-l1.py)*l2.dx) / det
	return types.Point{X: l1.px + t*l1.dx, Y: l1.py + t*l1.dy}, true
}
