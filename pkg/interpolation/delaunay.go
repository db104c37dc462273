package interpolation

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/spatial/r3"
)

var (
	// ErrTooFewPoints is returned when a triangulation has fewer than
	// four distinct vertices to work with.
	ErrTooFewPoints = errors.New("interpolation: at least 4 distinct points are required")
	// ErrCoplanar is returned when every input point lies in one plane.
	ErrCoplanar = errors.New("interpolation: points are coplanar")
)

const (
	superScale = 1e3
	sphereTol  = 1e-10
	baryTol    = 1e-10
)

// tetra is one cell of the triangulation. The barycentric frame stores the
// rows of the inverse of [b-a c-a d-a] so that lambda = frame * (p - a).
type tetra struct {
	v      [4]int
	center r3.Vec
	r2     float64
	frame  [3]r3.Vec
	flat   bool
	dead   bool
}

// Triangulation is a Delaunay tetrahedralization of a point cloud built
// with the Bowyer-Watson insertion scheme.
type Triangulation struct {
	points   []r3.Vec
	tets     []tetra
	incident [][]int
	tree     *kdtree.Tree
	span     float64
}

// Triangulate builds the Delaunay tetrahedralization of pts. Exact duplicate
// points are inserted once; the later copies are ignored.
func Triangulate(pts []r3.Vec) (*Triangulation, error) {
	if len(pts) < 4 {
		return nil, ErrTooFewPoints
	}
	for i, p := range pts {
		if !finite(p) {
			return nil, fmt.Errorf("interpolation: point %d is not finite", i)
		}
	}
	lo, hi := pts[0], pts[0]
	for _, p := range pts[1:] {
		lo = r3.Vec{X: math.Min(lo.X, p.X), Y: math.Min(lo.Y, p.Y), Z: math.Min(lo.Z, p.Z)}
		hi = r3.Vec{X: math.Max(hi.X, p.X), Y: math.Max(hi.Y, p.Y), Z: math.Max(hi.Z, p.Z)}
	}
	span := math.Max(hi.X-lo.X, math.Max(hi.Y-lo.Y, hi.Z-lo.Z))
	if span == 0 {
		return nil, ErrTooFewPoints
	}
	mid := r3.Scale(0.5, r3.Add(lo, hi))

	n := len(pts)
	all := make([]r3.Vec, n, n+4)
	copy(all, pts)
	s := superScale * span
	for _, d := range []r3.Vec{{X: 1, Y: 1, Z: 1}, {X: 1, Y: -1, Z: -1}, {X: -1, Y: 1, Z: -1}, {X: -1, Y: -1, Z: 1}} {
		all = append(all, r3.Add(mid, r3.Scale(s, d)))
	}

	t := &Triangulation{points: all, span: span}
	t.tets = append(t.tets, t.newTetra([4]int{n, n + 1, n + 2, n + 3}))

	seen := make(map[r3.Vec]bool, n)
	for i, p := range pts {
		if seen[p] {
			continue
		}
		seen[p] = true
		t.insert(i)
	}

	// drop every cell touching the enclosing tetrahedron
	live := t.tets[:0]
	for _, c := range t.tets {
		if c.dead || c.flat {
			continue
		}
		if c.v[0] >= n || c.v[1] >= n || c.v[2] >= n || c.v[3] >= n {
			continue
		}
		live = append(live, c)
	}
	t.tets = live
	t.points = all[:n]
	if len(t.tets) == 0 {
		return nil, ErrCoplanar
	}

	t.incident = make([][]int, n)
	for ci, c := range t.tets {
		for _, v := range c.v {
			t.incident[v] = append(t.incident[v], ci)
		}
	}
	t.tree = newVertexTree(t.points)
	return t, nil
}

func (t *Triangulation) newTetra(v [4]int) tetra {
	a := t.points[v[0]]
	u := r3.Sub(t.points[v[1]], a)
	w1 := r3.Sub(t.points[v[2]], a)
	w2 := r3.Sub(t.points[v[3]], a)

	c := tetra{v: v}
	det := r3.Dot(u, r3.Cross(w1, w2))
	scale := r3.Norm(u) * r3.Norm(w1) * r3.Norm(w2)
	if scale == 0 || math.Abs(det) <= 1e-12*scale {
		c.flat = true
		return c
	}

	uu, vv, ww := r3.Norm2(u), r3.Norm2(w1), r3.Norm2(w2)
	num := r3.Add(r3.Add(r3.Scale(uu, r3.Cross(w1, w2)), r3.Scale(vv, r3.Cross(w2, u))), r3.Scale(ww, r3.Cross(u, w1)))
	off := r3.Scale(1/(2*det), num)
	c.center = r3.Add(a, off)
	c.r2 = r3.Norm2(off)

	c.frame[0] = r3.Scale(1/det, r3.Cross(w1, w2))
	c.frame[1] = r3.Scale(1/det, r3.Cross(w2, u))
	c.frame[2] = r3.Scale(1/det, r3.Cross(u, w1))
	return c
}

func (c *tetra) encloses(p r3.Vec) bool {
	if c.flat || c.dead {
		return false
	}
	d2 := r3.Norm2(r3.Sub(p, c.center))
	return c.r2-d2 > sphereTol*c.r2
}

type face [3]int

func sortedFace(a, b, c int) face {
	if a > b {
		a, b = b, a
	}
	if b > c {
		b, c = c, b
	}
	if a > b {
		a, b = b, a
	}
	return face{a, b, c}
}

func (t *Triangulation) insert(pi int) {
	p := t.points[pi]
	count := make(map[face]int)
	var order []face
	bad := 0
	for i := range t.tets {
		c := &t.tets[i]
		if !c.encloses(p) {
			continue
		}
		c.dead = true
		bad++
		v := c.v
		for _, f := range []face{
			sortedFace(v[0], v[1], v[2]),
			sortedFace(v[0], v[1], v[3]),
			sortedFace(v[0], v[2], v[3]),
			sortedFace(v[1], v[2], v[3]),
		} {
			if count[f] == 0 {
				order = append(order, f)
			}
			count[f]++
		}
	}
	if bad == 0 {
		return
	}

	live := t.tets[:0]
	for _, c := range t.tets {
		if !c.dead {
			live = append(live, c)
		}
	}
	t.tets = live
	for _, f := range order {
		if count[f] != 1 {
			continue
		}
		t.tets = append(t.tets, t.newTetra([4]int{f[0], f[1], f[2], pi}))
	}
}

// Len returns the number of cells.
func (t *Triangulation) Len() int { return len(t.tets) }

// Simplices returns the vertex indices of every cell.
func (t *Triangulation) Simplices() [][4]int {
	out := make([][4]int, len(t.tets))
	for i, c := range t.tets {
		out[i] = c.v
	}
	return out
}

// Locate returns the cell containing p together with the barycentric
// weights of its four vertices. ok is false when p lies outside the hull.
func (t *Triangulation) Locate(p r3.Vec) (cell int, weights [4]float64, ok bool) {
	if !finite(p) {
		return -1, weights, false
	}
	if near, _ := t.tree.Nearest(vertex{pos: p}); near != nil {
		for _, ci := range t.incident[near.(vertex).id] {
			if w, in := t.barycentric(ci, p); in {
				return ci, w, true
			}
		}
	}
	for ci := range t.tets {
		if w, in := t.barycentric(ci, p); in {
			return ci, w, true
		}
	}
	return -1, weights, false
}

func (t *Triangulation) barycentric(ci int, p r3.Vec) ([4]float64, bool) {
	c := &t.tets[ci]
	rel := r3.Sub(p, t.points[c.v[0]])
	var w [4]float64
	w[1] = r3.Dot(c.frame[0], rel)
	w[2] = r3.Dot(c.frame[1], rel)
	w[3] = r3.Dot(c.frame[2], rel)
	w[0] = 1 - w[1] - w[2] - w[3]
	for _, x := range w {
		if x < -baryTol {
			return w, false
		}
	}
	return w, true
}

// Linear is a piecewise-linear vector field over a Delaunay triangulation.
// Queries outside the convex hull of the samples evaluate to NaN.
type Linear struct {
	tri    *Triangulation
	values []r3.Vec
}

// NewLinear triangulates points and attaches one value per point.
func NewLinear(points, values []r3.Vec) (*Linear, error) {
	if len(points) != len(values) {
		return nil, fmt.Errorf("interpolation: %d points but %d values", len(points), len(values))
	}
	tri, err := Triangulate(points)
	if err != nil {
		return nil, err
	}
	return &Linear{tri: tri, values: values}, nil
}

// At evaluates the field at p.
func (l *Linear) At(p r3.Vec) r3.Vec {
	ci, w, ok := l.tri.Locate(p)
	if !ok {
		nan := math.NaN()
		return r3.Vec{X: nan, Y: nan, Z: nan}
	}
	var out r3.Vec
	for k, v := range l.tri.tets[ci].v {
		out = r3.Add(out, r3.Scale(w[k], l.values[v]))
	}
	return out
}

// Triangulation returns the underlying triangulation.
func (l *Linear) Triangulation() *Triangulation { return l.tri }

func finite(p r3.Vec) bool {
	return !math.IsNaN(p.X) && !math.IsNaN(p.Y) && !math.IsNaN(p.Z) &&
		!math.IsInf(p.X, 0) && !math.IsInf(p.Y, 0) && !math.IsInf(p.Z, 0)
}
