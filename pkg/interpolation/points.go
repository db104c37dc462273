package interpolation

import (
	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/spatial/r3"
)

// axis returns the coordinate of v along d.
func axis(v r3.Vec, d kdtree.Dim) float64 {
	switch d {
	case 0:
		return v.X
	case 1:
		return v.Y
	case 2:
		return v.Z
	}
	panic("interpolation: vertex axis out of range")
}

// vertex is a triangulation vertex as stored in the lookup tree. id is its
// position in Triangulation.points.
type vertex struct {
	pos r3.Vec
	id  int
}

func (v vertex) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return axis(v.pos, d) - axis(c.(vertex).pos, d)
}

func (v vertex) Dims() int { return 3 }

// Distance is the squared separation, as kdtree expects.
func (v vertex) Distance(c kdtree.Comparable) float64 {
	return r3.Norm2(r3.Sub(v.pos, c.(vertex).pos))
}

// vertexSet is the kdtree.Interface over triangulation vertices.
type vertexSet []vertex

func (s vertexSet) Index(i int) kdtree.Comparable         { return s[i] }
func (s vertexSet) Len() int                              { return len(s) }
func (s vertexSet) Slice(start, end int) kdtree.Interface { return s[start:end] }

func (s vertexSet) Pivot(d kdtree.Dim) int {
	byAxis := vertexOrder{set: s, dim: d}
	return kdtree.Partition(byAxis, kdtree.MedianOfRandoms(byAxis, 100))
}

// vertexOrder sorts a vertexSet along one axis for partitioning.
type vertexOrder struct {
	set vertexSet
	dim kdtree.Dim
}

func (o vertexOrder) Len() int { return len(o.set) }

func (o vertexOrder) Less(i, j int) bool {
	return axis(o.set[i].pos, o.dim) < axis(o.set[j].pos, o.dim)
}

func (o vertexOrder) Swap(i, j int) { o.set[i], o.set[j] = o.set[j], o.set[i] }

func (o vertexOrder) Slice(start, end int) kdtree.SortSlicer {
	return vertexOrder{set: o.set[start:end], dim: o.dim}
}

// newVertexTree indexes pts for nearest-vertex queries.
func newVertexTree(pts []r3.Vec) *kdtree.Tree {
	set := make(vertexSet, len(pts))
	for i, p := range pts {
		set[i] = vertex{pos: p, id: i}
	}
	return kdtree.New(set, true)
}
