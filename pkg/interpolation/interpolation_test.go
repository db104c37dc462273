package interpolation

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"neurocoreg/internal/log"
	"neurocoreg/pkg/transforms"
)

func init() {
	log.Discard()
}

func cellVolume(t *Triangulation, s [4]int) float64 {
	a := t.points[s[0]]
	u := r3.Sub(t.points[s[1]], a)
	v := r3.Sub(t.points[s[2]], a)
	w := r3.Sub(t.points[s[3]], a)
	return math.Abs(r3.Dot(u, r3.Cross(v, w))) / 6
}

func boxCloud(rng *rand.Rand, size r3.Vec, n int) []r3.Vec {
	pts := boxCorners(r3.Box{Max: size})
	for i := 0; i < n; i++ {
		pts = append(pts, r3.Vec{
			X: size.X * (0.05 + 0.9*rng.Float64()),
			Y: size.Y * (0.05 + 0.9*rng.Float64()),
			Z: size.Z * (0.05 + 0.9*rng.Float64()),
		})
	}
	return pts
}

func TestTriangulateFillsHull(t *testing.T) {
	cases := []struct {
		name string
		pts  []r3.Vec
		vol  float64
	}{
		{"single tetrahedron", []r3.Vec{{}, {X: 1}, {Y: 1}, {Z: 1}}, 1.0 / 6},
		{"cube with center", append(boxCorners(r3.Box{Max: r3.Vec{X: 1, Y: 1, Z: 1}}), r3.Vec{X: 0.5, Y: 0.5, Z: 0.5}), 1},
		{"random box cloud", boxCloud(rand.New(rand.NewSource(1)), r3.Vec{X: 2, Y: 3, Z: 1}, 40), 6},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tri, err := Triangulate(tc.pts)
			require.NoError(t, err)
			var total float64
			for _, s := range tri.Simplices() {
				v := cellVolume(tri, s)
				assert.Greater(t, v, 0.0)
				total += v
			}
			assert.InDelta(t, tc.vol, total, 1e-9)
		})
	}
}

func TestTriangulateErrors(t *testing.T) {
	_, err := Triangulate([]r3.Vec{{}, {X: 1}, {Y: 1}})
	assert.ErrorIs(t, err, ErrTooFewPoints)

	_, err = Triangulate([]r3.Vec{{}, {}, {}, {}})
	assert.ErrorIs(t, err, ErrTooFewPoints)

	_, err = Triangulate([]r3.Vec{{}, {X: 1}, {Y: 1}, {X: 1, Y: 1}, {X: 0.3, Y: 0.6}})
	assert.ErrorIs(t, err, ErrCoplanar)

	_, err = Triangulate([]r3.Vec{{}, {X: 1}, {Y: 1}, {Z: math.NaN()}})
	assert.Error(t, err)
}

func TestLocate(t *testing.T) {
	tri, err := Triangulate(boxCloud(rand.New(rand.NewSource(2)), r3.Vec{X: 1, Y: 1, Z: 1}, 25))
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 200; i++ {
		p := r3.Vec{X: rng.Float64(), Y: rng.Float64(), Z: rng.Float64()}
		cell, w, ok := tri.Locate(p)
		require.True(t, ok, "point %v", p)
		var back r3.Vec
		sum := 0.0
		for k, v := range tri.Simplices()[cell] {
			back = r3.Add(back, r3.Scale(w[k], tri.points[v]))
			sum += w[k]
		}
		assert.InDelta(t, 1, sum, 1e-12)
		assert.InDelta(t, 0, r3.Norm(r3.Sub(back, p)), 1e-12)
	}

	_, _, ok := tri.Locate(r3.Vec{X: 2})
	assert.False(t, ok)
	_, _, ok = tri.Locate(r3.Vec{X: math.Inf(1)})
	assert.False(t, ok)
}

func TestLinearReproducesAffineField(t *testing.T) {
	pts := boxCloud(rand.New(rand.NewSource(4)), r3.Vec{X: 1, Y: 2, Z: 1}, 30)
	f := func(p r3.Vec) r3.Vec {
		return r3.Vec{X: 2*p.X - p.Y + 1, Y: 0.5 * p.Z, Z: p.X + p.Y + p.Z}
	}
	vals := make([]r3.Vec, len(pts))
	for i, p := range pts {
		vals[i] = f(p)
	}
	lin, err := NewLinear(pts, vals)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(5))
	for i := 0; i < 100; i++ {
		p := r3.Vec{X: rng.Float64(), Y: 2 * rng.Float64(), Z: rng.Float64()}
		assert.InDelta(t, 0, r3.Norm(r3.Sub(lin.At(p), f(p))), 1e-10)
	}
	out := lin.At(r3.Vec{X: -1})
	assert.True(t, math.IsNaN(out.X))

	_, err = NewLinear(pts, vals[:3])
	assert.Error(t, err)
}

var (
	fieldFrom = []r3.Vec{{X: 0, Y: 2, Z: 2}, {X: 2, Y: 2, Z: 1}, {X: 2, Y: 0, Z: 2}, {X: 0, Y: 0, Z: 1}}
	fieldTo   = []r3.Vec{{X: 5, Y: 4, Z: 1}, {X: 6, Y: 1, Z: 0}, {X: 4, Y: -1, Z: 1}, {X: 3, Y: 3, Z: 0}}
)

func TestMatchedDisplacementFieldExactAtSources(t *testing.T) {
	f, err := NewMatchedDisplacementField(fieldFrom, fieldTo, nil)
	require.NoError(t, err)

	got, err := f.Interpolate(fieldFrom)
	require.NoError(t, err)
	require.Len(t, got, len(fieldTo))
	for i := range got {
		assert.InDelta(t, 0, r3.Norm(r3.Sub(got[i], fieldTo[i])), 1e-12, "point %d", i)
	}
	assert.Len(t, f.LastDeltas(), len(fieldFrom))

	// every source pair is an edge of the triangulation, so midpoints map linearly
	for i := range fieldFrom {
		for j := i + 1; j < len(fieldFrom); j++ {
			mid := r3.Scale(0.5, r3.Add(fieldFrom[i], fieldFrom[j]))
			want := r3.Scale(0.5, r3.Add(fieldTo[i], fieldTo[j]))
			out, err := f.InterpolatePoint(mid)
			require.NoError(t, err)
			assert.InDelta(t, 0, r3.Norm(r3.Sub(out, want)), 1e-10, "pair %d-%d", i, j)
		}
	}
	assert.Len(t, f.LastDeltas(), 1)
}

func TestMatchedDisplacementFieldCorners(t *testing.T) {
	f, err := NewMatchedDisplacementField(fieldFrom, fieldTo, nil)
	require.NoError(t, err)

	box := f.Extrema()
	inv, err := f.Affine().Inverse()
	require.NoError(t, err)
	for _, c := range boxCorners(box) {
		out, err := f.InterpolatePoint(transforms.ApplyPoint(inv, c, true))
		require.NoError(t, err)
		assert.InDelta(t, 0, r3.Norm(r3.Sub(out, c)), 1e-9)
	}
	for _, d := range f.LastDeltas() {
		assert.InDelta(t, 0, d, 1e-9)
	}
}

func TestMatchedDisplacementFieldSimilarity(t *testing.T) {
	aff := transforms.Translation(1, -2, 3).Mul(transforms.Rotation(0.3, -0.2, 0.1)).Mul(transforms.Scaling(1.5, 1.5, 1.5))
	rng := rand.New(rand.NewSource(6))
	from := make([]r3.Vec, 20)
	for i := range from {
		from[i] = r3.Vec{X: rng.Float64(), Y: rng.Float64(), Z: rng.Float64()}
	}
	to := transforms.Apply(aff, from, true)

	f, err := NewMatchedDisplacementField(from, to, nil)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, f.Scale(), 1e-10)

	query := make([]r3.Vec, 50)
	for i := range query {
		query[i] = r3.Vec{X: 0.1 + 0.8*rng.Float64(), Y: 0.1 + 0.8*rng.Float64(), Z: 0.1 + 0.8*rng.Float64()}
	}
	got, err := f.Interpolate(query)
	require.NoError(t, err)
	want := transforms.Apply(aff, query, true)
	for i := range got {
		assert.InDelta(t, 0, r3.Norm(r3.Sub(got[i], want[i])), 1e-8, "point %d", i)
	}
	for _, d := range f.LastDeltas() {
		assert.Less(t, d, 1e-8)
	}
}

func TestMatchedDisplacementFieldErrors(t *testing.T) {
	_, err := NewMatchedDisplacementField(fieldFrom, fieldTo[:3], nil)
	assert.Error(t, err)

	_, err = NewMatchedDisplacementField(nil, nil, nil)
	assert.ErrorIs(t, err, ErrTooFewPoints)

	// destination confined to a plane leaves no padding along z
	flat := []r3.Vec{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 0, Y: 1}, {X: 1, Y: 1}}
	_, err = NewMatchedDisplacementField(fieldFrom, flat, nil)
	assert.Error(t, err)

	_, err = NewMatchedDisplacementField(fieldFrom, fieldTo, &r3.Box{Min: r3.Vec{X: 1}, Max: r3.Vec{X: 1, Y: 1, Z: 1}})
	assert.Error(t, err)

	f, err := NewMatchedDisplacementField(fieldFrom, fieldTo, nil)
	require.NoError(t, err)

	_, err = f.Interpolate([]r3.Vec{{X: math.NaN()}})
	assert.Error(t, err)

	_, err = f.InterpolatePoint(r3.Vec{X: 1e6})
	assert.ErrorIs(t, err, ErrNonFinite)
}

func TestMatchedDisplacementFieldExplicitExtrema(t *testing.T) {
	box := r3.Box{Min: r3.Vec{X: -50, Y: -50, Z: -50}, Max: r3.Vec{X: 50, Y: 50, Z: 50}}
	f, err := NewMatchedDisplacementField(fieldFrom, fieldTo, &box)
	require.NoError(t, err)
	assert.Equal(t, box, f.Extrema())

	got, err := f.Interpolate(fieldFrom)
	require.NoError(t, err)
	for i := range got {
		assert.InDelta(t, 0, r3.Norm(r3.Sub(got[i], fieldTo[i])), 1e-12)
	}
}
