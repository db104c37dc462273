package fit

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"neurocoreg/pkg/transforms"
)

func randomPoints(rng *rand.Rand, n int) []r3.Vec {
	pts := make([]r3.Vec, n)
	for i := range pts {
		pts[i] = r3.Vec{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}
	}
	return pts
}

func similarity(q r3.Vec, s float64, t r3.Vec, pts []r3.Vec) []r3.Vec {
	rot := transforms.QuatToRot(q)
	out := make([]r3.Vec, len(pts))
	for i, p := range pts {
		out[i] = r3.Add(r3.Scale(s, transforms.RotVec(rot, p)), t)
	}
	return out
}

func testQuats() []r3.Vec {
	return []r3.Vec{
		{},
		{X: 0.1},
		{Y: -0.5},
		{X: 0.2, Y: 0.3, Z: -0.4},
		transforms.EulerToQuat(r3.Vec{X: 1.2, Y: -0.6, Z: 2.5}),
	}
}

func TestMatchedPointsExact(t *testing.T) {
	rng := rand.New(rand.NewSource(0))
	fro := randomPoints(rng, 10)
	trans := r3.Vec{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}

	tests := []struct {
		name    string
		scaling float64
		doScale bool
	}{
		{"rigid", 1, false},
		{"rigid with scale estimate", 1, true},
		{"similarity", 0.9, true},
		{"larger", 2.5, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, q := range testQuats() {
				to := similarity(q, tt.scaling, trans, fro)

				for _, corrupted := range []bool{false, true} {
					var weights []float64
					if corrupted {
						to[0].Z += 100
						weights = make([]float64, len(to))
						for i := range weights {
							weights[i] = 1
						}
						weights[0] = 0
					}
					res, err := MatchedPoints(fro, to, weights, tt.doScale)
					require.NoError(t, err)
					assert.InDelta(t, tt.scaling, res.Scale, 1e-5*tt.scaling)
					assert.InDelta(t, 0, r3.Norm(r3.Sub(q, res.Quat)), 1e-12, "quat %v got %v", q, res.Quat)
					assert.InDelta(t, 0, r3.Norm(r3.Sub(trans, res.Translation)), 1e-12)
				}
				to[0].Z -= 100
			}
		})
	}
}

func TestMatchedPointsCorruptionDegrades(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	fro := randomPoints(rng, 10)
	q := r3.Vec{X: 0.2, Y: 0.3, Z: -0.4}
	trans := r3.Vec{X: 0.5, Y: -1, Z: 2}
	to := similarity(q, 1, trans, fro)
	to[0].Z += 100

	unweighted, err := MatchedPoints(fro, to, nil, false)
	require.NoError(t, err)
	angle := transforms.AngleBetweenQuats(q, unweighted.Quat) * 180 / math.Pi
	dist := r3.Norm(r3.Sub(trans, unweighted.Translation))
	assert.Greater(t, angle, 1.0)
	assert.Greater(t, dist, 1.0)

	weights := make([]float64, len(to))
	for i := range weights {
		weights[i] = 1
	}
	weights[0] = 10
	worse, err := MatchedPoints(fro, to, weights, false)
	require.NoError(t, err)
	assert.Greater(t, r3.Norm(r3.Sub(trans, worse.Translation)), dist)
}

func TestMatchedPointsAffine(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	fro := randomPoints(rng, 6)
	q := transforms.EulerToQuat(r3.Vec{X: 0.3, Y: 0.1, Z: -0.2})
	trans := r3.Vec{X: 0.01, Y: 0.02, Z: 0.03}
	to := similarity(q, 1.3, trans, fro)

	res, err := MatchedPoints(fro, to, nil, true)
	require.NoError(t, err)
	got := transforms.Apply(res.Affine(), fro, true)
	for i := range got {
		assert.InDelta(t, 0, r3.Norm(r3.Sub(to[i], got[i])), 1e-12)
	}
	params := res.Params()
	assert.Equal(t, res.Quat.X, params[0])
	assert.Equal(t, res.Translation.Z, params[5])
}

func TestMatchedPointsErrors(t *testing.T) {
	_, err := MatchedPoints([]r3.Vec{{}}, nil, nil, false)
	assert.Error(t, err)
	_, err = MatchedPoints([]r3.Vec{{}}, []r3.Vec{{}}, []float64{1, 2}, false)
	assert.Error(t, err)
	_, err = MatchedPoints([]r3.Vec{{}}, []r3.Vec{{}}, []float64{0}, false)
	assert.Error(t, err)

	// no points is not an error: it gives some valid rigid transform
	res, err := MatchedPoints(nil, nil, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Scale)
}
