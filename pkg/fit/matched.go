// Package fit estimates rigid and similarity transforms from matched point sets.
package fit

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"

	"neurocoreg/pkg/transforms"
)

// ErrFactorizationFailed is returned when the eigen decomposition does not converge.
var ErrFactorizationFailed = errors.New("fit: factorization failed")

// Result is a fitted similarity transform x ≈ Scale·R(Quat)·p + Translation.
type Result struct {
	Quat        r3.Vec
	Translation r3.Vec
	Scale       float64
}

// Affine returns the 4x4 matrix with the scale folded into the rotation block.
func (r Result) Affine() transforms.Affine {
	rot := transforms.QuatToRot(r.Quat)
	for i := range rot {
		for j := range rot[i] {
			rot[i][j] *= r.Scale
		}
	}
	return transforms.ComposeAffine(rot, r.Translation)
}

// Params returns the quaternion and translation as one 6-vector.
func (r Result) Params() [6]float64 {
	return [6]float64{r.Quat.X, r.Quat.Y, r.Quat.Z, r.Translation.X, r.Translation.Y, r.Translation.Z}
}

// MatchedPoints finds the rotation, translation and (optionally) isotropic
// scale mapping p onto x in the weighted least-squares sense, using Horn's
// closed form unit quaternion solution.
//
// p and x are correlated by index. A nil weights slice weighs every point
// equally; otherwise weights are normalised to sum to one. Configurations
// with no unique rotation (collinear or coincident points) are not detected:
// the returned rotation is then one of the equally good solutions.
func MatchedPoints(p, x []r3.Vec, weights []float64, scale bool) (Result, error) {
	n := len(p)
	if len(x) != n {
		return Result{}, fmt.Errorf("fit: got %d source points and %d destination points", n, len(x))
	}
	w := make([]float64, n)
	if weights == nil {
		for i := range w {
			w[i] = 1 / math.Max(float64(n), 1)
		}
	} else {
		if len(weights) != n {
			return Result{}, fmt.Errorf("fit: got %d weights for %d points", len(weights), n)
		}
		var sum float64
		for _, v := range weights {
			sum += v
		}
		if sum == 0 {
			return Result{}, errors.New("fit: weights sum to zero")
		}
		for i, v := range weights {
			w[i] = v / sum
		}
	}

	muP := weightedMean(p, w)
	muX := weightedMean(x, w)

	// Σ = pᵀ·diag(w)·x − μp·μxᵀ
	pm := toDense(p)
	xm := toDense(x)
	for i := 0; i < n; i++ {
		for j := 0; j < 3; j++ {
			xm.Set(i, j, xm.At(i, j)*w[i])
		}
	}
	var sigma mat.Dense
	if n > 0 {
		sigma.Mul(pm.T(), xm)
	} else {
		sigma.ReuseAs(3, 3)
	}
	mp := vecSlice(muP)
	mx := vecSlice(muX)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			sigma.Set(i, j, sigma.At(i, j)-mp[i]*mx[j])
		}
	}

	delta := [3]float64{
		sigma.At(1, 2) - sigma.At(2, 1),
		sigma.At(2, 0) - sigma.At(0, 2),
		sigma.At(0, 1) - sigma.At(1, 0),
	}
	tr := mat.Trace(&sigma)
	q := mat.NewSymDense(4, nil)
	q.SetSym(0, 0, tr)
	for i := 0; i < 3; i++ {
		q.SetSym(0, i+1, delta[i])
		for j := i; j < 3; j++ {
			v := sigma.At(i, j) + sigma.At(j, i)
			if i == j {
				v -= tr
			}
			q.SetSym(i+1, j+1, v)
		}
	}

	var eig mat.EigenSym
	if !eig.Factorize(q, true) {
		return Result{}, ErrFactorizationFailed
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	// Ascending eigenvalues: the optimum is the last column.
	v := mat.Col(nil, 3, &vecs)
	quat := r3.Vec{X: v[1], Y: v[2], Z: v[3]}
	if v[0] < 0 {
		quat = r3.Scale(-1, quat)
	}
	rot := transforms.QuatToRot(quat)

	s := 1.0
	if scale {
		var num, den float64
		for i := 0; i < n; i++ {
			num += w[i] * r3.Norm2(r3.Sub(x[i], muX))
			den += w[i] * r3.Norm2(r3.Sub(p[i], muP))
		}
		s = math.Sqrt(num / den)
	}

	t := r3.Sub(muX, r3.Scale(s, transforms.RotVec(rot, muP)))
	return Result{Quat: quat, Translation: t, Scale: s}, nil
}

func weightedMean(pts []r3.Vec, w []float64) r3.Vec {
	if len(pts) == 0 {
		return r3.Vec{}
	}
	xs := make([]float64, len(pts))
	ys := make([]float64, len(pts))
	zs := make([]float64, len(pts))
	for i, p := range pts {
		xs[i], ys[i], zs[i] = p.X, p.Y, p.Z
	}
	// stat.Mean divides by the weight sum, which is already one.
	return r3.Vec{X: stat.Mean(xs, w), Y: stat.Mean(ys, w), Z: stat.Mean(zs, w)}
}

func toDense(pts []r3.Vec) *mat.Dense {
	if len(pts) == 0 {
		return nil
	}
	d := mat.NewDense(len(pts), 3, nil)
	for i, p := range pts {
		d.SetRow(i, []float64{p.X, p.Y, p.Z})
	}
	return d
}

func vecSlice(v r3.Vec) [3]float64 {
	return [3]float64{v.X, v.Y, v.Z}
}
