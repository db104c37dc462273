package warp

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"neurocoreg/internal/linalg"
)

// FitSphere fits a sphere to pts by linear least squares on
// |p|² = 2c·p + (r² − |c|²) and returns its radius and centre.
func FitSphere(pts []r3.Vec) (radius float64, center r3.Vec, err error) {
	if len(pts) < 4 {
		return 0, r3.Vec{}, fmt.Errorf("warp: need at least 4 points to fit a sphere, got %d", len(pts))
	}
	a := mat.NewDense(len(pts), 4, nil)
	b := mat.NewDense(len(pts), 1, nil)
	for i, p := range pts {
		a.SetRow(i, []float64{2 * p.X, 2 * p.Y, 2 * p.Z, 1})
		b.Set(i, 0, r3.Norm2(p))
	}
	x, err := linalg.LstSq(a, b)
	if err != nil {
		return 0, r3.Vec{}, err
	}
	center = r3.Vec{X: x.At(0, 0), Y: x.At(1, 0), Z: x.At(2, 0)}
	radius = math.Sqrt(math.Max(x.At(3, 0)+r3.Norm2(center), 0))
	return radius, center, nil
}
