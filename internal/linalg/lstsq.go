// Package linalg holds small dense linear algebra helpers built on gonum.
package linalg

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrSVDFailed is returned when the singular value decomposition does not converge.
var ErrSVDFailed = errors.New("linalg: SVD factorization failed")

// LstSq returns the minimum-norm least-squares solution x of a·x = b.
// Singular values below eps·max(m, n)·σmax are treated as zero, so
// rank-deficient systems still give a finite answer.
func LstSq(a, b mat.Matrix) (*mat.Dense, error) {
	m, n := a.Dims()
	br, bc := b.Dims()
	if br != m {
		return nil, mat.ErrShape
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return nil, ErrSVDFailed
	}
	rcond := math.Nextafter(1, 2) - 1
	rcond *= float64(max(m, n))
	rank := svd.Rank(rcond)

	x := mat.NewDense(n, bc, nil)
	if rank == 0 {
		return x, nil
	}
	svd.SolveTo(x, b, rank)
	return x, nil
}
