package sphharm

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// NMoments is the number of harmonics of degree 1 through order, all orders
// included: (order+2)·order. The degree-0 constant is not counted.
func NMoments(order int) int {
	return (order + 2) * order
}

// DegOrdIdx is the column of the (degree, order) harmonic. Degree zero gives
// -1, which ComputeSphHarm resolves to the last column.
func DegOrdIdx(deg, ord int) int {
	return deg*deg + deg + ord - 1
}

// ComputeSphHarm evaluates the real spherical harmonic basis up to order at
// each (az, pol) pair. The result has NMoments(order)+1 columns; the
// degree-0 term is in the last one.
//
// Positive orders hold √2·Re(Yₗᵐ), negative orders √2·Im of the negated
// harmonic (−1)ᵐ·conj(Yₗᵐ), and order zero Re(Yₗ⁰). Yₗᵐ includes the
// Condon-Shortley phase.
func ComputeSphHarm(order int, az, pol []float64) *mat.Dense {
	if len(az) != len(pol) {
		panic("sphharm: azimuth and polar lengths differ")
	}
	if len(az) == 0 {
		return &mat.Dense{}
	}
	cols := NMoments(order) + 1
	out := mat.NewDense(len(az), cols, nil)

	col := func(deg, ord int) int {
		c := DegOrdIdx(deg, ord)
		if c < 0 {
			c += cols
		}
		return c
	}

	p := make([][]float64, order+1)
	for i := range p {
		p[i] = make([]float64, order+1)
	}
	for i := range az {
		legendre(order, math.Cos(pol[i]), p)
		for deg := 0; deg <= order; deg++ {
			for m := 0; m <= deg; m++ {
				y := norm(deg, m) * p[deg][m]
				if m == 0 {
					out.Set(i, col(deg, 0), y)
					continue
				}
				sign := 1.0
				if m%2 == 1 {
					sign = -1
				}
				fm := float64(m)
				out.Set(i, col(deg, m), math.Sqrt2*y*math.Cos(fm*az[i]))
				// Im((−1)ᵐ·conj(y·e^{imφ})) = −(−1)ᵐ·y·sin(mφ)
				out.Set(i, col(deg, -m), -sign*math.Sqrt2*y*math.Sin(fm*az[i]))
			}
		}
	}
	return out
}

// norm is sqrt((2l+1)/(4π) · (l−m)!/(l+m)!).
func norm(l, m int) float64 {
	ratio := 1.0
	for k := l - m + 1; k <= l+m; k++ {
		ratio /= float64(k)
	}
	return math.Sqrt(float64(2*l+1) / (4 * math.Pi) * ratio)
}

// legendre fills p[l][m] with the associated Legendre functions Pₗᵐ(x),
// 0 ≤ m ≤ l ≤ order, including the Condon-Shortley phase.
func legendre(order int, x float64, p [][]float64) {
	s := math.Sqrt(math.Max(0, 1-x*x))
	pmm := 1.0
	for m := 0; m <= order; m++ {
		if m > 0 {
			pmm *= -float64(2*m-1) * s
		}
		p[m][m] = pmm
		if m+1 <= order {
			p[m+1][m] = x * float64(2*m+1) * pmm
		}
		for l := m + 2; l <= order; l++ {
			p[l][m] = (float64(2*l-1)*x*p[l-1][m] - float64(l+m-1)*p[l-2][m]) / float64(l-m)
		}
	}
}
