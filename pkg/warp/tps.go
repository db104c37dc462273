// Package warp implements smooth non-rigid warps between 3D point sets:
// thin-plate splines and spherical harmonic surface matching.
package warp

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"neurocoreg/internal/linalg"
	"neurocoreg/internal/log"
)

// DefaultMaxChunkBytes bounds the kernel matrix built per Transform chunk.
const DefaultMaxChunkBytes = 100e6

var (
	// ErrNotFitted is returned when Transform is called before Fit.
	ErrNotFitted = errors.New("warp: no fitting done")

	// ErrDegenerateWarp marks an output coordinate of exactly zero, which
	// only happens when the fitted weights have collapsed.
	ErrDegenerateWarp = errors.New("warp: degenerate TPS output")
)

// TPSWarp is a thin-plate spline mapping source points onto destination points.
type TPSWarp struct {
	// MaxChunkBytes caps the size of the kernel block per chunk in Transform.
	// Zero means DefaultMaxChunkBytes.
	MaxChunkBytes float64

	destination []r3.Vec
	weights     *mat.Dense
}

// tpsKernel is U(d²) = d²·log(d²), with U(0) = 0.
func tpsKernel(distSq float64) float64 {
	if distSq > 0 {
		return distSq * math.Log(distSq)
	}
	return 0
}

// Fit solves for the spline weights. source and destination are matched by
// index. reg is added to the diagonal of the system.
//
// The kernel is evaluated between source and destination points, and
// Transform evaluates it against the destination points; a fitted warp
// therefore reproduces destination[i] at source[i] exactly when reg is zero.
func (w *TPSWarp) Fit(source, destination []r3.Vec, reg float64) error {
	n := len(source)
	if len(destination) != n {
		return fmt.Errorf("warp: got %d source and %d destination points", n, len(destination))
	}
	if n == 0 {
		return errors.New("warp: no points to fit")
	}

	l := mat.NewDense(n+4, n+4, nil)
	for i, s := range source {
		for j, d := range destination {
			l.Set(i, j, tpsKernel(r3.Norm2(r3.Sub(s, d))))
		}
		p := []float64{1, s.X, s.Y, s.Z}
		for k, v := range p {
			l.Set(i, n+k, v)
			l.Set(n+k, i, v)
		}
	}
	for i := 0; i < n+4; i++ {
		l.Set(i, i, l.At(i, i)+reg)
	}

	y := mat.NewDense(n+4, 3, nil)
	for i, d := range destination {
		y.SetRow(i, []float64{d.X, d.Y, d.Z})
	}

	weights, err := linalg.LstSq(l, y)
	if err != nil {
		return fmt.Errorf("warp: solving TPS system: %w", err)
	}
	w.destination = append([]r3.Vec(nil), destination...)
	w.weights = weights
	return nil
}

// Fitted reports whether Fit has succeeded.
func (w *TPSWarp) Fitted() bool {
	return w.weights != nil
}

// NumSplits is the number of chunks Transform uses for n query points.
func (w *TPSWarp) NumSplits(n int) int {
	limit := w.MaxChunkBytes
	if limit <= 0 {
		limit = DefaultMaxChunkBytes
	}
	return max(int(float64(n)*float64(len(w.destination))/(limit/8)), 1)
}

// Transform warps pts. An output coordinate of exactly zero means the
// model is broken and Transform panics with ErrDegenerateWarp.
func (w *TPSWarp) Transform(pts []r3.Vec) ([]r3.Vec, error) {
	if !w.Fitted() {
		return nil, ErrNotFitted
	}
	log.Info("Transforming points", "n", len(pts))
	out := make([]r3.Vec, len(pts))
	if len(pts) == 0 {
		return out, nil
	}

	nd := len(w.destination)
	splits := w.NumSplits(len(pts))
	for s := 0; s < splits; s++ {
		// same boundaries as splitting into nearly equal contiguous parts
		lo, hi := splitBounds(len(pts), splits, s)
		if lo == hi {
			continue
		}
		k := mat.NewDense(hi-lo, nd+4, nil)
		for i := lo; i < hi; i++ {
			p := pts[i]
			for j, d := range w.destination {
				k.Set(i-lo, j, tpsKernel(r3.Norm2(r3.Sub(p, d))))
			}
			k.Set(i-lo, nd, 1)
			k.Set(i-lo, nd+1, p.X)
			k.Set(i-lo, nd+2, p.Y)
			k.Set(i-lo, nd+3, p.Z)
		}
		var res mat.Dense
		res.Mul(k, w.weights)
		for i := lo; i < hi; i++ {
			out[i] = r3.Vec{X: res.At(i-lo, 0), Y: res.At(i-lo, 1), Z: res.At(i-lo, 2)}
			if out[i].X == 0 || out[i].Y == 0 || out[i].Z == 0 {
				panic(fmt.Errorf("%w at point %d", ErrDegenerateWarp, i))
			}
		}
	}
	return out, nil
}

// splitBounds returns the half-open range of part s when n items are split
// into parts pieces whose sizes differ by at most one.
func splitBounds(n, parts, s int) (lo, hi int) {
	size, extra := n/parts, n%parts
	lo = s*size + min(s, extra)
	hi = lo + size
	if s < extra {
		hi++
	}
	return lo, hi
}
