// Package interpolation warps 3D points through a displacement field
// defined by matched point pairs.
package interpolation

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"

	"neurocoreg/internal/log"
	"neurocoreg/pkg/fit"
	"neurocoreg/pkg/transforms"
)

// ErrNonFinite is returned when a query maps outside the padded hull or
// otherwise produces a non-finite coordinate.
var ErrNonFinite = errors.New("interpolation: non-finite displacement")

// MatchedDisplacementField maps points from one space into another using a
// similarity prealignment followed by a piecewise-linear residual field.
type MatchedDisplacementField struct {
	affine  transforms.Affine
	fit     fit.Result
	extrema r3.Box
	interp  *Linear

	mu     sync.Mutex
	deltas []float64
}

// NewMatchedDisplacementField fits the field taking from[i] to to[i]. When
// extrema is nil the padding box extends half the destination extent beyond
// the prealigned sources on every axis.
func NewMatchedDisplacementField(from, to []r3.Vec, extrema *r3.Box) (*MatchedDisplacementField, error) {
	if len(from) != len(to) {
		return nil, fmt.Errorf("interpolation: from has %d points but to has %d", len(from), len(to))
	}
	if len(from) == 0 {
		return nil, ErrTooFewPoints
	}

	res, err := fit.MatchedPoints(from, to, nil, true)
	if err != nil {
		return nil, fmt.Errorf("interpolation: prealignment failed: %w", err)
	}
	aff := res.Affine()
	aligned := transforms.Apply(aff, from, true)

	var box r3.Box
	if extrema == nil {
		tlo, thi := bounds(to)
		delta := r3.Scale(0.5, r3.Sub(thi, tlo))
		if delta.X <= 0 || delta.Y <= 0 || delta.Z <= 0 {
			return nil, fmt.Errorf("interpolation: destination points span no volume (half extent %v)", delta)
		}
		flo, fhi := bounds(aligned)
		box = r3.Box{Min: r3.Sub(flo, delta), Max: r3.Add(fhi, delta)}
	} else {
		box = *extrema
		if box.Max.X <= box.Min.X || box.Max.Y <= box.Min.Y || box.Max.Z <= box.Min.Z {
			return nil, fmt.Errorf("interpolation: extrema %v do not enclose a volume", box)
		}
	}

	corners := boxCorners(box)
	src := append(append(make([]r3.Vec, 0, len(aligned)+8), aligned...), corners...)
	dst := append(append(make([]r3.Vec, 0, len(to)+8), to...), corners...)
	lin, err := NewLinear(src, dst)
	if err != nil {
		return nil, err
	}
	log.Debug("displacement field ready",
		"points", len(from), "cells", lin.Triangulation().Len(), "scale", res.Scale)

	return &MatchedDisplacementField{affine: aff, fit: res, extrema: box, interp: lin}, nil
}

// Affine returns the similarity prealignment.
func (f *MatchedDisplacementField) Affine() transforms.Affine { return f.affine }

// Scale returns the uniform scale of the prealignment.
func (f *MatchedDisplacementField) Scale() float64 { return f.fit.Scale }

// Extrema returns the padding box.
func (f *MatchedDisplacementField) Extrema() r3.Box { return f.extrema }

// Interpolate maps every point through the field.
func (f *MatchedDisplacementField) Interpolate(pts []r3.Vec) ([]r3.Vec, error) {
	for i, p := range pts {
		if !finite(p) {
			return nil, fmt.Errorf("interpolation: input point %d is not finite", i)
		}
	}
	aligned := transforms.Apply(f.affine, pts, true)
	out := make([]r3.Vec, len(aligned))
	deltas := make([]float64, len(aligned))
	for i, x := range aligned {
		if !finite(x) {
			return nil, fmt.Errorf("%w: prealigned point %d", ErrNonFinite, i)
		}
		y := f.interp.At(x)
		if !finite(y) {
			return nil, fmt.Errorf("%w: point %d", ErrNonFinite, i)
		}
		out[i] = y
		deltas[i] = r3.Norm(r3.Sub(x, y))
	}

	f.mu.Lock()
	f.deltas = deltas
	f.mu.Unlock()
	return out, nil
}

// InterpolatePoint maps a single point.
func (f *MatchedDisplacementField) InterpolatePoint(p r3.Vec) (r3.Vec, error) {
	out, err := f.Interpolate([]r3.Vec{p})
	if err != nil {
		return r3.Vec{}, err
	}
	return out[0], nil
}

// LastDeltas returns the displacement magnitude of each point of the most
// recent Interpolate call, measured after prealignment.
func (f *MatchedDisplacementField) LastDeltas() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.deltas...)
}

func bounds(pts []r3.Vec) (lo, hi r3.Vec) {
	inf := math.Inf(1)
	lo = r3.Vec{X: inf, Y: inf, Z: inf}
	hi = r3.Scale(-1, lo)
	for _, p := range pts {
		lo = r3.Vec{X: math.Min(lo.X, p.X), Y: math.Min(lo.Y, p.Y), Z: math.Min(lo.Z, p.Z)}
		hi = r3.Vec{X: math.Max(hi.X, p.X), Y: math.Max(hi.Y, p.Y), Z: math.Max(hi.Z, p.Z)}
	}
	return lo, hi
}

func boxCorners(b r3.Box) []r3.Vec {
	out := make([]r3.Vec, 0, 8)
	for _, x := range []float64{b.Min.X, b.Max.X} {
		for _, y := range []float64{b.Min.Y, b.Max.Y} {
			for _, z := range []float64{b.Min.Z, b.Max.Z} {
				out = append(out, r3.Vec{X: x, Y: y, Z: z})
			}
		}
	}
	return out
}
