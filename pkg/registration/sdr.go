package registration

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"

	"neurocoreg/internal/log"
	"neurocoreg/internal/models"
	"neurocoreg/pkg/transforms"
)

// DiffeoRegistrar optimises the SDR stage. moving has already been
// resampled onto the static grid.
type DiffeoRegistrar interface {
	RegisterDiffeo(ctx context.Context, moving, static *models.Volume, niter []int) (*DiffeomorphicMap, error)
}

// DiffeomorphicMap is a dense non-linear warp defined on a voxel grid.
// Forward displaces static-side world points onto the moving side and
// Backward is its inverse. Both hold millimetre offsets, one per voxel in
// Volume order.
type DiffeomorphicMap struct {
	Shape    [3]int
	Affine   transforms.Affine
	Forward  []r3.Vec
	Backward []r3.Vec

	world2grid transforms.Affine
}

// NewDiffeomorphicMap wraps precomputed fields.
func NewDiffeomorphicMap(shape [3]int, affine transforms.Affine, forward, backward []r3.Vec) (*DiffeomorphicMap, error) {
	n := shape[0] * shape[1] * shape[2]
	if len(forward) != n || len(backward) != n {
		return nil, errors.Errorf("fields need %d vectors, got %d forward and %d backward", n, len(forward), len(backward))
	}
	inv, err := affine.Inverse()
	if err != nil {
		return nil, errors.Wrap(err, "domain affine")
	}
	return &DiffeomorphicMap{Shape: shape, Affine: affine, Forward: forward, Backward: backward, world2grid: inv}, nil
}

// IdentityMap returns a map with zero displacement everywhere.
func IdentityMap(shape [3]int, affine transforms.Affine) (*DiffeomorphicMap, error) {
	n := shape[0] * shape[1] * shape[2]
	return NewDiffeomorphicMap(shape, affine, make([]r3.Vec, n), make([]r3.Vec, n))
}

func (d *DiffeomorphicMap) displacement(field []r3.Vec, w r3.Vec) r3.Vec {
	p := transforms.ApplyPoint(d.world2grid, w, true)
	return sampleField(field, d.Shape, p)
}

// TransformPoints maps moving-side world points to the static side.
func (d *DiffeomorphicMap) TransformPoints(pts []r3.Vec) []r3.Vec {
	out := make([]r3.Vec, len(pts))
	for i, p := range pts {
		out[i] = r3.Add(p, d.displacement(d.Backward, p))
	}
	return out
}

// TransformPointsInverse maps static-side world points to the moving side.
func (d *DiffeomorphicMap) TransformPointsInverse(pts []r3.Vec) []r3.Vec {
	out := make([]r3.Vec, len(pts))
	for i, p := range pts {
		out[i] = r3.Add(p, d.displacement(d.Forward, p))
	}
	return out
}

// Transform warps img, which must live in the map's world space, and
// returns the result on img's own grid.
func (d *DiffeomorphicMap) Transform(img *models.Volume, in Interp) (*models.Volume, error) {
	grid := transforms.Affine(img.Affine)
	inv, err := grid.Inverse()
	if err != nil {
		return nil, errors.Wrap(err, "image affine")
	}
	out := models.NewVolume(img.Shape, img.Affine)
	forEachSlab(img.Shape[2], func(k0, k1 int) {
		for k := k0; k < k1; k++ {
			for j := 0; j < img.Shape[1]; j++ {
				for i := 0; i < img.Shape[0]; i++ {
					w := transforms.ApplyPoint(grid, r3.Vec{X: float64(i), Y: float64(j), Z: float64(k)}, true)
					w = r3.Add(w, d.displacement(d.Forward, w))
					out.Set(i, j, k, sample(img, transforms.ApplyPoint(inv, w, true), in))
				}
			}
		}
	})
	return out, nil
}

// sampleField trilinearly samples a vector field at voxel position p,
// treating neighbours outside the grid as zero.
func sampleField(field []r3.Vec, shape [3]int, p r3.Vec) r3.Vec {
	if !(p.X > -1 && p.Y > -1 && p.Z > -1 && p.X < float64(shape[0]) && p.Y < float64(shape[1]) && p.Z < float64(shape[2])) {
		return r3.Vec{}
	}
	i0, j0, k0 := int(math.Floor(p.X)), int(math.Floor(p.Y)), int(math.Floor(p.Z))
	f := [3]float64{p.X - float64(i0), p.Y - float64(j0), p.Z - float64(k0)}
	var out r3.Vec
	for c := 0; c < 8; c++ {
		di, dj, dk := c&1, (c>>1)&1, (c>>2)&1
		i, j, k := i0+di, j0+dj, k0+dk
		if i < 0 || j < 0 || k < 0 || i >= shape[0] || j >= shape[1] || k >= shape[2] {
			continue
		}
		w := 1.0
		for a, bit := range [3]int{di, dj, dk} {
			if bit == 1 {
				w *= f[a]
			} else {
				w *= 1 - f[a]
			}
		}
		if w != 0 {
			out = r3.Add(out, r3.Scale(w, field[k*shape[0]*shape[1]+j*shape[0]+i]))
		}
	}
	return out
}

// DemonsRegistrar is a symmetric-gradient demons optimiser with Gaussian
// regularisation of the displacement field.
type DemonsRegistrar struct {
	// Factors are the subsampling factors, coarsest first
	Factors []int

	// SigmaDiffMM is the regularisation width in millimetres
	SigmaDiffMM float64

	// MaxStep caps the per-iteration update in voxels
	MaxStep float64

	// InverseIters is the number of fixed-point iterations used to invert
	// the forward field
	InverseIters int
}

// NewDemonsRegistrar returns a registrar with factors 4-2-1 and 2 mm
// regularisation.
func NewDemonsRegistrar() *DemonsRegistrar {
	return &DemonsRegistrar{
		Factors:      []int{4, 2, 1},
		SigmaDiffMM:  2,
		MaxStep:      0.5,
		InverseIters: 20,
	}
}

// RegisterDiffeo implements DiffeoRegistrar.
func (r *DemonsRegistrar) RegisterDiffeo(ctx context.Context, moving, static *models.Volume, niter []int) (*DiffeomorphicMap, error) {
	if moving.Shape != static.Shape {
		return nil, errors.Errorf("moving shape %v does not match static shape %v", moving.Shape, static.Shape)
	}
	if len(niter) < 1 || len(niter) > len(r.Factors) {
		return nil, errors.Errorf("cannot run %d levels with factors %v", len(niter), r.Factors)
	}
	factors := r.Factors[len(r.Factors)-len(niter):]

	var u []r3.Vec
	var prevShape [3]int
	prevFactor := 0
	for li, iters := range niter {
		f := factors[li]
		sigma := 0.0
		if f > 1 {
			sigma = 0.5 * float64(f) * mean3(static.Zooms())
		}
		s := pyramidLevel(static, f, sigma)
		m := pyramidLevel(moving, f, sigma)
		if u == nil {
			u = make([]r3.Vec, len(s.Data))
		} else {
			u = upsampleField(u, prevShape, s.Shape, float64(prevFactor)/float64(f))
		}
		sigmaVox := r.SigmaDiffMM / mean3(s.Zooms())

		for it := 0; it < iters; it++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			energy := r.iterate(s, m, u, sigmaVox)
			if it == iters-1 {
				log.Debug("demons level done", "factor", f, "iterations", iters, "energy", energy)
			}
		}
		prevShape, prevFactor = s.Shape, f
	}

	back := invertField(u, static.Shape, r.InverseIters)
	lin := transforms.Affine(static.Affine)
	toMM := func(field []r3.Vec) []r3.Vec {
		out := make([]r3.Vec, len(field))
		for i, v := range field {
			out[i] = transforms.ApplyPoint(lin, v, false)
		}
		return out
	}
	return NewDiffeomorphicMap(static.Shape, lin, toMM(u), toMM(back))
}

// iterate performs one demons update of u in place and returns the mean
// squared intensity difference before the update.
func (r *DemonsRegistrar) iterate(s, m *models.Volume, u []r3.Vec, sigmaVox float64) float64 {
	shape := s.Shape
	warped := models.NewVolume(shape, s.Affine)
	for k := 0; k < shape[2]; k++ {
		for j := 0; j < shape[1]; j++ {
			for i := 0; i < shape[0]; i++ {
				idx := s.Index(i, j, k)
				p := r3.Add(r3.Vec{X: float64(i), Y: float64(j), Z: float64(k)}, u[idx])
				warped.Data[idx] = sample(m, p, Linear)
			}
		}
	}

	var energy float64
	for k := 0; k < shape[2]; k++ {
		for j := 0; j < shape[1]; j++ {
			for i := 0; i < shape[0]; i++ {
				idx := s.Index(i, j, k)
				diff := warped.Data[idx] - s.Data[idx]
				energy += diff * diff
				g := r3.Scale(0.5, r3.Add(gradient(s, i, j, k), gradient(warped, i, j, k)))
				den := r3.Norm2(g) + diff*diff
				if den < 1e-12 {
					continue
				}
				du := r3.Scale(-diff/den, g)
				if n := r3.Norm(du); n > r.MaxStep {
					du = r3.Scale(r.MaxStep/n, du)
				}
				u[idx] = r3.Add(u[idx], du)
			}
		}
	}
	smoothField(u, shape, sigmaVox)
	return energy / float64(len(s.Data))
}

func gradient(v *models.Volume, i, j, k int) r3.Vec {
	d := func(a, b float64, span int) float64 {
		if span == 0 {
			return 0
		}
		return (b - a) / float64(span)
	}
	at := func(i, j, k int) float64 { return v.At(i, j, k) }
	clamp := func(x, n int) int {
		if x < 0 {
			return 0
		}
		if x >= n {
			return n - 1
		}
		return x
	}
	n := v.Shape
	ip, im := clamp(i+1, n[0]), clamp(i-1, n[0])
	jp, jm := clamp(j+1, n[1]), clamp(j-1, n[1])
	kp, km := clamp(k+1, n[2]), clamp(k-1, n[2])
	return r3.Vec{
		X: d(at(im, j, k), at(ip, j, k), ip-im),
		Y: d(at(i, jm, k), at(i, jp, k), jp-jm),
		Z: d(at(i, j, km), at(i, j, kp), kp-km),
	}
}

func smoothField(u []r3.Vec, shape [3]int, sigma float64) {
	if sigma <= 0 {
		return
	}
	comp := make([]float64, len(u))
	for c := 0; c < 3; c++ {
		for i, v := range u {
			comp[i] = [3]float64{v.X, v.Y, v.Z}[c]
		}
		sm := comp
		for a := 0; a < 3; a++ {
			sm = smoothAxis(sm, shape, a, sigma)
		}
		for i := range u {
			switch c {
			case 0:
				u[i].X = sm[i]
			case 1:
				u[i].Y = sm[i]
			default:
				u[i].Z = sm[i]
			}
		}
	}
}

// upsampleField carries a voxel-unit field to a finer grid whose spacing is
// 1/ratio of the coarse one.
func upsampleField(u []r3.Vec, from, to [3]int, ratio float64) []r3.Vec {
	out := make([]r3.Vec, to[0]*to[1]*to[2])
	for k := 0; k < to[2]; k++ {
		for j := 0; j < to[1]; j++ {
			for i := 0; i < to[0]; i++ {
				p := r3.Scale(1/ratio, r3.Vec{X: float64(i), Y: float64(j), Z: float64(k)})
				out[k*to[0]*to[1]+j*to[0]+i] = r3.Scale(ratio, sampleField(u, from, p))
			}
		}
	}
	return out
}

// invertField solves b(y) = -u(y + b(y)) by fixed-point iteration.
func invertField(u []r3.Vec, shape [3]int, iters int) []r3.Vec {
	b := make([]r3.Vec, len(u))
	for i, v := range u {
		b[i] = r3.Scale(-1, v)
	}
	next := make([]r3.Vec, len(u))
	for it := 0; it < iters; it++ {
		for k := 0; k < shape[2]; k++ {
			for j := 0; j < shape[1]; j++ {
				for i := 0; i < shape[0]; i++ {
					idx := k*shape[0]*shape[1] + j*shape[0] + i
					p := r3.Add(r3.Vec{X: float64(i), Y: float64(j), Z: float64(k)}, b[idx])
					next[idx] = r3.Scale(-1, sampleField(u, shape, p))
				}
			}
		}
		b, next = next, b
	}
	return b
}

func mean3(z [3]float64) float64 { return (z[0] + z[1] + z[2]) / 3 }
