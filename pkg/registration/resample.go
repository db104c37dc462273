package registration

import (
	"math"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"

	"neurocoreg/internal/models"
	"neurocoreg/pkg/transforms"
)

// Interp selects how voxels are sampled between grid points.
type Interp int

const (
	Linear Interp = iota
	Nearest
)

// ParseInterp maps "linear" and "nearest" to an Interp.
func ParseInterp(s string) (Interp, error) {
	switch s {
	case "linear":
		return Linear, nil
	case "nearest":
		return Nearest, nil
	}
	return Linear, errors.Errorf("interpolation must be \"linear\" or \"nearest\", got %q", s)
}

func (in Interp) String() string {
	if in == Nearest {
		return "nearest"
	}
	return "linear"
}

// sample reads v at the continuous voxel coordinate p. Neighbours outside
// the grid contribute zero and points further than one voxel outside
// return zero.
func sample(v *models.Volume, p r3.Vec, in Interp) float64 {
	nx, ny, nz := v.Shape[0], v.Shape[1], v.Shape[2]
	if !(p.X > -1 && p.Y > -1 && p.Z > -1 && p.X < float64(nx) && p.Y < float64(ny) && p.Z < float64(nz)) {
		return 0
	}
	if in == Nearest {
		i, j, k := int(math.Round(p.X)), int(math.Round(p.Y)), int(math.Round(p.Z))
		if !v.Contains(i, j, k) {
			return 0
		}
		return v.At(i, j, k)
	}

	i0, j0, k0 := int(math.Floor(p.X)), int(math.Floor(p.Y)), int(math.Floor(p.Z))
	fx, fy, fz := p.X-float64(i0), p.Y-float64(j0), p.Z-float64(k0)
	var out float64
	for dk := 0; dk < 2; dk++ {
		wz := fz
		if dk == 0 {
			wz = 1 - fz
		}
		for dj := 0; dj < 2; dj++ {
			wy := fy
			if dj == 0 {
				wy = 1 - fy
			}
			for di := 0; di < 2; di++ {
				wx := fx
				if di == 0 {
					wx = 1 - fx
				}
				if w := wx * wy * wz; w != 0 && v.Contains(i0+di, j0+dj, k0+dk) {
					out += w * v.At(i0+di, j0+dj, k0+dk)
				}
			}
		}
	}
	return out
}

// forEachSlab runs fn over [0, n) split into contiguous ranges, one per CPU.
func forEachSlab(n int, fn func(k0, k1 int)) {
	workers := runtime.NumCPU()
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		fn(0, n)
		return
	}
	step := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for k0 := 0; k0 < n; k0 += step {
		k1 := k0 + step
		if k1 > n {
			k1 = n
		}
		wg.Add(1)
		go func(k0, k1 int) {
			defer wg.Done()
			fn(k0, k1)
		}(k0, k1)
	}
	wg.Wait()
}

// resampleAffine samples src on the grid (shape, grid) where m maps grid
// world coordinates to src world coordinates.
func resampleAffine(src *models.Volume, shape [3]int, grid, m transforms.Affine, in Interp) (*models.Volume, error) {
	srcInv, err := transforms.Affine(src.Affine).Inverse()
	if err != nil {
		return nil, errors.Wrap(err, "moving affine")
	}
	vox2vox := srcInv.Mul(m).Mul(grid)
	out := models.NewVolume(shape, grid)
	forEachSlab(shape[2], func(k0, k1 int) {
		for k := k0; k < k1; k++ {
			for j := 0; j < shape[1]; j++ {
				for i := 0; i < shape[0]; i++ {
					p := transforms.ApplyPoint(vox2vox, r3.Vec{X: float64(i), Y: float64(j), Z: float64(k)}, true)
					out.Set(i, j, k, sample(src, p, in))
				}
			}
		}
	})
	return out, nil
}

// overlapMask marks the grid voxels that m maps inside src, where every
// trilinear neighbour is a real voxel.
func overlapMask(src *models.Volume, shape [3]int, grid, m transforms.Affine) ([]bool, error) {
	srcInv, err := transforms.Affine(src.Affine).Inverse()
	if err != nil {
		return nil, errors.Wrap(err, "moving affine")
	}
	vox2vox := srcInv.Mul(m).Mul(grid)
	hi := r3.Vec{X: float64(src.Shape[0] - 1), Y: float64(src.Shape[1] - 1), Z: float64(src.Shape[2] - 1)}
	mask := make([]bool, shape[0]*shape[1]*shape[2])
	forEachSlab(shape[2], func(k0, k1 int) {
		for k := k0; k < k1; k++ {
			for j := 0; j < shape[1]; j++ {
				for i := 0; i < shape[0]; i++ {
					p := transforms.ApplyPoint(vox2vox, r3.Vec{X: float64(i), Y: float64(j), Z: float64(k)}, true)
					mask[k*shape[0]*shape[1]+j*shape[0]+i] = p.X >= 0 && p.Y >= 0 && p.Z >= 0 &&
						p.X <= hi.X && p.Y <= hi.Y && p.Z <= hi.Z
				}
			}
		}
	})
	return mask, nil
}

// Reslice resamples v to the given voxel sizes, keeping the position of
// voxel (0, 0, 0).
func Reslice(v *models.Volume, zooms [3]float64) (*models.Volume, error) {
	old := v.Zooms()
	var shape [3]int
	var ratio [3]float64
	for a := 0; a < 3; a++ {
		if zooms[a] <= 0 || old[a] <= 0 {
			return nil, errors.Errorf("cannot reslice axis %d from %g to %g mm", a, old[a], zooms[a])
		}
		ratio[a] = zooms[a] / old[a]
		shape[a] = int(math.Max(math.Round(float64(v.Shape[a])/ratio[a]), 1))
	}
	aff := transforms.Affine(v.Affine).Mul(transforms.Scaling(ratio[0], ratio[1], ratio[2]))
	return resampleAffine(v, shape, aff, transforms.Eye(), Linear)
}

// Normalize scales v in place so its maximum is one. Volumes whose maximum
// is zero are left untouched.
func Normalize(v *models.Volume) {
	mx := v.Max()
	if mx == 0 {
		return
	}
	for i := range v.Data {
		v.Data[i] /= mx
	}
}

// resliceNormalize returns a normalised copy of v, resliced when zooms is set.
func resliceNormalize(v *models.Volume, zooms *[3]float64) (*models.Volume, error) {
	out := v.Copy()
	if zooms != nil {
		var err error
		if out, err = Reslice(v, *zooms); err != nil {
			return nil, err
		}
	}
	Normalize(out)
	return out, nil
}

// gaussianKernel returns a normalised kernel truncated at four sigma.
func gaussianKernel(sigma float64) []float64 {
	radius := int(math.Ceil(4 * sigma))
	k := make([]float64, 2*radius+1)
	var sum float64
	for i := range k {
		x := float64(i - radius)
		k[i] = math.Exp(-x * x / (2 * sigma * sigma))
		sum += k[i]
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

// smoothAxis convolves data (laid out like a Volume of the given shape)
// along one axis with edge clamping.
func smoothAxis(data []float64, shape [3]int, axis int, sigma float64) []float64 {
	if sigma <= 0 {
		return data
	}
	kern := gaussianKernel(sigma)
	radius := len(kern) / 2
	stride := [3]int{1, shape[0], shape[0] * shape[1]}
	n := shape[axis]
	out := make([]float64, len(data))
	for idx := range data {
		pos := (idx / stride[axis]) % n
		base := idx - pos*stride[axis]
		var acc float64
		for t, w := range kern {
			q := pos + t - radius
			if q < 0 {
				q = 0
			} else if q >= n {
				q = n - 1
			}
			acc += w * data[base+q*stride[axis]]
		}
		out[idx] = acc
	}
	return out
}

// smooth applies a separable Gaussian with per-axis sigma in voxels.
func smooth(v *models.Volume, sigma [3]float64) *models.Volume {
	out := v.Copy()
	for a := 0; a < 3; a++ {
		out.Data = smoothAxis(out.Data, out.Shape, a, sigma[a])
	}
	return out
}

// shrink keeps every factor-th voxel along each axis.
func shrink(v *models.Volume, factor int) *models.Volume {
	if factor <= 1 {
		return v
	}
	var shape [3]int
	for a := range shape {
		shape[a] = (v.Shape[a]-1)/factor + 1
	}
	f := float64(factor)
	out := models.NewVolume(shape, transforms.Affine(v.Affine).Mul(transforms.Scaling(f, f, f)))
	for k := 0; k < shape[2]; k++ {
		for j := 0; j < shape[1]; j++ {
			for i := 0; i < shape[0]; i++ {
				out.Set(i, j, k, v.At(i*factor, j*factor, k*factor))
			}
		}
	}
	return out
}

// pyramidLevel smooths by sigmaMM and subsamples by factor.
func pyramidLevel(v *models.Volume, factor int, sigmaMM float64) *models.Volume {
	z := v.Zooms()
	var sig [3]float64
	for a := range sig {
		sig[a] = sigmaMM / z[a]
	}
	return shrink(smooth(v, sig), factor)
}

// centerOfMass returns the intensity-weighted centre of v in world mm.
func centerOfMass(v *models.Volume) r3.Vec {
	var c r3.Vec
	var total float64
	for k := 0; k < v.Shape[2]; k++ {
		for j := 0; j < v.Shape[1]; j++ {
			for i := 0; i < v.Shape[0]; i++ {
				w := v.At(i, j, k)
				total += w
				c = r3.Add(c, r3.Scale(w, r3.Vec{X: float64(i), Y: float64(j), Z: float64(k)}))
			}
		}
	}
	if total == 0 {
		c = r3.Scale(0.5, r3.Vec{X: float64(v.Shape[0] - 1), Y: float64(v.Shape[1] - 1), Z: float64(v.Shape[2] - 1)})
	} else {
		c = r3.Scale(1/total, c)
	}
	return transforms.ApplyPoint(transforms.Affine(v.Affine), c, true)
}

// gridCenter returns the world position of the middle of v's grid.
func gridCenter(v *models.Volume) r3.Vec {
	c := r3.Scale(0.5, r3.Vec{X: float64(v.Shape[0] - 1), Y: float64(v.Shape[1] - 1), Z: float64(v.Shape[2] - 1)})
	return transforms.ApplyPoint(transforms.Affine(v.Affine), c, true)
}
