// Package models holds the plain data containers shared by the registration
// and transform packages.
package models

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Volume is a 3D image on a regular voxel grid.
type Volume struct {
	// Data holds the voxel values with x varying fastest:
	// index = k*nx*ny + j*nx + i
	Data []float64

	// Shape is the number of voxels along each axis
	Shape [3]int

	// Affine maps voxel indices to scanner RAS in millimetres
	Affine [4][4]float64
}

// NewVolume allocates a zero-filled volume.
func NewVolume(shape [3]int, affine [4][4]float64) *Volume {
	return &Volume{
		Data:   make([]float64, shape[0]*shape[1]*shape[2]),
		Shape:  shape,
		Affine: affine,
	}
}

// Validate checks that the data length matches the shape.
func (v *Volume) Validate() error {
	for i, n := range v.Shape {
		if n <= 0 {
			return fmt.Errorf("volume shape[%d] must be positive, got %d", i, n)
		}
	}
	if want := v.Shape[0] * v.Shape[1] * v.Shape[2]; len(v.Data) != want {
		return fmt.Errorf("volume data has %d values, shape %v needs %d", len(v.Data), v.Shape, want)
	}
	return nil
}

// Index returns the flat index of voxel (i, j, k).
func (v *Volume) Index(i, j, k int) int {
	return k*v.Shape[0]*v.Shape[1] + j*v.Shape[0] + i
}

// At returns the value at voxel (i, j, k).
func (v *Volume) At(i, j, k int) float64 {
	return v.Data[v.Index(i, j, k)]
}

// Set stores a value at voxel (i, j, k).
func (v *Volume) Set(i, j, k int, val float64) {
	v.Data[v.Index(i, j, k)] = val
}

// Contains reports whether (i, j, k) is inside the grid.
func (v *Volume) Contains(i, j, k int) bool {
	return i >= 0 && j >= 0 && k >= 0 && i < v.Shape[0] && j < v.Shape[1] && k < v.Shape[2]
}

// Zooms returns the voxel size along each axis, the column norms of the
// affine's linear block.
func (v *Volume) Zooms() [3]float64 {
	var z [3]float64
	for c := 0; c < 3; c++ {
		z[c] = math.Sqrt(v.Affine[0][c]*v.Affine[0][c] + v.Affine[1][c]*v.Affine[1][c] + v.Affine[2][c]*v.Affine[2][c])
	}
	return z
}

// Vox2RAS is the voxel to scanner RAS affine.
func (v *Volume) Vox2RAS() [4][4]float64 {
	return v.Affine
}

// Vox2RASTkr is the voxel to FreeSurfer surface RAS ("tkr") affine. It
// depends only on the shape and zooms and centres the grid on the origin.
func (v *Volume) Vox2RASTkr() [4][4]float64 {
	ds := v.Zooms()
	var ns [3]float64
	for i := range ns {
		ns[i] = float64(v.Shape[i]) * ds[i] / 2
	}
	return [4][4]float64{
		{-ds[0], 0, 0, ns[0]},
		{0, 0, ds[2], -ns[2]},
		{0, -ds[1], 0, ns[1]},
		{0, 0, 0, 1},
	}
}

// Copy returns a deep copy.
func (v *Volume) Copy() *Volume {
	out := *v
	out.Data = append([]float64(nil), v.Data...)
	return &out
}

// Max returns the largest voxel value, or 0 for an empty volume.
func (v *Volume) Max() float64 {
	if len(v.Data) == 0 {
		return 0
	}
	return floats.Max(v.Data)
}
