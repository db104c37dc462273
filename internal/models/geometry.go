package models

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"neurocoreg/pkg/frames"
)

// Fiducials are the anatomical landmarks defining the head frame.
type Fiducials struct {
	Nasion, LPA, RPA r3.Vec
}

// Montage is a set of named sensor or electrode positions in metres.
type Montage struct {
	Names     []string
	Positions []r3.Vec
	Frame     frames.Frame

	// Fiducials share Frame; nil when unknown
	Fiducials *Fiducials
}

// Validate checks that names and positions line up.
func (m *Montage) Validate() error {
	if len(m.Names) != len(m.Positions) {
		return fmt.Errorf("montage has %d names but %d positions", len(m.Names), len(m.Positions))
	}
	return nil
}

// Copy returns a deep copy.
func (m *Montage) Copy() *Montage {
	out := &Montage{
		Names:     append([]string(nil), m.Names...),
		Positions: append([]r3.Vec(nil), m.Positions...),
		Frame:     m.Frame,
	}
	if m.Fiducials != nil {
		f := *m.Fiducials
		out.Fiducials = &f
	}
	return out
}

// Surface is a point cloud with optional unit normals in some frame.
type Surface struct {
	Frame frames.Frame
	RR    []r3.Vec
	NN    []r3.Vec
}

// Copy returns a deep copy.
func (s Surface) Copy() Surface {
	out := Surface{Frame: s.Frame, RR: append([]r3.Vec(nil), s.RR...)}
	if s.NN != nil {
		out.NN = append([]r3.Vec(nil), s.NN...)
	}
	return out
}

// Slice is a 2D cut through a volume.
type Slice struct {
	// Axis is "x", "y" or "z"
	Axis string

	// Index is the voxel position along Axis
	Index int

	// Width and Height are the 2D dimensions
	Width, Height int

	// Data holds the slice values with the first dimension varying fastest
	Data []float64
}
