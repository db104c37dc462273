package transforms

import (
	"errors"
	"fmt"

	"neurocoreg/pkg/frames"
)

var (
	// ErrSingular is returned when a transform matrix cannot be inverted.
	ErrSingular = errors.New("transforms: singular matrix")

	// ErrNotRotation is returned when a 3x3 matrix is not a proper rotation.
	ErrNotRotation = errors.New("transforms: matrix is not a pure rotation")
)

// ShapeError reports a matrix of the wrong shape.
type ShapeError struct {
	Rows, Cols int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("transformation must be shape (4, 4) not (%d, %d)", e.Rows, e.Cols)
}

// FrameMismatchError is returned by Combine when the frames of the two
// transforms do not chain, or do not match the requested endpoints.
type FrameMismatchError struct {
	// Kind is one of "From", "Transform" or "To".
	Kind string
	Got  frames.Frame
	Want frames.Frame
}

func (e *FrameMismatchError) Error() string {
	switch e.Kind {
	case "Transform":
		return fmt.Sprintf("Transform mismatch: first[\"to\"] = %d (%s), second[\"from\"] = %d (%s)",
			int(e.Got), e.Got, int(e.Want), e.Want)
	default:
		return fmt.Sprintf("%s mismatch: got %d (%s) != %d (%s)",
			e.Kind, int(e.Got), e.Got, int(e.Want), e.Want)
	}
}
