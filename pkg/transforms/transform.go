// Package transforms implements rigid, similarity and affine coordinate
// transforms between named coordinate frames, plus the rotation and
// quaternion helpers they are built from.
package transforms

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"neurocoreg/pkg/frames"
)

// Affine is a 4x4 homogeneous matrix. The bottom row is assumed to be [0 0 0 1].
type Affine [4][4]float64

// Matrixer is anything that carries a 4x4 matrix: a raw Affine or a Transform.
type Matrixer interface {
	Mat4() Affine
}

// Eye returns the 4x4 identity.
func Eye() Affine {
	return Affine{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1}}
}

// Mat4 implements Matrixer.
func (a Affine) Mat4() Affine { return a }

// Mul returns a·b, that is b applied first and then a.
func (a Affine) Mul(b Affine) Affine {
	var out Affine
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var s float64
			for k := 0; k < 4; k++ {
				s += a[i][k] * b[k][j]
			}
			out[i][j] = s
		}
	}
	return out
}

// Inverse returns the full inverse of a, including any scaling or shear.
func (a Affine) Inverse() (Affine, error) {
	var inv mat.Dense
	if err := inv.Inverse(a.Dense()); err != nil {
		return Affine{}, fmt.Errorf("%w: %v", ErrSingular, err)
	}
	return AffineFromDense(&inv), nil
}

// Dense copies a into a new gonum matrix.
func (a Affine) Dense() *mat.Dense {
	d := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			d.Set(i, j, a[i][j])
		}
	}
	return d
}

// AffineFromDense copies a 4x4 gonum matrix. It panics on other shapes.
func AffineFromDense(m mat.Matrix) Affine {
	var a Affine
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			a[i][j] = m.At(i, j)
		}
	}
	return a
}

// Rot returns the top-left 3x3 block.
func (a Affine) Rot() [3][3]float64 {
	var r [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = a[i][j]
		}
	}
	return r
}

// Trans returns the translation column.
func (a Affine) Trans() r3.Vec {
	return r3.Vec{X: a[0][3], Y: a[1][3], Z: a[2][3]}
}

// ComposeAffine builds an affine from a 3x3 block and a translation.
func ComposeAffine(r [3][3]float64, t r3.Vec) Affine {
	a := Eye()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			a[i][j] = r[i][j]
		}
	}
	a[0][3], a[1][3], a[2][3] = t.X, t.Y, t.Z
	return a
}

// Transform maps points from one coordinate frame to another.
type Transform struct {
	From   frames.Frame
	To     frames.Frame
	Matrix Affine
}

// New builds a transform, resolving frames given by name or code.
// A nil matrix gives the identity.
func New(from, to any, m mat.Matrix) (Transform, error) {
	f, err := frames.ToCode(from)
	if err != nil {
		return Transform{}, err
	}
	tt, err := frames.ToCode(to)
	if err != nil {
		return Transform{}, err
	}
	if m == nil {
		return Identity(f, tt), nil
	}
	if r, c := m.Dims(); r != 4 || c != 4 {
		return Transform{}, &ShapeError{Rows: r, Cols: c}
	}
	return Transform{From: f, To: tt, Matrix: AffineFromDense(m)}, nil
}

// Identity is the identity transform between two frames.
func Identity(from, to frames.Frame) Transform {
	return Transform{From: from, To: to, Matrix: Eye()}
}

// FromAffine wraps a raw matrix.
func FromAffine(from, to frames.Frame, a Affine) Transform {
	return Transform{From: from, To: to, Matrix: a}
}

// Mat4 implements Matrixer.
func (t Transform) Mat4() Affine { return t.Matrix }

// FromStr is the display name of the source frame.
func (t Transform) FromStr() string { return t.From.String() }

// ToStr is the display name of the destination frame.
func (t Transform) ToStr() string { return t.To.String() }

// Equal reports whether both frames match and every matrix element satisfies
// |a-b| <= atol + rtol*|b|.
func (t Transform) Equal(other Transform, rtol, atol float64) bool {
	if t.From != other.From || t.To != other.To {
		return false
	}
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			a, b := t.Matrix[i][j], other.Matrix[i][j]
			if math.Abs(a-b) > atol+rtol*math.Abs(b) {
				return false
			}
		}
	}
	return true
}

func (t Transform) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "<Transform | %s->%s>", t.FromStr(), t.ToStr())
	for _, row := range t.Matrix {
		fmt.Fprintf(&b, "\n[% .8f % .8f % .8f % .8f]", row[0], row[1], row[2], row[3])
	}
	return b.String()
}

// Inverse returns the transform in the opposite direction.
func (t Transform) Inverse() (Transform, error) {
	return Invert(t)
}

// Invert swaps the frames and inverts the matrix.
func Invert(t Transform) (Transform, error) {
	inv, err := t.Matrix.Inverse()
	if err != nil {
		return Transform{}, fmt.Errorf("inverting %s->%s: %w", t.From.Name(), t.To.Name(), err)
	}
	return Transform{From: t.To, To: t.From, Matrix: inv}, nil
}

// ApplyPoint maps a single point. The translation is skipped when move is false,
// which is how directions and normals are transformed.
func ApplyPoint(m Matrixer, p r3.Vec, move bool) r3.Vec {
	a := m.Mat4()
	out := r3.Vec{
		X: a[0][0]*p.X + a[0][1]*p.Y + a[0][2]*p.Z,
		Y: a[1][0]*p.X + a[1][1]*p.Y + a[1][2]*p.Z,
		Z: a[2][0]*p.X + a[2][1]*p.Y + a[2][2]*p.Z,
	}
	if move {
		out.X += a[0][3]
		out.Y += a[1][3]
		out.Z += a[2][3]
	}
	return out
}

// Apply maps every point through m and returns a new slice.
func Apply(m Matrixer, pts []r3.Vec, move bool) []r3.Vec {
	out := make([]r3.Vec, len(pts))
	if len(pts) == 0 {
		return out
	}
	a := m.Mat4()
	for i, p := range pts {
		out[i] = ApplyPoint(a, p, move)
	}
	return out
}

// Combine chains first then second. The frames must line up:
// first.From == from, first.To == second.From and second.To == to.
func Combine(first, second Transform, from, to any) (Transform, error) {
	f, err := frames.ToCode(from)
	if err != nil {
		return Transform{}, err
	}
	tt, err := frames.ToCode(to)
	if err != nil {
		return Transform{}, err
	}
	if first.From != f {
		return Transform{}, &FrameMismatchError{Kind: "From", Got: first.From, Want: f}
	}
	if first.To != second.From {
		return Transform{}, &FrameMismatchError{Kind: "Transform", Got: first.To, Want: second.From}
	}
	if second.To != tt {
		return Transform{}, &FrameMismatchError{Kind: "To", Got: second.To, Want: tt}
	}
	return Transform{From: f, To: tt, Matrix: second.Matrix.Mul(first.Matrix)}, nil
}

// Ensure picks the single candidate connecting from and to, in either
// direction, inverting it if it points the wrong way. extra is appended to
// the error message to give the caller's context.
func Ensure(candidates []Transform, from, to any, extra string) (Transform, error) {
	f, err := frames.ToCode(from)
	if err != nil {
		return Transform{}, err
	}
	tt, err := frames.ToCode(to)
	if err != nil {
		return Transform{}, err
	}
	if extra != "" {
		extra = " " + extra
	}

	var (
		matches []int
		misses  []string
	)
	for i, c := range candidates {
		if (c.From == f && c.To == tt) || (c.From == tt && c.To == f) {
			matches = append(matches, i)
			continue
		}
		misses = append(misses, c.From.Name()+"->"+c.To.Name())
	}
	if len(matches) != 1 {
		got := strings.Join(misses, ", ")
		if len(candidates) == 0 {
			got = "none"
		}
		return Transform{}, fmt.Errorf("trans must be a Transform between %s<->%s%s, got %s",
			f.Name(), tt.Name(), extra, got)
	}

	t := candidates[matches[0]]
	if t.From != f {
		return Invert(t)
	}
	return t, nil
}
