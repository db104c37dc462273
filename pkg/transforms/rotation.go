package transforms

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"neurocoreg/internal/models"
	"neurocoreg/pkg/frames"
)

// Rotation returns a 4x4 rotation about the origin by x, y and z radians.
func Rotation(x, y, z float64) Affine {
	return ComposeAffine(Rotation3D(x, y, z), r3.Vec{})
}

// Rotation3D returns the 3x3 rotation Rz(z)·Ry(y)·Rx(x).
func Rotation3D(x, y, z float64) [3][3]float64 {
	cx, sx := math.Cos(x), math.Sin(x)
	cy, sy := math.Cos(y), math.Sin(y)
	cz, sz := math.Cos(z), math.Sin(z)
	return [3][3]float64{
		{cy * cz, -cx*sz + sx*sy*cz, sx*sz + cx*sy*cz},
		{cy * sz, cx*cz + sx*sy*sz, -sx*cz + cx*sy*sz},
		{-sy, sx * cy, cx * cy},
	}
}

// RotationAngles recovers the x, y and z angles used by Rotation3D from
// the top-left 3x3 block of m.
func RotationAngles(m [3][3]float64) (x, y, z float64) {
	x = math.Atan2(m[2][1], m[2][2])
	c2 := math.Hypot(m[0][0], m[1][0])
	y = math.Atan2(-m[2][0], c2)
	s1, c1 := math.Sin(x), math.Cos(x)
	z = math.Atan2(s1*m[0][2]-c1*m[0][1], c1*m[1][1]-s1*m[1][2])
	return x, y, z
}

// Scaling returns a diagonal scaling matrix.
func Scaling(x, y, z float64) Affine {
	return Affine{{x, 0, 0, 0}, {0, y, 0, 0}, {0, 0, z, 0}, {0, 0, 0, 1}}
}

// Translation returns a pure translation matrix.
func Translation(x, y, z float64) Affine {
	return Affine{{1, 0, 0, x}, {0, 1, 0, y}, {0, 0, 1, z}, {0, 0, 0, 1}}
}

// AlignZAxis returns the rotation mapping [0 0 1] onto the direction of target.
// It panics if the constructed matrix is not a proper rotation, which would
// be a bug in the construction rather than bad input.
func AlignZAxis(target r3.Vec) [3][3]float64 {
	t := r3.Unit(target)
	var r [3][3]float64
	if 1+t.Z < 1e-12 {
		r[0][0], r[1][1], r[2][2] = 1, -1, -1
	} else {
		f := 1 / (1 + t.Z)
		r[0][0] = 1 - f*t.X*t.X
		r[0][1] = -f * t.X * t.Y
		r[0][2] = t.X
		r[1][0] = -f * t.X * t.Y
		r[1][1] = 1 - f*t.Y*t.Y
		r[1][2] = t.Y
		r[2][0] = -t.X
		r[2][1] = -t.Y
		r[2][2] = 1 - f*(t.X*t.X+t.Y*t.Y)
	}

	rrt := mul3(r, transpose3(r))
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			if math.Abs(rrt[i][j]-want) > 1e-10 {
				panic(fmt.Sprintf("transforms: aligned z rotation is not orthonormal: %v", r))
			}
		}
	}
	if math.Abs(det3(r)-1) > 1e-10 {
		panic(fmt.Sprintf("transforms: aligned z rotation has det %g", det3(r)))
	}
	if r3.Norm(r3.Sub(t, r3.Vec{X: r[0][2], Y: r[1][2], Z: r[2][2]})) > 1e-6 {
		panic("transforms: aligned z rotation does not map z onto target")
	}
	return r
}

// FindVectorRotation returns the rotation taking unit vector a onto unit
// vector b, by Rodrigues' formula.
func FindVectorRotation(a, b r3.Vec) [3][3]float64 {
	r := identity3()
	v := r3.Cross(a, b)
	if math.Abs(v.X) < 1e-8 && math.Abs(v.Y) < 1e-8 && math.Abs(v.Z) < 1e-8 {
		return r
	}
	s := r3.Dot(v, v)
	c := r3.Dot(a, b)
	vx := skew(v)
	vx2 := mul3(vx, vx)
	k := (1 - c) / s
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] += vx[i][j] + vx2[i][j]*k
		}
	}
	return r
}

// RASToNeuromag builds the affine from an arbitrary RAS space into head
// coordinates defined by three fiducials: x runs from LPA through RPA, y passes
// through the nasion perpendicular to x, z is x cross y.
func RASToNeuromag(nasion, lpa, rpa r3.Vec) Affine {
	right := r3.Unit(r3.Sub(rpa, lpa))
	origin := r3.Add(lpa, r3.Scale(r3.Dot(r3.Sub(nasion, lpa), right), right))
	anterior := r3.Unit(r3.Sub(nasion, origin))
	superior := r3.Cross(right, anterior)

	rot := ComposeAffine([3][3]float64{
		{right.X, right.Y, right.Z},
		{anterior.X, anterior.Y, anterior.Z},
		{superior.X, superior.Y, superior.Z},
	}, r3.Vec{})
	return rot.Mul(Translation(-origin.X, -origin.Y, -origin.Z))
}

// TransformSurfaceTo returns a copy of surf expressed in dest. Vertices get
// the full transform and normals only the rotation.
func TransformSurfaceTo(surf models.Surface, dest any, candidates []Transform) (models.Surface, error) {
	d, err := frames.ToCode(dest)
	if err != nil {
		return models.Surface{}, err
	}
	if surf.Frame == d {
		return surf.Copy(), nil
	}
	t, err := Ensure(candidates, surf.Frame, d, "")
	if err != nil {
		return models.Surface{}, err
	}
	out := models.Surface{Frame: d, RR: Apply(t, surf.RR, true)}
	if surf.NN != nil {
		out.NN = Apply(t, surf.NN, false)
	}
	return out, nil
}

// TransformsToFrame returns the transforms taking the meg, head and mri
// frames into frame, given the device->head and head->mri transforms.
func TransformsToFrame(devHead, headMRI Transform, frame any) (map[frames.Frame]Transform, error) {
	dest, err := frames.ToCode(frame)
	if err != nil {
		return nil, err
	}
	devHead, err = Ensure([]Transform{devHead}, frames.MEG, frames.Head, "")
	if err != nil {
		return nil, err
	}
	headMRI, err = Ensure([]Transform{headMRI}, frames.Head, frames.MRI, "")
	if err != nil {
		return nil, err
	}
	devMRI, err := Combine(devHead, headMRI, frames.MEG, frames.MRI)
	if err != nil {
		return nil, err
	}
	mriDev, err := Invert(devMRI)
	if err != nil {
		return nil, err
	}

	out := make(map[frames.Frame]Transform, 3)
	sets := map[frames.Frame][]Transform{
		frames.MEG:  {devHead, mriDev, Identity(frames.MEG, frames.MEG)},
		frames.Head: {devHead, headMRI, Identity(frames.Head, frames.Head)},
		frames.MRI:  {headMRI, mriDev, Identity(frames.MRI, frames.MRI)},
	}
	for src, cands := range sets {
		t, err := Ensure(cands, src, dest, "")
		if err != nil {
			return nil, err
		}
		out[src] = t
	}
	return out, nil
}

func identity3() [3][3]float64 {
	return [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

func skew(v r3.Vec) [3][3]float64 {
	return [3][3]float64{
		{0, -v.Z, v.Y},
		{v.Z, 0, -v.X},
		{-v.Y, v.X, 0},
	}
}

func mul3(a, b [3][3]float64) [3][3]float64 {
	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = a[i][0]*b[0][j] + a[i][1]*b[1][j] + a[i][2]*b[2][j]
		}
	}
	return out
}

func transpose3(a [3][3]float64) [3][3]float64 {
	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = a[j][i]
		}
	}
	return out
}

func det3(a [3][3]float64) float64 {
	m := r3.NewMat([]float64{
		a[0][0], a[0][1], a[0][2],
		a[1][0], a[1][1], a[1][2],
		a[2][0], a[2][1], a[2][2],
	})
	return m.Det()
}

// MulRot returns a·b for 3x3 rotation blocks.
func MulRot(a, b [3][3]float64) [3][3]float64 { return mul3(a, b) }

// TransposeRot returns the transpose of a 3x3 block.
func TransposeRot(a [3][3]float64) [3][3]float64 { return transpose3(a) }

// RotVec applies a 3x3 block to a vector.
func RotVec(a [3][3]float64, v r3.Vec) r3.Vec {
	return r3.Vec{
		X: a[0][0]*v.X + a[0][1]*v.Y + a[0][2]*v.Z,
		Y: a[1][0]*v.X + a[1][1]*v.Y + a[1][2]*v.Z,
		Z: a[2][0]*v.X + a[2][1]*v.Y + a[2][2]*v.Z,
	}
}
