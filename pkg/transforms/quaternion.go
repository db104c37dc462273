package transforms

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Quaternions are stored as the vector part (x, y, z) of a unit quaternion.
// The real part is implied and always taken as non-negative, so q and -q
// collapse onto one representation.

// QuatReal returns the implied real part sqrt(1 - |q|²), clamped at zero.
func QuatReal(q r3.Vec) float64 {
	return math.Sqrt(math.Max(1-q.X*q.X-q.Y*q.Y-q.Z*q.Z, 0))
}

func toNumber(q r3.Vec) quat.Number {
	return quat.Number{Real: QuatReal(q), Imag: q.X, Jmag: q.Y, Kmag: q.Z}
}

// QuatMult is the Hamilton product a·b, flipped as a whole so that the real
// part of the result is non-negative.
func QuatMult(a, b r3.Vec) r3.Vec {
	p := quat.Mul(toNumber(a), toNumber(b))
	if p.Real < 0 {
		p = quat.Scale(-1, p)
	}
	return r3.Vec{X: p.Imag, Y: p.Jmag, Z: p.Kmag}
}

// QuatToRot converts a quaternion to its rotation matrix.
func QuatToRot(q r3.Vec) [3][3]float64 {
	b, c, d := q.X, q.Y, q.Z
	bb, cc, dd := b*b, c*c, d*d
	aa := math.Max(1-bb-cc-dd, 0)
	a := math.Sqrt(aa)
	ab2, ac2, ad2 := 2*a*b, 2*a*c, 2*a*d
	bc2, bd2, cd2 := 2*b*c, 2*b*d, 2*c*d
	return [3][3]float64{
		{aa + bb - cc - dd, bc2 - ad2, bd2 + ac2},
		{bc2 + ad2, aa + cc - bb - dd, cd2 - ab2},
		{bd2 - ac2, cd2 + ab2, aa + dd - bb - cc},
	}
}

// QuatsToRots is the batched form of QuatToRot.
func QuatsToRots(qs []r3.Vec) [][3][3]float64 {
	out := make([][3][3]float64, len(qs))
	for i, q := range qs {
		out[i] = QuatToRot(q)
	}
	return out
}

// RotToQuat extracts the quaternion of a rotation matrix. Matrices whose
// determinant is further than 1e-3 from one are rejected.
func RotToQuat(r [3][3]float64) (r3.Vec, error) {
	det := det3(r)
	if math.Abs(det-1) > 1e-3 {
		return r3.Vec{}, fmt.Errorf("%w, got determinant %g", ErrNotRotation, det)
	}

	var qw, qx, qy, qz float64
	t := 1 + r[0][0] + r[1][1] + r[2][2]
	switch {
	case t > 2.220446049250313e-16:
		s := math.Sqrt(t) * 2
		qw = 0.25 * s
		qx = (r[2][1] - r[1][2]) / s
		qy = (r[0][2] - r[2][0]) / s
		qz = (r[1][0] - r[0][1]) / s
	case r[0][0] > r[1][1] && r[0][0] > r[2][2]:
		s := math.Sqrt(1+r[0][0]-r[1][1]-r[2][2]) * 2
		qw = (r[2][1] - r[1][2]) / s
		qx = 0.25 * s
		qy = (r[0][1] + r[1][0]) / s
		qz = (r[0][2] + r[2][0]) / s
	case r[1][1] > r[2][2]:
		s := math.Sqrt(1-r[0][0]+r[1][1]-r[2][2]) * 2
		qw = (r[0][2] - r[2][0]) / s
		qx = (r[0][1] + r[1][0]) / s
		qy = 0.25 * s
		qz = (r[1][2] + r[2][1]) / s
	default:
		s := math.Sqrt(1-r[0][0]-r[1][1]+r[2][2]) * 2
		qw = (r[1][0] - r[0][1]) / s
		qx = (r[0][2] + r[2][0]) / s
		qy = (r[1][2] + r[2][1]) / s
		qz = 0.25 * s
	}
	q := r3.Vec{X: qx, Y: qy, Z: qz}
	if qw < 0 {
		q = r3.Scale(-1, q)
	}
	return q, nil
}

// RotsToQuats is the batched form of RotToQuat.
func RotsToQuats(rs [][3][3]float64) ([]r3.Vec, error) {
	out := make([]r3.Vec, len(rs))
	for i, r := range rs {
		q, err := RotToQuat(r)
		if err != nil {
			return nil, fmt.Errorf("rotation %d: %w", i, err)
		}
		out[i] = q
	}
	return out, nil
}

// QuatToAffine builds a rigid affine from a rotation quaternion and translation.
func QuatToAffine(q, t r3.Vec) Affine {
	return ComposeAffine(QuatToRot(q), t)
}

// AffineToQuat splits a rigid affine into quaternion and translation.
func AffineToQuat(a Affine) (q, t r3.Vec, err error) {
	q, err = RotToQuat(a.Rot())
	if err != nil {
		return r3.Vec{}, r3.Vec{}, err
	}
	return q, a.Trans(), nil
}

// AngleBetweenQuats is the rotation angle, in radians, of conj(a)·b.
// It is zero for equal rotations and π for rotations half a turn apart.
func AngleBetweenQuats(a, b r3.Vec) float64 {
	z := QuatMult(r3.Scale(-1, a), b)
	return 2 * math.Atan2(r3.Norm(z), QuatReal(z))
}

// AngleDistBetweenRigid returns the rotation angle (radians) and translation
// distance between two rigid affines.
func AngleDistBetweenRigid(a, b Affine) (angle, dist float64, err error) {
	qa, ta, err := AffineToQuat(a)
	if err != nil {
		return 0, 0, err
	}
	qb, tb, err := AffineToQuat(b)
	if err != nil {
		return 0, 0, err
	}
	return AngleBetweenQuats(qa, qb), r3.Norm(r3.Sub(ta, tb)), nil
}

// ErrNegativeWeight is returned by AverageQuats for weights below zero.
var ErrNegativeWeight = errors.New("transforms: quaternion weights must be non-negative")

// AverageQuats returns the weighted mean rotation using the eigenvector
// method of Markley et al., which is insensitive to the q/-q ambiguity.
// A nil weights slice weighs all quaternions equally. If every weight is
// zero the identity rotation is returned.
func AverageQuats(qs []r3.Vec, weights []float64) (r3.Vec, error) {
	if weights == nil {
		weights = make([]float64, len(qs))
		for i := range weights {
			weights[i] = 1
		}
	}
	if len(weights) != len(qs) {
		return r3.Vec{}, fmt.Errorf("got %d weights for %d quaternions", len(weights), len(qs))
	}
	var norm float64
	for _, w := range weights {
		if w < 0 {
			return r3.Vec{}, ErrNegativeWeight
		}
		norm += w
	}
	if norm == 0 {
		return r3.Vec{}, nil
	}

	a := mat.NewSymDense(4, nil)
	for i, q := range qs {
		w := weights[i] / norm
		v := [4]float64{w * QuatReal(q), w * q.X, w * q.Y, w * q.Z}
		for j := 0; j < 4; j++ {
			for k := j; k < 4; k++ {
				a.SetSym(j, k, a.At(j, k)+v[j]*v[k])
			}
		}
	}

	var eig mat.EigenSym
	if !eig.Factorize(a, true) {
		return r3.Vec{}, errors.New("transforms: eigen decomposition of quaternion outer products failed")
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	// Eigenvalues come back in ascending order.
	avg := mat.Col(nil, 3, &vecs)
	for _, x := range avg {
		if math.Abs(x) > 1e-10 {
			if x < 0 {
				for i := range avg {
					avg[i] = -avg[i]
				}
			}
			break
		}
	}
	return r3.Vec{X: avg[1], Y: avg[2], Z: avg[3]}, nil
}

// QuatToEuler converts to roll, pitch and yaw angles (radians).
func QuatToEuler(q r3.Vec) r3.Vec {
	x, y, z := q.X, q.Y, q.Z
	w := QuatReal(q)
	sinp := math.Max(-1, math.Min(1, 2*(w*y-x*z)))
	return r3.Vec{
		X: math.Atan2(2*(w*x+y*z), 1-2*(x*x+y*y)),
		Y: math.Asin(sinp),
		Z: math.Atan2(2*(w*z+x*y), 1-2*(y*y+z*z)),
	}
}

// EulerToQuat is the inverse of QuatToEuler.
func EulerToQuat(e r3.Vec) r3.Vec {
	phi, theta, psi := e.X/2, e.Y/2, e.Z/2
	cphi, sphi := math.Cos(phi), math.Sin(phi)
	ctheta, stheta := math.Cos(theta), math.Sin(theta)
	cpsi, spsi := math.Cos(psi), math.Sin(psi)
	mult := 1.0
	if cphi*ctheta*cpsi+sphi*stheta*spsi < 0 {
		mult = -1
	}
	return r3.Vec{
		X: mult * (sphi*ctheta*cpsi - cphi*stheta*spsi),
		Y: mult * (cphi*stheta*cpsi + sphi*ctheta*spsi),
		Z: mult * (cphi*ctheta*spsi - sphi*stheta*cpsi),
	}
}
