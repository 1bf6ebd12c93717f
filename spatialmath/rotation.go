// Package spatialmath defines the rotations, rigid transforms and planes the estimator works on,
// together with the SO(3) tangent-space operations used by preintegration and the factor graph.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Rotation is an element of SO(3) stored as a unit quaternion.
type Rotation struct {
	q quat.Number
}

// NewRotation returns the identity rotation.
func NewRotation() Rotation {
	return Rotation{quat.Number{Real: 1}}
}

// NewRotationFromQuat returns the rotation described by q. q is normalized first.
func NewRotationFromQuat(q quat.Number) Rotation {
	n := quat.Abs(q)
	if n == 0 {
		return NewRotation()
	}
	return Rotation{quat.Scale(1/n, q)}
}

// RotationExpmap maps a tangent vector (axis scaled by angle, radians) onto SO(3).
func RotationExpmap(omega r3.Vector) Rotation {
	return Rotation{expQuat(omega)}
}

// RotationFromRPY builds a rotation from roll, pitch and yaw applied as Rz(yaw) Ry(pitch) Rx(roll).
func RotationFromRPY(roll, pitch, yaw float64) Rotation {
	rx := RotationExpmap(r3.Vector{X: roll})
	ry := RotationExpmap(r3.Vector{Y: pitch})
	rz := RotationExpmap(r3.Vector{Z: yaw})
	return rz.Compose(ry).Compose(rx)
}

// Logmap returns the tangent vector of the rotation, with angle in [0, pi].
func (r Rotation) Logmap() r3.Vector {
	return logQuat(r.Quaternion())
}

// Quaternion returns the underlying unit quaternion.
func (r Rotation) Quaternion() quat.Number {
	if r.q == (quat.Number{}) {
		return quat.Number{Real: 1}
	}
	return r.q
}

// Compose returns r * o, i.e. o applied first and then r.
func (r Rotation) Compose(o Rotation) Rotation {
	return NewRotationFromQuat(quat.Mul(r.Quaternion(), o.Quaternion()))
}

// Inverse returns the inverse rotation.
func (r Rotation) Inverse() Rotation {
	return Rotation{quat.Conj(r.Quaternion())}
}

// Between returns r^-1 * o.
func (r Rotation) Between(o Rotation) Rotation {
	return r.Inverse().Compose(o)
}

// Rotate applies the rotation to v.
func (r Rotation) Rotate(v r3.Vector) r3.Vector {
	q := r.Quaternion()
	p := quat.Mul(quat.Mul(q, quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}), quat.Conj(q))
	return r3.Vector{X: p.Imag, Y: p.Jmag, Z: p.Kmag}
}

// Unrotate applies the inverse rotation to v.
func (r Rotation) Unrotate(v r3.Vector) r3.Vector {
	return r.Inverse().Rotate(v)
}

// Retract returns r * Exp(omega).
func (r Rotation) Retract(omega r3.Vector) Rotation {
	return r.Compose(RotationExpmap(omega))
}

// LocalCoordinates returns Log(r^-1 * o), the inverse of Retract.
func (r Rotation) LocalCoordinates(o Rotation) r3.Vector {
	return r.Between(o).Logmap()
}

// Matrix returns the 3x3 rotation matrix.
func (r Rotation) Matrix() *mat.Dense {
	q := r.Quaternion()
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}

// RotationFromMatrix converts a rotation matrix into a Rotation.
// See: https://www.euclideanspace.com/maths/geometry/rotations/conversions/matrixToQuaternion/
func RotationFromMatrix(m mat.Matrix) Rotation {
	m00, m01, m02 := m.At(0, 0), m.At(0, 1), m.At(0, 2)
	m10, m11, m12 := m.At(1, 0), m.At(1, 1), m.At(1, 2)
	m20, m21, m22 := m.At(2, 0), m.At(2, 1), m.At(2, 2)
	tr := m00 + m11 + m22
	var q quat.Number
	switch {
	case tr > 0:
		s := math.Sqrt(tr+1) * 2
		q = quat.Number{Real: 0.25 * s, Imag: (m21 - m12) / s, Jmag: (m02 - m20) / s, Kmag: (m10 - m01) / s}
	case m00 > m11 && m00 > m22:
		s := math.Sqrt(1+m00-m11-m22) * 2
		q = quat.Number{Real: (m21 - m12) / s, Imag: 0.25 * s, Jmag: (m01 + m10) / s, Kmag: (m02 + m20) / s}
	case m11 > m22:
		s := math.Sqrt(1+m11-m00-m22) * 2
		q = quat.Number{Real: (m02 - m20) / s, Imag: (m01 + m10) / s, Jmag: 0.25 * s, Kmag: (m12 + m21) / s}
	default:
		s := math.Sqrt(1+m22-m00-m11) * 2
		q = quat.Number{Real: (m10 - m01) / s, Imag: (m02 + m20) / s, Jmag: (m12 + m21) / s, Kmag: 0.25 * s}
	}
	return NewRotationFromQuat(q)
}

// RotationAlmostEqual returns whether the two rotations are within tol radians of each other.
func RotationAlmostEqual(a, b Rotation, tol float64) bool {
	return a.LocalCoordinates(b).Norm() <= tol
}

// AlignVectors returns the shortest-arc rotation taking the direction of from onto the direction of to.
func AlignVectors(from, to r3.Vector) Rotation {
	f := from.Normalize()
	t := to.Normalize()
	c := f.Dot(t)
	axis := f.Cross(t)
	if axis.Norm() < 1e-12 {
		if c > 0 {
			return NewRotation()
		}
		// Antiparallel: rotate by pi around any axis orthogonal to from.
		return RotationExpmap(f.Ortho().Mul(math.Pi))
	}
	return RotationExpmap(axis.Normalize().Mul(math.Atan2(axis.Norm(), c)))
}

// Skew returns the cross-product matrix [v]x, such that [v]x * u = v x u.
func Skew(v r3.Vector) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -v.Z, v.Y,
		v.Z, 0, -v.X,
		-v.Y, v.X, 0,
	})
}

// RightJacobian returns the right Jacobian of SO(3) at omega:
// Exp(omega + d) ~= Exp(omega) * Exp(Jr(omega) * d).
func RightJacobian(omega r3.Vector) *mat.Dense {
	theta := omega.Norm()
	jr := identity3()
	w := Skew(omega)
	var w2 mat.Dense
	w2.Mul(w, w)
	if theta < 1e-5 {
		// Second order expansion.
		w.Scale(-0.5, w)
		w2.Scale(1./6, &w2)
		jr.Add(jr, w)
		jr.Add(jr, &w2)
		return jr
	}
	theta2 := theta * theta
	w.Scale(-(1-math.Cos(theta))/theta2, w)
	w2.Scale((theta-math.Sin(theta))/(theta2*theta), &w2)
	jr.Add(jr, w)
	jr.Add(jr, &w2)
	return jr
}

// RightJacobianInverse returns the inverse of RightJacobian(omega).
func RightJacobianInverse(omega r3.Vector) *mat.Dense {
	theta := omega.Norm()
	jri := identity3()
	w := Skew(omega)
	var w2 mat.Dense
	w2.Mul(w, w)
	w.Scale(0.5, w)
	jri.Add(jri, w)
	if theta < 1e-5 {
		w2.Scale(1./12, &w2)
		jri.Add(jri, &w2)
		return jri
	}
	coeff := 1/(theta*theta) - (1+math.Cos(theta))/(2*theta*math.Sin(theta))
	w2.Scale(coeff, &w2)
	jri.Add(jri, &w2)
	return jri
}

// MatVec returns m * v for a 3x3 matrix.
func MatVec(m mat.Matrix, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m.At(0, 0)*v.X + m.At(0, 1)*v.Y + m.At(0, 2)*v.Z,
		Y: m.At(1, 0)*v.X + m.At(1, 1)*v.Y + m.At(1, 2)*v.Z,
		Z: m.At(2, 0)*v.X + m.At(2, 1)*v.Y + m.At(2, 2)*v.Z,
	}
}

func identity3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}
