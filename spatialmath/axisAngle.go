package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// AxisAngle is a rotation of Angle radians about the unit vector Axis. Its tangent form, the axis
// scaled by the angle, is the coordinate system of Expmap and Logmap.
type AxisAngle struct {
	Axis  r3.Vector `json:"axis"`
	Angle float64   `json:"angle"`
}

// AxisAngleFromTangent splits a tangent vector into axis and angle. The zero vector maps to a zero
// rotation about z.
func AxisAngleFromTangent(omega r3.Vector) AxisAngle {
	theta := omega.Norm()
	if theta == 0 {
		return AxisAngle{Axis: r3.Vector{Z: 1}}
	}
	return AxisAngle{Axis: omega.Mul(1 / theta), Angle: theta}
}

// Tangent returns the axis scaled by the angle.
func (aa AxisAngle) Tangent() r3.Vector {
	return aa.Axis.Mul(aa.Angle)
}

// smallAngle is where the series expansions below replace the closed forms.
const smallAngle = 1e-4

// expQuat maps a tangent vector to a unit quaternion.
func expQuat(omega r3.Vector) quat.Number {
	theta := omega.Norm()
	// sin(theta/2)/theta, expanded near zero
	var s float64
	if theta < smallAngle {
		s = 0.5 - theta*theta/48
	} else {
		s = math.Sin(theta/2) / theta
	}
	return quat.Number{Real: math.Cos(theta / 2), Imag: s * omega.X, Jmag: s * omega.Y, Kmag: s * omega.Z}
}

// logQuat maps a unit quaternion to its tangent vector, with angle in [0, pi].
func logQuat(q quat.Number) r3.Vector {
	// q and -q are the same rotation; the positive real part gives the shorter arc.
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	v := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	sinHalf := v.Norm()
	// theta/sin(theta/2), expanded near zero
	var s float64
	if sinHalf < smallAngle {
		s = 2 / q.Real * (1 - sinHalf*sinHalf/(3*q.Real*q.Real))
	} else {
		s = 2 * math.Atan2(sinHalf, q.Real) / sinHalf
	}
	return v.Mul(s)
}

// AxisAngle returns the rotation's axis and angle, with the angle in [0, pi].
func (r Rotation) AxisAngle() AxisAngle {
	return AxisAngleFromTangent(r.Logmap())
}
