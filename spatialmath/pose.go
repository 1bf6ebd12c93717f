package spatialmath

import (
	"fmt"

	"github.com/golang/geo/r3"
)

// Pose is a rigid transform in 3D: a rotation followed by a translation. When a pose describes a
// body in the world, TransformFrom maps body coordinates to world coordinates.
type Pose struct {
	Rotation    Rotation
	Translation r3.Vector
}

// NewZeroPose returns the identity pose.
func NewZeroPose() Pose {
	return Pose{Rotation: NewRotation()}
}

// NewPose returns a pose from its rotation and translation.
func NewPose(rot Rotation, trans r3.Vector) Pose {
	return Pose{Rotation: rot, Translation: trans}
}

// Compose returns p * o.
func (p Pose) Compose(o Pose) Pose {
	return Pose{
		Rotation:    p.Rotation.Compose(o.Rotation),
		Translation: p.Translation.Add(p.Rotation.Rotate(o.Translation)),
	}
}

// Inverse returns the inverse transform.
func (p Pose) Inverse() Pose {
	inv := p.Rotation.Inverse()
	return Pose{Rotation: inv, Translation: inv.Rotate(p.Translation).Mul(-1)}
}

// Between returns p^-1 * o, the pose of o expressed in the frame of p.
func (p Pose) Between(o Pose) Pose {
	return p.Inverse().Compose(o)
}

// TransformFrom maps a point from the local frame of p into the parent frame.
func (p Pose) TransformFrom(pt r3.Vector) r3.Vector {
	return p.Rotation.Rotate(pt).Add(p.Translation)
}

// TransformTo maps a point from the parent frame into the local frame of p.
func (p Pose) TransformTo(pt r3.Vector) r3.Vector {
	return p.Rotation.Unrotate(pt.Sub(p.Translation))
}

// Retract perturbs the pose by a 6-vector [omega, v] expressed in the local frame:
// R' = R Exp(omega), t' = t + R v.
func (p Pose) Retract(delta []float64) Pose {
	omega := r3.Vector{X: delta[0], Y: delta[1], Z: delta[2]}
	v := r3.Vector{X: delta[3], Y: delta[4], Z: delta[5]}
	return Pose{
		Rotation:    p.Rotation.Retract(omega),
		Translation: p.Translation.Add(p.Rotation.Rotate(v)),
	}
}

// LocalCoordinates is the inverse of Retract.
func (p Pose) LocalCoordinates(o Pose) []float64 {
	omega := p.Rotation.LocalCoordinates(o.Rotation)
	v := p.Rotation.Unrotate(o.Translation.Sub(p.Translation))
	return []float64{omega.X, omega.Y, omega.Z, v.X, v.Y, v.Z}
}

// String implements fmt.Stringer.
func (p Pose) String() string {
	q := p.Rotation.Quaternion()
	return fmt.Sprintf("{t: (%.4f, %.4f, %.4f), q: (%.4f, %.4f, %.4f, %.4f)}",
		p.Translation.X, p.Translation.Y, p.Translation.Z, q.Real, q.Imag, q.Jmag, q.Kmag)
}

// PoseAlmostEqual returns whether two poses agree within tol on both rotation (radians) and
// translation.
func PoseAlmostEqual(a, b Pose, tol float64) bool {
	return RotationAlmostEqual(a.Rotation, b.Rotation, tol) && a.Translation.Sub(b.Translation).Norm() <= tol
}
