package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
)

// Plane is an oriented plane {p : Normal . p = Distance} with a unit normal.
type Plane struct {
	Normal   r3.Vector
	Distance float64
}

// NewPlane returns a plane with its normal rescaled to unit length. The distance is rescaled with
// it so the plane is unchanged.
func NewPlane(normal r3.Vector, distance float64) Plane {
	n := normal.Norm()
	if n == 0 {
		return Plane{Normal: r3.Vector{Z: 1}, Distance: distance}
	}
	return Plane{Normal: normal.Mul(1 / n), Distance: distance / n}
}

// SignedDistance returns the signed distance of pt from the plane.
func (pl Plane) SignedDistance(pt r3.Vector) float64 {
	return pl.Normal.Dot(pt) - pl.Distance
}

// tangentBasis returns two unit vectors spanning the plane orthogonal to the normal.
func (pl Plane) tangentBasis() (r3.Vector, r3.Vector) {
	n := pl.Normal
	var e r3.Vector
	switch ax, ay, az := math.Abs(n.X), math.Abs(n.Y), math.Abs(n.Z); {
	case ax <= ay && ax <= az:
		e = r3.Vector{X: 1}
	case ay <= az:
		e = r3.Vector{Y: 1}
	default:
		e = r3.Vector{Z: 1}
	}
	b1 := n.Cross(e).Normalize()
	b2 := n.Cross(b1)
	return b1, b2
}

// Retract perturbs the plane by [a, b, dd]: the normal tilts along its tangent basis and the
// distance shifts by dd.
func (pl Plane) Retract(delta []float64) Plane {
	b1, b2 := pl.tangentBasis()
	n := pl.Normal.Add(b1.Mul(delta[0])).Add(b2.Mul(delta[1])).Normalize()
	return Plane{Normal: n, Distance: pl.Distance + delta[2]}
}

// LocalCoordinates is the inverse of Retract.
func (pl Plane) LocalCoordinates(o Plane) []float64 {
	b1, b2 := pl.tangentBasis()
	c := pl.Normal.Dot(o.Normal)
	if c == 0 {
		c = 1e-12
	}
	return []float64{b1.Dot(o.Normal) / c, b2.Dot(o.Normal) / c, o.Distance - pl.Distance}
}
