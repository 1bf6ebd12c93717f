package imu

import (
	"fmt"

	"github.com/golang/geo/r3"
)

// Bias is the constant-over-an-interval offset of the accelerometer and gyroscope.
type Bias struct {
	Acc  r3.Vector `json:"acc" yaml:"acc"`
	Gyro r3.Vector `json:"gyro" yaml:"gyro"`
}

// Vector returns [acc, gyro].
func (b Bias) Vector() []float64 {
	return []float64{b.Acc.X, b.Acc.Y, b.Acc.Z, b.Gyro.X, b.Gyro.Y, b.Gyro.Z}
}

// BiasFromVector is the inverse of Vector.
func BiasFromVector(v []float64) Bias {
	return Bias{
		Acc:  r3.Vector{X: v[0], Y: v[1], Z: v[2]},
		Gyro: r3.Vector{X: v[3], Y: v[4], Z: v[5]},
	}
}

// Sub returns b - o component-wise.
func (b Bias) Sub(o Bias) Bias {
	return Bias{Acc: b.Acc.Sub(o.Acc), Gyro: b.Gyro.Sub(o.Gyro)}
}

// Retract adds a 6-vector [acc, gyro] to the bias.
func (b Bias) Retract(delta []float64) Bias {
	d := BiasFromVector(delta)
	return Bias{Acc: b.Acc.Add(d.Acc), Gyro: b.Gyro.Add(d.Gyro)}
}

// LocalCoordinates returns o - b as a 6-vector.
func (b Bias) LocalCoordinates(o Bias) []float64 {
	return o.Sub(b).Vector()
}

// AlmostEqual returns whether every component of the two biases agrees within tol.
func (b Bias) AlmostEqual(o Bias, tol float64) bool {
	d := b.Sub(o)
	for _, x := range d.Vector() {
		if x > tol || x < -tol {
			return false
		}
	}
	return true
}

func (b Bias) String() string {
	return fmt.Sprintf("acc: (%.5f, %.5f, %.5f) gyro: (%.5f, %.5f, %.5f)",
		b.Acc.X, b.Acc.Y, b.Acc.Z, b.Gyro.X, b.Gyro.Y, b.Gyro.Z)
}
