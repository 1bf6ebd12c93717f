// Package factorgraph holds the variables, factors and linearization machinery of the nonlinear
// least-squares problem the estimator solves.
package factorgraph

import (
	"fmt"
)

// Key identifies a variable. The top byte is a character naming the variable kind and the rest is
// an index.
type Key uint64

const (
	chrBits   = 8
	indexBits = 64 - chrBits
	indexMask = (uint64(1) << indexBits) - 1
)

// Symbol returns the key for variable kind c with index idx.
func Symbol(c byte, idx int64) Key {
	return Key(uint64(c)<<indexBits | (uint64(idx) & indexMask))
}

// Chr returns the kind character of the key.
func (k Key) Chr() byte {
	return byte(uint64(k) >> indexBits)
}

// Index returns the index of the key.
func (k Key) Index() int64 {
	return int64(uint64(k) & indexMask)
}

func (k Key) String() string {
	return fmt.Sprintf("%c%d", k.Chr(), k.Index())
}

// PoseKey returns the body pose variable of a keyframe.
func PoseKey(frame int64) Key { return Symbol('x', frame) }

// VelocityKey returns the velocity variable of a keyframe.
func VelocityKey(frame int64) Key { return Symbol('v', frame) }

// BiasKey returns the IMU bias variable of a keyframe.
func BiasKey(frame int64) Key { return Symbol('b', frame) }

// LandmarkKey returns the explicit 3D point variable of a landmark.
func LandmarkKey(landmark int64) Key { return Symbol('l', landmark) }

// PlaneKey returns the plane variable with the given id.
func PlaneKey(plane int64) Key { return Symbol('P', plane) }
