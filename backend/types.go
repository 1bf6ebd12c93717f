// Package backend maintains the sliding-window factor graph of a visual-inertial estimator. Each
// keyframe adds IMU, vision and optional regularity factors, converts landmarks between their
// structureless and explicit forms and re-optimizes incrementally.
package backend

import (
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/vio/imu"
	"go.viam.com/vio/spatialmath"
	"go.viam.com/vio/stereo"
)

// ErrInvalidInput is returned for keyframe payloads that violate the input contract.
var ErrInvalidInput = errors.New("invalid back end input")

// FrameID identifies a keyframe.
type FrameID int64

// OptionalPose is a pose that may be absent.
type OptionalPose struct {
	Pose  spatialmath.Pose
	Valid bool
}

// SomePose returns a present OptionalPose.
func SomePose(p spatialmath.Pose) OptionalPose {
	return OptionalPose{Pose: p, Valid: true}
}

// PlaneID identifies a plane hypothesis.
type PlaneID int64

// Plane is a planar hypothesis and the landmarks claimed to lie on it.
type Plane struct {
	ID          PlaneID
	Normal      r3.Vector
	Distance    float64
	LandmarkIDs []stereo.LandmarkID
}

// InputPayload is everything the frontend hands over for one keyframe.
type InputPayload struct {
	// Timestamp of the keyframe in nanoseconds.
	Timestamp    int64
	Measurements stereo.StatusMeasurements
	// Pim covers the interval since the previous keyframe.
	Pim imu.PreintegratedMeasurement
	// Planes is nil when there are no plane hypotheses.
	Planes []Plane
	// StereoRansacPose is the body motion since the previous keyframe estimated by stereo RANSAC.
	StereoRansacPose OptionalPose
}

// State is the estimate of one keyframe.
type State struct {
	FrameID   FrameID
	Timestamp int64
	Pose      spatialmath.Pose
	Velocity  r3.Vector
	Bias      imu.Bias
}

// Status tells consumers how much to trust an output.
type Status int

const (
	// StatusOK means the optimizer converged using every factor.
	StatusOK Status = iota
	// StatusDegraded means the optimizer stopped early or had to skip factors it could not
	// evaluate; the estimate is the best it reached.
	StatusDegraded
)

func (s Status) String() string {
	if s == StatusOK {
		return "OK"
	}
	return "DEGRADED"
}

// Output is the result of one keyframe update.
type Output struct {
	State
	NumSmartLandmarks    int
	NumExplicitLandmarks int
	NumFactors           int
	// Planes are the input planes still in the graph, with optimized normal and distance.
	Planes []Plane
	Status Status
}

// DebugInfo holds counters and timings of the last keyframe update.
type DebugInfo struct {
	FrameID                 FrameID
	NumNewLandmarks         int
	NumUpdatedLandmarks     int
	NumConvertedLandmarks   int
	NumDeletedLandmarks     int
	NumAddedProjection      int
	NumAddedRegularity      int
	NumRemovedRegularity    int
	NumAddedFactors         int
	NumDeletedFactors       int
	NumMarginalizedFactors  int
	ErrorBefore, ErrorAfter float64
	Iterations              int
	DegenerateSlots         []int
	NoMotionFactorAdded     bool
	FactorsTime             time.Duration
	OptimizeTime            time.Duration
	MarginalizeTime         time.Duration
	TotalTime               time.Duration
}
