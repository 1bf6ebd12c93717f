package stereo

import (
	"go.viam.com/vio/spatialmath"
)

// LandmarkID identifies a tracked feature across keyframes.
type LandmarkID int64

// TrackingStatus is the frontend's verdict on a keyframe's tracking quality.
type TrackingStatus int

// The tracking statuses a frontend may report.
const (
	Valid TrackingStatus = iota
	LowDisparity
	FewMatches
	Invalid
	Disabled
)

func (s TrackingStatus) String() string {
	switch s {
	case Valid:
		return "VALID"
	case LowDisparity:
		return "LOW_DISPARITY"
	case FewMatches:
		return "FEW_MATCHES"
	case Invalid:
		return "INVALID"
	case Disabled:
		return "DISABLED"
	}
	return "UNKNOWN"
}

// TrackerStatusSummary is what the frontend concluded about the keyframe, including the relative
// poses its mono and stereo RANSAC estimated since the last keyframe.
type TrackerStatusSummary struct {
	MonoStatus         TrackingStatus
	StereoStatus       TrackingStatus
	RelativePoseMono   spatialmath.Pose
	RelativePoseStereo spatialmath.Pose
}

// Measurement is one landmark observed in the keyframe.
type Measurement struct {
	LandmarkID LandmarkID
	Point      Point2
}

// StatusMeasurements bundles the keyframe's tracker summary with its observations.
type StatusMeasurements struct {
	Summary      TrackerStatusSummary
	Measurements []Measurement
}
