// Package stereo defines the rectified stereo camera model and the keypoint measurements the
// frontend hands to the estimator.
package stereo

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.viam.com/vio/spatialmath"
)

// ErrCheirality is returned when a point does not lie in front of the camera.
var ErrCheirality = errors.New("point is behind the camera")

// Point2 is a rectified stereo observation: the column in the left and right images and the
// shared row. A NaN UR marks an observation with no valid right pixel.
type Point2 struct {
	UL float64 `json:"ul"`
	UR float64 `json:"ur"`
	V  float64 `json:"v"`
}

// NewMonoPoint2 returns an observation that only has a left pixel.
func NewMonoPoint2(u, v float64) Point2 {
	return Point2{UL: u, UR: math.NaN(), V: v}
}

// IsMono returns whether the observation lacks a right pixel.
func (p Point2) IsMono() bool {
	return math.IsNaN(p.UR)
}

// Disparity returns UL - UR.
func (p Point2) Disparity() float64 {
	return p.UL - p.UR
}

// Calibration holds the intrinsics of a rectified stereo pair. Both cameras share them and the
// right camera sits Baseline meters along the left camera's x axis.
type Calibration struct {
	Fx       float64 `json:"fx" yaml:"fx"`
	Fy       float64 `json:"fy" yaml:"fy"`
	Skew     float64 `json:"skew" yaml:"skew"`
	Cx       float64 `json:"cx" yaml:"cx"`
	Cy       float64 `json:"cy" yaml:"cy"`
	Baseline float64 `json:"baseline" yaml:"baseline"`
}

// Validate ensures all parts of the config are valid.
func (c *Calibration) Validate(path string) error {
	var err error
	if c.Fx <= 0 {
		err = multierr.Append(err, goutils.NewConfigValidationFieldRequiredError(path, "fx"))
	}
	if c.Fy <= 0 {
		err = multierr.Append(err, goutils.NewConfigValidationFieldRequiredError(path, "fy"))
	}
	if c.Baseline <= 0 {
		err = multierr.Append(err, goutils.NewConfigValidationFieldRequiredError(path, "baseline"))
	}
	return err
}

// Project maps a point in the left camera frame to a stereo observation.
func (c Calibration) Project(p r3.Vector) (Point2, error) {
	if p.Z <= 0 {
		return Point2{}, errors.Wrapf(ErrCheirality, "depth %.4f", p.Z)
	}
	invZ := 1 / p.Z
	x, y := p.X*invZ, p.Y*invZ
	ul := c.Fx*x + c.Skew*y + c.Cx
	ur := ul - c.Fx*c.Baseline*invZ
	v := c.Fy*y + c.Cy
	return Point2{UL: ul, UR: ur, V: v}, nil
}

// Backproject returns the left camera frame point of a stereo observation.
func (c Calibration) Backproject(p Point2) (r3.Vector, error) {
	if p.IsMono() {
		return r3.Vector{}, errors.New("cannot backproject an observation without a right pixel")
	}
	d := p.Disparity()
	if d <= 0 {
		return r3.Vector{}, errors.Wrapf(ErrCheirality, "disparity %.4f", d)
	}
	z := c.Fx * c.Baseline / d
	y := (p.V - c.Cy) / c.Fy
	x := (p.UL - c.Cx - c.Skew*y) / c.Fx
	return r3.Vector{X: x * z, Y: y * z, Z: z}, nil
}

// Rig is a stereo camera mounted on the body.
type Rig struct {
	Calibration Calibration
	// BodyPoseCam is the pose of the left camera in the body frame.
	BodyPoseCam spatialmath.Pose
}

// CameraPose returns the world pose of the left camera for a body pose.
func (r Rig) CameraPose(bodyPose spatialmath.Pose) spatialmath.Pose {
	return bodyPose.Compose(r.BodyPoseCam)
}

// ProjectWorld projects a world point seen from the body pose.
func (r Rig) ProjectWorld(bodyPose spatialmath.Pose, p r3.Vector) (Point2, error) {
	return r.Calibration.Project(r.CameraPose(bodyPose).TransformTo(p))
}
