package factorgraph

import (
	"github.com/pkg/errors"

	"go.viam.com/vio/noise"
	"go.viam.com/vio/stereo"
)

// StereoProjectionFactor is the reprojection error of an explicit landmark into one keyframe.
// Observations without a right pixel only constrain the left image.
type StereoProjectionFactor struct {
	*NoiseModelFactor
	PoseKey, PointKey Key
	Measured          stereo.Point2
}

// NewStereoProjectionFactor returns the factor. model must be 3-dimensional for stereo
// observations and 2-dimensional for mono ones.
func NewStereoProjectionFactor(
	poseKey, pointKey Key, measured stereo.Point2, rig stereo.Rig, model noise.Model,
) (*StereoProjectionFactor, error) {
	want := 3
	if measured.IsMono() {
		want = 2
	}
	if model.Dim() != want {
		return nil, errors.Errorf("projection of %s into %s needs a %d-dimensional noise model, got %d",
			pointKey, poseKey, want, model.Dim())
	}
	f := &StereoProjectionFactor{PoseKey: poseKey, PointKey: pointKey, Measured: measured}
	f.NoiseModelFactor = NewNoiseModelFactor([]Key{poseKey, pointKey}, model, func(values *Values) ([]float64, error) {
		pose, err := values.Pose(poseKey)
		if err != nil {
			return nil, err
		}
		point, err := values.Point3(pointKey)
		if err != nil {
			return nil, err
		}
		projected, err := rig.ProjectWorld(pose, point)
		if err != nil {
			return nil, err
		}
		return reprojectionResidual(projected, measured), nil
	})
	return f, nil
}

func reprojectionResidual(projected, measured stereo.Point2) []float64 {
	if measured.IsMono() {
		return []float64{projected.UL - measured.UL, projected.V - measured.V}
	}
	return []float64{projected.UL - measured.UL, projected.UR - measured.UR, projected.V - measured.V}
}
