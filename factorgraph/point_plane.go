package factorgraph

import (
	"github.com/pkg/errors"

	"go.viam.com/vio/noise"
)

// PointPlaneFactor is the signed distance of an explicit landmark from a plane.
type PointPlaneFactor struct {
	*NoiseModelFactor
	PointKey, PlaneKey Key
}

// NewPointPlaneFactor returns the factor. model must be 1-dimensional.
func NewPointPlaneFactor(pointKey, planeKey Key, model noise.Model) (*PointPlaneFactor, error) {
	if model.Dim() != 1 {
		return nil, errors.Errorf("point-plane factor needs a 1-dimensional noise model, got %d", model.Dim())
	}
	f := &PointPlaneFactor{PointKey: pointKey, PlaneKey: planeKey}
	f.NoiseModelFactor = NewNoiseModelFactor([]Key{pointKey, planeKey}, model, func(values *Values) ([]float64, error) {
		p, err := values.Point3(pointKey)
		if err != nil {
			return nil, err
		}
		pl, err := values.Plane(planeKey)
		if err != nil {
			return nil, err
		}
		return []float64{pl.SignedDistance(p)}, nil
	})
	return f, nil
}
