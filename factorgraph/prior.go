package factorgraph

import (
	"github.com/pkg/errors"

	"go.viam.com/vio/noise"
)

// Betweenable is a value with a relative difference.
type Betweenable interface {
	Value
	Between(other Value) Value
}

// PriorFactor anchors a variable to a measured value.
type PriorFactor struct {
	*NoiseModelFactor
	Key   Key
	Prior Value
}

// NewPriorFactor returns a prior on key.
func NewPriorFactor(key Key, prior Value, model noise.Model) (*PriorFactor, error) {
	if model.Dim() != prior.Dim() {
		return nil, errors.Errorf("prior on %s has dimension %d but noise model %d", key, prior.Dim(), model.Dim())
	}
	f := &PriorFactor{Key: key, Prior: prior}
	f.NoiseModelFactor = NewNoiseModelFactor([]Key{key}, model, func(values *Values) ([]float64, error) {
		v, err := values.At(key)
		if err != nil {
			return nil, err
		}
		return prior.LocalCoordinates(v), nil
	})
	return f, nil
}

// BetweenFactor constrains the relative value of two variables of the same kind. It is the
// stereo RANSAC pose constraint, the no-motion constraint and the bias random walk.
type BetweenFactor struct {
	*NoiseModelFactor
	Key1, Key2 Key
	Measured   Betweenable
}

// NewBetweenFactor returns a factor measuring key1^-1 * key2.
func NewBetweenFactor(key1, key2 Key, measured Betweenable, model noise.Model) (*BetweenFactor, error) {
	if model.Dim() != measured.Dim() {
		return nil, errors.Errorf("between %s-%s has dimension %d but noise model %d",
			key1, key2, measured.Dim(), model.Dim())
	}
	f := &BetweenFactor{Key1: key1, Key2: key2, Measured: measured}
	f.NoiseModelFactor = NewNoiseModelFactor([]Key{key1, key2}, model, func(values *Values) ([]float64, error) {
		v1, err := values.At(key1)
		if err != nil {
			return nil, err
		}
		v2, err := values.At(key2)
		if err != nil {
			return nil, err
		}
		b1, ok := v1.(Betweenable)
		if !ok {
			return nil, errors.Wrapf(ErrWrongType, "%s is %T", key1, v1)
		}
		return measured.LocalCoordinates(b1.Between(v2)), nil
	})
	return f, nil
}
