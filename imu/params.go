// Package imu preintegrates inertial samples between keyframes into relative-motion summaries
// and buffers raw samples for the pipeline that produces them.
package imu

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
)

// StandardGravity is the nominal magnitude of gravity in m/s^2.
const StandardGravity = 9.81

// Params holds the continuous-time noise characteristics of the IMU and the gravity vector
// expressed in the world frame.
type Params struct {
	GyroNoiseDensity float64   `json:"gyro_noise_density" yaml:"gyro_noise_density" mapstructure:"gyro_noise_density"`
	AccNoiseDensity  float64   `json:"acc_noise_density" yaml:"acc_noise_density" mapstructure:"acc_noise_density"`
	GyroRandomWalk   float64   `json:"gyro_random_walk" yaml:"gyro_random_walk" mapstructure:"gyro_random_walk"`
	AccRandomWalk    float64   `json:"acc_random_walk" yaml:"acc_random_walk" mapstructure:"acc_random_walk"`
	IntegrationSigma float64   `json:"integration_sigma" yaml:"integration_sigma" mapstructure:"integration_sigma"`
	Gravity          r3.Vector `json:"gravity" yaml:"gravity" mapstructure:"gravity"`
	// NominalRate is the expected sample period in seconds.
	NominalRate float64 `json:"nominal_rate" yaml:"nominal_rate" mapstructure:"nominal_rate"`
}

// DefaultParams returns the noise figures of a typical MEMS IMU sampled at 200Hz.
func DefaultParams() Params {
	return Params{
		GyroNoiseDensity: 0.00016968,
		AccNoiseDensity:  0.002,
		GyroRandomWalk:   0.000022,
		AccRandomWalk:    0.0025,
		IntegrationSigma: 1e-8,
		Gravity:          r3.Vector{Z: -StandardGravity},
		NominalRate:      0.005,
	}
}

// Validate ensures all parts of the config are valid.
func (p *Params) Validate(path string) error {
	var err error
	for _, field := range []struct {
		name  string
		value float64
	}{
		{"gyro_noise_density", p.GyroNoiseDensity},
		{"acc_noise_density", p.AccNoiseDensity},
		{"integration_sigma", p.IntegrationSigma},
	} {
		if field.value < 0 || math.IsNaN(field.value) {
			err = multierr.Append(err, goutils.NewConfigValidationError(path,
				errors.Errorf("%s must be non-negative, got %v", field.name, field.value)))
		}
	}
	// The random walks become the sigmas of the bias between factors.
	if !(p.GyroRandomWalk > 0) {
		err = multierr.Append(err, goutils.NewConfigValidationFieldRequiredError(path, "gyro_random_walk"))
	}
	if !(p.AccRandomWalk > 0) {
		err = multierr.Append(err, goutils.NewConfigValidationFieldRequiredError(path, "acc_random_walk"))
	}
	if p.NominalRate <= 0 {
		err = multierr.Append(err, goutils.NewConfigValidationFieldRequiredError(path, "nominal_rate"))
	}
	if p.Gravity.Norm() == 0 {
		err = multierr.Append(err, goutils.NewConfigValidationFieldRequiredError(path, "gravity"))
	}
	return err
}
