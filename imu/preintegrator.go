package imu

import (
	"sync"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/vio/spatialmath"
)

// ErrInvalidImuData is returned when a sample range violates the preintegration contract.
var ErrInvalidImuData = errors.New("invalid imu data")

// AccGyr is one raw inertial sample: specific force in m/s^2 and angular rate in rad/s, both in
// the body frame.
type AccGyr struct {
	Acc  r3.Vector
	Gyro r3.Vector
}

// Preintegrator accumulates inertial samples between keyframes. The cached bias and the gravity
// vector are shared with other goroutines and guarded by mu. The accumulation itself is not
// guarded: only one goroutine may integrate into or reset it at a time.
type Preintegrator struct {
	params Params

	mu         sync.Mutex
	latestBias Bias
	gravity    r3.Vector

	pim PreintegratedMeasurement
}

// NewPreintegrator returns a preintegrator whose first accumulation is linearized around bias.
func NewPreintegrator(params Params, bias Bias) (*Preintegrator, error) {
	if err := params.Validate("imu"); err != nil {
		return nil, err
	}
	p := &Preintegrator{
		params:     params,
		latestBias: bias,
		gravity:    params.Gravity,
	}
	p.pim = NewPreintegratedMeasurement(params, bias, params.Gravity)
	return p, nil
}

func checkSamples(timestamps []int64, samples []AccGyr) error {
	if len(timestamps) != len(samples) {
		return errors.Wrapf(ErrInvalidImuData, "%d timestamps for %d samples", len(timestamps), len(samples))
	}
	if len(timestamps) < 2 {
		return errors.Wrapf(ErrInvalidImuData, "need at least 2 samples, got %d", len(timestamps))
	}
	for i := 1; i < len(timestamps); i++ {
		if timestamps[i] <= timestamps[i-1] {
			return errors.Wrapf(ErrInvalidImuData, "timestamp %d at index %d is not after %d",
				timestamps[i], i, timestamps[i-1])
		}
	}
	return nil
}

// Preintegrate integrates sample i over [timestamps[i], timestamps[i+1]] into the active
// accumulation and returns a snapshot of it. Timestamps are in nanoseconds. The accumulation keeps
// the bias it was reset with, whatever UpdateBias has stored since.
func (p *Preintegrator) Preintegrate(timestamps []int64, samples []AccGyr) (PreintegratedMeasurement, error) {
	if err := checkSamples(timestamps, samples); err != nil {
		return PreintegratedMeasurement{}, err
	}
	for i := 0; i < len(samples)-1; i++ {
		dt := float64(timestamps[i+1]-timestamps[i]) * 1e-9
		p.pim.IntegrateMeasurement(samples[i].Acc, samples[i].Gyro, dt)
	}
	return p.pim, nil
}

// PreintegrateGyro integrates only the angular rates with the cached gyro bias and returns the
// resulting relative rotation. It does not touch the accumulation.
func (p *Preintegrator) PreintegrateGyro(timestamps []int64, samples []AccGyr) (spatialmath.Rotation, error) {
	if err := checkSamples(timestamps, samples); err != nil {
		return spatialmath.Rotation{}, err
	}
	bias := p.CurrentBias()
	rot := spatialmath.NewRotation()
	for i := 0; i < len(samples)-1; i++ {
		dt := float64(timestamps[i+1]-timestamps[i]) * 1e-9
		rot = rot.Retract(samples[i].Gyro.Sub(bias.Gyro).Mul(dt))
	}
	return rot, nil
}

// UpdateBias caches bias for the next reset. The active accumulation is unchanged.
func (p *Preintegrator) UpdateBias(bias Bias) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latestBias = bias
}

// CurrentBias returns the most recently cached bias.
func (p *Preintegrator) CurrentBias() Bias {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latestBias
}

// ResetGravity replaces the gravity vector used from the next reset on.
func (p *Preintegrator) ResetGravity(gravity r3.Vector) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gravity = gravity
}

// Gravity returns the cached gravity vector.
func (p *Preintegrator) Gravity() r3.Vector {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gravity
}

// ResetIntegrationWithCachedBias starts a new accumulation around the cached bias and gravity.
// It must not run concurrently with Preintegrate.
func (p *Preintegrator) ResetIntegrationWithCachedBias() {
	p.mu.Lock()
	bias, gravity := p.latestBias, p.gravity
	p.mu.Unlock()
	p.pim = NewPreintegratedMeasurement(p.params, bias, gravity)
}

// CurrentPIM returns a snapshot of the active accumulation.
func (p *Preintegrator) CurrentPIM() PreintegratedMeasurement {
	return p.pim
}

// Params returns the IMU parameters.
func (p *Preintegrator) Params() Params {
	return p.params
}
