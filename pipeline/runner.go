// Package pipeline connects a keyframe producer to the back end. Keyframes are queued, paired with
// the inertial samples received since the previous keyframe and handed to the back end one at a
// time from a single consumer goroutine, which also feeds the estimated bias back into the
// preintegrator.
package pipeline

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	goutils "go.viam.com/utils"

	"go.viam.com/vio/backend"
	"go.viam.com/vio/imu"
	"go.viam.com/vio/logging"
	"go.viam.com/vio/stereo"
)

// ErrClosed is returned by Submit once the runner has been closed.
var ErrClosed = errors.New("pipeline closed")

const imuPollPeriod = 5 * time.Millisecond

// Backend is the part of the back end the runner drives.
type Backend interface {
	AddVisualInertialStateAndOptimize(ctx context.Context, in *backend.InputPayload) (*backend.Output, error)
	CurrentState() backend.State
}

// Config sizes the runner's queues.
type Config struct {
	QueueSize     int `json:"queue_size"`
	ImuBufferSize int `json:"imu_buffer_size"`
	// ImuTimeout bounds how long a keyframe waits for the inertial samples that close its interval.
	ImuTimeout time.Duration `json:"imu_timeout"`
}

// DefaultConfig returns a small queue and a buffer holding a few seconds of 200Hz samples.
func DefaultConfig() Config {
	return Config{QueueSize: 4, ImuBufferSize: 2000, ImuTimeout: time.Second}
}

// Validate ensures all parts of the config are valid.
func (c Config) Validate(path string) error {
	if c.QueueSize <= 0 {
		return goutils.NewConfigValidationError(path, errors.New("queue_size must be positive"))
	}
	if c.ImuBufferSize < 0 {
		return goutils.NewConfigValidationError(path, errors.New("imu_buffer_size cannot be negative"))
	}
	if c.ImuTimeout <= 0 {
		return goutils.NewConfigValidationError(path, errors.New("imu_timeout must be positive"))
	}
	return nil
}

// Keyframe is what the frontend submits for one keyframe. The inertial part is assembled by the
// runner from the samples passed to AddImu.
type Keyframe struct {
	Timestamp        int64
	Measurements     stereo.StatusMeasurements
	Planes           []backend.Plane
	StereoRansacPose backend.OptionalPose
}

// Result is the outcome of one keyframe. Exactly one of Output and Err is set.
type Result struct {
	Timestamp int64
	Output    *backend.Output
	Err       error
}

// Option configures a Runner.
type Option func(*Runner)

// WithClock replaces the clock used while waiting for inertial data.
func WithClock(c clock.Clock) Option {
	return func(r *Runner) { r.clock = c }
}

// Runner serializes keyframes into the back end.
type Runner struct {
	cfg     Config
	backend Backend
	pre     *imu.Preintegrator
	imu     *imu.Buffer
	queue   chan Keyframe
	handler func(Result)
	logger  logging.Logger
	clock   clock.Clock
	workers *workers

	// owned by the consumer goroutine
	lastTimestamp int64
}

// NewRunner starts a runner feeding be. The consumer runs under ctx until Close. Results are
// delivered to handler from the consumer goroutine, in submission order.
func NewRunner(
	ctx context.Context,
	cfg Config,
	be Backend,
	pre *imu.Preintegrator,
	handler func(Result),
	logger logging.Logger,
	opts ...Option,
) (*Runner, error) {
	if err := cfg.Validate("pipeline"); err != nil {
		return nil, err
	}
	if be == nil || pre == nil || handler == nil {
		return nil, errors.New("pipeline needs a back end, a preintegrator and a result handler")
	}
	r := &Runner{
		cfg:           cfg,
		backend:       be,
		pre:           pre,
		imu:           imu.NewBuffer(cfg.ImuBufferSize),
		queue:         make(chan Keyframe, cfg.QueueSize),
		handler:       handler,
		logger:        logger,
		clock:         clock.New(),
		lastTimestamp: be.CurrentState().Timestamp,
	}
	for _, opt := range opts {
		opt(r)
	}
	pre.UpdateBias(be.CurrentState().Bias)
	r.workers = newWorkers(ctx, r.consume)
	return r, nil
}

// AddImu buffers one inertial sample. Timestamps are in nanoseconds and must strictly increase.
func (r *Runner) AddImu(timestamp int64, sample imu.AccGyr) error {
	return r.imu.Add(timestamp, sample)
}

// Submit queues a keyframe. It blocks while the queue is full and returns ctx.Err() if ctx ends
// first.
func (r *Runner) Submit(ctx context.Context, kf Keyframe) error {
	select {
	case <-r.workers.done():
		return ErrClosed
	default:
	}
	select {
	case r.queue <- kf:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.workers.done():
		return ErrClosed
	}
}

// Close stops the consumer. Keyframes still queued are dropped.
func (r *Runner) Close() {
	r.workers.stop()
	if n := len(r.queue); n > 0 {
		r.logger.Infow("dropping queued keyframes", "count", n)
	}
}

func (r *Runner) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case kf := <-r.queue:
			out, err := r.process(ctx, kf)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Warnw("keyframe rejected", "timestamp", kf.Timestamp, "error", err)
			}
			r.handler(Result{Timestamp: kf.Timestamp, Output: out, Err: err})
		}
	}
}

func (r *Runner) process(ctx context.Context, kf Keyframe) (*backend.Output, error) {
	ctx, span := trace.StartSpan(ctx, "pipeline::Runner::process")
	defer span.End()

	if kf.Timestamp <= r.lastTimestamp {
		return nil, errors.Wrapf(backend.ErrInvalidInput, "keyframe at %d is not after %d", kf.Timestamp, r.lastTimestamp)
	}
	timestamps, samples, err := r.waitForImu(ctx, kf.Timestamp)
	if err != nil {
		return nil, err
	}
	r.pre.ResetIntegrationWithCachedBias()
	pim, err := r.pre.Preintegrate(timestamps, samples)
	if err != nil {
		return nil, err
	}
	out, err := r.backend.AddVisualInertialStateAndOptimize(ctx, &backend.InputPayload{
		Timestamp:        kf.Timestamp,
		Measurements:     kf.Measurements,
		Pim:              pim,
		Planes:           kf.Planes,
		StereoRansacPose: kf.StereoRansacPose,
	})
	if err != nil {
		return nil, err
	}
	r.pre.UpdateBias(out.Bias)
	r.lastTimestamp = kf.Timestamp
	dropped := r.imu.PopUntil(kf.Timestamp)
	r.logger.CDebugw(ctx, "keyframe processed",
		"frame", out.FrameID,
		"status", out.Status,
		"imu_samples", len(samples),
		"imu_dropped", dropped)
	return out, nil
}

// waitForImu returns samples spanning exactly the interval closed by a keyframe at t, with both
// borders interpolated, polling until they have arrived.
func (r *Runner) waitForImu(ctx context.Context, t int64) ([]int64, []imu.AccGyr, error) {
	start := r.clock.Now()
	for {
		timestamps, samples, err := r.imu.Interpolated(r.lastTimestamp, t)
		if !errors.Is(err, imu.ErrNotAvailable) {
			return timestamps, samples, err
		}
		if r.clock.Since(start) >= r.cfg.ImuTimeout {
			return nil, nil, errors.Wrapf(err, "waited %s for samples up to %d", r.cfg.ImuTimeout, t)
		}
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-r.clock.After(imuPollPeriod):
		}
	}
}
