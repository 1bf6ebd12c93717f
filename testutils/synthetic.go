// Package testutils generates synthetic inertial trajectories and stereo scenes for tests and
// demos.
package testutils

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/vio/imu"
	"go.viam.com/vio/spatialmath"
	"go.viam.com/vio/stereo"
)

// TrajectoryConfig describes a body moving under constant body-frame specific force and angular
// rate. Measured samples are the true ones plus Bias.
type TrajectoryConfig struct {
	Start            imu.NavState
	Acc              r3.Vector
	Gyro             r3.Vector
	Bias             imu.Bias
	Gravity          r3.Vector
	SamplePeriodNs   int64
	KeyframePeriodNs int64
	NumKeyframes     int
}

// DefaultTrajectoryConfig is a slow forward walk with a gentle turn, sampled at 200Hz with a
// keyframe every 200ms. The specific force cancels gravity, so velocity stays nearly constant.
func DefaultTrajectoryConfig() TrajectoryConfig {
	return TrajectoryConfig{
		Start: imu.NavState{
			Pose:     spatialmath.NewZeroPose(),
			Velocity: r3.Vector{X: 0.5},
		},
		Acc:              r3.Vector{Z: imu.StandardGravity},
		Gyro:             r3.Vector{Z: 0.05},
		Gravity:          r3.Vector{Z: -imu.StandardGravity},
		SamplePeriodNs:   5e6,
		KeyframePeriodNs: 2e8,
		NumKeyframes:     5,
	}
}

// Keyframe is one keyframe of a synthetic trajectory with the samples measured since the previous
// keyframe. The samples of the first keyframe cover the interval before it.
type Keyframe struct {
	Timestamp  int64
	State      imu.NavState
	Timestamps []int64
	Samples    []imu.AccGyr
}

// Trajectory is a sequence of keyframes.
type Trajectory struct {
	Config    TrajectoryConfig
	Keyframes []Keyframe
}

// step propagates the true state over one sample with the discretization the preintegrator uses,
// so preintegrated deltas reproduce the trajectory exactly.
func step(s imu.NavState, acc, gyro, gravity r3.Vector, dt float64) imu.NavState {
	rot := s.Pose.Rotation
	ra := rot.Rotate(acc)
	pos := s.Pose.Translation.
		Add(s.Velocity.Mul(dt)).
		Add(gravity.Mul(0.5 * dt * dt)).
		Add(ra.Mul(0.5 * dt * dt))
	vel := s.Velocity.Add(gravity.Mul(dt)).Add(ra.Mul(dt))
	return imu.NavState{
		Pose:     spatialmath.NewPose(rot.Compose(spatialmath.RotationExpmap(gyro.Mul(dt))), pos),
		Velocity: vel,
	}
}

// GenerateTrajectory integrates the configured motion. The first keyframe sits at Start, one
// keyframe period after time zero.
func GenerateTrajectory(cfg TrajectoryConfig) (*Trajectory, error) {
	if cfg.SamplePeriodNs <= 0 || cfg.KeyframePeriodNs <= 0 || cfg.KeyframePeriodNs%cfg.SamplePeriodNs != 0 {
		return nil, errors.Errorf("keyframe period %d must be a positive multiple of sample period %d",
			cfg.KeyframePeriodNs, cfg.SamplePeriodNs)
	}
	if cfg.NumKeyframes < 1 {
		return nil, errors.New("need at least one keyframe")
	}
	dt := float64(cfg.SamplePeriodNs) * 1e-9
	measured := imu.AccGyr{Acc: cfg.Acc.Add(cfg.Bias.Acc), Gyro: cfg.Gyro.Add(cfg.Bias.Gyro)}
	perKeyframe := int(cfg.KeyframePeriodNs / cfg.SamplePeriodNs)

	traj := &Trajectory{Config: cfg}
	state := cfg.Start
	ts := cfg.KeyframePeriodNs
	for k := 0; k < cfg.NumKeyframes; k++ {
		kf := Keyframe{Timestamp: ts, State: state}
		if k == 0 {
			kf.Timestamps, kf.Samples = constantSamples(0, cfg.SamplePeriodNs, perKeyframe, measured)
			traj.Keyframes = append(traj.Keyframes, kf)
			continue
		}
		start := traj.Keyframes[k-1].Timestamp
		for i := 0; i < perKeyframe; i++ {
			state = step(state, cfg.Acc, cfg.Gyro, cfg.Gravity, dt)
		}
		ts = start + cfg.KeyframePeriodNs
		kf = Keyframe{Timestamp: ts, State: state}
		kf.Timestamps, kf.Samples = constantSamples(start, cfg.SamplePeriodNs, perKeyframe, measured)
		traj.Keyframes = append(traj.Keyframes, kf)
	}
	return traj, nil
}

func constantSamples(start, period int64, n int, sample imu.AccGyr) ([]int64, []imu.AccGyr) {
	ts := make([]int64, n+1)
	samples := make([]imu.AccGyr, n+1)
	for i := range ts {
		ts[i] = start + int64(i)*period
		samples[i] = sample
	}
	return ts, samples
}

// Preintegrate resets p and integrates the keyframe's samples.
func (kf Keyframe) Preintegrate(p *imu.Preintegrator) (imu.PreintegratedMeasurement, error) {
	p.ResetIntegrationWithCachedBias()
	return p.Preintegrate(kf.Timestamps, kf.Samples)
}

// DefaultRig is a VGA stereo camera with a 10cm baseline looking along the body x axis.
func DefaultRig() stereo.Rig {
	// Camera z forward, x right, y down; body x forward, z up.
	camInBody := spatialmath.RotationFromMatrix(rotationColumns(
		r3.Vector{Y: -1}, r3.Vector{Z: -1}, r3.Vector{X: 1}))
	return stereo.Rig{
		Calibration: stereo.Calibration{Fx: 400, Fy: 400, Cx: 320, Cy: 240, Baseline: 0.1},
		BodyPoseCam: spatialmath.NewPose(camInBody, r3.Vector{}),
	}
}

// rotationColumns returns the rotation matrix whose columns are x, y and z.
func rotationColumns(x, y, z r3.Vector) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		x.X, y.X, z.X,
		x.Y, y.Y, z.Y,
		x.Z, y.Z, z.Z,
	})
}

// Scene is a set of static landmarks seen by a stereo rig.
type Scene struct {
	Rig       stereo.Rig
	Landmarks map[stereo.LandmarkID]r3.Vector
	Width     float64
	Height    float64
}

// NewWallScene places an nx by nz grid of landmarks on the wall x = distance, spaced by spacing
// and centered on the body's initial line of sight.
func NewWallScene(rig stereo.Rig, nx, nz int, distance, spacing float64) *Scene {
	s := &Scene{
		Rig:       rig,
		Landmarks: map[stereo.LandmarkID]r3.Vector{},
		Width:     2 * rig.Calibration.Cx,
		Height:    2 * rig.Calibration.Cy,
	}
	var id stereo.LandmarkID
	for i := 0; i < nx; i++ {
		for j := 0; j < nz; j++ {
			s.Landmarks[id] = r3.Vector{
				X: distance,
				Y: (float64(i) - float64(nx-1)/2) * spacing,
				Z: (float64(j) - float64(nz-1)/2) * spacing,
			}
			id++
		}
	}
	return s
}

// WallPlane returns the plane holding a wall scene's landmarks.
func WallPlane(distance float64) spatialmath.Plane {
	return spatialmath.NewPlane(r3.Vector{X: 1}, distance)
}

// IDs returns the landmark ids, sorted.
func (s *Scene) IDs() []stereo.LandmarkID {
	ids := make([]stereo.LandmarkID, 0, len(s.Landmarks))
	for id := range s.Landmarks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Observe returns the exact stereo observations of every landmark visible from the body pose,
// sorted by id.
func (s *Scene) Observe(bodyPose spatialmath.Pose) []stereo.Measurement {
	var out []stereo.Measurement
	for _, id := range s.IDs() {
		pt, err := s.Rig.ProjectWorld(bodyPose, s.Landmarks[id])
		if err != nil {
			continue
		}
		if pt.UL < 0 || pt.UL > s.Width || pt.V < 0 || pt.V > s.Height || math.IsNaN(pt.UR) || pt.UR < 0 {
			continue
		}
		out = append(out, stereo.Measurement{LandmarkID: id, Point: pt})
	}
	return out
}

// RelativePose returns the pose of b in the frame of a.
func RelativePose(a, b imu.NavState) spatialmath.Pose {
	return a.Pose.Between(b.Pose)
}
