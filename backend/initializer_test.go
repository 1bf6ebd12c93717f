package backend

import (
	"context"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/vio/imu"
	"go.viam.com/vio/logging"
	"go.viam.com/vio/spatialmath"
	"go.viam.com/vio/stereo"
	"go.viam.com/vio/testutils"
)

func initializerInputs(t *testing.T, s *scenario) []*InputPayload {
	t.Helper()
	inputs := make([]*InputPayload, len(s.traj.Keyframes))
	for k := range inputs {
		inputs[k] = s.payload(t, k)
	}
	return inputs
}

func TestBatchInitializerReturnsOnePosePerKeyframe(t *testing.T) {
	s := defaultScenario(t, 4)
	bi, err := NewBatchInitializer(DefaultParams(), s.scene.Rig, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	inputs := initializerInputs(t, s)
	poses, err := bi.AddInitialVisualStatesAndOptimize(context.Background(), inputs)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, poses, test.ShouldHaveLength, len(inputs))
	test.That(t, spatialmath.PoseAlmostEqual(poses[0], spatialmath.NewZeroPose(), 1e-12), test.ShouldBeTrue)

	first := s.traj.Keyframes[0].State
	for k := 1; k < len(poses); k++ {
		truth := testutils.RelativePose(first, s.traj.Keyframes[k].State)
		test.That(t, spatialmath.PoseAlmostEqual(poses[k], truth, 1e-3), test.ShouldBeTrue)
	}

	// Nothing carries over between calls.
	again, err := bi.AddInitialVisualStatesAndOptimize(context.Background(), inputs)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, again, test.ShouldHaveLength, len(inputs))
	for k := range again {
		test.That(t, spatialmath.PoseAlmostEqual(again[k], poses[k], 1e-9), test.ShouldBeTrue)
	}
}

func TestBatchInitializerWithoutRansac(t *testing.T) {
	cfg := testutils.DefaultTrajectoryConfig()
	cfg.NumKeyframes = 4
	cfg.Start.Velocity = r3.Vector{}
	cfg.Gyro = r3.Vector{}
	s := newScenario(t, cfg)
	bi, err := NewBatchInitializer(DefaultParams(), s.scene.Rig, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	inputs := initializerInputs(t, s)
	for _, in := range inputs[1:] {
		in.StereoRansacPose = OptionalPose{}
		in.Measurements.Summary.MonoStatus = stereo.LowDisparity
	}
	poses, err := bi.AddInitialVisualStatesAndOptimize(context.Background(), inputs)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, poses, test.ShouldHaveLength, 4)
	for _, p := range poses {
		test.That(t, spatialmath.PoseAlmostEqual(p, spatialmath.NewZeroPose(), 1e-3), test.ShouldBeTrue)
	}
}

func TestBatchInitializerRejectsEmptyInput(t *testing.T) {
	s := defaultScenario(t, 1)
	bi, err := NewBatchInitializer(DefaultParams(), s.scene.Rig, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	_, err = bi.AddInitialVisualStatesAndOptimize(context.Background(), nil)
	test.That(t, errors.Is(err, ErrInvalidInput), test.ShouldBeTrue)
	_, err = bi.AddInitialVisualStatesAndOptimize(context.Background(), []*InputPayload{nil})
	test.That(t, errors.Is(err, ErrInvalidInput), test.ShouldBeTrue)
}

func TestBundleAdjustmentAndGravityAlignment(t *testing.T) {
	s := defaultScenario(t, 5)
	bi, err := NewBatchInitializer(DefaultParams(), s.scene.Rig, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	res, err := bi.BundleAdjustmentAndGravityAlignment(context.Background(), initializerInputs(t, s))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.GyroBias.Norm(), test.ShouldBeLessThan, 1e-3)
	test.That(t, res.Gravity.Sub(r3.Vector{Z: -imu.StandardGravity}).Norm(), test.ShouldBeLessThan, 0.1)
	test.That(t, res.Velocities, test.ShouldHaveLength, 5)
	first := s.traj.Keyframes[0].State
	test.That(t, res.Velocities[0].Sub(first.Pose.Rotation.Unrotate(first.Velocity)).Norm(), test.ShouldBeLessThan, 0.05)
}
