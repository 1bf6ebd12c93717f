package backend

import (
	"context"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
	"go.viam.com/test"

	"go.viam.com/vio/factorgraph"
	"go.viam.com/vio/imu"
	"go.viam.com/vio/logging"
	"go.viam.com/vio/spatialmath"
	"go.viam.com/vio/stereo"
	"go.viam.com/vio/testutils"
)

const wallDistance = 5.0

type scenario struct {
	traj  *testutils.Trajectory
	scene *testutils.Scene
	pre   *imu.Preintegrator
}

func newScenario(t *testing.T, cfg testutils.TrajectoryConfig) *scenario {
	t.Helper()
	traj, err := testutils.GenerateTrajectory(cfg)
	test.That(t, err, test.ShouldBeNil)
	pre, err := imu.NewPreintegrator(imu.DefaultParams(), imu.Bias{})
	test.That(t, err, test.ShouldBeNil)
	return &scenario{
		traj:  traj,
		scene: testutils.NewWallScene(testutils.DefaultRig(), 6, 5, wallDistance, 0.6),
		pre:   pre,
	}
}

func defaultScenario(t *testing.T, numKeyframes int) *scenario {
	t.Helper()
	cfg := testutils.DefaultTrajectoryConfig()
	cfg.NumKeyframes = numKeyframes
	return newScenario(t, cfg)
}

func (s *scenario) initialState() State {
	kf := s.traj.Keyframes[0]
	return State{Timestamp: kf.Timestamp, Pose: kf.State.Pose, Velocity: kf.State.Velocity}
}

// payload returns the exact input of keyframe k.
func (s *scenario) payload(t *testing.T, k int) *InputPayload {
	t.Helper()
	kf := s.traj.Keyframes[k]
	pim, err := kf.Preintegrate(s.pre)
	test.That(t, err, test.ShouldBeNil)
	in := &InputPayload{
		Timestamp: kf.Timestamp,
		Measurements: stereo.StatusMeasurements{
			Summary: stereo.TrackerStatusSummary{
				MonoStatus:   stereo.Valid,
				StereoStatus: stereo.Valid,
			},
			Measurements: s.scene.Observe(kf.State.Pose),
		},
		Pim: pim,
	}
	if k > 0 {
		in.StereoRansacPose = SomePose(testutils.RelativePose(s.traj.Keyframes[k-1].State, kf.State))
	}
	return in
}

func (s *scenario) wallPlane(id PlaneID) Plane {
	pl := testutils.WallPlane(wallDistance)
	return Plane{ID: id, Normal: pl.Normal, Distance: pl.Distance, LandmarkIDs: s.scene.IDs()}
}

func newTestBackend(t *testing.T, params Params, s *scenario, opts ...Option) *Backend {
	t.Helper()
	b, err := New(context.Background(), params, s.scene.Rig, s.initialState(), logging.NewTestLogger(t), opts...)
	test.That(t, err, test.ShouldBeNil)
	return b
}

func TestNewRejectsBadConfig(t *testing.T) {
	s := defaultScenario(t, 1)
	logger := logging.NewTestLogger(t)

	params := DefaultParams()
	params.Horizon = 0
	_, err := New(context.Background(), params, s.scene.Rig, s.initialState(), logger)
	test.That(t, err, test.ShouldNotBeNil)

	rig := s.scene.Rig
	rig.Calibration.Baseline = 0
	_, err = New(context.Background(), DefaultParams(), rig, s.initialState(), logger)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestAddRejectsInvalidInput(t *testing.T) {
	s := defaultScenario(t, 3)
	b := newTestBackend(t, DefaultParams(), s)
	ctx := context.Background()

	for _, tc := range []struct {
		name   string
		mutate func(in *InputPayload) *InputPayload
	}{
		{"nil payload", func(*InputPayload) *InputPayload { return nil }},
		{"stale timestamp", func(in *InputPayload) *InputPayload {
			in.Timestamp = s.traj.Keyframes[0].Timestamp
			return in
		}},
		{"empty preintegration", func(in *InputPayload) *InputPayload {
			in.Pim = imu.PreintegratedMeasurement{}
			return in
		}},
		{"preintegration shorter than the interval", func(in *InputPayload) *InputPayload {
			kf := s.traj.Keyframes[1]
			n := len(kf.Timestamps) - 1
			s.pre.ResetIntegrationWithCachedBias()
			pim, err := s.pre.Preintegrate(kf.Timestamps[:n], kf.Samples[:n])
			test.That(t, err, test.ShouldBeNil)
			in.Pim = pim
			return in
		}},
		{"duplicate landmark", func(in *InputPayload) *InputPayload {
			in.Measurements.Measurements = append(in.Measurements.Measurements, in.Measurements.Measurements[0])
			return in
		}},
		{"plane without normal", func(in *InputPayload) *InputPayload {
			in.Planes = []Plane{{ID: 1, Distance: 2}}
			return in
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := b.AddVisualInertialStateAndOptimize(ctx, tc.mutate(s.payload(t, 1)))
			test.That(t, errors.Is(err, ErrInvalidInput), test.ShouldBeTrue)
			test.That(t, b.CurrentState().FrameID, test.ShouldEqual, 0)
		})
	}

	out, err := b.AddVisualInertialStateAndOptimize(ctx, s.payload(t, 1))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.FrameID, test.ShouldEqual, 1)
}

func TestBackendTracksSyntheticTrajectory(t *testing.T) {
	s := defaultScenario(t, 3)
	params := DefaultParams()
	params.RansacPoseSeed = true
	params.AddBetweenStereoFactors = false
	mock := clock.NewMock()
	b := newTestBackend(t, params, s, WithClock(mock))
	ctx := context.Background()

	for k := 1; k < 3; k++ {
		in := s.payload(t, k)
		// Seed the new pose 2cm and 5mrad away from the truth.
		off := spatialmath.NewPose(spatialmath.RotationFromRPY(0.005, 0, -0.005), r3.Vector{X: 0.02, Y: -0.01})
		in.StereoRansacPose = SomePose(in.StereoRansacPose.Pose.Compose(off))

		out, err := b.AddVisualInertialStateAndOptimize(ctx, in)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, out.Status, test.ShouldEqual, StatusOK)
		test.That(t, out.FrameID, test.ShouldEqual, FrameID(k))
		test.That(t, out.Timestamp, test.ShouldEqual, in.Timestamp)

		truth := s.traj.Keyframes[k].State
		test.That(t, spatialmath.PoseAlmostEqual(out.Pose, truth.Pose, 1e-3), test.ShouldBeTrue)
		test.That(t, out.Velocity.Sub(truth.Velocity).Norm(), test.ShouldBeLessThan, 1e-2)
		test.That(t, out.Bias.AlmostEqual(imu.Bias{}, 1e-2), test.ShouldBeTrue)
	}

	// Landmarks seen from keyframes 1 and 2 are smart factors now.
	info := b.DebugInfo()
	test.That(t, info.FrameID, test.ShouldEqual, 2)
	test.That(t, info.NumNewLandmarks, test.ShouldBeGreaterThan, 0)
	test.That(t, b.CurrentState().FrameID, test.ShouldEqual, 2)
	test.That(t, len(b.tracker.ids(smartLandmark)), test.ShouldEqual, info.NumNewLandmarks)
	test.That(t, len(b.tracker.ids(explicitLandmark)), test.ShouldEqual, 0)

	points := b.Landmarks3D()
	test.That(t, len(points), test.ShouldBeGreaterThan, 0)
	for id, p := range points {
		test.That(t, p.Sub(s.scene.Landmarks[id]).Norm(), test.ShouldBeLessThan, 1e-2)
	}

	test.That(t, b.Metrics().Get("backend.keyframes"), test.ShouldNotBeNil)
}

func TestConversionEmitsOneProjectionPerObservation(t *testing.T) {
	s := defaultScenario(t, 4)
	params := DefaultParams()
	params.Modality = Projection
	params.MinNumObsForProjection = 3
	b := newTestBackend(t, params, s)
	ctx := context.Background()

	for k := 1; k < 3; k++ {
		_, err := b.AddVisualInertialStateAndOptimize(ctx, s.payload(t, k))
		test.That(t, err, test.ShouldBeNil)
	}
	smart := b.tracker.ids(smartLandmark)
	test.That(t, len(smart), test.ShouldBeGreaterThan, 0)
	oldSlots := map[stereo.LandmarkID]int{}
	oldFactors := map[stereo.LandmarkID]factorgraph.Factor{}
	for _, id := range smart {
		oldSlots[id] = b.tracker.smart[id].slot
		oldFactors[id] = b.tracker.smart[id].factor
	}

	out, err := b.AddVisualInertialStateAndOptimize(ctx, s.payload(t, 3))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.Status, test.ShouldEqual, StatusOK)

	info := b.DebugInfo()
	test.That(t, info.NumConvertedLandmarks, test.ShouldEqual, len(smart))
	test.That(t, info.NumAddedProjection, test.ShouldEqual, 3*len(smart))
	// Each old smart slot is deleted exactly once.
	test.That(t, info.NumDeletedFactors, test.ShouldEqual, len(smart))
	test.That(t, out.NumExplicitLandmarks, test.ShouldEqual, len(smart))
	test.That(t, out.NumSmartLandmarks, test.ShouldEqual, 0)

	estimate := b.opt.CalculateEstimate()
	for _, id := range smart {
		_, stillSmart := b.tracker.smart[id]
		test.That(t, stillSmart, test.ShouldBeFalse)
		// The slot may hold a new factor but never the deleted smart factor.
		f, live := b.opt.FactorAt(oldSlots[id])
		test.That(t, live && f == oldFactors[id], test.ShouldBeFalse)

		refs := b.tracker.projection[id]
		test.That(t, len(refs), test.ShouldEqual, 3)
		for frame, ref := range refs {
			f, ok := b.opt.FactorAt(ref.slot)
			test.That(t, ok, test.ShouldBeTrue)
			proj, ok := f.(*factorgraph.StereoProjectionFactor)
			test.That(t, ok, test.ShouldBeTrue)
			test.That(t, proj.PointKey, test.ShouldEqual, factorgraph.LandmarkKey(int64(id)))
			test.That(t, proj.PoseKey, test.ShouldEqual, factorgraph.PoseKey(int64(frame)))
		}

		p, err := estimate.Point3(factorgraph.LandmarkKey(int64(id)))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, p.Sub(s.scene.Landmarks[id]).Norm(), test.ShouldBeLessThan, 1e-2)
	}
}

func TestLowDisparityAddsNoMotionFactor(t *testing.T) {
	cfg := testutils.DefaultTrajectoryConfig()
	cfg.NumKeyframes = 3
	cfg.Start.Velocity = r3.Vector{}
	cfg.Gyro = r3.Vector{}
	s := newScenario(t, cfg)
	params := DefaultParams()
	// The stereo between factor of a still body would look like a second no-motion factor.
	params.AddBetweenStereoFactors = false
	b := newTestBackend(t, params, s)
	ctx := context.Background()

	_, err := b.AddVisualInertialStateAndOptimize(ctx, s.payload(t, 1))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, b.DebugInfo().NoMotionFactorAdded, test.ShouldBeFalse)

	in := s.payload(t, 2)
	in.Measurements.Summary.MonoStatus = stereo.LowDisparity
	out, err := b.AddVisualInertialStateAndOptimize(ctx, in)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, b.DebugInfo().NoMotionFactorAdded, test.ShouldBeTrue)
	// Tracks are extended but no landmark enters the graph.
	test.That(t, b.DebugInfo().NumNewLandmarks, test.ShouldEqual, 0)
	test.That(t, out.NumSmartLandmarks, test.ShouldEqual, 0)

	var noMotion, zeroVelocity int
	for slot := 0; slot < b.opt.NumSlots(); slot++ {
		f, ok := b.opt.FactorAt(slot)
		if !ok {
			continue
		}
		switch f := f.(type) {
		case *factorgraph.BetweenFactor:
			pose, isPose := f.Measured.(factorgraph.PoseValue)
			if isPose && f.Key1 == factorgraph.PoseKey(1) && f.Key2 == factorgraph.PoseKey(2) &&
				spatialmath.PoseAlmostEqual(pose.Pose, spatialmath.NewZeroPose(), 0) {
				noMotion++
			}
		case *factorgraph.PriorFactor:
			if f.Keys()[0] == factorgraph.VelocityKey(2) {
				zeroVelocity++
			}
		}
	}
	test.That(t, noMotion, test.ShouldEqual, 1)
	test.That(t, zeroVelocity, test.ShouldEqual, 1)
	test.That(t, out.Velocity.Norm(), test.ShouldBeLessThan, 1e-2)
}

func TestRegularityEstimatesPlane(t *testing.T) {
	s := defaultScenario(t, 4)
	params := DefaultParams()
	params.Modality = ProjectionAndRegularity
	params.MinNumObsForProjection = 2
	params.MinPlaneConstraints = 3
	b := newTestBackend(t, params, s)
	ctx := context.Background()

	var out *Output
	for k := 1; k < 4; k++ {
		in := s.payload(t, k)
		in.Planes = []Plane{s.wallPlane(7)}
		// Start the plane estimate off the truth.
		in.Planes[0].Distance += 0.2
		var err error
		out, err = b.AddVisualInertialStateAndOptimize(ctx, in)
		test.That(t, err, test.ShouldBeNil)
	}
	test.That(t, out.Status, test.ShouldEqual, StatusOK)
	test.That(t, len(out.Planes), test.ShouldEqual, 1)
	test.That(t, out.Planes[0].ID, test.ShouldEqual, PlaneID(7))
	test.That(t, out.Planes[0].Normal.Sub(r3.Vector{X: 1}).Norm(), test.ShouldBeLessThan, 1e-2)
	test.That(t, out.Planes[0].Distance, test.ShouldAlmostEqual, wallDistance, 1e-2)

	rs := b.strategy.(*regularityStrategy)
	test.That(t, len(rs.associationsOf(7)), test.ShouldEqual, out.NumExplicitLandmarks)
	// Steady state adds nothing.
	test.That(t, b.DebugInfo().NumAddedRegularity, test.ShouldEqual, 0)
	test.That(t, b.DebugInfo().NumRemovedRegularity, test.ShouldEqual, 0)
}

func TestMarginalizationKeepsHorizon(t *testing.T) {
	s := defaultScenario(t, 7)
	params := DefaultParams()
	params.Horizon = 0.5
	logger, logs := logging.NewObservedTestLogger(t)
	b, err := New(context.Background(), params, s.scene.Rig, s.initialState(), logger)
	test.That(t, err, test.ShouldBeNil)
	ctx := context.Background()

	for k := 1; k < 7; k++ {
		out, err := b.AddVisualInertialStateAndOptimize(ctx, s.payload(t, k))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, out.Status, test.ShouldEqual, StatusOK)
		truth := s.traj.Keyframes[k].State
		test.That(t, spatialmath.PoseAlmostEqual(out.Pose, truth.Pose, 1e-3), test.ShouldBeTrue)
	}

	estimate := b.opt.CalculateEstimate()
	// Keyframes are 200ms apart, so with a 500ms horizon only frames 4 to 6 remain.
	for frame := int64(0); frame < 7; frame++ {
		want := frame >= 4
		test.That(t, estimate.Exists(factorgraph.PoseKey(frame)), test.ShouldEqual, want)
		test.That(t, estimate.Exists(factorgraph.VelocityKey(frame)), test.ShouldEqual, want)
		test.That(t, estimate.Exists(factorgraph.BiasKey(frame)), test.ShouldEqual, want)
	}
	// No live smart factor references a marginalized keyframe.
	for _, id := range b.tracker.ids(smartLandmark) {
		for _, k := range b.tracker.smart[id].factor.Keys() {
			test.That(t, estimate.Exists(k), test.ShouldBeTrue)
		}
	}
	test.That(t, b.DebugInfo().NumMarginalizedFactors, test.ShouldBeGreaterThan, 0)
	test.That(t, logs.FilterLevelExact(zapcore.ErrorLevel).Len(), test.ShouldEqual, 0)
}
