package backend

import (
	"context"
	"sort"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	"go.viam.com/vio/alignment"
	"go.viam.com/vio/factorgraph"
	"go.viam.com/vio/logging"
	"go.viam.com/vio/noise"
	"go.viam.com/vio/optimizer"
	"go.viam.com/vio/spatialmath"
	"go.viam.com/vio/stereo"
)

// BatchInitializer bootstraps the incremental back end with a one-shot bundle adjustment over a
// short window of keyframes followed by visual-inertial alignment.
type BatchInitializer struct {
	params Params
	rig    stereo.Rig
	logger logging.Logger
	clock  clock.Clock
}

// NewBatchInitializer returns an initializer sharing the back end's parameters.
func NewBatchInitializer(params Params, rig stereo.Rig, logger logging.Logger) (*BatchInitializer, error) {
	if err := params.Validate("initializer"); err != nil {
		return nil, err
	}
	if err := rig.Calibration.Validate("initializer.rig"); err != nil {
		return nil, err
	}
	return &BatchInitializer{params: params, rig: rig, logger: logger, clock: clock.New()}, nil
}

// batchProblem is the scratch state of one bundle adjustment.
type batchProblem struct {
	values *factorgraph.Values
	graph  factorgraph.Graph
	tracks map[stereo.LandmarkID][]observation
}

// AddInitialVisualStatesAndOptimize bundle-adjusts the keyframes of inputs using their stereo
// observations and RANSAC relative poses. It returns one pose per input, the first being the
// identity and the others expressed relative to it.
func (bi *BatchInitializer) AddInitialVisualStatesAndOptimize(
	ctx context.Context,
	inputs []*InputPayload,
) ([]spatialmath.Pose, error) {
	ctx, span := trace.StartSpan(ctx, "backend::BatchInitializer::AddInitialVisualStatesAndOptimize")
	defer span.End()

	if len(inputs) == 0 {
		return nil, errors.Wrap(ErrInvalidInput, "no keyframes to initialize from")
	}
	for i, in := range inputs {
		if in == nil {
			return nil, errors.Wrapf(ErrInvalidInput, "keyframe %d is nil", i)
		}
	}
	start := bi.clock.Now()

	bp := &batchProblem{values: factorgraph.NewValues(), tracks: map[stereo.LandmarkID][]observation{}}
	if err := bi.addVisualStates(bp, inputs); err != nil {
		return nil, err
	}
	numSmart := bi.addSmartFactors(bp)

	params := bi.params.Optimizer
	params.Solver = optimizer.LevenbergMarquardtSolver
	estimate, summary, err := optimizer.LevenbergMarquardt(ctx, bp.graph, bp.values, params, bi.logger.Sublogger("batch"))
	if err != nil {
		return nil, errors.Wrap(err, "initial bundle adjustment")
	}

	poses := make([]spatialmath.Pose, len(inputs))
	var first spatialmath.Pose
	for i := range inputs {
		pose, err := estimate.Pose(factorgraph.PoseKey(int64(i)))
		if err != nil {
			return nil, err
		}
		if i == 0 {
			first = pose
			poses[0] = spatialmath.NewZeroPose()
			continue
		}
		poses[i] = first.Between(pose)
	}
	bi.logger.CDebugw(ctx, "initial bundle adjustment done",
		"keyframes", len(inputs),
		"smart_factors", numSmart,
		"error_before", summary.ErrorBefore,
		"error_after", summary.ErrorAfter,
		"took", bi.clock.Since(start))
	return poses, nil
}

// addVisualStates inserts one pose per keyframe, chained through the RANSAC relative poses, with
// the between and no-motion factors the tracking status allows. A prior holds the first pose.
func (bi *BatchInitializer) addVisualStates(bp *batchProblem, inputs []*InputPayload) error {
	p := bi.params
	priorNoise, err := noise.NewDiagonalSigmas(
		p.InitialRollPitchSigma, p.InitialRollPitchSigma, p.InitialYawSigma,
		p.InitialPositionSigma, p.InitialPositionSigma, p.InitialPositionSigma)
	if err != nil {
		return err
	}
	pose := spatialmath.NewZeroPose()
	prior, err := factorgraph.NewPriorFactor(factorgraph.PoseKey(0), factorgraph.PoseValue{Pose: pose}, priorNoise)
	if err != nil {
		return err
	}
	bp.graph = append(bp.graph, prior)

	for i, in := range inputs {
		cur := int64(i)
		summary := in.Measurements.Summary
		useBetween := i > 0 && p.AddBetweenStereoFactors && summary.StereoStatus == stereo.Valid && in.StereoRansacPose.Valid
		if useBetween {
			pose = pose.Compose(in.StereoRansacPose.Pose)
			f, err := stereoBetweenFactor(p, cur-1, cur, in.StereoRansacPose.Pose)
			if err != nil {
				return errors.Wrap(err, "stereo between factor")
			}
			if f != nil {
				bp.graph = append(bp.graph, f)
			}
		}
		if err := bp.values.Insert(factorgraph.PoseKey(cur), factorgraph.PoseValue{Pose: pose}); err != nil {
			return err
		}
		if i > 0 && summary.MonoStatus == stereo.LowDisparity {
			f, err := noMotionFactor(p, cur-1, cur)
			if err != nil {
				return err
			}
			bp.graph = append(bp.graph, f)
			bi.logger.Debugw("no-motion factor added in bundle adjustment", "frame", cur)
		}
		for _, m := range in.Measurements.Measurements {
			bp.tracks[m.LandmarkID] = append(bp.tracks[m.LandmarkID], observation{frame: FrameID(cur), point: m.Point})
		}
	}
	return nil
}

// addSmartFactors adds a smart factor for every landmark seen at least twice.
func (bi *BatchInitializer) addSmartFactors(bp *batchProblem) int {
	ids := make([]stereo.LandmarkID, 0, len(bp.tracks))
	for id, track := range bp.tracks {
		if len(track) >= 2 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		f := factorgraph.NewSmartStereoFactor(bi.rig, bi.params.SmartNoiseSigma, bi.params.smartParams())
		for _, obs := range bp.tracks[id] {
			if err := f.Add(factorgraph.PoseKey(int64(obs.frame)), obs.point); err != nil {
				bi.logger.Debugw("skipping observation", "landmark", id, "frame", obs.frame, "error", err)
			}
		}
		bp.graph = append(bp.graph, f)
	}
	return len(ids)
}

// BundleAdjustmentAndGravityAlignment bundle-adjusts inputs and aligns the result with the
// inertial measurements between the keyframes. The measurement of the first input, which covers
// the time before the window, is not used.
func (bi *BatchInitializer) BundleAdjustmentAndGravityAlignment(
	ctx context.Context,
	inputs []*InputPayload,
) (alignment.Result, error) {
	ctx, span := trace.StartSpan(ctx, "backend::BatchInitializer::BundleAdjustmentAndGravityAlignment")
	defer span.End()

	poses, err := bi.AddInitialVisualStatesAndOptimize(ctx, inputs)
	if err != nil {
		return alignment.Result{}, err
	}
	in := alignment.Input{Poses: poses, Gravity: bi.params.Imu.Gravity}
	for i := 1; i < len(inputs); i++ {
		in.Pims = append(in.Pims, inputs[i].Pim)
		in.DeltaTs = append(in.DeltaTs, float64(inputs[i].Timestamp-inputs[i-1].Timestamp)*1e-9)
	}
	start := bi.clock.Now()
	res, err := alignment.Align(ctx, in, bi.logger.Sublogger("alignment"))
	if err != nil {
		return alignment.Result{}, err
	}
	bi.logger.CDebugw(ctx, "online gravity alignment done", "gyro_bias", res.GyroBias, "took", bi.clock.Since(start))
	return res, nil
}
