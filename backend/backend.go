package backend

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/samber/lo"
	"go.opencensus.io/trace"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/vio/factorgraph"
	"go.viam.com/vio/imu"
	"go.viam.com/vio/logging"
	"go.viam.com/vio/noise"
	"go.viam.com/vio/optimizer"
	"go.viam.com/vio/spatialmath"
	"go.viam.com/vio/stereo"
)

// Option configures a Backend.
type Option func(*Backend)

// WithClock sets the clock used to time updates.
func WithClock(c clock.Clock) Option {
	return func(b *Backend) {
		b.clock = c
	}
}

// Backend is the incremental graph manager. It is not safe for concurrent use; the pipeline
// feeding it serializes keyframes.
type Backend struct {
	params Params
	rig    stereo.Rig
	logger logging.Logger
	clock  clock.Clock

	opt      *optimizer.Incremental
	tracker  *landmarkTracker
	strategy extraFactorStrategy

	stereoNoise noise.Model
	monoNoise   noise.Model

	last       State
	timestamps map[FrameID]int64
	oldest     FrameID
	// doomed are explicit landmarks whose factors could not be evaluated in the last update.
	doomed map[stereo.LandmarkID]struct{}

	debug   DebugInfo
	metrics *backendMetrics
}

type backendMetrics struct {
	registry          gometrics.Registry
	keyframes         gometrics.Counter
	converted         gometrics.Counter
	deleted           gometrics.Counter
	regularityAdded   gometrics.Counter
	regularityRemoved gometrics.Counter
	degraded          gometrics.Counter
	optimize          gometrics.Timer
}

func newBackendMetrics() *backendMetrics {
	registry := gometrics.NewRegistry()
	return &backendMetrics{
		registry:          registry,
		keyframes:         gometrics.NewRegisteredCounter("backend.keyframes", registry),
		converted:         gometrics.NewRegisteredCounter("backend.landmarks.converted", registry),
		deleted:           gometrics.NewRegisteredCounter("backend.landmarks.deleted", registry),
		regularityAdded:   gometrics.NewRegisteredCounter("backend.regularity.added", registry),
		regularityRemoved: gometrics.NewRegisteredCounter("backend.regularity.removed", registry),
		degraded:          gometrics.NewRegisteredCounter("backend.updates.degraded", registry),
		optimize:          gometrics.NewRegisteredTimer("backend.optimize", registry),
	}
}

// iteration is the scratch state of one keyframe update.
type iteration struct {
	frame         FrameID
	newValues     *factorgraph.Values
	stateFactors  []factorgraph.Factor
	newSmart      map[stereo.LandmarkID]*factorgraph.SmartStereoFactor
	newProjection map[stereo.LandmarkID][]pendingProjection
	deleteSlots   map[int]struct{}
	deleteOrder   []int
	eraseKeys     []factorgraph.Key
	// lookup is the current estimate extended with the new state values.
	lookup *factorgraph.Values
	info   DebugInfo
}

type pendingProjection struct {
	frame  FrameID
	factor factorgraph.Factor
}

func newIteration(frame FrameID) *iteration {
	return &iteration{
		frame:         frame,
		newValues:     factorgraph.NewValues(),
		newSmart:      map[stereo.LandmarkID]*factorgraph.SmartStereoFactor{},
		newProjection: map[stereo.LandmarkID][]pendingProjection{},
		deleteSlots:   map[int]struct{}{},
		info:          DebugInfo{FrameID: frame},
	}
}

// deleteSlot schedules slot for deletion and reports whether it was not scheduled already.
func (it *iteration) deleteSlot(slot int) bool {
	if _, ok := it.deleteSlots[slot]; ok {
		return false
	}
	it.deleteSlots[slot] = struct{}{}
	it.deleteOrder = append(it.deleteOrder, slot)
	return true
}

// New returns a back end whose first keyframe is initial, held by prior factors.
func New(
	ctx context.Context,
	params Params,
	rig stereo.Rig,
	initial State,
	logger logging.Logger,
	opts ...Option,
) (*Backend, error) {
	if err := params.Validate("backend"); err != nil {
		return nil, err
	}
	if err := rig.Calibration.Validate("backend.rig"); err != nil {
		return nil, err
	}
	stereoNoise, err := robustIsotropic(3, params.StereoNoiseSigma, params.StereoNormType, params.StereoNormParam)
	if err != nil {
		return nil, errors.Wrap(err, "stereo noise")
	}
	monoNoise, err := robustIsotropic(2, params.MonoNoiseSigma, params.MonoNormType, params.MonoNormParam)
	if err != nil {
		return nil, errors.Wrap(err, "mono noise")
	}

	b := &Backend{
		params:      params,
		rig:         rig,
		logger:      logger,
		clock:       clock.New(),
		opt:         optimizer.NewIncremental(params.Optimizer, logger.Sublogger("optimizer")),
		tracker:     newLandmarkTracker(),
		strategy:    noExtraFactors{},
		stereoNoise: stereoNoise,
		monoNoise:   monoNoise,
		timestamps:  map[FrameID]int64{},
		doomed:      map[stereo.LandmarkID]struct{}{},
		metrics:     newBackendMetrics(),
	}
	if params.Modality.usesRegularities() {
		regularityNoise, err := robustIsotropic(1, params.RegularityNoiseSigma, params.RegularityNormType, params.RegularityNormParam)
		if err != nil {
			return nil, errors.Wrap(err, "regularity noise")
		}
		b.strategy = newRegularityStrategy(regularityNoise, params.MinPlaneConstraints, logger.Sublogger("regularity"))
	}
	for _, opt := range opts {
		opt(b)
	}

	initial.FrameID = 0
	if err := b.addInitialState(ctx, initial); err != nil {
		return nil, err
	}
	return b, nil
}

func robustIsotropic(dim int, sigma float64, normType noise.NormType, param float64) (noise.Model, error) {
	base, err := noise.NewIsotropic(dim, sigma)
	if err != nil {
		return nil, err
	}
	return noise.SelectNormType(base, normType, param)
}

// addInitialState inserts frame 0 with priors on pose, velocity and bias. The roll and pitch
// sigmas are given in the world frame and rotated into the body frame the pose tangent uses.
func (b *Backend) addInitialState(ctx context.Context, initial State) error {
	p := b.params
	worldRot := mat.NewDiagDense(3, []float64{
		p.InitialRollPitchSigma * p.InitialRollPitchSigma,
		p.InitialRollPitchSigma * p.InitialRollPitchSigma,
		p.InitialYawSigma * p.InitialYawSigma,
	})
	r := initial.Pose.Rotation.Matrix()
	var bodyRot mat.Dense
	bodyRot.Product(r.T(), worldRot, r)
	cov := mat.NewSymDense(6, nil)
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			cov.SetSym(i, j, 0.5*(bodyRot.At(i, j)+bodyRot.At(j, i)))
		}
		cov.SetSym(3+i, 3+i, p.InitialPositionSigma*p.InitialPositionSigma)
	}
	poseNoise, err := noise.NewGaussianCovariance(cov)
	if err != nil {
		return errors.Wrap(err, "initial pose noise")
	}
	velocityNoise, err := noise.NewIsotropic(3, p.InitialVelocitySigma)
	if err != nil {
		return err
	}
	biasNoise, err := noise.NewDiagonalSigmas(
		p.InitialAccBiasSigma, p.InitialAccBiasSigma, p.InitialAccBiasSigma,
		p.InitialGyroBiasSigma, p.InitialGyroBiasSigma, p.InitialGyroBiasSigma)
	if err != nil {
		return err
	}

	values := factorgraph.NewValues()
	poseValue := factorgraph.PoseValue{Pose: initial.Pose}
	velocityValue := factorgraph.Point3Value{Vector: initial.Velocity}
	biasValue := factorgraph.BiasValue{Bias: initial.Bias}
	var factors []factorgraph.Factor
	for _, prior := range []struct {
		key   factorgraph.Key
		value factorgraph.Value
		model noise.Model
	}{
		{factorgraph.PoseKey(0), poseValue, poseNoise},
		{factorgraph.VelocityKey(0), velocityValue, velocityNoise},
		{factorgraph.BiasKey(0), biasValue, biasNoise},
	} {
		if err := values.Insert(prior.key, prior.value); err != nil {
			return err
		}
		f, err := factorgraph.NewPriorFactor(prior.key, prior.value, prior.model)
		if err != nil {
			return err
		}
		factors = append(factors, f)
	}
	if _, err := b.opt.Update(ctx, factors, values, nil); err != nil {
		return errors.Wrap(err, "adding initial state")
	}
	b.last = initial
	b.timestamps[0] = initial.Timestamp
	b.logger.Debugw("initialized back end", "pose", initial.Pose, "velocity", initial.Velocity, "bias", initial.Bias)
	return nil
}

// maxIntervalMismatch is how far, in seconds, a preintegrated measurement may deviate from the
// keyframe interval it closes.
const maxIntervalMismatch = 1e-6

func (b *Backend) checkInput(in *InputPayload) error {
	if in == nil {
		return errors.Wrap(ErrInvalidInput, "nil payload")
	}
	if in.Timestamp <= b.last.Timestamp {
		return errors.Wrapf(ErrInvalidInput, "keyframe timestamp %d is not after %d", in.Timestamp, b.last.Timestamp)
	}
	if !(in.Pim.DeltaT() > 0) {
		return errors.Wrap(ErrInvalidInput, "preintegrated measurement covers no time")
	}
	interval := float64(in.Timestamp-b.last.Timestamp) * 1e-9
	if math.Abs(in.Pim.DeltaT()-interval) > maxIntervalMismatch {
		return errors.Wrapf(ErrInvalidInput, "preintegrated measurement covers %.6fs of a %.6fs keyframe interval",
			in.Pim.DeltaT(), interval)
	}
	seen := map[stereo.LandmarkID]struct{}{}
	for _, m := range in.Measurements.Measurements {
		if _, ok := seen[m.LandmarkID]; ok {
			return errors.Wrapf(ErrInvalidInput, "landmark %d observed twice", m.LandmarkID)
		}
		seen[m.LandmarkID] = struct{}{}
		if math.IsNaN(m.Point.UL) || math.IsNaN(m.Point.V) {
			return errors.Wrapf(ErrInvalidInput, "landmark %d has no left pixel", m.LandmarkID)
		}
	}
	for _, plane := range in.Planes {
		if plane.Normal.Norm() == 0 {
			return errors.Wrapf(ErrInvalidInput, "plane %d has no normal", plane.ID)
		}
	}
	return nil
}

// AddVisualInertialStateAndOptimize adds a keyframe with its IMU and vision factors, converts and
// prunes landmarks, re-optimizes and marginalizes keyframes that left the horizon.
func (b *Backend) AddVisualInertialStateAndOptimize(ctx context.Context, in *InputPayload) (*Output, error) {
	ctx, span := trace.StartSpan(ctx, "backend::AddVisualInertialStateAndOptimize")
	defer span.End()

	start := b.clock.Now()
	if err := b.checkInput(in); err != nil {
		return nil, err
	}
	it := newIteration(b.last.FrameID + 1)

	for id := range b.doomed {
		b.deleteLandmark(it, id)
	}
	b.doomed = map[stereo.LandmarkID]struct{}{}

	if err := b.addImuState(it, in); err != nil {
		return nil, err
	}
	it.lookup = b.opt.CalculateEstimate()
	if err := it.lookup.InsertAll(it.newValues); err != nil {
		return nil, err
	}

	lowDisparity := in.Measurements.Summary.MonoStatus == stereo.LowDisparity
	claimed := b.claimedLandmarks(in.Planes)
	b.addLandmarks(it, in.Measurements.Measurements, claimed, lowDisparity)
	if !lowDisparity {
		b.convertClaimed(it, claimed)
	}
	b.strategy.beforeOptimize(it, in.Planes, b.isExplicit)
	it.info.FactorsTime = b.clock.Since(start)

	optimizeStart := b.clock.Now()
	summary, err := b.optimize(ctx, it)
	if err != nil {
		return nil, err
	}
	it.info.OptimizeTime = b.clock.Since(optimizeStart)
	b.metrics.optimize.Update(it.info.OptimizeTime)

	estimate := b.opt.CalculateEstimate()
	if err := b.updateLastState(estimate, it.frame, in.Timestamp); err != nil {
		return nil, err
	}
	planes := b.strategy.afterOptimize(estimate, in.Planes)

	marginalizeStart := b.clock.Now()
	if err := b.marginalizeOldKeyframes(ctx, it, in.Timestamp); err != nil {
		return nil, err
	}
	it.info.MarginalizeTime = b.clock.Since(marginalizeStart)
	b.tracker.reconcile(b.opt, b.logger)
	b.strategy.reconcile(b.opt, b.logger)

	out := &Output{
		State:                b.last,
		NumSmartLandmarks:    len(b.tracker.ids(smartLandmark)),
		NumExplicitLandmarks: len(b.tracker.ids(explicitLandmark)),
		NumFactors:           b.opt.NumFactors(),
		Planes:               planes,
		Status:               StatusOK,
	}
	if !summary.Converged || len(summary.DegenerateSlots) > 0 {
		out.Status = StatusDegraded
		b.metrics.degraded.Inc(1)
		b.logger.Warnw("degraded optimization",
			"frame", it.frame, "converged", summary.Converged, "degenerate_factors", len(summary.DegenerateSlots))
	}

	it.info.TotalTime = b.clock.Since(start)
	b.debug = it.info
	b.metrics.keyframes.Inc(1)
	b.metrics.converted.Inc(int64(it.info.NumConvertedLandmarks))
	b.metrics.deleted.Inc(int64(it.info.NumDeletedLandmarks))
	b.metrics.regularityAdded.Inc(int64(it.info.NumAddedRegularity))
	b.metrics.regularityRemoved.Inc(int64(it.info.NumRemovedRegularity))
	b.logger.CDebugw(ctx, "keyframe optimized",
		"frame", it.frame,
		"new_landmarks", it.info.NumNewLandmarks,
		"updated_landmarks", it.info.NumUpdatedLandmarks,
		"converted", it.info.NumConvertedLandmarks,
		"deleted", it.info.NumDeletedLandmarks,
		"factors", out.NumFactors,
		"error", it.info.ErrorAfter,
		"took", it.info.TotalTime)
	return out, nil
}

// addImuState inserts the new keyframe's variables seeded from the IMU prediction and the
// factors tying them to the previous keyframe.
func (b *Backend) addImuState(it *iteration, in *InputPayload) error {
	prev, cur := int64(b.last.FrameID), int64(it.frame)
	predicted := in.Pim.Predict(imu.NavState{Pose: b.last.Pose, Velocity: b.last.Velocity}, b.last.Bias)
	pose := predicted.Pose
	if b.params.RansacPoseSeed && in.StereoRansacPose.Valid {
		pose = b.last.Pose.Compose(in.StereoRansacPose.Pose)
	}
	for _, v := range []struct {
		key   factorgraph.Key
		value factorgraph.Value
	}{
		{factorgraph.PoseKey(cur), factorgraph.PoseValue{Pose: pose}},
		{factorgraph.VelocityKey(cur), factorgraph.Point3Value{Vector: predicted.Velocity}},
		{factorgraph.BiasKey(cur), factorgraph.BiasValue{Bias: b.last.Bias}},
	} {
		if err := it.newValues.Insert(v.key, v.value); err != nil {
			return err
		}
	}

	imuFactor, err := factorgraph.NewImuFactor(
		factorgraph.PoseKey(prev), factorgraph.VelocityKey(prev),
		factorgraph.PoseKey(cur), factorgraph.VelocityKey(cur),
		factorgraph.BiasKey(prev), in.Pim)
	if err != nil {
		return errors.Wrap(err, "imu factor")
	}
	sqrtDt := math.Sqrt(in.Pim.DeltaT())
	acc, gyro := sqrtDt*b.params.Imu.AccRandomWalk, sqrtDt*b.params.Imu.GyroRandomWalk
	biasNoise, err := noise.NewDiagonalSigmas(acc, acc, acc, gyro, gyro, gyro)
	if err != nil {
		return errors.Wrap(err, "bias random walk noise")
	}
	biasFactor, err := factorgraph.NewBetweenFactor(factorgraph.BiasKey(prev), factorgraph.BiasKey(cur),
		factorgraph.BiasValue{}, biasNoise)
	if err != nil {
		return err
	}
	it.stateFactors = append(it.stateFactors, imuFactor, biasFactor)

	summary := in.Measurements.Summary
	if b.params.AddBetweenStereoFactors && summary.StereoStatus == stereo.Valid && in.StereoRansacPose.Valid {
		f, err := stereoBetweenFactor(b.params, prev, cur, in.StereoRansacPose.Pose)
		if err != nil {
			return errors.Wrap(err, "stereo between factor")
		}
		if f != nil {
			it.stateFactors = append(it.stateFactors, f)
		}
	}
	if summary.MonoStatus == stereo.LowDisparity {
		factors, err := b.noMotionFactors(prev, cur)
		if err != nil {
			return err
		}
		it.stateFactors = append(it.stateFactors, factors...)
		it.info.NoMotionFactorAdded = true
		b.logger.Debugw("low disparity, adding no-motion factor", "frame", cur)
	}
	return nil
}

// stereoBetweenFactor returns the between factor for a RANSAC relative pose, or nil when both
// precisions are zero. A zero precision leaves that part of the pose unconstrained.
func stereoBetweenFactor(p Params, prev, cur int64, relative spatialmath.Pose) (factorgraph.Factor, error) {
	rot, trans := p.BetweenRotationPrecision, p.BetweenTranslationPrecision
	if rot == 0 && trans == 0 {
		return nil, nil
	}
	sqrtInfo := mat.NewDiagDense(6, []float64{
		math.Sqrt(rot), math.Sqrt(rot), math.Sqrt(rot),
		math.Sqrt(trans), math.Sqrt(trans), math.Sqrt(trans),
	})
	return factorgraph.NewBetweenFactor(factorgraph.PoseKey(prev), factorgraph.PoseKey(cur),
		factorgraph.PoseValue{Pose: relative}, noise.NewGaussianSqrtInformation(sqrtInfo))
}

// noMotionFactor holds the pose of cur at the pose of prev.
func noMotionFactor(p Params, prev, cur int64) (factorgraph.Factor, error) {
	rot, pos := p.NoMotionRotationSigma, p.NoMotionPositionSigma
	model, err := noise.NewDiagonalSigmas(rot, rot, rot, pos, pos, pos)
	if err != nil {
		return nil, err
	}
	return factorgraph.NewBetweenFactor(factorgraph.PoseKey(prev), factorgraph.PoseKey(cur),
		factorgraph.PoseValue{Pose: spatialmath.NewZeroPose()}, model)
}

// noMotionFactors adds a zero-velocity prior on cur to the no-motion factor.
func (b *Backend) noMotionFactors(prev, cur int64) ([]factorgraph.Factor, error) {
	noMotion, err := noMotionFactor(b.params, prev, cur)
	if err != nil {
		return nil, err
	}
	velocityNoise, err := noise.NewIsotropic(3, b.params.ZeroVelocitySigma)
	if err != nil {
		return nil, err
	}
	zeroVelocity, err := factorgraph.NewPriorFactor(factorgraph.VelocityKey(cur), factorgraph.Point3Value{}, velocityNoise)
	if err != nil {
		return nil, err
	}
	return []factorgraph.Factor{noMotion, zeroVelocity}, nil
}

// claimedLandmarks returns the landmarks the planes claim when the modality converts them.
func (b *Backend) claimedLandmarks(planes []Plane) map[stereo.LandmarkID]struct{} {
	if b.params.Modality == Structureless {
		return nil
	}
	claimed := map[stereo.LandmarkID]struct{}{}
	for _, plane := range planes {
		for _, id := range plane.LandmarkIDs {
			claimed[id] = struct{}{}
		}
	}
	return claimed
}

func (b *Backend) isExplicit(id stereo.LandmarkID) bool {
	rep, ok := b.tracker.inGraph(id)
	return ok && rep == explicitLandmark
}

func (b *Backend) shouldConvert(id stereo.LandmarkID, claimed map[stereo.LandmarkID]struct{}) bool {
	if b.params.Modality.convertsAll() {
		return true
	}
	if b.params.Modality.convertsClaimed() {
		_, ok := claimed[id]
		return ok
	}
	return false
}

// addLandmarks extends the feature tracks with the keyframe's observations and, unless the
// keyframe has low disparity, adds or updates the landmark factors.
func (b *Backend) addLandmarks(
	it *iteration,
	measurements []stereo.Measurement,
	claimed map[stereo.LandmarkID]struct{},
	lowDisparity bool,
) {
	sorted := append([]stereo.Measurement(nil), measurements...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LandmarkID < sorted[j].LandmarkID })
	for _, m := range sorted {
		id := m.LandmarkID
		n := b.tracker.observe(id, it.frame, m.Point)
		if lowDisparity {
			continue
		}
		rep, inGraph := b.tracker.inGraph(id)
		switch {
		case inGraph && rep == explicitLandmark:
			b.addObservationToExplicit(it, id, m.Point)
			continue
		case inGraph:
			ref, ok := b.tracker.smart[id]
			if !ok {
				b.tracker.remove(id)
				b.tracker.observe(id, it.frame, m.Point)
				continue
			}
			f := ref.factor.(*factorgraph.SmartStereoFactor).Clone()
			if err := f.Add(factorgraph.PoseKey(int64(it.frame)), m.Point); err != nil {
				b.logger.Errorw("cannot extend smart factor", "landmark", id, "error", err)
				continue
			}
			it.deleteSlot(ref.slot)
			delete(b.tracker.smart, id)
			it.newSmart[id] = f
			it.info.NumUpdatedLandmarks++
		default:
			if n < 2 {
				continue
			}
			f := factorgraph.NewSmartStereoFactor(b.rig, b.params.SmartNoiseSigma, b.params.smartParams())
			for _, obs := range b.tracker.track(id) {
				if err := f.Add(factorgraph.PoseKey(int64(obs.frame)), obs.point); err != nil {
					b.logger.Errorw("cannot build smart factor", "landmark", id, "error", err)
				}
			}
			b.tracker.representation[id] = smartLandmark
			it.newSmart[id] = f
			it.info.NumNewLandmarks++
		}
		b.checkSmart(it, id, claimed)
	}
}

// checkSmart drops a pending smart landmark that is degenerate and converts it to an explicit
// point when the modality asks for it.
func (b *Backend) checkSmart(it *iteration, id stereo.LandmarkID, claimed map[stereo.LandmarkID]struct{}) {
	f := it.newSmart[id]
	tri, err := f.Triangulate(it.lookup)
	if err != nil {
		b.logger.Debugw("cannot triangulate smart factor", "landmark", id, "error", err)
		return
	}
	trackLen := len(b.tracker.track(id))
	switch tri.Status {
	case factorgraph.TriangulationBehindCamera, factorgraph.TriangulationOutlier:
		b.logger.Debugw("dropping degenerate landmark", "landmark", id, "status", tri.Status)
		b.deleteLandmark(it, id)
		return
	case factorgraph.TriangulationDegenerate:
		if trackLen >= b.params.MinNumObsForProjection {
			b.logger.Debugw("dropping rank deficient landmark", "landmark", id, "observations", trackLen)
			b.deleteLandmark(it, id)
		}
		return
	case factorgraph.TriangulationValid, factorgraph.TriangulationFarPoint:
	}
	if tri.Valid() && trackLen >= b.params.MinNumObsForProjection && b.shouldConvert(id, claimed) {
		b.convert(it, id, tri.Point)
	}
}

// convertClaimed converts smart landmarks claimed by a plane that were not observed in this
// keyframe.
func (b *Backend) convertClaimed(it *iteration, claimed map[stereo.LandmarkID]struct{}) {
	ids := lo.Keys(claimed)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if !b.shouldConvert(id, claimed) {
			continue
		}
		if _, pending := it.newSmart[id]; pending {
			continue
		}
		ref, ok := b.tracker.smart[id]
		if !ok {
			continue
		}
		tri, err := ref.factor.(*factorgraph.SmartStereoFactor).Triangulate(it.lookup)
		if err != nil || !tri.Valid() || len(b.tracker.track(id)) < b.params.MinNumObsForProjection {
			b.logger.Debugw("skipping conversion of claimed landmark", "landmark", id, "status", tri.Status)
			continue
		}
		b.convert(it, id, tri.Point)
	}
}

// convert replaces a smart landmark by an explicit point with one projection factor per
// observation in its track. The smart factor's live slot, if any, is deleted exactly once.
func (b *Backend) convert(it *iteration, id stereo.LandmarkID, point r3.Vector) {
	key := factorgraph.LandmarkKey(int64(id))
	if err := it.newValues.Insert(key, factorgraph.Point3Value{Vector: point}); err != nil {
		b.logger.Debugw("cannot insert converted landmark", "landmark", id, "error", err)
		return
	}
	it.lookup.Upsert(key, factorgraph.Point3Value{Vector: point})
	var projections []pendingProjection
	for _, obs := range b.tracker.track(id) {
		f, err := b.projectionFactor(obs.frame, id, obs.point)
		if err != nil {
			b.logger.Debugw("cannot convert landmark", "landmark", id, "error", err)
			it.newValues.Erase(key)
			return
		}
		projections = append(projections, pendingProjection{frame: obs.frame, factor: f})
	}
	if ref, ok := b.tracker.smart[id]; ok {
		it.deleteSlot(ref.slot)
	}
	delete(it.newSmart, id)
	it.newProjection[id] = projections
	b.tracker.markExplicit(id)
	it.info.NumConvertedLandmarks++
	it.info.NumAddedProjection += len(projections)
}

// addObservationToExplicit adds a projection factor for a new observation of an explicit point.
// A point behind the observing camera is dropped.
func (b *Backend) addObservationToExplicit(it *iteration, id stereo.LandmarkID, pt stereo.Point2) {
	point, err := it.lookup.Point3(factorgraph.LandmarkKey(int64(id)))
	if err != nil {
		b.logger.Debugw("explicit landmark has no value", "landmark", id)
		b.deleteLandmark(it, id)
		return
	}
	pose, err := it.lookup.Pose(factorgraph.PoseKey(int64(it.frame)))
	if err != nil {
		return
	}
	if _, err := b.rig.ProjectWorld(pose, point); err != nil {
		b.logger.Debugw("explicit landmark behind camera", "landmark", id, "error", err)
		b.deleteLandmark(it, id)
		return
	}
	f, err := b.projectionFactor(it.frame, id, pt)
	if err != nil {
		b.logger.Debugw("cannot build projection factor", "landmark", id, "error", err)
		return
	}
	it.newProjection[id] = append(it.newProjection[id], pendingProjection{frame: it.frame, factor: f})
	it.info.NumAddedProjection++
}

func (b *Backend) projectionFactor(frame FrameID, id stereo.LandmarkID, pt stereo.Point2) (factorgraph.Factor, error) {
	model := b.stereoNoise
	if pt.IsMono() {
		model = b.monoNoise
	}
	return factorgraph.NewStereoProjectionFactor(
		factorgraph.PoseKey(int64(frame)), factorgraph.LandmarkKey(int64(id)), pt, b.rig, model)
}

// deleteLandmark removes a landmark from the graph and from every bookkeeping map.
func (b *Backend) deleteLandmark(it *iteration, id stereo.LandmarkID) {
	explicit := b.isExplicit(id)
	for _, slot := range b.tracker.remove(id) {
		it.deleteSlot(slot)
	}
	delete(it.newSmart, id)
	delete(it.newProjection, id)
	b.strategy.landmarkRemoved(it, id)
	if explicit {
		key := factorgraph.LandmarkKey(int64(id))
		switch {
		case it.newValues.Exists(key):
			it.newValues.Erase(key)
		case b.opt.CalculateEstimate().Exists(key):
			it.eraseKeys = append(it.eraseKeys, key)
		}
	}
	it.info.NumDeletedLandmarks++
}

// optimize submits the iteration to the optimizer and records the slots it assigned.
func (b *Backend) optimize(ctx context.Context, it *iteration) (optimizer.Summary, error) {
	factors := append([]factorgraph.Factor(nil), it.stateFactors...)

	smartIDs := lo.Keys(it.newSmart)
	sort.Slice(smartIDs, func(i, j int) bool { return smartIDs[i] < smartIDs[j] })
	for _, id := range smartIDs {
		factors = append(factors, it.newSmart[id])
	}
	projectionIDs := lo.Keys(it.newProjection)
	sort.Slice(projectionIDs, func(i, j int) bool { return projectionIDs[i] < projectionIDs[j] })
	projectionStart := len(factors)
	for _, id := range projectionIDs {
		for _, p := range it.newProjection[id] {
			factors = append(factors, p.factor)
		}
	}
	extraStart := len(factors)
	factors = append(factors, b.strategy.pendingFactors()...)

	result, err := b.opt.Update(ctx, factors, it.newValues, it.deleteOrder)
	if err != nil {
		return optimizer.Summary{}, errors.Wrapf(err, "updating graph for keyframe %d", it.frame)
	}
	slots := result.NewFactorsIndices
	for i, id := range smartIDs {
		slot := slots[len(it.stateFactors)+i]
		b.tracker.setSmart(id, slotRef{slot: slot, factor: it.newSmart[id]})
	}
	next := projectionStart
	for _, id := range projectionIDs {
		for _, p := range it.newProjection[id] {
			b.tracker.setProjection(id, p.frame, slotRef{slot: slots[next], factor: p.factor})
			next++
		}
	}
	b.strategy.committed(slots[extraStart:])

	it.info.NumAddedFactors = len(factors)
	it.info.NumDeletedFactors = len(it.deleteOrder)
	it.info.ErrorBefore = result.ErrorBefore
	it.info.DegenerateSlots = result.DegenerateSlots
	b.markDegenerate(result.DegenerateSlots)

	summary := result.Summary
	for i := 0; i < b.params.NumOptimize; i++ {
		extra, err := b.opt.Update(ctx, nil, nil, nil)
		if err != nil {
			return optimizer.Summary{}, errors.Wrap(err, "extra optimization")
		}
		summary.ErrorAfter = extra.ErrorAfter
		summary.Iterations += extra.Iterations
		summary.Converged = extra.Converged
		if extra.Converged {
			break
		}
	}
	it.info.ErrorAfter = summary.ErrorAfter
	it.info.Iterations = summary.Iterations

	if len(it.eraseKeys) > 0 {
		estimate := b.opt.CalculateEstimate()
		keys := lo.Filter(it.eraseKeys, func(k factorgraph.Key, _ int) bool { return estimate.Exists(k) })
		res, err := b.opt.Marginalize(ctx, lo.Uniq(keys))
		if err != nil {
			return optimizer.Summary{}, errors.Wrap(err, "removing orphaned variables")
		}
		it.info.NumMarginalizedFactors += len(res.RemovedSlots)
	}
	return summary, nil
}

// markDegenerate schedules the explicit landmarks owning factors that could not be evaluated for
// deletion at the next keyframe.
func (b *Backend) markDegenerate(slots []int) {
	if len(slots) == 0 {
		return
	}
	bad := map[int]struct{}{}
	for _, s := range slots {
		bad[s] = struct{}{}
	}
	for id, refs := range b.tracker.projection {
		for _, ref := range refs {
			if _, ok := bad[ref.slot]; ok {
				b.doomed[id] = struct{}{}
				break
			}
		}
	}
}

func (b *Backend) updateLastState(estimate *factorgraph.Values, frame FrameID, timestamp int64) error {
	pose, err := estimate.Pose(factorgraph.PoseKey(int64(frame)))
	if err != nil {
		return err
	}
	velocity, err := estimate.Point3(factorgraph.VelocityKey(int64(frame)))
	if err != nil {
		return err
	}
	bias, err := estimate.Bias(factorgraph.BiasKey(int64(frame)))
	if err != nil {
		return err
	}
	b.last = State{FrameID: frame, Timestamp: timestamp, Pose: pose, Velocity: velocity, Bias: bias}
	b.timestamps[frame] = timestamp
	return nil
}

// marginalizeOldKeyframes marginalizes keyframes older than the horizon, oldest first. Smart
// landmarks observed from a marginalized keyframe leave with it, as do explicit points it was the
// last to observe.
func (b *Backend) marginalizeOldKeyframes(ctx context.Context, it *iteration, now int64) error {
	cutoff := now - int64(b.params.Horizon*float64(time.Second))
	for b.oldest < it.frame {
		ts, ok := b.timestamps[b.oldest]
		if ok && ts >= cutoff {
			break
		}
		if ok {
			if err := b.marginalizeFrame(ctx, it, b.oldest); err != nil {
				return err
			}
		}
		delete(b.timestamps, b.oldest)
		b.oldest++
	}
	return nil
}

func (b *Backend) marginalizeFrame(ctx context.Context, it *iteration, frame FrameID) error {
	poseKey := factorgraph.PoseKey(int64(frame))
	keys := []factorgraph.Key{poseKey, factorgraph.VelocityKey(int64(frame)), factorgraph.BiasKey(int64(frame))}
	estimate := b.opt.CalculateEstimate()

	for _, id := range b.tracker.ids(smartLandmark) {
		ref, ok := b.tracker.smart[id]
		if ok && !lo.Contains(ref.factor.Keys(), poseKey) {
			continue
		}
		b.tracker.remove(id)
		it.info.NumDeletedLandmarks++
	}
	for _, id := range b.tracker.ids(explicitLandmark) {
		last, ok := b.tracker.lastFrame(id)
		if ok && last > frame {
			b.tracker.dropObservations(id, frame)
			continue
		}
		if key := factorgraph.LandmarkKey(int64(id)); estimate.Exists(key) {
			keys = append(keys, key)
		}
		b.tracker.remove(id)
		b.strategy.landmarkMarginalized(id)
	}
	b.tracker.forgetFrame(frame)

	res, err := b.opt.Marginalize(ctx, keys)
	if err != nil {
		return errors.Wrapf(err, "marginalizing keyframe %d", frame)
	}
	it.info.NumMarginalizedFactors += len(res.RemovedSlots)
	b.logger.CDebugw(ctx, "marginalized keyframe", "frame", frame, "variables", len(keys), "factors", len(res.RemovedSlots))
	return nil
}

// CurrentState returns the estimate of the newest keyframe.
func (b *Backend) CurrentState() State {
	return b.last
}

// Landmarks3D returns the position of every landmark in the graph that can be located: explicit
// points from the estimate and smart landmarks by triangulation.
func (b *Backend) Landmarks3D() map[stereo.LandmarkID]r3.Vector {
	estimate := b.opt.CalculateEstimate()
	out := map[stereo.LandmarkID]r3.Vector{}
	for _, id := range b.tracker.ids(explicitLandmark) {
		if p, err := estimate.Point3(factorgraph.LandmarkKey(int64(id))); err == nil {
			out[id] = p
		}
	}
	for _, id := range b.tracker.ids(smartLandmark) {
		ref, ok := b.tracker.smart[id]
		if !ok {
			continue
		}
		tri, err := ref.factor.(*factorgraph.SmartStereoFactor).Triangulate(estimate)
		if err == nil && tri.Valid() {
			out[id] = tri.Point
		}
	}
	return out
}

// DebugInfo returns the counters of the last keyframe update.
func (b *Backend) DebugInfo() DebugInfo {
	return b.debug
}

// Metrics returns the registry holding the back end's running counters and timers.
func (b *Backend) Metrics() gometrics.Registry {
	return b.metrics.registry
}
