package optimizer

import (
	"context"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.viam.com/test"

	"go.viam.com/vio/factorgraph"
	"go.viam.com/vio/logging"
	"go.viam.com/vio/noise"
	"go.viam.com/vio/spatialmath"
)

func isotropic(t *testing.T, dim int, sigma float64) noise.Model {
	t.Helper()
	m, err := noise.NewIsotropic(dim, sigma)
	test.That(t, err, test.ShouldBeNil)
	return m
}

func pointPrior(t *testing.T, k factorgraph.Key, p r3.Vector) factorgraph.Factor {
	t.Helper()
	f, err := factorgraph.NewPriorFactor(k, factorgraph.Point3Value{Vector: p}, isotropic(t, 3, 1))
	test.That(t, err, test.ShouldBeNil)
	return f
}

func pointBetween(t *testing.T, k1, k2 factorgraph.Key, d r3.Vector) factorgraph.Factor {
	t.Helper()
	f, err := factorgraph.NewBetweenFactor(k1, k2, factorgraph.Point3Value{Vector: d}, isotropic(t, 3, 1))
	test.That(t, err, test.ShouldBeNil)
	return f
}

func gaussNewton() Params {
	params := DefaultParams()
	params.Solver = GaussNewtonSolver
	return params
}

// chain builds x0 -- x1 with priors at both ends that disagree with the between measurement.
func chain(t *testing.T) ([]factorgraph.Factor, *factorgraph.Values) {
	t.Helper()
	k0, k1 := factorgraph.LandmarkKey(0), factorgraph.LandmarkKey(1)
	vs := factorgraph.NewValues()
	test.That(t, vs.Insert(k0, factorgraph.Point3Value{Vector: r3.Vector{X: 0.3}}), test.ShouldBeNil)
	test.That(t, vs.Insert(k1, factorgraph.Point3Value{Vector: r3.Vector{X: 0.7, Y: 0.1}}), test.ShouldBeNil)
	return []factorgraph.Factor{
		pointPrior(t, k0, r3.Vector{}),
		pointBetween(t, k0, k1, r3.Vector{X: 1}),
		pointPrior(t, k1, r3.Vector{X: 1.5}),
	}, vs
}

func TestIncrementalUpdateSolvesLinearChain(t *testing.T) {
	o := NewIncremental(gaussNewton(), logging.NewTestLogger(t))
	factors, vs := chain(t)
	res, err := o.Update(context.Background(), factors, vs, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.NewFactorsIndices, test.ShouldResemble, []int{0, 1, 2})
	test.That(t, res.Converged, test.ShouldBeTrue)
	test.That(t, res.ErrorAfter, test.ShouldBeLessThan, res.ErrorBefore)
	test.That(t, res.DegenerateSlots, test.ShouldBeEmpty)

	est := o.CalculateEstimate()
	p0, err := est.Point3(factorgraph.LandmarkKey(0))
	test.That(t, err, test.ShouldBeNil)
	p1, err := est.Point3(factorgraph.LandmarkKey(1))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p0.X, test.ShouldAlmostEqual, 1.0/6, 1e-9)
	test.That(t, p1.X, test.ShouldAlmostEqual, 4.0/3, 1e-9)
	test.That(t, p1.Y, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, o.NumFactors(), test.ShouldEqual, 3)
}

func TestIncrementalPoseGraph(t *testing.T) {
	for _, params := range []Params{DefaultParams(), gaussNewton()} {
		t.Run(params.Solver.String(), func(t *testing.T) {
			o := NewIncremental(params, logging.NewTestLogger(t))
			start := spatialmath.NewPose(spatialmath.RotationFromRPY(0.1, -0.2, 0.3), r3.Vector{X: 1, Y: 2})
			rel := spatialmath.NewPose(spatialmath.RotationFromRPY(0, 0.1, 0.4), r3.Vector{X: 0.5, Z: -0.2})

			vs := factorgraph.NewValues()
			test.That(t, vs.Insert(factorgraph.PoseKey(0), factorgraph.PoseValue{Pose: start}), test.ShouldBeNil)
			perturbed := start.Compose(rel).Retract([]float64{0.05, -0.03, 0.1, 0.2, -0.1, 0.05})
			test.That(t, vs.Insert(factorgraph.PoseKey(1), factorgraph.PoseValue{Pose: perturbed}), test.ShouldBeNil)

			prior, err := factorgraph.NewPriorFactor(factorgraph.PoseKey(0), factorgraph.PoseValue{Pose: start},
				isotropic(t, 6, 0.01))
			test.That(t, err, test.ShouldBeNil)
			between, err := factorgraph.NewBetweenFactor(factorgraph.PoseKey(0), factorgraph.PoseKey(1),
				factorgraph.PoseValue{Pose: rel}, isotropic(t, 6, 0.1))
			test.That(t, err, test.ShouldBeNil)

			_, err = o.Update(context.Background(), []factorgraph.Factor{prior, between}, vs, nil)
			test.That(t, err, test.ShouldBeNil)
			got, err := o.CalculateEstimate().Pose(factorgraph.PoseKey(1))
			test.That(t, err, test.ShouldBeNil)
			test.That(t, spatialmath.PoseAlmostEqual(got, start.Compose(rel), 1e-4), test.ShouldBeTrue)
		})
	}
}

func TestIncrementalRejectsBadInput(t *testing.T) {
	o := NewIncremental(gaussNewton(), logging.NewTestLogger(t))
	factors, vs := chain(t)
	_, err := o.Update(context.Background(), factors, vs, nil)
	test.That(t, err, test.ShouldBeNil)
	before := o.CalculateEstimate()

	k0, k1 := factorgraph.LandmarkKey(0), factorgraph.LandmarkKey(1)
	for _, tc := range []struct {
		name    string
		factors []factorgraph.Factor
		values  *factorgraph.Values
		remove  []int
		want    error
	}{
		{name: "out of range slot", remove: []int{7}, want: ErrStaleSlot},
		{name: "negative slot", remove: []int{-1}, want: ErrStaleSlot},
		{name: "duplicate slot", remove: []int{1, 1}, want: ErrStaleSlot},
		{
			name: "duplicate key",
			values: func() *factorgraph.Values {
				v := factorgraph.NewValues()
				test.That(t, v.Insert(k0, factorgraph.Point3Value{}), test.ShouldBeNil)
				return v
			}(),
			want: ErrDuplicateKey,
		},
		{
			name:    "unknown key",
			factors: []factorgraph.Factor{pointBetween(t, k1, factorgraph.LandmarkKey(9), r3.Vector{})},
			want:    ErrUnknownKey,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := o.Update(context.Background(), tc.factors, tc.values, tc.remove)
			test.That(t, errors.Is(err, tc.want), test.ShouldBeTrue)
			test.That(t, o.NumFactors(), test.ShouldEqual, 3)
			test.That(t, o.CalculateEstimate().Len(), test.ShouldEqual, before.Len())
		})
	}

	_, err = o.Update(context.Background(), nil, nil, []int{1})
	test.That(t, err, test.ShouldBeNil)
	_, err = o.Update(context.Background(), nil, nil, []int{1})
	test.That(t, errors.Is(err, ErrStaleSlot), test.ShouldBeTrue)
}

func TestIncrementalReusesFreedSlots(t *testing.T) {
	o := NewIncremental(gaussNewton(), logging.NewTestLogger(t))
	factors, vs := chain(t)
	_, err := o.Update(context.Background(), factors, vs, nil)
	test.That(t, err, test.ShouldBeNil)

	replacement := pointBetween(t, factorgraph.LandmarkKey(0), factorgraph.LandmarkKey(1), r3.Vector{X: 1.2})
	extra := pointPrior(t, factorgraph.LandmarkKey(0), r3.Vector{X: 0.1})
	res, err := o.Update(context.Background(), []factorgraph.Factor{replacement, extra}, nil, []int{1})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.NewFactorsIndices, test.ShouldResemble, []int{1, 3})

	f, ok := o.FactorAt(1)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, f, test.ShouldEqual, replacement)
	f, ok = o.FactorAt(3)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, f, test.ShouldEqual, extra)
	_, ok = o.FactorAt(4)
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, o.NumFactors(), test.ShouldEqual, 4)
	test.That(t, o.NumSlots(), test.ShouldEqual, 4)

	// Replacing factors over and over never grows the table.
	slot := 1
	for i := 0; i < 50; i++ {
		next := pointBetween(t, factorgraph.LandmarkKey(0), factorgraph.LandmarkKey(1), r3.Vector{X: 1 + 0.01*float64(i)})
		res, err := o.Update(context.Background(), []factorgraph.Factor{next}, nil, []int{slot})
		test.That(t, err, test.ShouldBeNil)
		slot = res.NewFactorsIndices[0]
	}
	test.That(t, slot, test.ShouldEqual, 1)
	test.That(t, o.NumSlots(), test.ShouldEqual, 4)
}

// countingFactor counts how often the wrapped factor is linearized.
type countingFactor struct {
	factorgraph.Factor
	count *atomic.Int64
}

func (f countingFactor) Linearize(values *factorgraph.Values) (*factorgraph.GaussianFactor, error) {
	f.count.Inc()
	return f.Factor.Linearize(values)
}

func TestIncrementalRelinearizeSkip(t *testing.T) {
	params := gaussNewton()
	params.RelinearizeSkip = 3
	cached := NewIncremental(params, logging.NewTestLogger(t))
	exact := NewIncremental(gaussNewton(), logging.NewTestLogger(t))

	count := atomic.NewInt64(0)
	factors, vs := chain(t)
	counted := make([]factorgraph.Factor, 0, len(factors))
	for _, f := range factors {
		counted = append(counted, countingFactor{Factor: f, count: count})
	}
	_, err := cached.Update(context.Background(), counted, vs, nil)
	test.That(t, err, test.ShouldBeNil)
	_, err = exact.Update(context.Background(), factors, vs, nil)
	test.That(t, err, test.ShouldBeNil)
	afterFirst := count.Load()
	test.That(t, afterFirst, test.ShouldBeGreaterThan, 0)

	// The second update solves with the linearizations taken after the first.
	pull := pointPrior(t, factorgraph.LandmarkKey(1), r3.Vector{X: 3})
	_, err = cached.Update(context.Background(), []factorgraph.Factor{pull}, nil, nil)
	test.That(t, err, test.ShouldBeNil)
	_, err = exact.Update(context.Background(), []factorgraph.Factor{pull}, nil, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, count.Load(), test.ShouldEqual, afterFirst)
	for _, k := range []factorgraph.Key{factorgraph.LandmarkKey(0), factorgraph.LandmarkKey(1)} {
		got, err := cached.CalculateEstimate().Point3(k)
		test.That(t, err, test.ShouldBeNil)
		want, err := exact.CalculateEstimate().Point3(k)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got.Sub(want).Norm(), test.ShouldBeLessThan, 1e-9)
	}

	// The estimate moved, so the third update relinearizes.
	_, err = cached.Update(context.Background(), nil, nil, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, count.Load(), test.ShouldBeGreaterThan, afterFirst)
}

func TestIncrementalMarginalize(t *testing.T) {
	o := NewIncremental(gaussNewton(), logging.NewTestLogger(t))
	factors, vs := chain(t)
	k2 := factorgraph.LandmarkKey(2)
	test.That(t, vs.Insert(k2, factorgraph.Point3Value{Vector: r3.Vector{X: 2}}), test.ShouldBeNil)
	factors = append(factors, pointBetween(t, factorgraph.LandmarkKey(1), k2, r3.Vector{X: 1}))
	_, err := o.Update(context.Background(), factors, vs, nil)
	test.That(t, err, test.ShouldBeNil)
	errorBefore := o.Error()
	p1Before, err := o.CalculateEstimate().Point3(factorgraph.LandmarkKey(1))
	test.That(t, err, test.ShouldBeNil)

	res, err := o.Marginalize(context.Background(), []factorgraph.Key{factorgraph.LandmarkKey(0)})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.RemovedSlots, test.ShouldResemble, []int{0, 1})
	test.That(t, res.NewSlot, test.ShouldEqual, 0)
	test.That(t, o.NumSlots(), test.ShouldEqual, 4)
	test.That(t, o.NumFactors(), test.ShouldEqual, 3)
	prior, ok := o.FactorAt(res.NewSlot)
	test.That(t, ok, test.ShouldBeTrue)
	_, isPrior := prior.(*factorgraph.LinearizedPriorFactor)
	test.That(t, isPrior, test.ShouldBeTrue)
	test.That(t, prior.Keys(), test.ShouldResemble, []factorgraph.Key{factorgraph.LandmarkKey(1)})
	test.That(t, o.CalculateEstimate().Exists(factorgraph.LandmarkKey(0)), test.ShouldBeFalse)
	test.That(t, o.Error(), test.ShouldAlmostEqual, errorBefore, 1e-9)

	// The marginal keeps pulling x1 to where the full problem put it.
	_, err = o.Update(context.Background(), nil, nil, nil)
	test.That(t, err, test.ShouldBeNil)
	p1After, err := o.CalculateEstimate().Point3(factorgraph.LandmarkKey(1))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p1After.X, test.ShouldAlmostEqual, p1Before.X, 1e-9)

	_, err = o.Marginalize(context.Background(), []factorgraph.Key{factorgraph.LandmarkKey(0)})
	test.That(t, errors.Is(err, ErrUnknownKey), test.ShouldBeTrue)

	res, err = o.Marginalize(context.Background(), nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.NewSlot, test.ShouldEqual, -1)
}

// failingFactor cannot be evaluated anywhere.
type failingFactor struct{ key factorgraph.Key }

func (f failingFactor) Keys() []factorgraph.Key { return []factorgraph.Key{f.key} }

func (f failingFactor) Error(*factorgraph.Values) (float64, error) {
	return 0, errors.New("cannot evaluate")
}

func (f failingFactor) Linearize(*factorgraph.Values) (*factorgraph.GaussianFactor, error) {
	return nil, errors.New("cannot linearize")
}

func TestIncrementalSkipsDegenerateFactors(t *testing.T) {
	o := NewIncremental(gaussNewton(), logging.NewTestLogger(t))
	factors, vs := chain(t)
	factors = append(factors, failingFactor{key: factorgraph.LandmarkKey(1)})
	res, err := o.Update(context.Background(), factors, vs, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.DegenerateSlots, test.ShouldResemble, []int{3})
	p1, err := o.CalculateEstimate().Point3(factorgraph.LandmarkKey(1))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p1.X, test.ShouldAlmostEqual, 4.0/3, 1e-9)
}

func TestLevenbergMarquardt(t *testing.T) {
	logger := logging.NewTestLogger(t)
	factors, vs := chain(t)

	estimate, summary, err := LevenbergMarquardt(context.Background(), factors, vs, DefaultParams(), logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, summary.ErrorAfter, test.ShouldBeLessThan, summary.ErrorBefore)
	p0, err := estimate.Point3(factorgraph.LandmarkKey(0))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p0.X, test.ShouldAlmostEqual, 1.0/6, 1e-3)
	orig, err := vs.Point3(factorgraph.LandmarkKey(0))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, orig.X, test.ShouldAlmostEqual, 0.3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = LevenbergMarquardt(ctx, factors, vs, DefaultParams(), logger)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)

	_, _, err = LevenbergMarquardt(context.Background(),
		factorgraph.Graph{pointPrior(t, factorgraph.LandmarkKey(5), r3.Vector{})}, vs, DefaultParams(), logger)
	test.That(t, errors.Is(err, ErrUnknownKey), test.ShouldBeTrue)

	bad := DefaultParams()
	bad.MaxIterations = 0
	_, _, err = LevenbergMarquardt(context.Background(), factors, vs, bad, logger)
	test.That(t, err, test.ShouldNotBeNil)
}
