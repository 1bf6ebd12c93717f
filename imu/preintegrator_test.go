package imu

import (
	"sync"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/vio/spatialmath"
)

// rotatingInPlace returns samples of a body spinning about the world z axis at rate rad/s while
// its position stays fixed. The specific force then equals -gravity in every body frame.
func rotatingInPlace(n int, periodNs int64, rate float64) ([]int64, []AccGyr) {
	timestamps := make([]int64, n)
	samples := make([]AccGyr, n)
	for i := range timestamps {
		timestamps[i] = int64(i) * periodNs
		samples[i] = AccGyr{Acc: r3.Vector{Z: StandardGravity}, Gyro: r3.Vector{Z: rate}}
	}
	return timestamps, samples
}

func newTestPreintegrator(t *testing.T, bias Bias) *Preintegrator {
	t.Helper()
	p, err := NewPreintegrator(DefaultParams(), bias)
	test.That(t, err, test.ShouldBeNil)
	return p
}

func TestPreintegrateRejectsMalformedInput(t *testing.T) {
	p := newTestPreintegrator(t, Bias{})
	ts, samples := rotatingInPlace(5, 5e6, 0.1)

	for _, tc := range []struct {
		name       string
		timestamps []int64
		samples    []AccGyr
	}{
		{"empty", nil, nil},
		{"single", ts[:1], samples[:1]},
		{"cardinality mismatch", ts, samples[:4]},
		{"repeated timestamp", []int64{0, 5, 5}, samples[:3]},
		{"decreasing timestamp", []int64{0, 10, 5}, samples[:3]},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.Preintegrate(tc.timestamps, tc.samples)
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, errors.Is(err, ErrInvalidImuData), test.ShouldBeTrue)
		})
	}
	// Rejected input leaves the accumulation untouched.
	test.That(t, p.CurrentPIM().DeltaT(), test.ShouldEqual, 0)
}

func TestPreintegrateKeepsStartBias(t *testing.T) {
	start := Bias{Acc: r3.Vector{X: 0.01}, Gyro: r3.Vector{Z: -0.002}}
	p := newTestPreintegrator(t, start)
	ts, samples := rotatingInPlace(11, 5e6, 0.3)

	pim, err := p.Preintegrate(ts, samples)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pim.BiasHat(), test.ShouldResemble, start)
	test.That(t, pim.DeltaT(), test.ShouldAlmostEqual, 0.05, 1e-12)
}

func TestUpdateBiasAndReset(t *testing.T) {
	p := newTestPreintegrator(t, Bias{})
	newBias := Bias{Acc: r3.Vector{X: 0.1, Y: 0.2, Z: 0.3}, Gyro: r3.Vector{X: 0.01, Y: 0.02, Z: 0.03}}

	p.UpdateBias(newBias)
	test.That(t, p.CurrentBias(), test.ShouldResemble, newBias)
	test.That(t, p.CurrentPIM().BiasHat(), test.ShouldNotResemble, newBias)

	ts, samples := rotatingInPlace(3, 5e6, 0.1)
	pim, err := p.Preintegrate(ts, samples)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pim.BiasHat(), test.ShouldResemble, Bias{})

	p.ResetIntegrationWithCachedBias()
	test.That(t, p.CurrentPIM().BiasHat(), test.ShouldResemble, newBias)
	test.That(t, p.CurrentPIM().DeltaT(), test.ShouldEqual, 0)
}

func TestConcurrentUpdateBias(t *testing.T) {
	p := newTestPreintegrator(t, Bias{})
	const workers = 16
	const rounds = 200

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			v := float64(w + 1)
			for i := 0; i < rounds; i++ {
				p.UpdateBias(Bias{Acc: r3.Vector{X: v, Y: v, Z: v}, Gyro: r3.Vector{X: v, Y: v, Z: v}})
			}
		}(w)
	}

	stop := make(chan struct{})
	torn := make(chan Bias, 1)
	go func() {
		for {
			select {
			case <-stop:
				close(torn)
				return
			default:
			}
			b := p.CurrentBias()
			for _, c := range b.Vector() {
				if c != b.Acc.X {
					torn <- b
					close(torn)
					return
				}
			}
		}
	}()
	wg.Wait()
	close(stop)

	_, sawTorn := <-torn
	test.That(t, sawTorn, test.ShouldBeFalse)
	final := p.CurrentBias()
	for _, c := range final.Vector() {
		test.That(t, c, test.ShouldEqual, final.Acc.X)
	}
}

func TestGravityHotSwap(t *testing.T) {
	p := newTestPreintegrator(t, Bias{})
	g := r3.Vector{X: 0.1, Z: -9.8}
	p.ResetGravity(g)
	test.That(t, p.Gravity(), test.ShouldResemble, g)
	test.That(t, p.CurrentPIM().Gravity(), test.ShouldResemble, DefaultParams().Gravity)
	p.ResetIntegrationWithCachedBias()
	test.That(t, p.CurrentPIM().Gravity(), test.ShouldResemble, g)
}

func TestPredictRotatingInPlace(t *testing.T) {
	p := newTestPreintegrator(t, Bias{})
	const rate = 0.4
	ts, samples := rotatingInPlace(101, 5e6, rate)
	pim, err := p.Preintegrate(ts, samples)
	test.That(t, err, test.ShouldBeNil)

	start := NavState{Pose: spatialmath.NewPose(spatialmath.RotationFromRPY(0, 0, 0.3), r3.Vector{X: 1, Y: 2})}
	end := pim.Predict(start, Bias{})
	test.That(t, end.Pose.Translation.Sub(start.Pose.Translation).Norm(), test.ShouldBeLessThan, 1e-9)
	test.That(t, end.Velocity.Norm(), test.ShouldBeLessThan, 1e-9)
	expected := spatialmath.RotationFromRPY(0, 0, 0.3+rate*0.5)
	test.That(t, spatialmath.RotationAlmostEqual(end.Pose.Rotation, expected, 1e-9), test.ShouldBeTrue)

	residual := pim.ComputeError(start.Pose, start.Velocity, end.Pose, end.Velocity, Bias{})
	for _, r := range residual {
		test.That(t, r, test.ShouldAlmostEqual, 0, 1e-9)
	}
}

func TestPreintegrateGyro(t *testing.T) {
	p := newTestPreintegrator(t, Bias{})
	p.UpdateBias(Bias{Gyro: r3.Vector{Z: 0.1}})
	ts, samples := rotatingInPlace(21, 5e6, 0.5)
	rot, err := p.PreintegrateGyro(ts, samples)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rot.Logmap().Z, test.ShouldAlmostEqual, 0.4*0.1, 1e-12)
	test.That(t, p.CurrentPIM().DeltaT(), test.ShouldEqual, 0)
}

func TestBiasCorrectionIsFirstOrder(t *testing.T) {
	trueBias := Bias{Acc: r3.Vector{X: 0.02, Y: -0.01}, Gyro: r3.Vector{X: 0.001, Z: -0.0008}}
	ts := make([]int64, 101)
	samples := make([]AccGyr, 101)
	for i := range ts {
		ts[i] = int64(i) * 5e6
		samples[i] = AccGyr{
			Acc:  r3.Vector{X: 0.3, Y: 0.1, Z: StandardGravity},
			Gyro: r3.Vector{X: 0.1, Y: -0.2, Z: 0.3},
		}
	}

	atZero := newTestPreintegrator(t, Bias{})
	pimZero, err := atZero.Preintegrate(ts, samples)
	test.That(t, err, test.ShouldBeNil)

	atTrue := newTestPreintegrator(t, trueBias)
	pimTrue, err := atTrue.Preintegrate(ts, samples)
	test.That(t, err, test.ShouldBeNil)

	rot, pos, vel := pimZero.BiasCorrectedDelta(trueBias)
	test.That(t, spatialmath.RotationAlmostEqual(rot, pimTrue.DeltaR(), 1e-5), test.ShouldBeTrue)
	test.That(t, pos.Sub(pimTrue.DeltaP()).Norm(), test.ShouldBeLessThan, 1e-4)
	test.That(t, vel.Sub(pimTrue.DeltaV()).Norm(), test.ShouldBeLessThan, 1e-4)

	// Without the correction the deltas are visibly off.
	test.That(t, pimZero.DeltaV().Sub(pimTrue.DeltaV()).Norm(), test.ShouldBeGreaterThan, 1e-3)
}

func TestCovarianceGrows(t *testing.T) {
	p := newTestPreintegrator(t, Bias{})
	ts, samples := rotatingInPlace(11, 5e6, 0.2)
	short, err := p.Preintegrate(ts, samples)
	test.That(t, err, test.ShouldBeNil)

	more := make([]int64, len(ts))
	for i := range ts {
		more[i] = ts[i] + ts[len(ts)-1] + 5e6
	}
	long, err := p.Preintegrate(more, samples)
	test.That(t, err, test.ShouldBeNil)

	covShort, covLong := short.Covariance(), long.Covariance()
	for i := 0; i < CovarianceDim; i++ {
		test.That(t, covShort.At(i, i), test.ShouldBeGreaterThan, 0)
		test.That(t, covLong.At(i, i), test.ShouldBeGreaterThan, covShort.At(i, i))
	}
	var chol mat.Cholesky
	test.That(t, chol.Factorize(covLong), test.ShouldBeTrue)

	// The first snapshot is not changed by later integration.
	test.That(t, short.DeltaT(), test.ShouldAlmostEqual, 0.05, 1e-12)
}

func TestParamsValidate(t *testing.T) {
	params := DefaultParams()
	test.That(t, params.Validate("imu"), test.ShouldBeNil)

	params.AccNoiseDensity = -1
	params.NominalRate = 0
	err := params.Validate("imu")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "acc_noise_density")
	test.That(t, err.Error(), test.ShouldContainSubstring, "nominal_rate")

	_, err = NewPreintegrator(params, Bias{})
	test.That(t, err, test.ShouldNotBeNil)
}
