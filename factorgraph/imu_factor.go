package factorgraph

import (
	"gonum.org/v1/gonum/mat"

	"go.viam.com/vio/imu"
	"go.viam.com/vio/noise"
)

// covarianceJitter is added to the diagonal of a preintegrated covariance that is not positive
// definite, as happens with noise-free IMU parameters.
const covarianceJitter = 1e-12

// ImuFactor ties two consecutive navigation states through a preintegrated measurement, using
// the bias at the first state.
type ImuFactor struct {
	*NoiseModelFactor
	PoseI, VelI, PoseJ, VelJ, BiasI Key
	PIM                             imu.PreintegratedMeasurement
}

// NewImuFactor returns the factor for pim, whitened by its own covariance.
func NewImuFactor(poseI, velI, poseJ, velJ, biasI Key, pim imu.PreintegratedMeasurement) (*ImuFactor, error) {
	cov := pim.Covariance()
	model, err := noise.NewGaussianCovariance(cov)
	for jitter := covarianceJitter; err != nil && jitter < 1; jitter *= 100 {
		bumped := mat.NewSymDense(imu.CovarianceDim, nil)
		bumped.CopySym(cov)
		for i := 0; i < imu.CovarianceDim; i++ {
			bumped.SetSym(i, i, bumped.At(i, i)+jitter)
		}
		model, err = noise.NewGaussianCovariance(bumped)
	}
	if err != nil {
		return nil, err
	}
	f := &ImuFactor{PoseI: poseI, VelI: velI, PoseJ: poseJ, VelJ: velJ, BiasI: biasI, PIM: pim}
	keys := []Key{poseI, velI, poseJ, velJ, biasI}
	f.NoiseModelFactor = NewNoiseModelFactor(keys, model, func(values *Values) ([]float64, error) {
		pi, err := values.Pose(poseI)
		if err != nil {
			return nil, err
		}
		vi, err := values.Point3(velI)
		if err != nil {
			return nil, err
		}
		pj, err := values.Pose(poseJ)
		if err != nil {
			return nil, err
		}
		vj, err := values.Point3(velJ)
		if err != nil {
			return nil, err
		}
		b, err := values.Bias(biasI)
		if err != nil {
			return nil, err
		}
		return pim.ComputeError(pi, vi, pj, vj, b), nil
	})
	return f, nil
}
