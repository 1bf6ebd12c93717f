package imu

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/vio/spatialmath"
)

// CovarianceDim is the dimension of the preintegrated covariance, ordered [rotation, position, velocity].
const CovarianceDim = 9

// NavState is the navigation state of the body: its pose in the world and its world-frame velocity.
type NavState struct {
	Pose     spatialmath.Pose
	Velocity r3.Vector
}

// PreintegratedMeasurement is the on-manifold summary of the inertial samples between two
// keyframes, linearized around BiasHat. Integration never writes into matrices a copy may share,
// so a plain value copy is an independent snapshot.
type PreintegratedMeasurement struct {
	params  Params
	biasHat Bias
	gravity r3.Vector

	deltaT float64
	deltaR spatialmath.Rotation
	deltaP r3.Vector
	deltaV r3.Vector

	// First-order bias Jacobians of the deltas.
	delRdelBiasGyro *mat.Dense
	delPdelBiasAcc  *mat.Dense
	delPdelBiasGyro *mat.Dense
	delVdelBiasAcc  *mat.Dense
	delVdelBiasGyro *mat.Dense

	cov *mat.SymDense
}

// NewPreintegratedMeasurement returns an empty accumulation linearized around biasHat.
func NewPreintegratedMeasurement(params Params, biasHat Bias, gravity r3.Vector) PreintegratedMeasurement {
	return PreintegratedMeasurement{
		params:          params,
		biasHat:         biasHat,
		gravity:         gravity,
		deltaR:          spatialmath.NewRotation(),
		delRdelBiasGyro: mat.NewDense(3, 3, nil),
		delPdelBiasAcc:  mat.NewDense(3, 3, nil),
		delPdelBiasGyro: mat.NewDense(3, 3, nil),
		delVdelBiasAcc:  mat.NewDense(3, 3, nil),
		delVdelBiasGyro: mat.NewDense(3, 3, nil),
		cov:             mat.NewSymDense(CovarianceDim, nil),
	}
}

// IntegrateMeasurement folds one accelerometer/gyroscope sample held for dt seconds into the
// accumulation. Each call allocates fresh matrices for the state it changes.
func (pim *PreintegratedMeasurement) IntegrateMeasurement(acc, gyro r3.Vector, dt float64) {
	a := acc.Sub(pim.biasHat.Acc)
	theta := gyro.Sub(pim.biasHat.Gyro).Mul(dt)
	dt2 := dt * dt

	rot := pim.deltaR.Matrix()
	incR := spatialmath.RotationExpmap(theta)
	incRt := incR.Inverse().Matrix()
	jr := spatialmath.RightJacobian(theta)

	var rotSkewA mat.Dense
	rotSkewA.Mul(rot, spatialmath.Skew(a))

	// Bias Jacobians. Position and velocity use the rotation Jacobian from before this sample.
	var ra, rg mat.Dense
	ra.Mul(&rotSkewA, pim.delRdelBiasGyro)
	rg.Mul(incRt, pim.delRdelBiasGyro)
	pim.delPdelBiasAcc = combine(term{pim.delPdelBiasAcc, 1}, term{pim.delVdelBiasAcc, dt}, term{rot, -0.5 * dt2})
	pim.delPdelBiasGyro = combine(term{pim.delPdelBiasGyro, 1}, term{pim.delVdelBiasGyro, dt}, term{&ra, -0.5 * dt2})
	pim.delVdelBiasAcc = combine(term{pim.delVdelBiasAcc, 1}, term{rot, -dt})
	pim.delVdelBiasGyro = combine(term{pim.delVdelBiasGyro, 1}, term{&ra, -dt})
	pim.delRdelBiasGyro = combine(term{&rg, 1}, term{jr, -dt})

	// Covariance: cov = A cov A' + B Qa B' + C Qg C', plus integration noise on position.
	A := mat.NewDense(CovarianceDim, CovarianceDim, nil)
	setBlock(A, 0, 0, incRt, 1)
	setBlock(A, 3, 0, &rotSkewA, -0.5*dt2)
	setBlock(A, 3, 3, identity(), 1)
	setBlock(A, 3, 6, identity(), dt)
	setBlock(A, 6, 0, &rotSkewA, -dt)
	setBlock(A, 6, 6, identity(), 1)

	B := mat.NewDense(CovarianceDim, 3, nil)
	setBlock(B, 3, 0, rot, 0.5*dt2)
	setBlock(B, 6, 0, rot, dt)

	C := mat.NewDense(CovarianceDim, 3, nil)
	setBlock(C, 0, 0, jr, dt)

	var next, tmp mat.Dense
	tmp.Mul(A, pim.cov)
	next.Mul(&tmp, A.T())
	accVar := pim.params.AccNoiseDensity * pim.params.AccNoiseDensity / dt
	gyroVar := pim.params.GyroNoiseDensity * pim.params.GyroNoiseDensity / dt
	var bb, cc mat.Dense
	bb.Mul(B, B.T())
	bb.Scale(accVar, &bb)
	cc.Mul(C, C.T())
	cc.Scale(gyroVar, &cc)
	next.Add(&next, &bb)
	next.Add(&next, &cc)
	intVar := pim.params.IntegrationSigma * pim.params.IntegrationSigma * dt
	for i := 3; i < 6; i++ {
		next.Set(i, i, next.At(i, i)+intVar)
	}
	pim.cov = symmetrize(&next)

	// Deltas, position before velocity before rotation.
	ra3 := spatialmath.MatVec(rot, a)
	pim.deltaP = pim.deltaP.Add(pim.deltaV.Mul(dt)).Add(ra3.Mul(0.5 * dt2))
	pim.deltaV = pim.deltaV.Add(ra3.Mul(dt))
	pim.deltaR = pim.deltaR.Compose(incR)
	pim.deltaT += dt
}

// BiasHat returns the bias the accumulation is linearized around.
func (pim PreintegratedMeasurement) BiasHat() Bias {
	return pim.biasHat
}

// Gravity returns the world-frame gravity the measurement predicts with.
func (pim PreintegratedMeasurement) Gravity() r3.Vector {
	return pim.gravity
}

// Params returns the noise parameters of the accumulation.
func (pim PreintegratedMeasurement) Params() Params {
	return pim.params
}

// DeltaT returns the integrated time in seconds.
func (pim PreintegratedMeasurement) DeltaT() float64 {
	return pim.deltaT
}

// DeltaR returns the preintegrated rotation.
func (pim PreintegratedMeasurement) DeltaR() spatialmath.Rotation {
	return pim.deltaR
}

// DeltaP returns the preintegrated position delta.
func (pim PreintegratedMeasurement) DeltaP() r3.Vector {
	return pim.deltaP
}

// DeltaV returns the preintegrated velocity delta.
func (pim PreintegratedMeasurement) DeltaV() r3.Vector {
	return pim.deltaV
}

// Covariance returns a copy of the 9x9 covariance ordered [rotation, position, velocity].
func (pim PreintegratedMeasurement) Covariance() *mat.SymDense {
	if pim.cov == nil {
		return mat.NewSymDense(CovarianceDim, nil)
	}
	return mat.NewSymDense(CovarianceDim, append([]float64(nil), pim.cov.RawSymmetric().Data...))
}

// BiasCorrectedDelta returns the deltas corrected to first order for the given bias.
func (pim PreintegratedMeasurement) BiasCorrectedDelta(bias Bias) (spatialmath.Rotation, r3.Vector, r3.Vector) {
	db := bias.Sub(pim.biasHat)
	rot, p, v := pim.deltaR, pim.deltaP, pim.deltaV
	if pim.delRdelBiasGyro == nil {
		return rot, p, v
	}
	rot = rot.Retract(spatialmath.MatVec(pim.delRdelBiasGyro, db.Gyro))
	p = p.Add(spatialmath.MatVec(pim.delPdelBiasAcc, db.Acc)).Add(spatialmath.MatVec(pim.delPdelBiasGyro, db.Gyro))
	v = v.Add(spatialmath.MatVec(pim.delVdelBiasAcc, db.Acc)).Add(spatialmath.MatVec(pim.delVdelBiasGyro, db.Gyro))
	return rot, p, v
}

// Predict propagates state across the interval using the bias-corrected deltas.
func (pim PreintegratedMeasurement) Predict(state NavState, bias Bias) NavState {
	dR, dP, dV := pim.BiasCorrectedDelta(bias)
	dt := pim.deltaT
	ri := state.Pose.Rotation
	pos := state.Pose.Translation.
		Add(state.Velocity.Mul(dt)).
		Add(pim.gravity.Mul(0.5 * dt * dt)).
		Add(ri.Rotate(dP))
	vel := state.Velocity.Add(pim.gravity.Mul(dt)).Add(ri.Rotate(dV))
	return NavState{
		Pose:     spatialmath.NewPose(ri.Compose(dR), pos),
		Velocity: vel,
	}
}

// ComputeError returns the 9-dimensional residual [rotation, position, velocity] of the
// measurement between two states, given the bias at the first state.
func (pim PreintegratedMeasurement) ComputeError(
	poseI spatialmath.Pose, velI r3.Vector, poseJ spatialmath.Pose, velJ r3.Vector, bias Bias,
) []float64 {
	dR, dP, dV := pim.BiasCorrectedDelta(bias)
	dt := pim.deltaT
	ri := poseI.Rotation
	rErr := dR.Between(ri.Between(poseJ.Rotation)).Logmap()
	pErr := ri.Unrotate(poseJ.Translation.
		Sub(poseI.Translation).
		Sub(velI.Mul(dt)).
		Sub(pim.gravity.Mul(0.5 * dt * dt))).Sub(dP)
	vErr := ri.Unrotate(velJ.Sub(velI).Sub(pim.gravity.Mul(dt))).Sub(dV)
	return []float64{rErr.X, rErr.Y, rErr.Z, pErr.X, pErr.Y, pErr.Z, vErr.X, vErr.Y, vErr.Z}
}

func identity() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}

type term struct {
	m     mat.Matrix
	scale float64
}

// combine returns a fresh 3x3 matrix holding the weighted sum of the terms.
func combine(terms ...term) *mat.Dense {
	out := mat.NewDense(3, 3, nil)
	for _, t := range terms {
		var scaled mat.Dense
		scaled.Scale(t.scale, t.m)
		out.Add(out, &scaled)
	}
	return out
}

func setBlock(dst *mat.Dense, row, col int, src mat.Matrix, scale float64) {
	r, c := src.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			dst.Set(row+i, col+j, scale*src.At(i, j))
		}
	}
}

func symmetrize(m mat.Matrix) *mat.SymDense {
	n, _ := m.Dims()
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, 0.5*(m.At(i, j)+m.At(j, i)))
		}
	}
	return sym
}
