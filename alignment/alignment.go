// Package alignment recovers the gyroscope bias, keyframe velocities and the gravity direction
// from a visual bundle adjustment and the inertial measurements between its keyframes.
package alignment

import (
	"context"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/vio/imu"
	"go.viam.com/vio/logging"
	"go.viam.com/vio/spatialmath"
)

// ErrAlignmentFailed is returned when the inertial and visual estimates cannot be aligned.
var ErrAlignmentFailed = errors.New("visual-inertial alignment failed")

const (
	// maxConditionNumber bounds the conditioning of the velocity and gravity system.
	maxConditionNumber = 1e10
	// gravityTolerance is the largest accepted relative error of the recovered gravity magnitude.
	gravityTolerance = 0.3
	jacobianStep     = 1e-6
	biasIterations   = 3
)

// Input is a bundle-adjusted window of keyframes. Poses are body poses expressed in the frame of
// the first keyframe. Pims[i] and DeltaTs[i] cover the interval from keyframe i to keyframe i+1.
type Input struct {
	Poses   []spatialmath.Pose
	Pims    []imu.PreintegratedMeasurement
	DeltaTs []float64
	// Gravity is the nominal gravity vector of the world frame.
	Gravity r3.Vector
}

// Result holds the aligned estimates.
type Result struct {
	GyroBias r3.Vector
	// Gravity is the recovered gravity in the frame of the first keyframe, rescaled to the nominal
	// magnitude.
	Gravity r3.Vector
	// Velocities are the keyframe velocities in the frame of the first keyframe.
	Velocities []r3.Vector
	// InitialState is the first keyframe's state in a world frame whose gravity is the nominal one.
	InitialState imu.NavState
}

func (in Input) check() error {
	n := len(in.Poses)
	if n < 3 {
		return errors.Wrapf(ErrAlignmentFailed, "need at least 3 keyframes, got %d", n)
	}
	if len(in.Pims) != n-1 || len(in.DeltaTs) != n-1 {
		return errors.Wrapf(ErrAlignmentFailed, "%d poses need %d measurements and intervals, got %d and %d",
			n, n-1, len(in.Pims), len(in.DeltaTs))
	}
	for i, dt := range in.DeltaTs {
		if !(dt > 0) {
			return errors.Wrapf(ErrAlignmentFailed, "interval %d is %v", i, dt)
		}
	}
	if in.Gravity.Norm() == 0 {
		return errors.Wrap(ErrAlignmentFailed, "nominal gravity is zero")
	}
	return nil
}

// Align estimates the gyroscope bias from the rotation residuals between consecutive keyframes,
// then solves the velocities and gravity by linear least squares. Gravity is renormalized to the
// nominal magnitude and the velocities are solved again with it fixed.
func Align(ctx context.Context, in Input, logger logging.Logger) (Result, error) {
	_, span := trace.StartSpan(ctx, "alignment::Align")
	defer span.End()

	if err := in.check(); err != nil {
		return Result{}, err
	}
	gyroBias, err := estimateGyroBias(in)
	if err != nil {
		return Result{}, err
	}
	logger.Debugw("estimated gyro bias", "bias", gyroBias)

	velocities, gravity, err := solveVelocitiesAndGravity(in, gyroBias, nil)
	if err != nil {
		return Result{}, err
	}
	nominal := in.Gravity.Norm()
	if math.Abs(gravity.Norm()-nominal) > gravityTolerance*nominal {
		return Result{}, errors.Wrapf(ErrAlignmentFailed, "recovered gravity magnitude %.3f, expected %.3f",
			gravity.Norm(), nominal)
	}
	gravity = gravity.Normalize().Mul(nominal)
	velocities, _, err = solveVelocitiesAndGravity(in, gyroBias, &gravity)
	if err != nil {
		return Result{}, err
	}

	worldRot := spatialmath.AlignVectors(gravity, in.Gravity)
	result := Result{
		GyroBias:   gyroBias,
		Gravity:    gravity,
		Velocities: velocities,
		InitialState: imu.NavState{
			Pose:     spatialmath.NewPose(worldRot.Compose(in.Poses[0].Rotation), worldRot.Rotate(in.Poses[0].Translation)),
			Velocity: worldRot.Rotate(velocities[0]),
		},
	}
	logger.Debugw("aligned visual and inertial estimates", "gravity", gravity, "velocity", result.InitialState.Velocity)
	return result, nil
}

// rotationResidual is Log(dR(b)^-1 Ri^-1 Rj) for gyro bias b.
func rotationResidual(pim imu.PreintegratedMeasurement, ri, rj spatialmath.Rotation, gyro r3.Vector) r3.Vector {
	bias := imu.Bias{Acc: pim.BiasHat().Acc, Gyro: gyro}
	dR, _, _ := pim.BiasCorrectedDelta(bias)
	return dR.Between(ri.Between(rj)).Logmap()
}

// estimateGyroBias runs a few Gauss-Newton iterations on the stacked rotation residuals with
// numeric Jacobians.
func estimateGyroBias(in Input) (r3.Vector, error) {
	bias := in.Pims[0].BiasHat().Gyro
	rows := 3 * len(in.Pims)
	for iter := 0; iter < biasIterations; iter++ {
		jac := mat.NewDense(rows, 3, nil)
		res := mat.NewVecDense(rows, nil)
		for i, pim := range in.Pims {
			ri, rj := in.Poses[i].Rotation, in.Poses[i+1].Rotation
			r := rotationResidual(pim, ri, rj, bias)
			res.SetVec(3*i, -r.X)
			res.SetVec(3*i+1, -r.Y)
			res.SetVec(3*i+2, -r.Z)
			for k := 0; k < 3; k++ {
				var d r3.Vector
				switch k {
				case 0:
					d.X = jacobianStep
				case 1:
					d.Y = jacobianStep
				default:
					d.Z = jacobianStep
				}
				plus := rotationResidual(pim, ri, rj, bias.Add(d))
				minus := rotationResidual(pim, ri, rj, bias.Sub(d))
				col := plus.Sub(minus).Mul(1 / (2 * jacobianStep))
				jac.Set(3*i, k, col.X)
				jac.Set(3*i+1, k, col.Y)
				jac.Set(3*i+2, k, col.Z)
			}
		}
		var delta mat.VecDense
		if err := delta.SolveVec(jac, res); err != nil {
			return r3.Vector{}, errors.Wrapf(ErrAlignmentFailed, "solving for gyro bias: %v", err)
		}
		step := r3.Vector{X: delta.AtVec(0), Y: delta.AtVec(1), Z: delta.AtVec(2)}
		bias = bias.Add(step)
		if step.Norm() < 1e-12 {
			break
		}
	}
	return bias, nil
}

// solveVelocitiesAndGravity solves, for every interval i -> j,
//
//	pj - pi = vi dt + 1/2 g dt^2 + Ri dp
//	vj - vi = g dt + Ri dv
//
// for the velocities and, when fixedGravity is nil, the gravity vector.
func solveVelocitiesAndGravity(
	in Input,
	gyroBias r3.Vector,
	fixedGravity *r3.Vector,
) ([]r3.Vector, r3.Vector, error) {
	n := len(in.Poses)
	cols := 3 * n
	if fixedGravity == nil {
		cols += 3
	}
	rows := 6 * (n - 1)
	a := mat.NewDense(rows, cols, nil)
	b := mat.NewVecDense(rows, nil)

	for i, pim := range in.Pims {
		dt := in.DeltaTs[i]
		bias := imu.Bias{Acc: pim.BiasHat().Acc, Gyro: gyroBias}
		_, dp, dv := pim.BiasCorrectedDelta(bias)
		ri := in.Poses[i].Rotation
		posRHS := in.Poses[i+1].Translation.Sub(in.Poses[i].Translation).Sub(ri.Rotate(dp))
		velRHS := ri.Rotate(dv)
		if fixedGravity != nil {
			posRHS = posRHS.Sub(fixedGravity.Mul(0.5 * dt * dt))
			velRHS = velRHS.Add(fixedGravity.Mul(dt))
		}
		pr, vr := 6*i, 6*i+3
		for k := 0; k < 3; k++ {
			a.Set(pr+k, 3*i+k, dt)
			a.Set(vr+k, 3*(i+1)+k, 1)
			a.Set(vr+k, 3*i+k, -1)
			if fixedGravity == nil {
				a.Set(pr+k, 3*n+k, 0.5*dt*dt)
				a.Set(vr+k, 3*n+k, -dt)
			}
		}
		setVec3(b, pr, posRHS)
		setVec3(b, vr, velRHS)
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDNone) {
		return nil, r3.Vector{}, errors.Wrap(ErrAlignmentFailed, "factorizing velocity system")
	}
	if cond := svd.Cond(); cond > maxConditionNumber || math.IsInf(cond, 0) || math.IsNaN(cond) {
		return nil, r3.Vector{}, errors.Wrapf(ErrAlignmentFailed, "velocity system is ill-conditioned (%.3g)", cond)
	}
	var x mat.VecDense
	if err := x.SolveVec(a, b); err != nil {
		return nil, r3.Vector{}, errors.Wrapf(ErrAlignmentFailed, "solving velocity system: %v", err)
	}
	velocities := make([]r3.Vector, n)
	for i := range velocities {
		velocities[i] = vec3(&x, 3*i)
	}
	if fixedGravity != nil {
		return velocities, *fixedGravity, nil
	}
	return velocities, vec3(&x, 3*n), nil
}

func setVec3(v *mat.VecDense, at int, x r3.Vector) {
	v.SetVec(at, x.X)
	v.SetVec(at+1, x.Y)
	v.SetVec(at+2, x.Z)
}

func vec3(v *mat.VecDense, at int) r3.Vector {
	return r3.Vector{X: v.AtVec(at), Y: v.AtVec(at + 1), Z: v.AtVec(at + 2)}
}
