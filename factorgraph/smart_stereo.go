package factorgraph

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/vio/spatialmath"
	"go.viam.com/vio/stereo"
)

// TriangulationStatus classifies the outcome of triangulating a smart factor's landmark.
type TriangulationStatus int

// The triangulation outcomes. Only TriangulationValid yields a usable point.
const (
	TriangulationValid TriangulationStatus = iota
	TriangulationDegenerate
	TriangulationBehindCamera
	TriangulationOutlier
	TriangulationFarPoint
)

func (s TriangulationStatus) String() string {
	switch s {
	case TriangulationValid:
		return "valid"
	case TriangulationDegenerate:
		return "degenerate"
	case TriangulationBehindCamera:
		return "behind camera"
	case TriangulationOutlier:
		return "outlier"
	case TriangulationFarPoint:
		return "far point"
	}
	return "unknown"
}

// TriangulationResult is the landmark position implied by the observations of a smart factor.
type TriangulationResult struct {
	Point  r3.Vector
	Status TriangulationStatus
	// MaxReprojectionError is the largest pixel error over all observations, when the point exists.
	MaxReprojectionError float64
}

// Valid returns whether the point can be used.
func (r TriangulationResult) Valid() bool {
	return r.Status == TriangulationValid
}

// SmartStereoParams configures triangulation of smart factors.
type SmartStereoParams struct {
	// RankTolerance is the singular value below which the triangulation system loses rank.
	RankTolerance float64
	// LandmarkDistanceThreshold is the farthest a landmark may be from an observing camera.
	// Zero disables the check.
	LandmarkDistanceThreshold float64
	// OutlierRejection is the largest reprojection error in pixels. Zero disables the check.
	OutlierRejection float64
}

// SmartObservation is one keyframe's observation of a smart factor's landmark.
type SmartObservation struct {
	PoseKey  Key
	Measured stereo.Point2
}

// SmartStereoFactor constrains the poses observing a landmark without a landmark variable. The
// landmark is triangulated from the current poses and eliminated from the linearized system.
type SmartStereoFactor struct {
	rig          stereo.Rig
	sigma        float64
	params       SmartStereoParams
	observations []SmartObservation
}

// NewSmartStereoFactor returns an empty factor whose pixel residuals have standard deviation sigma.
func NewSmartStereoFactor(rig stereo.Rig, sigma float64, params SmartStereoParams) *SmartStereoFactor {
	return &SmartStereoFactor{rig: rig, sigma: sigma, params: params}
}

// Add appends an observation from the keyframe at poseKey.
func (f *SmartStereoFactor) Add(poseKey Key, measured stereo.Point2) error {
	if lo.ContainsBy(f.observations, func(o SmartObservation) bool { return o.PoseKey == poseKey }) {
		return errors.Errorf("smart factor already observed from %s", poseKey)
	}
	f.observations = append(f.observations, SmartObservation{PoseKey: poseKey, Measured: measured})
	return nil
}

// Clone returns an independent copy with the same observations.
func (f *SmartStereoFactor) Clone() *SmartStereoFactor {
	out := *f
	out.observations = append([]SmartObservation(nil), f.observations...)
	return &out
}

// Observations returns a copy of the observations.
func (f *SmartStereoFactor) Observations() []SmartObservation {
	return append([]SmartObservation(nil), f.observations...)
}

// Len returns the number of observations.
func (f *SmartStereoFactor) Len() int {
	return len(f.observations)
}

// Keys returns the observing pose keys.
func (f *SmartStereoFactor) Keys() []Key {
	return lo.Map(f.observations, func(o SmartObservation, _ int) Key { return o.PoseKey })
}

func (f *SmartStereoFactor) poses(values *Values) ([]spatialmath.Pose, error) {
	poses := make([]spatialmath.Pose, len(f.observations))
	for i, o := range f.observations {
		p, err := values.Pose(o.PoseKey)
		if err != nil {
			return nil, err
		}
		poses[i] = p
	}
	return poses, nil
}

// Triangulate returns the landmark implied by the observations at the current poses.
func (f *SmartStereoFactor) Triangulate(values *Values) (TriangulationResult, error) {
	poses, err := f.poses(values)
	if err != nil {
		return TriangulationResult{}, err
	}
	return f.triangulate(poses), nil
}

func (f *SmartStereoFactor) triangulate(poses []spatialmath.Pose) TriangulationResult {
	if len(f.observations) < 2 {
		return TriangulationResult{Status: TriangulationDegenerate}
	}
	point, status := f.dlt(poses)
	if status != TriangulationValid {
		return TriangulationResult{Status: status}
	}
	point = f.refine(poses, point)

	var maxErr float64
	for i, o := range f.observations {
		camPose := f.rig.CameraPose(poses[i])
		inCam := camPose.TransformTo(point)
		if inCam.Z <= 0 {
			return TriangulationResult{Point: point, Status: TriangulationBehindCamera}
		}
		if t := f.params.LandmarkDistanceThreshold; t > 0 && point.Sub(camPose.Translation).Norm() > t {
			return TriangulationResult{Point: point, Status: TriangulationFarPoint}
		}
		projected, err := f.rig.Calibration.Project(inCam)
		if err != nil {
			return TriangulationResult{Point: point, Status: TriangulationBehindCamera}
		}
		maxErr = math.Max(maxErr, floats.Norm(reprojectionResidual(projected, o.Measured), 2))
	}
	result := TriangulationResult{Point: point, Status: TriangulationValid, MaxReprojectionError: maxErr}
	if t := f.params.OutlierRejection; t > 0 && maxErr > t {
		result.Status = TriangulationOutlier
	}
	return result
}

// dlt solves the homogeneous linear triangulation with the left and right images of every
// observation as separate views.
func (f *SmartStereoFactor) dlt(poses []spatialmath.Pose) (r3.Vector, TriangulationStatus) {
	calib := f.rig.Calibration
	k := mat.NewDense(3, 3, []float64{calib.Fx, calib.Skew, calib.Cx, 0, calib.Fy, calib.Cy, 0, 0, 1})
	var rows [][]float64
	for i, o := range f.observations {
		camPose := f.rig.CameraPose(poses[i])
		rt := camPose.Rotation.Inverse().Matrix()
		tc := camPose.Rotation.Unrotate(camPose.Translation).Mul(-1)
		views := []struct {
			u, shift float64
		}{{o.Measured.UL, 0}}
		if !o.Measured.IsMono() {
			views = append(views, struct{ u, shift float64 }{o.Measured.UR, calib.Baseline})
		}
		for _, view := range views {
			ext := mat.NewDense(3, 4, []float64{
				rt.At(0, 0), rt.At(0, 1), rt.At(0, 2), tc.X - view.shift,
				rt.At(1, 0), rt.At(1, 1), rt.At(1, 2), tc.Y,
				rt.At(2, 0), rt.At(2, 1), rt.At(2, 2), tc.Z,
			})
			var proj mat.Dense
			proj.Mul(k, ext)
			p0, p1, p2 := proj.RawRowView(0), proj.RawRowView(1), proj.RawRowView(2)
			rowU := make([]float64, 4)
			rowV := make([]float64, 4)
			for c := 0; c < 4; c++ {
				rowU[c] = view.u*p2[c] - p0[c]
				rowV[c] = o.Measured.V*p2[c] - p1[c]
			}
			rows = append(rows, rowU, rowV)
		}
	}
	a := mat.NewDense(len(rows), 4, nil)
	for i, r := range rows {
		a.SetRow(i, r)
	}
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return r3.Vector{}, TriangulationDegenerate
	}
	rank := lo.CountBy(svd.Values(nil), func(s float64) bool { return s > f.params.RankTolerance })
	if rank < 3 {
		return r3.Vector{}, TriangulationDegenerate
	}
	var v mat.Dense
	svd.VTo(&v)
	w := v.At(3, 3)
	if math.Abs(w) < 1e-12 {
		return r3.Vector{}, TriangulationFarPoint
	}
	return r3.Vector{X: v.At(0, 3) / w, Y: v.At(1, 3) / w, Z: v.At(2, 3) / w}, TriangulationValid
}

// refine runs a few Gauss-Newton iterations on the reprojection error of the point.
func (f *SmartStereoFactor) refine(poses []spatialmath.Pose, point r3.Vector) r3.Vector {
	const iterations = 5
	residual := func(vals *Values) ([]float64, error) {
		p, err := vals.Point3(refineKey)
		if err != nil {
			return nil, err
		}
		return f.stackedResidual(poses, p)
	}
	for iter := 0; iter < iterations; iter++ {
		vals := NewValues()
		vals.Upsert(refineKey, Point3Value{point})
		r, jac, _, err := NumericJacobian(vals, []Key{refineKey}, residual)
		if err != nil {
			return point
		}
		var jtj mat.Dense
		jtj.Mul(jac.T(), jac)
		jtr := mat.NewVecDense(3, nil)
		jtr.MulVec(jac.T(), mat.NewVecDense(len(r), r))
		var step mat.VecDense
		if err := step.SolveVec(&jtj, jtr); err != nil {
			return point
		}
		next := point.Sub(r3.Vector{X: step.AtVec(0), Y: step.AtVec(1), Z: step.AtVec(2)})
		if next.Sub(point).Norm() < 1e-10 {
			return next
		}
		point = next
	}
	return point
}

var refineKey = Symbol('t', 0)

// stackedResidual returns the pixel residuals of all observations of point.
func (f *SmartStereoFactor) stackedResidual(poses []spatialmath.Pose, point r3.Vector) ([]float64, error) {
	var out []float64
	for i, o := range f.observations {
		projected, err := f.rig.ProjectWorld(poses[i], point)
		if err != nil {
			return nil, err
		}
		out = append(out, reprojectionResidual(projected, o.Measured)...)
	}
	return out, nil
}

// Error returns half the sum of squared whitened reprojection errors at the triangulated point,
// or zero when the landmark cannot be triangulated.
func (f *SmartStereoFactor) Error(values *Values) (float64, error) {
	poses, err := f.poses(values)
	if err != nil {
		return 0, err
	}
	result := f.triangulate(poses)
	if !result.Valid() {
		return 0, nil
	}
	r, err := f.stackedResidual(poses, result.Point)
	if err != nil {
		return 0, nil
	}
	floats.Scale(1/f.sigma, r)
	return 0.5 * floats.Dot(r, r), nil
}

// Linearize eliminates the triangulated point from the joint pose-point system with a Schur
// complement. A landmark that cannot be triangulated yields a zero factor.
func (f *SmartStereoFactor) Linearize(values *Values) (*GaussianFactor, error) {
	keys := f.Keys()
	dims := lo.Map(keys, func(Key, int) int { return 6 })
	n := 6 * len(keys)
	zero := &GaussianFactor{Keys: keys, Dims: dims, H: mat.NewSymDense(n, nil), G: make([]float64, n)}

	poses, err := f.poses(values)
	if err != nil {
		return nil, err
	}
	result := f.triangulate(poses)
	if !result.Valid() {
		return zero, nil
	}

	// Per-observation Jacobians with respect to the observing pose (F) and the point (E).
	var fBlocks, eBlocks []*mat.Dense
	var b []float64
	rows := 0
	for i, o := range f.observations {
		local := NewValues()
		local.Upsert(o.PoseKey, PoseValue{poses[i]})
		local.Upsert(refineKey, Point3Value{result.Point})
		measured := o.Measured
		r, jac, _, err := NumericJacobian(local, []Key{o.PoseKey, refineKey}, func(vals *Values) ([]float64, error) {
			pose, err := vals.Pose(o.PoseKey)
			if err != nil {
				return nil, err
			}
			pt, err := vals.Point3(refineKey)
			if err != nil {
				return nil, err
			}
			projected, err := f.rig.ProjectWorld(pose, pt)
			if err != nil {
				return nil, err
			}
			return reprojectionResidual(projected, measured), nil
		})
		if err != nil {
			return zero, nil
		}
		m := len(r)
		jac.Scale(1/f.sigma, jac)
		fBlocks = append(fBlocks, mat.DenseCopyOf(jac.Slice(0, m, 0, 6)))
		eBlocks = append(eBlocks, mat.DenseCopyOf(jac.Slice(0, m, 6, 9)))
		for _, x := range r {
			b = append(b, x/f.sigma)
		}
		rows += m
	}

	fMat := mat.NewDense(rows, n, nil)
	eMat := mat.NewDense(rows, 3, nil)
	row := 0
	for i := range fBlocks {
		m, _ := fBlocks[i].Dims()
		fMat.Slice(row, row+m, 6*i, 6*i+6).(*mat.Dense).Copy(fBlocks[i])
		eMat.Slice(row, row+m, 0, 3).(*mat.Dense).Copy(eBlocks[i])
		row += m
	}
	bVec := mat.NewVecDense(rows, b)

	var ete mat.Dense
	ete.Mul(eMat.T(), eMat)
	var pInv mat.Dense
	if err := pInv.Inverse(&ete); err != nil {
		return zero, nil
	}

	// H = F'F - F'E inv(E'E) E'F and g = -(F'b - F'E inv(E'E) E'b).
	var ftf, fte, etf, tmp, schur mat.Dense
	ftf.Mul(fMat.T(), fMat)
	fte.Mul(fMat.T(), eMat)
	etf.Mul(eMat.T(), fMat)
	tmp.Mul(&fte, &pInv)
	schur.Mul(&tmp, &etf)
	ftf.Sub(&ftf, &schur)

	ftb := mat.NewVecDense(n, nil)
	ftb.MulVec(fMat.T(), bVec)
	etb := mat.NewVecDense(3, nil)
	etb.MulVec(eMat.T(), bVec)
	corr := mat.NewVecDense(n, nil)
	corr.MulVec(&tmp, etb)
	ftb.SubVec(ftb, corr)
	ftb.ScaleVec(-1, ftb)

	return &GaussianFactor{
		Keys:     keys,
		Dims:     dims,
		H:        symmetrize(&ftf),
		G:        ftb.RawVector().Data,
		Constant: 0.5 * floats.Dot(b, b),
	}, nil
}
