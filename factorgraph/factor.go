package factorgraph

import (
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/vio/noise"
)

// numericStep is the central difference step used for Jacobians.
const numericStep = 1e-6

// Factor is a nonlinear constraint over a set of variables.
type Factor interface {
	Keys() []Key
	// Error returns the cost of the factor at values. An error means the factor cannot be
	// evaluated there, for example a point behind a camera.
	Error(values *Values) (float64, error)
	// Linearize returns the second-order approximation of the cost around values.
	Linearize(values *Values) (*GaussianFactor, error)
}

// GaussianFactor is a quadratic cost 0.5 d'Hd - g'd + c over the stacked tangent vector d of its
// keys. The minimizer of a positive definite factor is d = inv(H) g.
type GaussianFactor struct {
	Keys     []Key
	Dims     []int
	H        *mat.SymDense
	G        []float64
	Constant float64
}

// Dim returns the stacked dimension of the factor.
func (gf *GaussianFactor) Dim() int {
	var d int
	for _, x := range gf.Dims {
		d += x
	}
	return d
}

// Offsets returns the start of each key's block in the stacked vector.
func (gf *GaussianFactor) Offsets() []int {
	out := make([]int, len(gf.Dims))
	var off int
	for i, d := range gf.Dims {
		out[i] = off
		off += d
	}
	return out
}

// NewGaussianFactorFromJacobian builds the Hessian form of the whitened system |J d + r|^2 with
// IRLS weight w.
func NewGaussianFactorFromJacobian(keys []Key, dims []int, jw *mat.Dense, rw []float64, w, cost float64) *GaussianFactor {
	_, n := jw.Dims()
	var h mat.Dense
	h.Mul(jw.T(), jw)
	h.Scale(w, &h)
	g := mat.NewVecDense(n, nil)
	g.MulVec(jw.T(), mat.NewVecDense(len(rw), rw))
	g.ScaleVec(-w, g)
	return &GaussianFactor{
		Keys:     keys,
		Dims:     dims,
		H:        symmetrize(&h),
		G:        g.RawVector().Data,
		Constant: cost,
	}
}

// ResidualFunc computes an unwhitened residual from the values of a factor's keys.
type ResidualFunc func(values *Values) ([]float64, error)

// NoiseModelFactor is a factor whose cost is the noise model loss of a residual. Its Jacobians
// are computed by central differences on the manifold of each key.
type NoiseModelFactor struct {
	keys     []Key
	model    noise.Model
	residual ResidualFunc
}

// NewNoiseModelFactor returns a factor over keys with the given residual and noise model.
func NewNoiseModelFactor(keys []Key, model noise.Model, residual ResidualFunc) *NoiseModelFactor {
	return &NoiseModelFactor{keys: keys, model: model, residual: residual}
}

// Keys returns the variables of the factor.
func (f *NoiseModelFactor) Keys() []Key { return f.keys }

// NoiseModel returns the noise model of the factor.
func (f *NoiseModelFactor) NoiseModel() noise.Model { return f.model }

// Unwhitened returns the raw residual at values.
func (f *NoiseModelFactor) Unwhitened(values *Values) ([]float64, error) {
	return f.residual(values)
}

// Error returns the loss of the whitened residual.
func (f *NoiseModelFactor) Error(values *Values) (float64, error) {
	r, err := f.residual(values)
	if err != nil {
		return 0, err
	}
	return f.model.Loss(f.model.Whiten(r)), nil
}

// Linearize returns the Hessian form of the whitened, reweighted first-order system.
func (f *NoiseModelFactor) Linearize(values *Values) (*GaussianFactor, error) {
	local, err := values.Subset(f.keys)
	if err != nil {
		return nil, err
	}
	r, jac, dims, err := NumericJacobian(local, f.keys, f.residual)
	if err != nil {
		return nil, err
	}
	rw := f.model.Whiten(r)
	jw := f.model.WhitenJacobian(jac)
	return NewGaussianFactorFromJacobian(f.keys, dims, jw, rw, f.model.Weight(rw), f.model.Loss(rw)), nil
}

// NumericJacobian evaluates residual at values and its Jacobian with respect to the stacked
// tangent spaces of keys. values is perturbed in place and restored before returning.
func NumericJacobian(values *Values, keys []Key, residual ResidualFunc) ([]float64, *mat.Dense, []int, error) {
	r0, err := residual(values)
	if err != nil {
		return nil, nil, nil, err
	}
	dims := make([]int, len(keys))
	var total int
	for i, k := range keys {
		v, err := values.At(k)
		if err != nil {
			return nil, nil, nil, err
		}
		dims[i] = v.Dim()
		total += dims[i]
	}
	jac := mat.NewDense(len(r0), total, nil)
	col := 0
	for i, k := range keys {
		orig := values.values[k]
		delta := make([]float64, dims[i])
		for d := 0; d < dims[i]; d++ {
			delta[d] = numericStep
			values.values[k] = orig.Retract(delta)
			plus, errPlus := residual(values)
			delta[d] = -numericStep
			values.values[k] = orig.Retract(delta)
			minus, errMinus := residual(values)
			delta[d] = 0
			values.values[k] = orig
			if err := multierr.Combine(errPlus, errMinus); err != nil {
				return nil, nil, nil, err
			}
			floats.Sub(plus, minus)
			floats.Scale(1/(2*numericStep), plus)
			jac.SetCol(col, plus)
			col++
		}
	}
	return r0, jac, dims, nil
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
