package factorgraph

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// LinearizedPriorFactor is a fixed quadratic cost over a set of variables, expressed in the
// tangent space at the values it was linearized at. Marginalization leaves one behind on the
// separator of the eliminated variables.
type LinearizedPriorFactor struct {
	keys     []Key
	dims     []int
	linPoint *Values
	h        *mat.SymDense
	g        []float64
	constant float64
}

// NewLinearizedPriorFactor returns the prior 0.5 d'Hd - g'd + c where d is the stacked local
// coordinates of the current values with respect to linPoint.
func NewLinearizedPriorFactor(keys []Key, linPoint *Values, h *mat.SymDense, g []float64, constant float64) (
	*LinearizedPriorFactor, error,
) {
	sub, err := linPoint.Subset(keys)
	if err != nil {
		return nil, err
	}
	dims := make([]int, len(keys))
	var total int
	for i, k := range keys {
		v, _ := sub.At(k)
		dims[i] = v.Dim()
		total += dims[i]
	}
	if n := h.SymmetricDim(); n != total || len(g) != total {
		return nil, errors.Errorf("linearized prior of dimension %d has H %d and g %d", total, n, len(g))
	}
	return &LinearizedPriorFactor{
		keys:     keys,
		dims:     dims,
		linPoint: sub,
		h:        mat.NewSymDense(total, append([]float64(nil), h.RawSymmetric().Data...)),
		g:        append([]float64(nil), g...),
		constant: constant,
	}, nil
}

// Keys returns the separator variables.
func (f *LinearizedPriorFactor) Keys() []Key { return f.keys }

func (f *LinearizedPriorFactor) delta(values *Values) ([]float64, error) {
	d := make([]float64, 0, len(f.g))
	for _, k := range f.keys {
		v, err := values.At(k)
		if err != nil {
			return nil, err
		}
		lin, _ := f.linPoint.At(k)
		d = append(d, lin.LocalCoordinates(v)...)
	}
	return d, nil
}

// Error evaluates the quadratic at values.
func (f *LinearizedPriorFactor) Error(values *Values) (float64, error) {
	d, err := f.delta(values)
	if err != nil {
		return 0, err
	}
	dv := mat.NewVecDense(len(d), d)
	return 0.5*mat.Inner(dv, f.h, dv) - floats.Dot(f.g, d) + f.constant, nil
}

// Linearize shifts the quadratic to values: H is unchanged and g becomes g - H d.
func (f *LinearizedPriorFactor) Linearize(values *Values) (*GaussianFactor, error) {
	d, err := f.delta(values)
	if err != nil {
		return nil, err
	}
	cost, err := f.Error(values)
	if err != nil {
		return nil, err
	}
	hd := mat.NewVecDense(len(d), nil)
	hd.MulVec(f.h, mat.NewVecDense(len(d), d))
	g := make([]float64, len(d))
	floats.SubTo(g, f.g, hd.RawVector().Data)
	return &GaussianFactor{
		Keys:     f.keys,
		Dims:     f.dims,
		H:        mat.NewSymDense(len(d), append([]float64(nil), f.h.RawSymmetric().Data...)),
		G:        g,
		Constant: cost,
	}, nil
}

// MaxDeviation returns the largest tangent space distance between a variable in values and the
// point it was linearized at.
func (f *LinearizedPriorFactor) MaxDeviation(values *Values) (float64, error) {
	var worst float64
	for _, k := range f.keys {
		v, err := values.At(k)
		if err != nil {
			return 0, err
		}
		lin, _ := f.linPoint.At(k)
		worst = math.Max(worst, floats.Norm(lin.LocalCoordinates(v), 2))
	}
	return worst, nil
}
