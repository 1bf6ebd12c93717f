package noise

import (
	"fmt"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// NormType selects the robust loss applied on top of a base model.
type NormType int

// The norm types accepted in configuration.
const (
	L2 NormType = iota
	HuberNorm
	TukeyNorm
)

// ErrInvalidNormType is returned for norm selectors outside the known set.
var ErrInvalidNormType = errors.New("invalid norm type")

// Estimator is a robust M-estimator evaluated on the norm of a whitened residual.
type Estimator interface {
	fmt.Stringer
	Weight(e float64) float64
	Loss(e float64) float64
}

// Huber is quadratic up to K and linear beyond.
type Huber struct {
	K float64
}

// Weight returns the IRLS weight.
func (h Huber) Weight(e float64) float64 {
	if e <= h.K {
		return 1
	}
	return h.K / e
}

// Loss returns the Huber loss.
func (h Huber) Loss(e float64) float64 {
	if e <= h.K {
		return 0.5 * e * e
	}
	return h.K * (e - 0.5*h.K)
}

func (h Huber) String() string { return fmt.Sprintf("huber(%g)", h.K) }

// Tukey is the biweight estimator: residuals beyond C carry no weight.
type Tukey struct {
	C float64
}

// Weight returns the IRLS weight.
func (tk Tukey) Weight(e float64) float64 {
	if e > tk.C {
		return 0
	}
	u := e / tk.C
	w := 1 - u*u
	return w * w
}

// Loss returns the Tukey loss, constant beyond C.
func (tk Tukey) Loss(e float64) float64 {
	c2 := tk.C * tk.C / 6
	if e > tk.C {
		return c2
	}
	u := e / tk.C
	w := 1 - u*u
	return c2 * (1 - w*w*w)
}

func (tk Tukey) String() string { return fmt.Sprintf("tukey(%g)", tk.C) }

// Robust applies an estimator to the whole whitened residual of its base model.
type Robust struct {
	Estimator Estimator
	Base      Model
}

// Dim returns the residual dimension.
func (r *Robust) Dim() int { return r.Base.Dim() }

// Sigmas returns the sigmas of the base model.
func (r *Robust) Sigmas() []float64 { return r.Base.Sigmas() }

// Whiten whitens with the base model. Robust weighting is applied by the solver through Weight.
func (r *Robust) Whiten(residual []float64) []float64 { return r.Base.Whiten(residual) }

// WhitenJacobian whitens with the base model.
func (r *Robust) WhitenJacobian(j mat.Matrix) *mat.Dense { return r.Base.WhitenJacobian(j) }

// Loss returns the estimator loss of the residual norm.
func (r *Robust) Loss(whitened []float64) float64 {
	return r.Estimator.Loss(floats.Norm(whitened, 2))
}

// Weight returns the estimator weight of the residual norm.
func (r *Robust) Weight(whitened []float64) float64 {
	return r.Estimator.Weight(floats.Norm(whitened, 2))
}

// SelectNormType wraps base according to normType: L2 returns base unchanged, HuberNorm and
// TukeyNorm wrap it in the matching estimator with param as threshold.
func SelectNormType(base Model, normType NormType, param float64) (Model, error) {
	switch normType {
	case L2:
		return base, nil
	case HuberNorm, TukeyNorm:
		if !(param > 0) {
			return nil, errors.Errorf("robust norm parameter must be positive, got %v", param)
		}
		if normType == HuberNorm {
			return &Robust{Estimator: Huber{K: param}, Base: base}, nil
		}
		return &Robust{Estimator: Tukey{C: param}, Base: base}, nil
	default:
		return nil, errors.Wrapf(ErrInvalidNormType, "%d", normType)
	}
}
