// Package noise provides the measurement noise models the factor graph whitens residuals with,
// and the robust wrappers selected from configuration.
package noise

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrNotPositiveDefinite is returned when a covariance or information matrix cannot be factorized.
var ErrNotPositiveDefinite = errors.New("matrix is not positive definite")

// Model whitens residuals and Jacobians of one factor. A whitened residual has unit covariance.
type Model interface {
	Dim() int
	Sigmas() []float64
	Whiten(residual []float64) []float64
	WhitenJacobian(j mat.Matrix) *mat.Dense
	// Loss is the contribution of an already whitened residual to the objective.
	Loss(whitened []float64) float64
	// Weight is the iteratively reweighted least squares weight of a whitened residual.
	Weight(whitened []float64) float64
}

func squaredLoss(whitened []float64) float64 {
	return 0.5 * floats.Dot(whitened, whitened)
}

// Gaussian is a full-covariance model stored as its upper triangular square-root information.
type Gaussian struct {
	sqrtInfo *mat.Dense
}

// NewGaussianCovariance returns the model with the given covariance.
func NewGaussianCovariance(cov mat.Symmetric) (*Gaussian, error) {
	var chol mat.Cholesky
	if ok := chol.Factorize(cov); !ok {
		return nil, ErrNotPositiveDefinite
	}
	var info mat.SymDense
	if err := chol.InverseTo(&info); err != nil {
		return nil, errors.Wrap(ErrNotPositiveDefinite, err.Error())
	}
	return NewGaussianInformation(&info)
}

// NewGaussianInformation returns the model with the given information (inverse covariance) matrix.
func NewGaussianInformation(info mat.Symmetric) (*Gaussian, error) {
	var chol mat.Cholesky
	if ok := chol.Factorize(info); !ok {
		return nil, ErrNotPositiveDefinite
	}
	var u mat.TriDense
	chol.UTo(&u)
	return &Gaussian{sqrtInfo: mat.DenseCopyOf(&u)}, nil
}

// NewGaussianSqrtInformation returns the model whose square-root information is r, so that the
// whitened residual is r * residual.
func NewGaussianSqrtInformation(r mat.Matrix) *Gaussian {
	return &Gaussian{sqrtInfo: mat.DenseCopyOf(r)}
}

// Dim returns the residual dimension.
func (g *Gaussian) Dim() int {
	n, _ := g.sqrtInfo.Dims()
	return n
}

// Sigmas returns the marginal standard deviations.
func (g *Gaussian) Sigmas() []float64 {
	n := g.Dim()
	var info mat.Dense
	info.Mul(g.sqrtInfo.T(), g.sqrtInfo)
	var cov mat.Dense
	out := make([]float64, n)
	if err := cov.Inverse(&info); err != nil {
		for i := range out {
			out[i] = math.Inf(1)
		}
		return out
	}
	for i := range out {
		out[i] = math.Sqrt(cov.At(i, i))
	}
	return out
}

// Whiten returns sqrtInfo * residual.
func (g *Gaussian) Whiten(residual []float64) []float64 {
	out := mat.NewVecDense(g.Dim(), nil)
	out.MulVec(g.sqrtInfo, mat.NewVecDense(len(residual), append([]float64(nil), residual...)))
	return out.RawVector().Data
}

// WhitenJacobian returns sqrtInfo * j.
func (g *Gaussian) WhitenJacobian(j mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Mul(g.sqrtInfo, j)
	return &out
}

// Loss returns half the squared norm.
func (g *Gaussian) Loss(whitened []float64) float64 { return squaredLoss(whitened) }

// Weight is always 1.
func (g *Gaussian) Weight([]float64) float64 { return 1 }

// SqrtInformation returns a copy of the square-root information matrix.
func (g *Gaussian) SqrtInformation() *mat.Dense {
	return mat.DenseCopyOf(g.sqrtInfo)
}

// Diagonal is a model with independent components.
type Diagonal struct {
	sigmas []float64
}

// NewDiagonalSigmas returns a diagonal model with the given standard deviations.
func NewDiagonalSigmas(sigmas ...float64) (*Diagonal, error) {
	for i, s := range sigmas {
		if !(s > 0) || math.IsInf(s, 0) {
			return nil, errors.Errorf("sigma %d must be positive and finite, got %v", i, s)
		}
	}
	return &Diagonal{sigmas: append([]float64(nil), sigmas...)}, nil
}

// NewDiagonalPrecisions returns a diagonal model from per-component precisions (inverse variances).
func NewDiagonalPrecisions(precisions ...float64) (*Diagonal, error) {
	sigmas := make([]float64, len(precisions))
	for i, p := range precisions {
		if !(p > 0) {
			return nil, errors.Errorf("precision %d must be positive, got %v", i, p)
		}
		sigmas[i] = 1 / math.Sqrt(p)
	}
	return NewDiagonalSigmas(sigmas...)
}

// NewIsotropic returns a dim-dimensional model with the same sigma on every component.
func NewIsotropic(dim int, sigma float64) (*Diagonal, error) {
	sigmas := make([]float64, dim)
	for i := range sigmas {
		sigmas[i] = sigma
	}
	return NewDiagonalSigmas(sigmas...)
}

// Dim returns the residual dimension.
func (d *Diagonal) Dim() int { return len(d.sigmas) }

// Sigmas returns a copy of the standard deviations.
func (d *Diagonal) Sigmas() []float64 { return append([]float64(nil), d.sigmas...) }

// Whiten divides each component by its sigma.
func (d *Diagonal) Whiten(residual []float64) []float64 {
	out := make([]float64, len(residual))
	floats.DivTo(out, residual, d.sigmas)
	return out
}

// WhitenJacobian divides each row by its sigma.
func (d *Diagonal) WhitenJacobian(j mat.Matrix) *mat.Dense {
	out := mat.DenseCopyOf(j)
	r, _ := out.Dims()
	for i := 0; i < r; i++ {
		floats.Scale(1/d.sigmas[i], out.RawRowView(i))
	}
	return out
}

// Loss returns half the squared norm.
func (d *Diagonal) Loss(whitened []float64) float64 { return squaredLoss(whitened) }

// Weight is always 1.
func (d *Diagonal) Weight([]float64) float64 { return 1 }

// Distance returns the Mahalanobis norm of residual under model.
func Distance(model Model, residual []float64) float64 {
	return floats.Norm(model.Whiten(residual), 2)
}
