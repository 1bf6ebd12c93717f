// Package optimizer solves nonlinear least squares problems over factor graphs, either once over a
// fixed graph or incrementally over a graph that grows and shrinks between updates.
package optimizer

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
)

// Solver selects the step computation of the nonlinear solver.
type Solver int

const (
	// LevenbergMarquardtSolver damps every step with an adaptive lambda.
	LevenbergMarquardtSolver Solver = iota
	// GaussNewtonSolver takes undamped steps and only falls back to damping when a step does
	// not decrease the error.
	GaussNewtonSolver
)

func (s Solver) String() string {
	switch s {
	case LevenbergMarquardtSolver:
		return "levenberg_marquardt"
	case GaussNewtonSolver:
		return "gauss_newton"
	default:
		return fmt.Sprintf("Solver(%d)", int(s))
	}
}

// Params configures the nonlinear solver.
type Params struct {
	Solver        Solver `json:"solver" yaml:"solver" mapstructure:"solver"`
	MaxIterations int    `json:"max_iterations" yaml:"max_iterations" mapstructure:"max_iterations"`
	// StepTolerance is the step norm below which the estimate is considered converged.
	StepTolerance float64 `json:"step_tolerance" yaml:"step_tolerance" mapstructure:"step_tolerance"`
	// RelinearizeThreshold is how far, in tangent space norm, a variable may move from the point a
	// factor was linearized at before the incremental optimizer linearizes that factor again.
	RelinearizeThreshold float64 `json:"relinearize_threshold" yaml:"relinearize_threshold" mapstructure:"relinearize_threshold"`
	// RelinearizeSkip is the number of incremental updates between relinearization checks. In
	// between, factors that were already linearized keep their linearization.
	RelinearizeSkip  int     `json:"relinearize_skip" yaml:"relinearize_skip" mapstructure:"relinearize_skip"`
	RelativeErrorTol float64 `json:"relative_error_tol" yaml:"relative_error_tol" mapstructure:"relative_error_tol"`
	AbsoluteErrorTol float64 `json:"absolute_error_tol" yaml:"absolute_error_tol" mapstructure:"absolute_error_tol"`
	InitialLambda    float64 `json:"initial_lambda" yaml:"initial_lambda" mapstructure:"initial_lambda"`
	LambdaFactor     float64 `json:"lambda_factor" yaml:"lambda_factor" mapstructure:"lambda_factor"`
	MaxLambda        float64 `json:"max_lambda" yaml:"max_lambda" mapstructure:"max_lambda"`
}

// DefaultParams returns the parameters used by the estimator.
func DefaultParams() Params {
	return Params{
		Solver:               LevenbergMarquardtSolver,
		MaxIterations:        20,
		StepTolerance:        1e-3,
		RelinearizeThreshold: 0,
		RelinearizeSkip:      1,
		RelativeErrorTol:     1e-5,
		AbsoluteErrorTol:     1e-9,
		InitialLambda:        1e-5,
		LambdaFactor:         10,
		MaxLambda:            1e10,
	}
}

// Validate ensures all parts of the params are valid.
func (p Params) Validate(path string) error {
	var err error
	if p.Solver != LevenbergMarquardtSolver && p.Solver != GaussNewtonSolver {
		err = multierr.Append(err, goutils.NewConfigValidationError(path, errors.Errorf("unknown solver %d", p.Solver)))
	}
	if p.MaxIterations <= 0 {
		err = multierr.Append(err, goutils.NewConfigValidationFieldRequiredError(path, "max_iterations"))
	}
	if p.StepTolerance < 0 || p.RelinearizeThreshold < 0 || p.RelativeErrorTol < 0 || p.AbsoluteErrorTol < 0 {
		err = multierr.Append(err, goutils.NewConfigValidationError(path, errors.New("tolerances cannot be negative")))
	}
	if p.RelinearizeSkip < 1 {
		err = multierr.Append(err, goutils.NewConfigValidationError(path,
			errors.Errorf("relinearize_skip must be at least 1, got %d", p.RelinearizeSkip)))
	}
	if p.InitialLambda <= 0 {
		err = multierr.Append(err, goutils.NewConfigValidationFieldRequiredError(path, "initial_lambda"))
	}
	if p.LambdaFactor <= 1 {
		err = multierr.Append(err, goutils.NewConfigValidationError(path, errors.New("lambda_factor must be greater than 1")))
	}
	if p.MaxLambda < p.InitialLambda {
		err = multierr.Append(err, goutils.NewConfigValidationError(path, errors.New("max_lambda must not be below initial_lambda")))
	}
	return err
}
