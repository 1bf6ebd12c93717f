package optimizer

import (
	"context"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/vio/factorgraph"
	"go.viam.com/vio/logging"
)

// Summary describes one run of the nonlinear solver.
type Summary struct {
	ErrorBefore float64
	ErrorAfter  float64
	Iterations  int
	Converged   bool
	// DegenerateSlots are the slots of factors that could not be evaluated at the starting
	// estimate and were left out of the solve.
	DegenerateSlots []int
}

// problem is a list of factors indexed by slot together with the estimate being refined.
type problem struct {
	factors []factorgraph.Factor
	values  *factorgraph.Values
	params  Params
	logger  logging.Logger
	// checkCtx stops the solve between iterations when ctx is done.
	checkCtx bool
}

// active returns the slots of the factors that can be evaluated at values and their total error.
func (p *problem) active(values *factorgraph.Values) ([]int, []int, float64) {
	var good, bad []int
	var total float64
	for slot, f := range p.factors {
		if f == nil {
			continue
		}
		e, err := f.Error(values)
		if err != nil || math.IsNaN(e) || math.IsInf(e, 0) {
			bad = append(bad, slot)
			continue
		}
		good = append(good, slot)
		total += e
	}
	return good, bad, total
}

// errorOf returns the total error of the given slots, or false if any of them fails.
func (p *problem) errorOf(slots []int, values *factorgraph.Values) (float64, bool) {
	var total float64
	for _, slot := range slots {
		e, err := p.factors[slot].Error(values)
		if err != nil || math.IsNaN(e) || math.IsInf(e, 0) {
			return 0, false
		}
		total += e
	}
	return total, true
}

// normalEquations is the dense system H d = g assembled from linearized factors.
type normalEquations struct {
	ordering factorgraph.Ordering
	h        []float64
	g        []float64
}

func newNormalEquations(ordering factorgraph.Ordering) *normalEquations {
	return &normalEquations{
		ordering: ordering,
		h:        make([]float64, ordering.Dim*ordering.Dim),
		g:        make([]float64, ordering.Dim),
	}
}

// add accumulates gf into the system.
func (ne *normalEquations) add(gf *factorgraph.GaussianFactor) {
	n := ne.ordering.Dim
	local := gf.Offsets()
	for bi, ki := range gf.Keys {
		gi := ne.ordering.Offsets[ki]
		for a := 0; a < gf.Dims[bi]; a++ {
			ne.g[gi+a] += gf.G[local[bi]+a]
			for bj, kj := range gf.Keys {
				gj := ne.ordering.Offsets[kj]
				for b := 0; b < gf.Dims[bj]; b++ {
					ne.h[(gi+a)*n+gj+b] += gf.H.At(local[bi]+a, local[bj]+b)
				}
			}
		}
	}
}

// solve returns the minimizer of the damped system, or false if it is not positive definite.
func (ne *normalEquations) solve(lambda float64) ([]float64, bool) {
	n := ne.ordering.Dim
	if n == 0 {
		return nil, true
	}
	h := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := 0.5 * (ne.h[i*n+j] + ne.h[j*n+i])
			if i == j {
				v += lambda
			}
			h.SetSym(i, j, v)
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(h); !ok {
		return nil, false
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, mat.NewVecDense(n, ne.g)); err != nil {
		return nil, false
	}
	out := x.RawVector().Data
	for _, v := range out {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, false
		}
	}
	return out, true
}

// linearize builds the normal equations of slots at values. Factors that fail to linearize are
// returned separately. Factors are linearized concurrently and accumulated in slot order.
func (p *problem) linearize(slots []int, values *factorgraph.Values) (*normalEquations, []int) {
	linear := make([]*factorgraph.GaussianFactor, len(slots))
	var group errgroup.Group
	group.SetLimit(runtime.GOMAXPROCS(0))
	for i, slot := range slots {
		i, slot := i, slot
		group.Go(func() error {
			// a nil entry marks a failed factor
			linear[i], _ = p.factors[slot].Linearize(values)
			return nil
		})
	}
	//nolint:errcheck
	group.Wait()

	ne := newNormalEquations(factorgraph.NewOrdering(values))
	var failed []int
	for i, gf := range linear {
		if gf == nil {
			failed = append(failed, slots[i])
			continue
		}
		ne.add(gf)
	}
	return ne, failed
}

// minimize runs damped Gauss-Newton iterations from p.values and returns the refined estimate.
// Numerical failures raise the damping; only a done context stops the solve with an error.
func (p *problem) minimize(ctx context.Context) (*factorgraph.Values, Summary, error) {
	slots, bad, current := p.active(p.values)
	summary := Summary{ErrorBefore: current, ErrorAfter: current, DegenerateSlots: bad}
	values := p.values

	lambda := p.params.InitialLambda
	if p.params.Solver == GaussNewtonSolver {
		lambda = 0
	}

	for summary.Iterations < p.params.MaxIterations {
		if p.checkCtx {
			if err := ctx.Err(); err != nil {
				summary.ErrorAfter = current
				return values, summary, err
			}
		}
		summary.Iterations++

		ne, failed := p.linearize(slots, values)
		if len(failed) > 0 {
			slots = removeSlots(slots, failed)
			summary.DegenerateSlots = append(summary.DegenerateSlots, failed...)
			if e, ok := p.errorOf(slots, values); ok {
				current = e
			}
		}

		accepted := false
		for !accepted && lambda <= p.params.MaxLambda {
			delta, ok := ne.solve(lambda)
			if !ok {
				lambda = p.raise(lambda)
				continue
			}
			if floats.Norm(delta, 2) < p.params.StepTolerance {
				summary.Converged = true
				break
			}
			candidate := values.Retract(ne.ordering, delta)
			e, ok := p.errorOf(slots, candidate)
			if !ok || e > current {
				lambda = p.raise(lambda)
				continue
			}
			accepted = true
			decrease := current - e
			values, current = candidate, e
			if p.params.Solver == GaussNewtonSolver {
				lambda = 0
			} else {
				lambda = math.Max(lambda/p.params.LambdaFactor, 1e-12)
			}
			if decrease <= p.params.AbsoluteErrorTol || decrease <= p.params.RelativeErrorTol*(current+decrease) {
				summary.Converged = true
			}
		}
		if summary.Converged {
			break
		}
		if !accepted {
			p.logger.Debugw("no step decreased the error", "lambda", lambda, "error", current)
			break
		}
	}
	summary.ErrorAfter = current
	return values, summary, nil
}

func (p *problem) raise(lambda float64) float64 {
	if lambda == 0 {
		return p.params.InitialLambda
	}
	return lambda * p.params.LambdaFactor
}

func removeSlots(slots, drop []int) []int {
	dropped := make(map[int]struct{}, len(drop))
	for _, s := range drop {
		dropped[s] = struct{}{}
	}
	out := slots[:0:0]
	for _, s := range slots {
		if _, ok := dropped[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}
