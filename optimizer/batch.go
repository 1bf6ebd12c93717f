package optimizer

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	"go.viam.com/vio/factorgraph"
	"go.viam.com/vio/logging"
)

// LevenbergMarquardt minimizes the error of graph starting from values and returns the refined
// estimate. The context is checked between iterations.
func LevenbergMarquardt(
	ctx context.Context,
	graph factorgraph.Graph,
	values *factorgraph.Values,
	params Params,
	logger logging.Logger,
) (*factorgraph.Values, Summary, error) {
	ctx, span := trace.StartSpan(ctx, "optimizer::LevenbergMarquardt")
	defer span.End()

	if err := params.Validate("levenberg_marquardt"); err != nil {
		return nil, Summary{}, err
	}
	for _, k := range graph.Keys() {
		if !values.Exists(k) {
			return nil, Summary{}, errors.Wrap(ErrUnknownKey, k.String())
		}
	}
	p := &problem{
		factors:  graph,
		values:   values.Clone(),
		params:   params,
		logger:   logger,
		checkCtx: true,
	}
	estimate, summary, err := p.minimize(ctx)
	if err != nil {
		return nil, summary, err
	}
	if math.IsNaN(summary.ErrorAfter) || math.IsInf(summary.ErrorAfter, 0) {
		return nil, summary, errors.New("optimization diverged")
	}
	logger.CDebugw(ctx, "batch optimization done",
		"error_before", summary.ErrorBefore,
		"error_after", summary.ErrorAfter,
		"iterations", summary.Iterations,
		"converged", summary.Converged)
	return estimate, summary, nil
}
