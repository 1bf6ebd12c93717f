package optimizer

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/vio/factorgraph"
	"go.viam.com/vio/logging"
)

var (
	// ErrStaleSlot is returned when a slot to remove is out of range, already removed or
	// repeated.
	ErrStaleSlot = errors.New("stale factor slot")
	// ErrDuplicateKey is returned when a new value is given for a key the optimizer already has.
	ErrDuplicateKey = errors.New("duplicate variable key")
	// ErrUnknownKey is returned when a factor references a key that has no value.
	ErrUnknownKey = errors.New("unknown variable key")
)

// marginalDamping is added to the eliminated block when it is singular.
const marginalDamping = 1e-9

// UpdateResult reports the outcome of an Incremental.Update.
type UpdateResult struct {
	// NewFactorsIndices holds the slot of each new factor, in the order they were given.
	NewFactorsIndices []int
	Summary
}

// MarginalizeResult reports the slots changed by an Incremental.Marginalize.
type MarginalizeResult struct {
	RemovedSlots []int
	// NewSlot is the slot of the prior left on the separator, or -1 when there is none.
	NewSlot int
}

// Incremental keeps a factor graph and its estimate across updates. Every factor gets a slot
// when it is added. A slot stays valid until its factor is removed or marginalized, after which
// it is handed to a later factor, so callers holding slots must check them against FactorAt.
//
// When RelinearizeSkip is above one or RelinearizeThreshold is positive, factors keep the
// linearization they were given after the update that added them. Cached linearizations are
// only checked every RelinearizeSkip updates, and dropped when a variable has moved more than
// RelinearizeThreshold from where they were taken.
type Incremental struct {
	params  Params
	logger  logging.Logger
	factors []factorgraph.Factor
	cache   []*factorgraph.LinearizedPriorFactor
	free    []int
	live    int
	updates int
	values  *factorgraph.Values
}

// NewIncremental returns an empty optimizer.
func NewIncremental(params Params, logger logging.Logger) *Incremental {
	return &Incremental{
		params: params,
		logger: logger,
		values: factorgraph.NewValues(),
	}
}

// Update removes the factors at removeSlots, adds newValues and newFactors and optimizes the
// graph from the current estimate. Freed slots are filled before new ones are allocated. The
// inputs are checked before anything changes.
func (o *Incremental) Update(
	ctx context.Context,
	newFactors []factorgraph.Factor,
	newValues *factorgraph.Values,
	removeSlots []int,
) (UpdateResult, error) {
	ctx, span := trace.StartSpan(ctx, "optimizer::Incremental::Update")
	defer span.End()

	if err := o.checkRemovals(removeSlots); err != nil {
		return UpdateResult{}, err
	}
	if newValues == nil {
		newValues = factorgraph.NewValues()
	}
	for _, k := range newValues.Keys() {
		if o.values.Exists(k) {
			return UpdateResult{}, errors.Wrap(ErrDuplicateKey, k.String())
		}
	}
	for i, f := range newFactors {
		if f == nil {
			return UpdateResult{}, errors.Errorf("new factor %d is nil", i)
		}
		for _, k := range f.Keys() {
			if !o.values.Exists(k) && !newValues.Exists(k) {
				return UpdateResult{}, errors.Wrapf(ErrUnknownKey, "factor %d references %s", i, k)
			}
		}
	}

	if err := o.values.InsertAll(newValues); err != nil {
		return UpdateResult{}, err
	}
	o.release(removeSlots)
	result := UpdateResult{NewFactorsIndices: make([]int, len(newFactors))}
	for i, f := range newFactors {
		result.NewFactorsIndices[i] = o.insert(f)
	}

	o.updates++
	relinearized := 0
	if o.params.RelinearizeSkip <= 1 || o.updates%o.params.RelinearizeSkip == 0 {
		relinearized = o.dropStaleLinearizations()
	}
	p := &problem{factors: o.solveFactors(), values: o.values, params: o.params, logger: o.logger}
	values, summary, err := p.minimize(ctx)
	if err != nil {
		return UpdateResult{}, err
	}
	o.values = values
	o.linearizeNew()
	result.Summary = summary
	o.logger.CDebugw(ctx, "incremental update",
		"added", len(newFactors),
		"removed", len(removeSlots),
		"relinearized", relinearized,
		"factors", o.NumFactors(),
		"variables", o.values.Len(),
		"error_before", summary.ErrorBefore,
		"error_after", summary.ErrorAfter,
		"iterations", summary.Iterations,
		"converged", summary.Converged)
	return result, nil
}

// insert puts f in the lowest free slot, or a new one when none is free.
func (o *Incremental) insert(f factorgraph.Factor) int {
	o.live++
	if len(o.free) > 0 {
		slot := o.free[0]
		o.free = o.free[1:]
		o.factors[slot] = f
		return slot
	}
	o.factors = append(o.factors, f)
	o.cache = append(o.cache, nil)
	return len(o.factors) - 1
}

// release empties slots and makes them available to insert.
func (o *Incremental) release(slots []int) {
	for _, slot := range slots {
		o.factors[slot] = nil
		o.cache[slot] = nil
		o.live--
		o.free = append(o.free, slot)
	}
	sort.Ints(o.free)
}

func (o *Incremental) caching() bool {
	return o.params.RelinearizeSkip > 1 || o.params.RelinearizeThreshold > 0
}

// solveFactors returns the factors to solve with, cached linearizations taking the place of the
// factors they were taken from.
func (o *Incremental) solveFactors() []factorgraph.Factor {
	if !o.caching() {
		return o.factors
	}
	out := make([]factorgraph.Factor, len(o.factors))
	for slot, f := range o.factors {
		if o.cache[slot] != nil {
			out[slot] = o.cache[slot]
			continue
		}
		out[slot] = f
	}
	return out
}

// dropStaleLinearizations forgets cached linearizations whose variables have moved past the
// threshold and returns how many were dropped.
func (o *Incremental) dropStaleLinearizations() int {
	var n int
	for slot, c := range o.cache {
		if c == nil {
			continue
		}
		if d, err := c.MaxDeviation(o.values); err != nil || d > o.params.RelinearizeThreshold {
			o.cache[slot] = nil
			n++
		}
	}
	return n
}

// linearizeNew caches a linearization at the current estimate for every live factor that has
// none. Factors that fail are left to the nonlinear path.
func (o *Incremental) linearizeNew() {
	if !o.caching() {
		return
	}
	for slot, f := range o.factors {
		if f == nil || o.cache[slot] != nil {
			continue
		}
		if _, ok := f.(*factorgraph.LinearizedPriorFactor); ok {
			continue
		}
		gf, err := f.Linearize(o.values)
		if err != nil {
			continue
		}
		c, err := factorgraph.NewLinearizedPriorFactor(gf.Keys, o.values, gf.H, gf.G, gf.Constant)
		if err != nil {
			continue
		}
		o.cache[slot] = c
	}
}

func (o *Incremental) checkRemovals(slots []int) error {
	seen := make(map[int]struct{}, len(slots))
	for _, slot := range slots {
		if slot < 0 || slot >= len(o.factors) || o.factors[slot] == nil {
			return errors.Wrapf(ErrStaleSlot, "slot %d", slot)
		}
		if _, ok := seen[slot]; ok {
			return errors.Wrapf(ErrStaleSlot, "slot %d removed twice", slot)
		}
		seen[slot] = struct{}{}
	}
	return nil
}

// Marginalize eliminates keys from the graph. Every factor touching keys is replaced by a single
// linearized prior on the remaining variables those factors involve.
func (o *Incremental) Marginalize(ctx context.Context, keys []factorgraph.Key) (MarginalizeResult, error) {
	_, span := trace.StartSpan(ctx, "optimizer::Incremental::Marginalize")
	defer span.End()

	result := MarginalizeResult{NewSlot: -1}
	if len(keys) == 0 {
		return result, nil
	}
	eliminate := make(map[factorgraph.Key]struct{}, len(keys))
	for _, k := range keys {
		if !o.values.Exists(k) {
			return result, errors.Wrap(ErrUnknownKey, k.String())
		}
		eliminate[k] = struct{}{}
	}

	separatorSet := map[factorgraph.Key]struct{}{}
	var involved []int
	for slot, f := range o.factors {
		if f == nil {
			continue
		}
		touches := false
		for _, k := range f.Keys() {
			if _, ok := eliminate[k]; ok {
				touches = true
				break
			}
		}
		if !touches {
			continue
		}
		involved = append(involved, slot)
		for _, k := range f.Keys() {
			if _, ok := eliminate[k]; !ok {
				separatorSet[k] = struct{}{}
			}
		}
	}

	separator := make([]factorgraph.Key, 0, len(separatorSet))
	for k := range separatorSet {
		separator = append(separator, k)
	}
	sort.Slice(separator, func(i, j int) bool { return separator[i] < separator[j] })

	var prior *factorgraph.LinearizedPriorFactor
	if len(separator) > 0 {
		var err error
		if prior, err = o.marginal(keys, separator, involved); err != nil {
			return result, err
		}
	}
	o.release(involved)
	if prior != nil {
		result.NewSlot = o.insert(prior)
	}
	for _, k := range keys {
		o.values.Erase(k)
	}
	result.RemovedSlots = involved
	o.logger.Debugw("marginalized", "keys", len(keys), "factors", len(involved), "separator", len(separator))
	return result, nil
}

// marginal returns the Schur complement of the factors at slots onto the separator.
func (o *Incremental) marginal(
	keys, separator []factorgraph.Key,
	slots []int,
) (*factorgraph.LinearizedPriorFactor, error) {
	all := append(append([]factorgraph.Key{}, keys...), separator...)
	sub, err := o.values.Subset(all)
	if err != nil {
		return nil, err
	}
	ordering := factorgraph.Ordering{Offsets: map[factorgraph.Key]int{}, Dims: map[factorgraph.Key]int{}}
	for _, k := range all {
		v, _ := sub.At(k)
		ordering.Keys = append(ordering.Keys, k)
		ordering.Offsets[k] = ordering.Dim
		ordering.Dims[k] = v.Dim()
		ordering.Dim += v.Dim()
	}
	var m int
	for _, k := range keys {
		m += ordering.Dims[k]
	}
	n := ordering.Dim
	s := n - m

	ne := newNormalEquations(ordering)
	var constant float64
	for _, slot := range slots {
		gf, err := o.factors[slot].Linearize(sub)
		if err != nil {
			o.logger.Debugw("dropping factor that cannot be linearized during marginalization", "slot", slot, "error", err)
			continue
		}
		ne.add(gf)
		constant += gf.Constant
	}
	full := mat.NewDense(n, n, ne.h)

	hmm := mat.NewSymDense(m, nil)
	for i := 0; i < m; i++ {
		for j := i; j < m; j++ {
			hmm.SetSym(i, j, 0.5*(full.At(i, j)+full.At(j, i)))
		}
	}
	var chol mat.Cholesky
	for damping := marginalDamping; !chol.Factorize(hmm); damping *= 10 {
		if damping > 1 {
			return nil, errors.New("marginalized block is not positive definite")
		}
		for i := 0; i < m; i++ {
			hmm.SetSym(i, i, hmm.At(i, i)+damping)
		}
	}

	hms := full.Slice(0, m, m, n)
	hsm := full.Slice(m, n, 0, m)
	gm := mat.NewVecDense(m, append([]float64(nil), ne.g[:m]...))
	gs := mat.NewVecDense(s, append([]float64(nil), ne.g[m:]...))

	var x mat.Dense // inv(Hmm) Hms
	if err := chol.SolveTo(&x, hms); err != nil {
		return nil, errors.Wrap(err, "solving marginalized block")
	}
	var y mat.VecDense // inv(Hmm) gm
	if err := chol.SolveVecTo(&y, gm); err != nil {
		return nil, errors.Wrap(err, "solving marginalized block")
	}

	var reduction mat.Dense
	reduction.Mul(hsm, &x)
	h := mat.NewSymDense(s, nil)
	for i := 0; i < s; i++ {
		for j := i; j < s; j++ {
			a := full.At(m+i, m+j) - reduction.At(i, j)
			b := full.At(m+j, m+i) - reduction.At(j, i)
			h.SetSym(i, j, 0.5*(a+b))
		}
	}
	var gShift mat.VecDense
	gShift.MulVec(hsm, &y)
	gs.SubVec(gs, &gShift)

	constant -= 0.5 * mat.Dot(gm, &y)
	if constant < 0 {
		constant = 0
	}
	return factorgraph.NewLinearizedPriorFactor(separator, sub, h, gs.RawVector().Data, constant)
}

// CalculateEstimate returns a copy of the current estimate.
func (o *Incremental) CalculateEstimate() *factorgraph.Values {
	return o.values.Clone()
}

// FactorAt returns the factor at slot, or false if the slot is empty or out of range.
func (o *Incremental) FactorAt(slot int) (factorgraph.Factor, bool) {
	if slot < 0 || slot >= len(o.factors) || o.factors[slot] == nil {
		return nil, false
	}
	return o.factors[slot], true
}

// NumSlots returns the number of slots allocated, live or free. It never exceeds the largest
// number of factors that were live at once.
func (o *Incremental) NumSlots() int {
	return len(o.factors)
}

// NumFactors returns the number of live factors.
func (o *Incremental) NumFactors() int {
	return o.live
}

// Error returns the total error of the live factors at the current estimate. Factors that cannot
// be evaluated are left out.
func (o *Incremental) Error() float64 {
	p := &problem{factors: o.factors}
	_, _, total := p.active(o.values)
	return total
}
