package factorgraph

import (
	"github.com/pkg/errors"
)

// Graph is a list of factors. Entries may be nil for removed factors.
type Graph []Factor

// Error returns the total cost of the graph at values.
func (g Graph) Error(values *Values) (float64, error) {
	var total float64
	for i, f := range g {
		if f == nil {
			continue
		}
		e, err := f.Error(values)
		if err != nil {
			return 0, errors.Wrapf(err, "factor %d", i)
		}
		total += e
	}
	return total, nil
}

// Keys returns every key referenced by a factor of the graph, each once.
func (g Graph) Keys() []Key {
	seen := map[Key]struct{}{}
	var out []Key
	for _, f := range g {
		if f == nil {
			continue
		}
		for _, k := range f.Keys() {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				out = append(out, k)
			}
		}
	}
	return out
}
