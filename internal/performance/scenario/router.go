// Package scenario selects one of several weighted scenarios per iteration
// and gives the chosen work function an Env to record metrics through.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
)

// ErrInvalidWeights is returned when scenario weights are negative, do not
// sum to 1, or no scenario is given.
var ErrInvalidWeights = errors.New("invalid scenario weights")

// WeightEpsilon is the tolerance on the sum of weights.
const WeightEpsilon = 1e-6

// WorkFunc performs one scenario execution. It reports outcomes through
// env and never returns errors: failed requests are metrics, not failures
// of the iteration.
type WorkFunc func(ctx context.Context, env *Env)

// Weighted is a scenario with its selection probability.
type Weighted struct {
	Name   string
	Weight float64
	Work   WorkFunc
}

// Router picks scenarios by cumulative weight. It is immutable after
// construction and safe for concurrent use.
type Router struct {
	scenarios  []Weighted
	cumulative []float64
	fallback   int
	picks      []atomic.Int64
}

// NewRouter validates scenarios and builds the cumulative weight table.
// Declaration order decides which scenario owns an interval boundary.
func NewRouter(scenarios []Weighted) (*Router, error) {
	if len(scenarios) == 0 {
		return nil, fmt.Errorf("%w: at least one scenario is required", ErrInvalidWeights)
	}

	seen := make(map[string]bool, len(scenarios))
	cumulative := make([]float64, len(scenarios))
	fallback := -1
	var sum float64

	for i, s := range scenarios {
		if s.Name == "" {
			return nil, fmt.Errorf("scenario %d: name is required", i)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("scenario %q: duplicate name", s.Name)
		}
		seen[s.Name] = true
		if s.Work == nil {
			return nil, fmt.Errorf("scenario %q: work function is required", s.Name)
		}
		if s.Weight < 0 || math.IsNaN(s.Weight) || math.IsInf(s.Weight, 0) {
			return nil, fmt.Errorf("%w: scenario %q has weight %v", ErrInvalidWeights, s.Name, s.Weight)
		}
		if s.Weight > 0 {
			fallback = i
		}
		sum += s.Weight
		cumulative[i] = sum
	}

	if math.Abs(sum-1) > WeightEpsilon {
		return nil, fmt.Errorf("%w: weights sum to %v, want 1", ErrInvalidWeights, sum)
	}

	return &Router{
		scenarios:  append([]Weighted(nil), scenarios...),
		cumulative: cumulative,
		fallback:   fallback,
		picks:      make([]atomic.Int64, len(scenarios)),
	}, nil
}

// Pick returns the index of the first scenario whose interval
// [c(i-1), c(i)) contains u. A u at or above the final cumulative weight
// (possible through float rounding) selects the last scenario with a
// non-zero weight.
func (r *Router) Pick(u float64) int {
	for i, c := range r.cumulative {
		if u < c && r.scenarios[i].Weight > 0 {
			return i
		}
	}
	return r.fallback
}

// Scenario returns the scenario at index i.
func (r *Router) Scenario(i int) Weighted {
	return r.scenarios[i]
}

// Len returns the number of scenarios.
func (r *Router) Len() int {
	return len(r.scenarios)
}

// Run draws once from env's random source, runs the selected scenario and
// returns its name.
func (r *Router) Run(ctx context.Context, env *Env) string {
	i := r.Pick(env.Rand.Float64())
	r.picks[i].Add(1)

	s := r.scenarios[i]
	s.Work(ctx, env)
	return s.Name
}

// Picks returns how many times each scenario was selected by Run.
func (r *Router) Picks() map[string]int64 {
	out := make(map[string]int64, len(r.scenarios))
	for i, s := range r.scenarios {
		out[s.Name] = r.picks[i].Load()
	}
	return out
}
