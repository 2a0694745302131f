package threshold

import (
	"errors"
	"fmt"

	"github.com/wesleyorama2/stampede/internal/performance/metrics"
)

// NoDataPolicy decides how an expression over a metric without
// observations is judged.
type NoDataPolicy string

const (
	// NoDataPass treats the expression as vacuously satisfied.
	NoDataPass NoDataPolicy = "pass"

	// NoDataUndetermined reports the expression as undetermined, which
	// does not count as passing.
	NoDataUndetermined NoDataPolicy = "undetermined"
)

// ParseNoDataPolicy parses a policy name. Empty means NoDataPass.
func ParseNoDataPolicy(s string) (NoDataPolicy, error) {
	switch NoDataPolicy(s) {
	case "", NoDataPass:
		return NoDataPass, nil
	case NoDataUndetermined:
		return NoDataUndetermined, nil
	default:
		return "", fmt.Errorf("unknown no-data policy %q (expected %q or %q)", s, NoDataPass, NoDataUndetermined)
	}
}

// Status is the outcome of one expression.
type Status string

const (
	StatusPassed       Status = "passed"
	StatusFailed       Status = "failed"
	StatusNoData       Status = "no-data"
	StatusUndetermined Status = "undetermined"
)

// Result is the evaluation of a single expression.
type Result struct {
	Metric     string  `json:"metric"`
	Expression string  `json:"expression"`
	Status     Status  `json:"status"`
	Actual     float64 `json:"actual"`
	Message    string  `json:"message,omitempty"`
	Abort      bool    `json:"abortOnFail,omitempty"`
}

// Passed reports whether the result counts towards a passing verdict.
func (r Result) Passed() bool {
	return r.Status == StatusPassed || r.Status == StatusNoData
}

// Verdict is the outcome of evaluating a whole Set.
type Verdict struct {
	Results []Result `json:"results"`
	Passed  bool     `json:"passed"`
}

// Breached returns the results that did not pass.
func (v *Verdict) Breached() []Result {
	var out []Result
	for _, r := range v.Results {
		if !r.Passed() {
			out = append(out, r)
		}
	}
	return out
}

// ShouldAbort reports whether a failed expression asked to abort the run.
func (v *Verdict) ShouldAbort() bool {
	for _, r := range v.Results {
		if r.Abort && r.Status == StatusFailed {
			return true
		}
	}
	return false
}

// Config configures an Evaluator.
type Config struct {
	// Percentiles that trend metrics compute; percentile statistics not in
	// this list are unknown.
	Percentiles []float64

	// NoData is the policy for metrics without observations (default: pass).
	NoData NoDataPolicy
}

// Evaluator checks expressions against snapshots. It never mutates
// anything outside its return values.
type Evaluator struct {
	percentiles map[float64]bool
	noData      NoDataPolicy
}

// NewEvaluator creates an evaluator.
func NewEvaluator(cfg Config) *Evaluator {
	ps := cfg.Percentiles
	if len(ps) == 0 {
		ps = metrics.DefaultPercentiles
	}
	set := make(map[float64]bool, len(ps))
	for _, p := range ps {
		set[p] = true
	}

	noData := cfg.NoData
	if noData == "" {
		noData = NoDataPass
	}
	return &Evaluator{percentiles: set, noData: noData}
}

// Validate checks that every expression refers to a registered metric and
// a statistic computed for that metric's kind. kinds maps metric names to
// their kinds, typically the registry contents before a run.
func (ev *Evaluator) Validate(set Set, kinds map[string]metrics.Kind) error {
	var errs []error
	for _, name := range set.Metrics() {
		kind, ok := kinds[name]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownMetric, name))
			continue
		}
		for _, e := range set[name] {
			if err := ev.checkStatistic(kind, e); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Evaluate evaluates every expression in set against snap. The verdict is
// the AND over all results.
func (ev *Evaluator) Evaluate(snap *metrics.Snapshot, set Set) (*Verdict, error) {
	verdict := &Verdict{Passed: true}

	for _, name := range set.Metrics() {
		stats, ok := snap.Get(name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownMetric, name)
		}

		for _, e := range set[name] {
			r, err := ev.evaluate(stats, e)
			if err != nil {
				return nil, err
			}
			if !r.Passed() {
				verdict.Passed = false
			}
			verdict.Results = append(verdict.Results, r)
		}
	}

	return verdict, nil
}

func (ev *Evaluator) evaluate(stats metrics.MetricStats, e Expression) (Result, error) {
	if err := ev.checkStatistic(stats.Kind, e); err != nil {
		return Result{}, err
	}

	r := Result{
		Metric:     e.Metric,
		Expression: e.Source,
		Abort:      e.AbortOnFail,
	}

	if !stats.HasData {
		if ev.noData == NoDataUndetermined {
			r.Status = StatusUndetermined
			r.Message = "no observations recorded"
		} else {
			r.Status = StatusNoData
		}
		return r, nil
	}

	actual, err := Resolve(stats, e.Statistic)
	if err != nil {
		return Result{}, err
	}
	r.Actual = actual

	if e.Operator.Compare(actual, e.Value) {
		r.Status = StatusPassed
	} else {
		r.Status = StatusFailed
		r.Message = fmt.Sprintf("%s is %g, threshold: %s %g", e.Statistic, actual, e.Operator, e.Value)
	}
	return r, nil
}

func (ev *Evaluator) checkStatistic(kind metrics.Kind, e Expression) error {
	if supports(kind, e.Statistic, ev.percentiles) {
		return nil
	}
	return fmt.Errorf("%w: %s is not computed for %s metric %q", ErrUnknownStatistic, e.Statistic, kind, e.Metric)
}

func supports(kind metrics.Kind, stat Statistic, percentiles map[float64]bool) bool {
	switch kind {
	case metrics.KindRate:
		switch stat {
		case StatRate, StatPasses, StatFails, StatCount:
			return true
		}
	case metrics.KindTrend:
		switch stat {
		case StatAvg, StatMin, StatMax, StatMed, StatCount:
			return true
		}
		if p, ok := stat.Percentile(); ok {
			return percentiles[p]
		}
	}
	return false
}

// Resolve returns the value of stat from stats.
func Resolve(stats metrics.MetricStats, stat Statistic) (float64, error) {
	switch stat {
	case StatCount:
		return float64(stats.Count), nil
	case StatRate:
		if stats.Kind == metrics.KindRate {
			return stats.Rate, nil
		}
	case StatPasses:
		if stats.Kind == metrics.KindRate {
			return float64(stats.Passes), nil
		}
	case StatFails:
		if stats.Kind == metrics.KindRate {
			return float64(stats.Fails), nil
		}
	case StatAvg:
		if stats.Kind == metrics.KindTrend {
			return stats.Avg, nil
		}
	case StatMin:
		if stats.Kind == metrics.KindTrend {
			return stats.Min, nil
		}
	case StatMax:
		if stats.Kind == metrics.KindTrend {
			return stats.Max, nil
		}
	case StatMed:
		if stats.Kind == metrics.KindTrend {
			return stats.Med, nil
		}
	default:
		if p, ok := stat.Percentile(); ok {
			if v, ok := stats.Percentile(p); ok {
				return v, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: %s on %s metric %q", ErrUnknownStatistic, stat, stats.Kind, stats.Name)
}
