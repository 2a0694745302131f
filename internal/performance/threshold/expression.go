// Package threshold parses pass/fail expressions over metric statistics and
// evaluates them against a metrics snapshot.
package threshold

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidExpression is returned for expressions that do not parse.
	ErrInvalidExpression = errors.New("invalid threshold expression")

	// ErrUnknownMetric is returned when an expression refers to a metric
	// that is not registered.
	ErrUnknownMetric = errors.New("unknown metric")

	// ErrUnknownStatistic is returned when an expression asks for a
	// statistic that is not computed for its metric.
	ErrUnknownStatistic = errors.New("unknown statistic")
)

// Operator is a comparison operator.
type Operator string

const (
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpEqual        Operator = "=="
)

// Compare applies the operator to actual and threshold.
func (op Operator) Compare(actual, threshold float64) bool {
	switch op {
	case OpLess:
		return actual < threshold
	case OpLessEqual:
		return actual <= threshold
	case OpGreater:
		return actual > threshold
	case OpGreaterEqual:
		return actual >= threshold
	case OpEqual:
		return actual == threshold
	default:
		return false
	}
}

// Statistic names a computed value of a metric, e.g. "rate", "avg" or "p(95)".
type Statistic string

const (
	StatAvg    Statistic = "avg"
	StatMin    Statistic = "min"
	StatMax    Statistic = "max"
	StatMed    Statistic = "med"
	StatCount  Statistic = "count"
	StatRate   Statistic = "rate"
	StatPasses Statistic = "passes"
	StatFails  Statistic = "fails"
)

// PercentileStat returns the statistic for percentile p.
func PercentileStat(p float64) Statistic {
	return Statistic("p(" + strconv.FormatFloat(p, 'f', -1, 64) + ")")
}

// Percentile reports whether s is a percentile statistic and returns it.
func (s Statistic) Percentile() (float64, bool) {
	str := string(s)
	if !strings.HasPrefix(str, "p(") || !strings.HasSuffix(str, ")") {
		return 0, false
	}
	p, err := strconv.ParseFloat(str[2:len(str)-1], 64)
	if err != nil {
		return 0, false
	}
	return p, true
}

// Expression is a single threshold assertion on one metric.
type Expression struct {
	Metric    string    `json:"metric"`
	Statistic Statistic `json:"statistic"`
	Operator  Operator  `json:"operator"`
	Value     float64   `json:"value"`

	// Source is the expression as written, e.g. "p(95)<500".
	Source string `json:"source"`

	// AbortOnFail stops the run early when the expression fails during
	// live evaluation.
	AbortOnFail bool `json:"abortOnFail,omitempty"`
}

func (e Expression) String() string {
	return fmt.Sprintf("%s: %s", e.Metric, e.Source)
}

// Set maps metric names to their declared expressions.
type Set map[string][]Expression

// Metrics returns the metric names in the set, sorted.
func (s Set) Metrics() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Percentiles returns every percentile referenced by the set, sorted and
// de-duplicated.
func (s Set) Percentiles() []float64 {
	seen := make(map[float64]bool)
	var out []float64
	for _, exprs := range s {
		for _, e := range exprs {
			if p, ok := e.Statistic.Percentile(); ok && !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	sort.Float64s(out)
	return out
}

// Accepts "p(95) < 500", "p95<500ms", "rate<0.05", "avg <= 1.5s".
var expressionRe = regexp.MustCompile(`^\s*([a-z]+|p\(\s*[0-9.]+\s*\)|p[0-9.]+)\s*(<=|>=|==|<|>)\s*(\S+)\s*$`)

// Parse parses a threshold expression for metric.
//
// Values may be plain numbers or Go durations; durations are converted to
// milliseconds, the unit trend metrics record request timings in.
func Parse(metric, src string) (Expression, error) {
	m := expressionRe.FindStringSubmatch(src)
	if m == nil {
		return Expression{}, fmt.Errorf("%w: %q (expected '<statistic> <operator> <value>')", ErrInvalidExpression, src)
	}

	stat, err := parseStatistic(m[1])
	if err != nil {
		return Expression{}, fmt.Errorf("%w: %q: %v", ErrInvalidExpression, src, err)
	}

	value, err := parseValue(m[3])
	if err != nil {
		return Expression{}, fmt.Errorf("%w: %q: %v", ErrInvalidExpression, src, err)
	}

	return Expression{
		Metric:    metric,
		Statistic: stat,
		Operator:  Operator(m[2]),
		Value:     value,
		Source:    strings.TrimSpace(src),
	}, nil
}

// MustParse is like Parse but panics on error. Intended for tests and
// static declarations.
func MustParse(metric, src string) Expression {
	e, err := Parse(metric, src)
	if err != nil {
		panic(err)
	}
	return e
}

func parseStatistic(s string) (Statistic, error) {
	switch Statistic(s) {
	case StatAvg, StatMin, StatMax, StatMed, StatCount, StatRate, StatPasses, StatFails:
		return Statistic(s), nil
	}

	var raw string
	switch {
	case strings.HasPrefix(s, "p("):
		raw = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(s, "p("), ")"))
	case strings.HasPrefix(s, "p"):
		raw = strings.TrimPrefix(s, "p")
	default:
		return "", fmt.Errorf("unsupported statistic %q", s)
	}

	p, err := strconv.ParseFloat(raw, 64)
	if err != nil || p <= 0 || p > 100 {
		return "", fmt.Errorf("percentile must be in (0, 100], got %q", raw)
	}
	return PercentileStat(p), nil
}

func parseValue(s string) (float64, error) {
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("value %q is neither a number nor a duration", s)
	}
	return float64(d) / float64(time.Millisecond), nil
}
