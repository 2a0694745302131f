// Package metrics records observations for named metrics and summarizes them.
//
// A Registry owns one Stream per metric name. Streams are append-only and
// safe for concurrent use by any number of virtual users; summaries are
// produced on demand with Snapshot.
package metrics

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
)

// Kind identifies how a stream's observations are summarized.
type Kind string

const (
	// KindRate summarizes boolean outcomes as passes/total.
	KindRate Kind = "rate"

	// KindTrend summarizes a numeric distribution (count, mean, percentiles).
	KindTrend Kind = "trend"
)

// ParseKind parses a kind name.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindRate, KindTrend:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown metric kind %q (expected %q or %q)", s, KindRate, KindTrend)
	}
}

// Stream accumulates observations for a single metric.
//
// Rate streams keep two atomic counters. Trend streams delegate to a
// trendStore guarded by a mutex that is held only for the duration of a
// single append.
type Stream struct {
	name string
	kind Kind

	// rate
	passes atomic.Int64
	total  atomic.Int64

	// trend
	mu          sync.Mutex
	store       trendStore
	percentiles []float64
}

func newStream(name string, kind Kind, opts Options) *Stream {
	s := &Stream{name: name, kind: kind}
	if kind == KindTrend {
		s.percentiles = opts.Percentiles
		switch opts.TrendMode {
		case TrendModeHDR:
			s.store = newHDRStore(opts.HDRSigFigs)
		default:
			s.store = &exactStore{}
		}
	}
	return s
}

// Name returns the metric name.
func (s *Stream) Name() string {
	return s.name
}

// Kind returns the metric kind.
func (s *Stream) Kind() Kind {
	return s.kind
}

// Record appends an observation. For rate streams any non-zero value counts
// as a pass.
func (s *Stream) Record(value float64) {
	if s.kind == KindRate {
		// total before passes, so a concurrent Snapshot never sees passes > total.
		s.total.Add(1)
		if value != 0 {
			s.passes.Add(1)
		}
		return
	}

	s.mu.Lock()
	s.store.add(value)
	s.mu.Unlock()
}

// RecordBool records a rate observation.
func (s *Stream) RecordBool(ok bool) {
	if ok {
		s.Record(1)
		return
	}
	s.Record(0)
}

// Count returns the number of observations recorded so far.
func (s *Stream) Count() int64 {
	if s.kind == KindRate {
		return s.total.Load()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.count()
}

// Snapshot summarizes the stream. A stream without observations returns
// stats with HasData == false rather than an error.
func (s *Stream) Snapshot() MetricStats {
	stats := MetricStats{Name: s.name, Kind: s.kind}

	if s.kind == KindRate {
		passes := s.passes.Load()
		total := s.total.Load()
		stats.Count = total
		if total == 0 {
			return stats
		}
		stats.HasData = true
		stats.Passes = passes
		stats.Fails = total - passes
		stats.Rate = float64(passes) / float64(total)
		return stats
	}

	s.mu.Lock()
	frozen := s.store.freeze()
	s.mu.Unlock()

	trend := frozen.summarize(s.percentiles)
	stats.Count = trend.count
	if trend.count == 0 {
		return stats
	}
	stats.HasData = true
	stats.Min = trend.min
	stats.Max = trend.max
	stats.Avg = trend.avg
	stats.Med = trend.med
	stats.Percentiles = trend.percentiles
	return stats
}

// MetricStats is the computed summary of one stream at a point in time.
type MetricStats struct {
	Name    string `json:"name"`
	Kind    Kind   `json:"kind"`
	Count   int64  `json:"count"`
	HasData bool   `json:"hasData"`

	// Rate statistics
	Rate   float64 `json:"rate,omitempty"`
	Passes int64   `json:"passes,omitempty"`
	Fails  int64   `json:"fails,omitempty"`

	// Trend statistics
	Min         float64            `json:"min,omitempty"`
	Max         float64            `json:"max,omitempty"`
	Avg         float64            `json:"avg,omitempty"`
	Med         float64            `json:"med,omitempty"`
	Percentiles map[string]float64 `json:"percentiles,omitempty"`
}

// Percentile returns the computed value for percentile p (0-100].
func (m MetricStats) Percentile(p float64) (float64, bool) {
	v, ok := m.Percentiles[PercentileKey(p)]
	return v, ok
}

// PercentileKey formats p the way percentile statistics are keyed, e.g. "p(95)".
func PercentileKey(p float64) string {
	return "p(" + strconv.FormatFloat(p, 'f', -1, 64) + ")"
}
