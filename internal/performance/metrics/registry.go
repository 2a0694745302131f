package metrics

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrKindMismatch is returned when a metric name is requested with a kind
// different from the one it was created with.
var ErrKindMismatch = errors.New("metric kind mismatch")

// KindMismatchError describes a conflicting GetOrCreate call.
type KindMismatchError struct {
	Name      string
	Existing  Kind
	Requested Kind
}

func (e *KindMismatchError) Error() string {
	return fmt.Sprintf("metric %q is a %s, cannot use it as a %s", e.Name, e.Existing, e.Requested)
}

// Is makes errors.Is(err, ErrKindMismatch) match.
func (e *KindMismatchError) Is(target error) bool {
	return target == ErrKindMismatch
}

// Built-in metric names recorded for every request and iteration.
const (
	HTTPReqDuration   = "http_req_duration"
	HTTPReqFailed     = "http_req_failed"
	HTTPReqs          = "http_reqs"
	IterationDuration = "iteration_duration"
	Checks            = "checks"
)

// BuiltinKinds lists the metrics every run registers before it starts.
var BuiltinKinds = map[string]Kind{
	HTTPReqDuration:   KindTrend,
	HTTPReqFailed:     KindRate,
	HTTPReqs:          KindTrend,
	IterationDuration: KindTrend,
	Checks:            KindRate,
}

// DefaultPercentiles are computed for every trend metric.
var DefaultPercentiles = []float64{50, 90, 95, 99}

// Options configures how a Registry's streams summarize observations.
type Options struct {
	// TrendMode selects exact or HDR-backed trend storage (default: exact).
	TrendMode TrendMode

	// Percentiles computed for trend metrics (default: 50, 90, 95, 99).
	Percentiles []float64

	// HDRSigFigs is the HDR histogram precision (default: 3).
	HDRSigFigs int
}

// DefaultOptions returns the default registry options.
func DefaultOptions() Options {
	return Options{
		TrendMode:   TrendModeExact,
		Percentiles: append([]float64(nil), DefaultPercentiles...),
		HDRSigFigs:  3,
	}
}

// Registry maps metric names to streams. Entries are created lazily and
// never removed.
type Registry struct {
	opts Options

	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewRegistry creates a registry with default options.
func NewRegistry() *Registry {
	return NewRegistryWithOptions(DefaultOptions())
}

// NewRegistryWithOptions creates a registry with custom options.
func NewRegistryWithOptions(opts Options) *Registry {
	if opts.TrendMode == "" {
		opts.TrendMode = TrendModeExact
	}
	if len(opts.Percentiles) == 0 {
		opts.Percentiles = append([]float64(nil), DefaultPercentiles...)
	} else {
		opts.Percentiles = normalizePercentiles(opts.Percentiles)
	}
	if opts.HDRSigFigs == 0 {
		opts.HDRSigFigs = 3
	}

	return &Registry{
		opts:    opts,
		streams: make(map[string]*Stream),
	}
}

// Options returns the registry options.
func (r *Registry) Options() Options {
	return r.opts
}

// GetOrCreate returns the stream registered under name, creating it with
// kind if it does not exist yet.
func (r *Registry) GetOrCreate(name string, kind Kind) (*Stream, error) {
	r.mu.RLock()
	s, ok := r.streams[name]
	r.mu.RUnlock()

	if !ok {
		r.mu.Lock()
		// Re-check under the write lock; another VU may have won the race.
		s, ok = r.streams[name]
		if !ok {
			s = newStream(name, kind, r.opts)
			r.streams[name] = s
		}
		r.mu.Unlock()
	}

	if s.kind != kind {
		return nil, &KindMismatchError{Name: name, Existing: s.kind, Requested: kind}
	}
	return s, nil
}

// Declare registers every metric in kinds, failing on the first conflict.
func (r *Registry) Declare(kinds map[string]Kind) error {
	names := make([]string, 0, len(kinds))
	for name := range kinds {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if _, err := r.GetOrCreate(name, kinds[name]); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the stream for name, or nil if it was never registered.
func (r *Registry) Get(name string) *Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.streams[name]
}

// Names returns all registered metric names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.streams))
	for name := range r.streams {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Kinds returns the kind of every registered metric.
func (r *Registry) Kinds() map[string]Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make(map[string]Kind, len(r.streams))
	for name, s := range r.streams {
		kinds[name] = s.kind
	}
	return kinds
}

// SnapshotAll summarizes every registered stream. Each metric is internally
// consistent; metrics may be captured at slightly different instants.
func (r *Registry) SnapshotAll() *Snapshot {
	r.mu.RLock()
	streams := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		streams = append(streams, s)
	}
	r.mu.RUnlock()

	snap := &Snapshot{
		Timestamp: time.Now(),
		Metrics:   make(map[string]MetricStats, len(streams)),
	}
	for _, s := range streams {
		snap.Metrics[s.name] = s.Snapshot()
	}
	return snap
}

// Snapshot is an immutable point-in-time view of every registered metric.
type Snapshot struct {
	Timestamp time.Time              `json:"timestamp"`
	Metrics   map[string]MetricStats `json:"metrics"`
}

// Get returns the stats for name.
func (s *Snapshot) Get(name string) (MetricStats, bool) {
	if s == nil {
		return MetricStats{}, false
	}
	m, ok := s.Metrics[name]
	return m, ok
}

// Names returns the metric names in the snapshot, sorted.
func (s *Snapshot) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.Metrics))
	for name := range s.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizePercentiles(ps []float64) []float64 {
	seen := make(map[float64]bool, len(ps))
	out := make([]float64, 0, len(ps))
	for _, p := range ps {
		if p <= 0 || p > 100 || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Float64s(out)
	return out
}
