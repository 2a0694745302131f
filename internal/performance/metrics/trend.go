package metrics

import (
	"fmt"
	"math"
	"sort"

	"github.com/HdrHistogram/hdrhistogram-go"
	"gonum.org/v1/gonum/stat"
)

// TrendMode selects how trend observations are retained.
type TrendMode string

const (
	// TrendModeExact keeps every observation and computes exact
	// nearest-rank percentiles over a sorted copy.
	TrendModeExact TrendMode = "exact"

	// TrendModeHDR keeps observations in an HDR histogram. Memory stays
	// bounded; percentiles are accurate to the configured significant
	// figures.
	TrendModeHDR TrendMode = "hdr"
)

// ParseTrendMode parses a trend mode name. Empty means TrendModeExact.
func ParseTrendMode(s string) (TrendMode, error) {
	switch TrendMode(s) {
	case "", TrendModeExact:
		return TrendModeExact, nil
	case TrendModeHDR:
		return TrendModeHDR, nil
	default:
		return "", fmt.Errorf("unknown trend mode %q (expected %q or %q)", s, TrendModeExact, TrendModeHDR)
	}
}

const (
	// hdrScale converts observation units into histogram integers, giving
	// three decimal places of resolution (e.g. milliseconds -> microseconds).
	hdrScale = 1000

	hdrMin = 1
	// One hour expressed in microseconds.
	hdrMax = 3600000000
)

// trendStore retains trend observations. Implementations are not
// thread-safe; Stream serializes access.
type trendStore interface {
	add(v float64)
	count() int64
	// freeze returns an independent copy that can be summarized without
	// holding the stream lock.
	freeze() frozenTrend
}

type frozenTrend interface {
	summarize(percentiles []float64) trendSummary
}

type trendSummary struct {
	count       int64
	min         float64
	max         float64
	avg         float64
	med         float64
	percentiles map[string]float64
}

// exactStore keeps every observation.
type exactStore struct {
	values []float64
}

func (e *exactStore) add(v float64) {
	e.values = append(e.values, v)
}

func (e *exactStore) count() int64 {
	return int64(len(e.values))
}

func (e *exactStore) freeze() frozenTrend {
	cp := make(exactValues, len(e.values))
	copy(cp, e.values)
	return cp
}

type exactValues []float64

func (x exactValues) summarize(percentiles []float64) trendSummary {
	if len(x) == 0 {
		return trendSummary{}
	}

	sorted := []float64(x)
	sort.Float64s(sorted)

	out := trendSummary{
		count:       int64(len(sorted)),
		min:         sorted[0],
		max:         sorted[len(sorted)-1],
		avg:         stat.Mean(sorted, nil),
		med:         nearestRank(sorted, 50),
		percentiles: make(map[string]float64, len(percentiles)),
	}
	for _, p := range percentiles {
		out.percentiles[PercentileKey(p)] = nearestRank(sorted, p)
	}
	return out
}

// nearestRank returns the value at rank ceil(p/100 * N) of a sorted,
// non-empty slice. The rank is computed on p*N so that products such as
// 28*25/100 land on the whole rank they represent.
func nearestRank(sorted []float64, p float64) float64 {
	n := len(sorted)
	rank := int(math.Ceil(p*float64(n)/100 - 1e-9))
	rank = min(max(rank, 1), n)
	return sorted[rank-1]
}

// hdrStore keeps observations in an HDR histogram. Count, min, max and
// sum are tracked exactly; only percentiles are approximated.
type hdrStore struct {
	hist    *hdrhistogram.Histogram
	sigFigs int
	n       int64
	sum     float64
	min     float64
	max     float64
}

func newHDRStore(sigFigs int) *hdrStore {
	if sigFigs <= 0 {
		sigFigs = 3
	}
	return &hdrStore{
		hist:    hdrhistogram.New(hdrMin, hdrMax, sigFigs),
		sigFigs: sigFigs,
		min:     math.Inf(1),
		max:     math.Inf(-1),
	}
}

func (h *hdrStore) add(v float64) {
	scaled := int64(math.Round(v * hdrScale))
	// Clamp to the histogram's trackable range.
	if scaled < hdrMin {
		scaled = hdrMin
	}
	if scaled > hdrMax {
		scaled = hdrMax
	}
	_ = h.hist.RecordValue(scaled)

	h.n++
	h.sum += v
	if v < h.min {
		h.min = v
	}
	if v > h.max {
		h.max = v
	}
}

func (h *hdrStore) count() int64 {
	return h.n
}

func (h *hdrStore) freeze() frozenTrend {
	cp := hdrhistogram.New(hdrMin, hdrMax, h.sigFigs)
	cp.Merge(h.hist)
	return &frozenHDR{hist: cp, n: h.n, sum: h.sum, min: h.min, max: h.max}
}

type frozenHDR struct {
	hist *hdrhistogram.Histogram
	n    int64
	sum  float64
	min  float64
	max  float64
}

func (f *frozenHDR) summarize(percentiles []float64) trendSummary {
	if f.n == 0 {
		return trendSummary{}
	}

	out := trendSummary{
		count:       f.n,
		min:         f.min,
		max:         f.max,
		avg:         f.sum / float64(f.n),
		med:         f.quantile(50),
		percentiles: make(map[string]float64, len(percentiles)),
	}
	for _, p := range percentiles {
		out.percentiles[PercentileKey(p)] = f.quantile(p)
	}
	return out
}

func (f *frozenHDR) quantile(p float64) float64 {
	v := float64(f.hist.ValueAtQuantile(p)) / hdrScale
	// Histogram buckets can overshoot the exact extremes.
	return math.Min(math.Max(v, f.min), f.max)
}
