package threshold

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/stampede/internal/performance/metrics"
)

func rateRegistry(t *testing.T, name string, ones, total int) *metrics.Registry {
	t.Helper()
	r := metrics.NewRegistry()
	s, err := r.GetOrCreate(name, metrics.KindRate)
	require.NoError(t, err)
	for i := 0; i < total; i++ {
		s.RecordBool(i < ones)
	}
	return r
}

func TestEvaluate_Rate(t *testing.T) {
	tests := []struct {
		name   string
		ones   int
		total  int
		passed bool
	}{
		{"below threshold", 3, 100, true},
		{"above threshold", 7, 100, false},
		{"exactly at threshold", 5, 100, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := rateRegistry(t, "errors", tt.ones, tt.total)
			set := Set{"errors": {MustParse("errors", "rate<0.05")}}

			v, err := NewEvaluator(Config{}).Evaluate(r.SnapshotAll(), set)
			require.NoError(t, err)
			assert.Equal(t, tt.passed, v.Passed)
			require.Len(t, v.Results, 1)
			assert.InDelta(t, float64(tt.ones)/float64(tt.total), v.Results[0].Actual, 1e-12)
			if !tt.passed {
				assert.Equal(t, StatusFailed, v.Results[0].Status)
				assert.NotEmpty(t, v.Results[0].Message)
				assert.Len(t, v.Breached(), 1)
			}
		})
	}
}

func TestEvaluate_TrendPercentile(t *testing.T) {
	r := metrics.NewRegistry()
	s, _ := r.GetOrCreate("latency", metrics.KindTrend)
	for _, v := range []float64{100, 200, 300, 400, 500} {
		s.Record(v)
	}
	snap := r.SnapshotAll()
	ev := NewEvaluator(Config{})

	v, err := ev.Evaluate(snap, Set{"latency": {MustParse("latency", "p(50)<=300")}})
	require.NoError(t, err)
	assert.True(t, v.Passed)

	v, err = ev.Evaluate(snap, Set{"latency": {MustParse("latency", "p(50)<300")}})
	require.NoError(t, err)
	assert.False(t, v.Passed)
}

func TestEvaluate_AllMustPass(t *testing.T) {
	r := metrics.NewRegistry()
	s, _ := r.GetOrCreate("latency", metrics.KindTrend)
	for _, v := range []float64{10, 20, 30} {
		s.Record(v)
	}

	set := Set{"latency": {
		MustParse("latency", "avg<100"),
		MustParse("latency", "max<25"),
	}}
	v, err := NewEvaluator(Config{}).Evaluate(r.SnapshotAll(), set)
	require.NoError(t, err)
	assert.False(t, v.Passed)
	assert.Equal(t, StatusPassed, v.Results[0].Status)
	assert.Equal(t, StatusFailed, v.Results[1].Status)
}

func TestEvaluate_NoData(t *testing.T) {
	r := metrics.NewRegistry()
	_, _ = r.GetOrCreate("latency", metrics.KindTrend)
	set := Set{"latency": {MustParse("latency", "p(95)<500")}}

	v, err := NewEvaluator(Config{}).Evaluate(r.SnapshotAll(), set)
	require.NoError(t, err)
	assert.True(t, v.Passed)
	assert.Equal(t, StatusNoData, v.Results[0].Status)

	v, err = NewEvaluator(Config{NoData: NoDataUndetermined}).Evaluate(r.SnapshotAll(), set)
	require.NoError(t, err)
	assert.False(t, v.Passed)
	assert.Equal(t, StatusUndetermined, v.Results[0].Status)
}

func TestEvaluate_UnknownMetric(t *testing.T) {
	r := metrics.NewRegistry()
	set := Set{"missing": {MustParse("missing", "rate<0.1")}}

	_, err := NewEvaluator(Config{}).Evaluate(r.SnapshotAll(), set)
	assert.ErrorIs(t, err, ErrUnknownMetric)
}

func TestEvaluate_UnknownStatistic(t *testing.T) {
	tests := []struct {
		name string
		kind metrics.Kind
		expr string
	}{
		{"avg on rate", metrics.KindRate, "avg<1"},
		{"percentile on rate", metrics.KindRate, "p(95)<1"},
		{"rate on trend", metrics.KindTrend, "rate<1"},
		{"fails on trend", metrics.KindTrend, "fails<1"},
		{"uncomputed percentile", metrics.KindTrend, "p(75)<1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := metrics.NewRegistry()
			s, _ := r.GetOrCreate("m", tt.kind)
			s.Record(1)

			_, err := NewEvaluator(Config{}).Evaluate(r.SnapshotAll(), Set{"m": {MustParse("m", tt.expr)}})
			assert.ErrorIs(t, err, ErrUnknownStatistic)
		})
	}
}

func TestEvaluate_ExtraPercentile(t *testing.T) {
	r := metrics.NewRegistryWithOptions(metrics.Options{Percentiles: []float64{75}})
	s, _ := r.GetOrCreate("m", metrics.KindTrend)
	for i := 1; i <= 4; i++ {
		s.Record(float64(i))
	}

	ev := NewEvaluator(Config{Percentiles: []float64{75}})
	v, err := ev.Evaluate(r.SnapshotAll(), Set{"m": {MustParse("m", "p75<=3")}})
	require.NoError(t, err)
	assert.True(t, v.Passed)
}

func TestEvaluate_DoesNotMutateSnapshot(t *testing.T) {
	r := rateRegistry(t, "errors", 1, 10)
	snap := r.SnapshotAll()
	before := snap.Metrics["errors"]

	_, err := NewEvaluator(Config{}).Evaluate(snap, Set{"errors": {MustParse("errors", "rate<0.5")}})
	require.NoError(t, err)
	assert.Equal(t, before, snap.Metrics["errors"])
}

func TestVerdict_ShouldAbort(t *testing.T) {
	r := rateRegistry(t, "errors", 9, 10)
	e := MustParse("errors", "rate<0.5")
	e.AbortOnFail = true

	v, err := NewEvaluator(Config{}).Evaluate(r.SnapshotAll(), Set{"errors": {e}})
	require.NoError(t, err)
	assert.True(t, v.ShouldAbort())

	e.AbortOnFail = false
	v, err = NewEvaluator(Config{}).Evaluate(r.SnapshotAll(), Set{"errors": {e}})
	require.NoError(t, err)
	assert.False(t, v.ShouldAbort())
}

func TestValidate(t *testing.T) {
	kinds := map[string]metrics.Kind{
		"errors":  metrics.KindRate,
		"latency": metrics.KindTrend,
	}
	ev := NewEvaluator(Config{})

	assert.NoError(t, ev.Validate(Set{
		"errors":  {MustParse("errors", "rate<0.1")},
		"latency": {MustParse("latency", "p(95)<500")},
	}, kinds))

	err := ev.Validate(Set{"nope": {MustParse("nope", "rate<0.1")}}, kinds)
	assert.ErrorIs(t, err, ErrUnknownMetric)

	err = ev.Validate(Set{"errors": {MustParse("errors", "avg<0.1")}}, kinds)
	assert.ErrorIs(t, err, ErrUnknownStatistic)
}

func TestParseNoDataPolicy(t *testing.T) {
	p, err := ParseNoDataPolicy("")
	require.NoError(t, err)
	assert.Equal(t, NoDataPass, p)

	p, err = ParseNoDataPolicy("undetermined")
	require.NoError(t, err)
	assert.Equal(t, NoDataUndetermined, p)

	_, err = ParseNoDataPolicy("fail")
	assert.Error(t, err)
}
