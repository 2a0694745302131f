package threshold

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		stat    Statistic
		op      Operator
		value   float64
		wantErr bool
	}{
		{name: "rate", src: "rate<0.05", stat: StatRate, op: OpLess, value: 0.05},
		{name: "percentile with parens", src: "p(95) < 500", stat: "p(95)", op: OpLess, value: 500},
		{name: "percentile shorthand", src: "p99<=800", stat: "p(99)", op: OpLessEqual, value: 800},
		{name: "fractional percentile", src: "p(99.9)<1000", stat: "p(99.9)", op: OpLess, value: 1000},
		{name: "duration value", src: "avg < 1.5s", stat: StatAvg, op: OpLess, value: 1500},
		{name: "millisecond duration", src: "med<250ms", stat: StatMed, op: OpLess, value: 250},
		{name: "greater equal", src: "count >= 10", stat: StatCount, op: OpGreaterEqual, value: 10},
		{name: "equal", src: "fails==0", stat: StatFails, op: OpEqual, value: 0},
		{name: "greater", src: "passes>3", stat: StatPasses, op: OpGreater, value: 3},
		{name: "min max", src: "max<2000", stat: StatMax, op: OpLess, value: 2000},

		{name: "empty", src: "", wantErr: true},
		{name: "missing operator", src: "rate 0.05", wantErr: true},
		{name: "unknown operator", src: "rate != 0.05", wantErr: true},
		{name: "bad value", src: "rate < abc", wantErr: true},
		{name: "unknown statistic", src: "stddev < 5", wantErr: true},
		{name: "percentile out of range", src: "p(101) < 5", wantErr: true},
		{name: "zero percentile", src: "p0 < 5", wantErr: true},
		{name: "trailing garbage", src: "rate < 0.05 and more", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := Parse("m", tt.src)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidExpression))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "m", e.Metric)
			assert.Equal(t, tt.stat, e.Statistic)
			assert.Equal(t, tt.op, e.Operator)
			assert.InDelta(t, tt.value, e.Value, 1e-9)
		})
	}
}

func TestOperator_Compare(t *testing.T) {
	assert.True(t, OpLess.Compare(1, 2))
	assert.False(t, OpLess.Compare(2, 2))
	assert.True(t, OpLessEqual.Compare(2, 2))
	assert.True(t, OpGreater.Compare(3, 2))
	assert.False(t, OpGreater.Compare(2, 2))
	assert.True(t, OpGreaterEqual.Compare(2, 2))
	assert.True(t, OpEqual.Compare(2, 2))
	assert.False(t, Operator("!=").Compare(1, 2))
}

func TestStatistic_Percentile(t *testing.T) {
	p, ok := Statistic("p(95)").Percentile()
	assert.True(t, ok)
	assert.Equal(t, 95.0, p)

	_, ok = StatAvg.Percentile()
	assert.False(t, ok)

	assert.Equal(t, Statistic("p(99.9)"), PercentileStat(99.9))
}

func TestSet_Percentiles(t *testing.T) {
	set := Set{
		"a": {MustParse("a", "p(95)<1"), MustParse("a", "avg<1")},
		"b": {MustParse("b", "p99<1"), MustParse("b", "p(95)<2")},
	}
	assert.Equal(t, []float64{95, 99}, set.Percentiles())
	assert.Equal(t, []string{"a", "b"}, set.Metrics())
}

func TestMustParse_Panics(t *testing.T) {
	assert.Panics(t, func() { MustParse("m", "nonsense") })
}
