package scenario

import (
	"context"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func noop(context.Context, *Env) {}

func weighted(weights ...float64) []Weighted {
	names := []string{"a", "b", "c", "d", "e"}
	out := make([]Weighted, len(weights))
	for i, w := range weights {
		out[i] = Weighted{Name: names[i], Weight: w, Work: noop}
	}
	return out
}

func TestNewRouter_Validation(t *testing.T) {
	tests := []struct {
		name      string
		scenarios []Weighted
		invalid   bool // wraps ErrInvalidWeights
	}{
		{"empty", nil, true},
		{"sum below one", weighted(0.3, 0.3), true},
		{"sum above one", weighted(0.6, 0.6), true},
		{"negative", weighted(1.5, -0.5), true},
		{"nan", weighted(math.NaN(), 1), true},
		{"missing name", []Weighted{{Weight: 1, Work: noop}}, false},
		{"missing work", []Weighted{{Name: "a", Weight: 1}}, false},
		{"duplicate name", []Weighted{{Name: "a", Weight: 0.5, Work: noop}, {Name: "a", Weight: 0.5, Work: noop}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRouter(tt.scenarios)
			require.Error(t, err)
			if tt.invalid {
				assert.ErrorIs(t, err, ErrInvalidWeights)
			}
		})
	}
}

func TestNewRouter_WithinEpsilon(t *testing.T) {
	_, err := NewRouter(weighted(0.1, 0.2, 0.7+5e-7))
	assert.NoError(t, err)
}

func TestRouter_Pick(t *testing.T) {
	r, err := NewRouter(weighted(0.3, 0.4, 0.3))
	require.NoError(t, err)

	tests := []struct {
		u    float64
		want int
	}{
		{0, 0},
		{0.29, 0},
		{0.3, 1}, // boundary belongs to the next interval
		{0.69, 1},
		{0.7, 2},
		{0.999999, 2},
		{1.0000001, 2}, // rounding overflow
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, r.Pick(tt.u), "u=%v", tt.u)
	}
}

func TestRouter_PickSkipsZeroWeights(t *testing.T) {
	r, err := NewRouter(weighted(0, 0.5, 0.5, 0))
	require.NoError(t, err)

	assert.Equal(t, 1, r.Pick(0))
	assert.Equal(t, 2, r.Pick(0.5))
	assert.Equal(t, 2, r.Pick(1.5), "overflow falls to the last non-zero scenario")
}

func TestRouter_Frequencies(t *testing.T) {
	r, err := NewRouter(weighted(0.3, 0.4, 0.3))
	require.NoError(t, err)

	const draws = 100_000
	env := &Env{Rand: rand.New(rand.NewPCG(1, 2))}
	for i := 0; i < draws; i++ {
		r.Run(context.Background(), env)
	}

	picks := r.Picks()
	assert.InDelta(t, 0.3, float64(picks["a"])/draws, 0.01)
	assert.InDelta(t, 0.4, float64(picks["b"])/draws, 0.01)
	assert.InDelta(t, 0.3, float64(picks["c"])/draws, 0.01)
}

func TestRouter_RunInvokesWork(t *testing.T) {
	called := ""
	r, err := NewRouter([]Weighted{
		{Name: "only", Weight: 1, Work: func(ctx context.Context, env *Env) { called = "only" }},
	})
	require.NoError(t, err)

	name := r.Run(context.Background(), &Env{Rand: rand.New(rand.NewPCG(0, 0))})
	assert.Equal(t, "only", name)
	assert.Equal(t, "only", called)
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, "only", r.Scenario(0).Name)
}

// Every draw in [0, 1) lands in a scenario with non-zero weight.
func TestProperty_PickAlwaysSelectsWeightedScenario(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 5).Draw(t, "n")
		raw := make([]float64, n)
		var total float64
		for i := range raw {
			raw[i] = rapid.Float64Range(0, 10).Draw(t, "w")
			total += raw[i]
		}
		if total == 0 {
			raw[0], total = 1, 1
		}
		ws := make([]float64, n)
		for i := range raw {
			ws[i] = raw[i] / total
		}

		r, err := NewRouter(weighted(ws...))
		if err != nil {
			t.Fatalf("NewRouter: %v", err)
		}
		u := rapid.Float64Range(0, 1).Draw(t, "u")
		i := r.Pick(u)
		if i < 0 || ws[i] == 0 {
			t.Fatalf("picked %d (weight %v) for u=%v", i, ws[i], u)
		}
	})
}
