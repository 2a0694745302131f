package engine_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/stampede/internal/performance/engine"
	"github.com/wesleyorama2/stampede/internal/performance/executor"
	"github.com/wesleyorama2/stampede/internal/performance/metrics"
	"github.com/wesleyorama2/stampede/internal/performance/scenario"
	"github.com/wesleyorama2/stampede/internal/performance/threshold"
	"github.com/wesleyorama2/stampede/internal/performance/transport"
)

func alwaysSucceeds(ctx context.Context, env *scenario.Env) {
	env.Rate("success", true)
}

func TestEngine_EndToEnd(t *testing.T) {
	eng, err := engine.New(engine.Config{
		Name: "ramp",
		Stages: []executor.Stage{
			{Duration: 200 * time.Millisecond, Target: 20},
			{Duration: 100 * time.Millisecond, Target: 0},
		},
		Scenarios: []scenario.Weighted{{Name: "ok", Weight: 1.0, Work: alwaysSucceeds}},
		Thresholds: threshold.Set{
			"success": {threshold.MustParse("success", "rate>0.95")},
		},
		Metrics:      engine.MetricsConfig{Declare: map[string]metrics.Kind{"success": metrics.KindRate}},
		Pause:        5 * time.Millisecond,
		TickInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, engine.StateIdle, eng.State())
	assert.NotEmpty(t, eng.RunID())

	result, err := eng.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, engine.StateDone, eng.State())
	assert.True(t, result.Passed)
	assert.False(t, result.Aborted)
	assert.Equal(t, eng.RunID(), result.RunID)
	assert.Greater(t, result.Iterations, int64(0))
	assert.Equal(t, result.Iterations, result.Scenarios["ok"])

	success, ok := result.FinalSnapshot.Get("success")
	require.True(t, ok)
	assert.Equal(t, 1.0, success.Rate)

	iter, ok := result.FinalSnapshot.Get(metrics.IterationDuration)
	require.True(t, ok)
	assert.Equal(t, result.Iterations, iter.Count)

	require.Len(t, result.Thresholds, 1)
	assert.Equal(t, threshold.StatusPassed, result.Thresholds[0].Status)
}

func TestEngine_FailingThreshold(t *testing.T) {
	eng, err := engine.New(engine.Config{
		Stages: []executor.Stage{{Duration: 100 * time.Millisecond, Target: 2}},
		Scenarios: []scenario.Weighted{{Name: "fail", Weight: 1, Work: func(ctx context.Context, env *scenario.Env) {
			env.Rate("errors", true)
		}}},
		Thresholds: threshold.Set{"errors": {threshold.MustParse("errors", "rate<0.05")}},
		Metrics:    engine.MetricsConfig{Declare: map[string]metrics.Kind{"errors": metrics.KindRate}},
		Pause:      5 * time.Millisecond,
	})
	require.NoError(t, err)

	result, err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.Equal(t, threshold.StatusFailed, result.Thresholds[0].Status)
}

func TestEngine_SetupTimeout(t *testing.T) {
	var iterations atomic.Int32
	eng, err := engine.New(engine.Config{
		Stages: []executor.Stage{{Duration: time.Second, Target: 5}},
		Scenarios: []scenario.Weighted{{Name: "s", Weight: 1, Work: func(ctx context.Context, env *scenario.Env) {
			iterations.Add(1)
		}}},
		Setup: engine.SetupConfig{
			Probe: executor.ProbeFunc(func(context.Context) (bool, error) { return false, nil }),
			Retry: executor.RetryPolicy{MaxRetries: 3, RetryInterval: time.Millisecond},
		},
	})
	require.NoError(t, err)

	result, err := eng.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, executor.ErrSetupTimeout)
	assert.Nil(t, result)
	assert.Equal(t, engine.StateDone, eng.State())
	assert.Equal(t, int32(0), iterations.Load())

	for _, name := range eng.Registry().Names() {
		stats, _ := eng.Registry().SnapshotAll().Get(name)
		assert.Equal(t, int64(0), stats.Count, name)
	}
}

func TestEngine_StateTransitions(t *testing.T) {
	var eng *engine.Engine
	var sawSetup, sawRunning atomic.Bool

	eng, err := engine.New(engine.Config{
		Stages: []executor.Stage{{Duration: 50 * time.Millisecond, Target: 1}},
		Scenarios: []scenario.Weighted{{Name: "s", Weight: 1, Work: func(ctx context.Context, env *scenario.Env) {
			if eng.State() == engine.StateRunning {
				sawRunning.Store(true)
			}
		}}},
		Setup: engine.SetupConfig{
			Probe: executor.ProbeFunc(func(context.Context) (bool, error) {
				sawSetup.Store(eng.State() == engine.StateSetup)
				return true, nil
			}),
		},
		Pause:        time.Millisecond,
		TickInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	result, err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.SetupAttempts)
	assert.True(t, sawSetup.Load())
	assert.True(t, sawRunning.Load())
	assert.Equal(t, engine.StateDone, eng.State())

	_, err = eng.Run(context.Background())
	assert.Error(t, err, "an engine runs once")
}

func TestEngine_AbortOnFail(t *testing.T) {
	expr := threshold.MustParse("errors", "rate<0.5")
	expr.AbortOnFail = true

	eng, err := engine.New(engine.Config{
		Stages: []executor.Stage{{Duration: 10 * time.Second, Target: 2}},
		Scenarios: []scenario.Weighted{{Name: "fail", Weight: 1, Work: func(ctx context.Context, env *scenario.Env) {
			env.Rate("errors", true)
		}}},
		Thresholds:        threshold.Set{"errors": {expr}},
		Metrics:           engine.MetricsConfig{Declare: map[string]metrics.Kind{"errors": metrics.KindRate}},
		Pause:             time.Millisecond,
		TickInterval:      5 * time.Millisecond,
		ThresholdInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	start := time.Now()
	result, err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, result.Aborted)
	assert.Contains(t, result.AbortReason, "errors")
	assert.False(t, result.Passed)
}

func TestEngine_ContextCancelled(t *testing.T) {
	eng, err := engine.New(engine.Config{
		Stages:    []executor.Stage{{Duration: 10 * time.Second, Target: 1}},
		Scenarios: []scenario.Weighted{{Name: "s", Weight: 1, Work: alwaysSucceeds}},
		Metrics:   engine.MetricsConfig{Declare: map[string]metrics.Kind{"success": metrics.KindRate}},
		Pause:     time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	result, err := eng.Run(ctx)
	require.NoError(t, err)
	assert.True(t, result.Aborted)
	assert.False(t, result.Passed)
}

func TestEngine_HTTPScenario(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"p-1"}`))
	}))
	defer srv.Close()

	client := transport.NewHTTPClient(transport.DefaultHTTPClientConfig())
	eng, err := engine.New(engine.Config{
		Stages:  []executor.Stage{{Duration: 100 * time.Millisecond, Target: 3}},
		BaseURL: srv.URL,
		Client:  client,
		Scenarios: []scenario.Weighted{{Name: "create", Weight: 1, Work: func(ctx context.Context, env *scenario.Env) {
			out := env.Request(ctx, &transport.Request{Method: http.MethodPost, URL: "/products"})
			env.Check("created", out.Status() == http.StatusCreated)
		}}},
		Thresholds: threshold.Set{
			metrics.HTTPReqFailed:   {threshold.MustParse(metrics.HTTPReqFailed, "rate<0.01")},
			metrics.HTTPReqDuration: {threshold.MustParse(metrics.HTTPReqDuration, "p(95)<500")},
			metrics.Checks:          {threshold.MustParse(metrics.Checks, "rate==1")},
		},
		Setup: engine.SetupConfig{
			Probe: &transport.HTTPProbe{Client: client, URL: srv.URL + "/health"},
			Retry: executor.RetryPolicy{MaxRetries: 2, RetryInterval: time.Millisecond},
		},
		Pause:        5 * time.Millisecond,
		TickInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	result, err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Passed, "%+v", result.Thresholds)

	reqs, _ := result.FinalSnapshot.Get(metrics.HTTPReqs)
	assert.Equal(t, int64(hits.Load()-1), reqs.Count)
}

type idleClosingClient struct {
	closed atomic.Int32
}

func (c *idleClosingClient) Do(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	return &transport.Response{Status: http.StatusOK}, nil
}

func (c *idleClosingClient) CloseIdleConnections() { c.closed.Add(1) }

func TestEngine_ClosesIdleConnections(t *testing.T) {
	tests := []struct {
		name  string
		ready executor.Probe
		fails bool
	}{
		{name: "completed run"},
		{
			name:  "setup timeout",
			ready: executor.ProbeFunc(func(context.Context) (bool, error) { return false, nil }),
			fails: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &idleClosingClient{}
			eng, err := engine.New(engine.Config{
				Stages: []executor.Stage{{Duration: 50 * time.Millisecond, Target: 1}},
				Client: client,
				Scenarios: []scenario.Weighted{{Name: "get", Weight: 1, Work: func(ctx context.Context, env *scenario.Env) {
					env.Request(ctx, &transport.Request{Method: http.MethodGet, URL: "http://app/"})
				}}},
				Setup: engine.SetupConfig{
					Probe: tt.ready,
					Retry: executor.RetryPolicy{MaxRetries: 1, RetryInterval: time.Millisecond},
				},
				Pause:        5 * time.Millisecond,
				TickInterval: 10 * time.Millisecond,
			})
			require.NoError(t, err)

			_, err = eng.Run(context.Background())
			assert.Equal(t, tt.fails, err != nil)
			assert.Equal(t, int32(1), client.closed.Load())
		})
	}
}

func TestNew_ConfigurationErrors(t *testing.T) {
	ok := []scenario.Weighted{{Name: "s", Weight: 1, Work: alwaysSucceeds}}
	stages := []executor.Stage{{Duration: time.Second, Target: 1}}

	tests := []struct {
		name string
		cfg  engine.Config
		want error
	}{
		{"no stages", engine.Config{Scenarios: ok}, executor.ErrNoStages},
		{"bad weights", engine.Config{Stages: stages, Scenarios: []scenario.Weighted{{Name: "s", Weight: 0.5, Work: alwaysSucceeds}}}, scenario.ErrInvalidWeights},
		{"unknown metric", engine.Config{Stages: stages, Scenarios: ok, Thresholds: threshold.Set{
			"nope": {threshold.MustParse("nope", "rate<1")},
		}}, threshold.ErrUnknownMetric},
		{"unknown statistic", engine.Config{Stages: stages, Scenarios: ok, Thresholds: threshold.Set{
			metrics.HTTPReqFailed: {threshold.MustParse(metrics.HTTPReqFailed, "p(95)<1")},
		}}, threshold.ErrUnknownStatistic},
		{"kind mismatch", engine.Config{Stages: stages, Scenarios: ok, Metrics: engine.MetricsConfig{
			Declare: map[string]metrics.Kind{metrics.HTTPReqFailed: metrics.KindTrend},
		}}, metrics.ErrKindMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.New(tt.cfg)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNew_ThresholdPercentilesAreComputed(t *testing.T) {
	eng, err := engine.New(engine.Config{
		Stages:    []executor.Stage{{Duration: time.Second, Target: 1}},
		Scenarios: []scenario.Weighted{{Name: "s", Weight: 1, Work: alwaysSucceeds}},
		Thresholds: threshold.Set{
			metrics.HTTPReqDuration: {threshold.MustParse(metrics.HTTPReqDuration, "p(99.9)<500")},
		},
	})
	require.NoError(t, err)
	assert.Contains(t, eng.Registry().Options().Percentiles, 99.9)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", engine.StateIdle.String())
	assert.Equal(t, "tearing-down", engine.StateTearingDown.String())
	assert.Equal(t, "unknown", engine.State(42).String())
}
