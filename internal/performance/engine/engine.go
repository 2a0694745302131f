// Package engine runs a load test: it waits for the target to become ready,
// drives the ramping VU schedule through the scenario router and produces a
// final metrics snapshot with a threshold verdict.
//
// Example usage:
//
//	eng, _ := engine.New(engine.Config{
//		Stages:     []executor.Stage{{Duration: 10 * time.Second, Target: 20}, {Duration: 5 * time.Second, Target: 0}},
//		Scenarios:  []scenario.Weighted{{Name: "browse", Weight: 1, Work: browse}},
//		Thresholds: threshold.Set{"http_req_failed": {threshold.MustParse("http_req_failed", "rate<0.05")}},
//	})
//	result, _ := eng.Run(context.Background())
//	fmt.Printf("Test passed: %v\n", result.Passed)
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wesleyorama2/stampede/internal/performance/executor"
	"github.com/wesleyorama2/stampede/internal/performance/metrics"
	"github.com/wesleyorama2/stampede/internal/performance/scenario"
	"github.com/wesleyorama2/stampede/internal/performance/threshold"
	"github.com/wesleyorama2/stampede/internal/performance/transport"
)

// DefaultThresholdInterval is how often thresholds are checked during the
// run when any of them can abort it.
const DefaultThresholdInterval = 2 * time.Second

// SetupConfig configures the readiness phase.
type SetupConfig struct {
	// Probe is polled until ready; nil skips setup.
	Probe executor.Probe

	Retry executor.RetryPolicy
}

// MetricsConfig configures the run's registry and threshold evaluation.
type MetricsConfig struct {
	TrendMode   metrics.TrendMode
	Percentiles []float64
	NoData      threshold.NoDataPolicy

	// Declare registers custom metrics before the run so thresholds on them
	// can be validated up front.
	Declare map[string]metrics.Kind
}

// Config describes one run.
type Config struct {
	Name string

	Stages     []executor.Stage
	Scenarios  []scenario.Weighted
	Thresholds threshold.Set

	BaseURL string

	// Client used by scenarios; defaults to a pooled net/http client.
	Client transport.Requester

	Setup   SetupConfig
	Metrics MetricsConfig

	Pause        time.Duration
	TickInterval time.Duration
	GracefulStop time.Duration
	Seed         uint64

	// ThresholdInterval enables live threshold evaluation. Zero means
	// DefaultThresholdInterval when any expression has AbortOnFail, and no
	// live evaluation otherwise. Negative disables it.
	ThresholdInterval time.Duration

	Logger *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Client == nil {
		c.Client = transport.NewHTTPClient(transport.DefaultHTTPClientConfig())
	}
	if c.ThresholdInterval == 0 && hasAbortOnFail(c.Thresholds) {
		c.ThresholdInterval = DefaultThresholdInterval
	}
	return c
}

// Result is the outcome of a completed run.
type Result struct {
	RunID     string        `json:"runId"`
	Name      string        `json:"name,omitempty"`
	StartTime time.Time     `json:"startTime"`
	EndTime   time.Time     `json:"endTime"`
	Duration  time.Duration `json:"duration"`

	SetupAttempts int `json:"setupAttempts"`

	Iterations      int64            `json:"iterations"`
	IterationPanics int64            `json:"iterationPanics,omitempty"`
	Scenarios       map[string]int64 `json:"scenarios"`

	FinalSnapshot *metrics.Snapshot  `json:"metrics"`
	Thresholds    []threshold.Result `json:"thresholds,omitempty"`
	Passed        bool               `json:"passed"`

	Aborted     bool   `json:"aborted,omitempty"`
	AbortReason string `json:"abortReason,omitempty"`
}

// Engine runs a single test. It is not reusable.
type Engine struct {
	config    Config
	logger    *zap.Logger
	runID     string
	registry  *metrics.Registry
	router    *scenario.Router
	evaluator *threshold.Evaluator
	exec      *executor.RampingVUs

	state atomic.Int32

	abortMu     sync.Mutex
	aborted     bool
	abortReason string
}

// New validates cfg and prepares a run. Every configuration error is
// reported here, before anything starts.
func New(cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()

	if err := executor.ValidateStages(cfg.Stages); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	router, err := scenario.NewRouter(cfg.Scenarios)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	percentiles := append([]float64(nil), cfg.Metrics.Percentiles...)
	if len(percentiles) == 0 {
		percentiles = append(percentiles, metrics.DefaultPercentiles...)
	}
	percentiles = append(percentiles, cfg.Thresholds.Percentiles()...)

	registry := metrics.NewRegistryWithOptions(metrics.Options{
		TrendMode:   cfg.Metrics.TrendMode,
		Percentiles: percentiles,
	})
	if err := registry.Declare(metrics.BuiltinKinds); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := registry.Declare(cfg.Metrics.Declare); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	evaluator := threshold.NewEvaluator(threshold.Config{
		Percentiles: registry.Options().Percentiles,
		NoData:      cfg.Metrics.NoData,
	})
	if err := evaluator.Validate(cfg.Thresholds, registry.Kinds()); err != nil {
		return nil, fmt.Errorf("invalid thresholds: %w", err)
	}

	e := &Engine{
		config:    cfg,
		logger:    cfg.Logger,
		runID:     uuid.NewString(),
		registry:  registry,
		router:    router,
		evaluator: evaluator,
	}

	e.exec, err = executor.NewRampingVUs(executor.Config{
		Stages:        cfg.Stages,
		Pause:         cfg.Pause,
		TickInterval:  cfg.TickInterval,
		GracefulStop:  cfg.GracefulStop,
		Seed:          cfg.Seed,
		Logger:        cfg.Logger.Named("executor"),
		OnScheduleEnd: func() { e.setState(StateTearingDown) },
	}, e.iterate)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return e, nil
}

// Run executes the test. It returns a fatal error (setup timeout, or a
// second call) or a complete Result; threshold failures are reported in
// the Result, not as an error.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if !e.state.CompareAndSwap(int32(StateIdle), int32(StateSetup)) {
		return nil, fmt.Errorf("engine already started")
	}
	defer e.closeIdleConnections()

	logger := e.logger.With(zap.String("runId", e.runID))
	logger.Info("setup started")

	startTime := time.Now()
	attempts, err := executor.WaitReady(ctx, e.config.Setup.Probe, e.config.Setup.Retry, logger.Named("setup"))
	if err != nil {
		e.setState(StateDone)
		logger.Error("setup failed", zap.Int("attempts", attempts), zap.Error(err))
		return nil, err
	}

	e.setState(StateRunning)
	logger.Info("running",
		zap.Duration("duration", executor.TotalDuration(e.config.Stages)),
		zap.Int("scenarios", e.router.Len()))

	liveCtx, stopLive := context.WithCancel(ctx)
	liveDone := make(chan struct{})
	go func() {
		defer close(liveDone)
		e.evaluateLive(liveCtx, logger)
	}()

	runErr := e.exec.Run(ctx)
	stopLive()
	<-liveDone
	if runErr != nil {
		e.setState(StateDone)
		return nil, runErr
	}

	if ctx.Err() != nil {
		e.abort(fmt.Sprintf("interrupted: %v", ctx.Err()))
	}

	// TearingDown is entered by the executor when the schedule ends; this
	// covers an abort that ended it first.
	e.setState(StateTearingDown)

	snapshot := e.registry.SnapshotAll()
	verdict, err := e.evaluator.Evaluate(snapshot, e.config.Thresholds)
	if err != nil {
		e.setState(StateDone)
		return nil, fmt.Errorf("failed to evaluate thresholds: %w", err)
	}

	for _, r := range verdict.Breached() {
		logger.Warn("threshold breached",
			zap.String("metric", r.Metric),
			zap.String("expression", r.Expression),
			zap.String("status", string(r.Status)),
			zap.Float64("actual", r.Actual))
	}

	stats := e.exec.Stats()
	endTime := time.Now()

	e.abortMu.Lock()
	aborted, reason := e.aborted, e.abortReason
	e.abortMu.Unlock()

	result := &Result{
		RunID:           e.runID,
		Name:            e.config.Name,
		StartTime:       startTime,
		EndTime:         endTime,
		Duration:        endTime.Sub(startTime),
		SetupAttempts:   attempts,
		Iterations:      stats.Iterations,
		IterationPanics: stats.IterationPanics,
		Scenarios:       e.router.Picks(),
		FinalSnapshot:   snapshot,
		Thresholds:      verdict.Results,
		Passed:          verdict.Passed && !aborted,
		Aborted:         aborted,
		AbortReason:     reason,
	}

	e.setState(StateDone)
	logger.Info("done",
		zap.Bool("passed", result.Passed),
		zap.Int64("iterations", result.Iterations),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// closeIdleConnections releases keep-alive connections held by the client
// once no VU or probe can use them.
func (e *Engine) closeIdleConnections() {
	if c, ok := e.config.Client.(transport.IdleCloser); ok {
		c.CloseIdleConnections()
	}
}

// iterate runs one scenario for vu and records its duration.
func (e *Engine) iterate(ctx context.Context, vu *executor.VirtualUser) {
	env := &scenario.Env{
		Rand:    vu.Rand(),
		Vars:    vu,
		Metrics: e.registry,
		Client:  e.config.Client,
		BaseURL: e.config.BaseURL,
		Logger:  e.logger,
	}

	start := time.Now()
	e.router.Run(ctx, env)
	env.Trend(metrics.IterationDuration, float64(time.Since(start))/float64(time.Millisecond))
}

// evaluateLive checks thresholds periodically and stops the schedule when
// an abortOnFail expression fails.
func (e *Engine) evaluateLive(ctx context.Context, logger *zap.Logger) {
	if e.config.ThresholdInterval <= 0 || len(e.config.Thresholds) == 0 {
		return
	}

	ticker := time.NewTicker(e.config.ThresholdInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		verdict, err := e.evaluator.Evaluate(e.registry.SnapshotAll(), e.config.Thresholds)
		if err != nil {
			logger.Error("live threshold evaluation failed", zap.Error(err))
			return
		}
		if !verdict.ShouldAbort() {
			continue
		}

		for _, r := range verdict.Breached() {
			if r.Abort && r.Status == threshold.StatusFailed {
				e.abort(fmt.Sprintf("threshold %s: %s crossed", r.Metric, r.Expression))
				logger.Warn("aborting run on threshold breach",
					zap.String("metric", r.Metric),
					zap.String("expression", r.Expression),
					zap.Float64("actual", r.Actual))
				break
			}
		}
		e.exec.Stop()
		return
	}
}

func (e *Engine) abort(reason string) {
	e.abortMu.Lock()
	defer e.abortMu.Unlock()
	if e.aborted {
		return
	}
	e.aborted = true
	e.abortReason = reason
}

func (e *Engine) setState(s State) {
	prev := State(e.state.Swap(int32(s)))
	if prev != s {
		e.logger.Debug("state changed", zap.Stringer("from", prev), zap.Stringer("to", s))
	}
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// RunID identifies this run.
func (e *Engine) RunID() string {
	return e.runID
}

// Registry returns the run's metrics registry.
func (e *Engine) Registry() *metrics.Registry {
	return e.registry
}

// Stats returns live executor statistics.
func (e *Engine) Stats() *executor.Stats {
	return e.exec.Stats()
}

func hasAbortOnFail(set threshold.Set) bool {
	for _, exprs := range set {
		for _, expr := range exprs {
			if expr.AbortOnFail {
				return true
			}
		}
	}
	return false
}
