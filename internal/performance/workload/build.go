package workload

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/stampede/internal/performance/engine"
	"github.com/wesleyorama2/stampede/internal/performance/executor"
	"github.com/wesleyorama2/stampede/internal/performance/metrics"
	"github.com/wesleyorama2/stampede/internal/performance/scenario"
	"github.com/wesleyorama2/stampede/internal/performance/threshold"
	"github.com/wesleyorama2/stampede/internal/performance/transport"
	"github.com/wesleyorama2/stampede/pkg/jsonpath"
)

// BuildOptions adjusts how a workload is compiled.
type BuildOptions struct {
	Logger *zap.Logger

	// Client replaces the requester selected by the workload's transport.
	Client transport.Requester
}

// Build validates the workload and compiles it into an engine
// configuration.
func (w *Workload) Build(opts BuildOptions) (engine.Config, error) {
	if err := w.Validate(); err != nil {
		return engine.Config{}, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := opts.Client
	if client == nil {
		kind, _ := transport.ParseKind(w.Transport)
		httpCfg := transport.DefaultHTTPClientConfig()
		httpCfg.Timeout = w.Timeout.GetDuration(httpCfg.Timeout)
		httpCfg.InsecureSkipVerify = w.InsecureSkipVerify

		var err error
		if client, err = transport.New(kind, httpCfg); err != nil {
			return engine.Config{}, err
		}
	}

	cfg := engine.Config{
		Name:              w.Name,
		BaseURL:           w.BaseURL,
		Client:            client,
		Pause:             time.Duration(w.Execution.Pause),
		TickInterval:      time.Duration(w.Execution.Tick),
		GracefulStop:      time.Duration(w.Execution.GracefulStop),
		Seed:              w.Execution.Seed,
		ThresholdInterval: time.Duration(w.Execution.ThresholdInterval),
		Logger:            logger,
	}

	for _, st := range w.Execution.Stages {
		cfg.Stages = append(cfg.Stages, executor.Stage{
			Duration: time.Duration(st.Duration),
			Target:   st.Target,
			Name:     st.Name,
		})
	}

	if r := w.readiness(); r != nil {
		cfg.Setup = engine.SetupConfig{
			Probe: &transport.HTTPProbe{Client: client, URL: w.readinessURL(), ExpectStatus: r.ExpectStatus},
			Retry: executor.RetryPolicy{
				MaxRetries:    r.MaxRetries,
				RetryInterval: time.Duration(r.RetryInterval),
			},
		}
	}

	metricsCfg, err := w.metricsConfig()
	if err != nil {
		return engine.Config{}, err
	}
	cfg.Metrics = metricsCfg

	set, bad := thresholdSet(w.Thresholds)
	if len(bad) > 0 {
		return engine.Config{}, &ValidationErrors{Errors: bad}
	}
	cfg.Thresholds = set

	for _, sc := range w.Scenarios {
		compiled, err := w.compileScenario(sc, logger)
		if err != nil {
			return engine.Config{}, fmt.Errorf("scenario %s: %w", sc.Name, err)
		}
		cfg.Scenarios = append(cfg.Scenarios, scenario.Weighted{
			Name:   sc.Name,
			Weight: sc.Weight,
			Work:   compiled.run,
		})
	}

	return cfg, nil
}

func (w *Workload) readiness() *ReadinessConfig {
	if w.Setup == nil {
		return nil
	}
	return w.Setup.Readiness
}

func (w *Workload) readinessURL() string {
	r := w.readiness()
	if r.URL != "" {
		return r.URL
	}
	return strings.TrimSuffix(w.BaseURL, "/") + "/" + strings.TrimPrefix(r.Path, "/")
}

func (w *Workload) metricsConfig() (engine.MetricsConfig, error) {
	mode, err := metrics.ParseTrendMode(w.Metrics.TrendMode)
	if err != nil {
		return engine.MetricsConfig{}, err
	}
	noData, err := threshold.ParseNoDataPolicy(w.Metrics.NoData)
	if err != nil {
		return engine.MetricsConfig{}, err
	}

	declare := make(map[string]metrics.Kind)
	for _, d := range w.Metrics.Declare {
		kind, err := metrics.ParseKind(d.Kind)
		if err != nil {
			return engine.MetricsConfig{}, err
		}
		declare[d.Name] = kind
	}
	for _, sc := range w.Scenarios {
		for _, st := range sc.Steps {
			if st.Trend != "" {
				declare[st.Trend] = metrics.KindTrend
			}
			if st.FailureRate != "" {
				declare[st.FailureRate] = metrics.KindRate
			}
		}
	}

	return engine.MetricsConfig{
		TrendMode:   mode,
		Percentiles: w.Metrics.Percentiles,
		NoData:      noData,
		Declare:     declare,
	}, nil
}

// compiledScenario runs its steps in order.
type compiledScenario struct {
	name      string
	bindings  []binding
	steps     []*compiledStep
	variables map[string]string
	baseURL   string
	logger    *zap.Logger
}

type binding struct {
	name  string
	value *Template
}

type compiledStep struct {
	name        string
	method      string
	url         *Template
	body        *Template
	headers     map[string]*Template
	timeout     time.Duration
	probability float64

	expectStatus []int
	trend        string
	failureRate  string
	checks       []*check
	extract      []ExtractConfig
}

func (w *Workload) compileScenario(sc ScenarioConfig, logger *zap.Logger) (*compiledScenario, error) {
	out := &compiledScenario{
		name:      sc.Name,
		variables: w.Variables,
		baseURL:   w.BaseURL,
		logger:    logger.With(zap.String("scenario", sc.Name)),
	}

	for _, name := range slices.Sorted(maps.Keys(sc.Set)) {
		tmpl, err := CompileTemplate(sc.Set[name])
		if err != nil {
			return nil, fmt.Errorf("set %s: %w", name, err)
		}
		out.bindings = append(out.bindings, binding{name: name, value: tmpl})
	}

	for i, st := range sc.Steps {
		step, err := w.compileStep(st)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		out.steps = append(out.steps, step)
	}
	return out, nil
}

func (w *Workload) compileStep(st StepConfig) (*compiledStep, error) {
	method := strings.ToUpper(st.Method)
	if method == "" {
		method = http.MethodGet
	}

	step := &compiledStep{
		name:         st.Name,
		method:       method,
		timeout:      time.Duration(st.Timeout),
		probability:  1,
		expectStatus: st.ExpectStatus,
		trend:        st.Trend,
		failureRate:  st.FailureRate,
		extract:      st.Extract,
		headers:      make(map[string]*Template),
	}
	if step.name == "" {
		step.name = method + " " + st.URL
	}
	if st.Probability != nil {
		step.probability = *st.Probability
	}

	var err error
	if step.url, err = CompileTemplate(st.URL); err != nil {
		return nil, err
	}
	if step.body, err = CompileTemplate(st.Body); err != nil {
		return nil, err
	}

	headers := maps.Clone(w.Headers)
	if headers == nil {
		headers = make(map[string]string)
	}
	maps.Copy(headers, st.Headers)
	for k, v := range headers {
		if step.headers[k], err = CompileTemplate(v); err != nil {
			return nil, err
		}
	}

	for _, c := range st.Checks {
		compiled, err := compileCheck(c)
		if err != nil {
			return nil, err
		}
		step.checks = append(step.checks, compiled)
	}
	return step, nil
}

// run is the scenario's work function.
func (s *compiledScenario) run(ctx context.Context, env *scenario.Env) {
	var bound map[string]string
	scope := Scope{
		Lookup: func(name string) (string, bool) {
			if v, ok := bound[name]; ok {
				return v, true
			}
			return s.lookup(env, name)
		},
		Rand: env.Rand,
	}

	if len(s.bindings) > 0 {
		bound = make(map[string]string, len(s.bindings))
		for _, b := range s.bindings {
			v, err := b.value.Render(scope)
			if err != nil {
				// Steps using the name are skipped as missing.
				s.logger.Debug("binding skipped", zap.String("name", b.name), zap.Error(err))
				continue
			}
			bound[b.name] = v
		}
	}

	for _, step := range s.steps {
		if ctx.Err() != nil {
			return
		}
		if step.probability < 1 && scope.rand().Float64() >= step.probability {
			continue
		}
		s.runStep(ctx, env, scope, step)
	}
}

// lookup resolves a template variable: VU variables first, then workload
// variables, then baseUrl.
func (s *compiledScenario) lookup(env *scenario.Env, name string) (string, bool) {
	if v, ok := env.Var(name); ok {
		return fmt.Sprint(v), true
	}
	if v, ok := s.variables[name]; ok {
		return v, true
	}
	if name == "baseUrl" && s.baseURL != "" {
		return s.baseURL, true
	}
	return "", false
}

func (s *compiledScenario) runStep(ctx context.Context, env *scenario.Env, scope Scope, step *compiledStep) {
	req, err := step.render(scope)
	if err != nil {
		if errors.Is(err, ErrMissingVariable) {
			s.logger.Debug("step skipped", zap.String("step", step.name), zap.Error(err))
			return
		}
		s.logger.Error("step failed to render", zap.String("step", step.name), zap.Error(err))
		return
	}

	out := env.Request(ctx, req, step.expectStatus...)

	if step.trend != "" {
		env.Trend(step.trend, float64(out.Duration)/float64(time.Millisecond))
	}

	passed := true
	for _, c := range step.checks {
		if !env.Check(c.name, c.eval(out)) {
			passed = false
		}
	}

	if step.failureRate != "" {
		failed := !passed
		if len(step.checks) == 0 {
			failed = out.Failed
		}
		env.Rate(step.failureRate, failed)
	}

	for _, ex := range step.extract {
		value, ok := "", false
		if passed && out.Response != nil {
			value, ok = extractValue(out, ex)
		}
		if ok {
			env.SetVar(ex.Name, value)
		} else {
			env.ClearVar(ex.Name)
		}
	}
}

func (step *compiledStep) render(scope Scope) (*transport.Request, error) {
	url, err := step.url.Render(scope)
	if err != nil {
		return nil, err
	}
	body, err := step.body.Render(scope)
	if err != nil {
		return nil, err
	}

	req := &transport.Request{
		Method:  step.method,
		URL:     url,
		Timeout: step.timeout,
	}
	if body != "" {
		req.Body = []byte(body)
	}
	if len(step.headers) > 0 {
		req.Header = make(map[string]string, len(step.headers))
		for k, t := range step.headers {
			v, err := t.Render(scope)
			if err != nil {
				return nil, err
			}
			req.Header[k] = v
		}
	}
	return req, nil
}

func extractValue(out *scenario.Outcome, ex ExtractConfig) (string, bool) {
	if ex.Header != "" {
		v := out.Response.Header.Get(ex.Header)
		return v, v != ""
	}
	v, err := jsonpath.Extract(out.Body(), ex.JSONPath)
	return v, err == nil
}
