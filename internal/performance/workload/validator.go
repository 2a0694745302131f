package workload

import (
	"fmt"
	"maps"
	"math"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/wesleyorama2/stampede/internal/performance/metrics"
	"github.com/wesleyorama2/stampede/internal/performance/scenario"
	"github.com/wesleyorama2/stampede/internal/performance/threshold"
	"github.com/wesleyorama2/stampede/internal/performance/transport"
)

// ValidationError represents a workload validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are any errors.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// Fields returns the field paths that failed validation.
func (e *ValidationErrors) Fields() []string {
	fields := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		fields = append(fields, err.Field)
	}
	return fields
}

var validMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodHead:    true,
	http.MethodOptions: true,
}

// Validate validates the entire workload.
//
// Returns nil if valid, or a *ValidationErrors containing all problems.
func (w *Workload) Validate() error {
	errs := &ValidationErrors{}

	validateSettings(w, errs)
	validateExecution(&w.Execution, errs)
	validateSetup(w, errs)

	kinds := validateMetrics(&w.Metrics, errs)
	validateScenarios(w.Scenarios, kinds, errs)
	validateThresholds(w.Thresholds, kinds, errs)

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateSettings(w *Workload, errs *ValidationErrors) {
	if w.BaseURL != "" {
		if u, err := url.Parse(w.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs.Add("baseUrl", fmt.Sprintf("invalid URL: %s", w.BaseURL))
		}
	}
	if _, err := transport.ParseKind(w.Transport); err != nil {
		errs.Add("transport", err.Error())
	}
	if w.Timeout < 0 {
		errs.Add("timeout", "must not be negative")
	}
}

func validateExecution(e *ExecutionConfig, errs *ValidationErrors) {
	if len(e.Stages) == 0 {
		errs.Add("execution.stages", "at least one stage is required")
	}
	for i, st := range e.Stages {
		prefix := fmt.Sprintf("execution.stages[%d]", i)
		if st.Duration <= 0 {
			errs.Add(prefix+".duration", "must be positive")
		}
		if st.Target < 0 {
			errs.Add(prefix+".target", "must not be negative")
		}
	}
	if e.Tick < 0 {
		errs.Add("execution.tick", "must not be negative")
	}
	if e.GracefulStop < 0 {
		errs.Add("execution.gracefulStop", "must not be negative")
	}
}

func validateSetup(w *Workload, errs *ValidationErrors) {
	if w.Setup == nil || w.Setup.Readiness == nil {
		return
	}
	r := w.Setup.Readiness
	switch {
	case r.URL == "" && r.Path == "":
		errs.Add("setup.readiness", "path or url is required")
	case r.URL == "" && w.BaseURL == "":
		errs.Add("setup.readiness.path", "a relative path requires baseUrl")
	}
	if r.MaxRetries < 0 {
		errs.Add("setup.readiness.maxRetries", "must not be negative")
	}
	if r.RetryInterval < 0 {
		errs.Add("setup.readiness.retryInterval", "must not be negative")
	}
	if r.ExpectStatus != 0 && !validStatus(r.ExpectStatus) {
		errs.Add("setup.readiness.expectStatus", fmt.Sprintf("invalid status %d", r.ExpectStatus))
	}
}

// validateMetrics checks metric settings and returns the kinds of every
// metric known before the run: builtins and declarations.
func validateMetrics(m *MetricsConfig, errs *ValidationErrors) map[string]metrics.Kind {
	if _, err := metrics.ParseTrendMode(m.TrendMode); err != nil {
		errs.Add("metrics.trendMode", err.Error())
	}
	if _, err := threshold.ParseNoDataPolicy(m.NoData); err != nil {
		errs.Add("metrics.noData", err.Error())
	}
	for i, p := range m.Percentiles {
		if math.IsNaN(p) || p <= 0 || p > 100 {
			errs.Add(fmt.Sprintf("metrics.percentiles[%d]", i), fmt.Sprintf("percentile %v is outside (0, 100]", p))
		}
	}

	kinds := make(map[string]metrics.Kind, len(metrics.BuiltinKinds)+len(m.Declare))
	for name, kind := range metrics.BuiltinKinds {
		kinds[name] = kind
	}
	for i, d := range m.Declare {
		prefix := fmt.Sprintf("metrics.declare[%d]", i)
		if d.Name == "" {
			errs.Add(prefix+".name", "name is required")
			continue
		}
		kind, err := metrics.ParseKind(d.Kind)
		if err != nil {
			errs.Add(prefix+".kind", err.Error())
			continue
		}
		if prev, ok := kinds[d.Name]; ok && prev != kind {
			errs.Add(prefix+".kind", fmt.Sprintf("metric %q is already a %s", d.Name, prev))
			continue
		}
		kinds[d.Name] = kind
	}
	return kinds
}

// validateScenarios checks scenarios and registers step metrics in kinds.
func validateScenarios(scenarios []ScenarioConfig, kinds map[string]metrics.Kind, errs *ValidationErrors) {
	if len(scenarios) == 0 {
		errs.Add("scenarios", "at least one scenario is required")
		return
	}

	seen := make(map[string]bool)
	sum := 0.0
	for i, sc := range scenarios {
		prefix := fmt.Sprintf("scenarios[%d]", i)
		if sc.Name == "" {
			errs.Add(prefix+".name", "name is required")
		} else if seen[sc.Name] {
			errs.Add(prefix+".name", fmt.Sprintf("duplicate scenario %q", sc.Name))
		}
		seen[sc.Name] = true

		if math.IsNaN(sc.Weight) || math.IsInf(sc.Weight, 0) || sc.Weight < 0 {
			errs.Add(prefix+".weight", fmt.Sprintf("invalid weight %v", sc.Weight))
		} else {
			sum += sc.Weight
		}

		for _, name := range slices.Sorted(maps.Keys(sc.Set)) {
			field := prefix + ".set." + name
			if strings.TrimSpace(name) == "" {
				errs.Add(prefix+".set", "binding name is required")
				continue
			}
			if _, err := CompileTemplate(sc.Set[name]); err != nil {
				errs.Add(field, err.Error())
			}
		}

		if len(sc.Steps) == 0 {
			errs.Add(prefix+".steps", "at least one step is required")
		}
		for j := range sc.Steps {
			validateStep(fmt.Sprintf("%s.steps[%d]", prefix, j), &sc.Steps[j], kinds, errs)
		}
	}

	if math.Abs(sum-1) > scenario.WeightEpsilon {
		errs.Add("scenarios", fmt.Sprintf("weights sum to %v, want 1", sum))
	}
}

func validateStep(prefix string, st *StepConfig, kinds map[string]metrics.Kind, errs *ValidationErrors) {
	if st.Method != "" && !validMethods[strings.ToUpper(st.Method)] {
		errs.Add(prefix+".method", fmt.Sprintf("unsupported method %s", st.Method))
	}
	if st.URL == "" {
		errs.Add(prefix+".url", "url is required")
	}

	templates := map[string]string{prefix + ".url": st.URL, prefix + ".body": st.Body}
	for k, v := range st.Headers {
		templates[prefix+".headers."+k] = v
	}
	for field, src := range templates {
		if _, err := CompileTemplate(src); err != nil {
			errs.Add(field, err.Error())
		}
	}

	if st.Probability != nil && (*st.Probability < 0 || *st.Probability > 1 || math.IsNaN(*st.Probability)) {
		errs.Add(prefix+".probability", "must be between 0 and 1")
	}
	if st.Timeout < 0 {
		errs.Add(prefix+".timeout", "must not be negative")
	}
	for _, code := range st.ExpectStatus {
		if !validStatus(code) {
			errs.Add(prefix+".expectStatus", fmt.Sprintf("invalid status %d", code))
		}
	}

	registerStepMetric(prefix+".trend", st.Trend, metrics.KindTrend, kinds, errs)
	registerStepMetric(prefix+".failureRate", st.FailureRate, metrics.KindRate, kinds, errs)

	for i, c := range st.Checks {
		field := fmt.Sprintf("%s.checks[%d]", prefix, i)
		if c.Exists != nil && !*c.Exists && c.Equals != nil {
			errs.Add(field, "equals contradicts exists: false")
			continue
		}
		if _, err := compileCheck(c); err != nil {
			errs.Add(field, err.Error())
		}
	}

	for i, ex := range st.Extract {
		field := fmt.Sprintf("%s.extract[%d]", prefix, i)
		if ex.Name == "" {
			errs.Add(field+".name", "name is required")
		}
		if (ex.JSONPath == "") == (ex.Header == "") {
			errs.Add(field, "exactly one of jsonPath or header is required")
		}
	}
}

// Warnings reports template variables that nothing defines: not the
// workload's variables, not baseUrl, not a binding of the same scenario and
// not extracted by any step. Steps using them are always skipped. Templates
// that fail to compile are left to Validate.
func (w *Workload) Warnings() []*ValidationError {
	defined := map[string]bool{"baseUrl": true}
	for name := range w.Variables {
		defined[name] = true
	}
	// Extracted values live in the VU scope and reach every scenario.
	for _, sc := range w.Scenarios {
		for _, st := range sc.Steps {
			for _, ex := range st.Extract {
				defined[ex.Name] = true
			}
		}
	}

	var warnings []*ValidationError
	undefined := func(field, src string, known func(string) bool) {
		tmpl, err := CompileTemplate(src)
		if err != nil {
			return
		}
		for _, name := range tmpl.Vars() {
			if !known(name) {
				warnings = append(warnings, &ValidationError{
					Field:   field,
					Message: fmt.Sprintf("variable %q is never defined", name),
				})
			}
		}
	}

	for i, sc := range w.Scenarios {
		prefix := fmt.Sprintf("scenarios[%d]", i)
		names := slices.Sorted(maps.Keys(sc.Set))

		// A binding sees the bindings rendered before it.
		for j, name := range names {
			earlier := names[:j]
			undefined(prefix+".set."+name, sc.Set[name], func(v string) bool {
				return defined[v] || slices.Contains(earlier, v)
			})
		}

		known := func(v string) bool { return defined[v] || slices.Contains(names, v) }
		for j, st := range sc.Steps {
			stepPrefix := fmt.Sprintf("%s.steps[%d]", prefix, j)
			undefined(stepPrefix+".url", st.URL, known)
			undefined(stepPrefix+".body", st.Body, known)
			for _, k := range slices.Sorted(maps.Keys(st.Headers)) {
				undefined(stepPrefix+".headers."+k, st.Headers[k], known)
			}
		}
	}
	for _, k := range slices.Sorted(maps.Keys(w.Headers)) {
		undefined("headers."+k, w.Headers[k], func(v string) bool { return defined[v] })
	}
	return warnings
}

func registerStepMetric(field, name string, kind metrics.Kind, kinds map[string]metrics.Kind, errs *ValidationErrors) {
	if name == "" {
		return
	}
	if prev, ok := kinds[name]; ok && prev != kind {
		errs.Add(field, fmt.Sprintf("metric %q is a %s, not a %s", name, prev, kind))
		return
	}
	kinds[name] = kind
}

func validateThresholds(thresholds map[string][]ThresholdEntry, kinds map[string]metrics.Kind, errs *ValidationErrors) {
	set, parseErrs := thresholdSet(thresholds)
	for _, e := range parseErrs {
		errs.Add(e.Field, e.Message)
	}

	ev := threshold.NewEvaluator(threshold.Config{Percentiles: set.Percentiles()})
	for _, metric := range set.Metrics() {
		if err := ev.Validate(threshold.Set{metric: set[metric]}, kinds); err != nil {
			errs.Add("thresholds."+metric, err.Error())
		}
	}
}

// thresholdSet parses every threshold entry.
func thresholdSet(thresholds map[string][]ThresholdEntry) (threshold.Set, []*ValidationError) {
	set := make(threshold.Set, len(thresholds))
	var bad []*ValidationError
	for metric, entries := range thresholds {
		for i, entry := range entries {
			expr, err := threshold.Parse(metric, entry.Expression)
			if err != nil {
				bad = append(bad, &ValidationError{
					Field:   fmt.Sprintf("thresholds.%s[%d]", metric, i),
					Message: err.Error(),
				})
				continue
			}
			expr.AbortOnFail = entry.AbortOnFail
			set[metric] = append(set[metric], expr)
		}
	}
	return set, bad
}

func validStatus(code int) bool {
	return code >= 100 && code <= 599
}
