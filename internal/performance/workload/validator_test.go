package workload

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func minimalWorkload() *Workload {
	return &Workload{
		Name:    "minimal",
		BaseURL: "http://localhost:8080",
		Execution: ExecutionConfig{
			Stages: []StageConfig{{Duration: Duration(time.Second), Target: 1}},
		},
		Scenarios: []ScenarioConfig{{
			Name:   "browse",
			Weight: 1,
			Steps:  []StepConfig{{URL: "/items"}},
		}},
	}
}

func validationFields(t *testing.T, w *Workload) []string {
	t.Helper()
	err := w.Validate()
	if err == nil {
		return nil
	}
	var verrs *ValidationErrors
	require.ErrorAs(t, err, &verrs)
	return verrs.Fields()
}

func TestValidate_MinimalValid(t *testing.T) {
	assert.NoError(t, minimalWorkload().Validate())
}

func TestValidate_Problems(t *testing.T) {
	f := 1.5

	tests := []struct {
		name   string
		mutate func(w *Workload)
		field  string
	}{
		{"bad base url", func(w *Workload) { w.BaseURL = "not a url" }, "baseUrl"},
		{"bad transport", func(w *Workload) { w.Transport = "grpc" }, "transport"},
		{"no stages", func(w *Workload) { w.Execution.Stages = nil }, "execution.stages"},
		{"zero duration", func(w *Workload) { w.Execution.Stages[0].Duration = 0 }, "execution.stages[0].duration"},
		{"negative target", func(w *Workload) { w.Execution.Stages[0].Target = -1 }, "execution.stages[0].target"},
		{"readiness without target", func(w *Workload) { w.Setup = &SetupConfig{Readiness: &ReadinessConfig{}} }, "setup.readiness"},
		{"readiness path without base", func(w *Workload) {
			w.BaseURL = ""
			w.Setup = &SetupConfig{Readiness: &ReadinessConfig{Path: "/health"}}
		}, "setup.readiness.path"},
		{"bad trend mode", func(w *Workload) { w.Metrics.TrendMode = "sampled" }, "metrics.trendMode"},
		{"bad no-data policy", func(w *Workload) { w.Metrics.NoData = "fail" }, "metrics.noData"},
		{"bad percentile", func(w *Workload) { w.Metrics.Percentiles = []float64{0} }, "metrics.percentiles[0]"},
		{"bad kind", func(w *Workload) { w.Metrics.Declare = []MetricDeclaration{{Name: "x", Kind: "gauge"}} }, "metrics.declare[0].kind"},
		{"builtin redeclared", func(w *Workload) {
			w.Metrics.Declare = []MetricDeclaration{{Name: "http_req_failed", Kind: "trend"}}
		}, "metrics.declare[0].kind"},
		{"no scenarios", func(w *Workload) { w.Scenarios = nil }, "scenarios"},
		{"weights", func(w *Workload) { w.Scenarios[0].Weight = 0.5 }, "scenarios"},
		{"negative weight", func(w *Workload) { w.Scenarios[0].Weight = -1 }, "scenarios[0].weight"},
		{"duplicate scenario", func(w *Workload) {
			w.Scenarios[0].Weight = 0.5
			w.Scenarios = append(w.Scenarios, ScenarioConfig{Name: "browse", Weight: 0.5, Steps: []StepConfig{{URL: "/"}}})
		}, "scenarios[1].name"},
		{"no steps", func(w *Workload) { w.Scenarios[0].Steps = nil }, "scenarios[0].steps"},
		{"bad method", func(w *Workload) { w.Scenarios[0].Steps[0].Method = "FETCH" }, "scenarios[0].steps[0].method"},
		{"no url", func(w *Workload) { w.Scenarios[0].Steps[0].URL = "" }, "scenarios[0].steps[0].url"},
		{"bad template", func(w *Workload) { w.Scenarios[0].Steps[0].URL = "/{{randInt 5 1}}" }, "scenarios[0].steps[0].url"},
		{"bad header template", func(w *Workload) {
			w.Scenarios[0].Steps[0].Headers = map[string]string{"X-Id": "{{pick}}"}
		}, "scenarios[0].steps[0].headers.X-Id"},
		{"bad binding", func(w *Workload) {
			w.Scenarios[0].Set = map[string]string{"productId": "{{randInt 50 1}}"}
		}, "scenarios[0].set.productId"},
		{"unnamed binding", func(w *Workload) { w.Scenarios[0].Set = map[string]string{"": "1"} }, "scenarios[0].set"},
		{"bad probability", func(w *Workload) { w.Scenarios[0].Steps[0].Probability = &f }, "scenarios[0].steps[0].probability"},
		{"bad expect status", func(w *Workload) { w.Scenarios[0].Steps[0].ExpectStatus = []int{42} }, "scenarios[0].steps[0].expectStatus"},
		{"empty check", func(w *Workload) { w.Scenarios[0].Steps[0].Checks = []CheckConfig{{Name: "nothing"}} }, "scenarios[0].steps[0].checks[0]"},
		{"contradicting check", func(w *Workload) {
			w.Scenarios[0].Steps[0].Checks = []CheckConfig{{JSONPath: "id", Exists: boolPtr(false), Equals: "x"}}
		}, "scenarios[0].steps[0].checks[0]"},
		{"extract without source", func(w *Workload) {
			w.Scenarios[0].Steps[0].Extract = []ExtractConfig{{Name: "id"}}
		}, "scenarios[0].steps[0].extract[0]"},
		{"extract without name", func(w *Workload) {
			w.Scenarios[0].Steps[0].Extract = []ExtractConfig{{JSONPath: "id"}}
		}, "scenarios[0].steps[0].extract[0].name"},
		{"step metric kind conflict", func(w *Workload) { w.Scenarios[0].Steps[0].Trend = "checks" }, "scenarios[0].steps[0].trend"},
		{"bad threshold", func(w *Workload) {
			w.Thresholds = map[string][]ThresholdEntry{"http_req_duration": {{Expression: "p95 about 500"}}}
		}, "thresholds.http_req_duration[0]"},
		{"unknown metric", func(w *Workload) {
			w.Thresholds = map[string][]ThresholdEntry{"errors": {{Expression: "rate<0.1"}}}
		}, "thresholds.errors"},
		{"unknown statistic", func(w *Workload) {
			w.Thresholds = map[string][]ThresholdEntry{"http_req_failed": {{Expression: "p(95)<0.1"}}}
		}, "thresholds.http_req_failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := minimalWorkload()
			tt.mutate(w)
			assert.Contains(t, validationFields(t, w), tt.field)
		})
	}
}

func TestValidate_StepMetricsAreKnownToThresholds(t *testing.T) {
	w := minimalWorkload()
	w.Scenarios[0].Steps[0].Trend = "browse_duration"
	w.Scenarios[0].Steps[0].FailureRate = "errors"
	w.Thresholds = map[string][]ThresholdEntry{
		"browse_duration": {{Expression: "p(99)<300"}},
		"errors":          {{Expression: "rate<0.05", AbortOnFail: true}},
	}
	assert.NoError(t, w.Validate())
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	w := minimalWorkload()
	w.Transport = "carrier-pigeon"
	w.Execution.Stages = nil
	w.Scenarios[0].Weight = 2

	err := w.Validate()
	require.Error(t, err)

	var verrs *ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Len(t, verrs.Errors, 3)
	assert.True(t, strings.HasPrefix(err.Error(), "3 validation errors:"))
}

func TestWorkload_Warnings(t *testing.T) {
	w := minimalWorkload()
	w.Variables = map[string]string{"queryDate": "2025-06-15"}
	w.Headers = map[string]string{"X-Trace": "{{traceId}}"}
	w.Scenarios[0].Weight = 0.5
	w.Scenarios[0].Steps[0].Extract = []ExtractConfig{{Name: "itemId", JSONPath: "id"}}
	w.Scenarios = append(w.Scenarios, ScenarioConfig{
		Name:   "prices",
		Weight: 0.5,
		Set: map[string]string{
			"productId": "{{randInt 1 50}}",
			"url":       "{{baseUrl}}/products/{{productId}}",
			"currency":  "{{productCurrency}}",
		},
		Steps: []StepConfig{
			{URL: "{{url}}/prices?date={{queryDate}}", Body: "{{itemId}}"},
			{URL: "/prices/{{priceId}}", Headers: map[string]string{"X-Currency": "{{currency}}"}},
		},
	})
	require.NoError(t, w.Validate(), "undefined variables do not fail validation")

	var got []string
	for _, warning := range w.Warnings() {
		got = append(got, warning.Field+": "+warning.Message)
	}
	assert.ElementsMatch(t, []string{
		`scenarios[1].set.currency: variable "productCurrency" is never defined`,
		`scenarios[1].steps[1].url: variable "priceId" is never defined`,
		`headers.X-Trace: variable "traceId" is never defined`,
	}, got)
}

func TestWorkload_WarningsBindingOrder(t *testing.T) {
	w := minimalWorkload()
	w.Scenarios[0].Set = map[string]string{
		"a": "{{b}}",
		"b": "{{randInt 1 2}}",
	}
	w.Scenarios[0].Steps[0].URL = "/items/{{a}}/{{b}}"

	warnings := w.Warnings()
	require.Len(t, warnings, 1, "a is rendered before b")
	assert.Equal(t, "scenarios[0].set.a", warnings[0].Field)
}

func TestValidationError_Single(t *testing.T) {
	errs := &ValidationErrors{}
	assert.False(t, errs.HasErrors())
	assert.Equal(t, "no validation errors", errs.Error())

	errs.Add("transport", "unknown transport")
	assert.True(t, errs.HasErrors())
	assert.Equal(t, "validation error on field 'transport': unknown transport", errs.Error())

	assert.Equal(t, "validation error: boom", (&ValidationError{Message: "boom"}).Error())
}
