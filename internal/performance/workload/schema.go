// Package workload describes a load test declaratively and compiles it into
// an engine configuration.
package workload

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Workload is the root of a workload file.
//
// Example YAML:
//
//	name: products-api
//	baseUrl: http://app:8080
//	setup:
//	  readiness: {path: /actuator/health}
//	execution:
//	  stages: [{duration: 10s, target: 20}, {duration: 5s, target: 0}]
//	thresholds:
//	  http_req_duration: ["p(95)<500"]
//	scenarios:
//	  - name: list-products
//	    weight: 1
//	    steps:
//	      - method: GET
//	        url: "{{baseUrl}}/products"
type Workload struct {
	// Name of the workload (for reporting)
	Name string `json:"name" yaml:"name"`

	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// BaseURL is available to templates as {{baseUrl}} and prefixed to
	// step URLs starting with "/".
	BaseURL string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`

	// Transport selects the request primitive: "net" (default) or "fasthttp".
	Transport string `json:"transport,omitempty" yaml:"transport,omitempty"`

	// Timeout is the default request timeout (default: 30s).
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// InsecureSkipVerify skips TLS certificate verification
	InsecureSkipVerify bool `json:"insecureSkipVerify,omitempty" yaml:"insecureSkipVerify,omitempty"`

	// Headers are applied to every request; step headers take precedence.
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// Variables are available to every template.
	Variables map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`

	Setup      *SetupConfig                `json:"setup,omitempty" yaml:"setup,omitempty"`
	Execution  ExecutionConfig             `json:"execution" yaml:"execution"`
	Metrics    MetricsConfig               `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Thresholds map[string][]ThresholdEntry `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`
	Scenarios  []ScenarioConfig            `json:"scenarios" yaml:"scenarios"`
}

// SetupConfig configures the phase before load starts.
type SetupConfig struct {
	Readiness *ReadinessConfig `json:"readiness,omitempty" yaml:"readiness,omitempty"`
}

// ReadinessConfig describes the readiness probe.
type ReadinessConfig struct {
	// Path is resolved against baseUrl; URL, if set, is used as is.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
	URL  string `json:"url,omitempty" yaml:"url,omitempty"`

	// ExpectStatus defaults to 200.
	ExpectStatus int `json:"expectStatus,omitempty" yaml:"expectStatus,omitempty"`

	// MaxRetries defaults to 30.
	MaxRetries int `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`

	// RetryInterval defaults to 2s.
	RetryInterval Duration `json:"retryInterval,omitempty" yaml:"retryInterval,omitempty"`
}

// ExecutionConfig configures the ramp.
type ExecutionConfig struct {
	Stages []StageConfig `json:"stages" yaml:"stages"`

	// Pause between iterations of one VU (default: 100ms; negative disables).
	Pause Duration `json:"pause,omitempty" yaml:"pause,omitempty"`

	// Tick is the reconciliation interval (default: 100ms).
	Tick Duration `json:"tick,omitempty" yaml:"tick,omitempty"`

	// GracefulStop bounds in-flight iterations after the ramp (default: 30s).
	GracefulStop Duration `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`

	// Seed for VU random sources; 0 picks one at random.
	Seed uint64 `json:"seed,omitempty" yaml:"seed,omitempty"`

	// ThresholdInterval is how often thresholds are evaluated during the run.
	ThresholdInterval Duration `json:"thresholdInterval,omitempty" yaml:"thresholdInterval,omitempty"`
}

// StageConfig is one stage of the ramp.
type StageConfig struct {
	Duration Duration `json:"duration" yaml:"duration"`
	Target   int      `json:"target" yaml:"target"`
	Name     string   `json:"name,omitempty" yaml:"name,omitempty"`
}

// MetricsConfig configures metric collection.
type MetricsConfig struct {
	// TrendMode is "exact" (default) or "hdr".
	TrendMode string `json:"trendMode,omitempty" yaml:"trendMode,omitempty"`

	// Percentiles computed for trends (default: 50, 90, 95, 99).
	Percentiles []float64 `json:"percentiles,omitempty" yaml:"percentiles,omitempty"`

	// NoData is "pass" (default) or "undetermined".
	NoData string `json:"noData,omitempty" yaml:"noData,omitempty"`

	Declare []MetricDeclaration `json:"declare,omitempty" yaml:"declare,omitempty"`
}

// MetricDeclaration registers a custom metric before the run.
type MetricDeclaration struct {
	Name string `json:"name" yaml:"name"`
	Kind string `json:"kind" yaml:"kind"`
}

// ThresholdEntry is a threshold expression. In files it is either a plain
// string or an object with expression and abortOnFail.
type ThresholdEntry struct {
	Expression  string `json:"expression" yaml:"expression"`
	AbortOnFail bool   `json:"abortOnFail,omitempty" yaml:"abortOnFail,omitempty"`
}

type thresholdEntryObject ThresholdEntry

// UnmarshalJSON implements json.Unmarshaler.
func (t *ThresholdEntry) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*t = ThresholdEntry{Expression: s}
		return nil
	}

	var obj thresholdEntryObject
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("threshold must be a string or an object: %w", err)
	}
	*t = ThresholdEntry(obj)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (t *ThresholdEntry) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*t = ThresholdEntry{Expression: value.Value}
		return nil
	}

	var obj thresholdEntryObject
	if err := value.Decode(&obj); err != nil {
		return fmt.Errorf("threshold must be a string or an object: %w", err)
	}
	*t = ThresholdEntry(obj)
	return nil
}

// ScenarioConfig is one weighted scenario.
type ScenarioConfig struct {
	Name string `json:"name" yaml:"name"`

	// Weight is the probability of picking this scenario for an iteration.
	// Weights of all scenarios must sum to 1.
	Weight float64 `json:"weight" yaml:"weight"`

	// Set binds template values once per iteration, before the first step.
	// Every step of the iteration sees the same value; bindings take
	// precedence over VU and workload variables.
	Set map[string]string `json:"set,omitempty" yaml:"set,omitempty"`

	Steps []StepConfig `json:"steps" yaml:"steps"`
}

// StepConfig is one request of a scenario.
type StepConfig struct {
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Method defaults to GET.
	Method  string            `json:"method,omitempty" yaml:"method,omitempty"`
	URL     string            `json:"url" yaml:"url"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body    string            `json:"body,omitempty" yaml:"body,omitempty"`
	Timeout Duration          `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Probability of running the step (default: 1).
	Probability *float64 `json:"probability,omitempty" yaml:"probability,omitempty"`

	// ExpectStatus lists the statuses that do not count as failed requests.
	ExpectStatus []int `json:"expectStatus,omitempty" yaml:"expectStatus,omitempty"`

	// Trend names a trend metric receiving the request duration in ms.
	Trend string `json:"trend,omitempty" yaml:"trend,omitempty"`

	// FailureRate names a rate metric receiving 1 when a check failed.
	FailureRate string `json:"failureRate,omitempty" yaml:"failureRate,omitempty"`

	Checks  []CheckConfig   `json:"checks,omitempty" yaml:"checks,omitempty"`
	Extract []ExtractConfig `json:"extract,omitempty" yaml:"extract,omitempty"`
}

// CheckConfig is a response assertion. Every criterion set must hold.
type CheckConfig struct {
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	Status []int `json:"status,omitempty" yaml:"status,omitempty"`

	// JSONPath selects a body value; with neither Exists nor Equals the
	// value must exist.
	JSONPath string `json:"jsonPath,omitempty" yaml:"jsonPath,omitempty"`
	Exists   *bool  `json:"exists,omitempty" yaml:"exists,omitempty"`
	Equals   any    `json:"equals,omitempty" yaml:"equals,omitempty"`

	BodyContains string `json:"bodyContains,omitempty" yaml:"bodyContains,omitempty"`

	// Schema is a JSON Schema, inline as a mapping or as a JSON string.
	Schema any `json:"schema,omitempty" yaml:"schema,omitempty"`
}

// ExtractConfig stores a response value in a VU variable.
type ExtractConfig struct {
	Name     string `json:"name" yaml:"name"`
	JSONPath string `json:"jsonPath,omitempty" yaml:"jsonPath,omitempty"`
	Header   string `json:"header,omitempty" yaml:"header,omitempty"`
}

// Duration is a time.Duration that can be unmarshaled from JSON/YAML strings.
type Duration time.Duration

// GetDuration returns the duration or a default if empty.
func (d Duration) GetDuration(defaultValue time.Duration) time.Duration {
	if d == 0 {
		return defaultValue
	}
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}

	if s == "" || s == "null" {
		*d = 0
		return nil
	}

	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}

	if s == "" {
		*d = 0
		return nil
	}

	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}
