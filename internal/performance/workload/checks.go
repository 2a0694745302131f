package workload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/wesleyorama2/stampede/internal/performance/scenario"
	"github.com/wesleyorama2/stampede/pkg/jsonpath"
	"github.com/wesleyorama2/stampede/pkg/jsonschema"
)

// check is a compiled CheckConfig.
type check struct {
	name string

	status       []int
	jsonPath     string
	exists       *bool
	equals       *string
	bodyContains string
	schema       *jsonschema.Schema
}

func compileCheck(c CheckConfig) (*check, error) {
	out := &check{
		name:         c.Name,
		status:       c.Status,
		jsonPath:     c.JSONPath,
		exists:       c.Exists,
		bodyContains: c.BodyContains,
	}

	if c.Equals != nil {
		s := scalarString(c.Equals)
		out.equals = &s
	}

	if c.Schema != nil {
		doc, err := schemaDocument(c.Schema)
		if err != nil {
			return nil, err
		}
		if out.schema, err = jsonschema.Compile(doc); err != nil {
			return nil, err
		}
	}

	if !out.hasCriteria() {
		return nil, fmt.Errorf("check has no criteria")
	}
	if (out.exists != nil || out.equals != nil) && out.jsonPath == "" {
		return nil, fmt.Errorf("exists and equals require jsonPath")
	}
	if out.name == "" {
		out.name = out.describe()
	}
	return out, nil
}

func (c *check) hasCriteria() bool {
	return len(c.status) > 0 || c.jsonPath != "" || c.bodyContains != "" || c.schema != nil
}

// describe builds a name for an unnamed check.
func (c *check) describe() string {
	var parts []string
	if len(c.status) > 0 {
		parts = append(parts, fmt.Sprintf("status in %v", c.status))
	}
	if c.jsonPath != "" {
		switch {
		case c.equals != nil:
			parts = append(parts, fmt.Sprintf("%s == %s", c.jsonPath, *c.equals))
		case c.exists != nil && !*c.exists:
			parts = append(parts, c.jsonPath+" absent")
		default:
			parts = append(parts, c.jsonPath+" exists")
		}
	}
	if c.bodyContains != "" {
		parts = append(parts, fmt.Sprintf("body contains %q", c.bodyContains))
	}
	if c.schema != nil {
		parts = append(parts, "body matches schema")
	}
	return strings.Join(parts, ", ")
}

// eval reports whether the outcome satisfies every criterion. An outcome
// without a response fails every check.
func (c *check) eval(out *scenario.Outcome) bool {
	if out.Response == nil {
		return false
	}
	body := out.Body()

	if len(c.status) > 0 && !slices.Contains(c.status, out.Status()) {
		return false
	}

	if c.jsonPath != "" {
		v, found := jsonpath.Lookup(body, c.jsonPath)
		want := c.exists == nil || *c.exists
		if found != want && c.equals == nil {
			return false
		}
		if c.equals != nil && (!found || v.String != *c.equals) {
			return false
		}
	}

	if c.bodyContains != "" && !bytes.Contains(body, []byte(c.bodyContains)) {
		return false
	}

	if c.schema != nil && c.schema.Validate(body) != nil {
		return false
	}
	return true
}

// scalarString renders an equals operand the way jsonpath renders values.
func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

// schemaDocument turns an inline schema into JSON text.
func schemaDocument(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(normalizeYAML(v))
	if err != nil {
		return "", fmt.Errorf("invalid schema: %w", err)
	}
	return string(b), nil
}

// normalizeYAML converts map[interface{}]interface{} values, which JSON
// cannot encode, into map[string]interface{}.
func normalizeYAML(v any) any {
	switch x := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]any, len(x))
		for k, val := range x {
			m[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return m
	case map[string]any:
		for k, val := range x {
			x[k] = normalizeYAML(val)
		}
		return x
	case []any:
		for i, val := range x {
			x[i] = normalizeYAML(val)
		}
		return x
	default:
		return v
	}
}
