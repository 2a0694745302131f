// Package jsonpath evaluates simple JSONPath expressions ("$.items[0].id",
// "data.token") against JSON response bodies.
package jsonpath

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Value is the result of a lookup.
type Value struct {
	// Raw is the JSON text of the value.
	Raw string

	// String is the value as text: unquoted for strings, raw JSON otherwise.
	String string

	Null bool
}

// Lookup evaluates path against body.
func Lookup(body []byte, path string) (Value, bool) {
	if len(body) == 0 || path == "" {
		return Value{}, false
	}

	result := gjson.GetBytes(body, ToGJSON(path))
	if !result.Exists() {
		return Value{}, false
	}

	return Value{
		Raw:    result.Raw,
		String: result.String(),
		Null:   result.Type == gjson.Null,
	}, true
}

// Exists reports whether path resolves to a value (null included).
func Exists(body []byte, path string) bool {
	_, ok := Lookup(body, path)
	return ok
}

// Extract returns the value at path as a string. null becomes "null".
func Extract(body []byte, path string) (string, error) {
	if len(body) == 0 {
		return "", fmt.Errorf("empty JSON body")
	}
	if path == "" {
		return "", fmt.Errorf("empty JSONPath expression")
	}

	v, ok := Lookup(body, path)
	if !ok {
		return "", fmt.Errorf("path not found: %s", path)
	}
	if v.Null {
		return "null", nil
	}
	return v.String, nil
}

// ToGJSON converts a JSONPath expression to gjson path syntax:
//
//	$.users[0].name  -> users.0.name
//	$['name']        -> name
//	$                -> @this
func ToGJSON(path string) string {
	path = strings.TrimPrefix(path, "$")
	path = strings.TrimPrefix(path, ".")
	if path == "" {
		return "@this"
	}

	replacer := strings.NewReplacer(`['`, ".", `']`, "", `["`, ".", `"]`, "", "[", ".", "]", "")
	path = replacer.Replace(path)
	return strings.TrimPrefix(path, ".")
}
