package workload

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads, parses and validates a workload file.
func Load(path string) (*Workload, error) {
	w, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return w, nil
}

// LoadFile loads a workload from a file without validating it.
//
// The file format is determined by extension:
//   - .yaml, .yml -> YAML
//   - .json -> JSON
func LoadFile(path string) (*Workload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workload file: %w", err)
	}

	return Parse(data, path)
}

// Parse parses workload data.
//
// The format is determined by the file extension in path, or defaults to YAML
// if the path is empty or has an unknown extension.
func Parse(data []byte, path string) (*Workload, error) {
	var w Workload

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("failed to parse JSON workload: %w", err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("failed to parse YAML workload: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("failed to parse workload (unknown format %s): %w", ext, err)
		}
	}

	return &w, nil
}

// MergeVariables merges vars into the workload variables, with vars taking
// precedence.
func (w *Workload) MergeVariables(vars map[string]string) {
	if len(vars) == 0 {
		return
	}
	merged := make(map[string]string, len(w.Variables)+len(vars))
	for k, v := range w.Variables {
		merged[k] = v
	}
	for k, v := range vars {
		merged[k] = v
	}
	w.Variables = merged
}
