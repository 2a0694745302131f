package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wesleyorama2/stampede/internal/performance/workload"
)

// parseStages parses stages from CLI format "30s:10,2m:10,30s:0".
func parseStages(stagesStr string) ([]workload.StageConfig, error) {
	var stages []workload.StageConfig

	parts := strings.Split(stagesStr, ",")
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		colonIdx := strings.LastIndex(part, ":")
		if colonIdx == -1 {
			return nil, fmt.Errorf("stage %d: expected 'duration:target' format, got '%s'", i+1, part)
		}

		durationStr := part[:colonIdx]
		targetStr := part[colonIdx+1:]

		d, err := time.ParseDuration(durationStr)
		if err != nil {
			return nil, fmt.Errorf("stage %d: invalid duration '%s': %w", i+1, durationStr, err)
		}

		target, err := strconv.Atoi(targetStr)
		if err != nil {
			return nil, fmt.Errorf("stage %d: invalid target '%s': %w", i+1, targetStr, err)
		}

		stages = append(stages, workload.StageConfig{
			Duration: workload.Duration(d),
			Target:   target,
			Name:     fmt.Sprintf("stage-%d", i+1),
		})
	}

	if len(stages) == 0 {
		return nil, fmt.Errorf("at least one stage is required")
	}

	return stages, nil
}

// parseThresholds parses repeated "metric=expression" flags.
func parseThresholds(specs []string) (map[string][]workload.ThresholdEntry, error) {
	out := make(map[string][]workload.ThresholdEntry)
	for _, spec := range specs {
		metric, expr, ok := strings.Cut(spec, "=")
		metric, expr = strings.TrimSpace(metric), strings.TrimSpace(expr)
		if !ok || metric == "" || expr == "" {
			return nil, fmt.Errorf("threshold %q: expected 'metric=expression'", spec)
		}
		out[metric] = append(out[metric], workload.ThresholdEntry{Expression: expr})
	}
	return out, nil
}
