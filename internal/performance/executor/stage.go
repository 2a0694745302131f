package executor

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrNoStages is returned when a schedule has no stages.
	ErrNoStages = errors.New("at least one stage is required")

	// ErrInvalidStage is returned for stages with a non-positive duration or
	// a negative target.
	ErrInvalidStage = errors.New("invalid stage")
)

// Stage defines one segment of a ramping schedule.
//
// Example stages:
//
//	stages:
//	  - duration: 30s
//	    target: 10     # Ramp from 0 to 10 VUs over 30s
//	  - duration: 2m
//	    target: 10     # Stay at 10 VUs for 2 minutes
//	  - duration: 30s
//	    target: 0      # Ramp down to 0 VUs over 30s
type Stage struct {
	// Duration of this stage
	Duration time.Duration `json:"duration" yaml:"duration"`

	// Target VU count reached at the end of the stage
	Target int `json:"target" yaml:"target"`

	// Optional name for this stage (for reporting)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// ValidateStages checks that stages is non-empty, every duration is
// positive and every target is non-negative.
func ValidateStages(stages []Stage) error {
	if len(stages) == 0 {
		return ErrNoStages
	}
	for i, s := range stages {
		if s.Duration <= 0 {
			return fmt.Errorf("%w: stage %d: duration must be positive, got %s", ErrInvalidStage, i, s.Duration)
		}
		if s.Target < 0 {
			return fmt.Errorf("%w: stage %d: target must be non-negative, got %d", ErrInvalidStage, i, s.Target)
		}
	}
	return nil
}

// TotalDuration returns the sum of all stage durations.
func TotalDuration(stages []Stage) time.Duration {
	var total time.Duration
	for _, s := range stages {
		total += s.Duration
	}
	return total
}

// TargetAt returns the interpolated VU target at elapsed time.
//
// Each stage ramps linearly from the previous stage's target (0 before the
// first stage) to its own target. At every stage boundary the result is
// exactly the target of the stage ending there. ok is false when elapsed is
// negative or past the end of the schedule.
func TargetAt(stages []Stage, elapsed time.Duration) (target float64, ok bool) {
	if elapsed < 0 || len(stages) == 0 {
		return 0, false
	}

	var stageStart time.Duration
	prevTarget := 0

	for _, stage := range stages {
		stageEnd := stageStart + stage.Duration
		if elapsed < stageEnd {
			if elapsed == stageStart {
				return float64(prevTarget), true
			}
			progress := float64(elapsed-stageStart) / float64(stage.Duration)
			return float64(prevTarget) + float64(stage.Target-prevTarget)*progress, true
		}
		prevTarget = stage.Target
		stageStart = stageEnd
	}

	if elapsed == stageStart {
		return float64(prevTarget), true
	}
	return 0, false
}

// Desired returns TargetAt rounded half up to a whole VU count.
func Desired(stages []Stage, elapsed time.Duration) (int, bool) {
	target, ok := TargetAt(stages, elapsed)
	if !ok {
		return 0, false
	}
	return int(math.Floor(target + 0.5)), true
}

// StageIndex returns the index of the stage active at elapsed, or -1 when
// elapsed is outside the schedule. A boundary belongs to the stage that
// starts there.
func StageIndex(stages []Stage, elapsed time.Duration) int {
	if elapsed < 0 {
		return -1
	}
	var stageStart time.Duration
	for i, stage := range stages {
		stageStart += stage.Duration
		if elapsed < stageStart {
			return i
		}
	}
	if elapsed == stageStart && len(stages) > 0 {
		return len(stages) - 1
	}
	return -1
}
