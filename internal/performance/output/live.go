package output

import (
	"context"
	"time"

	"github.com/wesleyorama2/stampede/internal/performance/engine"
	"github.com/wesleyorama2/stampede/internal/performance/executor"
	"github.com/wesleyorama2/stampede/internal/performance/metrics"
)

// Source is polled for live progress. *engine.Engine implements it.
type Source interface {
	State() engine.State
	Stats() *executor.Stats
	Registry() *metrics.Registry
}

// LiveStatsFrom builds display statistics from executor stats and a
// metrics snapshot.
func LiveStatsFrom(stats *executor.Stats, snap *metrics.Snapshot, state string) *LiveStats {
	live := &LiveStats{
		Progress:     stats.Progress,
		Elapsed:      stats.Elapsed,
		ActiveVUs:    stats.ActiveVUs,
		TargetVUs:    stats.TargetVUs,
		Iterations:   stats.Iterations,
		CurrentStage: stats.CurrentStage + 1,
		StageName:    stats.CurrentStageName,
		TotalStages:  stats.TotalStages,
		State:        state,
	}
	if remaining := stats.TotalDuration - stats.Elapsed; remaining > 0 {
		live.Remaining = remaining
	}

	if reqs, ok := snap.Get(metrics.HTTPReqs); ok {
		live.TotalRequests = reqs.Count
	}
	if failed, ok := snap.Get(metrics.HTTPReqFailed); ok {
		live.ErrorRate = failed.Rate
	}
	if dur, ok := snap.Get(metrics.HTTPReqDuration); ok && dur.HasData {
		live.LatencyAvg = msToDuration(dur.Avg)
		if p95, ok := dur.Percentile(95); ok {
			live.LatencyP95 = msToDuration(p95)
		}
	}
	return live
}

// Watch updates console every interval until ctx is done. Updates start
// once the source is running.
func Watch(ctx context.Context, console *ConsoleOutput, src Source, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastReqs int64
	lastAt := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			state := src.State()
			if state != engine.StateRunning && state != engine.StateTearingDown {
				continue
			}

			live := LiveStatsFrom(src.Stats(), src.Registry().SnapshotAll(), state.String())
			if dt := now.Sub(lastAt).Seconds(); dt > 0 {
				live.CurrentRPS = float64(live.TotalRequests-lastReqs) / dt
			}
			lastReqs, lastAt = live.TotalRequests, now

			console.Update(live)
		}
	}
}
