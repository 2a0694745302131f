package executor

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultPause is the wait between two iterations of the same VU.
	DefaultPause = 100 * time.Millisecond

	// DefaultTickInterval is how often the VU count is reconciled.
	DefaultTickInterval = 100 * time.Millisecond

	// DefaultGracefulStop bounds how long in-flight iterations may run after
	// the schedule ends.
	DefaultGracefulStop = 30 * time.Second
)

// IterationFunc runs one iteration for a VU. It must honour ctx; errors are
// the function's own business and are never propagated to the executor.
type IterationFunc func(ctx context.Context, vu *VirtualUser)

// Config configures a RampingVUs executor.
type Config struct {
	// Stages of the ramp.
	Stages []Stage

	// Pause between iterations of one VU (default: 100ms; negative disables).
	Pause time.Duration

	// TickInterval of the reconciliation loop (default: 100ms).
	TickInterval time.Duration

	// GracefulStop is how long in-flight iterations may finish after the
	// schedule ends before their context is cancelled (default: 30s).
	GracefulStop time.Duration

	// Seed for the per-VU random sources; 0 picks a random seed.
	Seed uint64

	// Logger for scale events and recovered panics.
	Logger *zap.Logger

	// OnScheduleEnd, if set, is called once when the schedule ends, before
	// waiting for in-flight iterations.
	OnScheduleEnd func()
}

func (c Config) withDefaults() Config {
	if c.Pause == 0 {
		c.Pause = DefaultPause
	} else if c.Pause < 0 {
		c.Pause = 0
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.GracefulStop <= 0 {
		c.GracefulStop = DefaultGracefulStop
	}
	if c.Seed == 0 {
		c.Seed = rand.Uint64()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Stats contains real-time executor statistics.
type Stats struct {
	// Timing
	StartTime     time.Time     `json:"startTime"`
	Elapsed       time.Duration `json:"elapsed"`
	TotalDuration time.Duration `json:"totalDuration"`
	Progress      float64       `json:"progress"`

	// VU stats
	ActiveVUs int `json:"activeVUs"`
	TargetVUs int `json:"targetVUs"`

	// Iteration stats
	Iterations      int64 `json:"iterations"`
	IterationPanics int64 `json:"iterationPanics"`

	// Stage info
	CurrentStage     int    `json:"currentStage"`
	CurrentStageName string `json:"currentStageName"`
	TotalStages      int    `json:"totalStages"`
}

// RampingVUs ramps the number of concurrently running VUs according to
// stages.
//
// A reconciliation loop compares the number of live VUs (started and not
// asked to stop) with the rounded ramp target on every tick. Missing VUs are
// started at once; surplus VUs are asked to stop after their current
// iteration, most recently started first.
type RampingVUs struct {
	config  Config
	iterate IterationFunc
	logger  *zap.Logger

	// State
	startTime    atomic.Int64
	targetVUs    atomic.Int32
	runningVUs   atomic.Int32
	iterations   atomic.Int64
	panics       atomic.Int64
	currentStage atomic.Int32
	running      atomic.Bool
	finished     atomic.Bool

	// Cancellation
	cancelMu      sync.Mutex
	cancelFunc    context.CancelFunc
	stopRequested bool
	wg            sync.WaitGroup

	// VU tracking; vus holds live VUs in start order
	vus      []*VirtualUser
	vusMu    sync.Mutex
	nextVUID int
}

// NewRampingVUs creates a new ramping VUs executor.
func NewRampingVUs(config Config, iterate IterationFunc) (*RampingVUs, error) {
	if err := ValidateStages(config.Stages); err != nil {
		return nil, err
	}
	if iterate == nil {
		return nil, fmt.Errorf("iteration function is required")
	}

	config = config.withDefaults()
	return &RampingVUs{
		config:  config,
		iterate: iterate,
		logger:  config.Logger,
	}, nil
}

// Run starts the schedule and blocks until every VU loop has exited.
//
// The schedule lasts exactly the sum of stage durations. When it ends, no
// new iteration is started; in-flight iterations get GracefulStop to finish
// before the context passed to them is cancelled.
func (e *RampingVUs) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("executor already running")
	}
	defer e.running.Store(false)

	start := time.Now()
	e.startTime.Store(start.UnixNano())

	totalDuration := TotalDuration(e.config.Stages)

	// scheduleCtx ends the schedule; iterCtx is what work functions see and
	// outlives the schedule by at most GracefulStop.
	scheduleCtx, cancel := context.WithDeadline(ctx, start.Add(totalDuration))
	e.cancelMu.Lock()
	e.cancelFunc = cancel
	if e.stopRequested {
		cancel()
	}
	e.cancelMu.Unlock()
	defer cancel()

	iterCtx, cancelIterations := context.WithCancel(ctx)
	defer cancelIterations()

	e.logger.Debug("ramping started",
		zap.Int("stages", len(e.config.Stages)),
		zap.Duration("duration", totalDuration))

	e.reconcile(scheduleCtx, iterCtx, start)

	ticker := time.NewTicker(e.config.TickInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-scheduleCtx.Done():
			break loop
		case <-ticker.C:
			e.reconcile(scheduleCtx, iterCtx, start)
		}
	}

	if e.config.OnScheduleEnd != nil {
		e.config.OnScheduleEnd()
	}
	e.gracefulShutdown(cancelIterations)
	e.finished.Store(true)

	e.logger.Debug("ramping finished",
		zap.Int64("iterations", e.iterations.Load()),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// reconcile brings the live VU count to the ramp target for now.
func (e *RampingVUs) reconcile(scheduleCtx, iterCtx context.Context, start time.Time) {
	if scheduleCtx.Err() != nil {
		return
	}

	elapsed := time.Since(start)
	desired, ok := Desired(e.config.Stages, elapsed)
	if !ok {
		return
	}
	e.targetVUs.Store(int32(desired))
	if idx := StageIndex(e.config.Stages, elapsed); idx >= 0 {
		e.currentStage.Store(int32(idx))
	}

	e.vusMu.Lock()
	defer e.vusMu.Unlock()

	live := len(e.vus)
	switch {
	case desired > live:
		for i := live; i < desired; i++ {
			e.nextVUID++
			vu := newVirtualUser(e.nextVUID, e.config.Seed)
			e.vus = append(e.vus, vu)
			e.wg.Add(1)
			go e.runVU(scheduleCtx, iterCtx, vu)
		}
		e.logger.Debug("scaled up", zap.Int("from", live), zap.Int("to", desired))
	case desired < live:
		for i := live - 1; i >= desired; i-- {
			e.vus[i].RequestStop()
		}
		e.vus = e.vus[:desired]
		e.logger.Debug("scaled down", zap.Int("from", live), zap.Int("to", desired))
	}
}

// runVU runs iterations until the VU is stopped or the schedule ends.
func (e *RampingVUs) runVU(scheduleCtx, iterCtx context.Context, vu *VirtualUser) {
	defer e.wg.Done()
	defer vu.markStopped()

	e.runningVUs.Add(1)
	defer e.runningVUs.Add(-1)

	var pause *time.Timer
	if e.config.Pause > 0 {
		pause = time.NewTimer(e.config.Pause)
		pause.Stop()
		defer pause.Stop()
	}

	for {
		if vu.Stopping() || scheduleCtx.Err() != nil {
			return
		}

		e.runIteration(iterCtx, vu)
		e.iterations.Add(1)

		if pause == nil {
			continue
		}
		pause.Reset(e.config.Pause)
		select {
		case <-vu.stopCh:
			return
		case <-scheduleCtx.Done():
			return
		case <-pause.C:
		}
	}
}

func (e *RampingVUs) runIteration(ctx context.Context, vu *VirtualUser) {
	vu.beginIteration()
	defer vu.endIteration()

	defer func() {
		if r := recover(); r != nil {
			e.panics.Add(1)
			e.logger.Error("iteration panicked",
				zap.Int("vu", vu.id),
				zap.Int64("iteration", vu.Iteration()),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()

	e.iterate(ctx, vu)
}

// gracefulShutdown stops every VU and waits for their loops to exit. After
// GracefulStop the iteration context is cancelled and the wait continues
// until the work functions return.
func (e *RampingVUs) gracefulShutdown(cancelIterations context.CancelFunc) {
	e.vusMu.Lock()
	for _, vu := range e.vus {
		vu.RequestStop()
	}
	e.vus = nil
	e.vusMu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(e.config.GracefulStop)
	defer timer.Stop()

	select {
	case <-done:
		return
	case <-timer.C:
	}

	e.logger.Warn("graceful stop expired, cancelling in-flight iterations",
		zap.Duration("gracefulStop", e.config.GracefulStop),
		zap.Int32("running", e.runningVUs.Load()))
	cancelIterations()
	<-done
}

// Stop ends the schedule early. Run still waits for in-flight iterations.
func (e *RampingVUs) Stop() {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	e.stopRequested = true
	if e.cancelFunc != nil {
		e.cancelFunc()
	}
}

// LiveVUs returns the number of VUs that are running and not asked to stop.
func (e *RampingVUs) LiveVUs() int {
	e.vusMu.Lock()
	defer e.vusMu.Unlock()
	return len(e.vus)
}

// RunningVUs returns the number of VU goroutines still executing, including
// those finishing their last iteration.
func (e *RampingVUs) RunningVUs() int {
	return int(e.runningVUs.Load())
}

// GetProgress returns current progress (0.0 to 1.0).
func (e *RampingVUs) GetProgress() float64 {
	startNano := e.startTime.Load()
	if startNano == 0 {
		return 0.0
	}
	if e.finished.Load() {
		return 1.0
	}

	totalDuration := TotalDuration(e.config.Stages)
	progress := float64(time.Since(time.Unix(0, startNano))) / float64(totalDuration)
	if progress > 1.0 {
		progress = 1.0
	}
	return progress
}

// Stats returns executor statistics.
func (e *RampingVUs) Stats() *Stats {
	var startTime time.Time
	var elapsed time.Duration
	if startNano := e.startTime.Load(); startNano != 0 {
		startTime = time.Unix(0, startNano)
		elapsed = time.Since(startTime)
	}

	stageIdx := int(e.currentStage.Load())
	stageName := ""
	if stageIdx < len(e.config.Stages) {
		stageName = e.config.Stages[stageIdx].Name
	}

	return &Stats{
		StartTime:        startTime,
		Elapsed:          elapsed,
		TotalDuration:    TotalDuration(e.config.Stages),
		Progress:         e.GetProgress(),
		ActiveVUs:        e.LiveVUs(),
		TargetVUs:        int(e.targetVUs.Load()),
		Iterations:       e.iterations.Load(),
		IterationPanics:  e.panics.Load(),
		CurrentStage:     stageIdx,
		CurrentStageName: stageName,
		TotalStages:      len(e.config.Stages),
	}
}
