package executor

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"
)

// VUState represents the lifecycle state of a Virtual User.
type VUState int32

const (
	// VUStateIdle indicates the VU is ready but not currently running.
	VUStateIdle VUState = iota
	// VUStateRunning indicates the VU is actively running iterations.
	VUStateRunning
	// VUStateStopping indicates the VU has been requested to stop.
	VUStateStopping
	// VUStateStopped indicates the VU has fully stopped.
	VUStateStopped
)

func (s VUState) String() string {
	switch s {
	case VUStateIdle:
		return "idle"
	case VUStateRunning:
		return "running"
	case VUStateStopping:
		return "stopping"
	case VUStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// VirtualUser is a single simulated user running iterations sequentially.
//
// Each VU has its own:
// - Random source (seeded per VU, never shared)
// - Variable scope (for extracted values and state)
// - Iteration counter
//
// A VU's identity is internal to the executor; iteration functions only see
// its random source and variables.
type VirtualUser struct {
	id   int
	rand *rand.Rand

	// Lifecycle state (atomic for lock-free reads)
	state atomic.Int32

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
	doneOnce sync.Once

	iteration atomic.Int64

	data   map[string]any
	dataMu sync.RWMutex

	startedAt time.Time
}

func newVirtualUser(id int, seed uint64) *VirtualUser {
	return &VirtualUser{
		id:        id,
		rand:      rand.New(rand.NewPCG(seed, uint64(id))),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		data:      make(map[string]any),
		startedAt: time.Now(),
	}
}

// NewStandaloneVU creates a VU outside of an executor, for running work
// functions directly (e.g. a dry run of a workload).
func NewStandaloneVU(seed uint64) *VirtualUser {
	return newVirtualUser(0, seed)
}

// Rand returns the VU's private random source. It must only be used from
// the VU's own goroutine.
func (vu *VirtualUser) Rand() *rand.Rand {
	return vu.rand
}

// Float64 draws a uniform value in [0, 1) from the VU's random source.
func (vu *VirtualUser) Float64() float64 {
	return vu.rand.Float64()
}

// State returns the current VU state.
func (vu *VirtualUser) State() VUState {
	return VUState(vu.state.Load())
}

// Iteration returns the number of iterations this VU has started.
func (vu *VirtualUser) Iteration() int64 {
	return vu.iteration.Load()
}

// Stopping reports whether the VU has been asked to stop.
func (vu *VirtualUser) Stopping() bool {
	s := vu.State()
	return s == VUStateStopping || s == VUStateStopped
}

// RequestStop signals the VU to stop after completing the current iteration.
func (vu *VirtualUser) RequestStop() {
	if vu.State() == VUStateStopped {
		return
	}
	vu.state.Store(int32(VUStateStopping))
	vu.stopOnce.Do(func() { close(vu.stopCh) })
}

// WaitForStop waits for the VU to stop with a timeout.
//
// Returns true if the VU stopped within the timeout, false otherwise.
func (vu *VirtualUser) WaitForStop(timeout time.Duration) bool {
	select {
	case <-vu.doneCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (vu *VirtualUser) beginIteration() {
	vu.state.CompareAndSwap(int32(VUStateIdle), int32(VUStateRunning))
	vu.iteration.Add(1)
}

func (vu *VirtualUser) endIteration() {
	vu.state.CompareAndSwap(int32(VUStateRunning), int32(VUStateIdle))
}

func (vu *VirtualUser) markStopped() {
	vu.state.Store(int32(VUStateStopped))
	vu.doneOnce.Do(func() { close(vu.doneCh) })
}

// SetData stores a value in the VU's variable scope.
func (vu *VirtualUser) SetData(key string, value any) {
	vu.dataMu.Lock()
	defer vu.dataMu.Unlock()
	vu.data[key] = value
}

// GetData retrieves a value from the VU's variable scope.
func (vu *VirtualUser) GetData(key string) (any, bool) {
	vu.dataMu.RLock()
	defer vu.dataMu.RUnlock()
	val, ok := vu.data[key]
	return val, ok
}

// ClearData removes a value from the VU's variable scope.
func (vu *VirtualUser) ClearData(key string) {
	vu.dataMu.Lock()
	defer vu.dataMu.Unlock()
	delete(vu.data, key)
}
