package engine

// State is the engine lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateSetup
	StateRunning
	StateTearingDown
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSetup:
		return "setup"
	case StateRunning:
		return "running"
	case StateTearingDown:
		return "tearing-down"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}
