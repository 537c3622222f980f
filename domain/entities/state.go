package entities

// RuntimeState is the lifecycle state of the embedded guest runtime.
type RuntimeState int32

const (
	// StateUninitialized means no guest runtime is live. It is the initial state.
	StateUninitialized RuntimeState = iota
	// StateStarting means a start transition is in progress.
	StateStarting
	// StateRunning means the guest runtime is live and accepts scripts.
	StateRunning
	// StateStopping means a stop transition is in progress.
	StateStopping
)

// String returns the lowercase name of the state.
func (s RuntimeState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Live reports whether a runtime handle exists in this state.
func (s RuntimeState) Live() bool {
	return s == StateRunning || s == StateStopping
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph:
//
//	uninitialized -> starting -> running -> stopping -> uninitialized
//	starting -> uninitialized (failed start)
func CanTransition(from, to RuntimeState) bool {
	switch from {
	case StateUninitialized:
		return to == StateStarting
	case StateStarting:
		return to == StateRunning || to == StateUninitialized
	case StateRunning:
		return to == StateStopping
	case StateStopping:
		return to == StateUninitialized
	default:
		return false
	}
}
