package session

// State of the engine session as seen by callers.
type State int32

const (
	StateUninitialized State = iota
	StateStarting
	StateReady
	StateBusy
	StateResetting
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateResetting:
		return "resetting"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}
