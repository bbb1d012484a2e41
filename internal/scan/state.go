package scan

// State is the orchestration phase of a scan session.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateAnalyzing
	StatePausedError
	StatePausedDuplicate
	StateCooldown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateScanning:
		return "SCANNING"
	case StateAnalyzing:
		return "ANALYZING"
	case StatePausedError:
		return "PAUSED_ERROR"
	case StatePausedDuplicate:
		return "PAUSED_DUPLICATE"
	case StateCooldown:
		return "COOLDOWN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the state by name for JSON and YAML output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// transitions is the legal transition table. The orchestrator still routes a
// duplicate pause requested during ANALYZING through SCANNING.
var transitions = map[State][]State{
	StateIdle:            {StateScanning},
	StateScanning:        {StateIdle, StateAnalyzing, StatePausedDuplicate},
	StateAnalyzing:       {StateIdle, StateScanning, StatePausedError, StatePausedDuplicate, StateCooldown},
	StatePausedError:     {StateIdle, StateScanning},
	StatePausedDuplicate: {StateIdle, StateScanning},
	StateCooldown:        {StateIdle, StateScanning},
}

// CanTransition reports whether from → to is in the transition table.
func CanTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AllowedFrom returns a copy of the legal targets of from.
func AllowedFrom(from State) []State {
	return append([]State(nil), transitions[from]...)
}
