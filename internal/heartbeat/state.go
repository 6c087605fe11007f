package heartbeat

// State is the liveness state of a tracked participant.
type State int

const (
	// StateAlive means a fresh presence record was observed recently.
	StateAlive State = iota
	// StateSuspected means no presence record within the suspect timeout.
	StateSuspected
	// StateDead means no presence record within the dead timeout. Leaving
	// this state requires an explicit re-enrollment, not a silent heartbeat.
	StateDead
)

func (s State) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateSuspected:
		return "suspected"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}
