package node

// Phase is the election phase broadcast by the teacher. Students gate
// enrollment and voting on the phase they last observed.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseEnrollment
	PhaseVoting
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhaseEnrollment:
		return "enrollment"
	case PhaseVoting:
		return "voting"
	case PhaseEnded:
		return "ended"
	default:
		return "idle"
	}
}

// ParsePhase maps a wire phase name to its Phase; unknown names are idle.
func ParsePhase(s string) Phase {
	switch s {
	case "enrollment":
		return PhaseEnrollment
	case "voting":
		return PhaseVoting
	case "ended":
		return PhaseEnded
	default:
		return PhaseIdle
	}
}
