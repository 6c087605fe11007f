package node

// Role represents the role of this participant.
type Role int

const (
	RoleNone    Role = iota
	RoleStudent      // Regular classroom participant
	RoleTeacher      // Coordinator; receives enrollments and votes
)

func (r Role) String() string {
	switch r {
	case RoleStudent:
		return "student"
	case RoleTeacher:
		return "teacher"
	default:
		return "none"
	}
}
