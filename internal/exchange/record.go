// Package exchange provides the shared record store every participant
// communicates through: a directory of atomically written, independently
// visible JSON records polled by all peers.
package exchange

import (
	"fmt"
	"time"
)

// ParticipantID identifies a node in the messaging graph. The port is the
// stable identifier; the name is carried for display and presence keys.
type ParticipantID struct {
	Name string `json:"name"`
	Port int    `json:"port"`
}

func (p ParticipantID) String() string {
	return fmt.Sprintf("%s:%d", p.Name, p.Port)
}

// IsZero reports whether the ID is unset.
func (p ParticipantID) IsZero() bool {
	return p.Name == "" && p.Port == 0
}

// ScopeKind enumerates the closed set of recipient scopes.
type ScopeKind int

const (
	ScopeBroadcast ScopeKind = iota
	ScopePrivate
	ScopeEnrollment
	ScopeVote
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeBroadcast:
		return "broadcast"
	case ScopePrivate:
		return "private"
	case ScopeEnrollment:
		return "enrollment"
	case ScopeVote:
		return "vote"
	default:
		return "unknown"
	}
}

// Scope is the intended recipient set of a message. Target is only
// meaningful for ScopePrivate; Enrollment and Vote are addressed to the
// teacher role.
type Scope struct {
	Kind   ScopeKind     `json:"kind"`
	Target ParticipantID `json:"target,omitempty"`
}

// Broadcast returns the broadcast scope.
func Broadcast() Scope { return Scope{Kind: ScopeBroadcast} }

// Private returns a scope addressed to a single participant.
func Private(target ParticipantID) Scope {
	return Scope{Kind: ScopePrivate, Target: target}
}

// Enrollment returns the teacher-addressed enrollment scope.
func Enrollment() Scope { return Scope{Kind: ScopeEnrollment} }

// Vote returns the teacher-addressed vote scope.
func Vote() Scope { return Scope{Kind: ScopeVote} }

// Includes reports whether a message with this scope, sent by sender, is
// addressed to the given participant.
func (s Scope) Includes(sender, self ParticipantID, selfIsTeacher bool) bool {
	if sender == self {
		return false
	}
	switch s.Kind {
	case ScopeBroadcast:
		return true
	case ScopePrivate:
		return s.Target == self
	case ScopeEnrollment, ScopeVote:
		return selfIsTeacher
	default:
		return false
	}
}

// MessageRecord is an immutable message written by a sender. Identity is
// (Sender, MsgID); retries rewrite the same record under the same key.
type MessageRecord struct {
	Sender    ParticipantID `json:"sender"`
	Scope     Scope         `json:"scope"`
	MsgID     uint64        `json:"msg_id"`
	Payload   []byte        `json:"payload"`
	CreatedAt time.Time     `json:"created_at"`
}

// Identity returns the dedup key for this record.
func (m MessageRecord) Identity() string {
	return fmt.Sprintf("%s/%d", m.Sender, m.MsgID)
}

// AckRecord acknowledges receipt of a message. One record exists per
// (Acker, OriginalSender, MsgID); duplicates from retries are no-ops.
type AckRecord struct {
	Acker          ParticipantID `json:"ack_from"`
	OriginalSender ParticipantID `json:"sender"`
	MsgID          uint64        `json:"msg_id"`
	AckedAt        time.Time     `json:"acked_at"`
}

// PresenceRecord is a heartbeat. Sequence is strictly increasing per
// participant; liveness is judged from the freshness of the latest one.
type PresenceRecord struct {
	Participant ParticipantID `json:"participant"`
	Teacher     bool          `json:"is_teacher"`
	Sequence    uint64        `json:"sequence"`
	EmittedAt   time.Time     `json:"emitted_at"`
}

// AdvertEntry is one destination in a published distance vector. NextHop is
// carried so receivers can apply poison reverse on the shared medium.
type AdvertEntry struct {
	Destination string `json:"destination"`
	NextHop     string `json:"next_hop"`
	Metric      int    `json:"metric"`
}

// VectorRecord is a full distance-vector advertisement, overwritten in place
// on every advertise cycle.
type VectorRecord struct {
	Origin    ParticipantID `json:"sender"`
	UpdateID  string        `json:"update_id"`
	Entries   []AdvertEntry `json:"routes"`
	EmittedAt time.Time     `json:"emitted_at"`
}
