// Package roster provides thread-safe tracking of known participants,
// their liveness, and their enrollment and vote submissions.
package roster

import (
	"sort"
	"sync"
	"time"

	"github.com/classnet/classnet/internal/exchange"
	"github.com/classnet/classnet/internal/heartbeat"
)

// Member is one tracked participant.
type Member struct {
	ID       exchange.ParticipantID
	Teacher  bool
	State    heartbeat.State
	Enrolled bool
	Voted    bool
	LastSeen time.Time
}

// Roster tracks participants and their election bookkeeping. Ballot
// contents stay opaque; only intake is recorded here.
type Roster struct {
	mu      sync.RWMutex
	members map[exchange.ParticipantID]*Member
	ballots map[exchange.ParticipantID][]byte
}

// New creates an empty Roster.
func New() *Roster {
	return &Roster{
		members: make(map[exchange.ParticipantID]*Member),
		ballots: make(map[exchange.ParticipantID][]byte),
	}
}

// Upsert registers or refreshes a participant.
func (r *Roster) Upsert(id exchange.ParticipantID, teacher bool, seen time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[id]
	if !ok {
		m = &Member{ID: id, State: heartbeat.StateAlive}
		r.members[id] = m
	}
	m.Teacher = teacher
	if seen.After(m.LastSeen) {
		m.LastSeen = seen
	}
}

// SetLiveness records a liveness transition for a participant.
func (r *Roster) SetLiveness(id exchange.ParticipantID, state heartbeat.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.members[id]; ok {
		m.State = state
	}
}

// MarkEnrolled records an enrollment. Returns false on duplicates.
func (r *Roster) MarkEnrolled(id exchange.ParticipantID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[id]
	if !ok {
		m = &Member{ID: id, State: heartbeat.StateAlive}
		r.members[id] = m
	}
	if m.Enrolled {
		return false
	}
	m.Enrolled = true
	return true
}

// MarkVoted records a vote submission with its opaque ballot. Returns false
// on duplicates; the first ballot wins.
func (r *Roster) MarkVoted(id exchange.ParticipantID, ballot []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[id]
	if !ok {
		m = &Member{ID: id, State: heartbeat.StateAlive}
		r.members[id] = m
	}
	if m.Voted {
		return false
	}
	m.Voted = true
	cp := make([]byte, len(ballot))
	copy(cp, ballot)
	r.ballots[id] = cp
	return true
}

// IsEnrolled reports whether the participant has enrolled.
func (r *Roster) IsEnrolled(id exchange.ParticipantID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[id]
	return ok && m.Enrolled
}

// EnrolledCount returns how many participants have enrolled.
func (r *Roster) EnrolledCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, m := range r.members {
		if m.Enrolled {
			n++
		}
	}
	return n
}

// VotedCount returns how many participants have voted.
func (r *Roster) VotedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, m := range r.members {
		if m.Voted {
			n++
		}
	}
	return n
}

// Ballots returns a copy of the collected ballots.
func (r *Roster) Ballots() map[exchange.ParticipantID][]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[exchange.ParticipantID][]byte, len(r.ballots))
	for id, b := range r.ballots {
		cp := make([]byte, len(b))
		copy(cp, b)
		out[id] = cp
	}
	return out
}

// Remove drops a participant and its ballot.
func (r *Roster) Remove(id exchange.ParticipantID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, id)
	delete(r.ballots, id)
}

// Snapshot returns all members sorted by participant id.
func (r *Roster) Snapshot() []Member {
	r.mu.RLock()
	out := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, *m)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}
