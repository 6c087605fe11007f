// Package heartbeat tracks participant liveness from presence records
// observed in the shared exchange store.
package heartbeat

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/classnet/classnet/internal/exchange"
	"github.com/classnet/classnet/internal/logging"
)

// Event describes one liveness transition.
type Event struct {
	Participant exchange.ParticipantID
	From        State
	To          State
	At          time.Time
}

// PeerStatus is a point-in-time view of one tracked participant.
type PeerStatus struct {
	Participant exchange.ParticipantID
	Teacher     bool
	State       State
	LastSeen    time.Time
	LastSeq     uint64
}

type peerEntry struct {
	id          exchange.ParticipantID
	teacher     bool
	lastSeen    time.Time
	lastSeq     uint64
	state       State
	deadCleared bool
}

// Monitor is the per-process liveness tracker. It is not a singleton so
// multiple participants can run in one test harness.
type Monitor struct {
	mu             sync.RWMutex
	self           exchange.ParticipantID
	peers          map[exchange.ParticipantID]*peerEntry
	suspectTimeout time.Duration
	deadTimeout    time.Duration
	onChange       func(Event)
	logger         *zap.Logger
	events         logging.Sink
}

// NewMonitor creates a Monitor. onChange is invoked from the monitor's own
// scheduling context for every liveness transition; it may be nil.
func NewMonitor(self exchange.ParticipantID, suspectTimeout, deadTimeout time.Duration,
	onChange func(Event), logger *zap.Logger, events logging.Sink) *Monitor {
	return &Monitor{
		self:           self,
		peers:          make(map[exchange.ParticipantID]*peerEntry),
		suspectTimeout: suspectTimeout,
		deadTimeout:    deadTimeout,
		onChange:       onChange,
		logger:         logger,
		events:         events,
	}
}

// Observe folds a batch of presence records into the tracker. Only the
// freshness of the latest sequence matters; replays of old records are
// ignored. A sequence regression with a fresher emission time marks a
// restarted incarnation and is accepted, including out of Dead: a restart
// resets the emitter's counter, whereas flapping heartbeats keep counting
// up. A Dead participant with a still-rising sequence is not revived until
// an explicit re-enrollment clears the dead flag.
func (m *Monitor) Observe(records []exchange.PresenceRecord, now time.Time) {
	var fired []Event
	m.mu.Lock()
	for _, rec := range records {
		if rec.Participant == m.self {
			continue
		}
		p, ok := m.peers[rec.Participant]
		if !ok {
			p = &peerEntry{
				id:       rec.Participant,
				teacher:  rec.Teacher,
				lastSeen: rec.EmittedAt,
				lastSeq:  rec.Sequence,
				state:    StateAlive,
			}
			m.peers[rec.Participant] = p
			fired = append(fired, Event{Participant: p.id, From: StateDead, To: StateAlive, At: now})
			continue
		}
		restarted := false
		if rec.Sequence <= p.lastSeq {
			if !rec.EmittedAt.After(p.lastSeen) {
				continue
			}
			restarted = true
		}
		p.lastSeq = rec.Sequence
		p.lastSeen = rec.EmittedAt
		p.teacher = rec.Teacher

		switch p.state {
		case StateSuspected:
			p.state = StateAlive
			fired = append(fired, Event{Participant: p.id, From: StateSuspected, To: StateAlive, At: now})
		case StateDead:
			// Silent heartbeats do not resurrect a dead participant; an
			// explicit re-enrollment must clear the dead flag first. A
			// restarted incarnation counts as its own re-announcement.
			if p.deadCleared || restarted {
				p.state = StateAlive
				p.deadCleared = false
				fired = append(fired, Event{Participant: p.id, From: StateDead, To: StateAlive, At: now})
			}
		}
	}
	m.mu.Unlock()
	m.fire(fired)
}

// Sweep applies the suspect and dead timeouts. Each silence episode
// produces exactly one Suspected and one Dead transition.
func (m *Monitor) Sweep(now time.Time) {
	var fired []Event
	m.mu.Lock()
	for _, p := range m.peers {
		gap := now.Sub(p.lastSeen)
		switch p.state {
		case StateAlive:
			if gap > m.suspectTimeout {
				p.state = StateSuspected
				fired = append(fired, Event{Participant: p.id, From: StateAlive, To: StateSuspected, At: now})
			}
		case StateSuspected:
			if gap > m.deadTimeout {
				p.state = StateDead
				p.deadCleared = false
				fired = append(fired, Event{Participant: p.id, From: StateSuspected, To: StateDead, At: now})
			}
		}
	}
	m.mu.Unlock()
	m.fire(fired)
}

// Reenroll clears the dead flag for a participant, allowing its next fresh
// presence record to bring it back to Alive.
func (m *Monitor) Reenroll(id exchange.ParticipantID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[id]; ok && p.state == StateDead {
		p.deadCleared = true
		m.logger.Info("Re-enrollment accepted for dead participant",
			zap.String("participant", id.String()))
	}
}

// StateOf returns the tracked state of a participant. Unknown participants
// report Dead.
func (m *Monitor) StateOf(id exchange.ParticipantID) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.peers[id]; ok {
		return p.state
	}
	return StateDead
}

// AlivePeers returns the participants currently in the Alive state.
func (m *Monitor) AlivePeers() []exchange.ParticipantID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []exchange.ParticipantID
	for _, p := range m.peers {
		if p.state == StateAlive {
			out = append(out, p.id)
		}
	}
	return out
}

// Snapshot returns the status of every tracked participant.
func (m *Monitor) Snapshot() []PeerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PeerStatus, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, PeerStatus{
			Participant: p.id,
			Teacher:     p.teacher,
			State:       p.state,
			LastSeen:    p.lastSeen,
			LastSeq:     p.lastSeq,
		})
	}
	return out
}

func (m *Monitor) fire(events []Event) {
	for _, ev := range events {
		m.logger.Info("Liveness changed",
			zap.String("participant", ev.Participant.String()),
			zap.String("from", ev.From.String()),
			zap.String("to", ev.To.String()),
		)
		m.events.LogEvent("heartbeat", "info",
			ev.Participant.String()+" -> "+ev.To.String(), ev.At)
		if m.onChange != nil {
			m.onChange(ev)
		}
	}
}
