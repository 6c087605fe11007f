// Package engine implements the reliable message exchange: send with
// acknowledgement tracking and bounded retries, and polling with dedup and
// per-sender ordering.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/classnet/classnet/internal/exchange"
	"github.com/classnet/classnet/internal/logging"
	"github.com/classnet/classnet/internal/state"
)

// deliveredCacheSize bounds the in-memory dedup cache; older identities
// fall through to the persistent delivered-set.
const deliveredCacheSize = 4096

// ErrUnknownScope is returned for a scope kind outside the closed set.
var ErrUnknownScope = errors.New("engine: unknown message scope")

// Callbacks are invoked from the engine's own scheduling context.
// Collaborators must not block inside them.
type Callbacks struct {
	OnMessageDelivered func(exchange.MessageRecord)
	OnDeliveryFailed   func(msgID uint64)
}

// AliveSet supplies the participants a broadcast expects acks from.
type AliveSet interface {
	AlivePeers() []exchange.ParticipantID
}

// Config holds the delivery knobs.
type Config struct {
	RetryMaxAttempts int
	RetryBaseTimeout time.Duration
	ReorderWindow    time.Duration
	Retention        time.Duration
}

type pendingMessage struct {
	rec       exchange.MessageRecord
	expected  []exchange.ParticipantID
	acked     map[exchange.ParticipantID]bool
	attempts  int
	nextRetry time.Time
}

// Engine owns message-id allocation, dedup, ordering, and ack bookkeeping
// for one participant.
type Engine struct {
	self    exchange.ParticipantID
	teacher bool
	// teacherID is where Enrollment and Vote messages are addressed.
	teacherID exchange.ParticipantID

	store *exchange.FileStore
	local *state.Store
	alive AliveSet
	cfg   Config
	cb    Callbacks

	delivered *expirable.LRU[string, struct{}]

	mu      sync.Mutex
	pending map[uint64]*pendingMessage
	reorder map[exchange.ParticipantID]*reorderBuffer
	cursor  exchange.Cursor

	logger *zap.Logger
	events logging.Sink
}

// New creates an Engine for self. teacherID addresses enrollment and vote
// traffic; for the teacher itself it equals self.
func New(self exchange.ParticipantID, isTeacher bool, teacherID exchange.ParticipantID,
	store *exchange.FileStore, local *state.Store, alive AliveSet, cfg Config,
	cb Callbacks, logger *zap.Logger, events logging.Sink) *Engine {
	return &Engine{
		self:      self,
		teacher:   isTeacher,
		teacherID: teacherID,
		store:     store,
		local:     local,
		alive:     alive,
		cfg:       cfg,
		cb:        cb,
		delivered: expirable.NewLRU[string, struct{}](deliveredCacheSize, nil, cfg.Retention),
		pending:   make(map[uint64]*pendingMessage),
		reorder:   make(map[exchange.ParticipantID]*reorderBuffer),
		logger:    logger,
		events:    events,
	}
}

// Send allocates the next msg id, writes the record, and registers it for
// ack tracking. Delivery confirmation is asynchronous; a write that fails
// after bounded retries surfaces as a DeliveryFailed callback, not an error
// from Send.
func (e *Engine) Send(scope exchange.Scope, payload []byte) (uint64, error) {
	msgID, err := e.local.NextMessageID()
	if err != nil {
		return 0, fmt.Errorf("allocate msg id: %w", err)
	}

	rec := exchange.MessageRecord{
		Sender:    e.self,
		Scope:     scope,
		MsgID:     msgID,
		Payload:   payload,
		CreatedAt: time.Now(),
	}

	expected, err := e.expectedAckers(scope)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	e.mu.Lock()
	e.pending[msgID] = &pendingMessage{
		rec:       rec,
		expected:  expected,
		acked:     make(map[exchange.ParticipantID]bool),
		attempts:  1,
		nextRetry: now.Add(e.cfg.RetryBaseTimeout),
	}
	e.mu.Unlock()

	if err := e.writeWithRetry(rec); err != nil {
		e.failPending(msgID)
		return msgID, nil
	}

	e.logger.Debug("Message sent",
		zap.Uint64("msg_id", msgID),
		zap.String("scope", scope.Kind.String()),
	)
	return msgID, nil
}

// expectedAckers resolves the recipient set a scope expects acks from at
// send time.
func (e *Engine) expectedAckers(scope exchange.Scope) ([]exchange.ParticipantID, error) {
	switch scope.Kind {
	case exchange.ScopeBroadcast:
		return e.alive.AlivePeers(), nil
	case exchange.ScopePrivate:
		return []exchange.ParticipantID{scope.Target}, nil
	case exchange.ScopeEnrollment, exchange.ScopeVote:
		return []exchange.ParticipantID{e.teacherID}, nil
	default:
		return nil, ErrUnknownScope
	}
}

// writeWithRetry performs the bounded store write, backing off between
// attempts before the failure escalates.
func (e *Engine) writeWithRetry(rec exchange.MessageRecord) error {
	return retry.Do(func() error {
		return e.store.PutMessage(rec)
	},
		retry.Attempts(uint(e.cfg.RetryMaxAttempts)),
		retry.Delay(e.cfg.RetryBaseTimeout/4),
		retry.OnRetry(func(n uint, err error) {
			e.logger.Warn("Store write retry",
				zap.Uint64("msg_id", rec.MsgID), zap.Uint("attempt", n), zap.Error(err))
		}),
	)
}

// RetryScan completes pendings whose acks arrived, resends overdue ones
// with exponential backoff, and reports exactly one DeliveryFailed when the
// attempt ceiling is reached.
func (e *Engine) RetryScan(now time.Time) {
	type resend struct{ rec exchange.MessageRecord }
	var resends []resend
	var failed []uint64

	e.mu.Lock()
	for msgID, p := range e.pending {
		outstanding := 0
		for _, acker := range p.expected {
			if p.acked[acker] {
				continue
			}
			if e.store.AckExists(e.self, msgID, acker) {
				p.acked[acker] = true
				continue
			}
			outstanding++
		}
		if outstanding == 0 {
			delete(e.pending, msgID)
			e.logger.Debug("Delivery confirmed", zap.Uint64("msg_id", msgID))
			continue
		}
		if now.Before(p.nextRetry) {
			continue
		}
		if p.attempts >= e.cfg.RetryMaxAttempts {
			delete(e.pending, msgID)
			failed = append(failed, msgID)
			continue
		}
		p.attempts++
		// Exponential backoff: base, 2x, 4x, ...
		backoff := e.cfg.RetryBaseTimeout << uint(p.attempts-1)
		p.nextRetry = now.Add(backoff)
		resends = append(resends, resend{rec: p.rec})
	}
	e.mu.Unlock()

	for _, r := range resends {
		if err := e.store.PutMessage(r.rec); err != nil {
			e.logger.Warn("Resend failed", zap.Uint64("msg_id", r.rec.MsgID), zap.Error(err))
		} else {
			e.logger.Info("Message resent", zap.Uint64("msg_id", r.rec.MsgID))
			e.events.LogEvent("engine", "info",
				fmt.Sprintf("resent msg %d", r.rec.MsgID), now)
		}
	}
	for _, msgID := range failed {
		e.reportFailure(msgID, now)
	}
}

// Poll reads newly visible records addressed to this participant, dedups,
// restores per-sender order, acknowledges, and hands each message to the
// application exactly once.
func (e *Engine) Poll(now time.Time) {
	e.mu.Lock()
	cursor := e.cursor
	e.mu.Unlock()

	records, next, err := e.store.ListMessagesSince(cursor)
	if err != nil {
		// Transient: skip this cycle, keep the old cursor.
		e.logger.Warn("Poll cycle skipped", zap.Error(err))
		return
	}

	e.mu.Lock()
	e.cursor = next
	for _, rec := range records {
		if !rec.Scope.Includes(rec.Sender, e.self, e.teacher) {
			continue
		}
		if e.seen(rec) {
			continue
		}
		buf, ok := e.reorder[rec.Sender]
		if !ok {
			buf = newReorderBuffer(e.cfg.ReorderWindow, now)
			e.reorder[rec.Sender] = buf
		}
		buf.add(rec, now)
	}

	var ready []exchange.MessageRecord
	for sender, buf := range e.reorder {
		ready = append(ready, buf.release(now)...)
		// Drained buffers of senders idle past the retention window are
		// dropped so departed peers do not accumulate state.
		if len(buf.held) == 0 && now.Sub(buf.lastActive) > e.cfg.Retention {
			delete(e.reorder, sender)
		}
	}
	e.mu.Unlock()

	for _, rec := range ready {
		e.deliver(rec, now)
	}
}

// seen reports and records whether the record was already observed. Must be
// called with the lock held.
func (e *Engine) seen(rec exchange.MessageRecord) bool {
	id := rec.Identity()
	if _, ok := e.delivered.Get(id); ok {
		return true
	}
	if done, err := e.local.WasDelivered(rec.Sender.String(), rec.MsgID); err == nil && done {
		e.delivered.Add(id, struct{}{})
		return true
	}
	e.delivered.Add(id, struct{}{})
	return false
}

func (e *Engine) deliver(rec exchange.MessageRecord, now time.Time) {
	if err := e.local.MarkDelivered(rec.Sender.String(), rec.MsgID); err != nil {
		e.logger.Warn("Delivered-set update failed",
			zap.String("identity", rec.Identity()), zap.Error(err))
	}
	if err := e.Acknowledge(rec); err != nil {
		e.logger.Warn("Ack write failed",
			zap.String("identity", rec.Identity()), zap.Error(err))
	}
	e.events.LogEvent("engine", "info",
		fmt.Sprintf("delivered msg %d from %s", rec.MsgID, rec.Sender), now)
	if e.cb.OnMessageDelivered != nil {
		e.cb.OnMessageDelivered(rec)
	}
}

// Acknowledge writes the ack record for a received message. Acknowledging
// twice is a no-op, not an error.
func (e *Engine) Acknowledge(rec exchange.MessageRecord) error {
	wrote, err := e.store.PutAck(exchange.AckRecord{
		Acker:          e.self,
		OriginalSender: rec.Sender,
		MsgID:          rec.MsgID,
		AckedAt:        time.Now(),
	})
	if err != nil {
		return err
	}
	if !wrote {
		e.logger.Debug("Duplicate ack ignored", zap.String("identity", rec.Identity()))
	}
	return nil
}

// PendingCount returns the number of messages awaiting acknowledgement.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// TrackedSenders returns the number of senders with a live reorder buffer.
func (e *Engine) TrackedSenders() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.reorder)
}

// HasPending reports whether msgID is still awaiting acknowledgement.
func (e *Engine) HasPending(msgID uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[msgID]
	return ok
}

func (e *Engine) failPending(msgID uint64) {
	e.mu.Lock()
	_, ok := e.pending[msgID]
	delete(e.pending, msgID)
	e.mu.Unlock()
	if ok {
		e.reportFailure(msgID, time.Now())
	}
}

func (e *Engine) reportFailure(msgID uint64, now time.Time) {
	e.logger.Warn("Delivery failed", zap.Uint64("msg_id", msgID))
	e.events.LogEvent("engine", "warn", fmt.Sprintf("delivery failed for msg %d", msgID), now)
	if e.cb.OnDeliveryFailed != nil {
		e.cb.OnDeliveryFailed(msgID)
	}
}
