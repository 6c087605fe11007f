// Package node provides the bootstrap pipeline for classnet participants:
// it wires the exchange store, message engine, heartbeat monitor, and
// routing table, and runs their schedules until shutdown.
package node

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/classnet/classnet/internal/config"
	"github.com/classnet/classnet/internal/engine"
	"github.com/classnet/classnet/internal/exchange"
	"github.com/classnet/classnet/internal/heartbeat"
	"github.com/classnet/classnet/internal/logging"
	"github.com/classnet/classnet/internal/roster"
	"github.com/classnet/classnet/internal/routing"
	"github.com/classnet/classnet/internal/state"
)

// Callbacks is the push surface consumed by GUI shells and other
// collaborators. All callbacks run on the participant's scheduling
// goroutines; long-blocking work inside them stalls the protocol.
type Callbacks struct {
	OnMessageDelivered  func(exchange.MessageRecord)
	OnDeliveryFailed    func(msgID uint64)
	OnLivenessChanged   func(exchange.ParticipantID, heartbeat.State)
	OnRouteTableChanged func([]routing.Entry)
}

// Health is a point-in-time snapshot of the participant's protocol state.
type Health struct {
	Participant      string `json:"participant"`
	Role             string `json:"role"`
	Phase            string `json:"phase"`
	ActivePeers      int    `json:"active_peers"`
	PendingAcks      int    `json:"pending_acks"`
	Delivered        uint64 `json:"delivered"`
	FailedDeliveries uint64 `json:"failed_deliveries"`
	Enrolled         int    `json:"enrolled"`
	Voted            int    `json:"voted"`
	RouteCount       int    `json:"route_count"`
}

// Participant bootstraps one classnet node and runs its schedules.
type Participant struct {
	cfg       *config.Config
	self      exchange.ParticipantID
	role      Role
	teacherID exchange.ParticipantID

	store   *exchange.FileStore
	local   *state.Store
	engine  *engine.Engine
	monitor *heartbeat.Monitor
	table   *routing.Table
	roster  *roster.Roster

	phase       atomic.Int32
	presenceSeq atomic.Uint64
	delivered   atomic.Uint64
	failed      atomic.Uint64

	mu     sync.RWMutex
	cb     Callbacks
	recent []exchange.MessageRecord

	logger *zap.Logger
	events logging.Sink
}

// NewParticipant wires all components. Inability to access the exchange
// store root is the only fatal startup condition.
func NewParticipant(cfg *config.Config, role Role, self, teacherID exchange.ParticipantID,
	cb Callbacks, logger *zap.Logger, events logging.Sink) (*Participant, error) {
	if role == RoleTeacher {
		teacherID = self
	}
	if events == nil {
		events = logging.NopSink{}
	}

	store, err := exchange.NewFileStore(cfg.Store.RootPath, logger)
	if err != nil {
		return nil, fmt.Errorf("exchange store: %w", err)
	}

	statePath := cfg.Store.StatePath
	if statePath == "" {
		statePath = fmt.Sprintf("/tmp/classnet-state-%d", self.Port)
	}
	local := state.NewStore(statePath, logger)
	if err := local.Init(); err != nil {
		return nil, fmt.Errorf("participant state: %w", err)
	}

	p := &Participant{
		cfg:       cfg,
		self:      self,
		role:      role,
		teacherID: teacherID,
		store:     store,
		local:     local,
		roster:    roster.New(),
		cb:        cb,
		logger:    logger,
		events:    events,
	}

	p.table = routing.NewTable(self, cfg.Timing.RouteExpiry, cfg.Timing.RouteExpiry/2,
		p.onRouteChange, logger, events)

	p.monitor = heartbeat.NewMonitor(self, cfg.Timing.SuspectTimeout, cfg.Timing.DeadTimeout,
		p.onLiveness, logger, events)

	p.engine = engine.New(self, role == RoleTeacher, teacherID, store, local, p.monitor,
		engine.Config{
			RetryMaxAttempts: cfg.Delivery.RetryMaxAttempts,
			RetryBaseTimeout: cfg.Delivery.RetryBaseTimeout,
			ReorderWindow:    cfg.Delivery.ReorderWindow,
			Retention:        cfg.Store.Retention,
		},
		engine.Callbacks{
			OnMessageDelivered: p.onDelivered,
			OnDeliveryFailed:   p.onFailed,
		},
		logger, events)

	return p, nil
}

// Self returns this participant's identity.
func (p *Participant) Self() exchange.ParticipantID { return p.self }

// Role returns this participant's role.
func (p *Participant) Role() Role { return p.role }

// Run starts all schedules and blocks until the context is cancelled.
// Shutdown abandons in-flight retries; already-written records are cleaned
// up by the periodic sweeper or the next startup.
func (p *Participant) Run(ctx context.Context) error {
	p.logger.Info("Starting classnet participant",
		zap.String("id", p.self.String()),
		zap.String("role", p.role.String()),
		zap.String("store", p.store.Root()),
	)

	// Opportunistic cleanup of leftovers from previous runs.
	p.store.Sweep(p.cfg.Store.Retention, p.cfg.Timing.DeadTimeout*2)
	if _, err := p.local.CleanDelivered(p.cfg.Store.Retention); err != nil {
		p.logger.Warn("Delivered-set cleanup failed", zap.Error(err))
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.runTicker(ctx, p.cfg.Timing.HeartbeatPeriod, p.emitPresence) })
	g.Go(func() error { return p.runTicker(ctx, p.cfg.Timing.PollInterval, p.pollInbound) })
	g.Go(func() error { return p.runTicker(ctx, p.cfg.Timing.PollInterval, p.scanRetries) })
	g.Go(func() error { return p.runTicker(ctx, p.cfg.Timing.HeartbeatPeriod, p.sweepLiveness) })
	g.Go(func() error { return p.runTicker(ctx, p.cfg.Timing.AdvertiseInterval, p.advertiseAndRelax) })
	g.Go(func() error { return p.runTicker(ctx, p.cfg.Store.Retention/2, p.sweepStore) })

	err := g.Wait()
	p.Close()
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// Close releases the local state database.
func (p *Participant) Close() {
	if err := p.local.Close(); err != nil {
		p.logger.Warn("State close failed", zap.Error(err))
	}
}

func (p *Participant) runTicker(ctx context.Context, period time.Duration, fn func(time.Time)) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			fn(now)
		}
	}
}

// --- Schedules ---

func (p *Participant) emitPresence(now time.Time) {
	rec := exchange.PresenceRecord{
		Participant: p.self,
		Teacher:     p.role == RoleTeacher,
		Sequence:    p.presenceSeq.Add(1),
		EmittedAt:   now,
	}
	if err := p.store.PutPresence(rec); err != nil {
		p.logger.Warn("Presence write failed", zap.Error(err))
	}
}

func (p *Participant) pollInbound(now time.Time) {
	p.engine.Poll(now)
}

func (p *Participant) scanRetries(now time.Time) {
	p.engine.RetryScan(now)
}

func (p *Participant) sweepLiveness(now time.Time) {
	records, err := p.store.ListPresence()
	if err != nil {
		p.logger.Warn("Presence read skipped", zap.Error(err))
		return
	}
	for _, rec := range records {
		if rec.Participant != p.self {
			p.roster.Upsert(rec.Participant, rec.Teacher, rec.EmittedAt)
		}
	}
	p.monitor.Observe(records, now)
	p.monitor.Sweep(now)
}

func (p *Participant) advertiseAndRelax(now time.Time) {
	if err := p.store.PutVector(p.table.Advertisement(p.self, now)); err != nil {
		p.logger.Warn("Vector write failed", zap.Error(err))
	}

	vectors, err := p.store.ListVectors()
	if err != nil {
		p.logger.Warn("Vector read skipped", zap.Error(err))
		return
	}
	for _, vec := range vectors {
		if vec.Origin == p.self {
			continue
		}
		// Neighbors are Alive participants; vectors from suspected or dead
		// peers are ignored rather than relaxed in.
		if p.monitor.StateOf(vec.Origin) != heartbeat.StateAlive {
			continue
		}
		p.table.ApplyVector(vec, now)
	}
	p.table.ExpireRoutes(now)
}

func (p *Participant) sweepStore(now time.Time) {
	p.store.Sweep(p.cfg.Store.Retention, p.cfg.Timing.DeadTimeout*2)
	if _, err := p.local.CleanDelivered(p.cfg.Store.Retention); err != nil {
		p.logger.Warn("Delivered-set cleanup failed", zap.Error(err))
	}
}

// --- Event plumbing ---

func (p *Participant) onLiveness(ev heartbeat.Event) {
	p.roster.SetLiveness(ev.Participant, ev.To)
	if ev.To == heartbeat.StateDead {
		p.table.MarkUnreachable(ev.Participant, ev.At)
	}
	p.mu.RLock()
	cb := p.cb.OnLivenessChanged
	p.mu.RUnlock()
	if cb != nil {
		cb(ev.Participant, ev.To)
	}
}

func (p *Participant) onRouteChange(snapshot []routing.Entry) {
	p.mu.RLock()
	cb := p.cb.OnRouteTableChanged
	p.mu.RUnlock()
	if cb != nil {
		cb(snapshot)
	}
}

// recentLimit bounds the delivered-message history kept for the REST
// surface.
const recentLimit = 100

func (p *Participant) onDelivered(rec exchange.MessageRecord) {
	p.delivered.Add(1)

	p.mu.Lock()
	p.recent = append(p.recent, rec)
	if len(p.recent) > recentLimit {
		p.recent = p.recent[len(p.recent)-recentLimit:]
	}
	p.mu.Unlock()

	switch rec.Scope.Kind {
	case exchange.ScopeEnrollment:
		if p.roster.MarkEnrolled(rec.Sender) {
			p.logger.Info("Student enrolled", zap.String("student", rec.Sender.String()))
		}
		// Enrollment is the explicit path back from Dead.
		p.monitor.Reenroll(rec.Sender)
	case exchange.ScopeVote:
		if p.roster.MarkVoted(rec.Sender, rec.Payload) {
			p.logger.Info("Vote received", zap.String("student", rec.Sender.String()))
		}
	case exchange.ScopeBroadcast:
		// Only the teacher drives phase transitions.
		if rec.Sender == p.teacherID {
			if env, err := decodeEnvelope(rec.Payload); err == nil && env.Kind == kindPhase {
				p.setPhase(ParsePhase(env.Phase))
			}
		}
	}

	p.mu.RLock()
	cb := p.cb.OnMessageDelivered
	p.mu.RUnlock()
	if cb != nil {
		cb(rec)
	}
}

func (p *Participant) onFailed(msgID uint64) {
	p.failed.Add(1)
	p.mu.RLock()
	cb := p.cb.OnDeliveryFailed
	p.mu.RUnlock()
	if cb != nil {
		cb(msgID)
	}
}

// --- Application operations ---

// SendBroadcast sends a chat message to all participants.
func (p *Participant) SendBroadcast(text string) (uint64, error) {
	payload, err := chatPayload(text)
	if err != nil {
		return 0, err
	}
	return p.engine.Send(exchange.Broadcast(), payload)
}

// SendPrivate sends a chat message to one participant.
func (p *Participant) SendPrivate(target exchange.ParticipantID, text string) (uint64, error) {
	payload, err := chatPayload(text)
	if err != nil {
		return 0, err
	}
	return p.engine.Send(exchange.Private(target), payload)
}

// StartEnrollment broadcasts the enrollment phase. Teacher only.
func (p *Participant) StartEnrollment() error { return p.broadcastPhase(PhaseEnrollment) }

// StartVoting broadcasts the voting phase. Teacher only.
func (p *Participant) StartVoting() error { return p.broadcastPhase(PhaseVoting) }

// EndElection broadcasts the ended phase. Teacher only.
func (p *Participant) EndElection() error { return p.broadcastPhase(PhaseEnded) }

func (p *Participant) broadcastPhase(phase Phase) error {
	if p.role != RoleTeacher {
		return fmt.Errorf("%s cannot change the election phase", p.role)
	}
	payload, err := phasePayload(phase)
	if err != nil {
		return err
	}
	if _, err := p.engine.Send(exchange.Broadcast(), payload); err != nil {
		return err
	}
	p.setPhase(phase)
	p.logger.Info("Election phase changed", zap.String("phase", phase.String()))
	return nil
}

// Enroll submits this student's enrollment. Gated on the enrollment phase.
func (p *Participant) Enroll() (uint64, error) {
	if p.role != RoleStudent {
		return 0, fmt.Errorf("%s cannot enroll", p.role)
	}
	if p.Phase() != PhaseEnrollment {
		return 0, fmt.Errorf("enrollment phase not active (current: %s)", p.Phase())
	}
	return p.engine.Send(exchange.Enrollment(), []byte(p.self.String()))
}

// CastVote submits this student's ballot. Gated on the voting phase.
func (p *Participant) CastVote(ballot []byte) (uint64, error) {
	if p.role != RoleStudent {
		return 0, fmt.Errorf("%s cannot vote", p.role)
	}
	if p.Phase() != PhaseVoting {
		return 0, fmt.Errorf("voting phase not active (current: %s)", p.Phase())
	}
	return p.engine.Send(exchange.Vote(), ballot)
}

// Phase returns the last observed election phase.
func (p *Participant) Phase() Phase {
	return Phase(p.phase.Load())
}

func (p *Participant) setPhase(phase Phase) {
	p.phase.Store(int32(phase))
}

// --- Snapshots for the REST surface ---

// Health returns the system health snapshot.
func (p *Participant) Health() Health {
	return Health{
		Participant:      p.self.String(),
		Role:             p.role.String(),
		Phase:            p.Phase().String(),
		ActivePeers:      len(p.monitor.AlivePeers()),
		PendingAcks:      p.engine.PendingCount(),
		Delivered:        p.delivered.Load(),
		FailedDeliveries: p.failed.Load(),
		Enrolled:         p.roster.EnrolledCount(),
		Voted:            p.roster.VotedCount(),
		RouteCount:       len(p.table.Snapshot()),
	}
}

// Peers returns the roster snapshot.
func (p *Participant) Peers() []roster.Member { return p.roster.Snapshot() }

// Routes returns the routing table snapshot.
func (p *Participant) Routes() []routing.Entry { return p.table.Snapshot() }

// Messages returns the most recently delivered messages, oldest first.
func (p *Participant) Messages() []exchange.MessageRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]exchange.MessageRecord(nil), p.recent...)
}
