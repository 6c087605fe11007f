// Package routing maintains a RIP-style distance-vector table over the
// participant graph. Reachability between Alive peers is the link signal;
// vectors are exchanged through the shared store and relaxed Bellman-Ford
// style with poison reverse and route expiry.
package routing

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/classnet/classnet/internal/exchange"
	"github.com/classnet/classnet/internal/logging"
)

// InfinityMetric is the unreachable sentinel. Metrics are clamped to it,
// which bounds count-to-infinity divergence.
const InfinityMetric = 16

// Entry is one routing table row, keyed by destination.
type Entry struct {
	Destination string    `json:"destination"`
	NextHop     string    `json:"next_hop"`
	Metric      int       `json:"metric"`
	LastUpdated time.Time `json:"last_updated"`
}

type row struct {
	nextHop     string
	metric      int
	lastUpdated time.Time
	expiredAt   time.Time // set when clamped to infinity, drives GC
}

// Table is a per-node distance-vector routing table. It is a per-process
// instance, passed explicitly to its scheduler.
type Table struct {
	mu          sync.RWMutex
	self        string
	rows        map[string]*row
	routeExpiry time.Duration
	gcDelay     time.Duration
	onChange    func([]Entry)
	logger      *zap.Logger
	events      logging.Sink
}

// NewTable creates a Table seeded with the self entry at metric 0.
// onChange receives a sorted snapshot after every mutation; it may be nil.
func NewTable(self exchange.ParticipantID, routeExpiry, gcDelay time.Duration,
	onChange func([]Entry), logger *zap.Logger, events logging.Sink) *Table {
	t := &Table{
		self:        self.String(),
		rows:        make(map[string]*row),
		routeExpiry: routeExpiry,
		gcDelay:     gcDelay,
		onChange:    onChange,
		logger:      logger,
		events:      events,
	}
	t.rows[t.self] = &row{nextHop: t.self, metric: 0, lastUpdated: time.Now()}
	return t
}

// ApplyVector relaxes the table with a neighbor's advertisement. The
// neighbor itself is reachable at one hop; every advertised destination is
// a candidate at advertised+1, clamped to infinity. Entries whose next hop
// is this node are poison-reversed to infinity on receipt, since the shared
// medium delivers one advertisement to all neighbors alike.
func (t *Table) ApplyVector(rec exchange.VectorRecord, now time.Time) bool {
	neighbor := rec.Origin.String()
	if neighbor == t.self {
		return false
	}

	t.mu.Lock()
	changed := t.relax(neighbor, neighbor, 1, now)

	for _, adv := range rec.Entries {
		if adv.Destination == t.self || adv.Destination == neighbor {
			continue
		}
		metric := adv.Metric
		if adv.NextHop == t.self {
			metric = InfinityMetric
		}
		candidate := metric + 1
		if candidate > InfinityMetric {
			candidate = InfinityMetric
		}
		if t.relax(adv.Destination, neighbor, candidate, now) {
			changed = true
		}
	}
	t.mu.Unlock()

	if changed {
		t.notify()
	}
	return changed
}

// relax applies the distance-vector update rule for one destination. Must
// be called with the lock held.
func (t *Table) relax(dest, via string, candidate int, now time.Time) bool {
	cur, ok := t.rows[dest]
	switch {
	case !ok:
		if candidate >= InfinityMetric {
			return false
		}
		t.rows[dest] = &row{nextHop: via, metric: candidate, lastUpdated: now}
		return true
	case candidate < cur.metric:
		cur.nextHop = via
		cur.metric = candidate
		cur.lastUpdated = now
		cur.expiredAt = time.Time{}
		return true
	case cur.nextHop == via:
		// Route through this neighbor: adopt its view even if worse, and
		// refresh the timer either way.
		cur.lastUpdated = now
		if candidate != cur.metric {
			cur.metric = candidate
			if candidate >= InfinityMetric {
				cur.expiredAt = now
			} else {
				cur.expiredAt = time.Time{}
			}
			return true
		}
		return false
	default:
		return false
	}
}

// MarkUnreachable clamps the direct route to dest, and every route hopping
// through dest, to infinity. Called when the heartbeat monitor declares a
// participant Dead, so convergence does not wait for natural expiry.
func (t *Table) MarkUnreachable(dest exchange.ParticipantID, now time.Time) {
	key := dest.String()
	changed := false

	t.mu.Lock()
	for d, r := range t.rows {
		if d == t.self {
			continue
		}
		if (d == key || r.nextHop == key) && r.metric < InfinityMetric {
			r.metric = InfinityMetric
			r.expiredAt = now
			changed = true
		}
	}
	t.mu.Unlock()

	if changed {
		t.logger.Info("Routes poisoned for dead participant", zap.String("participant", key))
		t.events.LogEvent("routing", "warn", "routes to "+key+" set to infinity", now)
		t.notify()
	}
}

// ExpireRoutes clamps stale routes to infinity and garbage-collects routes
// that stayed unreachable past the GC delay.
func (t *Table) ExpireRoutes(now time.Time) {
	changed := false

	t.mu.Lock()
	for dest, r := range t.rows {
		if dest == t.self {
			continue
		}
		if r.metric < InfinityMetric && now.Sub(r.lastUpdated) > t.routeExpiry {
			r.metric = InfinityMetric
			r.expiredAt = now
			changed = true
			t.logger.Debug("Route expired", zap.String("destination", dest))
		}
		if r.metric >= InfinityMetric && !r.expiredAt.IsZero() && now.Sub(r.expiredAt) > t.gcDelay {
			delete(t.rows, dest)
			changed = true
		}
	}
	t.mu.Unlock()

	if changed {
		t.notify()
	}
}

// Advertisement builds this node's full vector record, next hops included.
func (t *Table) Advertisement(origin exchange.ParticipantID, now time.Time) exchange.VectorRecord {
	t.mu.RLock()
	entries := make([]exchange.AdvertEntry, 0, len(t.rows))
	for dest, r := range t.rows {
		entries = append(entries, exchange.AdvertEntry{
			Destination: dest,
			NextHop:     r.nextHop,
			Metric:      r.metric,
		})
	}
	t.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Destination < entries[j].Destination })
	return exchange.VectorRecord{
		Origin:    origin,
		UpdateID:  uuid.NewString(),
		Entries:   entries,
		EmittedAt: now,
	}
}

// Route returns the entry for dest, if any.
func (t *Table) Route(dest string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.rows[dest]
	if !ok {
		return Entry{}, false
	}
	return Entry{Destination: dest, NextHop: r.nextHop, Metric: r.metric, LastUpdated: r.lastUpdated}, true
}

// Snapshot returns all entries sorted by destination.
func (t *Table) Snapshot() []Entry {
	t.mu.RLock()
	out := make([]Entry, 0, len(t.rows))
	for dest, r := range t.rows {
		out = append(out, Entry{
			Destination: dest,
			NextHop:     r.nextHop,
			Metric:      r.metric,
			LastUpdated: r.lastUpdated,
		})
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Destination < out[j].Destination })
	return out
}

func (t *Table) notify() {
	if t.onChange != nil {
		t.onChange(t.Snapshot())
	}
}
