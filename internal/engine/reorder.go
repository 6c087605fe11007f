package engine

import (
	"sort"
	"time"

	"github.com/classnet/classnet/internal/exchange"
)

type heldMessage struct {
	rec    exchange.MessageRecord
	heldAt time.Time
}

// reorderBuffer restores per-sender msg-id order within a bounded window.
// Arrivals at or above the release watermark pass through sorted; a
// straggler below the watermark is held up to the window, then delivered
// out of order rather than dropped.
type reorderBuffer struct {
	window       time.Duration
	lastReleased uint64
	lastActive   time.Time
	held         []heldMessage
}

func newReorderBuffer(window time.Duration, now time.Time) *reorderBuffer {
	return &reorderBuffer{window: window, lastActive: now}
}

func (b *reorderBuffer) add(rec exchange.MessageRecord, now time.Time) {
	b.held = append(b.held, heldMessage{rec: rec, heldAt: now})
	b.lastActive = now
}

// release returns the messages releasable at now, ascending by msg id.
func (b *reorderBuffer) release(now time.Time) []exchange.MessageRecord {
	if len(b.held) == 0 {
		return nil
	}
	sort.Slice(b.held, func(i, j int) bool { return b.held[i].rec.MsgID < b.held[j].rec.MsgID })

	var out []exchange.MessageRecord
	remaining := b.held[:0]
	for _, h := range b.held {
		switch {
		case h.rec.MsgID >= b.lastReleased:
			out = append(out, h.rec)
			b.lastReleased = h.rec.MsgID
		case now.Sub(h.heldAt) >= b.window:
			// Held past the window: out-of-order beats dropped.
			out = append(out, h.rec)
		default:
			remaining = append(remaining, h)
		}
	}
	b.held = remaining
	return out
}
