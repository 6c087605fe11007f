package logging_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classnet/classnet/internal/logging"
)

type captureSink struct {
	mu     sync.Mutex
	events []logging.Event
	block  chan struct{}
}

func (c *captureSink) LogEvent(component, level, message string, ts time.Time) {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, logging.Event{
		Component: component, Level: level, Message: message, Timestamp: ts,
	})
}

func (c *captureSink) snapshot() []logging.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]logging.Event(nil), c.events...)
}

func TestBufferedSinkForwards(t *testing.T) {
	downstream := &captureSink{}
	s := logging.NewBufferedSink(8, downstream)

	s.LogEvent("engine", "info", "delivered msg 1", time.Now())
	s.LogEvent("heartbeat", "warn", "peer suspected", time.Now())
	s.Close()

	events := downstream.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, "engine", events[0].Component)
	assert.Equal(t, "peer suspected", events[1].Message)
	assert.Equal(t, 0, s.Dropped())
}

func TestBufferedSinkDropsOldestWithoutBlocking(t *testing.T) {
	block := make(chan struct{})
	downstream := &captureSink{block: block}
	s := logging.NewBufferedSink(4, downstream)

	// The drain goroutine is stalled on the first event; the rest overflow
	// the buffer. LogEvent must return promptly regardless.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			s.LogEvent("engine", "info", "flood", time.Now())
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("LogEvent blocked under backpressure")
	}

	close(block)
	s.Close()
	assert.Greater(t, s.Dropped(), 0)
}

func TestBufferedSinkCloseIsIdempotentAndSafe(t *testing.T) {
	downstream := &captureSink{}
	s := logging.NewBufferedSink(4, downstream)

	s.LogEvent("routing", "info", "route added", time.Now())
	s.Close()
	s.Close()

	// Events after close are discarded silently.
	s.LogEvent("routing", "info", "late", time.Now())

	events := downstream.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, "route added", events[0].Message)
}
