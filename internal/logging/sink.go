package logging

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is one structured entry emitted by a protocol component.
type Event struct {
	Component string
	Level     string
	Message   string
	Timestamp time.Time
}

// Sink receives protocol events. Implementations must never block or fail
// the caller.
type Sink interface {
	LogEvent(component, level, message string, ts time.Time)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) LogEvent(string, string, string, time.Time) {}

// ZapSink forwards events to a zap logger.
type ZapSink struct {
	Logger *zap.Logger
}

func (s ZapSink) LogEvent(component, level, message string, ts time.Time) {
	fields := []zap.Field{
		zap.String("component", component),
		zap.Time("event_time", ts),
	}
	switch level {
	case "debug":
		s.Logger.Debug(message, fields...)
	case "warn":
		s.Logger.Warn(message, fields...)
	case "error":
		s.Logger.Error(message, fields...)
	default:
		s.Logger.Info(message, fields...)
	}
}

// BufferedSink decouples emitters from the downstream sink with a bounded
// buffer. On backpressure the oldest buffered event is dropped so LogEvent
// never blocks.
type BufferedSink struct {
	mu         sync.Mutex
	buf        chan Event
	downstream Sink
	done       chan struct{}
	closeOnce  sync.Once
	closed     bool
	dropped    int
}

// NewBufferedSink starts a BufferedSink draining into downstream.
func NewBufferedSink(capacity int, downstream Sink) *BufferedSink {
	if capacity <= 0 {
		capacity = 256
	}
	s := &BufferedSink{
		buf:        make(chan Event, capacity),
		downstream: downstream,
		done:       make(chan struct{}),
	}
	go s.drain()
	return s
}

// LogEvent enqueues the event, dropping the oldest buffered one if full.
func (s *BufferedSink) LogEvent(component, level, message string, ts time.Time) {
	ev := Event{Component: component, Level: level, Message: message, Timestamp: ts}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.buf <- ev:
			return
		default:
		}
		select {
		case <-s.buf:
			s.dropped++
		default:
		}
	}
}

// Dropped returns how many events were discarded under backpressure.
func (s *BufferedSink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close stops the drain goroutine after flushing buffered events.
func (s *BufferedSink) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.buf)
		s.mu.Unlock()
		<-s.done
	})
}

func (s *BufferedSink) drain() {
	defer close(s.done)
	for ev := range s.buf {
		s.downstream.LogEvent(ev.Component, ev.Level, ev.Message, ev.Timestamp)
	}
}
