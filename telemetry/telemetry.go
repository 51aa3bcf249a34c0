// Package telemetry provides a fire-and-forget event sink for sync
// observability. Emission never blocks the dispatch cycle.
package telemetry

import (
	"sync"
	"time"
)

// Event names emitted by the coordinator.
const (
	EventSyncStarted        = "sync_started"
	EventBatchAcked         = "batch_acked"
	EventConflictDetected   = "conflict_detected"
	EventOperationAbandoned = "operation_abandoned"
	EventOperationFailed    = "operation_failed"
)

// Event is a single telemetry record.
type Event struct {
	Name       string
	EntityType string
	EntityID   string
	SyncID     string
	At         time.Time
	Fields     map[string]interface{}
}

// Sink accepts telemetry events. Implementations must not block.
type Sink interface {
	Emit(ev Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Emit(Event) {}

// AsyncSink buffers events on a channel and delivers them to a handler on a
// background goroutine. When the buffer is full the event is dropped:
// telemetry loss is always preferable to a stalled dispatch cycle.
type AsyncSink struct {
	ch      chan Event
	done    chan struct{}
	once    sync.Once
	dropped int64
	mu      sync.Mutex
}

// NewAsyncSink starts an AsyncSink delivering events to handler.
// bufferSize <= 0 defaults to 256.
func NewAsyncSink(bufferSize int, handler func(Event)) *AsyncSink {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	s := &AsyncSink{
		ch:   make(chan Event, bufferSize),
		done: make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		for ev := range s.ch {
			handler(ev)
		}
	}()
	return s
}

// Emit queues ev for delivery, dropping it if the buffer is full.
func (s *AsyncSink) Emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case s.ch <- ev:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}

// Dropped returns the number of events discarded due to a full buffer.
func (s *AsyncSink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close stops the sink after draining buffered events.
func (s *AsyncSink) Close() {
	s.once.Do(func() {
		close(s.ch)
		<-s.done
	})
}
