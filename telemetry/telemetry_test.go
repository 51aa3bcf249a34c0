package telemetry

import (
	"sync"
	"testing"
	"time"
)

func TestAsyncSink_DeliversEvents(t *testing.T) {
	var mu sync.Mutex
	var got []Event

	sink := NewAsyncSink(8, func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	sink.Emit(Event{Name: EventSyncStarted})
	sink.Emit(Event{Name: EventBatchAcked, EntityID: "e1"})
	sink.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Name != EventSyncStarted || got[1].Name != EventBatchAcked {
		t.Errorf("unexpected events: %+v", got)
	}
	if got[0].At.IsZero() {
		t.Error("expected At to be stamped on emit")
	}
}

func TestAsyncSink_DropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	sink := NewAsyncSink(1, func(ev Event) {
		<-block
	})

	// First event occupies the handler, second fills the buffer, the rest drop.
	for i := 0; i < 10; i++ {
		sink.Emit(Event{Name: EventConflictDetected, At: time.Now()})
	}

	if sink.Dropped() == 0 {
		t.Error("expected events to be dropped when buffer is full")
	}
	close(block)
	sink.Close()
}

func TestAsyncSink_CloseIsIdempotent(t *testing.T) {
	sink := NewAsyncSink(1, func(Event) {})
	sink.Close()
	sink.Close()
}
