package orchestrator

import "testing"

func TestEventEmitter_DropsWhenFull(t *testing.T) {
	e := NewEventEmitter(1)
	e.Emit(OrchestratorEvent{Type: EventRunStarted})
	e.Emit(OrchestratorEvent{Type: EventBatchStarted})

	if got := e.DroppedCount(); got != 1 {
		t.Errorf("DroppedCount() = %d, want 1", got)
	}
	ev := <-e.Events()
	if ev.Type != EventRunStarted {
		t.Errorf("expected first event kept, got %s", ev.Type)
	}
	if ev.Timestamp.IsZero() {
		t.Error("expected Emit to stamp the event")
	}
}

func TestEventEmitter_CloseIsIdempotent(t *testing.T) {
	e := NewEventEmitter(4)
	e.Close()
	e.Close()

	// Emit after Close must not panic.
	e.Emit(OrchestratorEvent{Type: EventRunDone})

	if _, ok := <-e.Events(); ok {
		t.Error("expected closed channel")
	}
	if e.DroppedCount() != 0 {
		t.Error("events after Close are not counted as dropped")
	}
}
