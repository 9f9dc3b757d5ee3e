package orchestrator

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// emitWait is how long Emit waits on a full buffer before dropping.
const emitWait = 100 * time.Millisecond

// EventEmitter fans orchestrator events out on a buffered channel. A slow
// consumer loses events rather than stalling the run.
type EventEmitter struct {
	mu      sync.RWMutex
	closed  bool
	events  chan OrchestratorEvent
	dropped atomic.Uint64
}

// NewEventEmitter creates an EventEmitter with the given buffer size.
func NewEventEmitter(bufferSize int) *EventEmitter {
	return &EventEmitter{events: make(chan OrchestratorEvent, bufferSize)}
}

// Emit stamps and queues event. Events emitted after Close are dropped.
func (e *EventEmitter) Emit(event OrchestratorEvent) {
	if e == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}

	select {
	case e.events <- event:
		return
	default:
	}

	timer := time.NewTimer(emitWait)
	defer timer.Stop()
	select {
	case e.events <- event:
	case <-timer.C:
		if n := e.dropped.Add(1); n%10 == 1 {
			log.Printf("[orchestrator] warning: event buffer full, dropped %s (%d dropped so far)", event.Type, n)
		}
	}
}

// DroppedCount returns how many events were dropped on a full buffer.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.dropped.Load()
}

// Events returns the receive side of the event channel.
func (e *EventEmitter) Events() <-chan OrchestratorEvent {
	if e == nil {
		return nil
	}
	return e.events
}

// Close closes the event channel. It is safe to call more than once.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.events)
	}
}
