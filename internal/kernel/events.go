package kernel

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// EventKind identifies a kernel event
type EventKind string

const (
	EventQueueOverflow     EventKind = "queue_overflow"
	EventAgentTimeout      EventKind = "agent_timeout"
	EventBlackboardUpdated EventKind = "blackboard_updated"
	EventDecisionResolved  EventKind = "decision_resolved"
	EventAppealResolved    EventKind = "appeal_resolved"
	EventElectionCompleted EventKind = "election_completed"
	EventAgentReplaced     EventKind = "agent_replaced"
	EventTaskStatusChanged EventKind = "task_status_changed"
)

// Event is a kernel-internal notification. Handlers run synchronously on
// the emitting goroutine, so they must not block the tick loop.
type Event struct {
	Kind      EventKind              `json:"kind"`
	TaskID    string                 `json:"task_id"`
	Tick      int64                  `json:"tick"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// EventHandler receives emitted events
type EventHandler func(Event)

// Emitter fans events out to registered handlers. A panicking handler is
// isolated and logged; the rest still run.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[EventKind][]EventHandler
	any      []EventHandler
}

// NewEmitter creates an event emitter
func NewEmitter() *Emitter {
	return &Emitter{
		handlers: make(map[EventKind][]EventHandler),
	}
}

// On registers a handler for one event kind
func (e *Emitter) On(kind EventKind, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[kind] = append(e.handlers[kind], handler)
}

// OnAny registers a handler for every event kind
func (e *Emitter) OnAny(handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.any = append(e.any, handler)
}

// Emit dispatches the event to all matching handlers in registration order
func (e *Emitter) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	e.mu.RLock()
	handlers := make([]EventHandler, 0, len(e.handlers[event.Kind])+len(e.any))
	handlers = append(handlers, e.handlers[event.Kind]...)
	handlers = append(handlers, e.any...)
	e.mu.RUnlock()

	for _, handler := range handlers {
		e.dispatch(handler, event)
	}
}

func (e *Emitter) dispatch(handler EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event_kind", string(event.Kind)).
				Interface("panic", r).
				Msg("Event handler panicked")
		}
	}()
	handler(event)
}
