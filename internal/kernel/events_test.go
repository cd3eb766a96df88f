package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEmitterDispatchOrder tests that kind-specific handlers run before
// catch-all handlers, each in registration order
func TestEmitterDispatchOrder(t *testing.T) {
	e := NewEmitter()

	var order []string
	e.OnAny(func(Event) { order = append(order, "any-1") })
	e.On(EventDecisionResolved, func(Event) { order = append(order, "kind-1") })
	e.On(EventDecisionResolved, func(Event) { order = append(order, "kind-2") })
	e.OnAny(func(Event) { order = append(order, "any-2") })
	e.On(EventAgentTimeout, func(Event) { order = append(order, "other-kind") })

	e.Emit(Event{Kind: EventDecisionResolved, TaskID: "task-1"})

	assert.Equal(t, []string{"kind-1", "kind-2", "any-1", "any-2"}, order)
}

// TestEmitterFillsTimestamp tests that emitted events get a timestamp when
// the producer left it zero
func TestEmitterFillsTimestamp(t *testing.T) {
	e := NewEmitter()

	var got Event
	e.On(EventElectionCompleted, func(ev Event) { got = ev })

	e.Emit(Event{Kind: EventElectionCompleted, TaskID: "task-1", Tick: 50})

	require.False(t, got.Timestamp.IsZero())
	assert.WithinDuration(t, time.Now(), got.Timestamp, time.Second)
	assert.Equal(t, int64(50), got.Tick)

	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e.Emit(Event{Kind: EventElectionCompleted, Timestamp: fixed})
	assert.Equal(t, fixed, got.Timestamp, "explicit timestamps are preserved")
}

// TestEmitterPanicIsolated tests that one panicking handler does not stop
// the rest
func TestEmitterPanicIsolated(t *testing.T) {
	e := NewEmitter()

	var survived bool
	e.On(EventQueueOverflow, func(Event) { panic("handler bug") })
	e.On(EventQueueOverflow, func(Event) { survived = true })

	assert.NotPanics(t, func() {
		e.Emit(Event{Kind: EventQueueOverflow})
	})
	assert.True(t, survived)
}

// TestEmitterWithoutHandlers tests that emitting into the void is safe
func TestEmitterWithoutHandlers(t *testing.T) {
	e := NewEmitter()
	assert.NotPanics(t, func() {
		e.Emit(Event{Kind: EventAgentReplaced, Payload: map[string]interface{}{"old": "a"}})
	})
}
