package kernel

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TimeoutFunc runs when a watched invocation exceeds its deadline
type TimeoutFunc func()

// Watch is one armed single-shot timer
type Watch struct {
	id     string
	cancel chan struct{}
	once   sync.Once
	fired  atomic.Bool
}

// Cancel disarms the watch. Safe to call any number of times, including
// after the timer fired.
func (w *Watch) Cancel() {
	w.once.Do(func() { close(w.cancel) })
}

// Fired reports whether the timeout callback ran
func (w *Watch) Fired() bool {
	return w.fired.Load()
}

// ExecutionMonitor arms a single-shot timer per invocation. The timeout
// callback runs off the tick loop; callbacks that mutate shared state must
// take their own locks.
type ExecutionMonitor struct {
	mu      sync.Mutex
	watches map[string]*Watch
	log     zerolog.Logger
}

// NewExecutionMonitor creates an empty monitor
func NewExecutionMonitor() *ExecutionMonitor {
	return &ExecutionMonitor{
		watches: make(map[string]*Watch),
		log:     log.With().Str("component", "execution_monitor").Logger(),
	}
}

// Watch arms a timer. If a watch with the same id is already armed it is
// cancelled first.
func (m *ExecutionMonitor) Watch(id string, timeout time.Duration, onTimeout TimeoutFunc) *Watch {
	w := &Watch{id: id, cancel: make(chan struct{})}

	m.mu.Lock()
	if prev, ok := m.watches[id]; ok {
		prev.Cancel()
	}
	m.watches[id] = w
	m.mu.Unlock()

	go func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case <-timer.C:
			w.fired.Store(true)
			m.remove(id, w)
			m.log.Debug().Str("watch_id", id).Dur("timeout", timeout).Msg("Watch fired")
			if onTimeout != nil {
				onTimeout()
			}
		case <-w.cancel:
			m.remove(id, w)
		}
	}()
	return w
}

// Cancel disarms the watch with the given id. Unknown ids are a no-op.
func (m *ExecutionMonitor) Cancel(id string) {
	m.mu.Lock()
	w, ok := m.watches[id]
	m.mu.Unlock()
	if ok {
		w.Cancel()
	}
}

// CancelAll disarms every active watch, for team shutdown
func (m *ExecutionMonitor) CancelAll() {
	m.mu.Lock()
	watches := make([]*Watch, 0, len(m.watches))
	for _, w := range m.watches {
		watches = append(watches, w)
	}
	m.mu.Unlock()

	for _, w := range watches {
		w.Cancel()
	}
}

// Active returns the number of armed watches
func (m *ExecutionMonitor) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watches)
}

// remove drops the watch entry if it is still the registered one
func (m *ExecutionMonitor) remove(id string, w *Watch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.watches[id]; ok && current == w {
		delete(m.watches, id)
	}
}

// PendingRequests is a correlation-id registry for request/response message
// exchanges. Each waiter gets a buffered channel; a timeout or cancellation
// closes the channel, so receivers read a nil message as the sentinel.
type PendingRequests struct {
	monitor *ExecutionMonitor
	mu      sync.Mutex
	pending map[string]chan *Message
}

// NewPendingRequests creates a registry backed by the monitor's timers
func NewPendingRequests(monitor *ExecutionMonitor) *PendingRequests {
	return &PendingRequests{
		monitor: monitor,
		pending: make(map[string]chan *Message),
	}
}

// Await registers a waiter for the correlation id. The returned channel
// yields the response once, or closes on timeout or cancellation.
func (p *PendingRequests) Await(correlationID string, timeout time.Duration) <-chan *Message {
	ch := make(chan *Message, 1)

	p.mu.Lock()
	if prev, ok := p.pending[correlationID]; ok {
		close(prev)
	}
	p.pending[correlationID] = ch
	p.mu.Unlock()

	p.monitor.Watch("request:"+correlationID, timeout, func() {
		p.closeWaiter(correlationID, ch)
	})
	return ch
}

// Resolve delivers a response to its waiter. Late or unmatched responses
// return false and are dropped.
func (p *PendingRequests) Resolve(correlationID string, msg *Message) bool {
	p.mu.Lock()
	ch, ok := p.pending[correlationID]
	if ok {
		delete(p.pending, correlationID)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	p.monitor.Cancel("request:" + correlationID)
	ch <- msg
	close(ch)
	return true
}

// Cancel closes the waiter. Cancelling an unknown id is a no-op.
func (p *PendingRequests) Cancel(correlationID string) {
	p.mu.Lock()
	ch, ok := p.pending[correlationID]
	if ok {
		delete(p.pending, correlationID)
	}
	p.mu.Unlock()

	if !ok {
		return
	}
	p.monitor.Cancel("request:" + correlationID)
	close(ch)
}

// closeWaiter is the timeout path; it only closes the channel if the waiter
// is still registered
func (p *PendingRequests) closeWaiter(correlationID string, ch chan *Message) {
	p.mu.Lock()
	current, ok := p.pending[correlationID]
	if ok && current == ch {
		delete(p.pending, correlationID)
	}
	p.mu.Unlock()

	if ok && current == ch {
		close(ch)
	}
}
