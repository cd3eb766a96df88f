// Package kernel implements a heartbeat-driven coordination runtime for
// structured agent teams: a logical clock, a priority message bus, a
// scoped blackboard, a signature/veto/appeal decision engine, and the
// accountability, election, and recovery loops that govern agents.
package kernel

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cadreworks/cadre/internal/metrics"
)

// ErrClockRunning is returned by Start when the clock is already running
var ErrClockRunning = errors.New("clock already running")

// TickListener is invoked synchronously on every tick. Returned errors are
// reported on the clock's error channel and otherwise swallowed.
type TickListener func(tick int64) error

type clockListener struct {
	name string
	fn   TickListener
}

// Clock emits integer ticks starting at 0 at a fixed interval. It is the
// sole source of logical time; wall-clock timestamps elsewhere are
// informational only.
type Clock struct {
	interval time.Duration

	mu        sync.Mutex
	listeners []clockListener
	stopCh    chan struct{}
	startedAt time.Time

	tick    atomic.Int64
	running atomic.Bool

	errCh chan error
	log   zerolog.Logger
}

// NewClock creates a clock with the given tick interval
func NewClock(interval time.Duration) *Clock {
	return &Clock{
		interval: interval,
		errCh:    make(chan error, 64),
		log:      log.With().Str("component", "clock").Logger(),
	}
}

// RegisterListener appends a named listener. Listeners run synchronously
// in registration order on each tick.
func (c *Clock) RegisterListener(name string, fn TickListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, clockListener{name: name, fn: fn})
}

// Start begins emitting ticks. Tick 0 fires immediately, then one tick per
// interval. Restarting a stopped clock resets the tick to 0.
func (c *Clock) Start() error {
	if c.running.Load() {
		return ErrClockRunning
	}

	c.mu.Lock()
	c.stopCh = make(chan struct{})
	c.startedAt = time.Now()
	c.mu.Unlock()

	c.tick.Store(0)
	c.running.Store(true)

	ticker := time.NewTicker(c.interval)
	stopCh := c.stopCh

	go func() {
		// Emit tick 0 immediately on start
		c.emit(0)

		for {
			select {
			case <-ticker.C:
				c.emit(c.tick.Add(1))
			case <-stopCh:
				ticker.Stop()
				c.running.Store(false)
				c.log.Info().Int64("last_tick", c.tick.Load()).Msg("Clock stopped")
				return
			}
		}
	}()

	c.log.Info().Dur("interval", c.interval).Msg("Clock started")
	return nil
}

// Stop halts tick emission. Safe to call when not running.
func (c *Clock) Stop() {
	if !c.running.Load() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
}

// IsRunning reports whether the clock is emitting ticks
func (c *Clock) IsRunning() bool {
	return c.running.Load()
}

// CurrentTick returns the most recently emitted tick
func (c *Clock) CurrentTick() int64 {
	return c.tick.Load()
}

// ElapsedMs returns wall-clock milliseconds since the last Start
func (c *Clock) ElapsedMs() int64 {
	c.mu.Lock()
	startedAt := c.startedAt
	c.mu.Unlock()
	if startedAt.IsZero() {
		return 0
	}
	return time.Since(startedAt).Milliseconds()
}

// Errors exposes listener failures. The channel is buffered; when full,
// further errors are dropped.
func (c *Clock) Errors() <-chan error {
	return c.errCh
}

func (c *Clock) emit(tick int64) {
	start := time.Now()

	c.mu.Lock()
	listeners := make([]clockListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, l := range listeners {
		if err := c.invoke(l, tick); err != nil {
			c.log.Error().
				Err(err).
				Str("listener", l.name).
				Int64("tick", tick).
				Msg("Tick listener failed")
			select {
			case c.errCh <- err:
			default:
			}
		}
	}

	metrics.RecordTick(float64(time.Since(start).Milliseconds()))
}

// invoke runs one listener, converting panics into errors so the rest of
// the listeners still run
func (c *Clock) invoke(l clockListener, tick int64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener %s panicked on tick %d: %v", l.name, tick, r)
		}
	}()
	return l.fn(tick)
}
