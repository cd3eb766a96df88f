// Package executor provides production implementations of the kernel's
// Executor contract: a Model Context Protocol tool adapter plus circuit
// breaker and rate-limit wrappers for the work bottom agents run.
package executor

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/cadreworks/cadre/internal/metrics"
)

// Circuit breaker thresholds for tool invocations. Tool servers sit a
// process or network hop away and may proxy model calls, so the open
// window is sized for slow external recovery.
const (
	BreakerMinRequests     = 3
	BreakerFailureRatio    = 0.6
	BreakerOpenTimeout     = 60 * time.Second
	BreakerHalfOpenMaxReqs = 2
	BreakerCountInterval   = 10 * time.Second
)

// BreakerSettings holds circuit breaker configuration for executor targets
type BreakerSettings struct {
	MinRequests     uint32
	FailureRatio    float64
	OpenTimeout     time.Duration
	HalfOpenMaxReqs uint32
	CountInterval   time.Duration
}

// DefaultBreakerSettings returns the tool-call thresholds
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MinRequests:     BreakerMinRequests,
		FailureRatio:    BreakerFailureRatio,
		OpenTimeout:     BreakerOpenTimeout,
		HalfOpenMaxReqs: BreakerHalfOpenMaxReqs,
		CountInterval:   BreakerCountInterval,
	}
}

// Breakers hands out one circuit breaker per named target, created on
// first use. Targets are typically tool server names; every executor
// wrapped with the same name shares a breaker, so a failing server
// trips once for the whole team instead of once per agent.
type Breakers struct {
	settings    BreakerSettings
	passthrough bool
	log         zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakers creates a breaker manager. Nil settings use the defaults
// above.
func NewBreakers(settings *BreakerSettings, log zerolog.Logger) *Breakers {
	if settings == nil {
		def := DefaultBreakerSettings()
		settings = &def
	}
	return &Breakers{
		settings: *settings,
		log:      log,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// NewPassthroughBreakers returns a manager whose breakers never trip.
// Useful for exercising executors without breaker interference.
func NewPassthroughBreakers() *Breakers {
	b := NewBreakers(nil, zerolog.Nop())
	b.passthrough = true
	return b
}

// Get returns the breaker for a target, creating it on first use
func (b *Breakers) Get(name string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.breakers[name]; ok {
		return cb
	}

	s := b.settings
	readyToTrip := func(counts gobreaker.Counts) bool {
		failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
		return counts.Requests >= s.MinRequests && failureRatio >= s.FailureRatio
	}
	if b.passthrough {
		readyToTrip = func(gobreaker.Counts) bool { return false }
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: s.HalfOpenMaxReqs,
		Interval:    s.CountInterval,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: readyToTrip,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			b.onStateChange(name, from, to)
		},
	})
	b.breakers[name] = cb

	metrics.SetCircuitBreakerState(name, stateCode(cb.State()))
	return cb
}

func (b *Breakers) onStateChange(name string, from, to gobreaker.State) {
	metrics.SetCircuitBreakerState(name, stateCode(to))

	if to == gobreaker.StateOpen {
		metrics.RecordCircuitBreakerTrip(name)
		b.log.Warn().
			Str("breaker", name).
			Str("from", from.String()).
			Msg("Circuit breaker opened")
		return
	}

	b.log.Info().
		Str("breaker", name).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("Circuit breaker state changed")
}

// stateCode maps breaker states onto the gauge encoding
// (0 closed, 1 half-open, 2 open)
func stateCode(state gobreaker.State) int {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}
