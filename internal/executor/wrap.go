package executor

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/cadreworks/cadre/internal/kernel"
)

// WithBreaker guards any executor with a named circuit breaker. Use it
// for custom executors that call out to services the tool adapter does
// not cover.
func WithBreaker(name string, breakers *Breakers, inner kernel.Executor) kernel.Executor {
	cb := breakers.Get(name)
	return kernel.ExecutorFunc(func(ctx context.Context, assignment *kernel.Assignment, view *kernel.View) (string, error) {
		out, err := cb.Execute(func() (interface{}, error) {
			return inner.Execute(ctx, assignment, view)
		})
		if err != nil {
			return "", err
		}
		return out.(string), nil
	})
}

// Throttle rate-limits an executor. Bottom agents can share the
// limiter so a burst of assignments does not overrun the backing tool
// server.
func Throttle(limiter *rate.Limiter, inner kernel.Executor) kernel.Executor {
	return kernel.ExecutorFunc(func(ctx context.Context, assignment *kernel.Assignment, view *kernel.View) (string, error) {
		if err := limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limiter wait: %w", err)
		}
		return inner.Execute(ctx, assignment, view)
	})
}
