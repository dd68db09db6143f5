// Package guard bounds the duration of blocking calls.
//
// Two strategies exist and the difference is deliberately visible at call
// sites. The preemptive strategy runs the call on its own goroutine and
// returns a timeout as soon as the deadline passes, abandoning the call if it
// is truly stuck. The cooperative strategy runs the call inline and can only
// flag an overrun after control returns; it cannot abort a stuck call. Call
// sites that need the stronger guarantee must ask for it explicitly instead
// of discovering at runtime that they got the weaker one.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is the sentinel matched by errors.Is for any guarded region that
// ran past its deadline.
var ErrTimeout = errors.New("timeout exceeded")

// TimeoutError reports a guarded region that exceeded its deadline.
type TimeoutError struct {
	Op      string
	Limit   time.Duration
	Elapsed time.Duration

	// Abandoned is true when the preemptive strategy returned while the
	// guarded call was still running. The cooperative strategy never
	// abandons: the call had already returned when the overrun was noticed.
	Abandoned bool
}

func (e *TimeoutError) Error() string {
	if e.Abandoned {
		return fmt.Sprintf("%s: timed out after %s (limit %s, call abandoned)", e.Op, e.Elapsed.Round(time.Millisecond), e.Limit)
	}
	return fmt.Sprintf("%s: completed after %s, past limit %s", e.Op, e.Elapsed.Round(time.Millisecond), e.Limit)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// Strategy executes a function under a deadline.
type Strategy interface {
	run(ctx context.Context, op string, limit time.Duration, fn func(context.Context) error) error

	// Preemptive reports whether this strategy can interrupt a blocked call.
	Preemptive() bool
}

// Preemptive returns the strategy that abandons a stuck call at the deadline.
// The abandoned goroutine keeps running until it observes context
// cancellation, so guarded functions must not hold resources the caller will
// immediately reuse.
func Preemptive() Strategy { return preemptiveStrategy{} }

// Cooperative returns the strategy for contexts where interruption is not
// available (secondary threads, platforms without a preemptive timer). The
// overrun is reported only after the call returns on its own.
func Cooperative() Strategy { return cooperativeStrategy{} }

type preemptiveStrategy struct{}

func (preemptiveStrategy) Preemptive() bool { return true }

func (preemptiveStrategy) run(ctx context.Context, op string, limit time.Duration, fn func(context.Context) error) error {
	runCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- fn(runCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TimeoutError{Op: op, Limit: limit, Elapsed: time.Since(start), Abandoned: true}
	}
}

type cooperativeStrategy struct{}

func (cooperativeStrategy) Preemptive() bool { return false }

func (cooperativeStrategy) run(ctx context.Context, op string, limit time.Duration, fn func(context.Context) error) error {
	runCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	start := time.Now()
	err := fn(runCtx)
	elapsed := time.Since(start)

	if err != nil {
		return err
	}
	if elapsed > limit {
		return &TimeoutError{Op: op, Limit: limit, Elapsed: elapsed}
	}
	return nil
}

// Guard wraps a strategy and a deadline for repeated use at one call site.
// The zero value is the disabled pass-through.
type Guard struct {
	strategy Strategy
	limit    time.Duration
}

// New builds a guard with an explicit strategy and limit.
func New(strategy Strategy, limit time.Duration) Guard {
	return Guard{strategy: strategy, limit: limit}
}

// Disabled returns a pass-through guard. Call sites that take an optional
// guard can always invoke Do without branching.
func Disabled() Guard { return Guard{} }

// Enabled reports whether the guard enforces a deadline.
func (g Guard) Enabled() bool { return g.strategy != nil && g.limit > 0 }

// Preemptive reports whether a stuck call can actually be interrupted.
// False for both the cooperative strategy and the disabled guard.
func (g Guard) Preemptive() bool { return g.Enabled() && g.strategy.Preemptive() }

// Do runs fn under the guard's deadline, or directly if disabled.
func (g Guard) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	if !g.Enabled() {
		return fn(ctx)
	}
	return g.strategy.run(ctx, op, g.limit, fn)
}
