package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every member of a [FallbackGroup] failed or
// had an open circuit breaker.
var ErrAllFailed = errors.New("resilience: all providers failed")

// fallbackEntry pairs a group member with its dedicated circuit breaker.
type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary and zero or more fallback values of the same
// type. Calls go to the first member whose breaker admits them, in
// registration order.
//
// Members must be added before the group is used concurrently.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     CircuitBreakerConfig
}

// NewFallbackGroup creates a [FallbackGroup] with primary as its first member.
// cfg is the template for every member's breaker; Name is set per member.
func NewFallbackGroup[T any](primary T, primaryName string, cfg CircuitBreakerConfig) *FallbackGroup[T] {
	g := &FallbackGroup[T]{cfg: cfg}
	g.AddFallback(primaryName, primary)
	return g
}

// AddFallback appends a member that is tried after the ones added before it.
func (g *FallbackGroup[T]) AddFallback(name string, value T) {
	cfg := g.cfg
	cfg.Name = name
	g.entries = append(g.entries, fallbackEntry[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cfg),
	})
}

// Names returns the member names in the order they are tried.
func (g *FallbackGroup[T]) Names() []string {
	names := make([]string, len(g.entries))
	for i, e := range g.entries {
		names[i] = e.name
	}
	return names
}

// States returns every member's breaker state, keyed by member name.
func (g *FallbackGroup[T]) States() map[string]State {
	states := make(map[string]State, len(g.entries))
	for _, e := range g.entries {
		states[e.name] = e.breaker.State()
	}
	return states
}

// Available reports whether at least one member's breaker would admit a call.
func (g *FallbackGroup[T]) Available() bool {
	for _, e := range g.entries {
		if e.breaker.State() != StateOpen {
			return true
		}
	}
	return false
}

// Execute calls fn with each member in turn until one succeeds and returns
// its result together with the member's name. Members with an open breaker
// are skipped. It stops early once ctx is done.
//
// This is a package-level function because Go methods cannot declare type
// parameters.
func Execute[T, R any](ctx context.Context, g *FallbackGroup[T], fn func(name string, v T) (R, error)) (R, string, error) {
	var (
		zero R
		errs []error
	)
	for i := range g.entries {
		e := &g.entries[i]
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		var result R
		err := e.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(e.name, e.value)
			return innerErr
		})
		if err == nil {
			return result, e.name, nil
		}

		errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider, circuit open", "provider", e.name)
			continue
		}
		slog.Warn("provider failed, trying next", "provider", e.name, "err", err)
	}
	return zero, "", fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
