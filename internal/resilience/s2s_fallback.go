package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/callscreen/internal/observe"
	"github.com/MrWong99/callscreen/pkg/provider/s2s"
)

// s2sMember is a provider in an [S2SFallback] together with the voice it
// speaks with.
type s2sMember struct {
	provider s2s.Provider
	voice    string
}

// S2SFallback implements [s2s.Provider] with failover across several speech
// backends. Only session establishment fails over: once Connect has returned
// a session, errors on that session are the caller's to handle.
//
// A Connect that fails because its context was cancelled does not count
// against the provider's breaker. A handshake that runs into the context
// deadline does.
type S2SFallback struct {
	group   *FallbackGroup[s2sMember]
	metrics *observe.Metrics
}

// Compile-time interface assertion.
var _ s2s.Provider = (*S2SFallback)(nil)

// S2SOption configures an [S2SFallback].
type S2SOption func(*S2SFallback)

// WithMetrics records failed handshakes as provider errors.
func WithMetrics(m *observe.Metrics) S2SOption {
	return func(f *S2SFallback) { f.metrics = m }
}

// NewS2SFallback creates an [S2SFallback] with primary as the preferred
// backend. Sessions on the primary use the voice from their SessionConfig.
func NewS2SFallback(primary s2s.Provider, primaryName string, cfg CircuitBreakerConfig, opts ...S2SOption) *S2SFallback {
	cfg.IsFailure = func(err error) bool { return !errors.Is(err, context.Canceled) }
	f := &S2SFallback{
		group: NewFallbackGroup(s2sMember{provider: primary}, primaryName, cfg),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// AddFallback registers a secondary backend. voice, when non-empty, replaces
// the SessionConfig voice for sessions on this backend, since voice names
// differ between providers.
func (f *S2SFallback) AddFallback(name string, p s2s.Provider, voice string) {
	f.group.AddFallback(name, s2sMember{provider: p, voice: voice})
}

// Connect opens a session on the first backend that accepts it.
func (f *S2SFallback) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	handle, name, err := Execute(ctx, f.group, func(name string, m s2sMember) (s2s.SessionHandle, error) {
		c := cfg
		if m.voice != "" {
			c.Voice = m.voice
		}
		h, err := m.provider.Connect(ctx, c)
		if err != nil && f.metrics != nil && !errors.Is(err, context.Canceled) {
			f.metrics.RecordProviderError(ctx, name, "connect")
		}
		return h, err
	})
	if err != nil {
		if f.metrics != nil && !errors.Is(err, context.Canceled) {
			f.metrics.RecordProviderError(ctx, f.group.entries[0].name, "unavailable")
		}
		return nil, err
	}
	if primary := f.group.entries[0].name; name != primary {
		observe.Logger(ctx).Info("session connected on fallback provider", "provider", name, "primary", primary)
	}
	return handle, nil
}

// Capabilities returns the primary backend's capabilities.
func (f *S2SFallback) Capabilities() s2s.Capabilities {
	return f.group.entries[0].value.provider.Capabilities()
}

// Available reports whether any backend's breaker would admit a handshake.
func (f *S2SFallback) Available() bool { return f.group.Available() }

// States returns each backend's breaker state keyed by provider name.
func (f *S2SFallback) States() map[string]State { return f.group.States() }
