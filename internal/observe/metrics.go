// Package observe wires callscreen into OpenTelemetry. It owns the metric
// instruments, the tracer used for session spans, the request-scoped logger
// and the HTTP middleware that ties a request's log line, span and latency
// sample together. [InitProvider] installs the SDK with a Prometheus exporter
// behind /metrics; tests build their own [Metrics] with [NewMetrics] and a
// manual reader.
package observe

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all callscreen metrics.
const meterName = "github.com/MrWong99/callscreen"

// Frame directions, used as the "direction" attribute.
const (
	DirectionInbound  = "inbound"  // transport to remote model
	DirectionOutbound = "outbound" // remote model to transport
)

// Reasons a frame can be dropped, used as the "reason" attribute.
const (
	DropNotActive = "not_active"
	DropQueueFull = "queue_full"
	DropMalformed = "malformed"
)

// Metrics holds the application's instruments. The attribute keys each one
// is recorded with are listed beside it.
type Metrics struct {
	HandshakeDuration metric.Float64Histogram // provider, status
	SessionDuration   metric.Float64Histogram // transport

	FramesForwarded metric.Int64Counter // direction
	FramesDropped   metric.Int64Counter // direction, reason
	Verdicts        metric.Int64Counter // verdict

	// ProtocolErrors counts malformed transport envelopes and tool calls.
	ProtocolErrors metric.Int64Counter // kind
	ProviderErrors metric.Int64Counter // provider, kind

	ActiveSessions   metric.Int64UpDownCounter // transport
	EventSubscribers metric.Int64UpDownCounter

	// HTTPRequestDuration is recorded by [Middleware].
	HTTPRequestDuration metric.Float64Histogram // method, route, status
}

// Histogram bucket boundaries in seconds.
var (
	latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10}
	sessionBuckets = []float64{5, 15, 30, 60, 120, 300, 600, 1800}
)

// instruments creates instruments on one meter and keeps the first error, so
// NewMetrics can declare every instrument without checking each call.
type instruments struct {
	meter metric.Meter
	err   error
}

func (b *instruments) keep(err error) {
	if b.err == nil && err != nil {
		b.err = err
	}
}

func (b *instruments) histogram(name, desc string, buckets []float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if len(buckets) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := b.meter.Float64Histogram(name, opts...)
	b.keep(err)
	return h
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.keep(err)
	return c
}

func (b *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.keep(err)
	return g
}

// NewMetrics creates every instrument on mp. It fails if any instrument
// cannot be created.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		HandshakeDuration:   b.histogram("callscreen.handshake.duration", "Latency of the remote model session handshake.", latencyBuckets),
		SessionDuration:     b.histogram("callscreen.session.duration", "Lifetime of bridge sessions.", sessionBuckets),
		HTTPRequestDuration: b.histogram("callscreen.http.request.duration", "HTTP request latency by method, route and status.", nil),

		FramesForwarded: b.counter("callscreen.frames.forwarded", "Audio frames relayed by direction."),
		FramesDropped:   b.counter("callscreen.frames.dropped", "Audio frames discarded by direction and reason."),
		Verdicts:        b.counter("callscreen.verdicts", "Delivered screening verdicts by outcome."),
		ProtocolErrors:  b.counter("callscreen.protocol.errors", "Malformed transport envelopes and tool calls by kind."),
		ProviderErrors:  b.counter("callscreen.provider.errors", "Remote session errors by provider and kind."),

		ActiveSessions:   b.gauge("callscreen.active_sessions", "Number of live bridge sessions."),
		EventSubscribers: b.gauge("callscreen.event_subscribers", "Number of connected dashboard event subscribers."),
	}
	if b.err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", b.err)
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics], created from
// [otel.GetMeterProvider] on first use. It panics if the instruments cannot
// be created.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrameForwarded records one relayed frame.
func (m *Metrics) RecordFrameForwarded(ctx context.Context, direction string) {
	m.FramesForwarded.Add(ctx, 1, metric.WithAttributes(Attr("direction", direction)))
}

// RecordFrameDropped records one discarded frame.
func (m *Metrics) RecordFrameDropped(ctx context.Context, direction, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(Attr("direction", direction), Attr("reason", reason)))
}

// RecordVerdict records a delivered verdict.
func (m *Metrics) RecordVerdict(ctx context.Context, verdict string) {
	m.Verdicts.Add(ctx, 1, metric.WithAttributes(Attr("verdict", verdict)))
}

// RecordProtocolError records a malformed envelope or tool call.
func (m *Metrics) RecordProtocolError(ctx context.Context, kind string) {
	m.ProtocolErrors.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind)))
}

// RecordProviderError records a failed or failing remote session.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(Attr("provider", provider), Attr("kind", kind)))
}

// RecordHandshake records how long a remote session handshake took and how it
// ended.
func (m *Metrics) RecordHandshake(ctx context.Context, provider, status string, seconds float64) {
	m.HandshakeDuration.Record(ctx, seconds, metric.WithAttributes(Attr("provider", provider), Attr("status", status)))
}
