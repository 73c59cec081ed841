// Package observe provides application-wide observability primitives:
// OpenTelemetry metrics, a Prometheus exporter bridge, and HTTP
// middleware that records request latency.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped
// via the /metrics handler returned by [InitProvider]. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for all metrics.
const meterName = "github.com/logabell/conversator"

// Metrics holds all OpenTelemetry metric instruments for the
// application. All fields are safe for concurrent use — the underlying
// OTel types handle their own synchronisation.
type Metrics struct {
	// ToolDuration tracks model tool-call execution latency.
	ToolDuration metric.Float64Histogram

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// StoreEvents counts appended task events. Use with attribute:
	//   attribute.String("type", ...)
	StoreEvents metric.Int64Counter

	// AnnouncementQueueDepth tracks announcements waiting for a safe
	// point.
	AnnouncementQueueDepth metric.Int64UpDownCounter

	// AnnouncementsDelivered counts announcements relayed to the model.
	AnnouncementsDelivered metric.Int64Counter

	// SubagentPollDuration tracks how long an engage/continue exchange
	// polls before completing. Use with attribute:
	//   attribute.String("agent", ...)
	SubagentPollDuration metric.Float64Histogram

	// HTTPRequestDuration tracks dashboard request processing time. Use
	// with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries in seconds. Tool
// calls span quick lookups to multi-minute subagent exchanges.
var latencyBuckets = []float64{
	0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the
// given [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ToolDuration, err = m.Float64Histogram("conversator.tool.duration",
		metric.WithDescription("Latency of model tool-call execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("conversator.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.StoreEvents, err = m.Int64Counter("conversator.store.events",
		metric.WithDescription("Total task events appended by event type."),
	); err != nil {
		return nil, err
	}
	if met.AnnouncementQueueDepth, err = m.Int64UpDownCounter("conversator.announcements.queued",
		metric.WithDescription("Announcements waiting for a conversational safe point."),
	); err != nil {
		return nil, err
	}
	if met.AnnouncementsDelivered, err = m.Int64Counter("conversator.announcements.delivered",
		metric.WithDescription("Announcements relayed to the model."),
	); err != nil {
		return nil, err
	}
	if met.SubagentPollDuration, err = m.Float64Histogram("conversator.subagent.poll.duration",
		metric.WithDescription("Duration of subagent engage/continue polling by agent."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("conversator.http.request.duration",
		metric.WithDescription("Dashboard HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating
// it on first call using [otel.GetMeterProvider]. Subsequent calls
// return the same pointer.
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity
// at call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordToolCall records one tool invocation with its latency.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	)
	m.ToolCalls.Add(ctx, 1, attrs)
	m.ToolDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordStoreEvent records one appended task event.
func (m *Metrics) RecordStoreEvent(ctx context.Context, eventType string) {
	m.StoreEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", eventType)),
	)
}

// AnnouncementQueued bumps the queue-depth gauge.
func (m *Metrics) AnnouncementQueued(ctx context.Context) {
	m.AnnouncementQueueDepth.Add(ctx, 1)
}

// AnnouncementDelivered drops the queue-depth gauge and counts the
// delivery.
func (m *Metrics) AnnouncementDelivered(ctx context.Context) {
	m.AnnouncementQueueDepth.Add(ctx, -1)
	m.AnnouncementsDelivered.Add(ctx, 1)
}

// RecordSubagentPoll records the duration of one engage/continue
// exchange.
func (m *Metrics) RecordSubagentPoll(ctx context.Context, agent string, elapsed time.Duration) {
	m.SubagentPollDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("agent", agent)),
	)
}
