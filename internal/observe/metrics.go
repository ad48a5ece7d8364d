// Package observe provides the observability primitives of RealTalk:
// OpenTelemetry metrics, tracing, trace-aware logging and the HTTP middleware
// that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported in
// Prometheus format by [InitProvider]. Tests should use [NewMetrics] with a
// [sdkmetric.ManualReader]-backed provider to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all RealTalk metrics.
const meterName = "github.com/MrWong99/realtalk"

// Metrics holds the metric instruments of the application. All fields are
// safe for concurrent use.
type Metrics struct {
	// --- Matchmaking ---

	// Searches counts finished searches. Use with attribute:
	//   attribute.String("outcome", "matched"|"timeout"|"canceled"|"disconnected")
	Searches metric.Int64Counter

	// SearchDuration tracks the time from findMatch to the search outcome.
	SearchDuration metric.Float64Histogram

	// Matches counts pairings made by the hub.
	Matches metric.Int64Counter

	// --- Signaling ---

	// SignalingMessages counts inbound messages. Use with attributes:
	//   attribute.String("type", ...), attribute.String("status", "relayed"|"buffered"|"dropped"|"rejected")
	SignalingMessages metric.Int64Counter

	// ActiveConnections tracks open websocket connections.
	ActiveConnections metric.Int64UpDownCounter

	// ActiveRooms tracks conversation rooms with at least one member.
	ActiveRooms metric.Int64UpDownCounter

	// --- Conversations ---

	// Feedback counts feedback notifications shown. Use with attribute:
	//   attribute.String("category", ...)
	Feedback metric.Int64Counter

	// CallDuration tracks the active time of finished calls.
	CallDuration metric.Float64Histogram

	// StoreErrors counts failed persistence calls. Use with attribute:
	//   attribute.String("op", ...)
	StoreErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// searchBuckets covers the search window up to a generous timeout, in seconds.
var searchBuckets = []float64{0.5, 1, 2, 3, 5, 8, 13, 20, 30, 60}

// callBuckets covers conversation lengths, in seconds.
var callBuckets = []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.Searches, err = m.Int64Counter("realtalk.match.searches",
		metric.WithDescription("Finished match searches by outcome."),
	); err != nil {
		return nil, err
	}
	if met.SearchDuration, err = m.Float64Histogram("realtalk.match.search.duration",
		metric.WithDescription("Time from search start to outcome."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(searchBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Matches, err = m.Int64Counter("realtalk.match.pairings",
		metric.WithDescription("Pairs of searchers matched by the hub."),
	); err != nil {
		return nil, err
	}

	if met.SignalingMessages, err = m.Int64Counter("realtalk.signaling.messages",
		metric.WithDescription("Inbound signaling messages by type and status."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("realtalk.signaling.active_connections",
		metric.WithDescription("Open signaling websocket connections."),
	); err != nil {
		return nil, err
	}
	if met.ActiveRooms, err = m.Int64UpDownCounter("realtalk.signaling.active_rooms",
		metric.WithDescription("Conversation rooms with at least one member."),
	); err != nil {
		return nil, err
	}

	if met.Feedback, err = m.Int64Counter("realtalk.feedback.events",
		metric.WithDescription("Feedback notifications shown by category."),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("realtalk.call.duration",
		metric.WithDescription("Active time of finished calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StoreErrors, err = m.Int64Counter("realtalk.store.errors",
		metric.WithDescription("Failed persistence calls by operation."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("realtalk.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
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

// DefaultMetrics returns the package-level [Metrics], created on first call
// from [otel.GetMeterProvider]. Call it after [InitProvider].
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

// RecordSearch records a finished search and its duration.
func (m *Metrics) RecordSearch(ctx context.Context, outcome string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.Searches.Add(ctx, 1, attrs)
	m.SearchDuration.Record(ctx, seconds, attrs)
}

// RecordMessage counts one inbound signaling message.
func (m *Metrics) RecordMessage(ctx context.Context, msgType, status string) {
	m.SignalingMessages.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("type", msgType),
			attribute.String("status", status),
		),
	)
}

// RecordFeedback counts one shown notification.
func (m *Metrics) RecordFeedback(ctx context.Context, category string) {
	m.Feedback.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
}

// RecordStoreError counts one failed persistence call.
func (m *Metrics) RecordStoreError(ctx context.Context, op string) {
	m.StoreErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordCall records the active time of a finished call.
func (m *Metrics) RecordCall(ctx context.Context, seconds float64, endReason string) {
	m.CallDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("end_reason", endReason)))
}
