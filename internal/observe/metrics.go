// Package observe provides application-wide observability primitives for
// the FanPulse node: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all FanPulse metrics.
const meterName = "github.com/fanpulse/fanpulse"

// Metrics holds all OpenTelemetry metric instruments for the node.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Ingestion counters ---

	// FramesAccepted counts PCM frames accepted at the ingestion boundary.
	FramesAccepted metric.Int64Counter

	// FramesRejected counts malformed frames turned away.
	FramesRejected metric.Int64Counter

	// FramesLost counts sequence gaps booked as lost frames.
	FramesLost metric.Int64Counter

	// OverflowDrops counts samples discarded by the ring's drop-oldest
	// policy.
	OverflowDrops metric.Int64Counter

	// --- Processing counters ---

	// Ticks counts completed analysis ticks.
	Ticks metric.Int64Counter

	// TicksSkipped counts ticks abandoned because the ring guard could not
	// be acquired within the bounded wait.
	TicksSkipped metric.Int64Counter

	// Events counts emitted classified events. Use with attribute:
	//   attribute.String("tier", ...)
	Events metric.Int64Counter

	// Batches counts closed batch windows. Use with attribute:
	//   attribute.String("outcome", "emitted"|"suppressed")
	Batches metric.Int64Counter

	// ForwardRequests counts gateway delivery attempts. Use with attribute:
	//   attribute.String("status", ...)
	ForwardRequests metric.Int64Counter

	// ArchiveErrors counts failed event archive inserts.
	ArchiveErrors metric.Int64Counter

	// --- Gauges ---

	// DbLevel is the most recent windowed sound level in dB.
	DbLevel metric.Float64Gauge

	// EventQueueLength is the number of events waiting for dispatch.
	EventQueueLength metric.Int64Gauge

	// WSClients tracks connected WebSocket subscribers.
	WSClients metric.Int64UpDownCounter

	// --- Latency histograms ---

	// TickDuration tracks the cost of one analysis tick.
	TickDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// tickBuckets defines histogram bucket boundaries (in seconds) sized for a
// processing tick that must stay well under its 500ms period.
var tickBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
}

// httpBuckets covers the device API, which serves from in-memory snapshots
// and should answer in single-digit milliseconds.
var httpBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Ingestion counters.
	if met.FramesAccepted, err = m.Int64Counter("fanpulse.frames",
		metric.WithDescription("Total PCM frames accepted at the ingestion boundary."),
	); err != nil {
		return nil, err
	}
	if met.FramesRejected, err = m.Int64Counter("fanpulse.frames.rejected",
		metric.WithDescription("Total malformed frames rejected."),
	); err != nil {
		return nil, err
	}
	if met.FramesLost, err = m.Int64Counter("fanpulse.frames.lost",
		metric.WithDescription("Total frames lost according to sequence gaps."),
	); err != nil {
		return nil, err
	}
	if met.OverflowDrops, err = m.Int64Counter("fanpulse.overflow.drops",
		metric.WithDescription("Total samples discarded by the ring buffer drop-oldest policy."),
	); err != nil {
		return nil, err
	}

	// Processing counters.
	if met.Ticks, err = m.Int64Counter("fanpulse.ticks",
		metric.WithDescription("Total completed analysis ticks."),
	); err != nil {
		return nil, err
	}
	if met.TicksSkipped, err = m.Int64Counter("fanpulse.ticks.skipped",
		metric.WithDescription("Total analysis ticks skipped on ring guard timeout."),
	); err != nil {
		return nil, err
	}
	if met.Events, err = m.Int64Counter("fanpulse.events",
		metric.WithDescription("Total classified events emitted, by tier."),
	); err != nil {
		return nil, err
	}
	if met.Batches, err = m.Int64Counter("fanpulse.batches",
		metric.WithDescription("Total closed batch windows by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ForwardRequests, err = m.Int64Counter("fanpulse.forward.requests",
		metric.WithDescription("Total gateway delivery attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.ArchiveErrors, err = m.Int64Counter("fanpulse.archive.errors",
		metric.WithDescription("Total failed event archive inserts."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.DbLevel, err = m.Float64Gauge("fanpulse.db.level",
		metric.WithDescription("Most recent windowed sound level."),
		metric.WithUnit("dB"),
	); err != nil {
		return nil, err
	}
	if met.EventQueueLength, err = m.Int64Gauge("fanpulse.event_queue.length",
		metric.WithDescription("Classified events waiting for dispatch."),
	); err != nil {
		return nil, err
	}
	if met.WSClients, err = m.Int64UpDownCounter("fanpulse.ws.clients",
		metric.WithDescription("Connected WebSocket subscribers."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.TickDuration, err = m.Float64Histogram("fanpulse.tick.duration",
		metric.WithDescription("Cost of one analysis tick."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(tickBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("fanpulse.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(httpBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTick records one completed analysis tick: its cost and the level it
// produced.
func (m *Metrics) RecordTick(ctx context.Context, d time.Duration, db float64) {
	m.Ticks.Add(ctx, 1)
	m.TickDuration.Record(ctx, d.Seconds())
	m.DbLevel.Record(ctx, db)
}

// RecordSkippedTick records a tick abandoned on guard timeout.
func (m *Metrics) RecordSkippedTick(ctx context.Context) {
	m.TicksSkipped.Add(ctx, 1)
}

// AddIngest folds an ingestion telemetry delta into the frame counters.
func (m *Metrics) AddIngest(ctx context.Context, accepted, rejected, lost, dropped int64) {
	if accepted > 0 {
		m.FramesAccepted.Add(ctx, accepted)
	}
	if rejected > 0 {
		m.FramesRejected.Add(ctx, rejected)
	}
	if lost > 0 {
		m.FramesLost.Add(ctx, lost)
	}
	if dropped > 0 {
		m.OverflowDrops.Add(ctx, dropped)
	}
}

// RecordBatch records a closed batch window.
func (m *Metrics) RecordBatch(ctx context.Context, emitted bool) {
	outcome := "suppressed"
	if emitted {
		outcome = "emitted"
	}
	m.Batches.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordEvent records an emitted classified event by tier.
func (m *Metrics) RecordEvent(ctx context.Context, tier string) {
	m.Events.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

// RecordForward records one gateway delivery attempt.
func (m *Metrics) RecordForward(ctx context.Context, status string) {
	m.ForwardRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordArchiveError records a failed event archive insert.
func (m *Metrics) RecordArchiveError(ctx context.Context) {
	m.ArchiveErrors.Add(ctx, 1)
}
