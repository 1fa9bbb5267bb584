package telemetry

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Drop reasons recorded on the edits.dropped counter
const (
	DropUnknownDocument = "unknown_document"
	DropViewerRole      = "viewer_role"
	DropNotJoined       = "not_joined"
	DropMalformed       = "malformed"
)

// Metrics counts sync engine outcomes. Every counter is recorded on an
// OpenTelemetry meter and mirrored in process for the stats endpoint.
type Metrics struct {
	editsApplied      metric.Int64Counter
	editsDropped      metric.Int64Counter
	persistFailures   metric.Int64Counter
	hydrationFailures metric.Int64Counter
	undos             metric.Int64Counter

	applied       atomic.Int64
	dropped       atomic.Int64
	persistFailed atomic.Int64
	hydrateFailed atomic.Int64
	undone        atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of the counters
type MetricsSnapshot struct {
	EditsApplied      int64 `json:"editsApplied"`
	EditsDropped      int64 `json:"editsDropped"`
	PersistFailures   int64 `json:"persistFailures"`
	HydrationFailures int64 `json:"hydrationFailures"`
	Undos             int64 `json:"undos"`
}

// NewMetrics records on the global meter provider, see InitMeter.
func NewMetrics() *Metrics {
	return NewMetricsWithProvider(otel.GetMeterProvider())
}

func NewMetricsWithProvider(provider metric.MeterProvider) *Metrics {
	meter := provider.Meter("docsync")
	m := &Metrics{}
	// Creation only fails on invalid instrument names; a nil instrument is skipped.
	m.editsApplied, _ = meter.Int64Counter("docsync.edits.applied",
		metric.WithDescription("Edits applied to a snapshot"))
	m.editsDropped, _ = meter.Int64Counter("docsync.edits.dropped",
		metric.WithDescription("Edits ignored before reaching a snapshot"))
	m.persistFailures, _ = meter.Int64Counter("docsync.persist.failures",
		metric.WithDescription("Snapshot writes that failed or timed out"))
	m.hydrationFailures, _ = meter.Int64Counter("docsync.hydration.failures",
		metric.WithDescription("Joins that could not be hydrated"))
	m.undos, _ = meter.Int64Counter("docsync.undo.applied",
		metric.WithDescription("Undo operations applied"))
	return m
}

func (m *Metrics) EditApplied(ctx context.Context, kind string) {
	m.applied.Add(1)
	if m.editsApplied != nil {
		m.editsApplied.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

func (m *Metrics) EditDropped(ctx context.Context, reason string) {
	m.dropped.Add(1)
	if m.editsDropped != nil {
		m.editsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

func (m *Metrics) PersistFailed(ctx context.Context) {
	m.persistFailed.Add(1)
	if m.persistFailures != nil {
		m.persistFailures.Add(ctx, 1)
	}
}

func (m *Metrics) HydrationFailed(ctx context.Context) {
	m.hydrateFailed.Add(1)
	if m.hydrationFailures != nil {
		m.hydrationFailures.Add(ctx, 1)
	}
}

func (m *Metrics) UndoApplied(ctx context.Context) {
	m.undone.Add(1)
	if m.undos != nil {
		m.undos.Add(ctx, 1)
	}
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		EditsApplied:      m.applied.Load(),
		EditsDropped:      m.dropped.Load(),
		PersistFailures:   m.persistFailed.Load(),
		HydrationFailures: m.hydrateFailed.Load(),
		Undos:             m.undone.Load(),
	}
}
