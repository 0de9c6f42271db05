package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the service's metric instruments. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	RequestDuration   metric.Float64Histogram
	ToolCallDuration  metric.Float64Histogram
	ToolCallErrors    metric.Int64Counter
	ActiveConnections metric.Int64UpDownCounter
	SessionRestarts   metric.Int64Counter
	StreamChunks      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("aixterm.request.duration",
		metric.WithDescription("Socket request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("aixterm.tool_call.duration",
		metric.WithDescription("Tool call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("aixterm.tool_call.errors",
		metric.WithDescription("Tool call failures by kind"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveConnections, err = meter.Int64UpDownCounter("aixterm.connections.active",
		metric.WithDescription("Currently open client connections"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionRestarts, err = meter.Int64Counter("aixterm.session.restarts",
		metric.WithDescription("Tool server restarts attempted"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamChunks, err = meter.Int64Counter("aixterm.stream.chunks",
		metric.WithDescription("Partial frames written to clients"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NopMetrics returns instruments backed by a no-op meter.
func NopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(ScopeName))
	return m
}

// RecordRequest records one completed socket request.
func (m *Metrics) RecordRequest(ctx context.Context, reqType, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, float64(elapsed.Microseconds())/1000,
		metric.WithAttributes(AttrRequestType.String(reqType), AttrStatus.String(status)))
}

// RecordToolCall records one tool call; kind is empty on success.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, session, kind string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrToolName.String(tool), AttrSession.String(session))
	m.ToolCallDuration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	if kind != "" {
		m.ToolCallErrors.Add(ctx, 1, metric.WithAttributes(
			AttrToolName.String(tool), AttrSession.String(session), attribute.String("kind", kind)))
	}
}

// ConnectionOpened increments the active connection gauge; the returned func decrements it.
func (m *Metrics) ConnectionOpened(ctx context.Context) func() {
	if m == nil {
		return func() {}
	}
	m.ActiveConnections.Add(ctx, 1)
	return func() { m.ActiveConnections.Add(ctx, -1) }
}

// SessionRestarted counts a restart attempt for a tool server.
func (m *Metrics) SessionRestarted(ctx context.Context, session string) {
	if m == nil {
		return
	}
	m.SessionRestarts.Add(ctx, 1, metric.WithAttributes(AttrSession.String(session)))
}

// ChunkWritten counts one partial frame.
func (m *Metrics) ChunkWritten(ctx context.Context, reqType string) {
	if m == nil {
		return
	}
	m.StreamChunks.Add(ctx, 1, metric.WithAttributes(AttrRequestType.String(reqType)))
}
