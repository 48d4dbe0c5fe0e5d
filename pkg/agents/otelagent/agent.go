// Package otelagent reports component renders as OpenTelemetry spans and a
// render duration histogram.
package otelagent

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/itsneelabh/renderapm/pkg/apm"
	"github.com/itsneelabh/renderapm/pkg/telemetry"
)

// Name is the agent identity used in span correlation keys
const Name = "OTelAgent"

// DefaultInstrumentationName names the tracer and meter when no option overrides it
const DefaultInstrumentationName = "github.com/itsneelabh/renderapm/otelagent"

// Attribute keys set on component spans and metrics
const (
	ComponentKey     = attribute.Key("renderapm.component")
	CorrelationIDKey = attribute.Key("correlation.id")
)

// Agent starts one INTERNAL span per component render
type Agent struct {
	tracer   trace.Tracer
	duration metric.Float64Histogram
	renders  metric.Int64Counter

	enabled        atomic.Bool
	logsComponents bool
	now            func() time.Time
}

// componentSpan is the handle returned by StartComponentSpan
type componentSpan struct {
	span    trace.Span
	started time.Time
}

var _ apm.Agent = (*Agent)(nil)

// Option configures an Agent
type Option func(*options)

type options struct {
	instrumentationName string
	logsComponents      bool
	enabled             bool
	now                 func() time.Time
}

// WithInstrumentationName names the tracer and meter
func WithInstrumentationName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.instrumentationName = name
		}
	}
}

// WithLogsComponents sets what LogsComponents reports
func WithLogsComponents(logs bool) Option {
	return func(o *options) {
		o.logsComponents = logs
	}
}

// WithEnabled sets the initial enablement
func WithEnabled(enabled bool) Option {
	return func(o *options) {
		o.enabled = enabled
	}
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// New creates an agent reporting through tp and mp
func New(tp trace.TracerProvider, mp metric.MeterProvider, opts ...Option) (*Agent, error) {
	o := options{
		instrumentationName: DefaultInstrumentationName,
		logsComponents:      true,
		enabled:             true,
		now:                 time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	meter := mp.Meter(o.instrumentationName)
	duration, err := meter.Float64Histogram(
		"renderapm.component.duration",
		metric.WithDescription("Component render duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}
	renders, err := meter.Int64Counter(
		"renderapm.component.renders",
		metric.WithDescription("Completed component renders"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create render counter: %w", err)
	}

	a := &Agent{
		tracer:         tp.Tracer(o.instrumentationName),
		duration:       duration,
		renders:        renders,
		logsComponents: o.logsComponents,
		now:            o.now,
	}
	a.enabled.Store(o.enabled)
	return a, nil
}

// AgentName implements apm.Named
func (a *Agent) AgentName() string {
	return Name
}

// Enabled implements apm.Agent
func (a *Agent) Enabled() bool {
	return a.enabled.Load()
}

// SetEnabled toggles the agent at runtime
func (a *Agent) SetEnabled(enabled bool) {
	a.enabled.Store(enabled)
}

// LogsComponents implements apm.Agent
func (a *Agent) LogsComponents() bool {
	return a.logsComponents
}

// StartComponentSpan opens a span named "component <name>" as a child of
// the span in ctx, usually the request span.
func (a *Agent) StartComponentSpan(ctx context.Context, component string) (apm.SpanHandle, error) {
	attrs := []attribute.KeyValue{ComponentKey.String(component)}
	if id := telemetry.GetCorrelationID(ctx); id != "" {
		attrs = append(attrs, CorrelationIDKey.String(id))
	}

	started := a.now()
	_, span := a.tracer.Start(ctx, "component "+component,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithTimestamp(started),
		trace.WithAttributes(attrs...),
	)
	return &componentSpan{span: span, started: started}, nil
}

// StopComponentSpan ends the span and records its duration
func (a *Agent) StopComponentSpan(ctx context.Context, component string, handle apm.SpanHandle) error {
	cs, ok := handle.(*componentSpan)
	if !ok || cs == nil {
		return fmt.Errorf("%w: unexpected handle %T", apm.ErrSpanNotFound, handle)
	}

	ended := a.now()
	cs.span.SetStatus(codes.Ok, "")
	cs.span.End(trace.WithTimestamp(ended))

	attrs := metric.WithAttributes(ComponentKey.String(component))
	a.duration.Record(ctx, ended.Sub(cs.started).Seconds(), attrs)
	a.renders.Add(ctx, 1, attrs)
	return nil
}
