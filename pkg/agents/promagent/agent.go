// Package promagent exports component render timings as Prometheus metrics.
//
// Metrics, all labelled by component:
//
//	<namespace>_component_render_seconds      histogram of render durations
//	<namespace>_component_renders_in_flight   renders started but not stopped
//	<namespace>_component_renders_total       completed renders
package promagent

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/itsneelabh/renderapm/pkg/apm"
)

// Name is the agent identity used in span correlation keys
const Name = "PrometheusAgent"

// Agent times component renders into Prometheus collectors
type Agent struct {
	duration *prometheus.HistogramVec
	inFlight *prometheus.GaugeVec
	renders  *prometheus.CounterVec

	enabled        atomic.Bool
	logsComponents bool
	now            func() time.Time
}

// renderTimer is the handle returned by StartComponentSpan
type renderTimer struct {
	started time.Time
}

var _ apm.Agent = (*Agent)(nil)

// Option configures an Agent
type Option func(*options)

type options struct {
	namespace      string
	buckets        []float64
	constLabels    prometheus.Labels
	logsComponents bool
	enabled        bool
	now            func() time.Time
}

// WithNamespace prefixes every metric name
func WithNamespace(namespace string) Option {
	return func(o *options) {
		o.namespace = namespace
	}
}

// WithBuckets overrides the histogram buckets (seconds)
func WithBuckets(buckets []float64) Option {
	return func(o *options) {
		if len(buckets) > 0 {
			o.buckets = buckets
		}
	}
}

// WithConstLabels adds labels to every metric, e.g. the service name
func WithConstLabels(labels prometheus.Labels) Option {
	return func(o *options) {
		o.constLabels = labels
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

// DefaultBuckets suit server-side component renders, 1ms to 5s
var DefaultBuckets = []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5}

// New creates an agent and registers its collectors on reg.
// Collectors already registered by an earlier agent with the same
// namespace are reused, so rebinding does not fail.
func New(reg prometheus.Registerer, opts ...Option) (*Agent, error) {
	o := options{
		namespace:      "renderapm",
		buckets:        DefaultBuckets,
		logsComponents: true,
		enabled:        true,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   o.namespace,
		Subsystem:   "component",
		Name:        "render_seconds",
		Help:        "Time spent rendering a component.",
		Buckets:     o.buckets,
		ConstLabels: o.constLabels,
	}, []string{"component"})
	inFlight := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   o.namespace,
		Subsystem:   "component",
		Name:        "renders_in_flight",
		Help:        "Component renders started and not yet stopped.",
		ConstLabels: o.constLabels,
	}, []string{"component"})
	renders := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   o.namespace,
		Subsystem:   "component",
		Name:        "renders_total",
		Help:        "Completed component renders.",
		ConstLabels: o.constLabels,
	}, []string{"component"})

	a := &Agent{logsComponents: o.logsComponents, now: o.now}
	a.enabled.Store(o.enabled)

	var err error
	if a.duration, err = register(reg, duration); err != nil {
		return nil, err
	}
	if a.inFlight, err = register(reg, inFlight); err != nil {
		return nil, err
	}
	if a.renders, err = register(reg, renders); err != nil {
		return nil, err
	}
	return a, nil
}

// register adds c to reg, or returns the equal collector already there
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, fmt.Errorf("failed to register prometheus collector: %w", err)
	}
	return c, nil
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

// StartComponentSpan starts a render timer
func (a *Agent) StartComponentSpan(ctx context.Context, component string) (apm.SpanHandle, error) {
	a.inFlight.WithLabelValues(component).Inc()
	return &renderTimer{started: a.now()}, nil
}

// StopComponentSpan observes the render duration
func (a *Agent) StopComponentSpan(ctx context.Context, component string, handle apm.SpanHandle) error {
	timer, ok := handle.(*renderTimer)
	if !ok || timer == nil {
		return fmt.Errorf("%w: unexpected handle %T", apm.ErrSpanNotFound, handle)
	}

	a.inFlight.WithLabelValues(component).Dec()
	a.duration.WithLabelValues(component).Observe(a.now().Sub(timer.started).Seconds())
	a.renders.WithLabelValues(component).Inc()
	return nil
}
