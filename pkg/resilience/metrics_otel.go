package resilience

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsCollector implements MetricsCollector with OpenTelemetry counters
type OTelMetricsCollector struct {
	successes    metric.Int64Counter
	failures     metric.Int64Counter
	rejections   metric.Int64Counter
	stateChanges metric.Int64Counter
}

var _ MetricsCollector = (*OTelMetricsCollector)(nil)

// NewOTelMetricsCollector creates the circuit breaker instruments on meter
func NewOTelMetricsCollector(meter metric.Meter) (*OTelMetricsCollector, error) {
	var (
		o   OTelMetricsCollector
		err error
	)
	if o.successes, err = meter.Int64Counter("renderapm.circuit_breaker.success",
		metric.WithDescription("Calls that succeeded through a circuit breaker")); err != nil {
		return nil, err
	}
	if o.failures, err = meter.Int64Counter("renderapm.circuit_breaker.failure",
		metric.WithDescription("Calls that failed through a circuit breaker")); err != nil {
		return nil, err
	}
	if o.rejections, err = meter.Int64Counter("renderapm.circuit_breaker.rejected",
		metric.WithDescription("Calls rejected by an open circuit breaker")); err != nil {
		return nil, err
	}
	if o.stateChanges, err = meter.Int64Counter("renderapm.circuit_breaker.state_change",
		metric.WithDescription("Circuit breaker state transitions")); err != nil {
		return nil, err
	}
	return &o, nil
}

// RecordSuccess implements MetricsCollector
func (o *OTelMetricsCollector) RecordSuccess(name string) {
	o.successes.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("circuit_breaker", name)))
}

// RecordFailure implements MetricsCollector
func (o *OTelMetricsCollector) RecordFailure(name string, errorType string) {
	o.failures.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("circuit_breaker", name),
		attribute.String("error_type", errorType),
	))
}

// RecordStateChange implements MetricsCollector
func (o *OTelMetricsCollector) RecordStateChange(name string, from, to string) {
	o.stateChanges.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("circuit_breaker", name),
		attribute.String("from_state", from),
		attribute.String("to_state", to),
	))
}

// RecordRejection implements MetricsCollector
func (o *OTelMetricsCollector) RecordRejection(name string) {
	o.rejections.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("circuit_breaker", name)))
}
