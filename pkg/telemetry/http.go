package telemetry

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// TracingMiddlewareConfig configures the tracing middleware behavior.
type TracingMiddlewareConfig struct {
	// ExcludedPaths lists URL paths to exclude from tracing.
	// Example: []string{"/health", "/metrics"}
	ExcludedPaths []string

	// SpanNameFormatter customizes how span names are generated.
	// If nil, uses "HTTP {method} {path}" format.
	SpanNameFormatter func(operation string, r *http.Request) string

	// TracerProvider and MeterProvider default to the otel globals
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// TracingMiddleware returns HTTP middleware that extracts W3C trace context
// from incoming requests and opens a server span for each of them. Component
// spans started by the agents nest under it.
func TracingMiddleware(serviceName string) func(http.Handler) http.Handler {
	return TracingMiddlewareWithConfig(serviceName, nil)
}

// TracingMiddlewareWithConfig returns HTTP middleware with custom configuration.
func TracingMiddlewareWithConfig(serviceName string, config *TracingMiddlewareConfig) func(http.Handler) http.Handler {
	var opts []otelhttp.Option

	if config != nil && len(config.ExcludedPaths) > 0 {
		pathSet := make(map[string]bool, len(config.ExcludedPaths))
		for _, path := range config.ExcludedPaths {
			pathSet[path] = true
		}
		opts = append(opts, otelhttp.WithFilter(func(r *http.Request) bool {
			// false excludes the request
			return !pathSet[r.URL.Path]
		}))
	}

	if config != nil && config.SpanNameFormatter != nil {
		opts = append(opts, otelhttp.WithSpanNameFormatter(config.SpanNameFormatter))
	} else {
		opts = append(opts, otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return "HTTP " + r.Method + " " + r.URL.Path
		}))
	}

	if config != nil && config.TracerProvider != nil {
		opts = append(opts, otelhttp.WithTracerProvider(config.TracerProvider))
	}
	if config != nil && config.MeterProvider != nil {
		opts = append(opts, otelhttp.WithMeterProvider(config.MeterProvider))
	}

	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, serviceName, opts...)
	}
}
