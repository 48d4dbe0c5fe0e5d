// Package telemetry sets up the OpenTelemetry plumbing around component
// instrumentation.
//
// # Providers
//
// NewProviders builds a tracer provider and a meter provider from
// config.TelemetryConfig. Three exporters are supported:
//
//   - none: spans are recorded but dropped (default)
//   - stdout: spans are printed as JSON, useful during development
//   - otlp: spans are batched to an OTLP/gRPC collector
//
// The OTel agent creates its tracer and meter from these providers, so
// component spans share the resource of the process.
//
//	providers, err := telemetry.NewProviders(ctx, "storefront", cfg.Telemetry)
//	if err != nil {
//	    return err
//	}
//	defer providers.Shutdown(ctx)
//	providers.SetGlobal()
//
// # HTTP middleware
//
// TracingMiddleware opens a server span per request with otelhttp and
// CorrelationMiddleware attaches X-Correlation-ID and X-Request-ID to the
// request context. Component spans become children of the request span.
//
// # Configuration
//
// Exporter settings come from the RENDERAPM_TELEMETRY_* variables, with
// OTEL_EXPORTER_OTLP_ENDPOINT and OTEL_SERVICE_NAME honoured as fallbacks
// (see package config).
package telemetry
