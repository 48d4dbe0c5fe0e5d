package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/itsneelabh/renderapm/pkg/apm"
	"github.com/itsneelabh/renderapm/pkg/config"
)

// ScopeName is the instrumentation scope of meters and tracers owned by the library itself
const ScopeName = "github.com/itsneelabh/renderapm"

// Providers owns the tracer and meter providers the OTel agent reports through
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	resource       *resource.Resource
}

// ProviderOption customizes provider construction
type ProviderOption func(*providerOptions)

type providerOptions struct {
	version      string
	stdout       io.Writer
	processors   []sdktrace.SpanProcessor
	metricReader sdkmetric.Reader
}

// WithServiceVersion sets service.version on the resource
func WithServiceVersion(version string) ProviderOption {
	return func(o *providerOptions) {
		o.version = version
	}
}

// WithStdoutWriter redirects the stdout exporter
func WithStdoutWriter(w io.Writer) ProviderOption {
	return func(o *providerOptions) {
		o.stdout = w
	}
}

// WithSpanProcessor registers an additional span processor, e.g. a tracetest.SpanRecorder
func WithSpanProcessor(sp sdktrace.SpanProcessor) ProviderOption {
	return func(o *providerOptions) {
		o.processors = append(o.processors, sp)
	}
}

// WithMetricReader attaches a metric reader, e.g. sdkmetric.NewManualReader()
func WithMetricReader(reader sdkmetric.Reader) ProviderOption {
	return func(o *providerOptions) {
		o.metricReader = reader
	}
}

// NewProviders builds tracer and meter providers for serviceName from cfg.
//
// Exporters:
//   - none: spans are sampled and processed but not exported
//   - stdout: spans are written as JSON (stdouttrace)
//   - otlp: spans are batched to cfg.Endpoint over gRPC (otlptracegrpc)
//   - otlphttp: spans are batched and metrics pushed every minute to
//     cfg.Endpoint over HTTP (otlptracehttp, otlpmetrichttp)
//
// Sampling is parent based with a trace-id ratio of cfg.SamplingRate.
// The providers are not installed globally; call SetGlobal for that.
func NewProviders(ctx context.Context, serviceName string, cfg config.TelemetryConfig, opts ...ProviderOption) (*Providers, error) {
	o := providerOptions{version: "dev", stdout: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	res := createResource(serviceName, o.version)

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}

	mpOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	switch cfg.Exporter {
	case config.ExporterNone, "":
	case config.ExporterStdout:
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(o.stdout))
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		tpOpts = append(tpOpts, sdktrace.WithSyncer(exporter))
	case config.ExporterOTLP:
		exporterOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
		}
		// the gRPC connection is established lazily, New does not block on it
		exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	case config.ExporterOTLPHTTP:
		traceOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		metricOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
			metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
		}
		traceExporter, err := otlptracehttp.New(ctx, traceOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP HTTP trace exporter: %w", err)
		}
		metricExporter, err := otlpmetrichttp.New(ctx, metricOpts...)
		if err != nil {
			_ = traceExporter.Shutdown(ctx)
			return nil, fmt.Errorf("failed to create OTLP HTTP metric exporter: %w", err)
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(traceExporter))
		mpOpts = append(mpOpts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)))
	default:
		return nil, &apm.Error{
			Op:      "telemetry.NewProviders",
			Kind:    apm.KindConfig,
			Message: fmt.Sprintf("unknown exporter %q", cfg.Exporter),
			Err:     apm.ErrInvalidConfiguration,
		}
	}

	for _, sp := range o.processors {
		tpOpts = append(tpOpts, sdktrace.WithSpanProcessor(sp))
	}

	if o.metricReader != nil {
		mpOpts = append(mpOpts, sdkmetric.WithReader(o.metricReader))
	}

	return &Providers{
		TracerProvider: sdktrace.NewTracerProvider(tpOpts...),
		MeterProvider:  sdkmetric.NewMeterProvider(mpOpts...),
		resource:       res,
	}, nil
}

// createResource describes this process to the tracing backend
func createResource(serviceName, version string) *resource.Resource {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(version),
		attribute.String("renderapm.instrumentation", "component"),
	}

	// Kubernetes attributes (if running in K8s)
	if ns := os.Getenv("KUBERNETES_NAMESPACE"); ns != "" {
		attrs = append(attrs, semconv.K8SNamespaceNameKey.String(ns))
	}
	if pod := os.Getenv("HOSTNAME"); pod != "" && os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		attrs = append(attrs, semconv.K8SPodNameKey.String(pod))
	}

	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}

// Resource returns the resource shared by both providers
func (p *Providers) Resource() *resource.Resource {
	return p.resource
}

// Tracer returns a named tracer from the tracer provider
func (p *Providers) Tracer(name string) trace.Tracer {
	return p.TracerProvider.Tracer(name)
}

// Meter returns a named meter from the meter provider
func (p *Providers) Meter(name string) metric.Meter {
	return p.MeterProvider.Meter(name)
}

// SetGlobal installs the providers and a W3C trace-context and baggage propagator as otel globals
func (p *Providers) SetGlobal() {
	otel.SetTracerProvider(p.TracerProvider)
	otel.SetMeterProvider(p.MeterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}

// ForceFlush exports everything buffered so far
func (p *Providers) ForceFlush(ctx context.Context) error {
	return errors.Join(
		p.TracerProvider.ForceFlush(ctx),
		p.MeterProvider.ForceFlush(ctx),
	)
}

// Shutdown flushes and stops both providers
func (p *Providers) Shutdown(ctx context.Context) error {
	return errors.Join(
		p.TracerProvider.Shutdown(ctx),
		p.MeterProvider.Shutdown(ctx),
	)
}
