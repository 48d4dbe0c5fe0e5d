package telemetry

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/itsneelabh/renderapm/pkg/apm"
	"github.com/itsneelabh/renderapm/pkg/config"
)

func newTestProviders(t *testing.T, cfg config.TelemetryConfig, opts ...ProviderOption) *Providers {
	t.Helper()
	providers, err := NewProviders(context.Background(), "renderapm-test", cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = providers.Shutdown(context.Background()) })
	return providers
}

func TestNewProvidersRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	providers := newTestProviders(t, config.TelemetryConfig{Exporter: config.ExporterNone, SamplingRate: 1},
		WithSpanProcessor(recorder), WithServiceVersion("1.2.3"))

	_, span := providers.Tracer("test").Start(context.Background(), "component.header")
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "component.header", spans[0].Name())

	attrs := providers.Resource().Attributes()
	assert.Contains(t, attrs, semconv.ServiceNameKey.String("renderapm-test"))
	assert.Contains(t, attrs, semconv.ServiceVersionKey.String("1.2.3"))
}

func TestStdoutExporter(t *testing.T) {
	var buf bytes.Buffer
	providers := newTestProviders(t, config.TelemetryConfig{Exporter: config.ExporterStdout, SamplingRate: 1},
		WithStdoutWriter(&buf))

	_, span := providers.Tracer("test").Start(context.Background(), "component.footer")
	span.End()

	require.NoError(t, providers.ForceFlush(context.Background()))
	assert.Contains(t, buf.String(), "component.footer")
}

func TestOTLPExportersAreLazy(t *testing.T) {
	for _, exporter := range []string{config.ExporterOTLP, config.ExporterOTLPHTTP} {
		t.Run(exporter, func(t *testing.T) {
			providers, err := NewProviders(context.Background(), "renderapm-test", config.TelemetryConfig{
				Exporter:     exporter,
				Endpoint:     "127.0.0.1:1",
				Insecure:     true,
				SamplingRate: 1,
			})
			require.NoError(t, err, "creating the exporter must not dial the collector")

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = providers.Shutdown(ctx)
		})
	}
}

func TestUnknownExporter(t *testing.T) {
	_, err := NewProviders(context.Background(), "renderapm-test", config.TelemetryConfig{Exporter: "zipkin"})
	assert.ErrorIs(t, err, apm.ErrInvalidConfiguration)
}

func TestSamplingRateZeroDropsRootSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	providers := newTestProviders(t, config.TelemetryConfig{SamplingRate: 0}, WithSpanProcessor(recorder))

	_, span := providers.Tracer("test").Start(context.Background(), "component.body")
	assert.False(t, span.IsRecording())
	span.End()
	assert.Empty(t, recorder.Ended())
}

func TestMeterProviderWithManualReader(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	providers := newTestProviders(t, config.TelemetryConfig{SamplingRate: 1}, WithMetricReader(reader))

	counter, err := providers.Meter("test").Int64Counter("renders")
	require.NoError(t, err)
	counter.Add(context.Background(), 2)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	require.Len(t, rm.ScopeMetrics[0].Metrics, 1)

	sum, ok := rm.ScopeMetrics[0].Metrics[0].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(2), sum.DataPoints[0].Value)
}

func TestCorrelationMiddleware(t *testing.T) {
	var gotCorrelation, gotRequest string
	handler := CorrelationMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCorrelation = GetCorrelationID(r.Context())
		gotRequest = GetRequestID(r.Context())
	}))

	t.Run("generates missing ids", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Len(t, gotCorrelation, 36)
		assert.Len(t, gotRequest, 36)
		assert.NotEqual(t, gotCorrelation, gotRequest)
		assert.Equal(t, gotCorrelation, rec.Header().Get(HeaderCorrelationID))
		assert.Equal(t, gotRequest, rec.Header().Get(HeaderRequestID))
	})

	t.Run("honours incoming ids", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(HeaderCorrelationID, "corr-123")
		req.Header.Set(HeaderRequestID, "req-456")

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, "corr-123", gotCorrelation)
		assert.Equal(t, "req-456", gotRequest)
		assert.Equal(t, "corr-123", rec.Header().Get(HeaderCorrelationID))
	})

	t.Run("replaces malformed ids", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(HeaderCorrelationID, "<script>")
		req.Header.Set(HeaderRequestID, strings.Repeat("a", maxIDLength+1))

		handler.ServeHTTP(httptest.NewRecorder(), req)
		assert.Len(t, gotCorrelation, 36)
		assert.Len(t, gotRequest, 36)
	})
}

func TestRequestIDsFromContext(t *testing.T) {
	_, ok := RequestIDsFromContext(context.Background())
	assert.False(t, ok)
	assert.Empty(t, GetCorrelationID(context.Background()))

	ctx := WithRequestIDs(context.Background(), RequestIDs{Correlation: "c", Request: "r"})
	ids, ok := RequestIDsFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, RequestIDs{Correlation: "c", Request: "r"}, ids)
}

func TestEnrichLogFields(t *testing.T) {
	assert.Empty(t, EnrichLogFields(context.Background(), nil))

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	ctx = WithRequestIDs(ctx, RequestIDs{Correlation: "corr-123", Request: "req-456"})

	fields := EnrichLogFields(ctx, map[string]interface{}{"component": "header"})
	assert.Equal(t, "header", fields["component"])
	assert.Equal(t, "corr-123", fields["correlation_id"])
	assert.Equal(t, "req-456", fields["request_id"])
	assert.Equal(t, span.SpanContext().TraceID().String(), fields["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), fields["span_id"])
}

func TestTracingMiddleware(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	var inner trace.SpanContext
	handler := TracingMiddlewareWithConfig("renderapm-test", &TracingMiddlewareConfig{
		ExcludedPaths:  []string{"/metrics"},
		TracerProvider: tp,
	})(CorrelationMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inner = trace.SpanContextFromContext(r.Context())
	})))

	req := httptest.NewRequest(http.MethodGet, "/pages/home", nil)
	req.Header.Set(HeaderCorrelationID, "corr-123")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "HTTP GET /pages/home", spans[0].Name())
	assert.Equal(t, spans[0].SpanContext().SpanID(), inner.SpanID())
	assert.Contains(t, spans[0].Attributes(), attribute.String("correlation.id", "corr-123"))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Len(t, recorder.Ended(), 1, "excluded paths are not traced")
}
