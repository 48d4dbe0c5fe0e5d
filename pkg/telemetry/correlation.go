package telemetry

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Headers carrying request identity in and out of a service
const (
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderRequestID     = "X-Request-ID"
)

// maxIDLength bounds IDs accepted from clients
const maxIDLength = 128

// RequestIDs identify one request and the conversation it belongs to.
// The correlation ID is propagated across services; the request ID is
// local to one hop.
type RequestIDs struct {
	Correlation string
	Request     string
}

type requestIDsKey struct{}

// WithRequestIDs returns a copy of ctx carrying ids
func WithRequestIDs(ctx context.Context, ids RequestIDs) context.Context {
	return context.WithValue(ctx, requestIDsKey{}, ids)
}

// RequestIDsFromContext returns the IDs set by CorrelationMiddleware or WithRequestIDs
func RequestIDsFromContext(ctx context.Context) (RequestIDs, bool) {
	ids, ok := ctx.Value(requestIDsKey{}).(RequestIDs)
	return ids, ok
}

// GetCorrelationID returns the correlation ID of ctx, or ""
func GetCorrelationID(ctx context.Context) string {
	ids, _ := RequestIDsFromContext(ctx)
	return ids.Correlation
}

// GetRequestID returns the request ID of ctx, or ""
func GetRequestID(ctx context.Context) string {
	ids, _ := RequestIDsFromContext(ctx)
	return ids.Request
}

// CorrelationMiddleware gives every request a correlation and a request ID.
// Well-formed incoming headers are kept, anything else is replaced by a
// fresh UUID. Both IDs are echoed on the response and tagged on the active
// span, so component spans and Redis samples can be joined to the request.
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids := RequestIDs{
			Correlation: headerID(r, HeaderCorrelationID),
			Request:     headerID(r, HeaderRequestID),
		}
		ctx := WithRequestIDs(r.Context(), ids)

		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.SetAttributes(
				attribute.String("correlation.id", ids.Correlation),
				attribute.String("request.id", ids.Request),
			)
		}

		w.Header().Set(HeaderCorrelationID, ids.Correlation)
		w.Header().Set(HeaderRequestID, ids.Request)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func headerID(r *http.Request, header string) string {
	if id := r.Header.Get(header); validID(id) {
		return id
	}
	return uuid.New().String()
}

// validID accepts the characters found in UUIDs, ULIDs and common trace formats
func validID(id string) bool {
	if id == "" || len(id) > maxIDLength {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.', c == ':':
		default:
			return false
		}
	}
	return true
}

// EnrichLogFields adds the request IDs and the active trace context to log fields
func EnrichLogFields(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		fields = make(map[string]interface{})
	}

	if ids, ok := RequestIDsFromContext(ctx); ok {
		if ids.Correlation != "" {
			fields["correlation_id"] = ids.Correlation
		}
		if ids.Request != "" {
			fields["request_id"] = ids.Request
		}
	}

	if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.IsValid() {
		fields["trace_id"] = spanCtx.TraceID().String()
		fields["span_id"] = spanCtx.SpanID().String()
	}
	return fields
}
