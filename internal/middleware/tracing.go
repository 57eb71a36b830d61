package middleware

import (
	"fmt"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/kubilitics/kubilitics-remediation/internal/tracing"
)

// TraceIDHeader carries the trace ID of the request span in responses.
const TraceIDHeader = "X-Trace-ID"

// Tracing starts a span per request, continuing any incoming traceparent, and
// echoes the trace ID in the response.
func Tracing(next http.Handler) http.Handler {
	return otelhttp.NewHandler(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id := tracing.TraceIDFromContext(r.Context()); id != "" {
				w.Header().Set(TraceIDHeader, id)
			}
			next.ServeHTTP(w, r)
		}),
		"http.request",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("%s %s", r.Method, r.URL.Path)
		}),
		otelhttp.WithPropagators(otel.GetTextMapPropagator()),
	)
}
