package httpapi

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"controlplane/internal/obs"
)

// tracingMiddleware wraps every request in a span named after its route
// pattern and counts it on an OTel counter, independent of the Prometheus
// exposition served at /metrics.
func tracingMiddleware(next http.Handler) http.Handler {
	requestCounter, _ := obs.Meter().Int64Counter("controlplane.http.requests",
		metric.WithDescription("HTTP requests handled by the control plane"))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := obs.Tracer().Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithAttributes(attribute.String("http.method", r.Method), attribute.String("http.path", r.URL.Path)))
		defer span.End()

		if requestCounter != nil {
			requestCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("http.method", r.Method)))
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
