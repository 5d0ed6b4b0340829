package rpcserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// httpMetrics holds the request-level OTel instruments recorded by the
// metrics middleware. A nil *httpMetrics (unset meter) degrades to a no-op.
type httpMetrics struct {
	requestsTotal   metric.Int64Counter
	requestDuration metric.Float64Histogram
}

// newHTTPMetrics builds the request counter/histogram pair from meter. A
// nil meter yields a nil *httpMetrics, which middleware treats as disabled.
func newHTTPMetrics(meter metric.Meter) (*httpMetrics, error) {
	if meter == nil {
		return nil, nil
	}

	requestsTotal, err := meter.Int64Counter(
		"msbhost_http_requests_total",
		metric.WithDescription("Total number of RPC HTTP requests"),
	)
	if err != nil {
		return nil, err
	}

	requestDuration, err := meter.Float64Histogram(
		"msbhost_http_request_duration_seconds",
		metric.WithDescription("RPC HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &httpMetrics{requestsTotal: requestsTotal, requestDuration: requestDuration}, nil
}

// middleware records a request count and duration per route pattern and
// status code. A nil receiver passes requests through untouched.
func (m *httpMetrics) middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusCapturingWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = r.URL.Path
		}
		attrs := metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("path", routePattern),
			attribute.Int("status", wrapped.statusCode),
		)
		m.requestsTotal.Add(r.Context(), 1, attrs)
		m.requestDuration.Record(r.Context(), time.Since(start).Seconds(), attrs)
	})
}

// statusCapturingWriter wraps http.ResponseWriter to capture the status
// code written by the handler, since http.ResponseWriter has no getter.
type statusCapturingWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusCapturingWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusCapturingWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
