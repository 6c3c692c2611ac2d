package observability

import (
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// roundTripFunc adapts a function to http.RoundTripper.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// UploadMetrics returns client middleware that records upload request
// metrics. Requests that fail before a response arrives are tagged with
// status "error". A nil metrics returns next unchanged.
//
// Usage:
//
//	client.Transport = observability.UploadMetrics(metrics)(http.DefaultTransport)
func UploadMetrics(metrics *Metrics) func(http.RoundTripper) http.RoundTripper {
	return func(next http.RoundTripper) http.RoundTripper {
		if next == nil {
			next = http.DefaultTransport
		}
		if metrics == nil {
			return next
		}

		return roundTripFunc(func(req *http.Request) (*http.Response, error) {
			start := time.Now()

			resp, err := next.RoundTrip(req)

			duration := float64(time.Since(start).Milliseconds())
			status := "error"
			if err == nil {
				status = strconv.Itoa(resp.StatusCode)
			}

			attrs := otelmetric.WithAttributes(
				attribute.String("host", req.URL.Host),
				attribute.String("status", status),
			)

			metrics.UploadDuration.Record(req.Context(), duration, attrs)
			metrics.UploadRequests.Add(req.Context(), 1, attrs)

			return resp, err
		})
	}
}
