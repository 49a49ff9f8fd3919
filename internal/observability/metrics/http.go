package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// HTTPMetrics records request counts and latency per route. Routes are
// labelled with the gin template path so cardinality stays bounded.
type HTTPMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
}

func NewHTTPMetrics(provider metric.MeterProvider) (*HTTPMetrics, error) {
	if provider == nil {
		return nil, nil
	}
	meter := provider.Meter("metron/http")

	requests, err := meter.Int64Counter(
		"metron_http_requests_total",
		metric.WithDescription("HTTP requests served"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"metron_http_request_duration_seconds",
		metric.WithDescription("HTTP request latency"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &HTTPMetrics{requests: requests, duration: duration}, nil
}

// GinMiddleware instruments every request. A nil receiver is a no-op so
// handlers do not need to care whether metrics are enabled.
func GinMiddleware(h *HTTPMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if h == nil {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		attrs := metric.WithAttributes(
			attribute.String("method", c.Request.Method),
			attribute.String("route", route),
			attribute.String("status", strconv.Itoa(c.Writer.Status())),
		)
		h.requests.Add(c.Request.Context(), 1, attrs)
		h.duration.Record(c.Request.Context(), time.Since(start).Seconds(), attrs)
	}
}
