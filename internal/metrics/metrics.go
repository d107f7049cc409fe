// Package metrics holds the service's Prometheus collectors and the HTTP
// middleware that feeds the request metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ntpinfo_build_info",
			Help: "Build information of the NTPinfo service",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ntpinfo_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ntpinfo_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ntpinfo_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	RateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ntpinfo_rate_limit_rejections_total",
			Help: "Requests rejected by the per-client rate limiter",
		},
	)

	MeasurementsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ntpinfo_measurements_started_total",
			Help: "Composite measurements started, by target kind",
		},
		[]string{"kind"},
	)

	MeasurementsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ntpinfo_measurements_finished_total",
			Help: "Composite measurements that reached the finished state",
		},
		[]string{"kind"},
	)

	MeasurementsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ntpinfo_measurements_failed_total",
			Help: "Composite measurements that reached the failed state",
		},
		[]string{"kind"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ntpinfo_measurement_stage_duration_seconds",
			Help:    "Duration of each measurement pipeline stage",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 40, 60, 120},
		},
		[]string{"stage"},
	)

	ProbeInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ntpinfo_probe_invocations_total",
			Help: "Probe tool invocations, by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	RipeAPICalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ntpinfo_ripe_api_calls_total",
			Help: "RIPE Atlas API calls, by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Use the route pattern if available, otherwise use the path
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}

		status := strconv.Itoa(ww.Status())
		duration := time.Since(start).Seconds()

		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}
