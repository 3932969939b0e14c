package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatched = "unmatched"

// Rejection reasons for POST /api/generate.
const (
	rejectEmail     = "email"
	rejectBotCheck  = "bot_check"
	rejectRateLimit = "rate_limit"
	rejectUpload    = "upload"
	rejectTooLarge  = "too_large"
	rejectMediaType = "media_type"
	rejectInvalid   = "invalid"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smileloop_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smileloop_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	generateRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smileloop_generate_rejections_total",
			Help: "Generate requests rejected before a job was created, by reason.",
		},
		[]string{"reason"},
	)

	uploadBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "smileloop_upload_bytes",
			Help:    "Size of accepted photo uploads.",
			Buckets: prometheus.ExponentialBuckets(64<<10, 2, 8),
		},
	)

	artifactsServed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smileloop_artifacts_served_total",
			Help: "Video artifacts served, by rendition and delivery (file or redirect).",
		},
		[]string{"kind", "delivery"},
	)

	sseStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "smileloop_progress_streams",
			Help: "Open job progress event streams.",
		},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, generateRejections, uploadBytes, artifactsServed, sseStreams)

	for _, r := range []string{rejectEmail, rejectBotCheck, rejectRateLimit, rejectUpload, rejectTooLarge, rejectMediaType, rejectInvalid} {
		generateRejections.WithLabelValues(r)
	}
}

// metricsMiddleware records request count and duration for every HTTP request.
// Uses the chi route pattern (not the raw path) to avoid unbounded cardinality.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		path := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// routePattern extracts the matched chi route pattern, falling back to "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

// metricsHandler returns the Prometheus metrics handler.
func metricsHandler() http.Handler {
	return promhttp.Handler()
}
