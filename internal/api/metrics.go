package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/optipix/internal/pipeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry          *prometheus.Registry
	requestTotal      *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	rateLimitRejected *prometheus.CounterVec
	framesRendered    *prometheus.CounterVec
	framePixels       prometheus.Histogram
	uploadBytes       prometheus.Histogram
	exportTotal       *prometheus.CounterVec
	exportBytes       *prometheus.HistogramVec
	aiEdits           *prometheus.CounterVec
	activeSessions    prometheus.Gauge
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optipix_api_requests_total",
			Help: "Total HTTP requests handled by the API.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "optipix_api_request_duration_seconds",
			Help:    "API request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		rateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optipix_api_rate_limit_rejections_total",
			Help: "Total API requests rejected by rate limiting.",
		}, []string{"route"}),
		framesRendered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optipix_render_frames_total",
			Help: "Total frames produced by the render pipeline.",
		}, []string{"rotated"}),
		framePixels: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "optipix_render_frame_pixels",
			Help:    "Output surface size of rendered frames in pixels.",
			Buckets: prometheus.ExponentialBuckets(1<<14, 4, 8),
		}),
		uploadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "optipix_upload_bytes",
			Help:    "Size of accepted image uploads in bytes.",
			Buckets: prometheus.ExponentialBuckets(1<<14, 4, 8),
		}),
		exportTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optipix_exports_total",
			Help: "Total exports by format and destination.",
		}, []string{"format", "destination"}),
		exportBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "optipix_export_bytes",
			Help:    "Size of encoded exports in bytes.",
			Buckets: prometheus.ExponentialBuckets(1<<12, 4, 9),
		}, []string{"format"}),
		aiEdits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optipix_ai_edits_total",
			Help: "Total AI edits by outcome.",
		}, []string{"outcome"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "optipix_sessions_active",
			Help: "Editing sessions currently held in memory.",
		}),
	}
	registry.MustRegister(
		m.requestTotal,
		m.requestDuration,
		m.rateLimitRejected,
		m.framesRendered,
		m.framePixels,
		m.uploadBytes,
		m.exportTotal,
		m.exportBytes,
		m.aiEdits,
		m.activeSessions,
	)
	return m
}

func (m *metrics) metricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// observeFrame is subscribed to every session pipeline.
func (m *metrics) observeFrame(f pipeline.Frame) {
	m.framesRendered.WithLabelValues(strconv.FormatBool(f.Geometry.Rotated)).Inc()
	b := f.Image.Bounds()
	m.framePixels.Observe(float64(b.Dx() * b.Dy()))
}

func (m *metrics) observeExport(format, destination string, size int) {
	m.exportTotal.WithLabelValues(format, destination).Inc()
	m.exportBytes.WithLabelValues(format).Observe(float64(size))
}

func (m *metrics) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := routeLabel(r.URL.Path)
		status := statusLabel(recorder.status)

		m.requestTotal.WithLabelValues(r.Method, route, status).Inc()
		m.requestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

func statusLabel(status int) string {
	return strconv.Itoa(status)
}

// routeLabel collapses session ids so label cardinality stays bounded.
func routeLabel(path string) string {
	switch {
	case path == "/healthz":
		return "/healthz"
	case path == "/metrics":
		return "/metrics"
	case path == "/v1/sessions" || path == "/v1/sessions/":
		return "/v1/sessions"
	case strings.HasPrefix(path, "/v1/sessions/"):
		rest := strings.Trim(strings.TrimPrefix(path, "/v1/sessions/"), "/")
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) == 1 {
			return "/v1/sessions/{id}"
		}
		switch parts[1] {
		case "image", "adjustments", "rotate", "flip", "export-settings", "preview", "export", "export/publish", "ai-edit":
			return "/v1/sessions/{id}/" + parts[1]
		}
		return "/v1/sessions/{id}/other"
	default:
		return "other"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
