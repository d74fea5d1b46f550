// Package metrics exposes Prometheus collectors for the hub service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/realtime-process-hub/internal/stream"
)

// Metrics owns the stream and HTTP collectors. It satisfies stream.Observer.
type Metrics struct {
	gatherer prometheus.Gatherer

	streamsOpen    *prometheus.GaugeVec
	framesSent     *prometheus.CounterVec
	framesDropped  *prometheus.CounterVec
	opensRejected  *prometheus.CounterVec
	requestsTotal  *prometheus.CounterVec
	requestSeconds *prometheus.HistogramVec
}

// New registers the collectors against reg. A nil reg uses a fresh registry,
// which keeps tests independent.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		streamsOpen: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "processhub_streams_open",
			Help: "Open event streams, labeled by channel.",
		}, []string{"channel"}),
		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "processhub_stream_frames_sent_total",
			Help: "Event frames written to subscribers, labeled by channel.",
		}, []string{"channel"}),
		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "processhub_stream_frames_dropped_total",
			Help: "Event frames dropped because a subscriber queue was full, labeled by channel.",
		}, []string{"channel"}),
		opensRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "processhub_stream_opens_rejected_total",
			Help: "Stream opens refused by the rate limiter, labeled by channel.",
		}, []string{"channel"}),
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		}, []string{"method", "code"}),
		requestSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.005, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"}),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ConnectionOpened implements stream.Observer.
func (m *Metrics) ConnectionOpened(ch stream.Channel) {
	m.streamsOpen.WithLabelValues(string(ch)).Inc()
}

// ConnectionClosed implements stream.Observer.
func (m *Metrics) ConnectionClosed(ch stream.Channel) {
	m.streamsOpen.WithLabelValues(string(ch)).Dec()
}

// FrameSent implements stream.Observer.
func (m *Metrics) FrameSent(ch stream.Channel) {
	m.framesSent.WithLabelValues(string(ch)).Inc()
}

// FrameDropped implements stream.Observer.
func (m *Metrics) FrameDropped(ch stream.Channel) {
	m.framesDropped.WithLabelValues(string(ch)).Inc()
}

// ObserveRejectedOpen counts a stream open refused by admission control.
func (m *Metrics) ObserveRejectedOpen(ch stream.Channel) {
	m.opensRejected.WithLabelValues(string(ch)).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func (m *Metrics) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.requestSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware is a chi middleware that records HTTP request metrics.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		m.ObserveHTTPRequest(r.Method, routePattern, ww.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

// Flush keeps event streams working behind the middleware.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
