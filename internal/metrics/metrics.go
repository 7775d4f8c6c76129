// Package metrics exposes Prometheus counters for credential resolution,
// session rotation, rate limiting and degraded-mode write skips.
// One Metrics value implements every observer interface the engine packages accept.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "portcullis"

// Metrics holds the service's collectors.
type Metrics struct {
	Resolutions     *prometheus.CounterVec
	Rotations       prometheus.Counter
	Rejections      *prometheus.CounterVec
	SkippedWrites   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg.
// Pass prometheus.NewRegistry() in tests so runs don't collide.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		Resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "resolutions_total",
			Help:      "Credential resolutions by method and result.",
		}, []string{"method", "result"}),
		Rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "rotations_total",
			Help:      "Session tokens rotated.",
		}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Requests rejected by a rate limit, by scope.",
		}, []string{"scope"}),
		SkippedWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "skipped_writes_total",
			Help:      "Writes skipped while the database is read-only, by operation.",
		}, []string{"op"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		gatherer: reg,
	}
	reg.MustRegister(m.Resolutions, m.Rotations, m.Rejections, m.SkippedWrites, m.RequestDuration)
	return m
}

// Resolved counts one credential resolution. Implements auth.Observer.
func (m *Metrics) Resolved(method, result string) {
	m.Resolutions.WithLabelValues(method, result).Inc()
}

// SessionRotated implements session.Observer.
func (m *Metrics) SessionRotated() {
	m.Rotations.Inc()
}

// WriteSkipped implements session.Observer and apikey.Observer.
func (m *Metrics) WriteSkipped(op string) {
	m.SkippedWrites.WithLabelValues(op).Inc()
}

// RateLimited implements ratelimit.Observer.
func (m *Metrics) RateLimited(scope string) {
	m.Rejections.WithLabelValues(scope).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Middleware records request latency labelled by the matched chi route pattern,
// so path parameters do not blow up label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.RequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	})
}
