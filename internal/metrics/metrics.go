package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pathmux"

// Registry holds the gateway's metrics on a private prometheus registry.
// All methods are no-ops on a nil *Registry.
type Registry struct {
	reg *prometheus.Registry

	requests       *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	upstreamErrors *prometheus.CounterVec
	bodies         *prometheus.CounterVec
	tunnels        *prometheus.GaugeVec
	rateLimited    *prometheus.CounterVec
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Registry{
		reg: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests served, by service, method and status code.",
		}, []string{"service", "method", "status"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_seconds",
			Help:      "Time until the backend returned response headers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),
		upstreamErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Failed backend calls, by service and kind.",
		}, []string{"service", "kind"}),
		bodies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_bodies_total",
			Help:      "Backend responses, by how their body was handled.",
		}, []string{"service", "outcome"}),
		tunnels: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tunnels",
			Help:      "Open WebSocket tunnels.",
		}, []string{"service"}),
		rateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by a service rate limit.",
		}, []string{"service"}),
	}
}

func (r *Registry) IncRequest(service, method, status string) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(service, method, status).Inc()
}

func (r *Registry) ObserveLatency(service string, d time.Duration) {
	if r == nil {
		return
	}
	r.latency.WithLabelValues(service).Observe(d.Seconds())
}

func (r *Registry) IncUpstreamError(service, kind string) {
	if r == nil {
		return
	}
	r.upstreamErrors.WithLabelValues(service, kind).Inc()
}

func (r *Registry) IncBody(service, outcome string) {
	if r == nil {
		return
	}
	r.bodies.WithLabelValues(service, outcome).Inc()
}

func (r *Registry) IncRateLimited(service string) {
	if r == nil {
		return
	}
	r.rateLimited.WithLabelValues(service).Inc()
}

func (r *Registry) IncActiveTunnels(service string) {
	if r == nil {
		return
	}
	r.tunnels.WithLabelValues(service).Inc()
}

func (r *Registry) DecActiveTunnels(service string) {
	if r == nil {
		return
	}
	r.tunnels.WithLabelValues(service).Dec()
}

// Handler serves the text exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
