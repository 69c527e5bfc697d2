// ABOUTME: Prometheus collectors for control planes and dispatch front-ends
// ABOUTME: Each Metrics owns its registry so several can coexist in tests

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Job outcomes counted by broxy_jobs_total.
const (
	OutcomeDispatched  = "dispatched"
	OutcomeCompleted   = "completed"
	OutcomeExpired     = "expired"
	OutcomeRejected    = "rejected"
	OutcomeRequeued    = "requeued"
	OutcomeWorkerError = "worker_error"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Control plane
	Workers   *prometheus.GaugeVec
	QueueJobs *prometheus.GaugeVec
	Jobs      *prometheus.CounterVec

	// Front-end
	ProxyRequests *prometheus.CounterVec
	ProxyDuration prometheus.Histogram
	ProxyPending  *prometheus.GaugeVec
}

// New creates the collectors on a fresh registry that also exposes Go
// runtime and process metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Workers: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "broxy_workers",
				Help: "Connected workers by control-plane instance and state",
			},
			[]string{"instance", "state"},
		),
		QueueJobs: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "broxy_queue_jobs",
				Help: "Queued jobs by control-plane instance and assignment state",
			},
			[]string{"instance", "state"},
		),
		Jobs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broxy_jobs_total",
				Help: "Job lifecycle events by outcome",
			},
			[]string{"outcome"},
		),

		ProxyRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broxy_proxy_requests_total",
				Help: "Proxy requests answered, by HTTP status code",
			},
			[]string{"code"},
		),
		ProxyDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "broxy_proxy_request_duration_seconds",
				Help:    "Time from proxy request arrival to response",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		ProxyPending: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "broxy_proxy_pending",
				Help: "Client requests waiting for a result, by front-end instance",
			},
			[]string{"instance"},
		),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveWorkers records a control plane's pool.
func (m *Metrics) ObserveWorkers(instance string, idle, busy int) {
	if m == nil {
		return
	}
	m.Workers.WithLabelValues(instance, "idle").Set(float64(idle))
	m.Workers.WithLabelValues(instance, "busy").Set(float64(busy))
}

// ObserveQueue records a control plane's queue.
func (m *Metrics) ObserveQueue(instance string, unassigned, assigned int) {
	if m == nil {
		return
	}
	m.QueueJobs.WithLabelValues(instance, "unassigned").Set(float64(unassigned))
	m.QueueJobs.WithLabelValues(instance, "assigned").Set(float64(assigned))
}

// JobOutcome counts one job event.
func (m *Metrics) JobOutcome(outcome string) {
	if m == nil {
		return
	}
	m.Jobs.WithLabelValues(outcome).Inc()
}

// ObserveProxy records an answered client request.
func (m *Metrics) ObserveProxy(code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ProxyRequests.WithLabelValues(strconv.Itoa(code)).Inc()
	m.ProxyDuration.Observe(elapsed.Seconds())
}

// SetPending records a front-end's open correlations.
func (m *Metrics) SetPending(instance string, n int) {
	if m == nil {
		return
	}
	m.ProxyPending.WithLabelValues(instance).Set(float64(n))
}
