package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the presence tracker and
// the capacity controller.
type Metrics struct {
	registry          *prometheus.Registry
	requestsTotal     prometheus.Counter
	errorsTotal       prometheus.Counter
	viewers           *prometheus.GaugeVec
	capacityUnits     prometheus.Gauge
	utilization       prometheus.Gauge
	scaleUpsTotal     prometheus.Counter
	scaleDownsTotal   prometheus.Counter
	reconcileRemoved  *prometheus.CounterVec
	replicationTotal  *prometheus.CounterVec
	ticksSkippedTotal *prometheus.CounterVec
	anomaliesTotal    prometheus.Counter
	breakerState      *prometheus.GaugeVec
	requestDuration   *prometheus.HistogramVec
}

// New creates and registers Prometheus metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "presence_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "presence_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		viewers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "presence_viewers",
			Help: "Active viewers per capacity unit, as observed by the last control cycle",
		}, []string{"unit"}),
		capacityUnits: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scaling_capacity_units",
			Help: "Number of capacity units enumerated by the last control cycle",
		}),
		utilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scaling_utilization_ratio",
			Help: "Total viewers divided by total configured capacity",
		}),
		scaleUpsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scaling_scale_ups_total",
			Help: "Capacity units created by the controller",
		}),
		scaleDownsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scaling_scale_downs_total",
			Help: "Capacity units deleted by the controller",
		}),
		reconcileRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_reconcile_removed_total",
			Help: "Viewers removed by the reconciliation sweep",
		}, []string{"reason"}),
		replicationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scaling_replication_total",
			Help: "Replication start attempts by outcome",
		}, []string{"outcome"}),
		ticksSkippedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_ticks_skipped_total",
			Help: "Ticks skipped because the previous run was still in flight",
		}, []string{"task"}),
		anomaliesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scaling_anomalies_total",
			Help: "Control cycles aborted because viewer totals were implausible",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "collaborator_circuit_breaker_state",
			Help: "Circuit breaker state per collaborator (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern, method and status class",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"route", "method", "status"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.viewers,
		m.capacityUnits,
		m.utilization,
		m.scaleUpsTotal,
		m.scaleDownsTotal,
		m.reconcileRemoved,
		m.replicationTotal,
		m.ticksSkippedTotal,
		m.anomaliesTotal,
		m.breakerState,
		m.requestDuration,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// SetViewers replaces the per-unit viewer gauges with counts.
func (m *Metrics) SetViewers(counts map[string]int64) {
	m.viewers.Reset()
	for unit, n := range counts {
		m.viewers.WithLabelValues(unit).Set(float64(n))
	}
}

// SetCapacity records the unit count and utilization of a control cycle.
func (m *Metrics) SetCapacity(units int, utilization float64) {
	m.capacityUnits.Set(float64(units))
	m.utilization.Set(utilization)
}

// IncScaleUp increments the scale-up counter.
func (m *Metrics) IncScaleUp() {
	m.scaleUpsTotal.Inc()
}

// IncScaleDown increments the scale-down counter.
func (m *Metrics) IncScaleDown() {
	m.scaleDownsTotal.Inc()
}

// IncReconcileRemoved counts one viewer removed by the sweep.
func (m *Metrics) IncReconcileRemoved(reason string) {
	m.reconcileRemoved.WithLabelValues(reason).Inc()
}

// IncReplication counts one replication start attempt.
func (m *Metrics) IncReplication(outcome string) {
	m.replicationTotal.WithLabelValues(outcome).Inc()
}

// IncTickSkipped counts a tick dropped by a task's in-flight guard.
func (m *Metrics) IncTickSkipped(task string) {
	m.ticksSkippedTotal.WithLabelValues(task).Inc()
}

// IncAnomaly counts a control cycle aborted by the safety clamp.
func (m *Metrics) IncAnomaly() {
	m.anomaliesTotal.Inc()
}

// SetBreakerState records a circuit breaker transition.
func (m *Metrics) SetBreakerState(name string, state float64) {
	m.breakerState.WithLabelValues(name).Set(state)
}

// ObserveRequest records the latency of one HTTP request.
func (m *Metrics) ObserveRequest(route, method string, status int, d time.Duration) {
	m.requestDuration.WithLabelValues(route, method, statusClass(status)).Observe(d.Seconds())
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
