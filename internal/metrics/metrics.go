// Package metrics owns the prometheus registry for the admission engine and
// its HTTP host. Label sets stay low-cardinality: policy names and outcome
// tags only, never raw subjects or IPs.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/quotagate/internal/version"
)

type Metrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	decisionsTotal    *prometheus.CounterVec
	deniedTotal       *prometheus.CounterVec
	fallbackActive    prometheus.Gauge
	storeErrorsTotal  prometheus.Counter
	droppedObsTotal   prometheus.Counter
	policyUtilization *prometheus.GaugeVec
	alertsTotal       *prometheus.CounterVec
	buildInfo         *prometheus.GaugeVec

	// demo HTTP host instrumentation
	inflight prometheus.Gauge
	reqTotal *prometheus.CounterVec
	reqDur   *prometheus.HistogramVec
}

// New returns a fresh registry with standard collectors plus the engine series.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		reg: reg,
		decisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_decisions_total",
			Help: "Admission decisions by policy and outcome (allowed/denied/bypassed)",
		}, []string{"policy", "outcome"}),
		deniedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_denied_total",
			Help: "Denied requests by policy",
		}, []string{"policy"}),
		fallbackActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "counter_store_fallback_active",
			Help: "1 while counting runs on the in-process fallback store",
		}),
		storeErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "counter_store_errors_total",
			Help: "Failed round trips to the distributed counter store",
		}),
		droppedObsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admission_observations_dropped_total",
			Help: "Decision observations dropped because the sink queue was full",
		}),
		policyUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "admission_policy_utilization_ratio",
			Help: "Most recent quota utilization per policy (0..1)",
		}, []string{"policy"}),
		alertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_alerts_total",
			Help: "Alert events by kind and severity",
		}, []string{"kind", "severity"}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "version", "commit", "go_version"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		m.decisionsTotal,
		m.deniedTotal,
		m.fallbackActive,
		m.storeErrorsTotal,
		m.droppedObsTotal,
		m.policyUtilization,
		m.alertsTotal,
		m.buildInfo,
		m.inflight,
		m.reqTotal,
		m.reqDur,
	)

	vi := version.Get()
	m.buildInfo.WithLabelValues(version.AppName, vi.Version, vi.Commit, vi.GoVersion).Set(1)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return m
}

// Handler serves the registry for the ops port.
func (m *Metrics) Handler() http.Handler { return m.handler }

func (m *Metrics) ObserveDecision(policy, outcome string) {
	m.decisionsTotal.WithLabelValues(policy, outcome).Inc()
	if outcome == "denied" {
		m.deniedTotal.WithLabelValues(policy).Inc()
	}
}

func (m *Metrics) SetFallbackActive(active bool) {
	if active {
		m.fallbackActive.Set(1)
	} else {
		m.fallbackActive.Set(0)
	}
}

func (m *Metrics) IncStoreError() { m.storeErrorsTotal.Inc() }
func (m *Metrics) IncDroppedObs() { m.droppedObsTotal.Inc() }

func (m *Metrics) SetUtilization(policy string, ratio float64) {
	m.policyUtilization.WithLabelValues(policy).Set(ratio)
}

func (m *Metrics) IncAlert(kind, severity string) {
	m.alertsTotal.WithLabelValues(kind, severity).Inc()
}
