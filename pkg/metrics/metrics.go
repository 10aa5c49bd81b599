package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Operation metrics
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "berth_operations_total",
			Help: "Total number of finished operations by type and terminal status",
		},
		[]string{"type", "status"},
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "berth_operation_duration_seconds",
			Help:    "Operation duration in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"type"},
	)

	CompensationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "berth_compensations_total",
			Help: "Compensating actions run after a failed transition, by result",
		},
		[]string{"result"},
	)

	RetainedInstances = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "berth_retained_instances",
			Help: "Number of retained rollback instances",
		},
	)

	// Registry metrics
	RegistryRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "berth_registry_requests_total",
			Help: "Registry requests by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	InstallabilityProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "berth_installability_probes_total",
			Help: "Installability digest probes by verdict",
		},
		[]string{"result"},
	)

	// Refresh loop metrics
	RefreshCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "berth_refresh_cycles_total",
			Help: "Background refresh cycles by outcome",
		},
		[]string{"outcome"},
	)

	RefreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "berth_refresh_duration_seconds",
			Help:    "Background refresh cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	WarmupPrefetchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "berth_warmup_prefetches_total",
			Help: "Layer size manifests prefetched by warm-up",
		},
	)

	// Pull metrics
	PullBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "berth_pull_bytes_total",
			Help: "Bytes downloaded by image pulls",
		},
	)
)

func init() {
	prometheus.MustRegister(OperationsTotal)
	prometheus.MustRegister(OperationDuration)
	prometheus.MustRegister(CompensationsTotal)
	prometheus.MustRegister(RetainedInstances)
	prometheus.MustRegister(RegistryRequestsTotal)
	prometheus.MustRegister(InstallabilityProbesTotal)
	prometheus.MustRegister(RefreshCyclesTotal)
	prometheus.MustRegister(RefreshDuration)
	prometheus.MustRegister(WarmupPrefetchesTotal)
	prometheus.MustRegister(PullBytesTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures the duration of one unit of work
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed seconds on h
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed seconds on vec with labels
func (t *Timer) ObserveDurationVec(vec *prometheus.HistogramVec, labels ...string) {
	vec.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
