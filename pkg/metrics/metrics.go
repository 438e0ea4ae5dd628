package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Backend metrics
	BackendOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "amphora_backend_ops_total",
			Help: "Total number of backend operations by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	BackendOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "amphora_backend_op_duration_seconds",
			Help:    "Backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Block store metrics
	BlocksStored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "amphora_blocks_stored_total",
			Help: "Total number of new blocks written to the block store",
		},
	)

	BlockBytesStored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "amphora_block_bytes_stored_total",
			Help: "Total bytes of new blocks written to the block store",
		},
	)

	// Quotaholder metrics
	CommissionsIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "amphora_commissions_issued_total",
			Help: "Total number of commissions issued",
		},
	)

	CommissionsResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "amphora_commissions_resolved_total",
			Help: "Total number of commissions resolved by outcome",
		},
		[]string{"outcome"},
	)

	CommissionsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "amphora_commissions_pending",
			Help: "Number of locally recorded commissions awaiting resolution",
		},
	)

	// Reconciler metrics
	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "amphora_reconciliation_cycles_total",
			Help: "Total number of commission reconciliation cycles",
		},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "amphora_reconciliation_duration_seconds",
			Help:    "Commission reconciliation cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "amphora_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "amphora_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(
		BackendOpsTotal,
		BackendOpDuration,
		BlocksStored,
		BlockBytesStored,
		CommissionsIssued,
		CommissionsResolved,
		CommissionsPending,
		ReconciliationCyclesTotal,
		ReconciliationDuration,
		APIRequestsTotal,
		APIRequestDuration,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration and reports it to a histogram
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time in the given histogram
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time in a labeled histogram
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
