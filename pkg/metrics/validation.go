package metrics

import "github.com/prometheus/client_golang/prometheus"

// Validation outcome labels for the blocks_validated counter.
const (
	ResultValid   = "valid"
	ResultInvalid = "invalid"
	ResultError   = "error"
)

// ValidationMetrics holds the instruments updated by the block validation
// engine. A separate struct (instead of promauto package vars) so tests can
// register against a private registry.
type ValidationMetrics struct {
	BlocksProcessing   prometheus.Gauge
	BlocksPending      prometheus.Gauge
	BlocksValidated    *prometheus.CounterVec
	ValidationDuration prometheus.Histogram
	ChainHeadRaces     prometheus.Counter
}

// NewValidationMetrics creates and registers the engine instruments
func NewValidationMetrics(reg prometheus.Registerer) *ValidationMetrics {
	m := &ValidationMetrics{
		BlocksProcessing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "karst_blocks_processing",
			Help: "Number of blocks currently being validated",
		}),
		BlocksPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "karst_blocks_pending",
			Help: "Number of blocks parked awaiting an ancestor",
		}),
		BlocksValidated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "karst_blocks_validated_total",
				Help: "Total block validations by result",
			},
			[]string{"result"},
		),
		ValidationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "karst_block_validation_duration_seconds",
			Help:    "Wall time spent validating a single block",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		ChainHeadRaces: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "karst_chain_head_races_total",
			Help: "Times the chain head moved during a validation and it was re-run",
		}),
	}

	reg.MustRegister(
		m.BlocksProcessing,
		m.BlocksPending,
		m.BlocksValidated,
		m.ValidationDuration,
		m.ChainHeadRaces,
	)

	return m
}
