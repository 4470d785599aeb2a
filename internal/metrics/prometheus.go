package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DecisionsRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citadel_ledger_decisions_total",
			Help: "Total AI decisions recorded",
		},
		[]string{"module"},
	)

	ReviewRequired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citadel_ledger_review_required_total",
			Help: "Decisions flagged for human review at creation",
		},
		[]string{"module"},
	)

	OverridesRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citadel_ledger_overrides_total",
			Help: "Human overrides recorded, by verdict",
		},
		[]string{"verdict"},
	)

	TrainingSamplesCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citadel_ledger_training_samples_total",
			Help: "Training samples derived from modified overrides",
		},
		[]string{"model"},
	)

	BundlesGenerated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "citadel_ledger_bundles_generated_total",
			Help: "Evidence bundles generated",
		},
	)

	CorruptLineageDetected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "citadel_ledger_corrupt_lineage_total",
			Help: "Lineage walks terminated by a cycle",
		},
	)

	LineageDepth = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "citadel_ledger_lineage_depth",
			Help:    "Resolved lineage chain length",
			Buckets: []float64{1, 2, 3, 5, 8, 16, 32},
		},
	)

	DecisionConfidence = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "citadel_ledger_decision_confidence",
			Help:    "Confidence scores of recorded decisions",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "citadel_ledger_queue_depth",
			Help: "Unprocessed active-learning queue entries",
		},
	)

	EscalationsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citadel_ledger_escalations_total",
			Help: "SLA escalation webhook notifications",
		},
		[]string{"status"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citadel_ledger_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"record_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citadel_ledger_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"record_type"},
	)
)

func Init() {
	prometheus.MustRegister(DecisionsRecorded)
	prometheus.MustRegister(ReviewRequired)
	prometheus.MustRegister(OverridesRecorded)
	prometheus.MustRegister(TrainingSamplesCreated)
	prometheus.MustRegister(BundlesGenerated)
	prometheus.MustRegister(CorruptLineageDetected)
	prometheus.MustRegister(LineageDepth)
	prometheus.MustRegister(DecisionConfidence)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(EscalationsSent)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
