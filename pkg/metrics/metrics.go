package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PredictionsServed counts predictions by model name and cache outcome.
var PredictionsServed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "modelflow_predictions_total",
		Help: "Total number of predictions served",
	},
	[]string{"model", "cache"},
)

// PredictionLatency records latency distribution for prediction serving
var PredictionLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "modelflow_prediction_latency_seconds",
		Help:    "Latency in seconds to serve individual predictions",
		Buckets: prometheus.DefBuckets,
	},
)

// Training run metrics
var (
	TrainingRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelflow_training_runs_total",
			Help: "Training runs by terminal outcome (success/failed/cancelled)",
		},
		[]string{"model", "outcome"},
	)

	TrainingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelflow_training_duration_seconds",
			Help:    "Wall-clock duration of training runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"model"},
	)
)

// Monitoring metrics
var (
	DriftScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "modelflow_drift_score",
			Help: "Overall drift score from the last monitoring cycle",
		},
		[]string{"model"},
	)

	MonitorEventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "modelflow_monitor_events_dropped_total",
			Help: "Prediction events dropped because the monitor queue was full",
		},
	)

	AlertsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelflow_monitoring_alerts_total",
			Help: "Monitoring alerts by severity",
		},
		[]string{"severity"},
	)
)

func init() {
	prometheus.MustRegister(PredictionsServed, PredictionLatency)
	prometheus.MustRegister(TrainingRuns, TrainingDuration)
	prometheus.MustRegister(DriftScore, MonitorEventsDropped, AlertsEmitted)
}
