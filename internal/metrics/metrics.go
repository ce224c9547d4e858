package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CyclesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neuralda_cycles_completed_total",
			Help: "Total assimilation cycles completed",
		},
		[]string{"mode"},
	)

	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "neuralda_cycle_duration_seconds",
			Help:    "Wall time of one assimilation cycle",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	CostTerms = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "neuralda_cost",
			Help: "Cost function terms after the latest outer iteration",
		},
		[]string{"term"},
	)

	StateFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neuralda_state_fetches_total",
			Help: "Total archive state fetches",
		},
		[]string{"source", "status"},
	)

	FetchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "neuralda_state_fetch_latency_seconds",
			Help:    "Archive state fetch latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	ModelSteps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neuralda_model_steps_total",
			Help: "Total surrogate model steps run",
		},
		[]string{"model"},
	)

	ModelStepLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "neuralda_model_step_latency_seconds",
			Help:    "Surrogate model step latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	Z500WRMSE = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "neuralda_z500_wrmse",
			Help: "Latitude-weighted z500 RMSE of the latest cycle",
		},
		[]string{"stage"},
	)
)
