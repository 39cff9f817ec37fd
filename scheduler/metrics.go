package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	runs     *prometheus.CounterVec
	fetch    prometheus.Histogram
	inFlight prometheus.Gauge
	tasks    prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pinwatch_runs_total",
			Help: "Watch runs by outcome.",
		}, []string{"outcome"}),
		fetch: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pinwatch_fetch_seconds",
			Help:    "Page fetch duration, including failures.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "pinwatch_runs_in_flight",
			Help: "Runs currently executing.",
		}),
		tasks: f.NewGauge(prometheus.GaugeOpts{
			Name: "pinwatch_tasks",
			Help: "Watch tasks with an active trigger.",
		}),
	}
}
