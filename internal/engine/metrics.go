package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/smileloop/smileloop/internal/model"
)

var (
	jobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smileloop_jobs_finished_total",
			Help: "Total number of jobs that left processing, by resulting status.",
		},
		[]string{"status"},
	)

	jobsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "smileloop_jobs_in_flight",
			Help: "Number of jobs currently being generated.",
		},
	)
)

func init() {
	prometheus.MustRegister(jobsFinished)
	prometheus.MustRegister(jobsInFlight)

	jobsFinished.WithLabelValues(model.StatusPreviewReady)
	jobsFinished.WithLabelValues(model.StatusFailed)
}
