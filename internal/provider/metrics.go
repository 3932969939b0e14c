package provider

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric label values for generation outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeTimeout = "timeout"
)

// KnownProviders lists the provider names pre-initialised in metrics.
var KnownProviders = []string{"xai", "kie", "modal", "cloud", "veo", "local"}

var (
	generationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smileloop_provider_generation_seconds",
			Help:    "Time from task submission to downloaded video, in seconds.",
			Buckets: []float64{5, 10, 20, 30, 45, 60, 90, 120, 180, 300, 600},
		},
		[]string{"provider", "outcome"},
	)

	pollAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smileloop_provider_poll_attempts_total",
			Help: "Total number of status polls issued to providers.",
		},
		[]string{"provider"},
	)

	fallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smileloop_provider_fallbacks_total",
			Help: "Total number of times a job fell back from one provider to another.",
		},
		[]string{"from", "to"},
	)
)

func init() {
	prometheus.MustRegister(generationDuration)
	prometheus.MustRegister(pollAttempts)
	prometheus.MustRegister(fallbacksTotal)

	// Pre-initialize label combinations so they appear in /metrics with value
	// 0 from startup, rather than only after first observation.
	for _, p := range KnownProviders {
		pollAttempts.WithLabelValues(p)
		generationDuration.WithLabelValues(p, OutcomeSuccess)
		generationDuration.WithLabelValues(p, OutcomeFailure)
		generationDuration.WithLabelValues(p, OutcomeTimeout)
	}
}

// ObserveGeneration records one generation attempt.
func ObserveGeneration(providerName, outcome string, d time.Duration) {
	generationDuration.WithLabelValues(providerName, outcome).Observe(d.Seconds())
}

// CountPoll records one status poll.
func CountPoll(providerName string) {
	pollAttempts.WithLabelValues(providerName).Inc()
}

// ObserveFallback records a switch from one provider to the next candidate.
func ObserveFallback(from, to string) {
	fallbacksTotal.WithLabelValues(from, to).Inc()
}
