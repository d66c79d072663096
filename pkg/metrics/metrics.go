// Package metrics exposes Prometheus instrumentation for the backfill
// loop and the upstream providers.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "heatwatch_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	passTotal   *prometheus.CounterVec
	passLatency *prometheus.HistogramVec

	dateOutcomes  *prometheus.CounterVec
	gapsRemaining *prometheus.GaugeVec

	providerRequests *prometheus.CounterVec
)

// Init registers the collectors. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		passTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "backfill_passes_total",
				Help: "Total backfill passes by result",
			},
			[]string{"result"},
		)
		passLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "backfill_pass_latency_seconds",
				Help:    "Backfill pass latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		dateOutcomes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "backfill_dates_total",
				Help: "Per-date backfill outcomes by series and state",
			},
			[]string{"series", "state"},
		)
		gapsRemaining = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "gaps_remaining",
				Help: "Gaps left in the lookback window after the last pass",
			},
			[]string{"series"},
		)

		providerRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "provider_requests_total",
				Help: "Total upstream provider requests by provider and result",
			},
			[]string{"provider", "result"},
		)

		prometheus.MustRegister(
			passTotal,
			passLatency,
			dateOutcomes,
			gapsRemaining,
			providerRequests,
		)
	})
}

// ObservePass records one backfill pass duration and result.
func ObservePass(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if passTotal != nil {
		passTotal.WithLabelValues(result).Inc()
	}
	if passLatency != nil {
		passLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncDateOutcome increments the per-date outcome counter.
func IncDateOutcome(series, state string) {
	if dateOutcomes != nil {
		dateOutcomes.WithLabelValues(series, state).Inc()
	}
}

// SetGapsRemaining sets the remaining gap gauge for a series.
func SetGapsRemaining(series string, count int) {
	if gapsRemaining != nil {
		gapsRemaining.WithLabelValues(series).Set(float64(count))
	}
}

// IncProviderRequest increments the upstream request counter.
func IncProviderRequest(provider, result string) {
	if result == "" {
		result = resultSuccess
	}
	if providerRequests != nil {
		providerRequests.WithLabelValues(provider, result).Inc()
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
)
