// Package metrics exposes the faucet's Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "faucet"

// Metrics holds every counter, gauge, and histogram the faucet records.
type Metrics struct {
	registry *prometheus.Registry

	up prometheus.Gauge

	challengesIssued *prometheus.CounterVec
	claimsSettled    *prometheus.CounterVec
	claimDuration    *prometheus.HistogramVec
	batchSize        prometheus.Histogram
	nonceGaps        prometheus.Counter
}

// New constructs and registers the faucet's metrics on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		up: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "up",
			Help:      "1 once the faucet has finished starting up",
		}),
		challengesIssued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "challenges_issued_total",
			Help:      "Count of PoW challenges issued",
		}, []string{"chain"}),
		claimsSettled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_settled_total",
			Help:      "Count of claims settled, by outcome kind",
		}, []string{"chain", "kind"}),
		claimDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "claim_duration_seconds",
			Buckets:   prometheus.DefBuckets,
			Help:      "Time to fully process a claim request",
		}, []string{"chain"}),
		batchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "l1_batch_size",
			Buckets:   []float64{1, 5, 25, 50, 100, 250},
			Help:      "Number of payouts included in each L1 batch transaction",
		}),
		nonceGaps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "l2_nonce_resyncs_total",
			Help:      "Count of times the L2 dispatcher had to resynchronize its nonce",
		}),
	}
}

// RecordUp marks the faucet as fully started.
func (m *Metrics) RecordUp() { m.up.Set(1) }

// RecordChallengeIssued increments the issued-challenge counter for chain.
func (m *Metrics) RecordChallengeIssued(chain string) {
	m.challengesIssued.WithLabelValues(chain).Inc()
}

// RecordClaim wraps a claim's processing with a duration observation and
// returns a callback to record its outcome kind once known.
func (m *Metrics) RecordClaim(chain string) (onDone func(kind string)) {
	timer := prometheus.NewTimer(m.claimDuration.WithLabelValues(chain))
	return func(kind string) {
		timer.ObserveDuration()
		m.claimsSettled.WithLabelValues(chain, kind).Inc()
	}
}

// RecordBatchSize records the number of payouts included in an L1 batch.
func (m *Metrics) RecordBatchSize(n int) {
	m.batchSize.Observe(float64(n))
}

// RecordNonceResync records an L2 nonce resynchronization event.
func (m *Metrics) RecordNonceResync() {
	m.nonceGaps.Inc()
}

// Handler returns the HTTP handler that serves this registry's metrics
// in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
