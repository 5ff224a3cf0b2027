package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type MetricsCollector struct {
	registry               *prometheus.Registry
	claimsSubmitted        prometheus.Counter
	analysisDuration       prometheus.Histogram
	analysisFailures       prometheus.Counter
	fraudScoreDistribution prometheus.Histogram
	settlements            *prometheus.CounterVec
	settlementRetries      prometheus.Counter
	reconciliations        prometheus.Counter
	policyClaimedAmount    *prometheus.GaugeVec
	mu                     sync.RWMutex
	logger                 *slog.Logger
}

func NewMetricsCollector(logger *slog.Logger) *MetricsCollector {
	if logger == nil {
		logger = slog.Default()
	}

	registry := prometheus.NewRegistry()

	collector := &MetricsCollector{
		registry: registry,
		claimsSubmitted: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "claims_submitted_total",
			Help: "Total number of submitted claims",
		}),
		analysisDuration: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "claim_analysis_duration_seconds",
			Help:    "Time taken by the risk analysis step",
			Buckets: prometheus.DefBuckets,
		}),
		analysisFailures: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "claim_analysis_failures_total",
			Help: "Analysis attempts that exhausted their retries",
		}),
		fraudScoreDistribution: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "claim_fraud_score_distribution",
			Help:    "Distribution of fraud scores returned by analysis",
			Buckets: []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		}),
		settlements: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "claim_settlements_total",
			Help: "Settlement attempts by outcome",
		}, []string{"outcome"}),
		settlementRetries: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "claim_settlement_retries_total",
			Help: "Settlement attempts that were requeued for retry",
		}),
		reconciliations: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "claim_reconciliations_total",
			Help: "Claims finalized by the reconciler",
		}),
		policyClaimedAmount: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "policy_claimed_amount",
			Help: "Total claimed amount recorded against a policy",
		}, []string{"policy_id"}),
		logger: logger,
	}

	return collector
}

func (m *MetricsCollector) RecordSubmission() {
	m.claimsSubmitted.Inc()
}

func (m *MetricsCollector) RecordAnalysis(duration time.Duration, fraudScore float64, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.analysisDuration.Observe(duration.Seconds())
	if success {
		m.fraudScoreDistribution.Observe(fraudScore)
	} else {
		m.analysisFailures.Inc()
	}
}

func (m *MetricsCollector) RecordSettlement(outcome string) {
	m.settlements.WithLabelValues(outcome).Inc()
}

func (m *MetricsCollector) RecordSettlementRetry() {
	m.settlementRetries.Inc()
}

func (m *MetricsCollector) RecordReconciliation() {
	m.reconciliations.Inc()
}

func (m *MetricsCollector) UpdatePolicyClaimed(policyID string, total float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policyClaimedAmount.WithLabelValues(policyID).Set(total)
}

func (m *MetricsCollector) GetHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *MetricsCollector) StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.GetHandler())

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		m.logger.Info("Starting metrics server", slog.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server failed", slog.String("error", err.Error()))
		}
	}()

	return server
}

func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	m.logger.Info("Metrics collector shutdown complete")
	return nil
}
