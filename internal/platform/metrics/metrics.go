package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors exported on /metrics.
type Metrics struct {
	transfers        *prometheus.CounterVec
	transferLatency  prometheus.Histogram
	verifications    *prometheus.CounterVec
	claims           *prometheus.CounterVec
	rounds           *prometheus.CounterVec
	winnerPayouts    *prometheus.CounterVec
	healthFailRate   prometheus.Gauge
	healthRPCErrors  prometheus.Gauge
	healthAlerts     *prometheus.CounterVec
	ipWalletWarnings prometheus.Counter
}

var (
	once     sync.Once
	registry *Metrics
)

// Default returns the process-wide collectors, registering them on first use.
func Default() *Metrics {
	once.Do(func() {
		registry = &Metrics{
			transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "chain_transfers_total",
				Help: "On-chain transfers submitted, by result.",
			}, []string{"result"}),
			transferLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "chain_transfer_seconds",
				Help:    "Time from building a transfer to its confirmation.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60, 120},
			}),
			verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "verification_outcomes_total",
				Help: "Verification results by action kind and status.",
			}, []string{"kind", "status"}),
			claims: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "execution_claims_total",
				Help: "Claim batches by result.",
			}, []string{"result"}),
			rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "settlement_rounds_total",
				Help: "Settlement rounds by final status of a processing pass.",
			}, []string{"status"}),
			winnerPayouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "settlement_winner_payouts_total",
				Help: "Winner payout attempts by result.",
			}, []string{"result"}),
			healthFailRate: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "health_failure_rate",
				Help: "Share of failed executions in the health window.",
			}),
			healthRPCErrors: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "health_rpc_errors",
				Help: "RPC related error log entries in the health window.",
			}),
			healthAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "health_alerts_total",
				Help: "Health alerts raised, by signal.",
			}, []string{"signal"}),
			ipWalletWarnings: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "fraud_ip_wallet_warnings_total",
				Help: "Requests seen from an IP above the wallet threshold.",
			}),
		}
		prometheus.MustRegister(
			registry.transfers,
			registry.transferLatency,
			registry.verifications,
			registry.claims,
			registry.rounds,
			registry.winnerPayouts,
			registry.healthFailRate,
			registry.healthRPCErrors,
			registry.healthAlerts,
			registry.ipWalletWarnings,
		)
	})
	return registry
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) ObserveTransfer(started time.Time, err error) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(result(err)).Inc()
	if err == nil {
		m.transferLatency.Observe(time.Since(started).Seconds())
	}
}

func (m *Metrics) ObserveVerification(kind, status string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.verifications.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) ObserveClaim(err error) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) ObserveRound(status string) {
	if m == nil {
		return
	}
	m.rounds.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveWinnerPayout(err error) {
	if m == nil {
		return
	}
	m.winnerPayouts.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) SetHealth(failureRate float64, rpcErrors int) {
	if m == nil {
		return
	}
	m.healthFailRate.Set(failureRate)
	m.healthRPCErrors.Set(float64(rpcErrors))
}

func (m *Metrics) ObserveHealthAlert(signal string) {
	if m == nil {
		return
	}
	m.healthAlerts.WithLabelValues(signal).Inc()
}

func (m *Metrics) ObserveIPWalletWarning() {
	if m == nil {
		return
	}
	m.ipWalletWarnings.Inc()
}
