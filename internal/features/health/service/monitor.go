package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"actionpay-backend/internal/features/ledger/repository"
	"actionpay-backend/internal/platform/metrics"
)

const (
	SignalFailureRate = "failure_rate"
	SignalRPCErrors   = "rpc_errors"
)

// rpcKeywords mark an error log entry as chain related.
var rpcKeywords = []string{"rpc", "blockhash", "chain", "solana", "confirmation", "timeout", "node"}

type Config struct {
	Interval             time.Duration
	Window               time.Duration
	FailureRateThreshold float64
	RPCErrorThreshold    int
}

type FailureRate struct {
	Rate      float64 `json:"rate"`
	Threshold float64 `json:"threshold"`
	Failed    int     `json:"failed"`
	Total     int     `json:"total"`
	Alert     bool    `json:"alert"`
}

type RPCErrors struct {
	Count     int  `json:"count"`
	Threshold int  `json:"threshold"`
	Alert     bool `json:"alert"`
}

// Report is the outcome of one monitor pass.
type Report struct {
	CheckedAt   time.Time     `json:"checkedAt"`
	Window      time.Duration `json:"window"`
	FailureRate FailureRate   `json:"failureRate"`
	RPCErrors   RPCErrors     `json:"rpcErrors"`
}

// Monitor computes payout health signals on an interval. It only reads.
type Monitor struct {
	cfg     Config
	store   repository.Store
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	latest *Report

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Monitor)

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func NewMonitor(cfg Config, store repository.Store, m *metrics.Metrics, log zerolog.Logger, opts ...Option) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.RPCErrorThreshold <= 0 {
		cfg.RPCErrorThreshold = 5
	}
	ctx, cancel := context.WithCancel(context.Background())
	mon := &Monitor{
		cfg:     cfg,
		store:   store,
		metrics: m,
		log:     log.With().Str("component", "health").Logger(),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(mon)
	}
	return mon
}

// Check computes both signals over the trailing window and raises alerts.
func (m *Monitor) Check(ctx context.Context) (*Report, error) {
	now := m.now()
	since := now.Add(-m.cfg.Window)

	counts, err := m.store.CountExecutionsSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count executions: %w", err)
	}
	logs, err := m.store.ListErrorLogsSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to read error logs: %w", err)
	}

	report := &Report{CheckedAt: now, Window: m.cfg.Window}
	report.FailureRate = FailureRate{
		Threshold: m.cfg.FailureRateThreshold,
		Failed:    counts.Failed,
		Total:     counts.Total,
	}
	if counts.Total > 0 {
		report.FailureRate.Rate = float64(counts.Failed) / float64(counts.Total)
		report.FailureRate.Alert = report.FailureRate.Rate >= m.cfg.FailureRateThreshold
	}

	report.RPCErrors.Threshold = m.cfg.RPCErrorThreshold
	for _, l := range logs {
		if mentionsRPC(l.Message + " " + l.Detail) {
			report.RPCErrors.Count++
		}
	}
	report.RPCErrors.Alert = report.RPCErrors.Count >= m.cfg.RPCErrorThreshold

	m.metrics.SetHealth(report.FailureRate.Rate, report.RPCErrors.Count)
	if report.FailureRate.Alert {
		m.metrics.ObserveHealthAlert(SignalFailureRate)
		m.log.Warn().
			Str("signal", SignalFailureRate).
			Float64("rate", report.FailureRate.Rate).
			Float64("threshold", report.FailureRate.Threshold).
			Int("failed", counts.Failed).
			Int("total", counts.Total).
			Msg("Payout failure rate above threshold")
	}
	if report.RPCErrors.Alert {
		m.metrics.ObserveHealthAlert(SignalRPCErrors)
		m.log.Warn().
			Str("signal", SignalRPCErrors).
			Int("count", report.RPCErrors.Count).
			Int("threshold", report.RPCErrors.Threshold).
			Dur("window", m.cfg.Window).
			Msg("Chain RPC errors above threshold")
	}

	m.mu.Lock()
	m.latest = report
	m.mu.Unlock()
	return report, nil
}

func mentionsRPC(text string) bool {
	text = strings.ToLower(text)
	for _, k := range rpcKeywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

// Latest returns the last report, nil before the first check.
func (m *Monitor) Latest() *Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

func (m *Monitor) Start() {
	m.log.Info().Dur("interval", m.cfg.Interval).Msg("Starting payout health monitor")
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := m.Check(m.ctx); err != nil {
					m.log.Error().Err(err).Msg("Health check failed")
				}
			case <-m.ctx.Done():
				return
			}
		}
	}()
}

func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
	m.log.Info().Msg("Payout health monitor stopped")
}
