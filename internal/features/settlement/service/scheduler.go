package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type ScheduleConfig struct {
	CloseInterval time.Duration
	RetryInterval time.Duration
	// StartupDelay is when the first close check runs after Start.
	StartupDelay time.Duration
}

// Scheduler drives the round closer and the retrier on their own tickers.
type Scheduler struct {
	svc    *Service
	cfg    ScheduleConfig
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(svc *Service, cfg ScheduleConfig, log zerolog.Logger) *Scheduler {
	if cfg.CloseInterval <= 0 {
		cfg.CloseInterval = time.Hour
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 30 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		svc:    svc,
		cfg:    cfg,
		log:    log.With().Str("component", "settlement_scheduler").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Scheduler) Start() {
	s.log.Info().
		Dur("close_interval", s.cfg.CloseInterval).
		Dur("retry_interval", s.cfg.RetryInterval).
		Msg("Starting settlement scheduler")
	s.wg.Add(2)

	go s.every(s.cfg.StartupDelay, s.cfg.CloseInterval, func(ctx context.Context) {
		if _, err := s.svc.CloseWeekIfDue(ctx); err != nil {
			s.log.Error().Err(err).Msg("Round close failed")
		}
	})

	go s.every(s.cfg.RetryInterval, s.cfg.RetryInterval, func(ctx context.Context) {
		n, err := s.svc.RetryFailedRounds(ctx)
		if err != nil {
			s.log.Error().Err(err).Msg("Round retry failed")
			return
		}
		if n > 0 {
			s.log.Info().Int("rounds", n).Msg("Retried unsettled rounds")
		}
	})
}

func (s *Scheduler) Stop() {
	s.log.Info().Msg("Stopping settlement scheduler")
	s.cancel()
	s.wg.Wait()
	s.log.Info().Msg("Settlement scheduler stopped")
}

// every runs fn after first, then on each interval tick, until Stop.
func (s *Scheduler) every(first, interval time.Duration, fn func(context.Context)) {
	defer s.wg.Done()

	timer := time.NewTimer(first)
	defer timer.Stop()
	select {
	case <-timer.C:
		fn(s.ctx)
	case <-s.ctx.Done():
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn(s.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}
