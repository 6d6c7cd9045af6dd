package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	apperrors "actionpay-backend/internal/common/errors"
	"actionpay-backend/internal/features/ledger/models"
	"actionpay-backend/internal/features/ledger/repository"
	"actionpay-backend/internal/platform/metrics"
	"actionpay-backend/internal/platform/redis"
	"actionpay-backend/internal/platform/solana"
)

const (
	leaderKey = "settlement:leader"

	roundLength   = 6 * 24 * time.Hour
	rankingWindow = 7 * 24 * time.Hour
	closeDebounce = 5 * time.Minute
)

// prizeWeights are the pool shares of ranks 1, 2 and 3.
var prizeWeights = []decimal.Decimal{
	decimal.RequireFromString("0.5"),
	decimal.RequireFromString("0.3"),
	decimal.RequireFromString("0.2"),
}

// Payer sends a single prize transfer.
type Payer interface {
	Transfer(ctx context.Context, to string, amount decimal.Decimal, mint string, signer solana.Signer) (string, error)
	SignatureStatus(ctx context.Context, signature string) (solana.TxStatus, error)
}

type SettingsSource interface {
	Get(ctx context.Context) (*models.SystemSettings, error)
}

type Config struct {
	SigningKey string
	// RewardMint is the SPL mint prizes are paid in, empty for native SOL.
	RewardMint     string
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	LockTTL        time.Duration
}

type Service struct {
	cfg      Config
	store    repository.Store
	payer    Payer
	settings SettingsSource
	locker   redis.Locker
	metrics  *metrics.Metrics
	log      zerolog.Logger
	now      func() time.Time

	busy atomic.Bool
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func NewService(cfg Config, store repository.Store, payer Payer, settings SettingsSource, locker redis.Locker, log zerolog.Logger, opts ...Option) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 30 * time.Minute
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = cfg.RetryBaseDelay
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	s := &Service{
		cfg:      cfg,
		store:    store,
		payer:    payer,
		settings: settings,
		locker:   locker,
		log:      log.With().Str("component", "settlement").Logger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CloseWeekIfDue opens the next prize round once the latest one has ended,
// ranks the week's users and pays the winners. It returns nil when nothing
// was due or another run holds the leader lock.
func (s *Service) CloseWeekIfDue(ctx context.Context) (*models.PrizeRound, error) {
	if !s.busy.CompareAndSwap(false, true) {
		s.log.Debug().Msg("Round close already running")
		return nil, nil
	}
	defer s.busy.Store(false)

	release, ok, err := s.locker.TryLock(ctx, leaderKey, s.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire settlement lock: %w", err)
	}
	if !ok {
		s.log.Debug().Msg("Settlement lock held elsewhere")
		return nil, nil
	}
	defer release()

	now := s.now()
	campaigns, err := s.store.CountActiveFeePaidCampaigns(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count campaigns: %w", err)
	}

	week, start := 1, now
	latest, err := s.store.LatestRound(ctx)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		if campaigns == 0 {
			s.log.Debug().Msg("No fee-paid campaign yet, first round not opened")
			return nil, nil
		}
	case err != nil:
		return nil, fmt.Errorf("failed to load latest round: %w", err)
	default:
		if now.Before(latest.EndDate) {
			return nil, nil
		}
		if now.Sub(latest.CreatedAt) < closeDebounce {
			s.log.Debug().Int("week", latest.WeekNumber).Msg("Round closed moments ago, skipping")
			return nil, nil
		}
		week = latest.WeekNumber + 1
		var skipped int
		start, skipped = nextStart(latest.EndDate, now)
		if skipped > 0 {
			s.log.Warn().
				Int("week", week).
				Int("skipped_windows", skipped).
				Time("previous_end", latest.EndDate).
				Msg("Round windows elapsed without a close, opening one catch-up round")
		}
	}

	round, err := s.buildRound(ctx, now, campaigns)
	if err != nil {
		return nil, err
	}
	round.WeekNumber = week
	round.StartDate = start
	round.EndDate = endOfDay(start.Add(roundLength))

	if err := s.store.CreateRound(ctx, round); err != nil {
		return nil, fmt.Errorf("failed to create round %d: %w", week, err)
	}
	s.log.Info().
		Int64("round_id", round.ID).
		Int("week", round.WeekNumber).
		Str("pool", round.TotalPrizePool.String()).
		Int("winners", len(round.Winners)).
		Msg("Prize round opened")

	if round.Status == models.RoundCompleted {
		s.metrics.ObserveRound(string(round.Status))
		return round, nil
	}
	s.processWinners(ctx, round, func(models.Winner) bool { return true })
	return round, nil
}

// buildRound computes the pool and the ranked winners as of now.
func (s *Service) buildRound(ctx context.Context, now time.Time, campaigns int) (*models.PrizeRound, error) {
	settings, err := s.settings.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	pool := settings.CreationFee.
		Mul(decimal.NewFromInt(int64(campaigns))).
		Mul(settings.RewardsPercent).
		Div(decimal.NewFromInt(100))

	ranked, err := s.store.WeeklyPoints(ctx, now.Add(-rankingWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to rank users: %w", err)
	}

	round := &models.PrizeRound{
		TotalPrizePool: pool,
		Status:         models.RoundProcessing,
		CreatedAt:      now,
	}
	if !pool.IsPositive() || len(ranked) == 0 {
		round.Status = models.RoundCompleted
		return round, nil
	}
	for i, p := range ranked {
		if i == len(prizeWeights) {
			break
		}
		round.Winners = append(round.Winners, models.Winner{
			Rank:          i + 1,
			UserID:        p.UserID,
			WalletAddress: p.WalletAddress,
			Points:        p.Points(),
			PrizeAmount:   pool.Mul(prizeWeights[i]).Round(6),
			Status:        models.WinnerPending,
		})
	}
	return round, nil
}

// nextStart returns the start of the first window after previousEnd that has
// not fully elapsed at now, and how many elapsed windows it jumped over.
// Elapsed windows get no round of their own: each would rank the same
// trailing week and pay the same pool again.
func nextStart(previousEnd, now time.Time) (time.Time, int) {
	start := previousEnd.Add(time.Millisecond)
	skipped := 0
	for {
		end := endOfDay(start.Add(roundLength))
		if end.After(now) {
			return start, skipped
		}
		start = end.Add(time.Millisecond)
		skipped++
	}
}

func endOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, int(999*time.Millisecond), time.UTC)
}

// ListRounds returns the latest rounds first. limit <= 0 returns all.
func (s *Service) ListRounds(ctx context.Context, limit int) ([]models.PrizeRound, error) {
	rounds, err := s.store.ListRounds(ctx, limit)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list rounds", err)
	}
	return rounds, nil
}

func (s *Service) GetRound(ctx context.Context, id int64) (*models.PrizeRound, error) {
	round, err := s.store.GetRound(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NewRoundNotFoundError(id)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get round", err)
	}
	return round, nil
}

// StuckWinners lists unpaid winners that used up their automatic attempts.
func (s *Service) StuckWinners(ctx context.Context) ([]models.StuckWinner, error) {
	rounds, err := s.store.ListRounds(ctx, 0)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list rounds", err)
	}
	out := make([]models.StuckWinner, 0)
	for _, r := range rounds {
		for _, w := range r.Winners {
			if s.stuck(w) {
				out = append(out, models.StuckWinner{RoundID: r.ID, WeekNumber: r.WeekNumber, Winner: w})
			}
		}
	}
	return out, nil
}

func (s *Service) stuck(w models.Winner) bool {
	return !w.Paid() && w.Attempts >= s.cfg.MaxAttempts
}
