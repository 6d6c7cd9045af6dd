package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	apperrors "actionpay-backend/internal/common/errors"
	"actionpay-backend/internal/common/validation"
	"actionpay-backend/internal/features/ledger/models"
	"actionpay-backend/internal/features/ledger/repository"
	"actionpay-backend/internal/platform/metrics"
	"actionpay-backend/internal/platform/redis"
	"actionpay-backend/internal/platform/solana"
)

// Payer moves reward legs from the custodial wallet to a user.
type Payer interface {
	TransferBatch(ctx context.Context, to string, legs []models.PayoutLeg, signer solana.Signer) (string, error)
	SignatureStatus(ctx context.Context, signature string) (solana.TxStatus, error)
}

// BalanceSource reads on-chain balances.
type BalanceSource interface {
	TokenBalance(ctx context.Context, owner, mint string) (decimal.Decimal, error)
	NativeBalance(ctx context.Context, owner string) (decimal.Decimal, error)
}

type SettingsSource interface {
	Get(ctx context.Context) (*models.SystemSettings, error)
}

type Config struct {
	SigningKey string
	Policy     Policy
	// ClaimLockTTL bounds how long one wallet's claim may hold its lock.
	ClaimLockTTL time.Duration
	// ResendAfter is how long a sent transfer the cluster has never seen
	// stays parked before its executions may be paid again. It must exceed
	// the blockhash lifetime.
	ResendAfter time.Duration
}

type Service struct {
	store    repository.Store
	payer    Payer
	balances BalanceSource
	settings SettingsSource
	locker   redis.Locker
	telegram TelegramVerifier
	metrics  *metrics.Metrics
	log      zerolog.Logger

	policy      Policy
	signer      solana.Signer
	signerErr   error
	lockTTL     time.Duration
	resendAfter time.Duration
	now         func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithTelegramVerifier enables init data proofs for telegram_join actions.
func WithTelegramVerifier(v TelegramVerifier) Option {
	return func(s *Service) { s.telegram = v }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func NewService(
	cfg Config,
	store repository.Store,
	payer Payer,
	balances BalanceSource,
	settings SettingsSource,
	locker redis.Locker,
	log zerolog.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		store:       store,
		payer:       payer,
		balances:    balances,
		settings:    settings,
		locker:      locker,
		log:         log.With().Str("component", "verification").Logger(),
		policy:      cfg.Policy,
		lockTTL:     cfg.ClaimLockTTL,
		resendAfter: cfg.ResendAfter,
		now:         time.Now,
	}
	if s.policy.Actions == nil {
		s.policy = DefaultPolicy()
	}
	if s.lockTTL <= 0 {
		s.lockTTL = 2 * time.Minute
	}
	if s.resendAfter <= 0 {
		s.resendAfter = 5 * time.Minute
	}
	s.signer, s.signerErr = solana.ParseSigner(cfg.SigningKey)
	if s.signerErr != nil {
		s.log.Warn().Err(s.signerErr).Msg("Payouts disabled: no usable signing key")
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// userByWallet validates the address and loads its owner.
func (s *Service) userByWallet(ctx context.Context, wallet string) (*models.User, error) {
	if err := validation.ValidateWalletAddress(wallet); err != nil {
		return nil, apperrors.NewValidationError("userWallet", err.Error())
	}
	user, err := s.store.GetUserByWallet(ctx, wallet)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NewUserNotFoundError(wallet)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get user", err)
	}
	return user, nil
}

func (s *Service) requireFeatures(ctx context.Context, holder bool) error {
	settings, err := s.settings.Get(ctx)
	if err != nil {
		return err
	}
	if !settings.CampaignsEnabled {
		return apperrors.NewFeatureDisabledError("campaigns")
	}
	if holder && !settings.HolderQualificationEnabled {
		return apperrors.NewFeatureDisabledError("holder qualification")
	}
	if !holder && !settings.SocialEngagementEnabled {
		return apperrors.NewFeatureDisabledError("social engagement")
	}
	return nil
}

// pay transfers legs to wallet with the custodial key.
func (s *Service) pay(ctx context.Context, wallet string) models.PayFunc {
	return func(_ []int64, legs []models.PayoutLeg) (string, error) {
		if s.signerErr != nil {
			return "", s.signerErr
		}
		return s.payer.TransferBatch(ctx, wallet, legs, s.signer)
	}
}

// settle pays the given executions of user in one transfer. A transfer that
// failed outright leaves them failed, which keeps them claimable. A transfer
// that was sent but could not be recorded, or was not confirmed in time,
// parks them as submitted behind its signature.
func (s *Service) settle(ctx context.Context, user *models.User, ids []int64) (*models.Settlement, error) {
	var (
		sent    string
		sentIDs []int64
		payErr  error
	)
	pay := s.pay(ctx, user.WalletAddress)
	settlement, err := s.store.SettleExecutions(ctx, user.ID, ids, s.now(), func(paying []int64, legs []models.PayoutLeg) (string, error) {
		sentIDs = paying
		sig, err := pay(paying, legs)
		payErr = err
		if err == nil {
			sent = sig
		}
		return sig, err
	})
	if err == nil {
		return settlement, nil
	}

	var unconfirmed *solana.UnconfirmedError
	switch {
	case sent != "":
		// the rewards left the wallet; a resend would pay them twice
		s.log.Error().Err(err).
			Str("wallet", user.WalletAddress).
			Ints64("executions", sentIDs).
			Str("signature", sent).
			Msg("Payout sent but not recorded")
		s.park(ctx, sentIDs, sent)
		s.recordError(ctx, "payout", "payout sent but not recorded",
			fmt.Sprintf("wallet %s signature %s executions %v: %v", user.WalletAddress, sent, sentIDs, err))
		return nil, apperrors.NewDatabaseError("settle executions", err)

	case errors.As(payErr, &unconfirmed):
		s.log.Warn().Err(payErr).
			Str("wallet", user.WalletAddress).
			Ints64("executions", sentIDs).
			Str("signature", unconfirmed.Signature).
			Msg("Payout unconfirmed, holding executions until it resolves")
		s.park(ctx, sentIDs, unconfirmed.Signature)
		s.recordError(ctx, "payout", "payout unconfirmed",
			fmt.Sprintf("wallet %s signature %s executions %v: %v", user.WalletAddress, unconfirmed.Signature, sentIDs, payErr))
		return nil, apperrors.NewChainError("transfer", payErr)

	case payErr != nil:
		s.log.Error().Err(payErr).
			Str("wallet", user.WalletAddress).
			Ints64("executions", sentIDs).
			Msg("Payout transfer failed")
		if markErr := s.store.MarkExecutionsFailed(ctx, sentIDs, s.now()); markErr != nil {
			s.log.Error().Err(markErr).Ints64("executions", sentIDs).Msg("Failed to mark executions failed")
		}
		s.recordError(ctx, "payout", "payout transfer failed", fmt.Sprintf("wallet %s: %v", user.WalletAddress, payErr))
		return nil, apperrors.NewChainError("transfer", payErr)
	}
	return nil, apperrors.NewDatabaseError("settle executions", err)
}

// park marks ids submitted behind signature so no claim resends them before
// the transfer resolves.
func (s *Service) park(ctx context.Context, ids []int64, signature string) {
	if err := s.store.MarkExecutionsSubmitted(ctx, ids, signature, s.now()); err != nil {
		s.log.Error().Err(err).
			Ints64("executions", ids).
			Str("signature", signature).
			Msg("Failed to park submitted executions")
	}
}

func (s *Service) recordError(ctx context.Context, source, msg, detail string) {
	entry := models.ErrorLog{Source: source, Message: msg, Detail: detail, CreatedAt: s.now()}
	if err := s.store.RecordErrorLog(ctx, entry); err != nil {
		s.log.Warn().Err(err).Msg("Failed to persist error log")
	}
}
