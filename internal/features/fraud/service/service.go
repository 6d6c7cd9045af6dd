package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	apperrors "actionpay-backend/internal/common/errors"
	"actionpay-backend/internal/features/fraud/repository"
	"actionpay-backend/internal/features/ledger/models"
	ledger "actionpay-backend/internal/features/ledger/repository"
	"actionpay-backend/internal/platform/metrics"
)

// Enforcement is what happens when an IP crosses the wallet threshold.
type Enforcement string

const (
	EnforceLog  Enforcement = "log"
	EnforceFlag Enforcement = "flag"
)

type Config struct {
	// IPWalletThreshold is the most wallets one IP may carry before a warning.
	IPWalletThreshold    int
	Enforcement          Enforcement
	SuspiciousReputation int
	SuspiciousBalance    decimal.Decimal
}

// IPReport is the wallets seen behind one IP.
type IPReport struct {
	IP         string   `json:"ip"`
	Wallets    []string `json:"wallets"`
	Count      int      `json:"count"`
	Suspicious bool     `json:"suspicious"`
}

type Service struct {
	cfg     Config
	tracker repository.Tracker
	store   ledger.Store
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func NewService(cfg Config, tracker repository.Tracker, store ledger.Store, m *metrics.Metrics, log zerolog.Logger) *Service {
	if cfg.IPWalletThreshold <= 0 {
		cfg.IPWalletThreshold = 3
	}
	if cfg.Enforcement == "" {
		cfg.Enforcement = EnforceLog
	}
	return &Service{
		cfg:     cfg,
		tracker: tracker,
		store:   store,
		metrics: m,
		log:     log.With().Str("component", "fraud").Logger(),
	}
}

// Track records a request from wallet at ip and raises the multi-wallet
// signal once the IP holds more wallets than the threshold.
func (s *Service) Track(ctx context.Context, ip, wallet string) error {
	if ip == "" || wallet == "" {
		return nil
	}
	count, err := s.tracker.Record(ctx, ip, wallet)
	if err != nil {
		return err
	}
	if count <= s.cfg.IPWalletThreshold {
		return nil
	}

	s.metrics.ObserveIPWalletWarning()
	s.log.Warn().
		Str("ip", ip).
		Str("wallet", wallet).
		Int("wallets", count).
		Int("threshold", s.cfg.IPWalletThreshold).
		Msg("Multiple wallets behind one IP")

	if s.cfg.Enforcement != EnforceFlag {
		return nil
	}
	wallets, err := s.tracker.WalletsByIP(ctx, ip)
	if err != nil {
		return err
	}
	return s.tracker.Flag(ctx, wallets...)
}

func (s *Service) WalletsByIP(ctx context.Context, ip string) (*IPReport, error) {
	wallets, err := s.tracker.WalletsByIP(ctx, ip)
	if err != nil {
		return nil, apperrors.NewCacheError("wallets by ip", err)
	}
	return &IPReport{
		IP:         ip,
		Wallets:    wallets,
		Count:      len(wallets),
		Suspicious: len(wallets) > s.cfg.IPWalletThreshold,
	}, nil
}

func (s *Service) FlaggedWallets(ctx context.Context) ([]string, error) {
	wallets, err := s.tracker.Flagged(ctx)
	if err != nil {
		return nil, apperrors.NewCacheError("flagged wallets", err)
	}
	return wallets, nil
}

// SuspiciousUsers lists users with an outsized reputation or balance, or
// already suspended.
func (s *Service) SuspiciousUsers(ctx context.Context) ([]models.User, error) {
	users, err := s.store.SuspiciousUsers(ctx, s.cfg.SuspiciousReputation, s.cfg.SuspiciousBalance)
	if err != nil {
		return nil, apperrors.NewDatabaseError("suspicious users", err)
	}
	return users, nil
}

// SuspiciousCampaigns lists paused campaigns and any with a negative budget.
func (s *Service) SuspiciousCampaigns(ctx context.Context) ([]models.Campaign, error) {
	campaigns, err := s.store.SuspiciousCampaigns(ctx)
	if err != nil {
		return nil, apperrors.NewDatabaseError("suspicious campaigns", err)
	}
	return campaigns, nil
}

// SetCampaignStatus pauses an active campaign or resumes a paused one.
func (s *Service) SetCampaignStatus(ctx context.Context, id int64, status models.CampaignStatus) (*models.Campaign, error) {
	campaign, err := s.store.GetCampaign(ctx, id)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, apperrors.NewCampaignNotFoundError(id)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get campaign", err)
	}

	switch {
	case status == campaign.Status:
		return campaign, nil
	case status == models.CampaignStatusPaused && campaign.Status == models.CampaignStatusActive,
		status == models.CampaignStatusActive && campaign.Status == models.CampaignStatusPaused:
	default:
		return nil, apperrors.NewConflictError("campaign",
			fmt.Sprintf("cannot move a %s campaign to %s", campaign.Status, status))
	}

	if err := s.store.UpdateCampaignStatus(ctx, id, status); err != nil {
		return nil, apperrors.NewDatabaseError("update campaign status", err)
	}
	s.log.Info().
		Int64("campaign_id", id).
		Str("from", string(campaign.Status)).
		Str("to", string(status)).
		Msg("Campaign status changed")
	campaign.Status = status
	return campaign, nil
}
