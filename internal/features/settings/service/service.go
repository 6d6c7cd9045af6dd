package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"actionpay-backend/internal/common/cache"
	apperrors "actionpay-backend/internal/common/errors"
	"actionpay-backend/internal/features/ledger/models"
	"actionpay-backend/internal/features/ledger/repository"
)

const (
	cacheKey = "system_settings"
	cacheTTL = 30 * time.Second
)

var hundred = decimal.NewFromInt(100)

// Patch is a partial settings update. Nil fields keep their current value.
type Patch struct {
	CampaignsEnabled           *bool             `json:"campaignsEnabled,omitempty"`
	HolderQualificationEnabled *bool             `json:"holderQualificationEnabled,omitempty"`
	SocialEngagementEnabled    *bool             `json:"socialEngagementEnabled,omitempty"`
	CreationFee                *decimal.Decimal  `json:"creationFee,omitempty"`
	BurnPercent                *decimal.Decimal  `json:"burnPercent,omitempty"`
	RewardsPercent             *decimal.Decimal  `json:"rewardsPercent,omitempty"`
	SystemPercent              *decimal.Decimal  `json:"systemPercent,omitempty"`
	TwitterAPIStatus           *models.APIStatus `json:"twitterApiStatus,omitempty"`
	TelegramAPIStatus          *models.APIStatus `json:"telegramApiStatus,omitempty"`
}

type Service struct {
	store repository.Store
	cache cache.Cache
	now   func() time.Time
	log   zerolog.Logger
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService builds the settings service. c may be nil to read the store directly.
func NewService(store repository.Store, c cache.Cache, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{store: store, cache: c, now: time.Now, log: log}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the current settings, creating defaults on first read.
func (s *Service) Get(ctx context.Context) (*models.SystemSettings, error) {
	settings, err := cache.GetOrSet(ctx, s.cache, cacheKey, cacheTTL, func(ctx context.Context) (models.SystemSettings, error) {
		got, err := s.store.GetSettings(ctx)
		if err != nil {
			return models.SystemSettings{}, err
		}
		return *got, nil
	})
	if err != nil {
		return nil, apperrors.NewDatabaseError("get settings", err)
	}
	return &settings, nil
}

// Update applies patch after validating the fee split and invalidates the cache.
func (s *Service) Update(ctx context.Context, patch Patch) (*models.SystemSettings, error) {
	if err := validatePatch(patch); err != nil {
		return nil, err
	}

	current, err := s.store.GetSettings(ctx)
	if err != nil {
		return nil, apperrors.NewDatabaseError("get settings", err)
	}
	next := apply(*current, patch)
	next.UpdatedAt = s.now()

	if err := s.store.SaveSettings(ctx, &next); err != nil {
		return nil, apperrors.NewDatabaseError("save settings", err)
	}
	if s.cache != nil {
		if err := s.cache.Delete(ctx, cacheKey); err != nil {
			s.log.Warn().Err(err).Msg("Failed to invalidate settings cache")
		}
	}

	s.log.Info().
		Str("burn", next.BurnPercent.String()).
		Str("rewards", next.RewardsPercent.String()).
		Str("system", next.SystemPercent.String()).
		Bool("campaigns_enabled", next.CampaignsEnabled).
		Msg("System settings updated")
	return &next, nil
}

func validatePatch(p Patch) error {
	percents := []struct {
		field string
		value *decimal.Decimal
	}{
		{"burnPercent", p.BurnPercent},
		{"rewardsPercent", p.RewardsPercent},
		{"systemPercent", p.SystemPercent},
	}
	for _, pc := range percents {
		if pc.value == nil {
			continue
		}
		if pc.value.IsNegative() || pc.value.GreaterThan(hundred) {
			return apperrors.NewValidationError(pc.field, "must be between 0 and 100")
		}
	}
	if p.BurnPercent != nil && p.RewardsPercent != nil && p.SystemPercent != nil {
		sum := p.BurnPercent.Add(*p.RewardsPercent).Add(*p.SystemPercent)
		if !sum.Equal(hundred) {
			return apperrors.NewValidationError("percentages", fmt.Sprintf("must sum to 100, got %s", sum))
		}
	}
	if p.CreationFee != nil && p.CreationFee.IsNegative() {
		return apperrors.NewValidationError("creationFee", "must not be negative")
	}
	for field, status := range map[string]*models.APIStatus{
		"twitterApiStatus":  p.TwitterAPIStatus,
		"telegramApiStatus": p.TelegramAPIStatus,
	} {
		if status == nil {
			continue
		}
		switch *status {
		case models.APIStatusOperational, models.APIStatusDegraded, models.APIStatusDown:
		default:
			return apperrors.NewValidationError(field, fmt.Sprintf("unknown status %q", *status))
		}
	}
	return nil
}

func apply(s models.SystemSettings, p Patch) models.SystemSettings {
	if p.CampaignsEnabled != nil {
		s.CampaignsEnabled = *p.CampaignsEnabled
	}
	if p.HolderQualificationEnabled != nil {
		s.HolderQualificationEnabled = *p.HolderQualificationEnabled
	}
	if p.SocialEngagementEnabled != nil {
		s.SocialEngagementEnabled = *p.SocialEngagementEnabled
	}
	if p.CreationFee != nil {
		s.CreationFee = *p.CreationFee
	}
	if p.BurnPercent != nil {
		s.BurnPercent = *p.BurnPercent
	}
	if p.RewardsPercent != nil {
		s.RewardsPercent = *p.RewardsPercent
	}
	if p.SystemPercent != nil {
		s.SystemPercent = *p.SystemPercent
	}
	if p.TwitterAPIStatus != nil {
		s.TwitterAPIStatus = *p.TwitterAPIStatus
	}
	if p.TelegramAPIStatus != nil {
		s.TelegramAPIStatus = *p.TelegramAPIStatus
	}
	return s
}
