package postgres

import (
	"context"
	"fmt"
	"time"

	"actionpay-backend/internal/features/ledger/models"
)

func (r *postgresRepository) GetSettings(ctx context.Context) (*models.SystemSettings, error) {
	def := models.DefaultSettings()
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO system_settings (id, campaigns_enabled, holder_qualification_enabled,
			social_engagement_enabled, creation_fee, burn_percent, rewards_percent, system_percent,
			twitter_api_status, telegram_api_status)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		def.CampaignsEnabled, def.HolderQualificationEnabled, def.SocialEngagementEnabled,
		def.CreationFee, def.BurnPercent, def.RewardsPercent, def.SystemPercent,
		def.TwitterAPIStatus, def.TelegramAPIStatus,
	); err != nil {
		return nil, fmt.Errorf("failed to seed settings: %w", err)
	}

	var s models.SystemSettings
	err := r.db.QueryRowContext(ctx, `
		SELECT campaigns_enabled, holder_qualification_enabled, social_engagement_enabled,
			creation_fee, burn_percent, rewards_percent, system_percent,
			twitter_api_status, telegram_api_status, updated_at
		FROM system_settings WHERE id = 1`,
	).Scan(&s.CampaignsEnabled, &s.HolderQualificationEnabled, &s.SocialEngagementEnabled,
		&s.CreationFee, &s.BurnPercent, &s.RewardsPercent, &s.SystemPercent,
		&s.TwitterAPIStatus, &s.TelegramAPIStatus, &s.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	return &s, nil
}

func (r *postgresRepository) SaveSettings(ctx context.Context, s *models.SystemSettings) error {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO system_settings (id, campaigns_enabled, holder_qualification_enabled,
			social_engagement_enabled, creation_fee, burn_percent, rewards_percent, system_percent,
			twitter_api_status, telegram_api_status, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			campaigns_enabled = EXCLUDED.campaigns_enabled,
			holder_qualification_enabled = EXCLUDED.holder_qualification_enabled,
			social_engagement_enabled = EXCLUDED.social_engagement_enabled,
			creation_fee = EXCLUDED.creation_fee,
			burn_percent = EXCLUDED.burn_percent,
			rewards_percent = EXCLUDED.rewards_percent,
			system_percent = EXCLUDED.system_percent,
			twitter_api_status = EXCLUDED.twitter_api_status,
			telegram_api_status = EXCLUDED.telegram_api_status,
			updated_at = EXCLUDED.updated_at`,
		s.CampaignsEnabled, s.HolderQualificationEnabled, s.SocialEngagementEnabled,
		s.CreationFee, s.BurnPercent, s.RewardsPercent, s.SystemPercent,
		s.TwitterAPIStatus, s.TelegramAPIStatus, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

func (r *postgresRepository) RecordErrorLog(ctx context.Context, e models.ErrorLog) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO error_logs (source, message, detail, created_at) VALUES ($1, $2, $3, $4)`,
		e.Source, e.Message, e.Detail, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record error log: %w", err)
	}
	return nil
}

func (r *postgresRepository) ListErrorLogsSince(ctx context.Context, since time.Time) ([]models.ErrorLog, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, source, message, detail, created_at
		FROM error_logs WHERE created_at >= $1
		ORDER BY created_at`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query error logs: %w", err)
	}
	defer rows.Close()

	out := make([]models.ErrorLog, 0)
	for rows.Next() {
		var e models.ErrorLog
		if err := rows.Scan(&e.ID, &e.Source, &e.Message, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan error log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
