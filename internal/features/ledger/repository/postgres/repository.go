package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"actionpay-backend/internal/features/ledger/models"
	"actionpay-backend/internal/features/ledger/repository"
)

// uniqueViolation is the SQLSTATE of a unique constraint failure.
const uniqueViolation = "23505"

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type scanner interface {
	Scan(dest ...interface{}) error
}

type postgresRepository struct {
	db *sql.DB
}

var _ repository.Store = (*postgresRepository)(nil)

func NewPostgresRepository(db *sql.DB) repository.Store {
	return &postgresRepository{db: db}
}

// inTx runs fn inside a transaction, committing only when fn succeeds.
func (r *postgresRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return repository.ErrNotFound
	}
	return err
}

const userColumns = `id, wallet_address, role, status, balance, reputation_score,
	twitter_handle, telegram_handle, telegram_id, referrer_id, accepted_terms, created_at`

func scanUser(s scanner) (*models.User, error) {
	var u models.User
	var referrer, telegramID sql.NullInt64
	if err := s.Scan(&u.ID, &u.WalletAddress, &u.Role, &u.Status, &u.Balance, &u.ReputationScore,
		&u.TwitterHandle, &u.TelegramHandle, &telegramID, &referrer, &u.AcceptedTerms, &u.CreatedAt); err != nil {
		return nil, err
	}
	if referrer.Valid {
		id := referrer.Int64
		u.ReferrerID = &id
	}
	u.TelegramID = telegramID.Int64
	return &u, nil
}

func (r *postgresRepository) CreateUser(ctx context.Context, user *models.User) error {
	if user.Status == "" {
		user.Status = models.UserStatusActive
	}
	if user.Role == "" {
		user.Role = models.UserRoleUser
	}
	const q = `
		INSERT INTO users (wallet_address, role, status, balance, reputation_score,
			twitter_handle, telegram_handle, telegram_id, referrer_id, accepted_terms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (wallet_address) DO NOTHING
		RETURNING id, created_at`
	telegramID := sql.NullInt64{Int64: user.TelegramID, Valid: user.TelegramID != 0}
	err := r.db.QueryRowContext(ctx, q,
		user.WalletAddress, user.Role, user.Status, user.Balance, user.ReputationScore,
		user.TwitterHandle, user.TelegramHandle, telegramID, user.ReferrerID, user.AcceptedTerms,
	).Scan(&user.ID, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return repository.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (r *postgresRepository) GetUser(ctx context.Context, id int64) (*models.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return u, nil
}

func (r *postgresRepository) GetUserByWallet(ctx context.Context, wallet string) (*models.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE wallet_address = $1`, wallet))
	if err != nil {
		return nil, notFound(err)
	}
	return u, nil
}

func (r *postgresRepository) LinkTelegram(ctx context.Context, userID, telegramID int64, username string) (*models.User, error) {
	var user *models.User
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		u, err := scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, userID))
		if err != nil {
			return notFound(err)
		}
		if u.TelegramID != 0 && u.TelegramID != telegramID {
			return repository.ErrIdentityMismatch
		}
		if u.TelegramID == telegramID {
			user = u
			return nil
		}

		handle := u.TelegramHandle
		if handle == "" {
			handle = username
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE users SET telegram_id = $2, telegram_handle = $3 WHERE id = $1`, userID, telegramID, handle)
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return repository.ErrIdentityTaken
		}
		if err != nil {
			return fmt.Errorf("failed to link telegram: %w", err)
		}
		u.TelegramID = telegramID
		u.TelegramHandle = handle
		user = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (r *postgresRepository) queryUsers(ctx context.Context, q string, args ...interface{}) ([]models.User, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	out := make([]models.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

func (r *postgresRepository) ListUsers(ctx context.Context) ([]models.User, error) {
	return r.queryUsers(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
}

func (r *postgresRepository) SuspiciousUsers(ctx context.Context, minReputation int, minBalance decimal.Decimal) ([]models.User, error) {
	return r.queryUsers(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE reputation_score > $1 OR balance > $2 OR status = 'suspended'
		ORDER BY id`, minReputation, minBalance)
}

const campaignColumns = `id, title, description, token_name, token_mint, campaign_type,
	total_budget, remaining_budget, creator_id, status, requirements,
	min_holding_amount, min_holding_duration_days, reward_per_wallet, max_claims,
	escrow_wallet, funding_signature, creation_fee_paid, gas_budget_sol,
	initial_market_cap, current_market_cap, created_at`

func scanCampaign(s scanner) (*models.Campaign, error) {
	var c models.Campaign
	if err := s.Scan(&c.ID, &c.Title, &c.Description, &c.TokenName, &c.TokenMint, &c.Type,
		&c.TotalBudget, &c.RemainingBudget, &c.CreatorID, &c.Status, &c.Requirements,
		&c.MinHoldingAmount, &c.MinHoldingDurationDays, &c.RewardPerWallet, &c.MaxClaims,
		&c.EscrowWallet, &c.FundingSignature, &c.CreationFeePaid, &c.GasBudgetSOL,
		&c.InitialMarketCap, &c.CurrentMarketCap, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *postgresRepository) CreateCampaign(ctx context.Context, c *models.Campaign) error {
	const q = `
		INSERT INTO campaigns (title, description, token_name, token_mint, campaign_type,
			total_budget, remaining_budget, creator_id, status, requirements,
			min_holding_amount, min_holding_duration_days, reward_per_wallet, max_claims,
			escrow_wallet, funding_signature, creation_fee_paid, gas_budget_sol,
			initial_market_cap, current_market_cap)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		RETURNING id, created_at`
	err := r.db.QueryRowContext(ctx, q,
		c.Title, c.Description, c.TokenName, c.TokenMint, c.Type,
		c.TotalBudget, c.RemainingBudget, c.CreatorID, c.Status, c.Requirements,
		c.MinHoldingAmount, c.MinHoldingDurationDays, c.RewardPerWallet, c.MaxClaims,
		c.EscrowWallet, c.FundingSignature, c.CreationFeePaid, c.GasBudgetSOL,
		c.InitialMarketCap, c.CurrentMarketCap,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

func (r *postgresRepository) GetCampaign(ctx context.Context, id int64) (*models.Campaign, error) {
	c, err := scanCampaign(r.db.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

func (r *postgresRepository) queryCampaigns(ctx context.Context, q string, args ...interface{}) ([]models.Campaign, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query campaigns: %w", err)
	}
	defer rows.Close()

	out := make([]models.Campaign, 0)
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *postgresRepository) ListCampaigns(ctx context.Context) ([]models.Campaign, error) {
	return r.queryCampaigns(ctx, `SELECT `+campaignColumns+` FROM campaigns ORDER BY id`)
}

func (r *postgresRepository) CountActiveFeePaidCampaigns(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM campaigns WHERE status = 'active' AND creation_fee_paid`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count campaigns: %w", err)
	}
	return n, nil
}

func (r *postgresRepository) UpdateCampaignStatus(ctx context.Context, id int64, status models.CampaignStatus) error {
	res, err := r.db.ExecContext(ctx, `UPDATE campaigns SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update campaign status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *postgresRepository) SuspiciousCampaigns(ctx context.Context) ([]models.Campaign, error) {
	return r.queryCampaigns(ctx, `
		SELECT `+campaignColumns+` FROM campaigns
		WHERE remaining_budget < 0 OR status = 'paused'
		ORDER BY id`)
}

func (r *postgresRepository) CreateAction(ctx context.Context, a *models.Action) error {
	const q = `
		INSERT INTO actions (campaign_id, type, title, target_url, reward_amount, max_executions, current_executions)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`
	err := r.db.QueryRowContext(ctx, q,
		a.CampaignID, a.Kind, a.Title, a.TargetURL, a.RewardAmount, a.MaxExecutions, a.CurrentExecutions,
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("failed to create action: %w", err)
	}
	return nil
}

func (r *postgresRepository) GetAction(ctx context.Context, id int64) (*models.Action, error) {
	const q = `
		SELECT id, campaign_id, type, title, target_url, reward_amount, max_executions, current_executions
		FROM actions WHERE id = $1`
	var a models.Action
	err := r.db.QueryRowContext(ctx, q, id).Scan(
		&a.ID, &a.CampaignID, &a.Kind, &a.Title, &a.TargetURL, &a.RewardAmount, &a.MaxExecutions, &a.CurrentExecutions)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}
