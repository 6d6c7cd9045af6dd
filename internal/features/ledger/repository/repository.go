package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"actionpay-backend/internal/features/ledger/models"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrDuplicate         = errors.New("record already exists")
	ErrActionExhausted   = errors.New("action execution limit reached")
	ErrAlreadyExecuted   = errors.New("action already completed by this user")
	ErrClaimsExhausted   = errors.New("campaign claim limit reached")
	ErrAlreadyClaimed    = errors.New("holder reward already claimed")
	ErrInvalidTransition = errors.New("invalid execution status transition")
	ErrRoundOverlap      = errors.New("round does not follow the latest round")
	ErrIdentityTaken     = errors.New("identity is linked to another user")
	ErrIdentityMismatch  = errors.New("user is linked to a different identity")
)

// Store is the durable ledger. Every read-modify-write of a balance, budget or
// counter happens inside the store under a row lock.
type Store interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetUserByWallet(ctx context.Context, wallet string) (*models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
	// LinkTelegram binds a proven Telegram account to the user, filling the
	// handle when it is empty. Relinking the same account is a no-op.
	LinkTelegram(ctx context.Context, userID, telegramID int64, username string) (*models.User, error)
	SuspiciousUsers(ctx context.Context, minReputation int, minBalance decimal.Decimal) ([]models.User, error)

	CreateCampaign(ctx context.Context, campaign *models.Campaign) error
	GetCampaign(ctx context.Context, id int64) (*models.Campaign, error)
	ListCampaigns(ctx context.Context) ([]models.Campaign, error)
	CountActiveFeePaidCampaigns(ctx context.Context) (int, error)
	UpdateCampaignStatus(ctx context.Context, id int64, status models.CampaignStatus) error
	SuspiciousCampaigns(ctx context.Context) ([]models.Campaign, error)

	CreateAction(ctx context.Context, action *models.Action) error
	GetAction(ctx context.Context, id int64) (*models.Action, error)

	// RecordExecution inserts a pending or verified execution. Verified ones
	// take a slot of the action cap and grant verification reputation.
	RecordExecution(ctx context.Context, exec models.NewExecution) (*models.Execution, error)
	// ReviewExecution resolves a pending execution to verified or rejected.
	ReviewExecution(ctx context.Context, id int64, approve bool, at time.Time) (*models.Execution, error)
	GetExecution(ctx context.Context, id int64) (*models.Execution, error)
	ListExecutions(ctx context.Context) ([]models.Execution, error)
	// SettleExecutions moves the user's settleable executions among ids to paid.
	// pay runs while the rows are locked; its error rolls everything back.
	// Executions whose campaign cannot cover them are left untouched.
	SettleExecutions(ctx context.Context, userID int64, ids []int64, at time.Time, pay models.PayFunc) (*models.Settlement, error)
	// MarkExecutionsFailed returns unpaid executions to the claimable failed
	// state and drops any signature they carried.
	MarkExecutionsFailed(ctx context.Context, ids []int64, at time.Time) error
	// MarkExecutionsSubmitted parks unpaid executions behind signature until
	// the transfer's outcome is known.
	MarkExecutionsSubmitted(ctx context.Context, ids []int64, signature string, at time.Time) error
	CountExecutionsSince(ctx context.Context, since time.Time) (models.ExecutionCounts, error)
	// WeeklyPoints ranks users by verified executions created since, most
	// first, ties broken by earlier account creation then id.
	WeeklyPoints(ctx context.Context, since time.Time) ([]models.UserPoints, error)

	GetHolderState(ctx context.Context, userID, campaignID int64) (*models.HolderState, error)
	// StartHolding creates the state or returns the existing one.
	StartHolding(ctx context.Context, userID, campaignID int64, at time.Time) (*models.HolderState, error)
	ClaimHolderReward(ctx context.Context, stateID int64, exec models.NewExecution) (*models.Execution, error)

	LatestRound(ctx context.Context) (*models.PrizeRound, error)
	GetRound(ctx context.Context, id int64) (*models.PrizeRound, error)
	ListRounds(ctx context.Context, limit int) ([]models.PrizeRound, error)
	ListRoundsByStatus(ctx context.Context, statuses ...models.RoundStatus) ([]models.PrizeRound, error)
	// CreateRound persists a round and its winners. It fails with
	// ErrRoundOverlap unless the round comes strictly after the latest one.
	CreateRound(ctx context.Context, round *models.PrizeRound) error
	UpdateWinner(ctx context.Context, winner models.Winner) error
	SetRoundStatus(ctx context.Context, id int64, status models.RoundStatus, at time.Time) error

	// GetSettings returns the singleton, creating defaults on first read.
	GetSettings(ctx context.Context) (*models.SystemSettings, error)
	SaveSettings(ctx context.Context, settings *models.SystemSettings) error

	RecordErrorLog(ctx context.Context, entry models.ErrorLog) error
	ListErrorLogsSince(ctx context.Context, since time.Time) ([]models.ErrorLog, error)
}
