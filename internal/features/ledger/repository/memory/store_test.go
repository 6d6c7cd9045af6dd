package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"actionpay-backend/internal/features/ledger/models"
	"actionpay-backend/internal/features/ledger/repository"
)

var t0 = time.Unix(1700000000, 0).UTC()

func seed(t *testing.T, budget string) (*Store, *models.User, *models.Campaign, *models.Action) {
	t.Helper()
	ctx := context.Background()
	s := New()
	s.SetClock(func() time.Time { return t0 })

	user := &models.User{WalletAddress: "wallet-1"}
	require.NoError(t, s.CreateUser(ctx, user))

	campaign := &models.Campaign{
		Type:            models.CampaignTypeEngagement,
		Status:          models.CampaignStatusActive,
		TotalBudget:     decimal.RequireFromString(budget),
		RemainingBudget: decimal.RequireFromString(budget),
		TokenMint:       "mint-a",
	}
	require.NoError(t, s.CreateCampaign(ctx, campaign))

	action := &models.Action{
		CampaignID:    campaign.ID,
		Kind:          models.ActionTwitterFollow,
		RewardAmount:  decimal.NewFromInt(5),
		MaxExecutions: 2,
	}
	require.NoError(t, s.CreateAction(ctx, action))
	return s, user, campaign, action
}

func verified(t *testing.T, s *Store, userID int64, a *models.Action) *models.Execution {
	t.Helper()
	id := a.ID
	exec, err := s.RecordExecution(context.Background(), models.NewExecution{
		ActionID:     &id,
		CampaignID:   a.CampaignID,
		UserID:       userID,
		Status:       models.ExecutionVerified,
		RewardAmount: a.RewardAmount,
	})
	require.NoError(t, err)
	return exec
}

func TestRecordExecutionEnforcesCapAndDuplicates(t *testing.T) {
	ctx := context.Background()
	s, user, _, action := seed(t, "100")

	verified(t, s, user.ID, action)

	id := action.ID
	_, err := s.RecordExecution(ctx, models.NewExecution{ActionID: &id, CampaignID: action.CampaignID, UserID: user.ID, Status: models.ExecutionVerified})
	require.ErrorIs(t, err, repository.ErrAlreadyExecuted)

	other := &models.User{WalletAddress: "wallet-2"}
	require.NoError(t, s.CreateUser(ctx, other))
	verified(t, s, other.ID, action)

	third := &models.User{WalletAddress: "wallet-3"}
	require.NoError(t, s.CreateUser(ctx, third))
	_, err = s.RecordExecution(ctx, models.NewExecution{ActionID: &id, CampaignID: action.CampaignID, UserID: third.ID, Status: models.ExecutionVerified})
	require.ErrorIs(t, err, repository.ErrActionExhausted)

	got, err := s.GetAction(ctx, action.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.CurrentExecutions)

	u, err := s.GetUser(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, models.ReputationOnVerified, u.ReputationScore)
}

func TestSettleExecutionsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, user, campaign, action := seed(t, "100")
	exec := verified(t, s, user.ID, action)

	calls := 0
	pay := func(ids []int64, legs []models.PayoutLeg) (string, error) {
		calls++
		require.Equal(t, []int64{exec.ID}, ids)
		require.Len(t, legs, 1)
		require.Equal(t, "mint-a", legs[0].Mint)
		require.True(t, legs[0].Amount.Equal(decimal.NewFromInt(5)))
		return "sig-1", nil
	}

	res, err := s.SettleExecutions(ctx, user.ID, []int64{exec.ID, exec.ID}, t0, pay)
	require.NoError(t, err)
	require.Equal(t, []int64{exec.ID}, res.ClaimedIDs)
	require.Equal(t, "sig-1", res.Signature)

	res, err = s.SettleExecutions(ctx, user.ID, []int64{exec.ID}, t0, pay)
	require.NoError(t, err)
	require.Empty(t, res.ClaimedIDs)
	require.Equal(t, 1, calls)

	u, _ := s.GetUser(ctx, user.ID)
	require.True(t, u.Balance.Equal(decimal.NewFromInt(5)))
	require.Equal(t, models.ReputationOnVerified+models.ReputationOnPaid, u.ReputationScore)

	c, _ := s.GetCampaign(ctx, campaign.ID)
	require.True(t, c.RemainingBudget.Equal(decimal.NewFromInt(95)))

	e, _ := s.GetExecution(ctx, exec.ID)
	require.Equal(t, models.ExecutionPaid, e.Status)
	require.Equal(t, "sig-1", e.TxSignature)
}

func TestSettleExecutionsRollsBackOnPayError(t *testing.T) {
	ctx := context.Background()
	s, user, campaign, action := seed(t, "100")
	exec := verified(t, s, user.ID, action)

	_, err := s.SettleExecutions(ctx, user.ID, []int64{exec.ID}, t0, func([]int64, []models.PayoutLeg) (string, error) {
		return "", errors.New("rpc down")
	})
	require.Error(t, err)

	c, _ := s.GetCampaign(ctx, campaign.ID)
	require.True(t, c.RemainingBudget.Equal(decimal.NewFromInt(100)))
	e, _ := s.GetExecution(ctx, exec.ID)
	require.Equal(t, models.ExecutionVerified, e.Status)
}

func TestSettleExecutionsSkipsUnderfundedCampaignAndForeignRows(t *testing.T) {
	ctx := context.Background()
	s, user, _, action := seed(t, "3")
	exec := verified(t, s, user.ID, action)

	other := &models.User{WalletAddress: "wallet-2"}
	require.NoError(t, s.CreateUser(ctx, other))

	res, err := s.SettleExecutions(ctx, other.ID, []int64{exec.ID}, t0, func([]int64, []models.PayoutLeg) (string, error) {
		t.Fatal("pay must not run")
		return "", nil
	})
	require.NoError(t, err)
	require.Empty(t, res.ClaimedIDs)

	res, err = s.SettleExecutions(ctx, user.ID, []int64{exec.ID}, t0, func([]int64, []models.PayoutLeg) (string, error) {
		t.Fatal("pay must not run")
		return "", nil
	})
	require.NoError(t, err)
	require.Empty(t, res.ClaimedIDs)
}

func TestSubmittedExecutionsWaitForResolution(t *testing.T) {
	ctx := context.Background()
	s, user, campaign, action := seed(t, "100")
	exec := verified(t, s, user.ID, action)

	require.NoError(t, s.MarkExecutionsSubmitted(ctx, []int64{exec.ID}, "sig-sent", t0))
	e, _ := s.GetExecution(ctx, exec.ID)
	require.Equal(t, models.ExecutionSubmitted, e.Status)
	require.Equal(t, "sig-sent", e.TxSignature)
	require.False(t, e.Status.Claimable())

	// the transfer landed: settle without sending again
	res, err := s.SettleExecutions(ctx, user.ID, []int64{exec.ID}, t0, func(ids []int64, _ []models.PayoutLeg) (string, error) {
		require.Equal(t, []int64{exec.ID}, ids)
		return "sig-sent", nil
	})
	require.NoError(t, err)
	require.Equal(t, []int64{exec.ID}, res.ClaimedIDs)

	c, _ := s.GetCampaign(ctx, campaign.ID)
	require.True(t, c.RemainingBudget.Equal(decimal.NewFromInt(95)))
	e, _ = s.GetExecution(ctx, exec.ID)
	require.Equal(t, models.ExecutionPaid, e.Status)
	require.Equal(t, "sig-sent", e.TxSignature)

	// paid rows are never parked or failed again
	require.NoError(t, s.MarkExecutionsSubmitted(ctx, []int64{exec.ID}, "sig-other", t0))
	require.NoError(t, s.MarkExecutionsFailed(ctx, []int64{exec.ID}, t0))
	e, _ = s.GetExecution(ctx, exec.ID)
	require.Equal(t, models.ExecutionPaid, e.Status)
	require.Equal(t, "sig-sent", e.TxSignature)
}

func TestMarkExecutionsFailedDropsSignature(t *testing.T) {
	ctx := context.Background()
	s, user, _, action := seed(t, "100")
	exec := verified(t, s, user.ID, action)

	require.NoError(t, s.MarkExecutionsSubmitted(ctx, []int64{exec.ID}, "sig-dropped", t0))
	require.NoError(t, s.MarkExecutionsFailed(ctx, []int64{exec.ID}, t0))

	e, _ := s.GetExecution(ctx, exec.ID)
	require.Equal(t, models.ExecutionFailed, e.Status)
	require.Empty(t, e.TxSignature)
	require.True(t, e.Status.Claimable())
}

func TestClaimHolderRewardOnce(t *testing.T) {
	ctx := context.Background()
	s, user, _, _ := seed(t, "100")
	holder := &models.Campaign{
		Type:            models.CampaignTypeHolderQualification,
		Status:          models.CampaignStatusActive,
		RemainingBudget: decimal.NewFromInt(10),
		RewardPerWallet: decimal.NewFromInt(2),
		MaxClaims:       1,
	}
	require.NoError(t, s.CreateCampaign(ctx, holder))

	state, err := s.StartHolding(ctx, user.ID, holder.ID, t0)
	require.NoError(t, err)
	again, err := s.StartHolding(ctx, user.ID, holder.ID, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, state.ID, again.ID)
	require.True(t, again.HoldStartAt.Equal(t0))

	exec, err := s.ClaimHolderReward(ctx, state.ID, models.NewExecution{RewardAmount: holder.RewardPerWallet})
	require.NoError(t, err)
	require.Nil(t, exec.ActionID)
	require.Equal(t, models.ExecutionVerified, exec.Status)

	_, err = s.ClaimHolderReward(ctx, state.ID, models.NewExecution{RewardAmount: holder.RewardPerWallet})
	require.ErrorIs(t, err, repository.ErrAlreadyClaimed)
}

func TestCreateRoundRejectsOverlap(t *testing.T) {
	ctx := context.Background()
	s := New()
	first := &models.PrizeRound{WeekNumber: 1, StartDate: t0, EndDate: t0.Add(24 * time.Hour), Status: models.RoundCompleted}
	require.NoError(t, s.CreateRound(ctx, first))

	overlap := &models.PrizeRound{WeekNumber: 2, StartDate: t0.Add(time.Hour), EndDate: t0.Add(48 * time.Hour)}
	require.ErrorIs(t, s.CreateRound(ctx, overlap), repository.ErrRoundOverlap)

	sameWeek := &models.PrizeRound{WeekNumber: 1, StartDate: t0.Add(25 * time.Hour), EndDate: t0.Add(48 * time.Hour)}
	require.ErrorIs(t, s.CreateRound(ctx, sameWeek), repository.ErrRoundOverlap)

	next := &models.PrizeRound{WeekNumber: 2, StartDate: first.EndDate.Add(time.Millisecond), EndDate: t0.Add(48 * time.Hour)}
	require.NoError(t, s.CreateRound(ctx, next))

	latest, err := s.LatestRound(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, latest.WeekNumber)
}

func TestWeeklyPointsOrdering(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.SetClock(func() time.Time { return t0 })

	older := &models.User{WalletAddress: "older", CreatedAt: t0.Add(-48 * time.Hour)}
	newer := &models.User{WalletAddress: "newer", CreatedAt: t0.Add(-24 * time.Hour)}
	require.NoError(t, s.CreateUser(ctx, newer))
	require.NoError(t, s.CreateUser(ctx, older))

	campaign := &models.Campaign{Status: models.CampaignStatusActive}
	require.NoError(t, s.CreateCampaign(ctx, campaign))
	for _, u := range []*models.User{newer, older} {
		_, err := s.RecordExecution(ctx, models.NewExecution{CampaignID: campaign.ID, UserID: u.ID, Status: models.ExecutionVerified, CreatedAt: t0})
		require.NoError(t, err)
	}
	// outside the window
	_, err := s.RecordExecution(ctx, models.NewExecution{CampaignID: campaign.ID, UserID: newer.ID, Status: models.ExecutionVerified, CreatedAt: t0.Add(-8 * 24 * time.Hour)})
	require.NoError(t, err)

	points, err := s.WeeklyPoints(ctx, t0.Add(-7*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, points, 2)
	require.Equal(t, "older", points[0].WalletAddress)
	require.Equal(t, 10, points[0].Points())
}
