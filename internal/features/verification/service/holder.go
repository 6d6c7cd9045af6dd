package service

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/shopspring/decimal"

	apperrors "actionpay-backend/internal/common/errors"
	"actionpay-backend/internal/features/ledger/models"
	"actionpay-backend/internal/features/ledger/repository"
)

type HolderStatus string

const (
	HolderInsufficient HolderStatus = "insufficient"
	HolderHolding      HolderStatus = "holding"
	HolderWaiting      HolderStatus = "waiting"
	HolderReady        HolderStatus = "ready"
	HolderVerified     HolderStatus = "verified"
	HolderRejected     HolderStatus = "rejected"
)

const day = 24 * time.Hour

// HolderResult reports the progress of a holding time-lock. Durations are days.
type HolderResult struct {
	Status          HolderStatus     `json:"status"`
	CurrentBalance  *decimal.Decimal `json:"currentBalance,omitempty"`
	RequiredBalance *decimal.Decimal `json:"requiredBalance,omitempty"`
	HoldDuration    *float64         `json:"holdDuration,omitempty"`
	Remaining       *float64         `json:"remaining,omitempty"`
	ExecutionID     *int64           `json:"executionId,omitempty"`
	Message         string           `json:"message,omitempty"`
	Error           string           `json:"error,omitempty"`
}

func days(d time.Duration) *float64 {
	v := math.Floor(d.Hours()/24*100) / 100
	return &v
}

func insufficient(current, required decimal.Decimal) *HolderResult {
	return &HolderResult{
		Status:          HolderInsufficient,
		CurrentBalance:  &current,
		RequiredBalance: &required,
		Message:         "Balance below the holding requirement",
	}
}

// SubmitHolderCheck advances the holding time-lock of wallet in a holder
// campaign. With a {"claim": true} proof a ready state is claimed, creating a
// verified execution for the per-wallet reward.
func (s *Service) SubmitHolderCheck(ctx context.Context, wallet string, campaignID int64, rawProof string) (*HolderResult, error) {
	if err := s.requireFeatures(ctx, true); err != nil {
		return nil, err
	}
	user, err := s.userByWallet(ctx, wallet)
	if err != nil {
		return nil, err
	}
	proof, err := ParseProof(rawProof)
	if err != nil {
		return nil, apperrors.NewValidationError("proof", err.Error())
	}

	campaign, err := s.store.GetCampaign(ctx, campaignID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NewCampaignNotFoundError(campaignID)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get campaign", err)
	}
	if campaign.Type != models.CampaignTypeHolderQualification {
		return nil, apperrors.NewValidationError("actionId", "campaign is not a holder qualification campaign")
	}

	result, err := s.checkHolder(ctx, user, campaign, proof, rawProof)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveVerification("holder", string(result.Status))
	return result, nil
}

func (s *Service) checkHolder(ctx context.Context, user *models.User, campaign *models.Campaign, proof Proof, rawProof string) (*HolderResult, error) {
	if !user.CanParticipate() {
		return &HolderResult{Status: HolderRejected, Error: "account is " + string(user.Status)}, nil
	}
	if !campaign.IsActive() {
		return &HolderResult{Status: HolderRejected, Error: "campaign is " + string(campaign.Status)}, nil
	}

	now := s.now()
	required := campaign.MinHoldingAmount
	lock := time.Duration(campaign.MinHoldingDurationDays) * day

	state, err := s.store.GetHolderState(ctx, user.ID, campaign.ID)
	if errors.Is(err, repository.ErrNotFound) {
		balance, err := s.balances.TokenBalance(ctx, user.WalletAddress, campaign.TokenMint)
		if err != nil {
			return nil, apperrors.NewChainError("get token balance", err)
		}
		if balance.LessThan(required) {
			return insufficient(balance, required), nil
		}
		state, err = s.store.StartHolding(ctx, user.ID, campaign.ID, now)
		if err != nil {
			return nil, apperrors.NewDatabaseError("start holding", err)
		}
		s.log.Info().
			Int64("user_id", user.ID).
			Int64("campaign_id", campaign.ID).
			Msg("Holding clock started")
		held := state.HeldFor(now)
		return &HolderResult{
			Status:       HolderHolding,
			HoldDuration: days(held),
			Remaining:    days(lock - held),
			Message:      "Holding period started",
		}, nil
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get holder state", err)
	}

	if state.Claimed {
		return &HolderResult{Status: HolderVerified, Message: "Reward already claimed"}, nil
	}

	held := state.HeldFor(now)
	if held < lock {
		return &HolderResult{
			Status:       HolderWaiting,
			HoldDuration: days(held),
			Remaining:    days(lock - held),
			Message:      "Holding period not complete",
		}, nil
	}

	// the tokens must still be there when the lock opens
	balance, err := s.balances.TokenBalance(ctx, user.WalletAddress, campaign.TokenMint)
	if err != nil {
		return nil, apperrors.NewChainError("get token balance", err)
	}
	if balance.LessThan(required) {
		return insufficient(balance, required), nil
	}

	if !proof.Claim {
		return &HolderResult{Status: HolderReady, HoldDuration: days(held), Message: "Eligible to claim"}, nil
	}

	exec, err := s.store.ClaimHolderReward(ctx, state.ID, models.NewExecution{
		RewardAmount: campaign.RewardPerWallet,
		Proof:        rawProof,
		CreatedAt:    now,
	})
	switch {
	case errors.Is(err, repository.ErrAlreadyClaimed):
		return &HolderResult{Status: HolderVerified, Message: "Reward already claimed"}, nil
	case errors.Is(err, repository.ErrClaimsExhausted):
		return &HolderResult{Status: HolderRejected, Error: "campaign claim limit reached"}, nil
	case err != nil:
		return nil, apperrors.NewDatabaseError("claim holder reward", err)
	}

	id := exec.ID
	s.log.Info().
		Int64("user_id", user.ID).
		Int64("campaign_id", campaign.ID).
		Int64("execution_id", id).
		Msg("Holder reward claimed")
	return &HolderResult{
		Status:       HolderVerified,
		HoldDuration: days(held),
		ExecutionID:  &id,
		Message:      "Holder reward verified, claim it with your executions",
	}, nil
}
