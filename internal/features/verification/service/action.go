package service

import (
	"context"
	"errors"
	"fmt"

	apperrors "actionpay-backend/internal/common/errors"
	"actionpay-backend/internal/features/ledger/models"
	"actionpay-backend/internal/features/ledger/repository"
)

type ActionStatus string

const (
	ActionPaid     ActionStatus = "paid"
	ActionVerified ActionStatus = "verified"
	ActionRejected ActionStatus = "rejected"
	// ActionTracking means the claim waits for manual review.
	ActionTracking ActionStatus = "tracking"
)

type ActionResult struct {
	Success     bool         `json:"success"`
	Status      ActionStatus `json:"status"`
	Message     string       `json:"message"`
	ExecutionID *int64       `json:"executionId,omitempty"`
	TxSignature string       `json:"txSignature,omitempty"`
	// RequiresLink names the identity the user should link to retry.
	RequiresLink string `json:"requiresLink,omitempty"`
}

func rejected(format string, args ...interface{}) *ActionResult {
	return &ActionResult{Status: ActionRejected, Message: fmt.Sprintf(format, args...)}
}

// SubmitAction evaluates a claim against an engagement action and records
// the execution when it is accepted.
func (s *Service) SubmitAction(ctx context.Context, wallet string, actionID int64, rawProof string) (*ActionResult, error) {
	if err := s.requireFeatures(ctx, false); err != nil {
		return nil, err
	}
	user, err := s.userByWallet(ctx, wallet)
	if err != nil {
		return nil, err
	}

	action, err := s.store.GetAction(ctx, actionID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NewActionNotFoundError(actionID)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get action", err)
	}
	campaign, err := s.store.GetCampaign(ctx, action.CampaignID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NewCampaignNotFoundError(action.CampaignID)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get campaign", err)
	}

	result, err := s.evaluateAction(ctx, user, action, campaign, rawProof)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveVerification(string(action.Kind), string(result.Status))
	return result, nil
}

func (s *Service) evaluateAction(ctx context.Context, user *models.User, action *models.Action, campaign *models.Campaign, rawProof string) (*ActionResult, error) {
	if !user.CanParticipate() {
		return rejected("Account is %s", user.Status), nil
	}
	if !campaign.IsActive() {
		return rejected("Campaign is %s", campaign.Status), nil
	}
	if campaign.Type != models.CampaignTypeEngagement {
		return rejected("Campaign has no engagement actions"), nil
	}
	identity, err := action.Kind.Identity()
	if err != nil {
		return rejected("Unsupported action type %q", string(action.Kind)), nil
	}
	if action.Exhausted() {
		return rejected("Action has reached its execution limit"), nil
	}

	proof, err := ParseProof(rawProof)
	if err != nil {
		return rejected("Malformed proof: %v", err), nil
	}

	if required := campaign.Requirements.MinSolBalance; required.IsPositive() {
		balance, err := s.balances.NativeBalance(ctx, user.WalletAddress)
		if err != nil {
			return nil, apperrors.NewChainError("get balance", err)
		}
		if balance.LessThan(required) {
			return rejected("Campaign requires at least %s SOL, wallet holds %s", required, balance), nil
		}
	}

	status, result := s.resolveEvidence(ctx, user, action.Kind, identity, proof)
	if result != nil {
		return result, nil
	}

	exec, err := s.store.RecordExecution(ctx, models.NewExecution{
		ActionID:     &action.ID,
		CampaignID:   campaign.ID,
		UserID:       user.ID,
		Status:       status,
		RewardAmount: action.RewardAmount,
		Proof:        rawProof,
		CreatedAt:    s.now(),
	})
	switch {
	case errors.Is(err, repository.ErrActionExhausted):
		return rejected("Action has reached its execution limit"), nil
	case errors.Is(err, repository.ErrAlreadyExecuted):
		return rejected("Action already completed"), nil
	case err != nil:
		return nil, apperrors.NewDatabaseError("record execution", err)
	}

	id := exec.ID
	if status == models.ExecutionPending {
		s.log.Info().Int64("execution_id", id).Str("kind", string(action.Kind)).Msg("Execution queued for review")
		return &ActionResult{Success: true, Status: ActionTracking, Message: "Proof submitted for review", ExecutionID: &id}, nil
	}

	if action.Kind != models.ActionWebsite {
		return &ActionResult{Success: true, Status: ActionVerified, Message: "Action verified", ExecutionID: &id}, nil
	}

	// website visits carry no risk worth batching, pay them right away
	settlement, err := s.settle(ctx, user, []int64{id})
	if err != nil && !apperrors.HasCode(err, apperrors.ErrCodeChainError) {
		s.log.Error().Err(err).Int64("execution_id", id).Msg("Immediate website payout failed")
	}
	if err != nil || len(settlement.ClaimedIDs) == 0 {
		return &ActionResult{
			Success:     true,
			Status:      ActionVerified,
			Message:     "Action verified, payout pending: claim it later",
			ExecutionID: &id,
		}, nil
	}
	return &ActionResult{
		Success:     true,
		Status:      ActionPaid,
		Message:     fmt.Sprintf("Paid %s %s", settlement.TotalAmount, campaign.TokenName),
		ExecutionID: &id,
		TxSignature: settlement.Signature,
	}, nil
}

// resolveEvidence picks the execution status a claim earns, or a rejection.
func (s *Service) resolveEvidence(ctx context.Context, user *models.User, kind models.ActionKind, identity models.Identity, proof Proof) (models.ExecutionStatus, *ActionResult) {
	if kind == models.ActionWebsite {
		return models.ExecutionVerified, nil
	}

	if s.identityLinked(ctx, user, identity, proof) {
		return models.ExecutionVerified, nil
	}

	rule := s.policy.For(kind)
	evidence := proof.Evidence()
	if rule.Mode != TrustReject && len(evidence) >= rule.MinProofLength {
		if rule.Mode == TrustManualReview {
			return models.ExecutionPending, nil
		}
		return models.ExecutionVerified, nil
	}

	switch identity {
	case models.IdentityNone:
		if rule.Mode == TrustReject {
			return "", rejected("Proof is not accepted for %s actions", kind)
		}
		return "", rejected("Proof must be at least %d characters", rule.MinProofLength)
	default:
		r := rejected("Link your %s account or submit proof to verify this action", identity)
		if rule.Mode == TrustReject {
			r = rejected("Link your %s account to verify this action", identity)
		}
		r.RequiresLink = identity.String()
		return "", r
	}
}

// identityLinked reports whether user has the identity. Valid Telegram init
// data links the proven account on first use; an account already linked to
// someone else proves nothing.
func (s *Service) identityLinked(ctx context.Context, user *models.User, identity models.Identity, proof Proof) bool {
	switch identity {
	case models.IdentityTwitter:
		return user.TwitterHandle != ""
	case models.IdentityTelegram:
		if user.TelegramHandle != "" || user.TelegramID != 0 {
			return true
		}
		if proof.InitData == "" || s.telegram == nil {
			return false
		}
		tg, err := s.telegram.Verify(proof.InitData)
		if err != nil {
			s.log.Debug().Err(err).Int64("user_id", user.ID).Msg("Telegram proof rejected")
			return false
		}
		linked, err := s.store.LinkTelegram(ctx, user.ID, tg.ID, tg.Username)
		if err != nil {
			s.log.Warn().Err(err).
				Int64("user_id", user.ID).
				Int64("telegram_id", tg.ID).
				Msg("Telegram identity not linked")
			return false
		}
		*user = *linked
		s.log.Info().Int64("user_id", user.ID).Int64("telegram_id", tg.ID).Msg("Telegram identity linked")
		return true
	}
	return false
}

// ReviewExecution resolves a pending execution after manual review.
func (s *Service) ReviewExecution(ctx context.Context, id int64, approve bool) (*models.Execution, error) {
	exec, err := s.store.ReviewExecution(ctx, id, approve, s.now())
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil, apperrors.NewNotFoundError("execution", id)
	case errors.Is(err, repository.ErrInvalidTransition):
		return nil, apperrors.NewConflictError("execution", "only pending executions can be reviewed")
	case errors.Is(err, repository.ErrActionExhausted):
		return nil, apperrors.NewConflictError("execution", "action has reached its execution limit")
	case err != nil:
		return nil, apperrors.NewDatabaseError("review execution", err)
	}
	s.log.Info().Int64("execution_id", id).Bool("approved", approve).Msg("Execution reviewed")
	return exec, nil
}
