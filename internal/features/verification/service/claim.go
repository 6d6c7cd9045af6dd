package service

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	apperrors "actionpay-backend/internal/common/errors"
	"actionpay-backend/internal/common/validation"
	"actionpay-backend/internal/features/ledger/models"
	"actionpay-backend/internal/platform/solana"
)

type ClaimResult struct {
	Success     bool    `json:"success"`
	TxSignature string  `json:"txSignature"`
	ClaimedIDs  []int64 `json:"claimedIds"`
	Message     string  `json:"message"`
}

// ClaimBatch pays every claimable execution of wallet among ids in one
// transfer. Ids that are already paid, foreign or not claimable are skipped,
// so repeating a claim never pays twice. Submitted ids are first resolved
// against the chain.
func (s *Service) ClaimBatch(ctx context.Context, wallet string, ids []int64) (result *ClaimResult, err error) {
	defer func() { s.metrics.ObserveClaim(err) }()

	if err := validation.ValidateExecutionIDs(ids); err != nil {
		return nil, apperrors.NewValidationError("executionIds", err.Error())
	}
	user, err := s.userByWallet(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if !user.CanParticipate() {
		return nil, apperrors.NewForbiddenError("account is " + string(user.Status))
	}

	release, ok, err := s.locker.TryLock(ctx, "claim:"+wallet, s.lockTTL)
	if err != nil {
		return nil, apperrors.NewCacheError("acquire claim lock", err)
	}
	if !ok {
		return nil, apperrors.NewConflictError("claim", "another claim for this wallet is in progress")
	}
	defer release()

	owned := make([]int64, 0, len(ids))
	var parked []models.Execution
	for _, id := range ids {
		exec, err := s.store.GetExecution(ctx, id)
		if err != nil || exec.UserID != user.ID {
			continue
		}
		switch {
		case exec.Status.Claimable():
			owned = append(owned, id)
		case exec.Status == models.ExecutionSubmitted:
			parked = append(parked, *exec)
		}
	}

	recovered, retry, waiting := s.resolveSubmitted(ctx, user, parked)
	owned = append(owned, retry...)

	claimed := append([]int64{}, recovered.ClaimedIDs...)
	signature := recovered.Signature
	total := recovered.TotalAmount
	budgetShort := false
	if len(owned) > 0 {
		settlement, err := s.settle(ctx, user, owned)
		if err != nil {
			return nil, err
		}
		if len(settlement.ClaimedIDs) == 0 {
			budgetShort = true
		} else {
			claimed = append(claimed, settlement.ClaimedIDs...)
			signature = settlement.Signature
			total = total.Add(settlement.TotalAmount)
		}
	}

	if len(claimed) == 0 {
		msg := "Nothing to claim"
		switch {
		case waiting > 0:
			msg = "A previous payout is still confirming, try again shortly"
		case budgetShort:
			msg = "Campaign budget cannot cover these rewards"
		}
		return &ClaimResult{ClaimedIDs: []int64{}, Message: msg}, nil
	}

	s.log.Info().
		Str("wallet", wallet).
		Ints64("claimed", claimed).
		Str("total", total.String()).
		Str("signature", signature).
		Msg("Claim settled")
	return &ClaimResult{
		Success:     true,
		TxSignature: signature,
		ClaimedIDs:  claimed,
		Message:     fmt.Sprintf("Claimed %d executions", len(claimed)),
	}, nil
}

// resolveSubmitted looks up the transfers behind parked executions. Landed
// ones are recorded as paid without a new transfer. Ones that failed on
// chain, or that the cluster has not seen for longer than resendAfter, are
// returned to failed and handed back for a fresh payout. The rest keep
// waiting.
func (s *Service) resolveSubmitted(ctx context.Context, user *models.User, parked []models.Execution) (recovered models.Settlement, retry []int64, waiting int) {
	recovered.ClaimedIDs = []int64{}
	recovered.TotalAmount = decimal.Zero

	bySignature := make(map[string][]models.Execution)
	order := make([]string, 0)
	for _, e := range parked {
		if _, ok := bySignature[e.TxSignature]; !ok {
			order = append(order, e.TxSignature)
		}
		bySignature[e.TxSignature] = append(bySignature[e.TxSignature], e)
	}

	for _, sig := range order {
		group := bySignature[sig]
		ids := make([]int64, 0, len(group))
		lastTouched := group[0].UpdatedAt
		for _, e := range group {
			ids = append(ids, e.ID)
			if e.UpdatedAt.After(lastTouched) {
				lastTouched = e.UpdatedAt
			}
		}

		status := solana.TxUnknown
		if sig != "" {
			var err error
			status, err = s.payer.SignatureStatus(ctx, sig)
			if err != nil {
				s.log.Warn().Err(err).Str("signature", sig).Msg("Failed to look up submitted payout")
				waiting += len(ids)
				continue
			}
		}

		switch {
		case status == solana.TxLanded:
			settlement, err := s.recordLanded(ctx, user, ids, sig)
			if err != nil {
				s.log.Error().Err(err).Str("signature", sig).Ints64("executions", ids).Msg("Failed to record landed payout")
				waiting += len(ids)
				continue
			}
			recovered.ClaimedIDs = append(recovered.ClaimedIDs, settlement.ClaimedIDs...)
			recovered.TotalAmount = recovered.TotalAmount.Add(settlement.TotalAmount)
			recovered.Signature = sig
			s.log.Info().Str("signature", sig).Ints64("executions", settlement.ClaimedIDs).Msg("Recorded landed payout")

		case status == solana.TxFailed,
			status == solana.TxUnknown && s.now().Sub(lastTouched) >= s.resendAfter:
			if err := s.store.MarkExecutionsFailed(ctx, ids, s.now()); err != nil {
				s.log.Error().Err(err).Ints64("executions", ids).Msg("Failed to release submitted executions")
				waiting += len(ids)
				continue
			}
			s.log.Warn().Str("signature", sig).Str("chain_status", string(status)).Ints64("executions", ids).Msg("Submitted payout did not land, paying again")
			retry = append(retry, ids...)

		default:
			waiting += len(ids)
		}
	}
	return recovered, retry, waiting
}

// recordLanded settles ids against a transfer that already landed. It refuses
// to credit a set that differs from the one the transfer paid for.
func (s *Service) recordLanded(ctx context.Context, user *models.User, ids []int64, signature string) (*models.Settlement, error) {
	return s.store.SettleExecutions(ctx, user.ID, ids, s.now(), func(paying []int64, _ []models.PayoutLeg) (string, error) {
		if !sameIDs(paying, ids) {
			return "", fmt.Errorf("landed transfer %s covers %v, ledger would settle %v", signature, ids, paying)
		}
		return signature, nil
	})
}

func sameIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[int64]int, len(a))
	for _, id := range a {
		seen[id]++
	}
	for _, id := range b {
		if seen[id] == 0 {
			return false
		}
		seen[id]--
	}
	return true
}
