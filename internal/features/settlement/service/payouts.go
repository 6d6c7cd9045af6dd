package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "actionpay-backend/internal/common/errors"
	"actionpay-backend/internal/common/validation"
	"actionpay-backend/internal/features/ledger/models"
	"actionpay-backend/internal/features/ledger/repository"
	"actionpay-backend/internal/platform/solana"
)

// resendAfter outlives the blockhash of any transfer sent before it.
const resendAfter = 5 * time.Minute

// processWinners pays every unpaid winner of round accepted by eligible, one
// at a time, and settles the round status. A failing winner never stops the
// others. The caller holds the leader lock.
func (s *Service) processWinners(ctx context.Context, round *models.PrizeRound, eligible func(models.Winner) bool) {
	signer, signerErr := solana.ParseSigner(s.cfg.SigningKey)

	for i := range round.Winners {
		w := &round.Winners[i]
		if w.Paid() || !eligible(*w) {
			continue
		}
		if signerErr != nil {
			s.fail(ctx, round, w, fmt.Errorf("payout signing key unavailable: %w", signerErr))
			continue
		}
		s.payWinner(ctx, round, w, signer)
	}

	status := models.RoundFailed
	if round.AllPaid() {
		status = models.RoundCompleted
	}
	if err := s.store.SetRoundStatus(ctx, round.ID, status, s.now()); err != nil {
		s.log.Error().Err(err).Int64("round_id", round.ID).Msg("Failed to update round status")
		return
	}
	round.Status = status
	s.metrics.ObserveRound(string(status))

	event := s.log.Info()
	if status == models.RoundFailed {
		event = s.log.Warn()
	}
	event.Int64("round_id", round.ID).
		Int("week", round.WeekNumber).
		Str("status", string(status)).
		Msg("Round payouts processed")
}

func (s *Service) payWinner(ctx context.Context, round *models.PrizeRound, w *models.Winner, signer solana.Signer) {
	if err := validation.ValidateWalletAddress(w.WalletAddress); err != nil {
		s.fail(ctx, round, w, fmt.Errorf("invalid winner wallet: %w", err))
		return
	}

	if w.TxSignature != "" {
		landed, resend := s.previousTransfer(ctx, round, w)
		if landed {
			s.markPaid(ctx, round, w, w.TxSignature)
			return
		}
		if !resend {
			return
		}
		w.TxSignature = ""
	}

	sig, err := s.payer.Transfer(ctx, w.WalletAddress, w.PrizeAmount, s.cfg.RewardMint, signer)
	s.metrics.ObserveWinnerPayout(err)
	var unconfirmed *solana.UnconfirmedError
	if errors.As(err, &unconfirmed) {
		// kept so the next attempt looks the transfer up before resending
		w.TxSignature = unconfirmed.Signature
	}
	if err != nil {
		s.fail(ctx, round, w, err)
		return
	}
	s.markPaid(ctx, round, w, sig)
}

// previousTransfer resolves the unconfirmed transfer an earlier attempt left
// on w. A transfer the cluster has not seen may only be replaced once its
// blockhash has surely expired.
func (s *Service) previousTransfer(ctx context.Context, round *models.PrizeRound, w *models.Winner) (landed, resend bool) {
	status, err := s.payer.SignatureStatus(ctx, w.TxSignature)
	if err != nil {
		s.log.Warn().Err(err).Int64("round_id", round.ID).Int("rank", w.Rank).Str("signature", w.TxSignature).
			Msg("Failed to look up previous prize transfer")
		return false, false
	}
	switch status {
	case solana.TxLanded:
		return true, false
	case solana.TxFailed:
		return false, true
	case solana.TxUnknown:
		return false, s.now().Sub(w.UpdatedAt) >= resendAfter
	default:
		return false, false
	}
}

func (s *Service) markPaid(ctx context.Context, round *models.PrizeRound, w *models.Winner, sig string) {
	w.Status = models.WinnerPaid
	w.TxSignature = sig
	w.ErrorMessage = ""
	w.Attempts++
	w.NextAttemptAt = nil
	w.UpdatedAt = s.now()
	if err := s.store.UpdateWinner(ctx, *w); err != nil {
		// the prize left the wallet; a retry would pay it again
		s.log.Error().Err(err).
			Int64("round_id", round.ID).
			Int("rank", w.Rank).
			Str("signature", sig).
			Msg("Winner paid but not recorded")
		s.recordError(ctx, "winner paid but not recorded",
			fmt.Sprintf("round %d rank %d signature %s: %v", round.ID, w.Rank, sig, err))
		return
	}
	s.log.Info().
		Int64("round_id", round.ID).
		Int("rank", w.Rank).
		Str("wallet", w.WalletAddress).
		Str("amount", w.PrizeAmount.String()).
		Str("signature", sig).
		Msg("Winner paid")
}

// fail records a failed attempt and schedules the next one.
func (s *Service) fail(ctx context.Context, round *models.PrizeRound, w *models.Winner, cause error) {
	now := s.now()
	w.Status = models.WinnerFailed
	w.ErrorMessage = cause.Error()
	w.Attempts++
	next := now.Add(s.retryDelay(w.Attempts))
	w.NextAttemptAt = &next
	w.UpdatedAt = now

	if err := s.store.UpdateWinner(ctx, *w); err != nil {
		s.log.Error().Err(err).Int64("round_id", round.ID).Int("rank", w.Rank).Msg("Failed to record winner failure")
	}
	s.log.Warn().Err(cause).
		Int64("round_id", round.ID).
		Int("rank", w.Rank).
		Str("wallet", w.WalletAddress).
		Int("attempts", w.Attempts).
		Time("next_attempt_at", next).
		Msg("Winner payout failed")
	s.recordError(ctx, "winner payout failed",
		fmt.Sprintf("round %d rank %d wallet %s: %v", round.ID, w.Rank, w.WalletAddress, cause))
}

// retryDelay is base * 2^(attempts-1), capped at the max delay.
func (s *Service) retryDelay(attempts int) time.Duration {
	d := s.cfg.RetryBaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= s.cfg.RetryMaxDelay || d <= 0 {
			return s.cfg.RetryMaxDelay
		}
	}
	if d > s.cfg.RetryMaxDelay {
		return s.cfg.RetryMaxDelay
	}
	return d
}

func (s *Service) recordError(ctx context.Context, msg, detail string) {
	entry := models.ErrorLog{Source: "settlement", Message: msg, Detail: detail, CreatedAt: s.now()}
	if err := s.store.RecordErrorLog(ctx, entry); err != nil {
		s.log.Warn().Err(err).Msg("Failed to persist error log")
	}
}

// retryable reports whether the retrier may attempt w at now.
func (s *Service) retryable(w models.Winner, now time.Time) bool {
	if w.Paid() || s.stuck(w) {
		return false
	}
	return w.NextAttemptAt == nil || !now.Before(*w.NextAttemptAt)
}

// RetryFailedRounds re-runs payouts of every failed or processing round
// that has a winner due for another attempt. It returns the rounds retried.
func (s *Service) RetryFailedRounds(ctx context.Context) (int, error) {
	release, ok, err := s.locker.TryLock(ctx, leaderKey, s.cfg.LockTTL)
	if err != nil {
		return 0, fmt.Errorf("failed to acquire settlement lock: %w", err)
	}
	if !ok {
		return 0, nil
	}
	defer release()

	rounds, err := s.store.ListRoundsByStatus(ctx, models.RoundFailed, models.RoundProcessing)
	if err != nil {
		return 0, fmt.Errorf("failed to list unsettled rounds: %w", err)
	}

	now := s.now()
	retried := 0
	for i := range rounds {
		round := &rounds[i]
		if round.AllPaid() {
			// payouts finished but the status update was lost
			if err := s.store.SetRoundStatus(ctx, round.ID, models.RoundCompleted, now); err != nil {
				s.log.Error().Err(err).Int64("round_id", round.ID).Msg("Failed to complete round")
			}
			continue
		}

		due := false
		for _, w := range round.Winners {
			if s.retryable(w, now) {
				due = true
				break
			}
		}
		if !due {
			continue
		}
		retried++
		s.log.Info().Int64("round_id", round.ID).Int("week", round.WeekNumber).Msg("Retrying round payouts")
		s.processWinners(ctx, round, func(w models.Winner) bool { return s.retryable(w, now) })
	}
	return retried, nil
}

// ForceRetry resets the attempt counters of a round's unpaid winners and
// pays them now.
func (s *Service) ForceRetry(ctx context.Context, roundID int64) (*models.PrizeRound, error) {
	release, ok, err := s.locker.TryLock(ctx, leaderKey, s.cfg.LockTTL)
	if err != nil {
		return nil, apperrors.NewCacheError("acquire settlement lock", err)
	}
	if !ok {
		return nil, apperrors.NewConflictError("round", "settlement is running, try again shortly")
	}
	defer release()

	round, err := s.store.GetRound(ctx, roundID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NewRoundNotFoundError(roundID)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get round", err)
	}

	for i := range round.Winners {
		if !round.Winners[i].Paid() {
			round.Winners[i].Attempts = 0
			round.Winners[i].NextAttemptAt = nil
		}
	}
	s.log.Info().Int64("round_id", round.ID).Msg("Forced round retry")
	s.processWinners(ctx, round, func(models.Winner) bool { return true })
	return round, nil
}
