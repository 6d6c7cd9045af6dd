package service

import (
	"context"
	"time"

	apperrors "actionpay-backend/internal/common/errors"
	"actionpay-backend/internal/features/ledger/models"
)

const (
	maxSamples     = 5
	unclaimedAfter = 24 * time.Hour
	// submitted rows resolve on the owner's next claim; older ones were abandoned
	unresolvedAfter = time.Hour
)

// StuckSource lists prize winners out of automatic retries.
type StuckSource interface {
	StuckWinners(ctx context.Context) ([]models.StuckWinner, error)
}

// Issue is one reconciliation category: how many rows match and a few of them.
type Issue[T any] struct {
	Count   int `json:"count"`
	Samples []T `json:"samples"`
}

func (i *Issue[T]) add(v T) {
	i.Count++
	if len(i.Samples) < maxSamples {
		i.Samples = append(i.Samples, v)
	}
}

func newIssue[T any]() Issue[T] {
	return Issue[T]{Samples: []T{}}
}

type Reconciliation struct {
	GeneratedAt          time.Time                 `json:"generatedAt"`
	PaidWithoutSignature Issue[models.Execution]   `json:"paidWithoutSignature"`
	FailedWithSignature  Issue[models.Execution]   `json:"failedWithSignature"`
	StaleVerified        Issue[models.Execution]   `json:"staleVerified"`
	UnresolvedSubmitted  Issue[models.Execution]   `json:"unresolvedSubmitted"`
	CompletedWithFailed  Issue[models.PrizeRound]  `json:"completedRoundsWithFailedWinners"`
	StuckWinners         Issue[models.StuckWinner] `json:"stuckWinners"`
}

// Healthy reports whether no category has a match.
func (r *Reconciliation) Healthy() bool {
	return r.PaidWithoutSignature.Count == 0 &&
		r.FailedWithSignature.Count == 0 &&
		r.StaleVerified.Count == 0 &&
		r.UnresolvedSubmitted.Count == 0 &&
		r.CompletedWithFailed.Count == 0 &&
		r.StuckWinners.Count == 0
}

// Reconcile scans the ledger for contradictory or stuck payout state.
// stuck may be nil.
func (m *Monitor) Reconcile(ctx context.Context, stuck StuckSource) (*Reconciliation, error) {
	now := m.now()
	out := &Reconciliation{
		GeneratedAt:          now,
		PaidWithoutSignature: newIssue[models.Execution](),
		FailedWithSignature:  newIssue[models.Execution](),
		StaleVerified:        newIssue[models.Execution](),
		UnresolvedSubmitted:  newIssue[models.Execution](),
		CompletedWithFailed:  newIssue[models.PrizeRound](),
		StuckWinners:         newIssue[models.StuckWinner](),
	}

	executions, err := m.store.ListExecutions(ctx)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list executions", err)
	}
	for _, e := range executions {
		switch {
		case e.Status == models.ExecutionPaid && e.TxSignature == "":
			out.PaidWithoutSignature.add(e)
		case e.Status == models.ExecutionFailed && e.TxSignature != "":
			out.FailedWithSignature.add(e)
		case e.Status == models.ExecutionVerified && now.Sub(e.CreatedAt) > unclaimedAfter:
			out.StaleVerified.add(e)
		case e.Status == models.ExecutionSubmitted && now.Sub(e.UpdatedAt) > unresolvedAfter:
			out.UnresolvedSubmitted.add(e)
		}
	}

	rounds, err := m.store.ListRounds(ctx, 0)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list rounds", err)
	}
	for _, r := range rounds {
		if r.Status != models.RoundCompleted {
			continue
		}
		for _, w := range r.Winners {
			if w.Status == models.WinnerFailed {
				out.CompletedWithFailed.add(r)
				break
			}
		}
	}

	if stuck != nil {
		winners, err := stuck.StuckWinners(ctx)
		if err != nil {
			return nil, err
		}
		for _, w := range winners {
			out.StuckWinners.add(w)
		}
	}
	return out, nil
}
