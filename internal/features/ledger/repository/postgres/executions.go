package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"actionpay-backend/internal/features/ledger/models"
	"actionpay-backend/internal/features/ledger/repository"
)

const executionColumns = `id, action_id, campaign_id, user_id, status, reward_amount,
	tx_signature, proof, withdrawn, created_at, updated_at`

func scanExecution(s scanner) (*models.Execution, error) {
	var e models.Execution
	var actionID sql.NullInt64
	if err := s.Scan(&e.ID, &actionID, &e.CampaignID, &e.UserID, &e.Status, &e.RewardAmount,
		&e.TxSignature, &e.Proof, &e.Withdrawn, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	if actionID.Valid {
		id := actionID.Int64
		e.ActionID = &id
	}
	return &e, nil
}

func insertExecution(ctx context.Context, q querier, ne models.NewExecution) (*models.Execution, error) {
	created := ne.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	const stmt = `
		INSERT INTO executions (action_id, campaign_id, user_id, status, reward_amount, proof, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING ` + executionColumns
	exec, err := scanExecution(q.QueryRowContext(ctx, stmt,
		ne.ActionID, ne.CampaignID, ne.UserID, ne.Status, ne.RewardAmount, ne.Proof, created))
	if err != nil {
		return nil, fmt.Errorf("failed to insert execution: %w", err)
	}
	return exec, nil
}

func addReputation(ctx context.Context, q querier, userID int64, delta int) error {
	res, err := q.ExecContext(ctx,
		`UPDATE users SET reputation_score = GREATEST(reputation_score + $2, 0) WHERE id = $1`, userID, delta)
	if err != nil {
		return fmt.Errorf("failed to update reputation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// takeActionSlot increments the execution counter unless the cap is reached.
func takeActionSlot(ctx context.Context, q querier, actionID int64) error {
	res, err := q.ExecContext(ctx, `
		UPDATE actions SET current_executions = current_executions + 1
		WHERE id = $1 AND (max_executions = 0 OR current_executions < max_executions)`, actionID)
	if err != nil {
		return fmt.Errorf("failed to increment executions: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repository.ErrActionExhausted
	}
	return nil
}

func (r *postgresRepository) RecordExecution(ctx context.Context, ne models.NewExecution) (*models.Execution, error) {
	if ne.Status != models.ExecutionPending && ne.Status != models.ExecutionVerified {
		return nil, repository.ErrInvalidTransition
	}

	var out *models.Execution
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		if ne.ActionID != nil {
			// the action row lock serializes claims on one action
			var id int64
			err := tx.QueryRowContext(ctx, `SELECT id FROM actions WHERE id = $1 FOR UPDATE`, *ne.ActionID).Scan(&id)
			if err != nil {
				return notFound(err)
			}

			var exists bool
			err = tx.QueryRowContext(ctx, `
				SELECT EXISTS (
					SELECT 1 FROM executions
					WHERE user_id = $1 AND action_id = $2 AND status <> 'rejected'
				)`, ne.UserID, *ne.ActionID).Scan(&exists)
			if err != nil {
				return fmt.Errorf("failed to check duplicate execution: %w", err)
			}
			if exists {
				return repository.ErrAlreadyExecuted
			}
		}

		if ne.Status == models.ExecutionVerified {
			if ne.ActionID != nil {
				if err := takeActionSlot(ctx, tx, *ne.ActionID); err != nil {
					return err
				}
			}
			if err := addReputation(ctx, tx, ne.UserID, models.ReputationOnVerified); err != nil {
				return err
			}
		}

		exec, err := insertExecution(ctx, tx, ne)
		if err != nil {
			return err
		}
		out = exec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *postgresRepository) ReviewExecution(ctx context.Context, id int64, approve bool, at time.Time) (*models.Execution, error) {
	var out *models.Execution
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		exec, err := scanExecution(tx.QueryRowContext(ctx,
			`SELECT `+executionColumns+` FROM executions WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return notFound(err)
		}
		if exec.Status != models.ExecutionPending {
			return repository.ErrInvalidTransition
		}

		next := models.ExecutionRejected
		if approve {
			next = models.ExecutionVerified
			if exec.ActionID != nil {
				if err := takeActionSlot(ctx, tx, *exec.ActionID); err != nil {
					return err
				}
			}
			if err := addReputation(ctx, tx, exec.UserID, models.ReputationOnVerified); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE executions SET status = $2, updated_at = $3 WHERE id = $1`, id, next, at); err != nil {
			return fmt.Errorf("failed to update execution: %w", err)
		}
		exec.Status = next
		exec.UpdatedAt = at
		out = exec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *postgresRepository) GetExecution(ctx context.Context, id int64) (*models.Execution, error) {
	exec, err := scanExecution(r.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return exec, nil
}

func (r *postgresRepository) ListExecutions(ctx context.Context) ([]models.Execution, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+executionColumns+` FROM executions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	out := make([]models.Execution, 0)
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

type claimRow struct {
	id         int64
	campaignID int64
	reward     decimal.Decimal
}

type campaignFunds struct {
	remaining decimal.Decimal
	mint      string
}

func (r *postgresRepository) SettleExecutions(ctx context.Context, userID int64, ids []int64, at time.Time, pay models.PayFunc) (*models.Settlement, error) {
	result := &models.Settlement{ClaimedIDs: []int64{}, TotalAmount: decimal.Zero}

	err := r.inTx(ctx, func(tx *sql.Tx) error {
		var uid int64
		if err := tx.QueryRowContext(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&uid); err != nil {
			return notFound(err)
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT id, campaign_id, reward_amount FROM executions
			WHERE id = ANY($1) AND user_id = $2 AND status IN ('verified', 'failed', 'submitted')
			ORDER BY id
			FOR UPDATE`, pq.Array(ids), userID)
		if err != nil {
			return fmt.Errorf("failed to lock executions: %w", err)
		}
		candidates := make([]claimRow, 0, len(ids))
		campaignIDs := make([]int64, 0)
		owed := make(map[int64]decimal.Decimal)
		for rows.Next() {
			var c claimRow
			if err := rows.Scan(&c.id, &c.campaignID, &c.reward); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan execution: %w", err)
			}
			if _, ok := owed[c.campaignID]; !ok {
				campaignIDs = append(campaignIDs, c.campaignID)
			}
			owed[c.campaignID] = owed[c.campaignID].Add(c.reward)
			candidates = append(candidates, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}

		funds, err := lockCampaignFunds(ctx, tx, campaignIDs)
		if err != nil {
			return err
		}

		settled := make([]claimRow, 0, len(candidates))
		legs := make([]models.PayoutLeg, 0, len(candidates))
		perCampaign := make(map[int64]decimal.Decimal)
		for _, c := range candidates {
			f, ok := funds[c.campaignID]
			if !ok || f.remaining.LessThan(owed[c.campaignID]) {
				continue
			}
			settled = append(settled, c)
			legs = append(legs, models.PayoutLeg{Mint: f.mint, Amount: c.reward})
			perCampaign[c.campaignID] = perCampaign[c.campaignID].Add(c.reward)
		}
		if len(settled) == 0 {
			return nil
		}

		paidIDs := make([]int64, 0, len(settled))
		total := decimal.Zero
		for _, c := range settled {
			paidIDs = append(paidIDs, c.id)
			total = total.Add(c.reward)
		}

		signature, err := pay(paidIDs, models.SumLegs(legs))
		if err != nil {
			return err
		}

		for _, campaignID := range campaignIDs {
			amount, ok := perCampaign[campaignID]
			if !ok {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE campaigns SET remaining_budget = remaining_budget - $2 WHERE id = $1`, campaignID, amount); err != nil {
				return fmt.Errorf("failed to decrement budget: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE executions SET status = 'paid', tx_signature = $2, updated_at = $3
			WHERE id = ANY($1)`, pq.Array(paidIDs), signature, at); err != nil {
			return fmt.Errorf("failed to mark executions paid: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE users SET balance = balance + $2, reputation_score = reputation_score + $3
			WHERE id = $1`, userID, total, models.ReputationOnPaid*len(paidIDs)); err != nil {
			return fmt.Errorf("failed to credit user: %w", err)
		}

		result.Signature = signature
		result.ClaimedIDs = paidIDs
		result.TotalAmount = total
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func lockCampaignFunds(ctx context.Context, tx *sql.Tx, ids []int64) (map[int64]campaignFunds, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, remaining_budget, token_mint FROM campaigns
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to lock campaigns: %w", err)
	}
	defer rows.Close()

	funds := make(map[int64]campaignFunds, len(ids))
	for rows.Next() {
		var id int64
		var f campaignFunds
		if err := rows.Scan(&id, &f.remaining, &f.mint); err != nil {
			return nil, fmt.Errorf("failed to scan campaign: %w", err)
		}
		funds[id] = f
	}
	return funds, rows.Err()
}

func (r *postgresRepository) MarkExecutionsFailed(ctx context.Context, ids []int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE executions SET status = 'failed', tx_signature = '', updated_at = $2
		WHERE id = ANY($1) AND status <> 'paid'`, pq.Array(ids), at)
	if err != nil {
		return fmt.Errorf("failed to mark executions failed: %w", err)
	}
	return nil
}

func (r *postgresRepository) MarkExecutionsSubmitted(ctx context.Context, ids []int64, signature string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE executions SET status = 'submitted', tx_signature = $2, updated_at = $3
		WHERE id = ANY($1) AND status <> 'paid'`, pq.Array(ids), signature, at)
	if err != nil {
		return fmt.Errorf("failed to mark executions submitted: %w", err)
	}
	return nil
}

func (r *postgresRepository) CountExecutionsSince(ctx context.Context, since time.Time) (models.ExecutionCounts, error) {
	var c models.ExecutionCounts
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE status = 'failed')
		FROM executions WHERE created_at >= $1`, since).Scan(&c.Total, &c.Failed)
	if err != nil {
		return c, fmt.Errorf("failed to count executions: %w", err)
	}
	return c, nil
}

func (r *postgresRepository) WeeklyPoints(ctx context.Context, since time.Time) ([]models.UserPoints, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT u.id, u.wallet_address, COUNT(e.id) AS verified, u.created_at
		FROM executions e
		JOIN users u ON u.id = e.user_id
		WHERE e.status = 'verified' AND e.created_at >= $1
		GROUP BY u.id, u.wallet_address, u.created_at
		ORDER BY verified DESC, u.created_at ASC, u.id ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to rank users: %w", err)
	}
	defer rows.Close()

	out := make([]models.UserPoints, 0)
	for rows.Next() {
		var p models.UserPoints
		if err := rows.Scan(&p.UserID, &p.WalletAddress, &p.Verified, &p.UserCreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ranking: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *postgresRepository) GetHolderState(ctx context.Context, userID, campaignID int64) (*models.HolderState, error) {
	var h models.HolderState
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, campaign_id, hold_start_at, claimed, created_at
		FROM holder_states WHERE user_id = $1 AND campaign_id = $2`, userID, campaignID,
	).Scan(&h.ID, &h.UserID, &h.CampaignID, &h.HoldStartAt, &h.Claimed, &h.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &h, nil
}

func (r *postgresRepository) StartHolding(ctx context.Context, userID, campaignID int64, at time.Time) (*models.HolderState, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO holder_states (user_id, campaign_id, hold_start_at, created_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (user_id, campaign_id) DO NOTHING`, userID, campaignID, at)
	if err != nil {
		return nil, fmt.Errorf("failed to start holding: %w", err)
	}
	return r.GetHolderState(ctx, userID, campaignID)
}

func (r *postgresRepository) ClaimHolderReward(ctx context.Context, stateID int64, ne models.NewExecution) (*models.Execution, error) {
	var out *models.Execution
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		var userID, campaignID int64
		var claimed bool
		err := tx.QueryRowContext(ctx,
			`SELECT user_id, campaign_id, claimed FROM holder_states WHERE id = $1 FOR UPDATE`, stateID,
		).Scan(&userID, &campaignID, &claimed)
		if err != nil {
			return notFound(err)
		}
		if claimed {
			return repository.ErrAlreadyClaimed
		}

		var maxClaims int
		if err := tx.QueryRowContext(ctx,
			`SELECT max_claims FROM campaigns WHERE id = $1 FOR UPDATE`, campaignID).Scan(&maxClaims); err != nil {
			return notFound(err)
		}
		if maxClaims > 0 {
			var claims int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM executions WHERE campaign_id = $1 AND status <> 'rejected'`, campaignID,
			).Scan(&claims); err != nil {
				return fmt.Errorf("failed to count claims: %w", err)
			}
			if claims >= maxClaims {
				return repository.ErrClaimsExhausted
			}
		}

		ne.ActionID = nil
		ne.UserID = userID
		ne.CampaignID = campaignID
		ne.Status = models.ExecutionVerified
		exec, err := insertExecution(ctx, tx, ne)
		if err != nil {
			return err
		}
		if err := addReputation(ctx, tx, userID, models.ReputationOnVerified); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE holder_states SET claimed = TRUE WHERE id = $1`, stateID); err != nil {
			return fmt.Errorf("failed to mark holder state claimed: %w", err)
		}
		out = exec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
