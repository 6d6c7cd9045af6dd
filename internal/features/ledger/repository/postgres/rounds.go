package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"actionpay-backend/internal/features/ledger/models"
	"actionpay-backend/internal/features/ledger/repository"
)

const roundColumns = `id, week_number, start_date, end_date, total_prize_pool, status, created_at, updated_at`

func scanRound(s scanner) (*models.PrizeRound, error) {
	var r models.PrizeRound
	if err := s.Scan(&r.ID, &r.WeekNumber, &r.StartDate, &r.EndDate, &r.TotalPrizePool,
		&r.Status, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Winners = []models.Winner{}
	return &r, nil
}

func (r *postgresRepository) queryRounds(ctx context.Context, q string, args ...interface{}) ([]models.PrizeRound, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rounds: %w", err)
	}
	rounds := make([]models.PrizeRound, 0)
	for rows.Next() {
		round, err := scanRound(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan round: %w", err)
		}
		rounds = append(rounds, *round)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.attachWinners(ctx, rounds); err != nil {
		return nil, err
	}
	return rounds, nil
}

func (r *postgresRepository) attachWinners(ctx context.Context, rounds []models.PrizeRound) error {
	if len(rounds) == 0 {
		return nil
	}
	ids := make([]int64, len(rounds))
	index := make(map[int64]int, len(rounds))
	for i := range rounds {
		ids[i] = rounds[i].ID
		index[rounds[i].ID] = i
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT round_id, rank, user_id, wallet_address, points, prize_amount, status,
			tx_signature, error_message, attempts, next_attempt_at, updated_at
		FROM prize_winners
		WHERE round_id = ANY($1)
		ORDER BY round_id, rank`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to query winners: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var w models.Winner
		var next sql.NullTime
		if err := rows.Scan(&w.RoundID, &w.Rank, &w.UserID, &w.WalletAddress, &w.Points, &w.PrizeAmount,
			&w.Status, &w.TxSignature, &w.ErrorMessage, &w.Attempts, &next, &w.UpdatedAt); err != nil {
			return fmt.Errorf("failed to scan winner: %w", err)
		}
		if next.Valid {
			t := next.Time
			w.NextAttemptAt = &t
		}
		i := index[w.RoundID]
		rounds[i].Winners = append(rounds[i].Winners, w)
	}
	return rows.Err()
}

func (r *postgresRepository) LatestRound(ctx context.Context) (*models.PrizeRound, error) {
	rounds, err := r.queryRounds(ctx, `SELECT `+roundColumns+` FROM prize_rounds ORDER BY week_number DESC LIMIT 1`)
	if err != nil {
		return nil, err
	}
	if len(rounds) == 0 {
		return nil, repository.ErrNotFound
	}
	return &rounds[0], nil
}

func (r *postgresRepository) GetRound(ctx context.Context, id int64) (*models.PrizeRound, error) {
	rounds, err := r.queryRounds(ctx, `SELECT `+roundColumns+` FROM prize_rounds WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(rounds) == 0 {
		return nil, repository.ErrNotFound
	}
	return &rounds[0], nil
}

func (r *postgresRepository) ListRounds(ctx context.Context, limit int) ([]models.PrizeRound, error) {
	if limit <= 0 {
		return r.queryRounds(ctx, `SELECT `+roundColumns+` FROM prize_rounds ORDER BY week_number DESC`)
	}
	return r.queryRounds(ctx, `SELECT `+roundColumns+` FROM prize_rounds ORDER BY week_number DESC LIMIT $1`, limit)
}

func (r *postgresRepository) ListRoundsByStatus(ctx context.Context, statuses ...models.RoundStatus) ([]models.PrizeRound, error) {
	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}
	return r.queryRounds(ctx, `
		SELECT `+roundColumns+` FROM prize_rounds
		WHERE status = ANY($1)
		ORDER BY week_number`, pq.Array(values))
}

func (r *postgresRepository) CreateRound(ctx context.Context, round *models.PrizeRound) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		// one round creator at a time
		if _, err := tx.ExecContext(ctx, `LOCK TABLE prize_rounds IN SHARE ROW EXCLUSIVE MODE`); err != nil {
			return fmt.Errorf("failed to lock rounds: %w", err)
		}

		var lastWeek int
		var lastEnd time.Time
		err := tx.QueryRowContext(ctx,
			`SELECT week_number, end_date FROM prize_rounds ORDER BY week_number DESC LIMIT 1`,
		).Scan(&lastWeek, &lastEnd)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("failed to read latest round: %w", err)
		default:
			if round.WeekNumber <= lastWeek || !round.StartDate.After(lastEnd) {
				return repository.ErrRoundOverlap
			}
		}

		created := round.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		err = tx.QueryRowContext(ctx, `
			INSERT INTO prize_rounds (week_number, start_date, end_date, total_prize_pool, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $6)
			RETURNING id, created_at, updated_at`,
			round.WeekNumber, round.StartDate, round.EndDate, round.TotalPrizePool, round.Status, created,
		).Scan(&round.ID, &round.CreatedAt, &round.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert round: %w", err)
		}

		for i := range round.Winners {
			w := &round.Winners[i]
			w.RoundID = round.ID
			w.UpdatedAt = round.CreatedAt
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO prize_winners (round_id, rank, user_id, wallet_address, points, prize_amount,
					status, tx_signature, error_message, attempts, next_attempt_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
				w.RoundID, w.Rank, w.UserID, w.WalletAddress, w.Points, w.PrizeAmount,
				w.Status, w.TxSignature, w.ErrorMessage, w.Attempts, w.NextAttemptAt, w.UpdatedAt,
			); err != nil {
				return fmt.Errorf("failed to insert winner %d: %w", w.Rank, err)
			}
		}
		return nil
	})
}

func (r *postgresRepository) UpdateWinner(ctx context.Context, w models.Winner) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE prize_winners
		SET status = $3, tx_signature = $4, error_message = $5, attempts = $6,
			next_attempt_at = $7, updated_at = $8
		WHERE round_id = $1 AND rank = $2`,
		w.RoundID, w.Rank, w.Status, w.TxSignature, w.ErrorMessage, w.Attempts, w.NextAttemptAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update winner: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *postgresRepository) SetRoundStatus(ctx context.Context, id int64, status models.RoundStatus, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE prize_rounds SET status = $2, updated_at = $3 WHERE id = $1`, id, status, at)
	if err != nil {
		return fmt.Errorf("failed to update round status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repository.ErrNotFound
	}
	return nil
}
