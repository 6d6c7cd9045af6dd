package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type RoundStatus string

const (
	RoundProcessing RoundStatus = "processing"
	RoundCompleted  RoundStatus = "completed"
	RoundFailed     RoundStatus = "failed"
)

type WinnerStatus string

const (
	WinnerPending WinnerStatus = "pending"
	WinnerPaid    WinnerStatus = "paid"
	WinnerFailed  WinnerStatus = "failed"
)

// Winner is one ranked payout entry of a round.
type Winner struct {
	RoundID       int64           `json:"roundId"`
	Rank          int             `json:"rank"`
	UserID        int64           `json:"userId"`
	WalletAddress string          `json:"walletAddress"`
	Points        int             `json:"points"`
	PrizeAmount   decimal.Decimal `json:"prizeAmount"`
	Status        WinnerStatus    `json:"status"`
	TxSignature   string          `json:"transactionSignature,omitempty"`
	ErrorMessage  string          `json:"errorMessage,omitempty"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt *time.Time      `json:"nextAttemptAt,omitempty"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

func (w *Winner) Paid() bool {
	return w.Status == WinnerPaid
}

// PrizeRound is one weekly settlement round.
type PrizeRound struct {
	ID             int64           `json:"id"`
	WeekNumber     int             `json:"weekNumber"`
	StartDate      time.Time       `json:"startDate"`
	EndDate        time.Time       `json:"endDate"`
	TotalPrizePool decimal.Decimal `json:"totalPrizePool"`
	Status         RoundStatus     `json:"status"`
	Winners        []Winner        `json:"winners"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// AllPaid reports whether every winner entry is paid. A round without winners is trivially paid.
func (r *PrizeRound) AllPaid() bool {
	for i := range r.Winners {
		if !r.Winners[i].Paid() {
			return false
		}
	}
	return true
}

// StuckWinner is a winner that exhausted its automatic retries.
type StuckWinner struct {
	RoundID    int64  `json:"roundId"`
	WeekNumber int    `json:"weekNumber"`
	Winner     Winner `json:"winner"`
}
