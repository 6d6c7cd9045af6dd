package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type ExecutionStatus string

const (
	ExecutionPending  ExecutionStatus = "pending"
	ExecutionVerified ExecutionStatus = "verified"
	ExecutionPaid     ExecutionStatus = "paid"
	ExecutionRejected ExecutionStatus = "rejected"
	ExecutionFailed   ExecutionStatus = "failed"
	// ExecutionSubmitted carries the signature of a transfer whose outcome is
	// not recorded yet. It is resolved against the chain before any resend.
	ExecutionSubmitted ExecutionStatus = "submitted"
)

// Claimable reports whether a claim batch may move the execution to paid.
// Failed executions stay claimable: the failure was on the transfer, not the task.
func (s ExecutionStatus) Claimable() bool {
	return s == ExecutionVerified || s == ExecutionFailed
}

// Settleable reports whether SettleExecutions may pick the execution up.
// Submitted rows are only passed in once their transfer is known to have landed.
func (s ExecutionStatus) Settleable() bool {
	return s.Claimable() || s == ExecutionSubmitted
}

// Execution is one user's claim against an action, or a synthetic per-campaign
// claim for holder campaigns (ActionID nil).
type Execution struct {
	ID           int64           `json:"id"`
	ActionID     *int64          `json:"actionId,omitempty"`
	CampaignID   int64           `json:"campaignId"`
	UserID       int64           `json:"userId"`
	Status       ExecutionStatus `json:"status"`
	RewardAmount decimal.Decimal `json:"rewardAmount"`
	TxSignature  string          `json:"transactionSignature,omitempty"`
	Proof        string          `json:"proof,omitempty"`
	Withdrawn    bool            `json:"withdrawn"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// NewExecution is the input for recording a freshly accepted claim.
type NewExecution struct {
	ActionID     *int64
	CampaignID   int64
	UserID       int64
	Status       ExecutionStatus
	RewardAmount decimal.Decimal
	Proof        string
	CreatedAt    time.Time
}

// PayoutLeg is the amount of one token owed to one recipient.
type PayoutLeg struct {
	Mint   string
	Amount decimal.Decimal
}

// SumLegs merges legs of the same mint, keeping first-seen order.
func SumLegs(legs []PayoutLeg) []PayoutLeg {
	index := make(map[string]int, len(legs))
	out := make([]PayoutLeg, 0, len(legs))
	for _, l := range legs {
		i, ok := index[l.Mint]
		if !ok {
			index[l.Mint] = len(out)
			out = append(out, l)
			continue
		}
		out[i].Amount = out[i].Amount.Add(l.Amount)
	}
	return out
}

// PayFunc performs the on-chain transfer of a settlement and returns its
// signature. ids are the executions the legs pay for.
type PayFunc func(ids []int64, legs []PayoutLeg) (string, error)

// Settlement is the outcome of moving a set of executions to paid.
type Settlement struct {
	Signature   string
	ClaimedIDs  []int64
	TotalAmount decimal.Decimal
}

// ExecutionCounts summarizes executions created in a window.
type ExecutionCounts struct {
	Total  int
	Failed int
}

// UserPoints is one ranking row for the weekly competition.
type UserPoints struct {
	UserID        int64
	WalletAddress string
	Verified      int
	UserCreatedAt time.Time
}

const PointsPerVerifiedExecution = 10

func (p UserPoints) Points() int {
	return p.Verified * PointsPerVerifiedExecution
}
