package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type UserRole string

const (
	UserRoleUser       UserRole = "user"
	UserRoleAdvertiser UserRole = "advertiser"
	UserRoleAdmin      UserRole = "admin"
)

type UserStatus string

const (
	UserStatusActive    UserStatus = "active"
	UserStatusSuspended UserStatus = "suspended"
	UserStatusBlocked   UserStatus = "blocked"
)

// Reputation deltas applied on execution transitions.
const (
	ReputationOnVerified = 5
	ReputationOnPaid     = 10
)

// User is keyed by wallet address. Balance only grows through paid executions.
type User struct {
	ID              int64           `json:"id"`
	WalletAddress   string          `json:"walletAddress"`
	Role            UserRole        `json:"role"`
	Status          UserStatus      `json:"status"`
	Balance         decimal.Decimal `json:"balance"`
	ReputationScore int             `json:"reputationScore"`
	TwitterHandle   string          `json:"twitterHandle,omitempty"`
	TelegramHandle  string          `json:"telegramHandle,omitempty"`
	// TelegramID is the account proven by signed init data. One Telegram
	// account links to at most one user.
	TelegramID    int64     `json:"telegramId,omitempty"`
	ReferrerID    *int64    `json:"referrerId,omitempty"`
	AcceptedTerms bool      `json:"acceptedTerms"`
	CreatedAt     time.Time `json:"createdAt"`
}

func (u *User) CanParticipate() bool {
	return u.Status == UserStatusActive
}

// AddReputation applies delta and floors the score at zero.
func (u *User) AddReputation(delta int) {
	u.ReputationScore += delta
	if u.ReputationScore < 0 {
		u.ReputationScore = 0
	}
}
