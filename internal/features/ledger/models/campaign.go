package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type CampaignType string

const (
	CampaignTypeEngagement          CampaignType = "engagement"
	CampaignTypeHolderQualification CampaignType = "holder_qualification"
)

type CampaignStatus string

const (
	CampaignStatusActive    CampaignStatus = "active"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusCancelled CampaignStatus = "cancelled"
)

func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignStatusActive, CampaignStatusPaused, CampaignStatusCompleted, CampaignStatusCancelled:
		return true
	}
	return false
}

type HoldingThreshold struct {
	Days   int             `json:"days"`
	Amount decimal.Decimal `json:"amount"`
}

// Requirements are participation gates stored as one JSON document.
type Requirements struct {
	MinSolBalance      decimal.Decimal    `json:"minSolBalance"`
	MinWalletAgeDays   int                `json:"minWalletAgeDays,omitempty"`
	MinXFollowers      int                `json:"minXFollowers,omitempty"`
	MinXAccountAgeDays int                `json:"minXAccountAgeDays,omitempty"`
	MinXFollowDays     int                `json:"minXFollowDays,omitempty"`
	HoldingThresholds  []HoldingThreshold `json:"holdingThresholds,omitempty"`
}

// Value encodes as text so lib/pq sends it as JSON rather than bytea.
func (r Requirements) Value() (driver.Value, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (r *Requirements) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*r = Requirements{}
		return nil
	case []byte:
		return json.Unmarshal(v, r)
	case string:
		return json.Unmarshal([]byte(v), r)
	default:
		return fmt.Errorf("unsupported requirements type %T", src)
	}
}

type Campaign struct {
	ID              int64           `json:"id"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	TokenName       string          `json:"tokenName"`
	TokenMint       string          `json:"tokenMint"`
	Type            CampaignType    `json:"campaignType"`
	TotalBudget     decimal.Decimal `json:"totalBudget"`
	RemainingBudget decimal.Decimal `json:"remainingBudget"`
	CreatorID       int64           `json:"creatorId"`
	Status          CampaignStatus  `json:"status"`
	Requirements    Requirements    `json:"requirements"`

	// holder_qualification only
	MinHoldingAmount       decimal.Decimal `json:"minHoldingAmount"`
	MinHoldingDurationDays int             `json:"minHoldingDuration"`
	RewardPerWallet        decimal.Decimal `json:"rewardPerWallet"`
	MaxClaims              int             `json:"maxClaims"`

	EscrowWallet     string          `json:"escrowWallet,omitempty"`
	FundingSignature string          `json:"fundingSignature,omitempty"`
	CreationFeePaid  bool            `json:"creationFeePaid"`
	GasBudgetSOL     decimal.Decimal `json:"gasBudgetSol"`
	InitialMarketCap decimal.Decimal `json:"initialMarketCap"`
	CurrentMarketCap decimal.Decimal `json:"currentMarketCap"`
	CreatedAt        time.Time       `json:"createdAt"`
}

func (c *Campaign) IsActive() bool {
	return c.Status == CampaignStatusActive
}
