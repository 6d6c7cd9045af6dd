package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type APIStatus string

const (
	APIStatusOperational APIStatus = "operational"
	APIStatusDegraded    APIStatus = "degraded"
	APIStatusDown        APIStatus = "down"
)

// SystemSettings is the process-wide singleton of feature toggles and fee split.
type SystemSettings struct {
	CampaignsEnabled           bool            `json:"campaignsEnabled"`
	HolderQualificationEnabled bool            `json:"holderQualificationEnabled"`
	SocialEngagementEnabled    bool            `json:"socialEngagementEnabled"`
	CreationFee                decimal.Decimal `json:"creationFee"`
	BurnPercent                decimal.Decimal `json:"burnPercent"`
	RewardsPercent             decimal.Decimal `json:"rewardsPercent"`
	SystemPercent              decimal.Decimal `json:"systemPercent"`
	TwitterAPIStatus           APIStatus       `json:"twitterApiStatus"`
	TelegramAPIStatus          APIStatus       `json:"telegramApiStatus"`
	UpdatedAt                  time.Time       `json:"updatedAt"`
}

// DefaultSettings is what a first read creates.
func DefaultSettings() SystemSettings {
	return SystemSettings{
		CampaignsEnabled:           true,
		HolderQualificationEnabled: true,
		SocialEngagementEnabled:    true,
		CreationFee:                decimal.RequireFromString("0.5"),
		BurnPercent:                decimal.NewFromInt(40),
		RewardsPercent:             decimal.NewFromInt(50),
		SystemPercent:              decimal.NewFromInt(10),
		TwitterAPIStatus:           APIStatusOperational,
		TelegramAPIStatus:          APIStatusOperational,
	}
}

// ErrorLog is a persisted operational error, read by the health monitor.
type ErrorLog struct {
	ID        int64     `json:"id"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
