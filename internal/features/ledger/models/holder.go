package models

import "time"

// HolderState tracks the holding clock of one user in one holder campaign.
type HolderState struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"userId"`
	CampaignID  int64     `json:"campaignId"`
	HoldStartAt time.Time `json:"holdStartTimestamp"`
	Claimed     bool      `json:"claimed"`
	CreatedAt   time.Time `json:"createdAt"`
}

// HeldFor returns the hold duration at now.
func (h *HolderState) HeldFor(now time.Time) time.Duration {
	d := now.Sub(h.HoldStartAt)
	if d < 0 {
		return 0
	}
	return d
}
