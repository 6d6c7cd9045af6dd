package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ActionKind is the closed set of task kinds an engagement campaign can offer.
type ActionKind string

const (
	ActionWebsite        ActionKind = "website"
	ActionTwitterFollow  ActionKind = "twitter_follow"
	ActionTwitterRetweet ActionKind = "twitter_retweet"
	ActionTwitterLike    ActionKind = "twitter_like"
	ActionTelegramJoin   ActionKind = "telegram_join"
	ActionCustom         ActionKind = "custom"
)

// ActionKinds lists every kind, in a stable order.
var ActionKinds = []ActionKind{
	ActionWebsite,
	ActionTwitterFollow,
	ActionTwitterRetweet,
	ActionTwitterLike,
	ActionTelegramJoin,
	ActionCustom,
}

func ParseActionKind(s string) (ActionKind, error) {
	for _, k := range ActionKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown action type %q", s)
}

// Identity is the linked social account an action kind is verified through.
type Identity int

const (
	IdentityNone Identity = iota
	IdentityTwitter
	IdentityTelegram
)

func (i Identity) String() string {
	switch i {
	case IdentityTwitter:
		return "twitter"
	case IdentityTelegram:
		return "telegram"
	default:
		return "none"
	}
}

// Identity reports which linked identity the kind relies on. Kinds outside
// ActionKinds, e.g. rows written by other tools, return an error.
func (k ActionKind) Identity() (Identity, error) {
	switch k {
	case ActionTwitterFollow, ActionTwitterRetweet, ActionTwitterLike:
		return IdentityTwitter, nil
	case ActionTelegramJoin:
		return IdentityTelegram, nil
	case ActionWebsite, ActionCustom:
		return IdentityNone, nil
	}
	return IdentityNone, fmt.Errorf("unknown action type %q", string(k))
}

type Action struct {
	ID                int64           `json:"id"`
	CampaignID        int64           `json:"campaignId"`
	Kind              ActionKind      `json:"type"`
	Title             string          `json:"title"`
	TargetURL         string          `json:"targetUrl"`
	RewardAmount      decimal.Decimal `json:"rewardAmount"`
	MaxExecutions     int             `json:"maxExecutions"`
	CurrentExecutions int             `json:"currentExecutions"`
}

func (a *Action) Exhausted() bool {
	return a.MaxExecutions > 0 && a.CurrentExecutions >= a.MaxExecutions
}
