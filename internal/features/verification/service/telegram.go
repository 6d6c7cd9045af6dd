package service

import (
	"fmt"
	"time"

	initdata "github.com/telegram-mini-apps/init-data-golang"
)

// TelegramIdentity is the Telegram account proven by signed Mini App init data.
type TelegramIdentity struct {
	ID       int64
	Username string
}

type TelegramVerifier interface {
	Verify(initData string) (TelegramIdentity, error)
}

// InitDataVerifier checks init data signatures with the bot token.
type InitDataVerifier struct {
	botToken string
	ttl      time.Duration
}

func NewInitDataVerifier(botToken string, ttl time.Duration) *InitDataVerifier {
	return &InitDataVerifier{botToken: botToken, ttl: ttl}
}

func (v *InitDataVerifier) Verify(raw string) (TelegramIdentity, error) {
	if err := initdata.Validate(raw, v.botToken, v.ttl); err != nil {
		return TelegramIdentity{}, fmt.Errorf("invalid telegram init data: %w", err)
	}
	parsed, err := initdata.Parse(raw)
	if err != nil {
		return TelegramIdentity{}, fmt.Errorf("failed to parse telegram init data: %w", err)
	}
	if parsed.User.ID == 0 {
		return TelegramIdentity{}, fmt.Errorf("telegram init data carries no user")
	}
	return TelegramIdentity{ID: parsed.User.ID, Username: parsed.User.Username}, nil
}
