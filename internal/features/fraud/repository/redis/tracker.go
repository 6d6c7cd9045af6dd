package redis

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefixIP = "fraud:ip:"
	keyFlagged  = "fraud:flagged"
)

type Tracker struct {
	client redis.Cmdable
}

func NewTracker(client redis.Cmdable) *Tracker {
	return &Tracker{client: client}
}

func makeIPKey(ip string) string {
	return keyPrefixIP + ip
}

func (t *Tracker) Record(ctx context.Context, ip, wallet string) (int, error) {
	var card *redis.IntCmd
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, makeIPKey(ip), wallet)
		card = pipe.SCard(ctx, makeIPKey(ip))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to record ip wallet: %w", err)
	}
	return int(card.Val()), nil
}

func (t *Tracker) WalletsByIP(ctx context.Context, ip string) ([]string, error) {
	wallets, err := t.client.SMembers(ctx, makeIPKey(ip)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read ip wallets: %w", err)
	}
	sort.Strings(wallets)
	return wallets, nil
}

func (t *Tracker) Flag(ctx context.Context, wallets ...string) error {
	if len(wallets) == 0 {
		return nil
	}
	members := make([]interface{}, len(wallets))
	for i, w := range wallets {
		members[i] = w
	}
	return t.client.SAdd(ctx, keyFlagged, members...).Err()
}

func (t *Tracker) Flagged(ctx context.Context) ([]string, error) {
	wallets, err := t.client.SMembers(ctx, keyFlagged).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read flagged wallets: %w", err)
	}
	sort.Strings(wallets)
	return wallets, nil
}
