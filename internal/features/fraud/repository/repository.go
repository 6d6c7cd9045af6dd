package repository

import "context"

// Tracker records which wallets were seen behind each client IP.
type Tracker interface {
	// Record adds wallet to the set of ip and returns the set size.
	Record(ctx context.Context, ip, wallet string) (int, error)
	WalletsByIP(ctx context.Context, ip string) ([]string, error)
	Flag(ctx context.Context, wallets ...string) error
	Flagged(ctx context.Context) ([]string, error)
}
