package memory

import (
	"context"
	"sort"
	"sync"
)

type Tracker struct {
	mu      sync.Mutex
	byIP    map[string]map[string]struct{}
	flagged map[string]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{
		byIP:    make(map[string]map[string]struct{}),
		flagged: make(map[string]struct{}),
	}
}

func (t *Tracker) Record(_ context.Context, ip, wallet string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.byIP[ip]
	if !ok {
		set = make(map[string]struct{})
		t.byIP[ip] = set
	}
	set[wallet] = struct{}{}
	return len(set), nil
}

func (t *Tracker) WalletsByIP(_ context.Context, ip string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sortedKeys(t.byIP[ip]), nil
}

func (t *Tracker) Flag(_ context.Context, wallets ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, w := range wallets {
		t.flagged[w] = struct{}{}
	}
	return nil
}

func (t *Tracker) Flagged(_ context.Context) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sortedKeys(t.flagged), nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
