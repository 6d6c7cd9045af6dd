package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "actionpay-backend/internal/common/errors"
	"actionpay-backend/internal/features/ledger/models"
	"actionpay-backend/internal/features/ledger/repository/memory"
	settingssvc "actionpay-backend/internal/features/settings/service"
	"actionpay-backend/internal/platform/redis"
	"actionpay-backend/internal/platform/solana"
)

type fakePayer struct {
	mu          sync.Mutex
	fail        map[string]error
	unconfirmed map[string]bool
	statuses    map[string]solana.TxStatus
	paid        []string
	calls       int
}

func (p *fakePayer) Transfer(_ context.Context, to string, _ decimal.Decimal, _ string, _ solana.Signer) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if err := p.fail[to]; err != nil {
		return "", err
	}
	sig := fmt.Sprintf("sig-%d", p.calls)
	if p.unconfirmed[to] {
		return "", &solana.UnconfirmedError{Signature: sig, Err: errors.New("confirmation timeout")}
	}
	p.paid = append(p.paid, to)
	return sig, nil
}

func (p *fakePayer) SignatureStatus(_ context.Context, signature string) (solana.TxStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if status, ok := p.statuses[signature]; ok {
		return status, nil
	}
	return solana.TxUnknown, nil
}

type fixture struct {
	svc      *Service
	store    *memory.Store
	payer    *fakePayer
	settings *settingssvc.Service
	locker   *redis.LocalLocker
	now      time.Time
	users    []*models.User
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		store:  memory.New(),
		payer:  &fakePayer{fail: map[string]error{}, unconfirmed: map[string]bool{}, statuses: map[string]solana.TxStatus{}},
		locker: redis.NewLocalLocker(),
		now:    time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.store.SetClock(clock)
	f.settings = settingssvc.NewService(f.store, nil, zerolog.Nop())
	f.svc = NewService(cfg, f.store, f.payer, f.settings, f.locker, zerolog.Nop(), WithClock(clock))
	return f
}

func signingKey(t *testing.T) string {
	t.Helper()
	key, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)
	return key.String()
}

func defaultConfig(t *testing.T) Config {
	return Config{
		SigningKey:     signingKey(t),
		MaxAttempts:    3,
		RetryBaseDelay: 30 * time.Minute,
		RetryMaxDelay:  24 * time.Hour,
	}
}

func (f *fixture) campaigns(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, f.store.CreateCampaign(context.Background(), &models.Campaign{
			Title:           fmt.Sprintf("c%d", i),
			Type:            models.CampaignTypeEngagement,
			Status:          models.CampaignStatusActive,
			CreationFeePaid: true,
		}))
	}
}

// rank creates one user per entry with that many verified executions.
// Users are created one minute apart, in order.
func (f *fixture) rank(t *testing.T, wallets []string, verified []int) {
	t.Helper()
	ctx := context.Background()
	for i, n := range verified {
		wallet := solanago.NewWallet().PublicKey().String()
		if i < len(wallets) && wallets[i] != "" {
			wallet = wallets[i]
		}
		u := &models.User{WalletAddress: wallet, CreatedAt: f.now.Add(-time.Hour + time.Duration(i)*time.Minute)}
		require.NoError(t, f.store.CreateUser(ctx, u))
		for j := 0; j < n; j++ {
			_, err := f.store.RecordExecution(ctx, models.NewExecution{
				CampaignID:   1,
				UserID:       u.ID,
				Status:       models.ExecutionVerified,
				RewardAmount: decimal.NewFromInt(1),
				CreatedAt:    f.now.Add(-time.Duration(j+1) * time.Hour),
			})
			require.NoError(t, err)
		}
		f.users = append(f.users, u)
	}
}

func TestCloseWeekBootstrapRequiresFeePaidCampaign(t *testing.T) {
	f := newFixture(t, defaultConfig(t))
	ctx := context.Background()

	round, err := f.svc.CloseWeekIfDue(ctx)
	require.NoError(t, err)
	assert.Nil(t, round)

	f.campaigns(t, 2)
	f.rank(t, nil, []int{3, 2, 2, 1})

	round, err = f.svc.CloseWeekIfDue(ctx)
	require.NoError(t, err)
	require.NotNil(t, round)

	assert.Equal(t, 1, round.WeekNumber)
	assert.Equal(t, f.now, round.StartDate)
	assert.Equal(t, time.Date(2024, 3, 10, 23, 59, 59, 999000000, time.UTC), round.EndDate)
	assert.Equal(t, "0.5", round.TotalPrizePool.String())
	assert.Equal(t, models.RoundCompleted, round.Status)

	require.Len(t, round.Winners, 3)
	amounts := []string{"0.25", "0.15", "0.1"}
	for i, w := range round.Winners {
		assert.Equal(t, i+1, w.Rank)
		assert.Equal(t, f.users[i].ID, w.UserID, "ties go to the earlier account")
		assert.Equal(t, amounts[i], w.PrizeAmount.String())
		assert.Equal(t, models.WinnerPaid, w.Status)
		assert.NotEmpty(t, w.TxSignature)
	}
	assert.Equal(t, 30, round.Winners[0].Points)

	stored, err := f.store.GetRound(ctx, round.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundCompleted, stored.Status)
	assert.True(t, stored.AllPaid())
}

func TestCloseWeekOnlyWhenDue(t *testing.T) {
	f := newFixture(t, defaultConfig(t))
	ctx := context.Background()
	f.campaigns(t, 1)
	f.rank(t, nil, []int{1})

	first, err := f.svc.CloseWeekIfDue(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)

	f.now = f.now.Add(3 * 24 * time.Hour)
	none, err := f.svc.CloseWeekIfDue(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	f.now = first.EndDate.Add(time.Minute)
	second, err := f.svc.CloseWeekIfDue(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, 2, second.WeekNumber)
	assert.Equal(t, first.EndDate.Add(time.Millisecond), second.StartDate)
	assert.True(t, second.EndDate.After(second.StartDate))
}

func TestCloseWeekAfterDowntimeOpensOneRound(t *testing.T) {
	f := newFixture(t, defaultConfig(t))
	ctx := context.Background()
	f.campaigns(t, 1)
	a := solanago.NewWallet().PublicKey().String()
	f.rank(t, []string{a}, []int{1})

	first, err := f.svc.CloseWeekIfDue(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)

	f.now = f.now.Add(21 * 24 * time.Hour)
	b := solanago.NewWallet().PublicKey().String()
	f.rank(t, []string{b}, []int{2})

	catchUp, err := f.svc.CloseWeekIfDue(ctx)
	require.NoError(t, err)
	require.NotNil(t, catchUp)
	assert.Equal(t, 2, catchUp.WeekNumber)
	assert.Equal(t, time.Date(2024, 3, 25, 0, 0, 0, 0, time.UTC), catchUp.StartDate)
	assert.True(t, catchUp.EndDate.After(f.now))

	for i := 0; i < 12; i++ {
		f.now = f.now.Add(10 * time.Minute)
		round, err := f.svc.CloseWeekIfDue(ctx)
		require.NoError(t, err)
		assert.Nil(t, round)
	}

	rounds, err := f.svc.ListRounds(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, rounds, 2)
	assert.Equal(t, []string{a, b}, f.payer.paid)
}

func TestNextStart(t *testing.T) {
	end := time.Date(2024, 3, 10, 23, 59, 59, 999000000, time.UTC)

	start, skipped := nextStart(end, end.Add(time.Hour))
	assert.Equal(t, end.Add(time.Millisecond), start)
	assert.Zero(t, skipped)

	start, skipped = nextStart(end, end.Add(15*24*time.Hour))
	assert.Equal(t, time.Date(2024, 3, 25, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, 2, skipped)
}

func TestCloseWeekDebounce(t *testing.T) {
	f := newFixture(t, defaultConfig(t))
	ctx := context.Background()
	f.campaigns(t, 1)

	require.NoError(t, f.store.CreateRound(ctx, &models.PrizeRound{
		WeekNumber: 4,
		StartDate:  f.now.Add(-7 * 24 * time.Hour),
		EndDate:    f.now.Add(-time.Second),
		Status:     models.RoundCompleted,
		CreatedAt:  f.now.Add(-2 * time.Minute),
	}))

	round, err := f.svc.CloseWeekIfDue(ctx)
	require.NoError(t, err)
	assert.Nil(t, round)

	f.now = f.now.Add(5 * time.Minute)
	round, err = f.svc.CloseWeekIfDue(ctx)
	require.NoError(t, err)
	require.NotNil(t, round)
	assert.Equal(t, 5, round.WeekNumber)
}

func TestCloseWeekSkipsWhileLeaderLockIsHeld(t *testing.T) {
	f := newFixture(t, defaultConfig(t))
	ctx := context.Background()
	f.campaigns(t, 1)

	release, ok, err := f.locker.TryLock(ctx, leaderKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	round, err := f.svc.CloseWeekIfDue(ctx)
	require.NoError(t, err)
	assert.Nil(t, round)

	release()
	round, err = f.svc.CloseWeekIfDue(ctx)
	require.NoError(t, err)
	assert.NotNil(t, round)
}

func TestEmptyRoundsCompleteWithoutWinners(t *testing.T) {
	f := newFixture(t, defaultConfig(t))
	ctx := context.Background()
	f.campaigns(t, 1)

	round, err := f.svc.CloseWeekIfDue(ctx)
	require.NoError(t, err)
	require.NotNil(t, round)
	assert.Equal(t, models.RoundCompleted, round.Status)
	assert.Empty(t, round.Winners)

	zero := decimal.Zero
	fifty := decimal.NewFromInt(50)
	_, err = f.settings.Update(ctx, settingssvc.Patch{BurnPercent: &fifty, RewardsPercent: &zero, SystemPercent: &fifty})
	require.NoError(t, err)
	f.rank(t, nil, []int{2})
	f.now = round.EndDate.Add(time.Hour)

	round, err = f.svc.CloseWeekIfDue(ctx)
	require.NoError(t, err)
	require.NotNil(t, round)
	assert.True(t, round.TotalPrizePool.IsZero())
	assert.Empty(t, round.Winners)
	assert.Zero(t, f.payer.calls)
}

func TestPartialFailureIsIsolatedAndRetried(t *testing.T) {
	f := newFixture(t, defaultConfig(t))
	ctx := context.Background()
	f.campaigns(t, 1)
	bad := solanago.NewWallet().PublicKey().String()
	f.payer.fail[bad] = errors.New("rpc node behind, blockhash not found")
	f.rank(t, []string{"", bad, ""}, []int{3, 2, 1})

	round, err := f.svc.CloseWeekIfDue(ctx)
	require.NoError(t, err)
	require.NotNil(t, round)
	assert.Equal(t, models.RoundFailed, round.Status)
	assert.Equal(t, models.WinnerPaid, round.Winners[0].Status)
	assert.Equal(t, models.WinnerFailed, round.Winners[1].Status)
	assert.Equal(t, models.WinnerPaid, round.Winners[2].Status)
	assert.Contains(t, round.Winners[1].ErrorMessage, "blockhash")
	assert.Equal(t, 1, round.Winners[1].Attempts)
	require.NotNil(t, round.Winners[1].NextAttemptAt)
	assert.Equal(t, f.now.Add(30*time.Minute), *round.Winners[1].NextAttemptAt)

	logs, err := f.store.ListErrorLogsSince(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "settlement", logs[0].Source)

	f.payer.fail = map[string]error{}
	f.now = f.now.Add(10 * time.Minute)
	n, err := f.svc.RetryFailedRounds(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "the next attempt is not due yet")

	f.now = f.now.Add(25 * time.Minute)
	n, err = f.svc.RetryFailedRounds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := f.store.GetRound(ctx, round.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundCompleted, stored.Status)
	assert.True(t, stored.AllPaid())
	assert.Equal(t, 4, f.payer.calls, "paid winners are never paid again")

	n, err = f.svc.RetryFailedRounds(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUnconfirmedPrizeIsLookedUpBeforeResend(t *testing.T) {
	tests := []struct {
		name      string
		status    solana.TxStatus
		calls     int
		want      models.WinnerStatus
		signature string
	}{
		{"landed is recorded without a transfer", solana.TxLanded, 1, models.WinnerPaid, "sig-1"},
		{"still pending waits", solana.TxPending, 1, models.WinnerFailed, "sig-1"},
		{"failed on chain is resent", solana.TxFailed, 2, models.WinnerPaid, "sig-2"},
		{"expired unseen is resent", solana.TxUnknown, 2, models.WinnerPaid, "sig-2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, defaultConfig(t))
			ctx := context.Background()
			f.campaigns(t, 1)
			winner := solanago.NewWallet().PublicKey().String()
			f.payer.unconfirmed[winner] = true
			f.rank(t, []string{winner}, []int{2})

			round, err := f.svc.CloseWeekIfDue(ctx)
			require.NoError(t, err)
			require.NotNil(t, round)
			require.Equal(t, models.WinnerFailed, round.Winners[0].Status)
			require.Equal(t, "sig-1", round.Winners[0].TxSignature)

			f.payer.unconfirmed = map[string]bool{}
			f.payer.statuses["sig-1"] = tt.status
			f.now = f.now.Add(31 * time.Minute)
			_, err = f.svc.RetryFailedRounds(ctx)
			require.NoError(t, err)

			stored, err := f.store.GetRound(ctx, round.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, stored.Winners[0].Status)
			assert.Equal(t, tt.signature, stored.Winners[0].TxSignature)
			assert.Equal(t, tt.calls, f.payer.calls)
		})
	}
}

func TestInvalidWinnerWalletFailsWithoutTransfer(t *testing.T) {
	f := newFixture(t, defaultConfig(t))
	ctx := context.Background()
	f.campaigns(t, 1)
	f.rank(t, []string{"not-a-wallet"}, []int{2, 1})

	round, err := f.svc.CloseWeekIfDue(ctx)
	require.NoError(t, err)
	require.NotNil(t, round)
	assert.Equal(t, models.WinnerFailed, round.Winners[0].Status)
	assert.Contains(t, round.Winners[0].ErrorMessage, "invalid winner wallet")
	assert.Equal(t, models.WinnerPaid, round.Winners[1].Status)
	assert.Equal(t, 1, f.payer.calls)
}

func TestMissingSigningKeyFailsEveryWinner(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.SigningKey = ""
	f := newFixture(t, cfg)
	ctx := context.Background()
	f.campaigns(t, 1)
	f.rank(t, nil, []int{2, 1})

	round, err := f.svc.CloseWeekIfDue(ctx)
	require.NoError(t, err)
	require.NotNil(t, round)
	assert.Equal(t, models.RoundFailed, round.Status)
	for _, w := range round.Winners {
		assert.Equal(t, models.WinnerFailed, w.Status)
		assert.Contains(t, w.ErrorMessage, "signing key")
	}
	assert.Zero(t, f.payer.calls)
}

func TestAttemptCapAndForceRetry(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.MaxAttempts = 2
	f := newFixture(t, cfg)
	ctx := context.Background()
	f.campaigns(t, 1)
	bad := solanago.NewWallet().PublicKey().String()
	f.payer.fail[bad] = errors.New("confirmation timeout after 1m0s")
	f.rank(t, []string{bad}, []int{1})

	round, err := f.svc.CloseWeekIfDue(ctx)
	require.NoError(t, err)
	require.NotNil(t, round)

	f.now = f.now.Add(time.Hour)
	n, err := f.svc.RetryFailedRounds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f.now = f.now.Add(48 * time.Hour)
	n, err = f.svc.RetryFailedRounds(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "winner is stuck after two attempts")

	stuck, err := f.svc.StuckWinners(ctx)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, round.ID, stuck[0].RoundID)
	assert.Equal(t, 2, stuck[0].Winner.Attempts)

	delete(f.payer.fail, bad)
	forced, err := f.svc.ForceRetry(ctx, round.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundCompleted, forced.Status)

	stuck, err = f.svc.StuckWinners(ctx)
	require.NoError(t, err)
	assert.Empty(t, stuck)

	_, err = f.svc.ForceRetry(ctx, 999)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeRoundNotFound))
}

func TestRetryDelay(t *testing.T) {
	s := NewService(Config{RetryBaseDelay: 30 * time.Minute, RetryMaxDelay: 24 * time.Hour}, nil, nil, nil, nil, zerolog.Nop())
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 30 * time.Minute},
		{2, time.Hour},
		{3, 2 * time.Hour},
		{6, 16 * time.Hour},
		{7, 24 * time.Hour},
		{60, 24 * time.Hour},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.retryDelay(tt.attempts), "attempts=%d", tt.attempts)
	}
}

func TestEndOfDay(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	got := endOfDay(time.Date(2024, 3, 10, 1, 0, 0, 0, loc))
	assert.Equal(t, time.Date(2024, 3, 9, 23, 59, 59, 999000000, time.UTC), got)
}
