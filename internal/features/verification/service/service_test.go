package service

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	apperrors "actionpay-backend/internal/common/errors"
	"actionpay-backend/internal/features/ledger/models"
	"actionpay-backend/internal/features/ledger/repository"
	"actionpay-backend/internal/features/ledger/repository/memory"
	settingssvc "actionpay-backend/internal/features/settings/service"
	"actionpay-backend/internal/platform/redis"
	"actionpay-backend/internal/platform/solana"
)

type fakePayer struct {
	mu    sync.Mutex
	err   error
	calls [][]models.PayoutLeg
	// unconfirmed makes transfers time out after being sent
	unconfirmed bool
	statuses    map[string]solana.TxStatus
}

func (p *fakePayer) TransferBatch(_ context.Context, _ string, legs []models.PayoutLeg, _ solana.Signer) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, legs)
	if p.err != nil {
		return "", p.err
	}
	sig := "sig-" + string(rune('a'+len(p.calls)-1))
	if p.unconfirmed {
		return "", &solana.UnconfirmedError{Signature: sig, Err: errors.New("confirmation timeout")}
	}
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

func (p *fakePayer) setStatus(signature string, status solana.TxStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.statuses == nil {
		p.statuses = make(map[string]solana.TxStatus)
	}
	p.statuses[signature] = status
}

func (p *fakePayer) transfers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type fakeBalances struct {
	token  decimal.Decimal
	native decimal.Decimal
}

func (b *fakeBalances) TokenBalance(context.Context, string, string) (decimal.Decimal, error) {
	return b.token, nil
}

func (b *fakeBalances) NativeBalance(context.Context, string) (decimal.Decimal, error) {
	return b.native, nil
}

// fakeTelegram accepts any init data and proves the account named by its
// id parameter, 42 when absent.
type fakeTelegram struct{ ok bool }

func (f fakeTelegram) Verify(initData string) (TelegramIdentity, error) {
	if !f.ok {
		return TelegramIdentity{}, errors.New("bad signature")
	}
	id := int64(42)
	if values, err := url.ParseQuery(initData); err == nil && values.Get("id") != "" {
		parsed, err := strconv.ParseInt(values.Get("id"), 10, 64)
		if err != nil {
			return TelegramIdentity{}, err
		}
		id = parsed
	}
	return TelegramIdentity{ID: id, Username: "tg" + strconv.FormatInt(id, 10)}, nil
}

// lostCommitStore lets the transfer run and then fails the ledger write, as a
// dropped commit would.
type lostCommitStore struct {
	*memory.Store
	fail bool
}

func (s *lostCommitStore) SettleExecutions(ctx context.Context, userID int64, ids []int64, at time.Time, pay models.PayFunc) (*models.Settlement, error) {
	if !s.fail {
		return s.Store.SettleExecutions(ctx, userID, ids, at, pay)
	}
	_, err := s.Store.SettleExecutions(ctx, userID, ids, at, func(paying []int64, legs []models.PayoutLeg) (string, error) {
		if _, err := pay(paying, legs); err != nil {
			return "", err
		}
		return "", errors.New("failed to commit transaction: connection reset")
	})
	return nil, err
}

type env struct {
	key      string
	svc      *Service
	store    *memory.Store
	payer    *fakePayer
	balances *fakeBalances
	settings *settingssvc.Service
	locker   *redis.LocalLocker
	now      *time.Time
	campaign *models.Campaign
}

func wallet(t *testing.T) string {
	t.Helper()
	return solanago.NewWallet().PublicKey().String()
}

func newEnv(t *testing.T, policy Policy) *env {
	t.Helper()
	key, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	e := &env{
		key:      key.String(),
		store:    memory.New(),
		payer:    &fakePayer{},
		balances: &fakeBalances{token: decimal.NewFromInt(10), native: decimal.NewFromInt(1)},
		locker:   redis.NewLocalLocker(),
		now:      &now,
	}
	clock := func() time.Time { return *e.now }
	e.store.SetClock(clock)
	e.settings = settingssvc.NewService(e.store, nil, zerolog.Nop())
	e.build(policy, e.store)

	e.campaign = &models.Campaign{
		Title:           "Launch",
		TokenName:       "PAY",
		TokenMint:       "MintA",
		Type:            models.CampaignTypeEngagement,
		TotalBudget:     decimal.NewFromInt(10000),
		RemainingBudget: decimal.NewFromInt(10000),
		Status:          models.CampaignStatusActive,
		CreationFeePaid: true,
	}
	require.NoError(t, e.store.CreateCampaign(context.Background(), e.campaign))
	return e
}

// build wires the service over store, which must share state with e.store.
func (e *env) build(policy Policy, store repository.Store) {
	e.svc = NewService(
		Config{SigningKey: e.key, Policy: policy},
		store, e.payer, e.balances, e.settings, e.locker, zerolog.Nop(),
		WithClock(func() time.Time { return *e.now }),
		WithTelegramVerifier(fakeTelegram{ok: true}),
	)
}

func (e *env) user(t *testing.T, mutate func(*models.User)) *models.User {
	t.Helper()
	u := &models.User{WalletAddress: wallet(t)}
	if mutate != nil {
		mutate(u)
	}
	require.NoError(t, e.store.CreateUser(context.Background(), u))
	return u
}

func (e *env) action(t *testing.T, kind models.ActionKind, reward string, max, current int) *models.Action {
	t.Helper()
	a := &models.Action{
		CampaignID:        e.campaign.ID,
		Kind:              kind,
		Title:             string(kind),
		RewardAmount:      decimal.RequireFromString(reward),
		MaxExecutions:     max,
		CurrentExecutions: current,
	}
	require.NoError(t, e.store.CreateAction(context.Background(), a))
	return a
}

func TestWebsiteActionIsPaidImmediately(t *testing.T) {
	e := newEnv(t, DefaultPolicy())
	ctx := context.Background()
	u := e.user(t, nil)
	a := e.action(t, models.ActionWebsite, "5", 0, 0)

	res, err := e.svc.SubmitAction(ctx, u.WalletAddress, a.ID, "")
	require.NoError(t, err)
	require.Equal(t, ActionPaid, res.Status)
	require.Equal(t, "sig-a", res.TxSignature)

	got, err := e.store.GetUser(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, "5", got.Balance.String())
	require.Equal(t, models.ReputationOnVerified+models.ReputationOnPaid, got.ReputationScore)

	c, err := e.store.GetCampaign(ctx, e.campaign.ID)
	require.NoError(t, err)
	require.Equal(t, "9995", c.RemainingBudget.String())
}

func TestWebsitePayoutFailureStaysClaimable(t *testing.T) {
	e := newEnv(t, DefaultPolicy())
	ctx := context.Background()
	u := e.user(t, nil)
	a := e.action(t, models.ActionWebsite, "5", 0, 0)
	e.payer.err = errors.New("rpc node unavailable")

	res, err := e.svc.SubmitAction(ctx, u.WalletAddress, a.ID, "")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, ActionVerified, res.Status)

	exec, err := e.store.GetExecution(ctx, *res.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionFailed, exec.Status)

	logs, err := e.store.ListErrorLogsSince(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, logs, 1)

	e.payer.err = nil
	claim, err := e.svc.ClaimBatch(ctx, u.WalletAddress, []int64{exec.ID})
	require.NoError(t, err)
	require.Equal(t, []int64{exec.ID}, claim.ClaimedIDs)
}

func TestTwitterActionResolution(t *testing.T) {
	e := newEnv(t, DefaultPolicy())
	ctx := context.Background()
	a := e.action(t, models.ActionTwitterFollow, "1", 0, 0)

	linked := e.user(t, func(u *models.User) { u.TwitterHandle = "@alice" })
	res, err := e.svc.SubmitAction(ctx, linked.WalletAddress, a.ID, "")
	require.NoError(t, err)
	require.Equal(t, ActionVerified, res.Status)

	bare := e.user(t, nil)
	res, err = e.svc.SubmitAction(ctx, bare.WalletAddress, a.ID, "")
	require.NoError(t, err)
	require.Equal(t, ActionRejected, res.Status)
	require.Equal(t, "twitter", res.RequiresLink)

	res, err = e.svc.SubmitAction(ctx, bare.WalletAddress, a.ID, `{"text":"abc"}`)
	require.NoError(t, err)
	require.Equal(t, ActionRejected, res.Status, "three characters is too short")

	res, err = e.svc.SubmitAction(ctx, bare.WalletAddress, a.ID, `{"text":"done"}`)
	require.NoError(t, err)
	require.Equal(t, ActionVerified, res.Status)

	res, err = e.svc.SubmitAction(ctx, bare.WalletAddress, a.ID, `{"text":"again"}`)
	require.NoError(t, err)
	require.Equal(t, ActionRejected, res.Status)
	require.Contains(t, res.Message, "already completed")

	res, err = e.svc.SubmitAction(ctx, linked.WalletAddress, a.ID, `{not json`)
	require.NoError(t, err)
	require.Equal(t, ActionRejected, res.Status)
}

func TestTelegramInitDataCountsAsLinkedIdentity(t *testing.T) {
	e := newEnv(t, Policy{Actions: map[models.ActionKind]KindPolicy{
		models.ActionTelegramJoin: {Mode: TrustReject},
	}})
	ctx := context.Background()
	a := e.action(t, models.ActionTelegramJoin, "1", 0, 0)
	u := e.user(t, nil)

	res, err := e.svc.SubmitAction(ctx, u.WalletAddress, a.ID, `{"text":"joined the group"}`)
	require.NoError(t, err)
	require.Equal(t, ActionRejected, res.Status)
	require.Equal(t, "telegram", res.RequiresLink)

	res, err = e.svc.SubmitAction(ctx, u.WalletAddress, a.ID, `{"initData":"query_id=1&user=..."}`)
	require.NoError(t, err)
	require.Equal(t, ActionVerified, res.Status)
}

func TestTelegramAccountVouchesForOneWallet(t *testing.T) {
	e := newEnv(t, Policy{Actions: map[models.ActionKind]KindPolicy{
		models.ActionTelegramJoin: {Mode: TrustReject},
	}})
	ctx := context.Background()
	first := e.action(t, models.ActionTelegramJoin, "1", 0, 0)
	second := e.action(t, models.ActionTelegramJoin, "1", 0, 0)
	owner := e.user(t, nil)
	other := e.user(t, nil)

	res, err := e.svc.SubmitAction(ctx, owner.WalletAddress, first.ID, `{"initData":"id=7&hash=x"}`)
	require.NoError(t, err)
	require.Equal(t, ActionVerified, res.Status)

	got, err := e.store.GetUser(ctx, owner.ID)
	require.NoError(t, err)
	require.Equal(t, int64(7), got.TelegramID)
	require.Equal(t, "tg7", got.TelegramHandle)

	// the linked account carries the owner through later actions
	res, err = e.svc.SubmitAction(ctx, owner.WalletAddress, second.ID, "")
	require.NoError(t, err)
	require.Equal(t, ActionVerified, res.Status)

	// the same Telegram account proves nothing for another wallet
	res, err = e.svc.SubmitAction(ctx, other.WalletAddress, first.ID, `{"initData":"id=7&hash=x"}`)
	require.NoError(t, err)
	require.Equal(t, ActionRejected, res.Status)
	require.Equal(t, "telegram", res.RequiresLink)

	got, err = e.store.GetUser(ctx, other.ID)
	require.NoError(t, err)
	require.Zero(t, got.TelegramID)

	res, err = e.svc.SubmitAction(ctx, other.WalletAddress, first.ID, `{"initData":"id=8&hash=x"}`)
	require.NoError(t, err)
	require.Equal(t, ActionVerified, res.Status)
}

func TestUnknownActionKindIsRejected(t *testing.T) {
	e := newEnv(t, DefaultPolicy())
	ctx := context.Background()
	u := e.user(t, nil)
	a := e.action(t, models.ActionKind("discord_join"), "1", 0, 0)

	var res *ActionResult
	require.NotPanics(t, func() {
		var err error
		res, err = e.svc.SubmitAction(ctx, u.WalletAddress, a.ID, `{"text":"joined the server"}`)
		require.NoError(t, err)
	})
	require.Equal(t, ActionRejected, res.Status)
	require.Contains(t, res.Message, "discord_join")
	require.Empty(t, e.payer.calls)
}

func TestManualReviewPolicy(t *testing.T) {
	e := newEnv(t, Policy{Actions: map[models.ActionKind]KindPolicy{
		models.ActionCustom: {Mode: TrustManualReview, MinProofLength: 10},
	}})
	ctx := context.Background()
	a := e.action(t, models.ActionCustom, "2", 5, 0)
	u := e.user(t, nil)

	res, err := e.svc.SubmitAction(ctx, u.WalletAddress, a.ID, `{"text":"short"}`)
	require.NoError(t, err)
	require.Equal(t, ActionRejected, res.Status)

	res, err = e.svc.SubmitAction(ctx, u.WalletAddress, a.ID, `{"url":"https://example.com/proof"}`)
	require.NoError(t, err)
	require.Equal(t, ActionTracking, res.Status)

	got, _ := e.store.GetAction(ctx, a.ID)
	require.Zero(t, got.CurrentExecutions, "pending claims do not take a slot")

	exec, err := e.svc.ReviewExecution(ctx, *res.ExecutionID, true)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionVerified, exec.Status)

	got, _ = e.store.GetAction(ctx, a.ID)
	require.Equal(t, 1, got.CurrentExecutions)

	_, err = e.svc.ReviewExecution(ctx, exec.ID, false)
	require.True(t, apperrors.HasCode(err, apperrors.ErrCodeConflict))

	_, err = e.svc.ReviewExecution(ctx, 9999, true)
	require.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
}

func TestExecutionCapIsEnforced(t *testing.T) {
	e := newEnv(t, DefaultPolicy())
	ctx := context.Background()
	a := e.action(t, models.ActionCustom, "500", 1000, 999)

	first := e.user(t, nil)
	res, err := e.svc.SubmitAction(ctx, first.WalletAddress, a.ID, `{"text":"proof"}`)
	require.NoError(t, err)
	require.Equal(t, ActionVerified, res.Status)

	got, _ := e.store.GetAction(ctx, a.ID)
	require.Equal(t, 1000, got.CurrentExecutions)

	second := e.user(t, nil)
	res, err = e.svc.SubmitAction(ctx, second.WalletAddress, a.ID, `{"text":"proof"}`)
	require.NoError(t, err)
	require.Equal(t, ActionRejected, res.Status)
	require.Contains(t, res.Message, "limit")
}

func TestSubmitActionGates(t *testing.T) {
	e := newEnv(t, DefaultPolicy())
	ctx := context.Background()
	a := e.action(t, models.ActionWebsite, "1", 0, 0)

	suspended := e.user(t, func(u *models.User) { u.Status = models.UserStatusSuspended })
	res, err := e.svc.SubmitAction(ctx, suspended.WalletAddress, a.ID, "")
	require.NoError(t, err)
	require.Equal(t, ActionRejected, res.Status)

	u := e.user(t, nil)
	_, err = e.svc.SubmitAction(ctx, u.WalletAddress, 9999, "")
	require.True(t, apperrors.HasCode(err, apperrors.ErrCodeActionNotFound))

	_, err = e.svc.SubmitAction(ctx, "not-a-wallet", a.ID, "")
	require.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))

	_, err = e.svc.SubmitAction(ctx, wallet(t), a.ID, "")
	require.True(t, apperrors.HasCode(err, apperrors.ErrCodeUserNotFound))

	off := false
	_, err = e.settings.Update(ctx, settingssvc.Patch{SocialEngagementEnabled: &off})
	require.NoError(t, err)
	_, err = e.svc.SubmitAction(ctx, u.WalletAddress, a.ID, "")
	require.True(t, apperrors.HasCode(err, apperrors.ErrCodeFeatureDisabled))
}

func TestMinSolBalanceRequirement(t *testing.T) {
	e := newEnv(t, DefaultPolicy())
	ctx := context.Background()
	e.campaign.Requirements.MinSolBalance = decimal.NewFromInt(2)
	c := *e.campaign
	c.ID = 0
	require.NoError(t, e.store.CreateCampaign(ctx, &c))
	a := &models.Action{CampaignID: c.ID, Kind: models.ActionWebsite, RewardAmount: decimal.NewFromInt(1)}
	require.NoError(t, e.store.CreateAction(ctx, a))
	u := e.user(t, nil)

	res, err := e.svc.SubmitAction(ctx, u.WalletAddress, a.ID, "")
	require.NoError(t, err)
	require.Equal(t, ActionRejected, res.Status)

	e.balances.native = decimal.NewFromInt(2)
	res, err = e.svc.SubmitAction(ctx, u.WalletAddress, a.ID, "")
	require.NoError(t, err)
	require.Equal(t, ActionPaid, res.Status)
}

func newHolderCampaign(t *testing.T, e *env, maxClaims int) *models.Campaign {
	t.Helper()
	c := &models.Campaign{
		Title:                  "Hold",
		TokenMint:              "MintH",
		Type:                   models.CampaignTypeHolderQualification,
		TotalBudget:            decimal.NewFromInt(100),
		RemainingBudget:        decimal.NewFromInt(100),
		Status:                 models.CampaignStatusActive,
		MinHoldingAmount:       decimal.NewFromInt(10),
		MinHoldingDurationDays: 7,
		RewardPerWallet:        decimal.NewFromInt(3),
		MaxClaims:              maxClaims,
	}
	require.NoError(t, e.store.CreateCampaign(context.Background(), c))
	return c
}

func TestHolderTimeLock(t *testing.T) {
	e := newEnv(t, DefaultPolicy())
	ctx := context.Background()
	c := newHolderCampaign(t, e, 0)
	u := e.user(t, nil)
	start := *e.now

	res, err := e.svc.SubmitHolderCheck(ctx, u.WalletAddress, c.ID, "")
	require.NoError(t, err)
	require.Equal(t, HolderHolding, res.Status)
	require.Equal(t, 0.0, *res.HoldDuration)

	*e.now = start.Add(7*day - time.Second)
	res, err = e.svc.SubmitHolderCheck(ctx, u.WalletAddress, c.ID, "")
	require.NoError(t, err)
	require.Equal(t, HolderWaiting, res.Status)
	require.Greater(t, *res.Remaining, -0.0001)

	*e.now = start.Add(7*day + time.Second)
	res, err = e.svc.SubmitHolderCheck(ctx, u.WalletAddress, c.ID, "")
	require.NoError(t, err)
	require.Equal(t, HolderReady, res.Status)

	res, err = e.svc.SubmitHolderCheck(ctx, u.WalletAddress, c.ID, `{"claim":true}`)
	require.NoError(t, err)
	require.Equal(t, HolderVerified, res.Status)
	require.NotNil(t, res.ExecutionID)

	exec, err := e.store.GetExecution(ctx, *res.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionVerified, exec.Status)
	require.Equal(t, "3", exec.RewardAmount.String())

	res, err = e.svc.SubmitHolderCheck(ctx, u.WalletAddress, c.ID, `{"claim":true}`)
	require.NoError(t, err)
	require.Equal(t, HolderVerified, res.Status)
	require.Nil(t, res.ExecutionID)
	require.Contains(t, res.Message, "already claimed")
}

func TestHolderInsufficientBalance(t *testing.T) {
	e := newEnv(t, DefaultPolicy())
	ctx := context.Background()
	c := newHolderCampaign(t, e, 0)
	u := e.user(t, nil)
	e.balances.token = decimal.RequireFromString("9.5")

	res, err := e.svc.SubmitHolderCheck(ctx, u.WalletAddress, c.ID, "")
	require.NoError(t, err)
	require.Equal(t, HolderInsufficient, res.Status)
	require.Equal(t, "9.5", res.CurrentBalance.String())
	require.Equal(t, "10", res.RequiredBalance.String())

	_, err = e.store.GetHolderState(ctx, u.ID, c.ID)
	require.Error(t, err, "the clock only starts once the balance is sufficient")

	_, err = e.svc.SubmitHolderCheck(ctx, u.WalletAddress, e.campaign.ID, "")
	require.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation), "engagement campaigns have no holder lock")
}

func TestHolderClaimLimit(t *testing.T) {
	e := newEnv(t, DefaultPolicy())
	ctx := context.Background()
	c := newHolderCampaign(t, e, 1)
	start := *e.now
	a := e.user(t, nil)
	b := e.user(t, nil)

	for _, u := range []*models.User{a, b} {
		_, err := e.svc.SubmitHolderCheck(ctx, u.WalletAddress, c.ID, "")
		require.NoError(t, err)
	}
	*e.now = start.Add(8 * day)

	res, err := e.svc.SubmitHolderCheck(ctx, a.WalletAddress, c.ID, `{"claim":true}`)
	require.NoError(t, err)
	require.Equal(t, HolderVerified, res.Status)

	res, err = e.svc.SubmitHolderCheck(ctx, b.WalletAddress, c.ID, `{"claim":true}`)
	require.NoError(t, err)
	require.Equal(t, HolderRejected, res.Status)
}

func TestClaimBatchIsIdempotent(t *testing.T) {
	e := newEnv(t, DefaultPolicy())
	ctx := context.Background()
	u := e.user(t, nil)

	other := e.campaign
	second := &models.Campaign{
		Title: "Second", TokenMint: "MintB", Type: models.CampaignTypeEngagement,
		TotalBudget: decimal.NewFromInt(50), RemainingBudget: decimal.NewFromInt(50),
		Status: models.CampaignStatusActive,
	}
	require.NoError(t, e.store.CreateCampaign(ctx, second))

	a1 := e.action(t, models.ActionCustom, "2", 0, 0)
	a2 := e.action(t, models.ActionCustom, "3", 0, 0)
	a3 := &models.Action{CampaignID: second.ID, Kind: models.ActionCustom, RewardAmount: decimal.NewFromInt(4)}
	require.NoError(t, e.store.CreateAction(ctx, a3))

	var ids []int64
	for _, a := range []*models.Action{a1, a2, a3} {
		res, err := e.svc.SubmitAction(ctx, u.WalletAddress, a.ID, `{"text":"did it"}`)
		require.NoError(t, err)
		require.Equal(t, ActionVerified, res.Status)
		ids = append(ids, *res.ExecutionID)
	}

	claim, err := e.svc.ClaimBatch(ctx, u.WalletAddress, ids)
	require.NoError(t, err)
	require.True(t, claim.Success)
	require.ElementsMatch(t, ids, claim.ClaimedIDs)
	require.Len(t, e.payer.calls, 1, "one transaction for the whole batch")
	require.Len(t, e.payer.calls[0], 2, "one leg per mint")

	again, err := e.svc.ClaimBatch(ctx, u.WalletAddress, ids)
	require.NoError(t, err)
	require.False(t, again.Success)
	require.Empty(t, again.ClaimedIDs)
	require.Len(t, e.payer.calls, 1)

	got, _ := e.store.GetUser(ctx, u.ID)
	require.Equal(t, "9", got.Balance.String())
	c1, _ := e.store.GetCampaign(ctx, other.ID)
	require.Equal(t, "9995", c1.RemainingBudget.String())
	c2, _ := e.store.GetCampaign(ctx, second.ID)
	require.Equal(t, "46", c2.RemainingBudget.String())

	for _, id := range ids {
		exec, _ := e.store.GetExecution(ctx, id)
		require.Equal(t, claim.TxSignature, exec.TxSignature)
	}
}

func TestClaimBatchSkipsForeignExecutions(t *testing.T) {
	e := newEnv(t, DefaultPolicy())
	ctx := context.Background()
	owner := e.user(t, nil)
	thief := e.user(t, nil)
	a := e.action(t, models.ActionCustom, "2", 0, 0)

	res, err := e.svc.SubmitAction(ctx, owner.WalletAddress, a.ID, `{"text":"did it"}`)
	require.NoError(t, err)

	claim, err := e.svc.ClaimBatch(ctx, thief.WalletAddress, []int64{*res.ExecutionID})
	require.NoError(t, err)
	require.Empty(t, claim.ClaimedIDs)
	require.Empty(t, e.payer.calls)
}

func TestClaimBatchFailsOnTransferError(t *testing.T) {
	e := newEnv(t, DefaultPolicy())
	ctx := context.Background()
	u := e.user(t, nil)
	a := e.action(t, models.ActionCustom, "2", 0, 0)
	res, err := e.svc.SubmitAction(ctx, u.WalletAddress, a.ID, `{"text":"did it"}`)
	require.NoError(t, err)

	e.payer.err = errors.New("blockhash not found")
	_, err = e.svc.ClaimBatch(ctx, u.WalletAddress, []int64{*res.ExecutionID})
	require.True(t, apperrors.HasCode(err, apperrors.ErrCodeChainError))

	exec, _ := e.store.GetExecution(ctx, *res.ExecutionID)
	require.Equal(t, models.ExecutionFailed, exec.Status)
	got, _ := e.store.GetUser(ctx, u.ID)
	require.True(t, got.Balance.IsZero())
	c, _ := e.store.GetCampaign(ctx, e.campaign.ID)
	require.Equal(t, "10000", c.RemainingBudget.String())
}

func TestClaimBatchSerializesPerWallet(t *testing.T) {
	e := newEnv(t, DefaultPolicy())
	ctx := context.Background()
	u := e.user(t, nil)

	release, ok, err := e.locker.TryLock(ctx, "claim:"+u.WalletAddress, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	_, err = e.svc.ClaimBatch(ctx, u.WalletAddress, []int64{1})
	require.True(t, apperrors.HasCode(err, apperrors.ErrCodeConflict))

	_, err = e.svc.ClaimBatch(ctx, u.WalletAddress, nil)
	require.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))
}

func TestMissingSigningKeyFailsPayout(t *testing.T) {
	e := newEnv(t, DefaultPolicy())
	e.svc = NewService(Config{}, e.store, e.payer, e.balances, e.settings, e.locker, zerolog.Nop(),
		WithClock(func() time.Time { return *e.now }))
	ctx := context.Background()
	u := e.user(t, nil)
	a := e.action(t, models.ActionWebsite, "1", 0, 0)

	res, err := e.svc.SubmitAction(ctx, u.WalletAddress, a.ID, "")
	require.NoError(t, err)
	require.Equal(t, ActionVerified, res.Status)
	require.Empty(t, e.payer.calls)
}

// verifiedExecution submits a custom action that verifies on its text proof.
func (e *env) verifiedExecution(t *testing.T, u *models.User, reward string) int64 {
	t.Helper()
	a := e.action(t, models.ActionCustom, reward, 0, 0)
	res, err := e.svc.SubmitAction(context.Background(), u.WalletAddress, a.ID, `{"text":"did it"}`)
	require.NoError(t, err)
	require.Equal(t, ActionVerified, res.Status)
	return *res.ExecutionID
}

func TestClaimBatchParksTransferWhenLedgerWriteFails(t *testing.T) {
	e := newEnv(t, DefaultPolicy())
	ctx := context.Background()
	u := e.user(t, nil)
	id := e.verifiedExecution(t, u, "2")

	store := &lostCommitStore{Store: e.store, fail: true}
	e.build(DefaultPolicy(), store)

	_, err := e.svc.ClaimBatch(ctx, u.WalletAddress, []int64{id})
	require.True(t, apperrors.HasCode(err, apperrors.ErrCodeDatabaseError))
	require.Equal(t, 1, e.payer.transfers())

	exec, _ := e.store.GetExecution(ctx, id)
	require.Equal(t, models.ExecutionSubmitted, exec.Status)
	require.Equal(t, "sig-a", exec.TxSignature)

	logs, err := e.store.ListErrorLogsSince(ctx, time.Time{})
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	require.Contains(t, logs[len(logs)-1].Detail, "sig-a")

	store.fail = false

	// still in flight: nothing is sent again
	e.payer.setStatus("sig-a", solana.TxPending)
	claim, err := e.svc.ClaimBatch(ctx, u.WalletAddress, []int64{id})
	require.NoError(t, err)
	require.False(t, claim.Success)
	require.Contains(t, claim.Message, "still confirming")
	require.Equal(t, 1, e.payer.transfers())

	// landed: recorded against the original signature
	e.payer.setStatus("sig-a", solana.TxLanded)
	claim, err = e.svc.ClaimBatch(ctx, u.WalletAddress, []int64{id})
	require.NoError(t, err)
	require.True(t, claim.Success)
	require.Equal(t, []int64{id}, claim.ClaimedIDs)
	require.Equal(t, "sig-a", claim.TxSignature)
	require.Equal(t, 1, e.payer.transfers())

	got, _ := e.store.GetUser(ctx, u.ID)
	require.Equal(t, "2", got.Balance.String())
	c, _ := e.store.GetCampaign(ctx, e.campaign.ID)
	require.Equal(t, "9998", c.RemainingBudget.String())

	claim, err = e.svc.ClaimBatch(ctx, u.WalletAddress, []int64{id})
	require.NoError(t, err)
	require.Empty(t, claim.ClaimedIDs)
	require.Equal(t, 1, e.payer.transfers())
}

func TestClaimBatchResendsOnlyAfterUnconfirmedTransferExpires(t *testing.T) {
	e := newEnv(t, DefaultPolicy())
	ctx := context.Background()
	u := e.user(t, nil)
	id := e.verifiedExecution(t, u, "3")

	e.payer.unconfirmed = true
	_, err := e.svc.ClaimBatch(ctx, u.WalletAddress, []int64{id})
	require.True(t, apperrors.HasCode(err, apperrors.ErrCodeChainError))

	exec, _ := e.store.GetExecution(ctx, id)
	require.Equal(t, models.ExecutionSubmitted, exec.Status)
	require.Equal(t, "sig-a", exec.TxSignature)

	e.payer.unconfirmed = false

	// the cluster has not seen it yet, but its blockhash may still be live
	claim, err := e.svc.ClaimBatch(ctx, u.WalletAddress, []int64{id})
	require.NoError(t, err)
	require.False(t, claim.Success)
	require.Equal(t, 1, e.payer.transfers())

	*e.now = e.now.Add(6 * time.Minute)
	claim, err = e.svc.ClaimBatch(ctx, u.WalletAddress, []int64{id})
	require.NoError(t, err)
	require.True(t, claim.Success)
	require.Equal(t, "sig-b", claim.TxSignature)
	require.Equal(t, 2, e.payer.transfers())

	got, _ := e.store.GetUser(ctx, u.ID)
	require.Equal(t, "3", got.Balance.String())
}

func TestClaimBatchResendsTransferRejectedOnChain(t *testing.T) {
	e := newEnv(t, DefaultPolicy())
	ctx := context.Background()
	u := e.user(t, nil)
	id := e.verifiedExecution(t, u, "1")

	e.payer.unconfirmed = true
	_, err := e.svc.ClaimBatch(ctx, u.WalletAddress, []int64{id})
	require.Error(t, err)
	e.payer.unconfirmed = false
	e.payer.setStatus("sig-a", solana.TxFailed)

	claim, err := e.svc.ClaimBatch(ctx, u.WalletAddress, []int64{id})
	require.NoError(t, err)
	require.True(t, claim.Success)
	require.Equal(t, "sig-b", claim.TxSignature)

	exec, _ := e.store.GetExecution(ctx, id)
	require.Equal(t, models.ExecutionPaid, exec.Status)
	require.Equal(t, "sig-b", exec.TxSignature)
}
