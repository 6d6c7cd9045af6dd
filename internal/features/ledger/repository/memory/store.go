package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"actionpay-backend/internal/features/ledger/models"
	"actionpay-backend/internal/features/ledger/repository"
)

// Store is an in-process ledger. A single mutex stands in for row locks, so
// every multi-row update is atomic.
type Store struct {
	mu sync.Mutex

	seq        int64
	users      map[int64]*models.User
	campaigns  map[int64]*models.Campaign
	actions    map[int64]*models.Action
	executions map[int64]*models.Execution
	holders    map[int64]*models.HolderState
	rounds     map[int64]*models.PrizeRound
	settings   *models.SystemSettings
	errorLogs  []models.ErrorLog
	now        func() time.Time
}

var _ repository.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		users:      make(map[int64]*models.User),
		campaigns:  make(map[int64]*models.Campaign),
		actions:    make(map[int64]*models.Action),
		executions: make(map[int64]*models.Execution),
		holders:    make(map[int64]*models.HolderState),
		rounds:     make(map[int64]*models.PrizeRound),
		now:        time.Now,
	}
}

// SetClock overrides the time source used for default timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) nextID() int64 {
	s.seq++
	return s.seq
}

func (s *Store) CreateUser(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.WalletAddress == user.WalletAddress {
			return repository.ErrDuplicate
		}
	}
	if user.ID == 0 {
		user.ID = s.nextID()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now()
	}
	if user.Status == "" {
		user.Status = models.UserStatusActive
	}
	if user.Role == "" {
		user.Role = models.UserRoleUser
	}
	cp := *user
	s.users[user.ID] = &cp
	return nil
}

func (s *Store) GetUser(_ context.Context, id int64) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) GetUserByWallet(_ context.Context, wallet string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.WalletAddress == wallet {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) LinkTelegram(_ context.Context, userID, telegramID int64, username string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if u.TelegramID != 0 && u.TelegramID != telegramID {
		return nil, repository.ErrIdentityMismatch
	}
	for _, other := range s.users {
		if other.ID != userID && other.TelegramID == telegramID {
			return nil, repository.ErrIdentityTaken
		}
	}
	u.TelegramID = telegramID
	if u.TelegramHandle == "" {
		u.TelegramHandle = username
	}
	cp := *u
	return &cp, nil
}

func (s *Store) ListUsers(_ context.Context) ([]models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SuspiciousUsers(ctx context.Context, minReputation int, minBalance decimal.Decimal) ([]models.User, error) {
	users, _ := s.ListUsers(ctx)
	out := make([]models.User, 0)
	for _, u := range users {
		if u.ReputationScore > minReputation || u.Balance.GreaterThan(minBalance) || u.Status == models.UserStatusSuspended {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *Store) CreateCampaign(_ context.Context, campaign *models.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if campaign.ID == 0 {
		campaign.ID = s.nextID()
	}
	if campaign.CreatedAt.IsZero() {
		campaign.CreatedAt = s.now()
	}
	cp := *campaign
	s.campaigns[campaign.ID] = &cp
	return nil
}

func (s *Store) GetCampaign(_ context.Context, id int64) (*models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListCampaigns(_ context.Context) ([]models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Campaign, 0, len(s.campaigns))
	for _, c := range s.campaigns {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CountActiveFeePaidCampaigns(ctx context.Context) (int, error) {
	campaigns, _ := s.ListCampaigns(ctx)
	n := 0
	for _, c := range campaigns {
		if c.IsActive() && c.CreationFeePaid {
			n++
		}
	}
	return n, nil
}

func (s *Store) UpdateCampaignStatus(_ context.Context, id int64, status models.CampaignStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return repository.ErrNotFound
	}
	c.Status = status
	return nil
}

func (s *Store) SuspiciousCampaigns(ctx context.Context) ([]models.Campaign, error) {
	campaigns, _ := s.ListCampaigns(ctx)
	out := make([]models.Campaign, 0)
	for _, c := range campaigns {
		if c.RemainingBudget.IsNegative() || c.Status == models.CampaignStatusPaused {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) CreateAction(_ context.Context, action *models.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.campaigns[action.CampaignID]; !ok {
		return repository.ErrNotFound
	}
	if action.ID == 0 {
		action.ID = s.nextID()
	}
	cp := *action
	s.actions[action.ID] = &cp
	return nil
}

func (s *Store) GetAction(_ context.Context, id int64) (*models.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.actions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) RecordExecution(_ context.Context, ne models.NewExecution) (*models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ne.Status != models.ExecutionPending && ne.Status != models.ExecutionVerified {
		return nil, repository.ErrInvalidTransition
	}
	user, ok := s.users[ne.UserID]
	if !ok {
		return nil, repository.ErrNotFound
	}

	var action *models.Action
	if ne.ActionID != nil {
		action, ok = s.actions[*ne.ActionID]
		if !ok {
			return nil, repository.ErrNotFound
		}
		for _, e := range s.executions {
			if e.UserID == ne.UserID && e.ActionID != nil && *e.ActionID == action.ID && e.Status != models.ExecutionRejected {
				return nil, repository.ErrAlreadyExecuted
			}
		}
	}

	if ne.Status == models.ExecutionVerified {
		if action != nil {
			if action.Exhausted() {
				return nil, repository.ErrActionExhausted
			}
			action.CurrentExecutions++
		}
		user.AddReputation(models.ReputationOnVerified)
	}

	exec := s.insertExecution(ne)
	cp := *exec
	return &cp, nil
}

func (s *Store) insertExecution(ne models.NewExecution) *models.Execution {
	created := ne.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	exec := &models.Execution{
		ID:           s.nextID(),
		ActionID:     ne.ActionID,
		CampaignID:   ne.CampaignID,
		UserID:       ne.UserID,
		Status:       ne.Status,
		RewardAmount: ne.RewardAmount,
		Proof:        ne.Proof,
		CreatedAt:    created,
		UpdatedAt:    created,
	}
	s.executions[exec.ID] = exec
	return exec
}

func (s *Store) ReviewExecution(_ context.Context, id int64, approve bool, at time.Time) (*models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if exec.Status != models.ExecutionPending {
		return nil, repository.ErrInvalidTransition
	}

	if !approve {
		exec.Status = models.ExecutionRejected
		exec.UpdatedAt = at
		cp := *exec
		return &cp, nil
	}

	if exec.ActionID != nil {
		action, ok := s.actions[*exec.ActionID]
		if !ok {
			return nil, repository.ErrNotFound
		}
		if action.Exhausted() {
			return nil, repository.ErrActionExhausted
		}
		action.CurrentExecutions++
	}
	if user, ok := s.users[exec.UserID]; ok {
		user.AddReputation(models.ReputationOnVerified)
	}
	exec.Status = models.ExecutionVerified
	exec.UpdatedAt = at
	cp := *exec
	return &cp, nil
}

func (s *Store) GetExecution(_ context.Context, id int64) (*models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.executions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *Store) ListExecutions(_ context.Context) ([]models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Execution, 0, len(s.executions))
	for _, e := range s.executions {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SettleExecutions(_ context.Context, userID int64, ids []int64, at time.Time, pay models.PayFunc) (*models.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}

	candidates := make([]*models.Execution, 0, len(ids))
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		e, ok := s.executions[id]
		if !ok || seen[id] || e.UserID != userID || !e.Status.Settleable() {
			continue
		}
		seen[id] = true
		candidates = append(candidates, e)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	// per-campaign totals, dropping campaigns that cannot cover their share
	owed := make(map[int64]decimal.Decimal)
	for _, e := range candidates {
		owed[e.CampaignID] = owed[e.CampaignID].Add(e.RewardAmount)
	}
	settled := make([]*models.Execution, 0, len(candidates))
	for _, e := range candidates {
		c, ok := s.campaigns[e.CampaignID]
		if !ok || c.RemainingBudget.LessThan(owed[e.CampaignID]) {
			continue
		}
		settled = append(settled, e)
	}

	result := &models.Settlement{ClaimedIDs: []int64{}, TotalAmount: decimal.Zero}
	if len(settled) == 0 {
		return result, nil
	}

	legs := make([]models.PayoutLeg, 0, len(settled))
	settledIDs := make([]int64, 0, len(settled))
	for _, e := range settled {
		legs = append(legs, models.PayoutLeg{Mint: s.campaigns[e.CampaignID].TokenMint, Amount: e.RewardAmount})
		settledIDs = append(settledIDs, e.ID)
	}
	legs = models.SumLegs(legs)
	signature, err := pay(settledIDs, legs)
	if err != nil {
		return nil, err
	}

	for _, e := range settled {
		s.campaigns[e.CampaignID].RemainingBudget = s.campaigns[e.CampaignID].RemainingBudget.Sub(e.RewardAmount)
		e.Status = models.ExecutionPaid
		e.TxSignature = signature
		e.UpdatedAt = at
		user.Balance = user.Balance.Add(e.RewardAmount)
		user.AddReputation(models.ReputationOnPaid)
		result.ClaimedIDs = append(result.ClaimedIDs, e.ID)
		result.TotalAmount = result.TotalAmount.Add(e.RewardAmount)
	}
	result.Signature = signature
	return result, nil
}

func (s *Store) MarkExecutionsFailed(_ context.Context, ids []int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		e, ok := s.executions[id]
		if !ok || e.Status == models.ExecutionPaid {
			continue
		}
		e.Status = models.ExecutionFailed
		e.TxSignature = ""
		e.UpdatedAt = at
	}
	return nil
}

func (s *Store) MarkExecutionsSubmitted(_ context.Context, ids []int64, signature string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		e, ok := s.executions[id]
		if !ok || e.Status == models.ExecutionPaid {
			continue
		}
		e.Status = models.ExecutionSubmitted
		e.TxSignature = signature
		e.UpdatedAt = at
	}
	return nil
}

func (s *Store) CountExecutionsSince(ctx context.Context, since time.Time) (models.ExecutionCounts, error) {
	execs, _ := s.ListExecutions(ctx)
	var counts models.ExecutionCounts
	for _, e := range execs {
		if e.CreatedAt.Before(since) {
			continue
		}
		counts.Total++
		if e.Status == models.ExecutionFailed {
			counts.Failed++
		}
	}
	return counts, nil
}

func (s *Store) WeeklyPoints(_ context.Context, since time.Time) ([]models.UserPoints, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byUser := make(map[int64]*models.UserPoints)
	for _, e := range s.executions {
		if e.Status != models.ExecutionVerified || e.CreatedAt.Before(since) {
			continue
		}
		u, ok := s.users[e.UserID]
		if !ok {
			continue
		}
		p, ok := byUser[u.ID]
		if !ok {
			p = &models.UserPoints{UserID: u.ID, WalletAddress: u.WalletAddress, UserCreatedAt: u.CreatedAt}
			byUser[u.ID] = p
		}
		p.Verified++
	}

	out := make([]models.UserPoints, 0, len(byUser))
	for _, p := range byUser {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Verified != out[j].Verified {
			return out[i].Verified > out[j].Verified
		}
		if !out[i].UserCreatedAt.Equal(out[j].UserCreatedAt) {
			return out[i].UserCreatedAt.Before(out[j].UserCreatedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (s *Store) GetHolderState(_ context.Context, userID, campaignID int64) (*models.HolderState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, h := range s.holders {
		if h.UserID == userID && h.CampaignID == campaignID {
			cp := *h
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) StartHolding(_ context.Context, userID, campaignID int64, at time.Time) (*models.HolderState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, h := range s.holders {
		if h.UserID == userID && h.CampaignID == campaignID {
			cp := *h
			return &cp, nil
		}
	}
	h := &models.HolderState{
		ID:          s.nextID(),
		UserID:      userID,
		CampaignID:  campaignID,
		HoldStartAt: at,
		CreatedAt:   at,
	}
	s.holders[h.ID] = h
	cp := *h
	return &cp, nil
}

func (s *Store) ClaimHolderReward(_ context.Context, stateID int64, ne models.NewExecution) (*models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.holders[stateID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if h.Claimed {
		return nil, repository.ErrAlreadyClaimed
	}
	c, ok := s.campaigns[h.CampaignID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if c.MaxClaims > 0 {
		claims := 0
		for _, e := range s.executions {
			if e.CampaignID == c.ID && e.Status != models.ExecutionRejected {
				claims++
			}
		}
		if claims >= c.MaxClaims {
			return nil, repository.ErrClaimsExhausted
		}
	}
	user, ok := s.users[h.UserID]
	if !ok {
		return nil, repository.ErrNotFound
	}

	ne.ActionID = nil
	ne.UserID = h.UserID
	ne.CampaignID = h.CampaignID
	ne.Status = models.ExecutionVerified
	exec := s.insertExecution(ne)
	user.AddReputation(models.ReputationOnVerified)
	h.Claimed = true

	cp := *exec
	return &cp, nil
}

func (s *Store) LatestRound(_ context.Context) (*models.PrizeRound, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest := s.latestRoundLocked()
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	return copyRound(latest), nil
}

func (s *Store) latestRoundLocked() *models.PrizeRound {
	var latest *models.PrizeRound
	for _, r := range s.rounds {
		if latest == nil || r.WeekNumber > latest.WeekNumber {
			latest = r
		}
	}
	return latest
}

func copyRound(r *models.PrizeRound) *models.PrizeRound {
	cp := *r
	cp.Winners = append([]models.Winner(nil), r.Winners...)
	return &cp
}

func (s *Store) GetRound(_ context.Context, id int64) (*models.PrizeRound, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rounds[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyRound(r), nil
}

func (s *Store) ListRounds(_ context.Context, limit int) ([]models.PrizeRound, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.PrizeRound, 0, len(s.rounds))
	for _, r := range s.rounds {
		out = append(out, *copyRound(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WeekNumber > out[j].WeekNumber })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListRoundsByStatus(ctx context.Context, statuses ...models.RoundStatus) ([]models.PrizeRound, error) {
	rounds, _ := s.ListRounds(ctx, 0)
	out := make([]models.PrizeRound, 0)
	for _, r := range rounds {
		for _, st := range statuses {
			if r.Status == st {
				out = append(out, r)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WeekNumber < out[j].WeekNumber })
	return out, nil
}

func (s *Store) CreateRound(_ context.Context, round *models.PrizeRound) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if latest := s.latestRoundLocked(); latest != nil {
		if round.WeekNumber <= latest.WeekNumber || !round.StartDate.After(latest.EndDate) {
			return repository.ErrRoundOverlap
		}
	}
	round.ID = s.nextID()
	if round.CreatedAt.IsZero() {
		round.CreatedAt = s.now()
	}
	round.UpdatedAt = round.CreatedAt
	for i := range round.Winners {
		round.Winners[i].RoundID = round.ID
		round.Winners[i].UpdatedAt = round.CreatedAt
	}
	s.rounds[round.ID] = copyRound(round)
	return nil
}

func (s *Store) UpdateWinner(_ context.Context, winner models.Winner) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rounds[winner.RoundID]
	if !ok {
		return repository.ErrNotFound
	}
	for i := range r.Winners {
		if r.Winners[i].Rank == winner.Rank {
			r.Winners[i] = winner
			r.UpdatedAt = winner.UpdatedAt
			return nil
		}
	}
	return repository.ErrNotFound
}

func (s *Store) SetRoundStatus(_ context.Context, id int64, status models.RoundStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rounds[id]
	if !ok {
		return repository.ErrNotFound
	}
	r.Status = status
	r.UpdatedAt = at
	return nil
}

func (s *Store) GetSettings(_ context.Context) (*models.SystemSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.settings == nil {
		def := models.DefaultSettings()
		def.UpdatedAt = s.now()
		s.settings = &def
	}
	cp := *s.settings
	return &cp, nil
}

func (s *Store) SaveSettings(_ context.Context, settings *models.SystemSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *settings
	s.settings = &cp
	return nil
}

func (s *Store) RecordErrorLog(_ context.Context, entry models.ErrorLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.ID = s.nextID()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	entry.Message = strings.TrimSpace(entry.Message)
	s.errorLogs = append(s.errorLogs, entry)
	return nil
}

func (s *Store) ListErrorLogsSince(_ context.Context, since time.Time) ([]models.ErrorLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.ErrorLog, 0)
	for _, e := range s.errorLogs {
		if !e.CreatedAt.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}
