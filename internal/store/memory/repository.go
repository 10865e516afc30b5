// Package memory is an in-process implementation of store.Repository. It holds the
// same invariants as the PostgreSQL schema (non-negative balances, one active
// request per idempotency key, one refund per request, one attempt per reference)
// and backs local development and the application tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quizcoin/reward-service/internal/domain"
	"github.com/quizcoin/reward-service/internal/store"
)

type attemptKey struct {
	userID      string
	referenceID string
	typ         domain.AttemptType
}

type requestKey struct {
	userID string
	key    string
}

// Repository is safe for concurrent use.
type Repository struct {
	mu       sync.Mutex
	now      func() time.Time
	accounts map[string]*domain.Account
	ledger   []domain.LedgerEntry
	requests map[uuid.UUID]*domain.FulfillmentRequest
	active   map[requestKey]uuid.UUID
	attempts map[attemptKey]*domain.Attempt
	streaks  map[string]domain.Streak
	quizKeys map[attemptKey]domain.QuizAnswerKey
}

var _ store.Repository = (*Repository)(nil)

// NewRepository returns an empty repository.
func NewRepository() *Repository {
	return &Repository{
		now:      time.Now,
		accounts: make(map[string]*domain.Account),
		requests: make(map[uuid.UUID]*domain.FulfillmentRequest),
		active:   make(map[requestKey]uuid.UUID),
		attempts: make(map[attemptKey]*domain.Attempt),
		streaks:  make(map[string]domain.Streak),
		quizKeys: make(map[attemptKey]domain.QuizAnswerKey),
	}
}

// SetClock overrides the time source used for timestamps.
func (r *Repository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// PutQuizAnswerKey seeds an answer key.
func (r *Repository) PutQuizAnswerKey(key domain.QuizAnswerKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quizKeys[attemptKey{referenceID: key.ReferenceID, typ: key.Type}] = key
}

func (r *Repository) OpenAccount(ctx context.Context, userID string) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.accounts[userID]
	if !ok {
		now := r.now()
		account = &domain.Account{UserID: userID, CreatedAt: now, UpdatedAt: now}
		r.accounts[userID] = account
	}
	copied := *account
	return &copied, nil
}

func (r *Repository) GetAccount(ctx context.Context, userID string) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.accounts[userID]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	copied := *account
	return &copied, nil
}

func (r *Repository) ApplyDebit(ctx context.Context, m domain.BalanceMutation) (*domain.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.accounts[m.UserID]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	if account.Balance < m.Amount {
		return nil, domain.ErrInsufficientFunds
	}
	return r.appendLocked(account, m, domain.DirectionDebit), nil
}

func (r *Repository) ApplyCredit(ctx context.Context, m domain.BalanceMutation) (*domain.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.accounts[m.UserID]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	if existing, err := r.duplicateCreditLocked(m); err != nil {
		return existing, err
	}
	return r.appendLocked(account, m, domain.DirectionCredit), nil
}

func (r *Repository) ApplyCredits(ctx context.Context, ms []domain.BalanceMutation) ([]domain.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, m := range ms {
		if _, ok := r.accounts[m.UserID]; !ok {
			return nil, domain.ErrUserNotFound
		}
		if _, err := r.duplicateCreditLocked(m); err != nil {
			return nil, err
		}
		for _, earlier := range ms[:i] {
			if sameGrant(earlier, m) {
				return nil, domain.ErrDuplicateGrant
			}
		}
	}
	entries := make([]domain.LedgerEntry, 0, len(ms))
	for _, m := range ms {
		entries = append(entries, *r.appendLocked(r.accounts[m.UserID], m, domain.DirectionCredit))
	}
	return entries, nil
}

// duplicateCreditLocked mirrors the refund-once and grant-per-reference indexes.
func (r *Repository) duplicateCreditLocked(m domain.BalanceMutation) (*domain.LedgerEntry, error) {
	if m.RelatedRequestID == "" {
		return nil, nil
	}
	switch m.Reason {
	case domain.ReasonRewardRefund:
		if existing := r.findLocked(m.RelatedRequestID, m.Reason); existing != nil {
			return existing, domain.ErrAlreadyCompensated
		}
	case domain.ReasonBonus, domain.ReasonPurchase:
		for i := len(r.ledger) - 1; i >= 0; i-- {
			entry := r.ledger[i]
			if entry.UserID == m.UserID && entry.RelatedRequestID == m.RelatedRequestID && entry.Reason == m.Reason {
				return &entry, domain.ErrDuplicateGrant
			}
		}
	}
	return nil, nil
}

func sameGrant(a, b domain.BalanceMutation) bool {
	if b.RelatedRequestID == "" || (b.Reason != domain.ReasonBonus && b.Reason != domain.ReasonPurchase) {
		return false
	}
	return a.UserID == b.UserID && a.RelatedRequestID == b.RelatedRequestID && a.Reason == b.Reason
}

func (r *Repository) appendLocked(account *domain.Account, m domain.BalanceMutation, direction domain.Direction) *domain.LedgerEntry {
	previous := account.Balance
	if direction == domain.DirectionDebit {
		account.Balance -= m.Amount
	} else {
		account.Balance += m.Amount
	}
	now := r.now()
	account.UpdatedAt = now

	entry := domain.LedgerEntry{
		ID:               uuid.New(),
		UserID:           m.UserID,
		Direction:        direction,
		Amount:           m.Amount,
		Reason:           m.Reason,
		PreviousBalance:  previous,
		NewBalance:       account.Balance,
		RelatedRequestID: m.RelatedRequestID,
		CreatedAt:        now,
	}
	if m.ProviderStatus != nil {
		entry.ProviderStatus = m.ProviderStatus.Ptr()
	}
	r.ledger = append(r.ledger, entry)
	copied := entry
	return &copied
}

func (r *Repository) findLocked(relatedRequestID string, reason domain.LedgerReason) *domain.LedgerEntry {
	for i := len(r.ledger) - 1; i >= 0; i-- {
		entry := r.ledger[i]
		if entry.RelatedRequestID == relatedRequestID && entry.Reason == reason {
			return &entry
		}
	}
	return nil
}

func (r *Repository) FindLedgerEntry(ctx context.Context, relatedRequestID string, reason domain.LedgerReason) (*domain.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findLocked(relatedRequestID, reason), nil
}

func (r *Repository) ListLedgerEntries(ctx context.Context, filter store.LedgerFilter) ([]domain.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	matched := make([]domain.LedgerEntry, 0)
	for i := len(r.ledger) - 1; i >= 0; i-- {
		entry := r.ledger[i]
		if filter.UserID != "" && entry.UserID != filter.UserID {
			continue
		}
		if filter.RelatedRequestID != "" && entry.RelatedRequestID != filter.RelatedRequestID {
			continue
		}
		if filter.Reason != "" && entry.Reason != filter.Reason {
			continue
		}
		matched = append(matched, entry)
	}
	return page(matched, filter.Limit, filter.Offset), nil
}

func (r *Repository) AuditBalance(ctx context.Context, userID string) (*domain.BalanceAudit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.accounts[userID]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	audit := domain.BalanceAudit{UserID: userID, Balance: account.Balance}
	for _, entry := range r.ledger {
		if entry.UserID != userID {
			continue
		}
		audit.EntryCount++
		if entry.Direction == domain.DirectionCredit {
			audit.TotalCredits += entry.Amount
		} else {
			audit.TotalDebits += entry.Amount
		}
	}
	audit.Consistent = audit.Balance == audit.LedgerSum()
	return &audit, nil
}

func (r *Repository) ReserveFulfillmentRequest(ctx context.Context, req *domain.FulfillmentRequest) (bool, *domain.FulfillmentRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := requestKey{userID: req.UserID, key: req.IdempotencyKey}
	if id, ok := r.active[key]; ok {
		existing := *r.requests[id]
		return false, &existing, nil
	}
	now := r.now()
	req.CreatedAt = now
	req.UpdatedAt = now
	stored := *req
	r.requests[req.ID] = &stored
	r.active[key] = req.ID
	return true, nil, nil
}

func (r *Repository) TransitionFulfillmentRequest(ctx context.Context, params store.TransitionParams) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[params.ID]
	if !ok {
		return false, nil
	}
	matched := false
	for _, from := range params.From {
		if req.Status == from {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}

	now := r.now()
	req.Status = params.To
	req.UpdatedAt = now
	if params.Outcome != nil {
		req.Outcome = params.Outcome.Ptr()
	}
	if params.ProviderReference != nil {
		v := *params.ProviderReference
		req.ProviderReference = &v
	}
	if params.ProviderMessage != nil {
		v := *params.ProviderMessage
		req.ProviderMessage = &v
	}
	if len(params.RawResponse) > 0 {
		req.RawResponse = append([]byte(nil), params.RawResponse...)
	}
	if params.FailureReason != nil {
		v := *params.FailureReason
		req.FailureReason = &v
	}
	if params.Settled {
		req.SettledAt = &now
	}
	if domain.ReleasesIdempotencyKey(req.Status) {
		key := requestKey{userID: req.UserID, key: req.IdempotencyKey}
		if r.active[key] == req.ID {
			delete(r.active, key)
		}
	}
	return true, nil
}

func (r *Repository) GetFulfillmentRequest(ctx context.Context, id uuid.UUID) (*domain.FulfillmentRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok {
		return nil, domain.ErrRequestNotFound
	}
	copied := *req
	return &copied, nil
}

func (r *Repository) ListFulfillmentRequests(ctx context.Context, filter store.FulfillmentFilter) ([]domain.FulfillmentRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	statuses := make(map[string]bool, len(filter.Statuses))
	for _, s := range filter.Statuses {
		statuses[s] = true
	}
	matched := make([]domain.FulfillmentRequest, 0)
	for _, req := range r.requests {
		if filter.UserID != "" && req.UserID != filter.UserID {
			continue
		}
		if len(statuses) > 0 && !statuses[req.Status] {
			continue
		}
		if filter.UpdatedBefore != nil && !req.UpdatedAt.Before(*filter.UpdatedBefore) {
			continue
		}
		matched = append(matched, *req)
	}
	sort.Slice(matched, func(i, j int) bool {
		if filter.OldestFirst {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return page(matched, filter.Limit, filter.Offset), nil
}

func (r *Repository) ReserveAttempt(ctx context.Context, attempt *domain.Attempt) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := attemptKey{userID: attempt.UserID, referenceID: attempt.ReferenceID, typ: attempt.Type}
	if _, exists := r.attempts[key]; exists {
		return false, nil
	}
	attempt.CreatedAt = r.now()
	stored := *attempt
	r.attempts[key] = &stored
	return true, nil
}

func (r *Repository) CompleteAttempt(ctx context.Context, attemptID uuid.UUID, score int, coinsAwarded int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, attempt := range r.attempts {
		if attempt.ID == attemptID {
			attempt.Score = score
			attempt.CoinsAwarded = coinsAwarded
			return nil
		}
	}
	return domain.ErrAttemptNotFound
}

func (r *Repository) ReleaseAttempt(ctx context.Context, attemptID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, attempt := range r.attempts {
		if attempt.ID == attemptID {
			delete(r.attempts, key)
			return nil
		}
	}
	return nil
}

func (r *Repository) GetAttempt(ctx context.Context, userID, referenceID string, attemptType domain.AttemptType) (*domain.Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	attempt, ok := r.attempts[attemptKey{userID: userID, referenceID: referenceID, typ: attemptType}]
	if !ok {
		return nil, domain.ErrAttemptNotFound
	}
	copied := *attempt
	return &copied, nil
}

func (r *Repository) UpdateStreak(ctx context.Context, userID string, now time.Time, next func(domain.Streak, time.Time) domain.Streak) (domain.Streak, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.streaks[userID]
	if !ok {
		current = domain.Streak{UserID: userID}
	}
	updated := next(current, now)
	updated.UserID = userID
	r.streaks[userID] = updated
	return updated, nil
}

func (r *Repository) GetQuizAnswerKey(ctx context.Context, attemptType domain.AttemptType, referenceID string) (*domain.QuizAnswerKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.quizKeys[attemptKey{referenceID: referenceID, typ: attemptType}]
	if !ok {
		return nil, domain.ErrQuizNotFound
	}
	key.Answers = append([]int(nil), key.Answers...)
	return &key, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = 50
	}
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
