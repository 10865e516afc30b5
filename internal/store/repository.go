/**
 * @description
 * This file defines the storage contracts for the reward-service. The interfaces are
 * split by owner (ledger, fulfillment requests, attempts) so each application
 * component depends only on what it mutates; Repository composes them for the
 * concrete PostgreSQL and in-memory implementations.
 *
 * @dependencies
 * - github.com/google/uuid: For request and attempt identifiers.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/quizcoin/reward-service/internal/domain"
)

// LedgerStore owns coin balances and the append-only ledger.
type LedgerStore interface {
	OpenAccount(ctx context.Context, userID string) (*domain.Account, error)
	GetAccount(ctx context.Context, userID string) (*domain.Account, error)
	// ApplyDebit decrements the balance only when it covers the amount and appends the
	// matching ledger entry in the same transaction.
	ApplyDebit(ctx context.Context, m domain.BalanceMutation) (*domain.LedgerEntry, error)
	// ApplyCredit increments the balance and appends the matching ledger entry. A second
	// refund for the same related request returns domain.ErrAlreadyCompensated together
	// with the existing entry; a bonus or purchase repeating (user, related request,
	// reason) returns domain.ErrDuplicateGrant with the existing entry.
	ApplyCredit(ctx context.Context, m domain.BalanceMutation) (*domain.LedgerEntry, error)
	// ApplyCredits applies every credit in one transaction. Either all entries are
	// appended or none are.
	ApplyCredits(ctx context.Context, ms []domain.BalanceMutation) ([]domain.LedgerEntry, error)
	FindLedgerEntry(ctx context.Context, relatedRequestID string, reason domain.LedgerReason) (*domain.LedgerEntry, error)
	ListLedgerEntries(ctx context.Context, filter LedgerFilter) ([]domain.LedgerEntry, error)
	AuditBalance(ctx context.Context, userID string) (*domain.BalanceAudit, error)
}

// FulfillmentStore persists fulfillment requests.
type FulfillmentStore interface {
	// ReserveFulfillmentRequest inserts req unless another request that still holds the
	// same (user, idempotency key) exists, in which case that request is returned.
	ReserveFulfillmentRequest(ctx context.Context, req *domain.FulfillmentRequest) (reserved bool, existing *domain.FulfillmentRequest, err error)
	// TransitionFulfillmentRequest moves a request from one of params.From to params.To.
	// It reports false when the request was not in any of the expected states.
	TransitionFulfillmentRequest(ctx context.Context, params TransitionParams) (bool, error)
	GetFulfillmentRequest(ctx context.Context, id uuid.UUID) (*domain.FulfillmentRequest, error)
	ListFulfillmentRequests(ctx context.Context, filter FulfillmentFilter) ([]domain.FulfillmentRequest, error)
}

// AttemptStore persists quiz and challenge attempts and streaks.
type AttemptStore interface {
	ReserveAttempt(ctx context.Context, attempt *domain.Attempt) (bool, error)
	CompleteAttempt(ctx context.Context, attemptID uuid.UUID, score int, coinsAwarded int64) error
	ReleaseAttempt(ctx context.Context, attemptID uuid.UUID) error
	GetAttempt(ctx context.Context, userID, referenceID string, attemptType domain.AttemptType) (*domain.Attempt, error)
	// UpdateStreak loads the user's streak under a row lock, applies next and stores the result.
	UpdateStreak(ctx context.Context, userID string, now time.Time, next func(domain.Streak, time.Time) domain.Streak) (domain.Streak, error)
}

// QuizKeyStore reads quiz answer keys maintained by the quiz catalog.
type QuizKeyStore interface {
	GetQuizAnswerKey(ctx context.Context, attemptType domain.AttemptType, referenceID string) (*domain.QuizAnswerKey, error)
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	LedgerStore
	FulfillmentStore
	AttemptStore
	QuizKeyStore
}

// TransitionParams describes a compare-and-set status change. Nil pointer fields are left unchanged.
type TransitionParams struct {
	ID                uuid.UUID
	From              []string
	To                string
	Outcome           *domain.ProviderOutcome
	ProviderReference *string
	ProviderMessage   *string
	RawResponse       json.RawMessage
	FailureReason     *string
	Settled           bool
}

// LedgerFilter narrows ledger listings.
type LedgerFilter struct {
	UserID           string
	RelatedRequestID string
	Reason           domain.LedgerReason
	Limit            int
	Offset           int
}

// FulfillmentFilter narrows fulfillment request listings.
type FulfillmentFilter struct {
	UserID        string
	Statuses      []string
	UpdatedBefore *time.Time
	OldestFirst   bool
	Limit         int
	Offset        int
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}
