package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/quizcoin/reward-service/internal/domain"
	"github.com/quizcoin/reward-service/internal/store"
)

// Guard reserves idempotency slots. Both reservations rely on unique indexes in the
// store, so two concurrent identical submissions cannot both succeed.
type Guard struct {
	requests store.FulfillmentStore
	attempts store.AttemptStore
}

func NewGuard(requests store.FulfillmentStore, attempts store.AttemptStore) *Guard {
	return &Guard{requests: requests, attempts: attempts}
}

// TryReserve persists req in the created state. When another request already holds
// the (user, idempotency key) slot it returns false and that request; if the two
// carry different payloads the error is domain.ErrIdempotencyKeyReuse.
func (g *Guard) TryReserve(ctx context.Context, req *domain.FulfillmentRequest) (bool, *domain.FulfillmentRequest, error) {
	reserved, existing, err := g.requests.ReserveFulfillmentRequest(ctx, req)
	if err != nil {
		return false, nil, fmt.Errorf("reserve fulfillment request: %w", err)
	}
	if reserved {
		return true, nil, nil
	}
	if existing != nil && existing.RequestHash != "" && req.RequestHash != "" && existing.RequestHash != req.RequestHash {
		return false, existing, domain.ErrIdempotencyKeyReuse
	}
	return false, existing, nil
}

// TryReserveAttempt records a quiz or challenge attempt. It returns false when the
// user already has an attempt for the same reference and type.
func (g *Guard) TryReserveAttempt(ctx context.Context, attempt *domain.Attempt) (bool, error) {
	reserved, err := g.attempts.ReserveAttempt(ctx, attempt)
	if err != nil {
		return false, fmt.Errorf("reserve attempt: %w", err)
	}
	return reserved, nil
}

// Release frees an attempt whose reward could not be credited.
func (g *Guard) Release(ctx context.Context, attemptID uuid.UUID) error {
	return g.attempts.ReleaseAttempt(ctx, attemptID)
}

// requestHash fingerprints the logical content of a redemption.
func requestHash(action domain.RewardAction, payload domain.ProviderPayload) string {
	body, _ := json.Marshal(struct {
		Action  domain.RewardAction    `json:"action"`
		Payload domain.ProviderPayload `json:"payload"`
	}{action, payload})
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
