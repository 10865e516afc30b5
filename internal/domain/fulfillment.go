package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ProviderOutcome is the canonical classification of a provider response.
type ProviderOutcome string

const (
	OutcomeDelivered ProviderOutcome = "delivered"
	OutcomePending   ProviderOutcome = "pending"
	OutcomeFailed    ProviderOutcome = "failed"
	OutcomeRetryable ProviderOutcome = "retryable"
	OutcomeRejected  ProviderOutcome = "rejected"
)

// RequiresRefund reports whether the debited coins must be returned to the user.
func (o ProviderOutcome) RequiresRefund() bool {
	return o == OutcomeFailed || o == OutcomeRetryable || o == OutcomeRejected
}

// Ptr returns a pointer to a copy of o.
func (o ProviderOutcome) Ptr() *ProviderOutcome {
	return &o
}

// RewardAction is the kind of external reward being redeemed.
type RewardAction string

const (
	ActionAirtime RewardAction = "airtime"
	ActionData    RewardAction = "data"
	ActionExamPin RewardAction = "exam_pin"
)

// Fulfillment request lifecycle states.
const (
	RequestStatusCreated            = "created"
	RequestStatusDebited            = "debited"
	RequestStatusProviderCalled     = "provider_called"
	RequestStatusSettledDelivered   = "settled_delivered"
	RequestStatusSettledPending     = "settled_pending"
	RequestStatusSettledRefunded    = "settled_refunded"
	RequestStatusRejected           = "rejected"
	RequestStatusCompensationFailed = "compensation_failed"
)

// IsTerminalRequestStatus reports whether no further transition is expected without
// outside input (a requery, a callback, or an operator).
func IsTerminalRequestStatus(status string) bool {
	switch status {
	case RequestStatusSettledDelivered, RequestStatusSettledRefunded, RequestStatusRejected:
		return true
	}
	return false
}

// ReleasesIdempotencyKey reports whether a request in this status no longer
// holds its (user, idempotency key) slot.
func ReleasesIdempotencyKey(status string) bool {
	return status == RequestStatusSettledRefunded || status == RequestStatusRejected
}

// ProviderPayload carries the caller's reward details.
type ProviderPayload struct {
	Phone      string `json:"phone,omitempty"`
	Network    string `json:"network,omitempty"`
	PlanCode   string `json:"plan_code,omitempty"`
	AmountNGN  int64  `json:"amount_ngn,omitempty"`
	PinType    string `json:"pin_type,omitempty"`
	Quantity   int    `json:"quantity,omitempty"`
	Variation  string `json:"variation,omitempty"`
	ServiceRef string `json:"service_ref,omitempty"`
}

// FulfillmentRequest is one attempt to convert coins into an external reward.
// It maps to the `fulfillment_requests` table.
type FulfillmentRequest struct {
	ID                uuid.UUID        `json:"id"`
	UserID            string           `json:"user_id"`
	IdempotencyKey    string           `json:"idempotency_key"`
	RequestHash       string           `json:"-"`
	Action            RewardAction     `json:"reward_action"`
	Provider          string           `json:"provider"`
	CoinAmount        int64            `json:"coin_amount"`
	Payload           ProviderPayload  `json:"payload"`
	Status            string           `json:"status"`
	Outcome           *ProviderOutcome `json:"outcome,omitempty"`
	ProviderRequestID string           `json:"provider_request_id,omitempty"`
	ProviderReference *string          `json:"provider_reference,omitempty"`
	ProviderMessage   *string          `json:"provider_message,omitempty"`
	RawResponse       json.RawMessage  `json:"-"`
	FailureReason     *string          `json:"failure_reason,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
	SettledAt         *time.Time       `json:"settled_at,omitempty"`
}

// Result buckets presented to callers.
const (
	ResultDelivered   = "delivered"
	ResultPending     = "pending"
	ResultRefunded    = "refunded"
	ResultUnderReview = "under_review"
	ResultRejected    = "rejected"
)

// FulfillmentResult is the normalized outcome returned to callers; it never carries
// a raw provider payload.
type FulfillmentResult struct {
	RequestID         uuid.UUID        `json:"request_id"`
	Status            string           `json:"status"`
	Outcome           *ProviderOutcome `json:"outcome,omitempty"`
	CoinAmount        int64            `json:"coin_amount"`
	Balance           int64            `json:"balance"`
	ProviderReference string           `json:"reference,omitempty"`
	Message           string           `json:"message,omitempty"`
}
