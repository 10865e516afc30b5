package domain

import "time"

// ProviderStatusEvent represents the message emitted by the provider webhook gateway
// when a VTU provider reports a late status for a previously submitted request.
type ProviderStatusEvent struct {
	EventID           string    `json:"event_id"`
	Provider          string    `json:"provider"`
	RequestID         string    `json:"request_id"`
	ProviderRequestID string    `json:"provider_request_id"`
	ProviderReference string    `json:"provider_reference"`
	Status            string    `json:"status"`
	Code              string    `json:"code"`
	Message           string    `json:"message"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// RewardEvent is published for every settled fulfillment request.
type RewardEvent struct {
	RequestID         string    `json:"request_id"`
	UserID            string    `json:"user_id"`
	Action            string    `json:"action"`
	Provider          string    `json:"provider"`
	Status            string    `json:"status"`
	Outcome           string    `json:"outcome,omitempty"`
	CoinAmount        int64     `json:"coin_amount"`
	ProviderReference string    `json:"provider_reference,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// CoinsCreditedEvent is published when coins are awarded outside of the reward flow.
type CoinsCreditedEvent struct {
	UserID      string    `json:"user_id"`
	Amount      int64     `json:"amount"`
	Reason      string    `json:"reason"`
	ReferenceID string    `json:"reference_id,omitempty"`
	NewBalance  int64     `json:"new_balance"`
	Timestamp   time.Time `json:"timestamp"`
}
