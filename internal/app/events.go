package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/quizcoin/reward-service/internal/domain"
	"github.com/quizcoin/reward-service/pkg/rabbitmq"
)

// Routing keys for events on the reward exchange.
const (
	RoutingRewardDelivered          = "reward.delivered"
	RoutingRewardPending            = "reward.pending"
	RoutingRewardRefunded           = "reward.refunded"
	RoutingRewardRejected           = "reward.rejected"
	RoutingRewardCompensationFailed = "reward.compensation.failed"
	RoutingCoinsCredited            = "coins.credited"
)

// EventPublisher publishes reward lifecycle events. Publish failures are logged
// and never fail the operation that produced the event.
type EventPublisher struct {
	publisher rabbitmq.Publisher
	exchange  string
	logger    *slog.Logger
}

// NewEventPublisher returns a publisher for exchange. A nil publisher drops events.
func NewEventPublisher(publisher rabbitmq.Publisher, exchange string, logger *slog.Logger) *EventPublisher {
	if exchange == "" {
		exchange = "reward_events"
	}
	return &EventPublisher{publisher: publisher, exchange: exchange, logger: logger.With("component", "event_publisher")}
}

func (e *EventPublisher) publish(ctx context.Context, routingKey string, body interface{}) {
	if e == nil || e.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.publisher.Publish(ctx, e.exchange, routingKey, body); err != nil {
		e.logger.Warn("event publish failed", "routing_key", routingKey, "error", err)
	}
}

// RequestSettled publishes the event matching the request's current status.
func (e *EventPublisher) RequestSettled(ctx context.Context, req *domain.FulfillmentRequest) {
	if e == nil || req == nil {
		return
	}
	routingKey := routingKeyFor(req.Status)
	if routingKey == "" {
		return
	}
	event := domain.RewardEvent{
		RequestID:  req.ID.String(),
		UserID:     req.UserID,
		Action:     string(req.Action),
		Provider:   req.Provider,
		Status:     req.Status,
		CoinAmount: req.CoinAmount,
		Timestamp:  time.Now().UTC(),
	}
	if req.Outcome != nil {
		event.Outcome = string(*req.Outcome)
	}
	if req.ProviderReference != nil {
		event.ProviderReference = *req.ProviderReference
	}
	if req.FailureReason != nil {
		event.Reason = *req.FailureReason
	}
	e.publish(ctx, routingKey, event)
}

// CoinsCredited publishes a credit made outside the reward flow.
func (e *EventPublisher) CoinsCredited(ctx context.Context, entry *domain.LedgerEntry, referenceID string) {
	if e == nil || entry == nil {
		return
	}
	e.publish(ctx, RoutingCoinsCredited, domain.CoinsCreditedEvent{
		UserID:      entry.UserID,
		Amount:      entry.Amount,
		Reason:      string(entry.Reason),
		ReferenceID: referenceID,
		NewBalance:  entry.NewBalance,
		Timestamp:   entry.CreatedAt,
	})
}

func routingKeyFor(status string) string {
	switch status {
	case domain.RequestStatusSettledDelivered:
		return RoutingRewardDelivered
	case domain.RequestStatusSettledPending:
		return RoutingRewardPending
	case domain.RequestStatusSettledRefunded:
		return RoutingRewardRefunded
	case domain.RequestStatusRejected:
		return RoutingRewardRejected
	case domain.RequestStatusCompensationFailed:
		return RoutingRewardCompensationFailed
	}
	return ""
}
