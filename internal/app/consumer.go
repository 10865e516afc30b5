package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/quizcoin/reward-service/internal/domain"
	"github.com/quizcoin/reward-service/internal/gateway"
)

// RoutingProviderStatusUpdated is the routing key the webhook gateway publishes
// provider callbacks under.
const RoutingProviderStatusUpdated = "provider.status.updated"

// ProviderStatusConsumer applies late provider status callbacks, relayed by the
// webhook gateway over AMQP, to pending fulfillment requests.
type ProviderStatusConsumer struct {
	orchestrator *Orchestrator
	logger       *slog.Logger
}

func NewProviderStatusConsumer(orchestrator *Orchestrator, logger *slog.Logger) *ProviderStatusConsumer {
	return &ProviderStatusConsumer{orchestrator: orchestrator, logger: logger.With("component", "provider_status_consumer")}
}

// HandleMessage reports whether the delivery should be acknowledged. Malformed or
// unknown events are acknowledged and dropped; store failures are redelivered.
func (c *ProviderStatusConsumer) HandleMessage(body []byte) bool {
	var event domain.ProviderStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Warn("failed to unmarshal payload", "error", err)
		return true
	}

	id, err := uuid.Parse(strings.TrimSpace(event.RequestID))
	if err != nil {
		c.logger.Warn("missing or invalid request id in event", "event_id", event.EventID, "request_id", event.RequestID)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.processEvent(ctx, id, event); err != nil {
		c.logger.Error("processing error", "request_id", id, "event_id", event.EventID, "error", err)
		return false
	}
	return true
}

func (c *ProviderStatusConsumer) processEvent(ctx context.Context, id uuid.UUID, event domain.ProviderStatusEvent) error {
	req, err := c.orchestrator.Get(ctx, "", id)
	if err != nil {
		if errors.Is(err, domain.ErrRequestNotFound) {
			c.logger.Info("no fulfillment request for event; acknowledging", "request_id", id)
			return nil
		}
		return fmt.Errorf("lookup request: %w", err)
	}
	if event.Provider != "" && !strings.EqualFold(event.Provider, req.Provider) {
		c.logger.Warn("event provider does not match request; ignoring", "request_id", id, "event_provider", event.Provider, "request_provider", req.Provider)
		return nil
	}
	if event.ProviderRequestID != "" && req.ProviderRequestID != "" && event.ProviderRequestID != req.ProviderRequestID {
		c.logger.Warn("event provider request id does not match; ignoring", "request_id", id, "event_provider_request_id", event.ProviderRequestID)
		return nil
	}

	outcome, known := gateway.NormalizeStatus(event.Status)
	if !known {
		// Unrecognized words never release coins; the request stays pending for requery.
		c.logger.Warn("unrecognized provider status; leaving request pending", "request_id", id, "status", event.Status, "code", event.Code)
		outcome = domain.OutcomePending
	}

	_, err = c.orchestrator.ResolvePending(ctx, id, gateway.Result{
		Outcome:   outcome,
		Reference: event.ProviderReference,
		Message:   event.Message,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrInvalidTransition):
		c.logger.Info("event does not apply to request state", "request_id", id, "error", err)
		return nil
	case errors.Is(err, domain.ErrCompensationFailure):
		// Already escalated and recorded as compensation_failed; redelivery would not help.
		return nil
	}
	return err
}
