package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/quizcoin/reward-service/internal/domain"
	"github.com/quizcoin/reward-service/internal/gateway"
	"github.com/quizcoin/reward-service/internal/store"
)

const (
	defaultReconcileLimit = 100
	maxReconcileLimit     = 500
)

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Scanned       int `json:"scanned"`
	Delivered     int `json:"delivered"`
	Refunded      int `json:"refunded"`
	StillPending  int `json:"still_pending"`
	MarkedPending int `json:"marked_pending"`
	Rejected      int `json:"rejected"`
	Skipped       int `json:"skipped"`
	Errors        int `json:"errors"`
}

func normalizeReconcileLimit(limit int) int {
	if limit <= 0 {
		return defaultReconcileLimit
	}
	if limit > maxReconcileLimit {
		return maxReconcileLimit
	}
	return limit
}

// ResolvePending applies a late provider result (from a requery or a status
// callback) to a pending request. Delivered settles it; Failed refunds it. Pending,
// Retryable and unrecognized results leave it pending: the coins are already
// accounted for as spent-pending, so only an explicit failure releases them.
func (o *Orchestrator) ResolvePending(ctx context.Context, id uuid.UUID, res gateway.Result) (*domain.FulfillmentResult, error) {
	req, err := o.requests.GetFulfillmentRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	logger := o.logger.With("request_id", req.ID, "user_id", req.UserID)

	from := []string{domain.RequestStatusSettledPending, domain.RequestStatusProviderCalled}
	switch req.Status {
	case domain.RequestStatusSettledPending, domain.RequestStatusProviderCalled:
	case domain.RequestStatusSettledDelivered, domain.RequestStatusSettledRefunded, domain.RequestStatusCompensationFailed:
		logger.Info("late provider result for settled request ignored", "status", req.Status, "outcome", res.Outcome)
		return o.resultFor(ctx, req), nil
	default:
		return o.resultFor(ctx, req), fmt.Errorf("%w: %s is %s", domain.ErrInvalidTransition, req.ID, req.Status)
	}

	switch res.Outcome {
	case domain.OutcomeDelivered:
		result, err := o.settle(ctx, req, from, res)
		if err == nil {
			logger.Info("pending request delivered", "reference", res.Reference)
		}
		return result, err
	case domain.OutcomeFailed:
		result, err := o.compensate(ctx, req, from, res.Outcome, res)
		if err == nil {
			logger.Info("pending request failed at provider; refunded", "message", res.Message)
		}
		return result, err
	}

	if req.Status == domain.RequestStatusProviderCalled {
		if err := o.applyTransition(ctx, req, store.TransitionParams{
			ID: req.ID, From: []string{domain.RequestStatusProviderCalled}, To: domain.RequestStatusSettledPending,
			ProviderMessage: optionalString(res.Message),
		}); err != nil {
			return nil, err
		}
	}
	logger.Info("request still pending", "outcome", res.Outcome, "message", res.Message)
	return o.resultFor(ctx, req), nil
}

// Requery asks the request's provider for its current status and applies it.
func (o *Orchestrator) Requery(ctx context.Context, id uuid.UUID) (*domain.FulfillmentResult, error) {
	req, err := o.requests.GetFulfillmentRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	provider, ok := o.router.ByName(req.Provider)
	if !ok {
		return nil, fmt.Errorf("provider %q is not configured", req.Provider)
	}
	requerier, ok := provider.(gateway.Requerier)
	if !ok {
		return o.resultFor(ctx, req), fmt.Errorf("%w: %s", domain.ErrRequeryUnsupported, req.Provider)
	}

	callCtx, cancel := context.WithTimeout(ctx, o.providerTimeout)
	started := time.Now()
	res := requerier.Requery(callCtx, req.ProviderRequestID)
	cancel()
	o.metrics.ObserveProviderCall(req.Provider, "requery", string(res.Outcome), time.Since(started))

	return o.ResolvePending(context.WithoutCancel(ctx), id, res)
}

// RetryCompensation re-attempts the refund of a request left in compensation_failed.
// It is operator-triggered; compensation failures are never retried automatically.
func (o *Orchestrator) RetryCompensation(ctx context.Context, id uuid.UUID) (*domain.FulfillmentResult, error) {
	req, err := o.requests.GetFulfillmentRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != domain.RequestStatusCompensationFailed {
		return o.resultFor(ctx, req), fmt.Errorf("%w: %s is %s", domain.ErrInvalidTransition, req.ID, req.Status)
	}
	outcome := domain.OutcomeRejected
	if req.Outcome != nil {
		outcome = *req.Outcome
	}
	res := gateway.Result{Outcome: outcome}
	if req.ProviderMessage != nil {
		res.Message = *req.ProviderMessage
	}
	o.logger.Info("retrying compensation", "request_id", req.ID, "user_id", req.UserID, "outcome", outcome)
	return o.compensate(ctx, req, []string{domain.RequestStatusCompensationFailed}, outcome, res)
}

// ReconcilePending requeries pending requests last updated before olderThan.
func (o *Orchestrator) ReconcilePending(ctx context.Context, olderThan time.Duration, limit int) (ReconcileReport, error) {
	var report ReconcileReport
	cutoff := o.now().Add(-olderThan)
	pending, err := o.requests.ListFulfillmentRequests(ctx, store.FulfillmentFilter{
		Statuses:      []string{domain.RequestStatusSettledPending},
		UpdatedBefore: &cutoff,
		OldestFirst:   true,
		Limit:         normalizeReconcileLimit(limit),
	})
	if err != nil {
		return report, fmt.Errorf("list pending requests: %w", err)
	}

	for _, req := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++
		result, err := o.Requery(ctx, req.ID)
		switch {
		case errors.Is(err, domain.ErrRequeryUnsupported):
			report.Skipped++
			continue
		case err != nil && result == nil:
			report.Errors++
			o.logger.Warn("pending requery failed", "request_id", req.ID, "error", err)
			continue
		case errors.Is(err, domain.ErrCompensationFailure):
			report.Errors++
			continue
		}
		switch result.Status {
		case domain.ResultDelivered:
			report.Delivered++
		case domain.ResultRefunded:
			report.Refunded++
		default:
			report.StillPending++
		}
	}
	return report, nil
}

// RecoverStale settles requests abandoned mid-flight, e.g. by a crash:
//   - created without a debit entry: the coins never moved, so the request is rejected
//   - created with a debit entry, or debited: the provider was never called, so it is refunded
//   - provider_called: the provider may have the order, so it becomes pending for requery
func (o *Orchestrator) RecoverStale(ctx context.Context, olderThan time.Duration, limit int) (ReconcileReport, error) {
	var report ReconcileReport
	cutoff := o.now().Add(-olderThan)
	stale, err := o.requests.ListFulfillmentRequests(ctx, store.FulfillmentFilter{
		Statuses:      []string{domain.RequestStatusCreated, domain.RequestStatusDebited, domain.RequestStatusProviderCalled},
		UpdatedBefore: &cutoff,
		OldestFirst:   true,
		Limit:         normalizeReconcileLimit(limit),
	})
	if err != nil {
		return report, fmt.Errorf("list stale requests: %w", err)
	}

	for i := range stale {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		req := stale[i]
		report.Scanned++
		if err := o.recoverOne(ctx, &req, &report); err != nil {
			report.Errors++
			o.logger.Warn("stale request recovery failed", "request_id", req.ID, "status", req.Status, "error", err)
		}
	}
	return report, nil
}

func (o *Orchestrator) recoverOne(ctx context.Context, req *domain.FulfillmentRequest, report *ReconcileReport) error {
	logger := o.logger.With("request_id", req.ID, "user_id", req.UserID, "status", req.Status)

	switch req.Status {
	case domain.RequestStatusCreated:
		debit, err := o.ledger.FindLedgerEntry(ctx, req.ID.String(), domain.ReasonRewardFulfillment)
		if err != nil {
			return fmt.Errorf("find debit entry: %w", err)
		}
		if debit == nil {
			reason := "abandoned before debit"
			if err := o.applyTransition(ctx, req, store.TransitionParams{
				ID: req.ID, From: []string{domain.RequestStatusCreated}, To: domain.RequestStatusRejected,
				FailureReason: &reason, Settled: true,
			}); err != nil {
				return err
			}
			report.Rejected++
			logger.Info("stale request rejected; no coins were debited")
			return nil
		}
		fallthrough

	case domain.RequestStatusDebited:
		res := gateway.Result{Outcome: domain.OutcomeRetryable, Message: "provider was never called"}
		if _, err := o.compensate(ctx, req, []string{domain.RequestStatusCreated, domain.RequestStatusDebited}, res.Outcome, res); err != nil {
			return err
		}
		report.Refunded++
		logger.Info("stale request refunded")
		return nil

	case domain.RequestStatusProviderCalled:
		message := "provider response not recorded; awaiting requery"
		if err := o.applyTransition(ctx, req, store.TransitionParams{
			ID: req.ID, From: []string{domain.RequestStatusProviderCalled}, To: domain.RequestStatusSettledPending,
			ProviderMessage: &message,
		}); err != nil {
			return err
		}
		report.MarkedPending++
		logger.Info("stale request moved to pending")
		return nil
	}
	report.Skipped++
	return nil
}
