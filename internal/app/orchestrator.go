/**
 * @description
 * The Orchestrator is the single path that turns coins into an external reward.
 * A fulfillment request moves created -> debited -> provider_called and then
 * settles as delivered, pending or refunded. Every step is a compare-and-set on
 * the request status; the ledger, not the status, is the record of coins.
 *
 * Key features:
 * - Prices the reward from the catalog and reserves the idempotency key first.
 * - Persists provider_called before the provider is contacted so a crash never
 *   hides a call that may have gone through.
 * - Refunds failed, retryable and rejected outcomes exactly once; a refund that
 *   cannot be written leaves the request in compensation_failed and alerts.
 *
 * @dependencies
 * - internal/gateway: provider adapters and routing.
 * - internal/catalog: product lookup and coin pricing.
 * - internal/store: fulfillment request persistence.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/quizcoin/reward-service/internal/catalog"
	"github.com/quizcoin/reward-service/internal/domain"
	"github.com/quizcoin/reward-service/internal/gateway"
	"github.com/quizcoin/reward-service/internal/metrics"
	"github.com/quizcoin/reward-service/internal/store"
)

const defaultProviderTimeout = 30 * time.Second

var phonePattern = regexp.MustCompile(`^\+?[0-9]{10,14}$`)

// RedeemCommand is a user's request to spend coins on a reward.
type RedeemCommand struct {
	UserID         string
	IdempotencyKey string
	Action         domain.RewardAction
	Phone          string
	Network        string
	PlanCode       string
	// Amount is the airtime value in naira. For data it is optional and, when set,
	// must match the plan price.
	Amount   int64
	PinType  string
	Quantity int
}

// Orchestrator runs reward redemptions.
type Orchestrator struct {
	guard           *Guard
	balance         *BalanceService
	requests        store.FulfillmentStore
	ledger          store.LedgerStore
	catalog         *catalog.Catalog
	router          *gateway.Router
	events          *EventPublisher
	metrics         *metrics.Metrics
	logger          *slog.Logger
	providerTimeout time.Duration
	now             func() time.Time
}

// OrchestratorDeps groups the Orchestrator's collaborators.
type OrchestratorDeps struct {
	Repository      store.Repository
	Balance         *BalanceService
	Catalog         *catalog.Catalog
	Router          *gateway.Router
	Events          *EventPublisher
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
	ProviderTimeout time.Duration
}

func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	timeout := deps.ProviderTimeout
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	return &Orchestrator{
		guard:           NewGuard(deps.Repository, deps.Repository),
		balance:         deps.Balance,
		requests:        deps.Repository,
		ledger:          deps.Repository,
		catalog:         deps.Catalog,
		router:          deps.Router,
		events:          deps.Events,
		metrics:         deps.Metrics,
		logger:          deps.Logger.With("component", "orchestrator"),
		providerTimeout: timeout,
		now:             time.Now,
	}
}

// order is a priced redemption ready to be sent to a provider.
type order struct {
	coinCost int64
	payload  domain.ProviderPayload
	call     func(ctx context.Context, p gateway.Provider, requestID string) gateway.Result
}

func (o *Orchestrator) prepare(cmd RedeemCommand) (*order, error) {
	phone := strings.ReplaceAll(strings.TrimSpace(cmd.Phone), " ", "")

	switch cmd.Action {
	case domain.ActionAirtime:
		if !phonePattern.MatchString(phone) {
			return nil, domain.NewValidationError("phone", "must be a valid phone number")
		}
		network, err := o.catalog.Network(cmd.Network)
		if err != nil {
			return nil, err
		}
		cost, err := o.catalog.AirtimeCoinCost(cmd.Amount)
		if err != nil {
			return nil, err
		}
		amount := cmd.Amount
		return &order{
			coinCost: cost,
			payload:  domain.ProviderPayload{Phone: phone, Network: network.Name, AmountNGN: amount},
			call: func(ctx context.Context, p gateway.Provider, requestID string) gateway.Result {
				return p.PurchaseAirtime(ctx, gateway.AirtimeOrder{RequestID: requestID, Phone: phone, Network: network, Amount: amount})
			},
		}, nil

	case domain.ActionData:
		if !phonePattern.MatchString(phone) {
			return nil, domain.NewValidationError("phone", "must be a valid phone number")
		}
		network, err := o.catalog.Network(cmd.Network)
		if err != nil {
			return nil, err
		}
		plan, err := o.catalog.DataPlan(network.Name, cmd.PlanCode)
		if err != nil {
			return nil, err
		}
		if cmd.Amount > 0 && cmd.Amount != plan.Price {
			return nil, domain.NewValidationError("amount", fmt.Sprintf("plan %s costs %d", plan.Code, plan.Price))
		}
		return &order{
			coinCost: plan.CoinCost,
			payload: domain.ProviderPayload{
				Phone:     phone,
				Network:   network.Name,
				PlanCode:  plan.Code,
				AmountNGN: plan.Price,
				Variation: plan.VTpassVariation,
			},
			call: func(ctx context.Context, p gateway.Provider, requestID string) gateway.Result {
				return p.PurchaseData(ctx, gateway.DataOrder{RequestID: requestID, Phone: phone, Network: network, Plan: plan})
			},
		}, nil

	case domain.ActionExamPin:
		if phone != "" && !phonePattern.MatchString(phone) {
			return nil, domain.NewValidationError("phone", "must be a valid phone number")
		}
		pin, err := o.catalog.ExamPin(cmd.PinType)
		if err != nil {
			return nil, err
		}
		cost, err := o.catalog.ExamPinCoinCost(pin, cmd.Quantity)
		if err != nil {
			return nil, err
		}
		quantity := cmd.Quantity
		return &order{
			coinCost: cost,
			payload: domain.ProviderPayload{
				Phone:     phone,
				PinType:   pin.Type,
				Quantity:  quantity,
				AmountNGN: pin.Price * int64(quantity),
			},
			call: func(ctx context.Context, p gateway.Provider, requestID string) gateway.Result {
				return p.PurchaseExamPin(ctx, gateway.ExamPinOrder{RequestID: requestID, Phone: phone, Pin: pin, Quantity: quantity})
			},
		}, nil
	}
	return nil, domain.NewValidationError("reward_action", fmt.Sprintf("unsupported reward action %q", cmd.Action))
}

// Redeem debits the user, calls the routed provider and settles the outcome.
//
// The returned result is non-nil whenever a request exists: for a duplicate
// submission it describes the earlier request and the error is
// domain.ErrDuplicateAttempt. Refunded requests return domain.ErrProviderTimeout or
// domain.ErrProviderRejected; a refund that could not be written returns
// domain.ErrCompensationFailure with an under_review result.
func (o *Orchestrator) Redeem(ctx context.Context, cmd RedeemCommand) (*domain.FulfillmentResult, error) {
	if strings.TrimSpace(cmd.UserID) == "" {
		return nil, domain.NewValidationError("user_id", "is required")
	}
	ord, err := o.prepare(cmd)
	if err != nil {
		return nil, err
	}
	provider, err := o.router.For(cmd.Action)
	if err != nil {
		return nil, err
	}

	key := strings.TrimSpace(cmd.IdempotencyKey)
	if key == "" {
		key = uuid.NewString()
	}
	now := o.now()
	req := &domain.FulfillmentRequest{
		ID:             uuid.New(),
		UserID:         cmd.UserID,
		IdempotencyKey: key,
		RequestHash:    requestHash(cmd.Action, ord.payload),
		Action:         cmd.Action,
		Provider:       provider.Name(),
		CoinAmount:     ord.coinCost,
		Payload:        ord.payload,
		Status:         domain.RequestStatusCreated,
	}
	req.ProviderRequestID = gateway.RequestIDFor(req.ID, now)

	logger := o.logger.With("request_id", req.ID, "user_id", req.UserID, "action", req.Action)

	reserved, existing, err := o.guard.TryReserve(ctx, req)
	if err != nil {
		return nil, err
	}
	if !reserved {
		logger.Info("duplicate redemption", "existing_request_id", existing.ID, "existing_status", existing.Status)
		o.metrics.ObserveFulfillment(string(cmd.Action), "duplicate")
		return o.resultFor(ctx, existing), fmt.Errorf("%w: request %s is %s", domain.ErrDuplicateAttempt, existing.ID, existing.Status)
	}

	// Once coins move the request must reach a settled state even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	if _, err := o.balance.Debit(ctx, domain.BalanceMutation{
		UserID:           req.UserID,
		Amount:           req.CoinAmount,
		Reason:           domain.ReasonRewardFulfillment,
		RelatedRequestID: req.ID.String(),
	}); err != nil {
		reason := err.Error()
		if _, tErr := o.transition(ctx, store.TransitionParams{
			ID: req.ID, From: []string{domain.RequestStatusCreated}, To: domain.RequestStatusRejected,
			FailureReason: &reason, Settled: true,
		}); tErr != nil {
			logger.Error("failed to mark request rejected", "error", tErr)
		}
		o.metrics.ObserveFulfillment(string(cmd.Action), domain.ResultRejected)
		logger.Info("redemption rejected", "error", err)
		return nil, err
	}

	if err := o.mustTransition(ctx, req.ID, domain.RequestStatusCreated, domain.RequestStatusDebited); err != nil {
		return o.settleAfterStoreFailure(ctx, req, err)
	}
	if err := o.mustTransition(ctx, req.ID, domain.RequestStatusDebited, domain.RequestStatusProviderCalled); err != nil {
		return o.settleAfterStoreFailure(ctx, req, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, o.providerTimeout)
	started := time.Now()
	res := ord.call(callCtx, provider, req.ProviderRequestID)
	cancel()
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) && res.Outcome == domain.OutcomeRetryable && res.Err == nil {
		res.Err = context.DeadlineExceeded
	}
	o.metrics.ObserveProviderCall(provider.Name(), string(cmd.Action), string(res.Outcome), time.Since(started))
	logger.Info("provider responded", "provider", provider.Name(), "outcome", res.Outcome, "reference", res.Reference, "message", res.Message)

	snapshot := *req
	result, err := o.settle(ctx, req, []string{domain.RequestStatusProviderCalled}, res)
	if err != nil && result == nil && (res.Outcome == domain.OutcomeDelivered || res.Outcome == domain.OutcomePending) {
		return o.unrecordedOutcome(ctx, snapshot, res, err), nil
	}
	return result, err
}

// unrecordedOutcome reports a delivered or pending provider result whose status
// write failed. The provider has acted on the debit, so the caller is told what
// happened; stale recovery and requery bring the stored request up to date.
func (o *Orchestrator) unrecordedOutcome(ctx context.Context, req domain.FulfillmentRequest, res gateway.Result, cause error) *domain.FulfillmentResult {
	req.Status = domain.RequestStatusSettledPending
	if res.Outcome == domain.OutcomeDelivered {
		req.Status = domain.RequestStatusSettledDelivered
	}
	req.Outcome = res.Outcome.Ptr()
	req.ProviderReference = optionalString(res.Reference)
	req.ProviderMessage = optionalString(res.Message)

	o.logger.Error("provider outcome not recorded; request left for reconciliation",
		"alert", true, "request_id", req.ID, "user_id", req.UserID, "outcome", res.Outcome,
		"reference", res.Reference, "error", cause)
	o.metrics.ObserveFulfillment(string(req.Action), resultStatus(req.Status))
	return o.resultFor(ctx, &req)
}

// settleAfterStoreFailure handles a status write that failed after the debit. The
// provider has not been called, so the coins are returned.
func (o *Orchestrator) settleAfterStoreFailure(ctx context.Context, req *domain.FulfillmentRequest, cause error) (*domain.FulfillmentResult, error) {
	o.logger.Error("status update failed after debit; refunding", "request_id", req.ID, "error", cause)
	res := gateway.Result{Outcome: domain.OutcomeRetryable, Message: "request could not be recorded", Err: cause}
	return o.settle(ctx, req, []string{domain.RequestStatusCreated, domain.RequestStatusDebited}, res)
}

// settle applies a provider result to a request currently in one of from.
func (o *Orchestrator) settle(ctx context.Context, req *domain.FulfillmentRequest, from []string, res gateway.Result) (*domain.FulfillmentResult, error) {
	outcome := res.Outcome
	if outcome == "" {
		outcome = domain.OutcomeRejected
	}
	params := store.TransitionParams{
		ID:                req.ID,
		From:              from,
		Outcome:           outcome.Ptr(),
		ProviderReference: optionalString(res.Reference),
		ProviderMessage:   optionalString(res.Message),
		RawResponse:       res.Raw,
	}

	switch outcome {
	case domain.OutcomeDelivered:
		params.To = domain.RequestStatusSettledDelivered
		params.Settled = true
		if err := o.applyTransition(ctx, req, params); err != nil {
			return nil, err
		}
		o.metrics.ObserveFulfillment(string(req.Action), domain.ResultDelivered)
		return o.resultFor(ctx, req), nil

	case domain.OutcomePending:
		params.To = domain.RequestStatusSettledPending
		if err := o.applyTransition(ctx, req, params); err != nil {
			return nil, err
		}
		o.metrics.ObserveFulfillment(string(req.Action), domain.ResultPending)
		return o.resultFor(ctx, req), nil
	}

	result, err := o.compensate(ctx, req, from, outcome, res)
	if err != nil {
		return result, err
	}
	if res.TimedOut() {
		return result, fmt.Errorf("%w: coins refunded", domain.ErrProviderTimeout)
	}
	return result, fmt.Errorf("%w: %s; coins refunded", domain.ErrProviderRejected, describeOutcome(outcome, res.Message))
}

// compensate refunds req and marks it settled_refunded. The refund is keyed on the
// request id so running it twice never credits twice.
func (o *Orchestrator) compensate(ctx context.Context, req *domain.FulfillmentRequest, from []string, outcome domain.ProviderOutcome, res gateway.Result) (*domain.FulfillmentResult, error) {
	logger := o.logger.With("request_id", req.ID, "user_id", req.UserID)
	reason := describeOutcome(outcome, res.Message)

	_, err := o.balance.Credit(ctx, domain.BalanceMutation{
		UserID:           req.UserID,
		Amount:           req.CoinAmount,
		Reason:           domain.ReasonRewardRefund,
		RelatedRequestID: req.ID.String(),
		ProviderStatus:   outcome.Ptr(),
	})
	switch {
	case err == nil:
		o.metrics.ObserveCompensation("refunded")
	case errors.Is(err, domain.ErrAlreadyCompensated):
		o.metrics.ObserveCompensation("already_refunded")
		logger.Warn("refund already recorded", "outcome", outcome)
	default:
		o.metrics.ObserveCompensation("failed")
		logger.Error("COMPENSATION FAILURE: user debited without refund",
			"alert", true, "coin_amount", req.CoinAmount, "outcome", outcome, "error", err)
		failure := fmt.Sprintf("refund failed: %v", err)
		if tErr := o.applyTransition(ctx, req, store.TransitionParams{
			ID: req.ID, From: from, To: domain.RequestStatusCompensationFailed,
			Outcome: outcome.Ptr(), ProviderReference: optionalString(res.Reference),
			ProviderMessage: optionalString(res.Message), RawResponse: res.Raw, FailureReason: &failure,
		}); tErr != nil {
			logger.Error("failed to record compensation failure", "alert", true, "error", tErr)
		}
		o.metrics.ObserveFulfillment(string(req.Action), domain.ResultUnderReview)
		result := o.resultFor(ctx, req)
		result.Status = domain.ResultUnderReview
		return result, fmt.Errorf("%w: request %s: %v", domain.ErrCompensationFailure, req.ID, err)
	}

	if tErr := o.applyTransition(ctx, req, store.TransitionParams{
		ID: req.ID, From: from, To: domain.RequestStatusSettledRefunded,
		Outcome: outcome.Ptr(), ProviderReference: optionalString(res.Reference),
		ProviderMessage: optionalString(res.Message), RawResponse: res.Raw,
		FailureReason: &reason, Settled: true,
	}); tErr != nil {
		logger.Warn("refund written but status not updated", "error", tErr)
	}
	o.metrics.ObserveFulfillment(string(req.Action), domain.ResultRefunded)
	return o.resultFor(ctx, req), nil
}

// applyTransition performs a transition, reloads req and publishes the settlement event.
func (o *Orchestrator) applyTransition(ctx context.Context, req *domain.FulfillmentRequest, params store.TransitionParams) error {
	ok, err := o.transition(ctx, params)
	if err != nil {
		return err
	}
	current, getErr := o.requests.GetFulfillmentRequest(ctx, req.ID)
	if getErr == nil {
		*req = *current
	}
	if !ok {
		return fmt.Errorf("%w: %s is %s, expected one of %v", domain.ErrInvalidTransition, req.ID, req.Status, params.From)
	}
	o.events.RequestSettled(ctx, req)
	return nil
}

func (o *Orchestrator) transition(ctx context.Context, params store.TransitionParams) (bool, error) {
	ok, err := o.requests.TransitionFulfillmentRequest(ctx, params)
	if err != nil {
		return false, fmt.Errorf("transition %s to %s: %w", params.ID, params.To, err)
	}
	return ok, nil
}

func (o *Orchestrator) mustTransition(ctx context.Context, id uuid.UUID, from, to string) error {
	ok, err := o.transition(ctx, store.TransitionParams{ID: id, From: []string{from}, To: to})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s not in %s", domain.ErrInvalidTransition, id, from)
	}
	return nil
}

// Get returns a request. A non-empty userID restricts the lookup to that user's requests.
func (o *Orchestrator) Get(ctx context.Context, userID string, id uuid.UUID) (*domain.FulfillmentRequest, error) {
	req, err := o.requests.GetFulfillmentRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID != "" && req.UserID != userID {
		return nil, domain.ErrRequestNotFound
	}
	return req, nil
}

// List returns fulfillment requests matching filter.
func (o *Orchestrator) List(ctx context.Context, filter store.FulfillmentFilter) ([]domain.FulfillmentRequest, error) {
	return o.requests.ListFulfillmentRequests(ctx, filter)
}

// Result describes req in the caller-facing vocabulary.
func (o *Orchestrator) Result(ctx context.Context, req *domain.FulfillmentRequest) *domain.FulfillmentResult {
	return o.resultFor(ctx, req)
}

func (o *Orchestrator) resultFor(ctx context.Context, req *domain.FulfillmentRequest) *domain.FulfillmentResult {
	if req == nil {
		return nil
	}
	result := &domain.FulfillmentResult{
		RequestID:  req.ID,
		Status:     resultStatus(req.Status),
		Outcome:    req.Outcome,
		CoinAmount: req.CoinAmount,
	}
	if req.ProviderReference != nil {
		result.ProviderReference = *req.ProviderReference
	}
	if result.ProviderReference == "" && result.Status == domain.ResultPending {
		result.ProviderReference = req.ProviderRequestID
	}
	switch result.Status {
	case domain.ResultDelivered:
		result.Message = "reward delivered"
	case domain.ResultPending:
		result.Message = "reward is processing; check back later"
	case domain.ResultRefunded:
		result.Message = "reward could not be delivered; coins refunded"
	case domain.ResultUnderReview:
		result.Message = "reward is under review; coins will be restored if it was not delivered"
	case domain.ResultRejected:
		if req.FailureReason != nil {
			result.Message = *req.FailureReason
		}
	}
	if balance, err := o.balance.Balance(ctx, req.UserID); err == nil {
		result.Balance = balance
	}
	return result
}

func resultStatus(status string) string {
	switch status {
	case domain.RequestStatusSettledDelivered:
		return domain.ResultDelivered
	case domain.RequestStatusSettledRefunded:
		return domain.ResultRefunded
	case domain.RequestStatusCompensationFailed:
		return domain.ResultUnderReview
	case domain.RequestStatusRejected:
		return domain.ResultRejected
	}
	return domain.ResultPending
}

func describeOutcome(outcome domain.ProviderOutcome, message string) string {
	message = strings.TrimSpace(message)
	if message == "" {
		return "provider outcome " + string(outcome)
	}
	return fmt.Sprintf("provider outcome %s: %s", outcome, message)
}

func optionalString(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return &value
}
