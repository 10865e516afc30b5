package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/quizcoin/reward-service/internal/domain"
	"github.com/quizcoin/reward-service/internal/gateway"
	"github.com/quizcoin/reward-service/internal/store/memory"
	"github.com/quizcoin/reward-service/pkg/vtpassclient"
)

func delivered(ref string) gateway.Result {
	return gateway.Result{Outcome: domain.OutcomeDelivered, Reference: ref, Message: "TRANSACTION SUCCESSFUL"}
}

func TestRedeem_DeliveredDebitsOnce(t *testing.T) {
	provider := &stubProvider{result: delivered("17001")}
	h := newHarness(t, provider)
	h.fund(t, "user-1", 200)

	result, err := h.orch.Redeem(context.Background(), airtime("user-1", "key-1"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.Status != domain.ResultDelivered {
		t.Fatalf("expected delivered, got %s", result.Status)
	}
	if result.ProviderReference != "17001" {
		t.Fatalf("expected provider reference 17001, got %q", result.ProviderReference)
	}
	if result.CoinAmount != airtimeCost || result.Balance != 200-airtimeCost {
		t.Fatalf("expected cost %d and balance %d, got %d and %d", airtimeCost, 200-airtimeCost, result.CoinAmount, result.Balance)
	}

	req := h.request(t, result.RequestID)
	if req.Status != domain.RequestStatusSettledDelivered {
		t.Fatalf("expected settled_delivered, got %s", req.Status)
	}
	if req.SettledAt == nil {
		t.Fatal("expected settled_at to be set")
	}
	if req.ProviderRequestID == "" {
		t.Fatal("expected a provider request id")
	}

	entries := h.entries(t, "user-1")
	if len(entries) != 2 {
		t.Fatalf("expected funding credit and one debit, got %d entries", len(entries))
	}
	if entries[0].Direction != domain.DirectionDebit || entries[0].Reason != domain.ReasonRewardFulfillment || entries[0].RelatedRequestID != result.RequestID.String() {
		t.Fatalf("unexpected debit entry: %+v", entries[0])
	}
	h.assertConsistent(t, "user-1")

	if got := h.events.count(RoutingRewardDelivered); got != 1 {
		t.Fatalf("expected one delivered event, got %d", got)
	}
}

func TestRedeem_VTpassCode030IsRefunded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"code":"030","response_description":"BILLER NOT REACHABLE AT THIS POINT"}`))
	}))
	t.Cleanup(server.Close)

	h := newHarness(t, gateway.NewVTpass(vtpassclient.NewClient(server.URL, "key", "public", "secret")))
	h.fund(t, "user-1", 200)

	result, err := h.orch.Redeem(context.Background(), airtime("user-1", "key-030"))
	if !errors.Is(err, domain.ErrProviderRejected) {
		t.Fatalf("expected ErrProviderRejected, got %v", err)
	}
	if result == nil || result.Status != domain.ResultRefunded {
		t.Fatalf("expected refunded result, got %+v", result)
	}
	if got := h.balanceOf(t, "user-1"); got != 200 {
		t.Fatalf("expected balance restored to 200, got %d", got)
	}

	req := h.request(t, result.RequestID)
	if req.Status != domain.RequestStatusSettledRefunded {
		t.Fatalf("expected settled_refunded, got %s", req.Status)
	}
	if req.Outcome == nil || *req.Outcome != domain.OutcomeFailed {
		t.Fatalf("expected failed outcome, got %v", req.Outcome)
	}

	entries := h.entries(t, "user-1")
	if len(entries) != 3 {
		t.Fatalf("expected credit, debit and refund, got %d entries", len(entries))
	}
	refund := entries[0]
	if refund.Reason != domain.ReasonRewardRefund || refund.Amount != airtimeCost || refund.RelatedRequestID != result.RequestID.String() {
		t.Fatalf("unexpected refund entry: %+v", refund)
	}
	if refund.ProviderStatus == nil || *refund.ProviderStatus != domain.OutcomeFailed {
		t.Fatalf("expected refund to record failed provider status, got %v", refund.ProviderStatus)
	}
	h.assertConsistent(t, "user-1")
	if got := h.events.count(RoutingRewardRefunded); got != 1 {
		t.Fatalf("expected one refunded event, got %d", got)
	}
}

func TestRedeem_PendingKeepsCoinsDebited(t *testing.T) {
	provider := &stubProvider{result: gateway.Result{Outcome: domain.OutcomePending, Message: "TRANSACTION PROCESSING"}}
	h := newHarness(t, provider)
	h.fund(t, "user-1", 100)

	result, err := h.orch.Redeem(context.Background(), airtime("user-1", "key-pending"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.Status != domain.ResultPending {
		t.Fatalf("expected pending, got %s", result.Status)
	}
	req := h.request(t, result.RequestID)
	if result.ProviderReference != req.ProviderRequestID {
		t.Fatalf("expected pending reference to be the provider request id %q, got %q", req.ProviderRequestID, result.ProviderReference)
	}
	if req.Status != domain.RequestStatusSettledPending || req.SettledAt != nil {
		t.Fatalf("expected unsettled settled_pending request, got %s settled_at=%v", req.Status, req.SettledAt)
	}
	if got := h.balanceOf(t, "user-1"); got != 100-airtimeCost {
		t.Fatalf("expected coins to stay debited, got balance %d", got)
	}
	h.assertConsistent(t, "user-1")
}

func TestRedeem_TimeoutIsRefunded(t *testing.T) {
	provider := &stubProvider{block: true}
	h := newHarness(t, provider, withProviderTimeout(30*time.Millisecond))
	h.fund(t, "user-1", 100)

	result, err := h.orch.Redeem(context.Background(), airtime("user-1", "key-timeout"))
	if !errors.Is(err, domain.ErrProviderTimeout) {
		t.Fatalf("expected ErrProviderTimeout, got %v", err)
	}
	if result.Status != domain.ResultRefunded {
		t.Fatalf("expected refunded, got %s", result.Status)
	}
	if got := h.balanceOf(t, "user-1"); got != 100 {
		t.Fatalf("expected refund, got balance %d", got)
	}
	h.assertConsistent(t, "user-1")
}

func TestRedeem_RetryableAndRejectedAreRefunded(t *testing.T) {
	tests := []struct {
		name   string
		result gateway.Result
	}{
		{"retryable transport failure", gateway.Result{Outcome: domain.OutcomeRetryable, Err: errors.New("connection reset"), Message: "connection reset"}},
		{"unknown response", gateway.Result{Outcome: domain.OutcomeRejected, Message: "unknown response code 777"}},
		{"empty outcome", gateway.Result{}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, &stubProvider{result: tc.result})
			h.fund(t, "user-1", 100)

			result, err := h.orch.Redeem(context.Background(), airtime("user-1", "key"))
			if !errors.Is(err, domain.ErrProviderRejected) {
				t.Fatalf("expected ErrProviderRejected, got %v", err)
			}
			if result.Status != domain.ResultRefunded {
				t.Fatalf("expected refunded, got %s", result.Status)
			}
			if got := h.balanceOf(t, "user-1"); got != 100 {
				t.Fatalf("expected balance 100, got %d", got)
			}
			h.assertConsistent(t, "user-1")
		})
	}
}

func TestRedeem_InsufficientFundsWritesNoEntry(t *testing.T) {
	provider := &stubProvider{result: delivered("x")}
	h := newHarness(t, provider)
	h.fund(t, "user-1", airtimeCost-1)

	result, err := h.orch.Redeem(context.Background(), airtime("user-1", "key-1"))
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if result != nil {
		t.Fatalf("expected no result, got %+v", result)
	}
	if provider.calls.Load() != 0 {
		t.Fatal("expected provider not to be called")
	}
	if got := len(h.entries(t, "user-1")); got != 1 {
		t.Fatalf("expected only the funding entry, got %d", got)
	}
	reqs := h.requests(t, "user-1")
	if len(reqs) != 1 || reqs[0].Status != domain.RequestStatusRejected {
		t.Fatalf("expected one rejected request, got %+v", reqs)
	}

	// A rejected request frees its key.
	h.fund(t, "user-1", airtimeCost)
	if _, err := h.orch.Redeem(context.Background(), airtime("user-1", "key-1")); err != nil {
		t.Fatalf("expected retry with the same key to succeed, got %v", err)
	}
}

func TestRedeem_UnknownUser(t *testing.T) {
	h := newHarness(t, &stubProvider{result: delivered("x")})

	if _, err := h.orch.Redeem(context.Background(), airtime("ghost", "key-1")); !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestRedeem_ResubmissionReturnsDuplicateWithoutLedgerEntries(t *testing.T) {
	provider := &stubProvider{result: delivered("17001")}
	h := newHarness(t, provider)
	h.fund(t, "user-1", 200)

	first, err := h.orch.Redeem(context.Background(), airtime("user-1", "key-1"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	before := len(h.entries(t, "user-1"))

	second, err := h.orch.Redeem(context.Background(), airtime("user-1", "key-1"))
	if !errors.Is(err, domain.ErrDuplicateAttempt) {
		t.Fatalf("expected ErrDuplicateAttempt, got %v", err)
	}
	if second == nil || second.RequestID != first.RequestID || second.Status != domain.ResultDelivered {
		t.Fatalf("expected the original delivered result, got %+v", second)
	}
	if after := len(h.entries(t, "user-1")); after != before {
		t.Fatalf("expected no new ledger entries, had %d now %d", before, after)
	}
	if provider.calls.Load() != 1 {
		t.Fatalf("expected one provider call, got %d", provider.calls.Load())
	}
}

func TestRedeem_KeyReuseWithDifferentPayload(t *testing.T) {
	h := newHarness(t, &stubProvider{result: delivered("x")})
	h.fund(t, "user-1", 500)

	if _, err := h.orch.Redeem(context.Background(), airtime("user-1", "key-1")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	cmd := airtime("user-1", "key-1")
	cmd.Amount = 1000
	if _, err := h.orch.Redeem(context.Background(), cmd); !errors.Is(err, domain.ErrIdempotencyKeyReuse) {
		t.Fatalf("expected ErrIdempotencyKeyReuse, got %v", err)
	}
	if got := h.balanceOf(t, "user-1"); got != 500-airtimeCost {
		t.Fatalf("expected a single debit, got balance %d", got)
	}
}

func TestRedeem_RefundReleasesIdempotencyKey(t *testing.T) {
	provider := &stubProvider{result: gateway.Result{Outcome: domain.OutcomeFailed, Message: "BILLER NOT REACHABLE AT THIS POINT"}}
	h := newHarness(t, provider)
	h.fund(t, "user-1", 100)

	first, err := h.orch.Redeem(context.Background(), airtime("user-1", "key-1"))
	if !errors.Is(err, domain.ErrProviderRejected) {
		t.Fatalf("expected ErrProviderRejected, got %v", err)
	}

	provider.result = delivered("17002")
	second, err := h.orch.Redeem(context.Background(), airtime("user-1", "key-1"))
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if second.RequestID == first.RequestID {
		t.Fatal("expected a new request for the retry")
	}
	if got := h.balanceOf(t, "user-1"); got != 100-airtimeCost {
		t.Fatalf("expected one net debit, got balance %d", got)
	}
	h.assertConsistent(t, "user-1")
}

func TestRedeem_DataAndExamPinPricing(t *testing.T) {
	h := newHarness(t, &stubProvider{result: delivered("x")})
	h.fund(t, "user-1", 1000)

	data, err := h.orch.Redeem(context.Background(), RedeemCommand{
		UserID: "user-1", IdempotencyKey: "data-1", Action: domain.ActionData,
		Phone: "08031234567", Network: "MTN", PlanCode: "mtn-1gb-30",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if data.CoinAmount != 35 {
		t.Fatalf("expected 35 coins for a 350 naira plan, got %d", data.CoinAmount)
	}

	pins, err := h.orch.Redeem(context.Background(), RedeemCommand{
		UserID: "user-1", IdempotencyKey: "pin-1", Action: domain.ActionExamPin,
		PinType: "waec", Quantity: 2,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if pins.CoinAmount != 700 {
		t.Fatalf("expected 700 coins for two WAEC pins, got %d", pins.CoinAmount)
	}
	if got := h.balanceOf(t, "user-1"); got != 1000-35-700 {
		t.Fatalf("unexpected balance %d", got)
	}
}

func TestRedeem_ValidationFailuresTouchNothing(t *testing.T) {
	tests := []struct {
		name string
		cmd  RedeemCommand
	}{
		{"missing user", RedeemCommand{Action: domain.ActionAirtime, Phone: "08031234567", Network: "mtn", Amount: 500}},
		{"bad phone", RedeemCommand{UserID: "user-1", Action: domain.ActionAirtime, Phone: "12ab", Network: "mtn", Amount: 500}},
		{"unknown network", RedeemCommand{UserID: "user-1", Action: domain.ActionAirtime, Phone: "08031234567", Network: "ntel", Amount: 500}},
		{"airtime below minimum", RedeemCommand{UserID: "user-1", Action: domain.ActionAirtime, Phone: "08031234567", Network: "mtn", Amount: 10}},
		{"plan on wrong network", RedeemCommand{UserID: "user-1", Action: domain.ActionData, Phone: "08031234567", Network: "glo", PlanCode: "mtn-1gb-30"}},
		{"data amount mismatch", RedeemCommand{UserID: "user-1", Action: domain.ActionData, Phone: "08031234567", Network: "mtn", PlanCode: "mtn-1gb-30", Amount: 100}},
		{"pin quantity", RedeemCommand{UserID: "user-1", Action: domain.ActionExamPin, PinType: "waec", Quantity: 7}},
		{"pin type", RedeemCommand{UserID: "user-1", Action: domain.ActionExamPin, PinType: "jamb", Quantity: 1}},
		{"action", RedeemCommand{UserID: "user-1", Action: "electricity"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			provider := &stubProvider{result: delivered("x")}
			h := newHarness(t, provider)
			h.fund(t, "user-1", 10000)

			_, err := h.orch.Redeem(context.Background(), tc.cmd)
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if provider.calls.Load() != 0 {
				t.Fatal("expected provider not to be called")
			}
			if got := len(h.requests(t, "")); got != 0 {
				t.Fatalf("expected no requests, got %d", got)
			}
			if got := h.balanceOf(t, "user-1"); got != 10000 {
				t.Fatalf("expected untouched balance, got %d", got)
			}
		})
	}
}

func TestRedeem_ConcurrentRedemptionsNeverOverdraw(t *testing.T) {
	provider := &stubProvider{result: delivered("x")}
	h := newHarness(t, provider)
	h.fund(t, "user-1", 2*airtimeCost)

	const workers = 10
	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		succeeded    int
		insufficient int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.orch.Redeem(context.Background(), airtime("user-1", fmt.Sprintf("key-%d", i)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, domain.ErrInsufficientFunds):
				insufficient++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if succeeded != 2 || insufficient != workers-2 {
		t.Fatalf("expected 2 successes and %d insufficient, got %d and %d", workers-2, succeeded, insufficient)
	}
	audit := h.assertConsistent(t, "user-1")
	if audit.Balance != 0 {
		t.Fatalf("expected balance 0, got %d", audit.Balance)
	}
}

func TestRedeem_ConcurrentSameKeyDebitsOnce(t *testing.T) {
	provider := &stubProvider{result: delivered("x")}
	h := newHarness(t, provider)
	h.fund(t, "user-1", 500)

	const workers = 10
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		succeeded  int
		duplicates int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orch.Redeem(context.Background(), airtime("user-1", "same-key"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, domain.ErrDuplicateAttempt):
				duplicates++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 || duplicates != workers-1 {
		t.Fatalf("expected 1 success and %d duplicates, got %d and %d", workers-1, succeeded, duplicates)
	}
	if provider.calls.Load() != 1 {
		t.Fatalf("expected one provider call, got %d", provider.calls.Load())
	}
	if got := h.balanceOf(t, "user-1"); got != 500-airtimeCost {
		t.Fatalf("expected a single debit, got balance %d", got)
	}
	h.assertConsistent(t, "user-1")
}

func TestRedeem_CompensationFailureIsRecordedAndRetried(t *testing.T) {
	repo := &faultyRepo{Repository: memory.NewRepository()}
	repo.failRefunds.Store(true)
	provider := &stubProvider{result: gateway.Result{Outcome: domain.OutcomeFailed, Message: "TRANSACTION FAILED"}}
	h := newHarness(t, provider, withRepository(repo))
	h.fund(t, "user-1", 100)

	result, err := h.orch.Redeem(context.Background(), airtime("user-1", "key-1"))
	if !errors.Is(err, domain.ErrCompensationFailure) {
		t.Fatalf("expected ErrCompensationFailure, got %v", err)
	}
	if result == nil || result.Status != domain.ResultUnderReview {
		t.Fatalf("expected under_review result, got %+v", result)
	}
	req := h.request(t, result.RequestID)
	if req.Status != domain.RequestStatusCompensationFailed || req.FailureReason == nil {
		t.Fatalf("expected compensation_failed with a reason, got %s", req.Status)
	}
	if got := h.balanceOf(t, "user-1"); got != 100-airtimeCost {
		t.Fatalf("expected coins still debited, got %d", got)
	}
	h.assertConsistent(t, "user-1")
	if got := h.events.count(RoutingRewardCompensationFailed); got != 1 {
		t.Fatalf("expected one compensation failed event, got %d", got)
	}

	// The key stays held until the refund is written.
	if _, err := h.orch.Redeem(context.Background(), airtime("user-1", "key-1")); !errors.Is(err, domain.ErrDuplicateAttempt) {
		t.Fatalf("expected ErrDuplicateAttempt while under review, got %v", err)
	}

	repo.failRefunds.Store(false)
	retried, err := h.orch.RetryCompensation(context.Background(), result.RequestID)
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if retried.Status != domain.ResultRefunded {
		t.Fatalf("expected refunded, got %s", retried.Status)
	}
	if got := h.balanceOf(t, "user-1"); got != 100 {
		t.Fatalf("expected balance restored, got %d", got)
	}

	// A second retry finds nothing to do.
	if _, err := h.orch.RetryCompensation(context.Background(), result.RequestID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	h.assertConsistent(t, "user-1")
}

func TestRedeem_UnrecordedDeliveryStillReportsDelivered(t *testing.T) {
	repo := &faultyRepo{Repository: memory.NewRepository()}
	repo.failTransitionTo.Store(domain.RequestStatusSettledDelivered)
	h := newHarness(t, &stubProvider{result: delivered("17001")}, withRepository(repo))
	h.fund(t, "user-1", 100)

	result, err := h.orch.Redeem(context.Background(), airtime("user-1", "key-1"))
	if err != nil {
		t.Fatalf("expected the delivery to be reported, got %v", err)
	}
	if result == nil || result.Status != domain.ResultDelivered || result.ProviderReference != "17001" {
		t.Fatalf("expected delivered with reference 17001, got %+v", result)
	}
	if result.Balance != 100-airtimeCost {
		t.Fatalf("expected balance %d, got %d", 100-airtimeCost, result.Balance)
	}
	req := h.request(t, result.RequestID)
	if req.Status != domain.RequestStatusProviderCalled {
		t.Fatalf("expected request left in provider_called, got %s", req.Status)
	}
	if refund, _ := h.repo.FindLedgerEntry(context.Background(), result.RequestID.String(), domain.ReasonRewardRefund); refund != nil {
		t.Fatalf("expected no refund for a delivered reward, got %+v", refund)
	}
	h.assertConsistent(t, "user-1")

	repo.failTransitionTo.Store("")
	resolved, err := h.orch.ResolvePending(context.Background(), result.RequestID, delivered("17001"))
	if err != nil || resolved.Status != domain.ResultDelivered {
		t.Fatalf("expected reconciliation to settle the delivery, got %+v err=%v", resolved, err)
	}
	if got := h.request(t, result.RequestID).Status; got != domain.RequestStatusSettledDelivered {
		t.Fatalf("expected settled_delivered, got %s", got)
	}
	if got := h.balanceOf(t, "user-1"); got != 100-airtimeCost {
		t.Fatalf("expected balance unchanged by reconciliation, got %d", got)
	}
}

func TestRedeem_UnrecordedPendingStillReportsPending(t *testing.T) {
	repo := &faultyRepo{Repository: memory.NewRepository()}
	repo.failTransitionTo.Store(domain.RequestStatusSettledPending)
	h := newHarness(t, &stubProvider{result: gateway.Result{Outcome: domain.OutcomePending, Message: "TRANSACTION PROCESSING"}}, withRepository(repo))
	h.fund(t, "user-1", 100)

	result, err := h.orch.Redeem(context.Background(), airtime("user-1", "key-1"))
	if err != nil {
		t.Fatalf("expected pending to be reported, got %v", err)
	}
	if result == nil || result.Status != domain.ResultPending || result.ProviderReference == "" {
		t.Fatalf("expected pending with a reference, got %+v", result)
	}
	if got := h.balanceOf(t, "user-1"); got != 100-airtimeCost {
		t.Fatalf("expected coins held while pending, got %d", got)
	}
	h.assertConsistent(t, "user-1")
}

func TestCompensate_SecondRefundIsNotCredited(t *testing.T) {
	h := newHarness(t, &stubProvider{result: gateway.Result{Outcome: domain.OutcomeFailed}})
	h.fund(t, "user-1", 100)

	result, _ := h.orch.Redeem(context.Background(), airtime("user-1", "key-1"))
	req := h.request(t, result.RequestID)

	_, err := h.balance.Credit(context.Background(), domain.BalanceMutation{
		UserID: "user-1", Amount: req.CoinAmount, Reason: domain.ReasonRewardRefund, RelatedRequestID: req.ID.String(),
	})
	if !errors.Is(err, domain.ErrAlreadyCompensated) {
		t.Fatalf("expected ErrAlreadyCompensated, got %v", err)
	}
	if got := h.balanceOf(t, "user-1"); got != 100 {
		t.Fatalf("expected a single refund, got balance %d", got)
	}
}

func TestGet_HidesOtherUsersRequests(t *testing.T) {
	h := newHarness(t, &stubProvider{result: delivered("x")})
	h.fund(t, "user-1", 100)

	result, err := h.orch.Redeem(context.Background(), airtime("user-1", "key-1"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, err := h.orch.Get(context.Background(), "user-2", result.RequestID); !errors.Is(err, domain.ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound, got %v", err)
	}
	if _, err := h.orch.Get(context.Background(), "user-1", result.RequestID); err != nil {
		t.Fatalf("expected owner lookup to succeed, got %v", err)
	}
}
