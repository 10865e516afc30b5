package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/quizcoin/reward-service/internal/domain"
)

func TestBalanceService_DebitNeverGoesNegative(t *testing.T) {
	h := newHarness(t, &stubProvider{})
	h.fund(t, "user-1", 30)
	ctx := context.Background()

	if _, err := h.balance.Debit(ctx, domain.BalanceMutation{UserID: "user-1", Amount: 31, Reason: domain.ReasonRewardFulfillment}); !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	entry, err := h.balance.Debit(ctx, domain.BalanceMutation{UserID: "user-1", Amount: 30, Reason: domain.ReasonRewardFulfillment})
	if err != nil {
		t.Fatalf("expected exact debit to succeed, got %v", err)
	}
	if entry.PreviousBalance != 30 || entry.NewBalance != 0 {
		t.Fatalf("unexpected entry balances: %+v", entry)
	}
	h.assertConsistent(t, "user-1")
}

func TestBalanceService_ConcurrentDebits(t *testing.T) {
	h := newHarness(t, &stubProvider{})
	h.fund(t, "user-1", 100)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.balance.Debit(context.Background(), domain.BalanceMutation{
				UserID: "user-1", Amount: 10, Reason: domain.ReasonRewardFulfillment, RelatedRequestID: fmt.Sprintf("req-%d", i),
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, domain.ErrInsufficientFunds) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if succeeded != 10 {
		t.Fatalf("expected 10 debits, got %d", succeeded)
	}
	audit := h.assertConsistent(t, "user-1")
	if audit.Balance != 0 || audit.EntryCount != 11 {
		t.Fatalf("unexpected audit: %+v", audit)
	}
}

func TestBalanceService_Validation(t *testing.T) {
	h := newHarness(t, &stubProvider{})
	h.fund(t, "user-1", 10)
	ctx := context.Background()

	tests := []struct {
		name string
		m    domain.BalanceMutation
	}{
		{"missing user", domain.BalanceMutation{Amount: 1, Reason: domain.ReasonBonus}},
		{"zero amount", domain.BalanceMutation{UserID: "user-1", Reason: domain.ReasonBonus}},
		{"negative amount", domain.BalanceMutation{UserID: "user-1", Amount: -5, Reason: domain.ReasonBonus}},
		{"unknown reason", domain.BalanceMutation{UserID: "user-1", Amount: 1, Reason: "gift"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.balance.Credit(ctx, tc.m); !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected validation error from credit, got %v", err)
			}
			if _, err := h.balance.Debit(ctx, tc.m); !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected validation error from debit, got %v", err)
			}
		})
	}
	if got := h.balanceOf(t, "user-1"); got != 10 {
		t.Fatalf("expected untouched balance, got %d", got)
	}
}

func TestBalanceService_GrantRejectsRewardReasons(t *testing.T) {
	h := newHarness(t, &stubProvider{})
	h.fund(t, "user-1", 0)

	for _, reason := range []domain.LedgerReason{domain.ReasonRewardRefund, domain.ReasonRewardFulfillment} {
		if _, err := h.balance.Grant(context.Background(), domain.BalanceMutation{UserID: "user-1", Amount: 5, Reason: reason}); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", reason, err)
		}
	}
	entry, err := h.balance.Grant(context.Background(), domain.BalanceMutation{UserID: "user-1", Amount: 5, Reason: domain.ReasonBonus, RelatedRequestID: "promo-1"})
	if err != nil {
		t.Fatalf("expected bonus grant to succeed, got %v", err)
	}
	if entry.NewBalance != 5 {
		t.Fatalf("expected balance 5, got %d", entry.NewBalance)
	}
	if got := h.events.count(RoutingCoinsCredited); got != 1 {
		t.Fatalf("expected one coins credited event, got %d", got)
	}
}

func TestBalanceService_GrantIsIdempotentPerReference(t *testing.T) {
	h := newHarness(t, &stubProvider{})
	h.fund(t, "user-1", 0)
	ctx := context.Background()

	purchase := domain.BalanceMutation{UserID: "user-1", Amount: 40, Reason: domain.ReasonPurchase, RelatedRequestID: "order-1"}
	first, err := h.balance.Grant(ctx, purchase)
	if err != nil {
		t.Fatalf("expected purchase to succeed, got %v", err)
	}
	second, err := h.balance.Grant(ctx, purchase)
	if !errors.Is(err, domain.ErrDuplicateGrant) {
		t.Fatalf("expected ErrDuplicateGrant, got %v", err)
	}
	if second == nil || second.ID != first.ID {
		t.Fatalf("expected the original entry, got %+v", second)
	}
	if got := h.balanceOf(t, "user-1"); got != 40 {
		t.Fatalf("expected a single credit, got balance %d", got)
	}
	if got := h.events.count(RoutingCoinsCredited); got != 1 {
		t.Fatalf("expected one coins credited event, got %d", got)
	}
	h.assertConsistent(t, "user-1")
}

func TestBalanceService_GrantAllIsAllOrNothing(t *testing.T) {
	h := newHarness(t, &stubProvider{})
	h.fund(t, "user-1", 0)
	ctx := context.Background()

	batch := []domain.BalanceMutation{
		{UserID: "user-1", Amount: 8, Reason: domain.ReasonQuizReward, RelatedRequestID: "att-1"},
		{UserID: "user-1", Amount: 5, Reason: domain.ReasonBonus, RelatedRequestID: "att-1"},
		{UserID: "user-1", Amount: 5, Reason: domain.ReasonBonus, RelatedRequestID: "att-1"},
	}
	if _, err := h.balance.GrantAll(ctx, batch); !errors.Is(err, domain.ErrDuplicateGrant) {
		t.Fatalf("expected ErrDuplicateGrant, got %v", err)
	}
	if got := h.balanceOf(t, "user-1"); got != 0 {
		t.Fatalf("expected nothing credited, got balance %d", got)
	}

	entries, err := h.balance.GrantAll(ctx, batch[:2])
	if err != nil || len(entries) != 2 || entries[1].NewBalance != 13 {
		t.Fatalf("expected both credits, got %+v err=%v", entries, err)
	}
	if got := h.events.count(RoutingCoinsCredited); got != 2 {
		t.Fatalf("expected two coins credited events, got %d", got)
	}
	h.assertConsistent(t, "user-1")
}

func TestBalanceService_PublishFailureDoesNotFailGrant(t *testing.T) {
	h := newHarness(t, &stubProvider{})
	h.fund(t, "user-1", 0)
	h.events.err = errors.New("broker down")

	if _, err := h.balance.Grant(context.Background(), domain.BalanceMutation{UserID: "user-1", Amount: 5, Reason: domain.ReasonPurchase}); err != nil {
		t.Fatalf("expected grant to succeed, got %v", err)
	}
}

func TestGuard_TryReserve(t *testing.T) {
	h := newHarness(t, &stubProvider{})
	guard := NewGuard(h.repo, h.repo)
	ctx := context.Background()

	payload := domain.ProviderPayload{Phone: "08031234567", Network: "mtn", AmountNGN: 500}
	first := &domain.FulfillmentRequest{ID: uuid.New(), UserID: "user-1", IdempotencyKey: "k", RequestHash: requestHash(domain.ActionAirtime, payload), Status: domain.RequestStatusCreated}
	if ok, _, err := guard.TryReserve(ctx, first); err != nil || !ok {
		t.Fatalf("expected first reservation, got ok=%v err=%v", ok, err)
	}

	same := *first
	same.ID = uuid.New()
	ok, existing, err := guard.TryReserve(ctx, &same)
	if err != nil || ok || existing == nil || existing.ID != first.ID {
		t.Fatalf("expected existing request back, got ok=%v existing=%v err=%v", ok, existing, err)
	}

	payload.AmountNGN = 1000
	changed := same
	changed.RequestHash = requestHash(domain.ActionAirtime, payload)
	if _, _, err := guard.TryReserve(ctx, &changed); !errors.Is(err, domain.ErrIdempotencyKeyReuse) {
		t.Fatalf("expected ErrIdempotencyKeyReuse, got %v", err)
	}

	otherUser := same
	otherUser.ID = uuid.New()
	otherUser.UserID = "user-2"
	if ok, _, err := guard.TryReserve(ctx, &otherUser); err != nil || !ok {
		t.Fatalf("expected keys to be scoped per user, got ok=%v err=%v", ok, err)
	}
}
