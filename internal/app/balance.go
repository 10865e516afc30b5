/**
 * @description
 * BalanceService is the only writer of coin balances. Every mutation goes through
 * the ledger store's conditional update so a balance and its ledger entry are
 * written together, and concurrent debits for one user can never overdraw.
 *
 * @dependencies
 * - internal/store: LedgerStore.
 * - internal/metrics: ledger entry counters.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/quizcoin/reward-service/internal/domain"
	"github.com/quizcoin/reward-service/internal/metrics"
	"github.com/quizcoin/reward-service/internal/store"
)

// BalanceService debits and credits coin balances.
type BalanceService struct {
	ledger  store.LedgerStore
	events  *EventPublisher
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewBalanceService creates a BalanceService. events and m may be nil.
func NewBalanceService(ledger store.LedgerStore, events *EventPublisher, m *metrics.Metrics, logger *slog.Logger) *BalanceService {
	return &BalanceService{
		ledger:  ledger,
		events:  events,
		metrics: m,
		logger:  logger.With("component", "balance"),
	}
}

func validateMutation(m domain.BalanceMutation) error {
	if strings.TrimSpace(m.UserID) == "" {
		return domain.NewValidationError("user_id", "is required")
	}
	if m.Amount <= 0 {
		return domain.NewValidationError("amount", "must be greater than zero")
	}
	if !m.Reason.Valid() {
		return domain.NewValidationError("reason", fmt.Sprintf("unknown ledger reason %q", m.Reason))
	}
	return nil
}

// Debit removes m.Amount coins. It fails with domain.ErrInsufficientFunds when the
// balance does not cover the amount and domain.ErrUserNotFound for unknown users.
func (s *BalanceService) Debit(ctx context.Context, m domain.BalanceMutation) (*domain.LedgerEntry, error) {
	if err := validateMutation(m); err != nil {
		return nil, err
	}
	entry, err := s.ledger.ApplyDebit(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("debit %d coins from %s: %w", m.Amount, m.UserID, err)
	}
	s.metrics.ObserveLedgerEntry(string(entry.Direction), string(entry.Reason))
	s.logger.Info("coins debited", "user_id", m.UserID, "amount", m.Amount, "reason", m.Reason, "related_request_id", m.RelatedRequestID, "new_balance", entry.NewBalance)
	return entry, nil
}

// Credit adds m.Amount coins. A refund already recorded for the same request
// returns the existing entry and domain.ErrAlreadyCompensated.
func (s *BalanceService) Credit(ctx context.Context, m domain.BalanceMutation) (*domain.LedgerEntry, error) {
	if err := validateMutation(m); err != nil {
		return nil, err
	}
	entry, err := s.ledger.ApplyCredit(ctx, m)
	if err != nil {
		return entry, fmt.Errorf("credit %d coins to %s: %w", m.Amount, m.UserID, err)
	}
	s.metrics.ObserveLedgerEntry(string(entry.Direction), string(entry.Reason))
	s.logger.Info("coins credited", "user_id", m.UserID, "amount", m.Amount, "reason", m.Reason, "related_request_id", m.RelatedRequestID, "new_balance", entry.NewBalance)
	return entry, nil
}

func validateGrant(m domain.BalanceMutation) error {
	if m.Reason == domain.ReasonRewardRefund || m.Reason == domain.ReasonRewardFulfillment {
		return domain.NewValidationError("reason", "reward ledger reasons are reserved for fulfillment")
	}
	return validateMutation(m)
}

// Grant credits coins earned outside the reward flow (bonus, purchase, an externally
// scored quiz) and publishes a coins.credited event. A bonus or purchase repeating
// its reference returns the original entry with domain.ErrDuplicateGrant.
func (s *BalanceService) Grant(ctx context.Context, m domain.BalanceMutation) (*domain.LedgerEntry, error) {
	if err := validateGrant(m); err != nil {
		return nil, err
	}
	entry, err := s.Credit(ctx, m)
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateGrant) {
			return entry, err
		}
		return nil, err
	}
	s.events.CoinsCredited(ctx, entry, m.RelatedRequestID)
	return entry, nil
}

// GrantAll credits every mutation in one ledger transaction, so either all of
// them land or none do.
func (s *BalanceService) GrantAll(ctx context.Context, ms []domain.BalanceMutation) ([]domain.LedgerEntry, error) {
	for _, m := range ms {
		if err := validateGrant(m); err != nil {
			return nil, err
		}
	}
	entries, err := s.ledger.ApplyCredits(ctx, ms)
	if err != nil {
		return nil, fmt.Errorf("credit %d ledger entries: %w", len(ms), err)
	}
	for i := range entries {
		entry := &entries[i]
		s.metrics.ObserveLedgerEntry(string(entry.Direction), string(entry.Reason))
		s.logger.Info("coins credited", "user_id", entry.UserID, "amount", entry.Amount, "reason", entry.Reason, "related_request_id", entry.RelatedRequestID, "new_balance", entry.NewBalance)
		s.events.CoinsCredited(ctx, entry, entry.RelatedRequestID)
	}
	return entries, nil
}

// OpenAccount creates a zero-balance account if none exists.
func (s *BalanceService) OpenAccount(ctx context.Context, userID string) (*domain.Account, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, domain.NewValidationError("user_id", "is required")
	}
	return s.ledger.OpenAccount(ctx, userID)
}

// Balance returns the user's current coin balance.
func (s *BalanceService) Balance(ctx context.Context, userID string) (int64, error) {
	account, err := s.ledger.GetAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// Audit compares the stored balance with the sum of the user's ledger entries.
func (s *BalanceService) Audit(ctx context.Context, userID string) (*domain.BalanceAudit, error) {
	audit, err := s.ledger.AuditBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !audit.Consistent {
		s.logger.Error("balance does not match ledger", "user_id", userID, "balance", audit.Balance, "ledger_sum", audit.LedgerSum(), "alert", true)
	}
	return audit, nil
}

// Ledger lists ledger entries, newest first.
func (s *BalanceService) Ledger(ctx context.Context, filter store.LedgerFilter) ([]domain.LedgerEntry, error) {
	return s.ledger.ListLedgerEntries(ctx, filter)
}
