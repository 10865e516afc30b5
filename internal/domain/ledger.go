/**
 * @description
 * Core coin ledger models for the reward-service. Balances are whole coins stored
 * as int64; every balance mutation produces exactly one immutable LedgerEntry.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Direction is the side of a ledger entry.
type Direction string

const (
	DirectionDebit  Direction = "debit"
	DirectionCredit Direction = "credit"
)

// LedgerReason classifies why a balance moved.
type LedgerReason string

const (
	ReasonRewardFulfillment LedgerReason = "reward_fulfillment"
	ReasonRewardRefund      LedgerReason = "reward_refund"
	ReasonQuizReward        LedgerReason = "quiz_reward"
	ReasonBonus             LedgerReason = "bonus"
	ReasonPurchase          LedgerReason = "purchase"
)

// Valid reports whether r is a known ledger reason.
func (r LedgerReason) Valid() bool {
	switch r {
	case ReasonRewardFulfillment, ReasonRewardRefund, ReasonQuizReward, ReasonBonus, ReasonPurchase:
		return true
	}
	return false
}

// Account is a user's coin balance. It maps to the `coin_accounts` table.
type Account struct {
	UserID    string    `json:"user_id"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LedgerEntry is the append-only record of one balance mutation.
type LedgerEntry struct {
	ID               uuid.UUID        `json:"id"`
	UserID           string           `json:"user_id"`
	Direction        Direction        `json:"direction"`
	Amount           int64            `json:"amount"`
	Reason           LedgerReason     `json:"reason"`
	PreviousBalance  int64            `json:"previous_balance"`
	NewBalance       int64            `json:"new_balance"`
	RelatedRequestID string           `json:"related_request_id,omitempty"`
	ProviderStatus   *ProviderOutcome `json:"provider_status,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// BalanceMutation is the input to a debit or credit.
type BalanceMutation struct {
	UserID           string
	Amount           int64
	Reason           LedgerReason
	RelatedRequestID string
	ProviderStatus   *ProviderOutcome
}

// BalanceAudit compares the stored balance with the ledger it must equal.
type BalanceAudit struct {
	UserID       string `json:"user_id"`
	Balance      int64  `json:"balance"`
	TotalCredits int64  `json:"total_credits"`
	TotalDebits  int64  `json:"total_debits"`
	EntryCount   int64  `json:"entry_count"`
	Consistent   bool   `json:"consistent"`
}

// LedgerSum returns credits minus debits.
func (a BalanceAudit) LedgerSum() int64 {
	return a.TotalCredits - a.TotalDebits
}
