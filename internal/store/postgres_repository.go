/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface for
 * coin accounts and the ledger. Balance changes are single conditional UPDATE
 * statements so concurrent debits for one user are linearized by the row lock
 * Postgres takes for the update; the ledger insert commits in the same transaction.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/quizcoin/reward-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullableString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func outcomeString(outcome *domain.ProviderOutcome) *string {
	if outcome == nil {
		return nil
	}
	s := string(*outcome)
	return &s
}

const ledgerColumns = `id, user_id, direction, amount, reason, previous_balance, new_balance, related_request_id, provider_status, created_at`

func scanLedgerEntry(row pgx.Row) (*domain.LedgerEntry, error) {
	var (
		entry            domain.LedgerEntry
		direction        string
		reason           string
		relatedRequestID *string
		providerStatus   *string
	)
	if err := row.Scan(
		&entry.ID,
		&entry.UserID,
		&direction,
		&entry.Amount,
		&reason,
		&entry.PreviousBalance,
		&entry.NewBalance,
		&relatedRequestID,
		&providerStatus,
		&entry.CreatedAt,
	); err != nil {
		return nil, err
	}
	entry.Direction = domain.Direction(direction)
	entry.Reason = domain.LedgerReason(reason)
	if relatedRequestID != nil {
		entry.RelatedRequestID = *relatedRequestID
	}
	if providerStatus != nil {
		outcome := domain.ProviderOutcome(*providerStatus)
		entry.ProviderStatus = &outcome
	}
	return &entry, nil
}

// OpenAccount creates a zero balance account for the user. It is idempotent.
func (r *PostgresRepository) OpenAccount(ctx context.Context, userID string) (*domain.Account, error) {
	query := `
		INSERT INTO coin_accounts (user_id, balance)
		VALUES ($1, 0)
		ON CONFLICT (user_id) DO NOTHING
	`
	if _, err := r.db.Exec(ctx, query, userID); err != nil {
		return nil, fmt.Errorf("open account: %w", err)
	}
	return r.GetAccount(ctx, userID)
}

// GetAccount returns the user's coin account.
func (r *PostgresRepository) GetAccount(ctx context.Context, userID string) (*domain.Account, error) {
	var account domain.Account
	err := r.db.QueryRow(ctx,
		"SELECT user_id, balance, created_at, updated_at FROM coin_accounts WHERE user_id = $1",
		userID,
	).Scan(&account.UserID, &account.Balance, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, err
	}
	return &account, nil
}

// ApplyDebit performs an atomic conditional debit and records the ledger entry.
func (r *PostgresRepository) ApplyDebit(ctx context.Context, m domain.BalanceMutation) (*domain.LedgerEntry, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var newBalance int64
	err = tx.QueryRow(ctx, `
		UPDATE coin_accounts
		SET balance = balance - $2, updated_at = NOW()
		WHERE user_id = $1 AND balance >= $2
		RETURNING balance
	`, m.UserID, m.Amount).Scan(&newBalance)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("debit balance: %w", err)
		}
		var exists bool
		if err := tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM coin_accounts WHERE user_id = $1)", m.UserID).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, domain.ErrUserNotFound
		}
		return nil, domain.ErrInsufficientFunds
	}

	entry, err := insertLedgerEntry(ctx, tx, m, domain.DirectionDebit, newBalance+m.Amount, newBalance)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return entry, nil
}

// ApplyCredit performs an atomic credit and records the ledger entry.
func (r *PostgresRepository) ApplyCredit(ctx context.Context, m domain.BalanceMutation) (*domain.LedgerEntry, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	entry, err := creditTx(ctx, tx, m)
	if err != nil {
		if dup := duplicateCredit(err, m); dup != nil {
			_ = tx.Rollback(ctx)
			existing, findErr := r.findCredit(ctx, m)
			if findErr != nil {
				return nil, findErr
			}
			return existing, dup
		}
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return entry, nil
}

// ApplyCredits applies all credits in a single transaction.
func (r *PostgresRepository) ApplyCredits(ctx context.Context, ms []domain.BalanceMutation) ([]domain.LedgerEntry, error) {
	if len(ms) == 0 {
		return nil, nil
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	entries := make([]domain.LedgerEntry, 0, len(ms))
	for _, m := range ms {
		entry, err := creditTx(ctx, tx, m)
		if err != nil {
			if dup := duplicateCredit(err, m); dup != nil {
				return nil, dup
			}
			return nil, err
		}
		entries = append(entries, *entry)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return entries, nil
}

func creditTx(ctx context.Context, tx pgx.Tx, m domain.BalanceMutation) (*domain.LedgerEntry, error) {
	var newBalance int64
	err := tx.QueryRow(ctx, `
		UPDATE coin_accounts
		SET balance = balance + $2, updated_at = NOW()
		WHERE user_id = $1
		RETURNING balance
	`, m.UserID, m.Amount).Scan(&newBalance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("credit balance: %w", err)
	}
	return insertLedgerEntry(ctx, tx, m, domain.DirectionCredit, newBalance-m.Amount, newBalance)
}

// isGrant reports whether m is covered by the one-grant-per-reference index.
func isGrant(m domain.BalanceMutation) bool {
	return (m.Reason == domain.ReasonBonus || m.Reason == domain.ReasonPurchase) && nullableString(m.RelatedRequestID) != nil
}

// duplicateCredit maps a unique violation on the refund or grant index to its sentinel.
func duplicateCredit(err error, m domain.BalanceMutation) error {
	if !isUniqueViolation(err) {
		return nil
	}
	switch {
	case m.Reason == domain.ReasonRewardRefund:
		return domain.ErrAlreadyCompensated
	case isGrant(m):
		return domain.ErrDuplicateGrant
	}
	return nil
}

func (r *PostgresRepository) findCredit(ctx context.Context, m domain.BalanceMutation) (*domain.LedgerEntry, error) {
	if m.Reason == domain.ReasonRewardRefund {
		return r.FindLedgerEntry(ctx, m.RelatedRequestID, m.Reason)
	}
	entries, err := r.ListLedgerEntries(ctx, LedgerFilter{
		UserID:           m.UserID,
		RelatedRequestID: strings.TrimSpace(m.RelatedRequestID),
		Reason:           m.Reason,
		Limit:            1,
	})
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

func insertLedgerEntry(
	ctx context.Context,
	tx pgx.Tx,
	m domain.BalanceMutation,
	direction domain.Direction,
	previousBalance int64,
	newBalance int64,
) (*domain.LedgerEntry, error) {
	query := `
		INSERT INTO ledger_entries (
			id, user_id, direction, amount, reason, previous_balance, new_balance, related_request_id, provider_status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING ` + ledgerColumns
	return scanLedgerEntry(tx.QueryRow(ctx, query,
		uuid.New(),
		m.UserID,
		string(direction),
		m.Amount,
		string(m.Reason),
		previousBalance,
		newBalance,
		nullableString(m.RelatedRequestID),
		outcomeString(m.ProviderStatus),
	))
}

// FindLedgerEntry returns the newest entry for a related request and reason.
func (r *PostgresRepository) FindLedgerEntry(ctx context.Context, relatedRequestID string, reason domain.LedgerReason) (*domain.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + `
		FROM ledger_entries
		WHERE related_request_id = $1 AND reason = $2
		ORDER BY created_at DESC
		LIMIT 1`
	entry, err := scanLedgerEntry(r.db.QueryRow(ctx, query, relatedRequestID, string(reason)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return entry, nil
}

// ListLedgerEntries returns entries newest first.
func (r *PostgresRepository) ListLedgerEntries(ctx context.Context, filter LedgerFilter) ([]domain.LedgerEntry, error) {
	var (
		conditions []string
		args       []interface{}
	)
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.RelatedRequestID != "" {
		args = append(args, filter.RelatedRequestID)
		conditions = append(conditions, fmt.Sprintf("related_request_id = $%d", len(args)))
	}
	if filter.Reason != "" {
		args = append(args, string(filter.Reason))
		conditions = append(conditions, fmt.Sprintf("reason = $%d", len(args)))
	}

	query := `SELECT ` + ledgerColumns + ` FROM ledger_entries`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, normalizeLimit(filter.Limit), normalizeOffset(filter.Offset))
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.LedgerEntry, 0)
	for rows.Next() {
		entry, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// AuditBalance compares the stored balance with the sum of the user's ledger.
func (r *PostgresRepository) AuditBalance(ctx context.Context, userID string) (*domain.BalanceAudit, error) {
	query := `
		SELECT
			a.balance,
			COALESCE(SUM(e.amount) FILTER (WHERE e.direction = 'credit'), 0),
			COALESCE(SUM(e.amount) FILTER (WHERE e.direction = 'debit'), 0),
			COUNT(e.id)
		FROM coin_accounts a
		LEFT JOIN ledger_entries e ON e.user_id = a.user_id
		WHERE a.user_id = $1
		GROUP BY a.balance
	`
	audit := domain.BalanceAudit{UserID: userID}
	err := r.db.QueryRow(ctx, query, userID).Scan(&audit.Balance, &audit.TotalCredits, &audit.TotalDebits, &audit.EntryCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, err
	}
	audit.Consistent = audit.Balance == audit.LedgerSum()
	return &audit, nil
}
