package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/quizcoin/reward-service/internal/domain"
)

const fulfillmentColumns = `
	id, user_id, idempotency_key, request_hash, reward_action, provider, coin_amount, payload,
	status, outcome, provider_request_id, provider_reference, provider_message, raw_response,
	failure_reason, created_at, updated_at, settled_at`

// reserveRetries bounds the insert/lookup loop when the conflicting request is
// released between the two statements.
const reserveRetries = 3

func scanFulfillmentRequest(row pgx.Row) (*domain.FulfillmentRequest, error) {
	var (
		req         domain.FulfillmentRequest
		action      string
		payload     []byte
		outcome     *string
		rawResponse []byte
	)
	if err := row.Scan(
		&req.ID,
		&req.UserID,
		&req.IdempotencyKey,
		&req.RequestHash,
		&action,
		&req.Provider,
		&req.CoinAmount,
		&payload,
		&req.Status,
		&outcome,
		&req.ProviderRequestID,
		&req.ProviderReference,
		&req.ProviderMessage,
		&rawResponse,
		&req.FailureReason,
		&req.CreatedAt,
		&req.UpdatedAt,
		&req.SettledAt,
	); err != nil {
		return nil, err
	}
	req.Action = domain.RewardAction(action)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req.Payload); err != nil {
			return nil, fmt.Errorf("decode fulfillment payload: %w", err)
		}
	}
	if outcome != nil {
		o := domain.ProviderOutcome(*outcome)
		req.Outcome = &o
	}
	if len(rawResponse) > 0 {
		req.RawResponse = json.RawMessage(rawResponse)
	}
	return &req, nil
}

func rawJSONParam(raw json.RawMessage) *string {
	if len(raw) == 0 || !json.Valid(raw) {
		return nil
	}
	s := string(raw)
	return &s
}

// ReserveFulfillmentRequest inserts the request relying on the partial unique index
// over (user_id, idempotency_key) for requests that still hold their key.
func (r *PostgresRepository) ReserveFulfillmentRequest(ctx context.Context, req *domain.FulfillmentRequest) (bool, *domain.FulfillmentRequest, error) {
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return false, nil, fmt.Errorf("encode fulfillment payload: %w", err)
	}

	insert := `
		INSERT INTO fulfillment_requests (
			id, user_id, idempotency_key, request_hash, reward_action, provider, coin_amount,
			payload, status, provider_request_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10)
		ON CONFLICT (user_id, idempotency_key) WHERE status NOT IN ('settled_refunded', 'rejected')
		DO NOTHING
		RETURNING created_at, updated_at
	`
	lookup := `SELECT ` + fulfillmentColumns + `
		FROM fulfillment_requests
		WHERE user_id = $1 AND idempotency_key = $2 AND status NOT IN ('settled_refunded', 'rejected')`

	for i := 0; i < reserveRetries; i++ {
		err = r.db.QueryRow(ctx, insert,
			req.ID,
			req.UserID,
			req.IdempotencyKey,
			req.RequestHash,
			string(req.Action),
			req.Provider,
			req.CoinAmount,
			string(payload),
			req.Status,
			req.ProviderRequestID,
		).Scan(&req.CreatedAt, &req.UpdatedAt)
		if err == nil {
			return true, nil, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return false, nil, fmt.Errorf("reserve fulfillment request: %w", err)
		}

		existing, lookupErr := scanFulfillmentRequest(r.db.QueryRow(ctx, lookup, req.UserID, req.IdempotencyKey))
		if lookupErr == nil {
			return false, existing, nil
		}
		if !errors.Is(lookupErr, pgx.ErrNoRows) {
			return false, nil, lookupErr
		}
	}
	return false, nil, fmt.Errorf("reserve fulfillment request: key %q kept changing hands", req.IdempotencyKey)
}

// TransitionFulfillmentRequest performs a compare-and-set on the request status.
func (r *PostgresRepository) TransitionFulfillmentRequest(ctx context.Context, params TransitionParams) (bool, error) {
	if len(params.From) == 0 {
		return false, fmt.Errorf("transition requires at least one source status")
	}
	query := `
		UPDATE fulfillment_requests
		SET status = $2,
			outcome = COALESCE($3, outcome),
			provider_reference = COALESCE($4, provider_reference),
			provider_message = COALESCE($5, provider_message),
			raw_response = COALESCE($6::jsonb, raw_response),
			failure_reason = COALESCE($7, failure_reason),
			settled_at = CASE WHEN $8 THEN NOW() ELSE settled_at END,
			updated_at = NOW()
		WHERE id = $1 AND status = ANY($9)
	`
	tag, err := r.db.Exec(ctx, query,
		params.ID,
		params.To,
		outcomeString(params.Outcome),
		params.ProviderReference,
		params.ProviderMessage,
		rawJSONParam(params.RawResponse),
		params.FailureReason,
		params.Settled,
		params.From,
	)
	if err != nil {
		return false, fmt.Errorf("transition fulfillment request %s to %s: %w", params.ID, params.To, err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetFulfillmentRequest returns a request by id.
func (r *PostgresRepository) GetFulfillmentRequest(ctx context.Context, id uuid.UUID) (*domain.FulfillmentRequest, error) {
	query := `SELECT ` + fulfillmentColumns + ` FROM fulfillment_requests WHERE id = $1`
	req, err := scanFulfillmentRequest(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrRequestNotFound
		}
		return nil, err
	}
	return req, nil
}

// ListFulfillmentRequests returns requests matching the filter.
func (r *PostgresRepository) ListFulfillmentRequests(ctx context.Context, filter FulfillmentFilter) ([]domain.FulfillmentRequest, error) {
	var (
		conditions []string
		args       []interface{}
	)
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		args = append(args, filter.Statuses)
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if filter.UpdatedBefore != nil {
		args = append(args, *filter.UpdatedBefore)
		conditions = append(conditions, fmt.Sprintf("updated_at < $%d", len(args)))
	}

	query := `SELECT ` + fulfillmentColumns + ` FROM fulfillment_requests`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	order := "DESC"
	if filter.OldestFirst {
		order = "ASC"
	}
	args = append(args, normalizeLimit(filter.Limit), normalizeOffset(filter.Offset))
	query += fmt.Sprintf(" ORDER BY created_at %s LIMIT $%d OFFSET $%d", order, len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	requests := make([]domain.FulfillmentRequest, 0)
	for rows.Next() {
		req, err := scanFulfillmentRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *req)
	}
	return requests, rows.Err()
}
