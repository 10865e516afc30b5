package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/quizcoin/reward-service/internal/domain"
)

// ReserveAttempt inserts the attempt unless one already exists for (user, reference, type).
func (r *PostgresRepository) ReserveAttempt(ctx context.Context, attempt *domain.Attempt) (bool, error) {
	query := `
		INSERT INTO attempts (id, user_id, reference_id, type, score, coins_awarded)
		VALUES ($1, $2, $3, $4, 0, 0)
		ON CONFLICT (user_id, reference_id, type) DO NOTHING
		RETURNING created_at
	`
	err := r.db.QueryRow(ctx, query, attempt.ID, attempt.UserID, attempt.ReferenceID, string(attempt.Type)).Scan(&attempt.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("reserve attempt: %w", err)
	}
	return true, nil
}

// CompleteAttempt records the score and coins granted for an attempt.
func (r *PostgresRepository) CompleteAttempt(ctx context.Context, attemptID uuid.UUID, score int, coinsAwarded int64) error {
	tag, err := r.db.Exec(ctx, "UPDATE attempts SET score = $2, coins_awarded = $3 WHERE id = $1", attemptID, score, coinsAwarded)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAttemptNotFound
	}
	return nil
}

// ReleaseAttempt removes an attempt whose reward could not be granted.
func (r *PostgresRepository) ReleaseAttempt(ctx context.Context, attemptID uuid.UUID) error {
	_, err := r.db.Exec(ctx, "DELETE FROM attempts WHERE id = $1", attemptID)
	return err
}

// GetAttempt returns the attempt for (user, reference, type).
func (r *PostgresRepository) GetAttempt(ctx context.Context, userID, referenceID string, attemptType domain.AttemptType) (*domain.Attempt, error) {
	var (
		attempt domain.Attempt
		typ     string
	)
	err := r.db.QueryRow(ctx, `
		SELECT id, user_id, reference_id, type, score, coins_awarded, created_at
		FROM attempts
		WHERE user_id = $1 AND reference_id = $2 AND type = $3
	`, userID, referenceID, string(attemptType)).Scan(
		&attempt.ID,
		&attempt.UserID,
		&attempt.ReferenceID,
		&typ,
		&attempt.Score,
		&attempt.CoinsAwarded,
		&attempt.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAttemptNotFound
		}
		return nil, err
	}
	attempt.Type = domain.AttemptType(typ)
	return &attempt, nil
}

// UpdateStreak applies next to the user's streak under a row lock.
func (r *PostgresRepository) UpdateStreak(
	ctx context.Context,
	userID string,
	now time.Time,
	next func(domain.Streak, time.Time) domain.Streak,
) (domain.Streak, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return domain.Streak{}, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO user_streaks (user_id, streak, last_activity)
		VALUES ($1, 0, NULL)
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return domain.Streak{}, fmt.Errorf("ensure streak row: %w", err)
	}

	current := domain.Streak{UserID: userID}
	if err := tx.QueryRow(ctx,
		"SELECT streak, last_activity FROM user_streaks WHERE user_id = $1 FOR UPDATE",
		userID,
	).Scan(&current.Count, &current.LastActivity); err != nil {
		return domain.Streak{}, err
	}

	updated := next(current, now)
	updated.UserID = userID
	if _, err := tx.Exec(ctx,
		"UPDATE user_streaks SET streak = $2, last_activity = $3 WHERE user_id = $1",
		userID, updated.Count, updated.LastActivity,
	); err != nil {
		return domain.Streak{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Streak{}, err
	}
	return updated, nil
}

// GetQuizAnswerKey reads the answer key for a quiz or daily challenge.
func (r *PostgresRepository) GetQuizAnswerKey(ctx context.Context, attemptType domain.AttemptType, referenceID string) (*domain.QuizAnswerKey, error) {
	var (
		key     = domain.QuizAnswerKey{ReferenceID: referenceID, Type: attemptType}
		answers []byte
	)
	err := r.db.QueryRow(ctx,
		"SELECT title, answers FROM quiz_answer_keys WHERE reference_id = $1 AND type = $2",
		referenceID, string(attemptType),
	).Scan(&key.Title, &answers)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrQuizNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(answers, &key.Answers); err != nil {
		return nil, fmt.Errorf("decode answer key %s: %w", referenceID, err)
	}
	return &key, nil
}
