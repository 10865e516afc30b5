package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/quizcoin/reward-service/internal/domain"
	"github.com/quizcoin/reward-service/internal/metrics"
	"github.com/quizcoin/reward-service/internal/store"
)

// QuizRules are the coin amounts granted for a submission.
type QuizRules struct {
	CoinsPerCorrect int64
	StreakBonus     int64
	MilestoneBonus  int64
	MilestoneEvery  int
}

// DefaultQuizRules: 2 coins per correct answer, 5 for keeping a streak alive with
// a non-zero score, and 20 more on every seventh consecutive day.
var DefaultQuizRules = QuizRules{
	CoinsPerCorrect: 2,
	StreakBonus:     5,
	MilestoneBonus:  20,
	MilestoneEvery:  7,
}

// QuizService scores quiz and challenge submissions and credits their rewards.
// One submission per (user, reference, type) is enforced by the attempt guard.
type QuizService struct {
	guard    *Guard
	attempts store.AttemptStore
	keys     store.QuizKeyStore
	balance  *BalanceService
	rules    QuizRules
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewQuizService(attempts store.AttemptStore, keys store.QuizKeyStore, balance *BalanceService, rules QuizRules, m *metrics.Metrics, logger *slog.Logger) *QuizService {
	return &QuizService{
		guard:    &Guard{attempts: attempts},
		attempts: attempts,
		keys:     keys,
		balance:  balance,
		rules:    rules,
		metrics:  m,
		logger:   logger.With("component", "quiz_reward"),
		now:      time.Now,
	}
}

// SubmitQuizCommand is a user's answers to a quiz or challenge.
type SubmitQuizCommand struct {
	UserID      string
	ReferenceID string
	Type        domain.AttemptType
	Answers     []int
}

// ExternalQuizReward is a reward scored by the quiz service itself.
type ExternalQuizReward struct {
	UserID      string
	ReferenceID string
	Type        domain.AttemptType
	Score       int
	CoinAmount  int64
}

func validateAttemptRef(userID, referenceID string, typ domain.AttemptType) error {
	if strings.TrimSpace(userID) == "" {
		return domain.NewValidationError("user_id", "is required")
	}
	if strings.TrimSpace(referenceID) == "" {
		return domain.NewValidationError("id", "is required")
	}
	if !typ.Valid() {
		return domain.NewValidationError("type", "must be quiz or challenge")
	}
	return nil
}

// Score counts answers matching the key position by position.
func Score(key []int, answers []int) int {
	score := 0
	for i := 0; i < len(key) && i < len(answers); i++ {
		if answers[i] == key[i] {
			score++
		}
	}
	return score
}

// SubmitQuiz scores cmd and credits the reward. A second submission for the same
// quiz returns domain.ErrDuplicateAttempt without touching the balance.
func (s *QuizService) SubmitQuiz(ctx context.Context, cmd SubmitQuizCommand) (*domain.QuizReward, error) {
	if cmd.Type == "" {
		cmd.Type = domain.AttemptQuiz
	}
	if err := validateAttemptRef(cmd.UserID, cmd.ReferenceID, cmd.Type); err != nil {
		return nil, err
	}
	if len(cmd.Answers) == 0 {
		return nil, domain.NewValidationError("answers", "must not be empty")
	}

	key, err := s.keys.GetQuizAnswerKey(ctx, cmd.Type, cmd.ReferenceID)
	if err != nil {
		return nil, err
	}
	if _, err := s.balance.Balance(ctx, cmd.UserID); err != nil {
		return nil, err
	}

	attempt := &domain.Attempt{ID: uuid.New(), UserID: cmd.UserID, ReferenceID: cmd.ReferenceID, Type: cmd.Type}
	reserved, err := s.guard.TryReserveAttempt(ctx, attempt)
	if err != nil {
		return nil, err
	}
	if !reserved {
		s.metrics.ObserveQuizSubmission(string(cmd.Type), "duplicate")
		return nil, fmt.Errorf("%w: %s %s already submitted", domain.ErrDuplicateAttempt, cmd.Type, cmd.ReferenceID)
	}
	ctx = context.WithoutCancel(ctx)

	score := Score(key.Answers, cmd.Answers)
	var prevStreak domain.Streak
	streak, err := s.attempts.UpdateStreak(ctx, cmd.UserID, s.now(), func(prev domain.Streak, now time.Time) domain.Streak {
		prevStreak = prev
		return NextStreak(prev, now)
	})
	if err != nil {
		s.release(ctx, attempt.ID)
		return nil, fmt.Errorf("update streak: %w", err)
	}

	reward := &domain.QuizReward{
		AttemptID: attempt.ID,
		Title:     key.Title,
		Score:     score,
		Reward:    int64(score) * s.rules.CoinsPerCorrect,
		Streak:    streak.Count,
	}
	if score > 0 {
		reward.StreakBonus = s.rules.StreakBonus
	}
	if s.rules.MilestoneEvery > 0 && streak.Count != prevStreak.Count && streak.Count%s.rules.MilestoneEvery == 0 {
		reward.MilestoneBonus = s.rules.MilestoneBonus
	}
	reward.TotalReward = reward.Reward + reward.StreakBonus + reward.MilestoneBonus

	balance, err := s.creditReward(ctx, attempt, reward.Reward, reward.StreakBonus+reward.MilestoneBonus)
	if err != nil {
		s.restoreStreak(ctx, cmd.UserID, prevStreak, streak)
		return nil, err
	}
	reward.Balance = balance

	if err := s.attempts.CompleteAttempt(ctx, attempt.ID, score, reward.TotalReward); err != nil {
		s.logger.Warn("failed to record attempt result", "attempt_id", attempt.ID, "error", err)
	}
	s.metrics.ObserveQuizSubmission(string(cmd.Type), "scored")
	s.logger.Info("quiz scored", "user_id", cmd.UserID, "reference_id", cmd.ReferenceID, "type", cmd.Type,
		"score", score, "total_reward", reward.TotalReward, "streak", streak.Count)
	return reward, nil
}

// CreditQuizReward credits a reward scored elsewhere, once per (user, reference, type).
func (s *QuizService) CreditQuizReward(ctx context.Context, in ExternalQuizReward) (*domain.Attempt, int64, error) {
	if err := validateAttemptRef(in.UserID, in.ReferenceID, in.Type); err != nil {
		return nil, 0, err
	}
	if in.CoinAmount < 0 {
		return nil, 0, domain.NewValidationError("coin_amount", "must not be negative")
	}

	attempt := &domain.Attempt{ID: uuid.New(), UserID: in.UserID, ReferenceID: in.ReferenceID, Type: in.Type}
	reserved, err := s.guard.TryReserveAttempt(ctx, attempt)
	if err != nil {
		return nil, 0, err
	}
	if !reserved {
		s.metrics.ObserveQuizSubmission(string(in.Type), "duplicate")
		return nil, 0, fmt.Errorf("%w: %s %s already rewarded", domain.ErrDuplicateAttempt, in.Type, in.ReferenceID)
	}
	ctx = context.WithoutCancel(ctx)

	balance, err := s.creditReward(ctx, attempt, in.CoinAmount, 0)
	if err != nil {
		return nil, 0, err
	}
	if err := s.attempts.CompleteAttempt(ctx, attempt.ID, in.Score, in.CoinAmount); err != nil {
		s.logger.Warn("failed to record attempt result", "attempt_id", attempt.ID, "error", err)
	}
	attempt.Score = in.Score
	attempt.CoinsAwarded = in.CoinAmount
	s.metrics.ObserveQuizSubmission(string(in.Type), "credited")
	return attempt, balance, nil
}

// creditReward writes the quiz_reward and bonus entries for attempt in one ledger
// transaction and returns the resulting balance. On any failure nothing was
// credited, so the attempt is released and the user can submit again.
func (s *QuizService) creditReward(ctx context.Context, attempt *domain.Attempt, reward, bonus int64) (int64, error) {
	var credits []domain.BalanceMutation
	for _, c := range []struct {
		amount int64
		reason domain.LedgerReason
	}{
		{reward, domain.ReasonQuizReward},
		{bonus, domain.ReasonBonus},
	} {
		if c.amount <= 0 {
			continue
		}
		credits = append(credits, domain.BalanceMutation{
			UserID:           attempt.UserID,
			Amount:           c.amount,
			Reason:           c.reason,
			RelatedRequestID: attempt.ID.String(),
		})
	}

	if len(credits) == 0 {
		balance, err := s.balance.Balance(ctx, attempt.UserID)
		if err != nil {
			s.release(ctx, attempt.ID)
			return 0, err
		}
		return balance, nil
	}

	entries, err := s.balance.GrantAll(ctx, credits)
	if err != nil {
		s.release(ctx, attempt.ID)
		return 0, err
	}
	return entries[len(entries)-1].NewBalance, nil
}

// restoreStreak undoes a streak advance whose reward was never credited. A streak
// changed again in the meantime is left alone.
func (s *QuizService) restoreStreak(ctx context.Context, userID string, prev, advanced domain.Streak) {
	_, err := s.attempts.UpdateStreak(ctx, userID, s.now(), func(current domain.Streak, _ time.Time) domain.Streak {
		if !sameStreak(current, advanced) {
			return current
		}
		return prev
	})
	if err != nil {
		s.logger.Error("failed to restore streak", "user_id", userID, "error", err)
	}
}

func sameStreak(a, b domain.Streak) bool {
	if a.Count != b.Count {
		return false
	}
	if a.LastActivity == nil || b.LastActivity == nil {
		return a.LastActivity == b.LastActivity
	}
	return a.LastActivity.Truncate(time.Microsecond).Equal(b.LastActivity.Truncate(time.Microsecond))
}

func (s *QuizService) release(ctx context.Context, attemptID uuid.UUID) {
	if err := s.guard.Release(ctx, attemptID); err != nil {
		s.logger.Error("failed to release attempt", "attempt_id", attemptID, "error", err)
	}
}

// Attempt returns the user's attempt for a quiz or challenge, or domain.ErrAttemptNotFound.
func (s *QuizService) Attempt(ctx context.Context, userID, referenceID string, typ domain.AttemptType) (*domain.Attempt, error) {
	if err := validateAttemptRef(userID, referenceID, typ); err != nil {
		return nil, err
	}
	return s.attempts.GetAttempt(ctx, userID, referenceID, typ)
}
