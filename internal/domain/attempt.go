package domain

import (
	"time"

	"github.com/google/uuid"
)

// AttemptType distinguishes quizzes from daily challenges.
type AttemptType string

const (
	AttemptQuiz      AttemptType = "quiz"
	AttemptChallenge AttemptType = "challenge"
)

// Valid reports whether t is a known attempt type.
func (t AttemptType) Valid() bool {
	return t == AttemptQuiz || t == AttemptChallenge
}

// Attempt records that a user submitted a quiz or challenge. One per
// (user, reference, type).
type Attempt struct {
	ID           uuid.UUID   `json:"id"`
	UserID       string      `json:"user_id"`
	ReferenceID  string      `json:"reference_id"`
	Type         AttemptType `json:"type"`
	Score        int         `json:"score"`
	CoinsAwarded int64       `json:"coins_awarded"`
	CreatedAt    time.Time   `json:"created_at"`
}

// QuizAnswerKey is the scoring data for a quiz or challenge.
type QuizAnswerKey struct {
	ReferenceID string      `json:"reference_id"`
	Type        AttemptType `json:"type"`
	Title       string      `json:"title"`
	Answers     []int       `json:"answers"`
}

// Streak is a user's consecutive-day activity counter.
type Streak struct {
	UserID       string     `json:"user_id"`
	Count        int        `json:"streak"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// QuizReward summarizes the coins granted for one submission.
type QuizReward struct {
	AttemptID      uuid.UUID `json:"attempt_id"`
	Title          string    `json:"title"`
	Score          int       `json:"score"`
	Reward         int64     `json:"reward"`
	StreakBonus    int64     `json:"streak_bonus"`
	MilestoneBonus int64     `json:"milestone_bonus"`
	TotalReward    int64     `json:"total_reward"`
	Streak         int       `json:"streak"`
	Balance        int64     `json:"coins"`
}
