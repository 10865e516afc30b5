package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/quizcoin/reward-service/internal/domain"
	"github.com/quizcoin/reward-service/internal/store/memory"
)

func newQuizHarness(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t, &stubProvider{})
	h.repo.PutQuizAnswerKey(domain.QuizAnswerKey{ReferenceID: "quiz-1", Type: domain.AttemptQuiz, Title: "Biology Mock 1", Answers: []int{1, 2, 3, 4}})
	h.fund(t, "user-1", 0)
	return h
}

func TestSubmitQuiz_ScoresAndCredits(t *testing.T) {
	h := newQuizHarness(t)

	reward, err := h.quiz.SubmitQuiz(context.Background(), SubmitQuizCommand{UserID: "user-1", ReferenceID: "quiz-1", Answers: []int{1, 2, 0, 4}})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if reward.Score != 3 || reward.Reward != 6 || reward.StreakBonus != 5 || reward.MilestoneBonus != 0 || reward.TotalReward != 11 {
		t.Fatalf("unexpected reward: %+v", reward)
	}
	if reward.Streak != 1 || reward.Balance != 11 || reward.Title != "Biology Mock 1" {
		t.Fatalf("unexpected reward summary: %+v", reward)
	}

	entries := h.entries(t, "user-1")
	if len(entries) != 2 {
		t.Fatalf("expected quiz reward and bonus entries, got %d", len(entries))
	}
	if entries[1].Reason != domain.ReasonQuizReward || entries[0].Reason != domain.ReasonBonus {
		t.Fatalf("unexpected ledger reasons: %s, %s", entries[1].Reason, entries[0].Reason)
	}
	h.assertConsistent(t, "user-1")

	attempt, err := h.quiz.Attempt(context.Background(), "user-1", "quiz-1", domain.AttemptQuiz)
	if err != nil {
		t.Fatalf("expected attempt, got %v", err)
	}
	if attempt.Score != 3 || attempt.CoinsAwarded != 11 {
		t.Fatalf("unexpected attempt: %+v", attempt)
	}
	if got := h.events.count(RoutingCoinsCredited); got != 2 {
		t.Fatalf("expected two coins credited events, got %d", got)
	}
}

func TestSubmitQuiz_ZeroScoreEarnsNothing(t *testing.T) {
	h := newQuizHarness(t)

	reward, err := h.quiz.SubmitQuiz(context.Background(), SubmitQuizCommand{UserID: "user-1", ReferenceID: "quiz-1", Answers: []int{0, 0, 0, 0}})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if reward.TotalReward != 0 || reward.Balance != 0 {
		t.Fatalf("expected no coins, got %+v", reward)
	}
	if got := len(h.entries(t, "user-1")); got != 0 {
		t.Fatalf("expected no ledger entries, got %d", got)
	}
	if _, err := h.quiz.SubmitQuiz(context.Background(), SubmitQuizCommand{UserID: "user-1", ReferenceID: "quiz-1", Answers: []int{1, 2, 3, 4}}); !errors.Is(err, domain.ErrDuplicateAttempt) {
		t.Fatalf("expected the zero score attempt to count, got %v", err)
	}
}

func TestSubmitQuiz_FailedBonusCreditCanBeResubmitted(t *testing.T) {
	ctx := context.Background()
	repo := &faultyRepo{Repository: memory.NewRepository()}
	h := newHarness(t, &stubProvider{}, withRepository(repo))
	h.repo.PutQuizAnswerKey(domain.QuizAnswerKey{ReferenceID: "quiz-1", Type: domain.AttemptQuiz, Title: "Biology Mock 1", Answers: []int{1, 2, 3, 4}})
	h.fund(t, "user-1", 0)

	// Six days in a row so far; today's submission reaches the milestone.
	yesterday := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if _, err := h.repo.UpdateStreak(ctx, "user-1", yesterday, func(domain.Streak, time.Time) domain.Streak {
		return domain.Streak{Count: 6, LastActivity: &yesterday}
	}); err != nil {
		t.Fatalf("failed to seed streak: %v", err)
	}
	h.quiz.now = func() time.Time { return yesterday.AddDate(0, 0, 1) }

	cmd := SubmitQuizCommand{UserID: "user-1", ReferenceID: "quiz-1", Answers: []int{1, 2, 3, 4}}
	repo.failBonus.Store(true)
	if _, err := h.quiz.SubmitQuiz(ctx, cmd); !errors.Is(err, errStoreUnavailable) {
		t.Fatalf("expected the credit failure, got %v", err)
	}
	if got := h.balanceOf(t, "user-1"); got != 0 {
		t.Fatalf("expected no partial credit, got balance %d", got)
	}
	if got := len(h.entries(t, "user-1")); got != 0 {
		t.Fatalf("expected no ledger entries, got %d", got)
	}
	if _, err := h.quiz.Attempt(ctx, "user-1", "quiz-1", domain.AttemptQuiz); !errors.Is(err, domain.ErrAttemptNotFound) {
		t.Fatalf("expected the attempt to be released, got %v", err)
	}

	repo.failBonus.Store(false)
	reward, err := h.quiz.SubmitQuiz(ctx, cmd)
	if err != nil {
		t.Fatalf("expected resubmission to succeed, got %v", err)
	}
	if reward.Streak != 7 || reward.StreakBonus != 5 || reward.MilestoneBonus != 20 {
		t.Fatalf("expected the streak to advance once to the milestone, got %+v", reward)
	}
	if reward.TotalReward != 33 || reward.Balance != 33 {
		t.Fatalf("expected 33 coins, got %+v", reward)
	}
	attempt, err := h.quiz.Attempt(ctx, "user-1", "quiz-1", domain.AttemptQuiz)
	if err != nil || attempt.Score != 4 || attempt.CoinsAwarded != 33 {
		t.Fatalf("expected the attempt to match the ledger, got %+v err=%v", attempt, err)
	}
	h.assertConsistent(t, "user-1")
}

func TestSubmitQuiz_ResubmissionIsRejected(t *testing.T) {
	h := newQuizHarness(t)
	cmd := SubmitQuizCommand{UserID: "user-1", ReferenceID: "quiz-1", Answers: []int{1, 2, 3, 4}}

	if _, err := h.quiz.SubmitQuiz(context.Background(), cmd); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	before := len(h.entries(t, "user-1"))
	balance := h.balanceOf(t, "user-1")

	if _, err := h.quiz.SubmitQuiz(context.Background(), cmd); !errors.Is(err, domain.ErrDuplicateAttempt) {
		t.Fatalf("expected ErrDuplicateAttempt, got %v", err)
	}
	if got := len(h.entries(t, "user-1")); got != before {
		t.Fatalf("expected no new entries, had %d now %d", before, got)
	}
	if got := h.balanceOf(t, "user-1"); got != balance {
		t.Fatalf("expected balance %d, got %d", balance, got)
	}
}

func TestSubmitQuiz_ConcurrentDoubleSubmitCreditsOnce(t *testing.T) {
	h := newQuizHarness(t)
	cmd := SubmitQuizCommand{UserID: "user-1", ReferenceID: "quiz-1", Answers: []int{1, 2, 3, 4}}

	const workers = 8
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
			_, err := h.quiz.SubmitQuiz(context.Background(), cmd)
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
	// 4 correct answers earn 8 coins plus the 5 coin streak bonus.
	if got := h.balanceOf(t, "user-1"); got != 13 {
		t.Fatalf("expected balance 13, got %d", got)
	}
	h.assertConsistent(t, "user-1")
}

func TestSubmitQuiz_MilestoneOnSeventhDay(t *testing.T) {
	h := newHarness(t, &stubProvider{})
	h.fund(t, "user-1", 0)
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	var last *domain.QuizReward
	for day := 0; day < 7; day++ {
		ref := fmt.Sprintf("daily-%d", day)
		h.repo.PutQuizAnswerKey(domain.QuizAnswerKey{ReferenceID: ref, Type: domain.AttemptChallenge, Answers: []int{1}})
		at := start.AddDate(0, 0, day)
		h.quiz.now = func() time.Time { return at }

		reward, err := h.quiz.SubmitQuiz(context.Background(), SubmitQuizCommand{UserID: "user-1", ReferenceID: ref, Type: domain.AttemptChallenge, Answers: []int{1}})
		if err != nil {
			t.Fatalf("day %d: expected no error, got %v", day, err)
		}
		if reward.Streak != day+1 {
			t.Fatalf("day %d: expected streak %d, got %d", day, day+1, reward.Streak)
		}
		if day < 6 && reward.MilestoneBonus != 0 {
			t.Fatalf("day %d: unexpected milestone bonus", day)
		}
		last = reward
	}
	if last.MilestoneBonus != 20 || last.TotalReward != 2+5+20 {
		t.Fatalf("expected milestone bonus on day 7, got %+v", last)
	}

	// A second activity on the same day does not award the milestone again.
	h.repo.PutQuizAnswerKey(domain.QuizAnswerKey{ReferenceID: "extra", Type: domain.AttemptQuiz, Answers: []int{1}})
	again, err := h.quiz.SubmitQuiz(context.Background(), SubmitQuizCommand{UserID: "user-1", ReferenceID: "extra", Answers: []int{1}})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if again.Streak != 7 || again.MilestoneBonus != 0 {
		t.Fatalf("expected streak 7 without milestone, got %+v", again)
	}
}

func TestSubmitQuiz_Errors(t *testing.T) {
	h := newQuizHarness(t)
	ctx := context.Background()

	if _, err := h.quiz.SubmitQuiz(ctx, SubmitQuizCommand{UserID: "user-1", ReferenceID: "missing", Answers: []int{1}}); !errors.Is(err, domain.ErrQuizNotFound) {
		t.Fatalf("expected ErrQuizNotFound, got %v", err)
	}
	if _, err := h.quiz.SubmitQuiz(ctx, SubmitQuizCommand{UserID: "user-1", ReferenceID: "quiz-1"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for empty answers, got %v", err)
	}
	if _, err := h.quiz.SubmitQuiz(ctx, SubmitQuizCommand{UserID: "user-1", ReferenceID: "quiz-1", Type: "exam", Answers: []int{1}}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for type, got %v", err)
	}
	if _, err := h.quiz.SubmitQuiz(ctx, SubmitQuizCommand{UserID: "ghost", ReferenceID: "quiz-1", Answers: []int{1}}); !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if _, err := h.quiz.Attempt(ctx, "ghost", "quiz-1", domain.AttemptQuiz); !errors.Is(err, domain.ErrAttemptNotFound) {
		t.Fatalf("expected no attempt for the unknown user, got %v", err)
	}
}

func TestCreditQuizReward(t *testing.T) {
	h := newQuizHarness(t)
	in := ExternalQuizReward{UserID: "user-1", ReferenceID: "ext-1", Type: domain.AttemptQuiz, Score: 9, CoinAmount: 18}

	attempt, balance, err := h.quiz.CreditQuizReward(context.Background(), in)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if balance != 18 || attempt.CoinsAwarded != 18 || attempt.Score != 9 {
		t.Fatalf("unexpected credit: balance=%d attempt=%+v", balance, attempt)
	}
	if _, _, err := h.quiz.CreditQuizReward(context.Background(), in); !errors.Is(err, domain.ErrDuplicateAttempt) {
		t.Fatalf("expected ErrDuplicateAttempt, got %v", err)
	}
	if got := h.balanceOf(t, "user-1"); got != 18 {
		t.Fatalf("expected a single credit, got %d", got)
	}

	in.ReferenceID = "ext-2"
	in.UserID = "ghost"
	if _, _, err := h.quiz.CreditQuizReward(context.Background(), in); !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if _, err := h.quiz.Attempt(context.Background(), "ghost", "ext-2", domain.AttemptQuiz); !errors.Is(err, domain.ErrAttemptNotFound) {
		t.Fatalf("expected the attempt to be released, got %v", err)
	}
}

func TestScore(t *testing.T) {
	tests := []struct {
		key     []int
		answers []int
		want    int
	}{
		{[]int{1, 2, 3}, []int{1, 2, 3}, 3},
		{[]int{1, 2, 3}, []int{3, 2, 1}, 1},
		{[]int{1, 2, 3}, []int{1}, 1},
		{[]int{1}, []int{1, 2, 3}, 1},
		{nil, []int{1}, 0},
	}
	for _, tc := range tests {
		if got := Score(tc.key, tc.answers); got != tc.want {
			t.Fatalf("Score(%v, %v) expected %d, got %d", tc.key, tc.answers, tc.want, got)
		}
	}
}
