package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/quizcoin/reward-service/internal/domain"
	"github.com/redis/go-redis/v9"
)

type countingKeyStore struct {
	keys    map[string]domain.QuizAnswerKey
	loads   atomic.Int64
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *countingKeyStore) GetQuizAnswerKey(ctx context.Context, attemptType domain.AttemptType, referenceID string) (*domain.QuizAnswerKey, error) {
	s.loads.Add(1)
	if s.started != nil {
		s.once.Do(func() { close(s.started) })
		<-s.release
	}
	key, ok := s.keys[string(attemptType)+":"+referenceID]
	if !ok {
		return nil, domain.ErrQuizNotFound
	}
	key.Answers = append([]int(nil), key.Answers...)
	return &key, nil
}

func newKeyCache(t *testing.T, next QuizKeyStore) (*miniredis.Miniredis, *CachedQuizKeyStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return mr, NewCachedQuizKeyStore(client, next, "reward:", 10*time.Minute, logger)
}

func biologyKeys() map[string]domain.QuizAnswerKey {
	return map[string]domain.QuizAnswerKey{
		"quiz:bio-1": {ReferenceID: "bio-1", Type: domain.AttemptQuiz, Title: "Biology 1", Answers: []int{2, 0, 1}},
	}
}

func TestCachedQuizKeyStore_ReadThrough(t *testing.T) {
	next := &countingKeyStore{keys: biologyKeys()}
	mr, cache := newKeyCache(t, next)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		key, err := cache.GetQuizAnswerKey(ctx, domain.AttemptQuiz, "bio-1")
		if err != nil {
			t.Fatalf("expected key, got %v", err)
		}
		if key.Title != "Biology 1" || len(key.Answers) != 3 {
			t.Fatalf("unexpected key: %+v", key)
		}
		key.Answers[0] = 99
	}
	if got := next.loads.Load(); got != 1 {
		t.Fatalf("expected a single backing load, got %d", got)
	}

	const cacheKey = "reward:quizkey:quiz:bio-1"
	if !mr.Exists(cacheKey) {
		t.Fatalf("expected %s to be cached", cacheKey)
	}
	if ttl := mr.TTL(cacheKey); ttl < 10*time.Minute || ttl > 11*time.Minute {
		t.Fatalf("expected ttl within jitter bounds, got %s", ttl)
	}

	mr.FastForward(12 * time.Minute)
	if _, err := cache.GetQuizAnswerKey(ctx, domain.AttemptQuiz, "bio-1"); err != nil {
		t.Fatalf("expected reload after expiry, got %v", err)
	}
	if got := next.loads.Load(); got != 2 {
		t.Fatalf("expected a reload after expiry, got %d loads", got)
	}
}

func TestCachedQuizKeyStore_NotFoundIsNotCached(t *testing.T) {
	next := &countingKeyStore{keys: biologyKeys()}
	mr, cache := newKeyCache(t, next)

	for i := 0; i < 2; i++ {
		if _, err := cache.GetQuizAnswerKey(context.Background(), domain.AttemptChallenge, "bio-1"); !errors.Is(err, domain.ErrQuizNotFound) {
			t.Fatalf("expected ErrQuizNotFound, got %v", err)
		}
	}
	if got := next.loads.Load(); got != 2 {
		t.Fatalf("expected misses to reach the backing store, got %d", got)
	}
	if keys := mr.Keys(); len(keys) != 0 {
		t.Fatalf("expected nothing cached, got %v", keys)
	}
}

func TestCachedQuizKeyStore_CollapsesConcurrentMisses(t *testing.T) {
	next := &countingKeyStore{keys: biologyKeys(), started: make(chan struct{}), release: make(chan struct{})}
	_, cache := newKeyCache(t, next)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.GetQuizAnswerKey(context.Background(), domain.AttemptQuiz, "bio-1")
			errs <- err
		}()
	}
	<-next.started
	time.Sleep(20 * time.Millisecond)
	close(next.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
	}
	if got := next.loads.Load(); got != 1 {
		t.Fatalf("expected one backing load, got %d", got)
	}
}

func TestCachedQuizKeyStore_RedisDownFallsBack(t *testing.T) {
	next := &countingKeyStore{keys: biologyKeys()}
	mr, cache := newKeyCache(t, next)
	mr.Close()

	for i := 0; i < 2; i++ {
		key, err := cache.GetQuizAnswerKey(context.Background(), domain.AttemptQuiz, "bio-1")
		if err != nil || key.Title != "Biology 1" {
			t.Fatalf("expected backing store result, got %+v err=%v", key, err)
		}
	}
	if got := next.loads.Load(); got != 2 {
		t.Fatalf("expected every call to hit the backing store, got %d", got)
	}
}
