package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/quizcoin/reward-service/internal/domain"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// CachedQuizKeyStore caches answer keys in Redis and collapses concurrent misses for
// the same quiz into a single load from the backing store.
type CachedQuizKeyStore struct {
	client redis.UniversalClient
	next   QuizKeyStore
	ttl    time.Duration
	prefix string
	sf     singleflight.Group
	logger *slog.Logger
}

// NewCachedQuizKeyStore wraps next with a Redis read-through cache.
func NewCachedQuizKeyStore(client redis.UniversalClient, next QuizKeyStore, prefix string, ttl time.Duration, logger *slog.Logger) *CachedQuizKeyStore {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "rewards"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedQuizKeyStore{
		client: client,
		next:   next,
		ttl:    ttl,
		prefix: prefix,
		logger: logger.With(slog.String("component", "quiz_key_cache")),
	}
}

func (c *CachedQuizKeyStore) key(attemptType domain.AttemptType, referenceID string) string {
	return c.prefix + ":quizkey:" + string(attemptType) + ":" + referenceID
}

// GetQuizAnswerKey returns the cached key or loads it once from the backing store.
func (c *CachedQuizKeyStore) GetQuizAnswerKey(ctx context.Context, attemptType domain.AttemptType, referenceID string) (*domain.QuizAnswerKey, error) {
	cacheKey := c.key(attemptType, referenceID)
	if cached, ok := c.read(ctx, cacheKey); ok {
		return cached, nil
	}

	result, err, _ := c.sf.Do(cacheKey, func() (interface{}, error) {
		if cached, ok := c.read(ctx, cacheKey); ok {
			return cached, nil
		}
		loaded, err := c.next.GetQuizAnswerKey(ctx, attemptType, referenceID)
		if err != nil {
			return nil, err
		}
		if encoded, err := json.Marshal(loaded); err == nil {
			if err := c.client.Set(ctx, cacheKey, encoded, c.ttlWithJitter()).Err(); err != nil {
				c.logger.Warn("quiz key cache write failed", "key", cacheKey, "error", err)
			}
		}
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	key := *result.(*domain.QuizAnswerKey)
	key.Answers = append([]int(nil), key.Answers...)
	return &key, nil
}

func (c *CachedQuizKeyStore) read(ctx context.Context, cacheKey string) (*domain.QuizAnswerKey, bool) {
	raw, err := c.client.Get(ctx, cacheKey).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("quiz key cache read failed", "key", cacheKey, "error", err)
		}
		return nil, false
	}
	var key domain.QuizAnswerKey
	if err := json.Unmarshal(raw, &key); err != nil {
		return nil, false
	}
	return &key, true
}

func (c *CachedQuizKeyStore) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	jitterMax := int64(c.ttl) / 10
	return c.ttl + time.Duration(rand.Int63n(jitterMax+1))
}
