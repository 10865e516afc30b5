package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/quizcoin/reward-service/internal/app"
	"github.com/quizcoin/reward-service/internal/catalog"
	"github.com/quizcoin/reward-service/internal/config"
	"github.com/quizcoin/reward-service/internal/domain"
	"github.com/quizcoin/reward-service/internal/gateway"
	"github.com/quizcoin/reward-service/internal/metrics"
	"github.com/quizcoin/reward-service/internal/store"
	"github.com/quizcoin/reward-service/internal/store/memory"
	"github.com/quizcoin/reward-service/pkg/easyaccessclient"
	"github.com/quizcoin/reward-service/pkg/rabbitmq"
	"github.com/quizcoin/reward-service/pkg/vtpassclient"
	"github.com/redis/go-redis/v9"
)

// services is the wired application graph shared by serve and reconcile.
type services struct {
	catalog      *catalog.Catalog
	metrics      *metrics.Metrics
	redis        *redis.Client
	balance      *app.BalanceService
	orchestrator *app.Orchestrator
	quiz         *app.QuizService
	easyAccess   *gateway.EasyAccess

	closers []func()
}

func (s *services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func buildServices(ctx context.Context, cfg config.Config, logger *slog.Logger, requireDatabase bool) (*services, error) {
	svc := &services{metrics: metrics.New()}
	ok := false
	defer func() {
		if !ok {
			svc.Close()
		}
	}()

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}
	svc.catalog = cat

	repository, err := openRepository(ctx, cfg, logger, requireDatabase, svc)
	if err != nil {
		return nil, err
	}

	svc.redis = openRedis(ctx, cfg, logger)
	if svc.redis != nil {
		svc.closers = append(svc.closers, func() { _ = svc.redis.Close() })
	}

	var publisher rabbitmq.Publisher = &rabbitmq.EventProducerFallback{Logger: logger}
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		logger.Warn("rabbitmq url missing; reward events will only be logged", "env", "RABBITMQ_URL")
	} else if producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger); err != nil {
		logger.Warn("rabbitmq producer unavailable; using fallback", "error", err)
	} else {
		publisher = producer
		svc.closers = append(svc.closers, producer.Close)
		logger.Info("rabbitmq producer connected")
	}
	events := app.NewEventPublisher(publisher, cfg.RewardEventExchange, logger)

	svc.easyAccess = gateway.NewEasyAccess(easyaccessclient.NewClient(cfg.EasyAccessBaseURL, cfg.EasyAccessToken))
	vtpass := gateway.NewVTpass(vtpassclient.NewClient(cfg.VTpassBaseURL, cfg.VTpassAPIKey, cfg.VTpassPublicKey, cfg.VTpassSecretKey))
	router, err := gateway.NewRouter(map[domain.RewardAction]string{
		domain.ActionAirtime: cfg.AirtimeProvider,
		domain.ActionData:    cfg.DataProvider,
		domain.ActionExamPin: cfg.ExamPinProvider,
	}, vtpass, svc.easyAccess)
	if err != nil {
		return nil, err
	}

	svc.balance = app.NewBalanceService(repository, events, svc.metrics, logger)
	svc.orchestrator = app.NewOrchestrator(app.OrchestratorDeps{
		Repository:      repository,
		Balance:         svc.balance,
		Catalog:         cat,
		Router:          router,
		Events:          events,
		Metrics:         svc.metrics,
		Logger:          logger,
		ProviderTimeout: cfg.ProviderTimeout(),
	})

	var keys store.QuizKeyStore = repository
	if svc.redis != nil {
		keys = store.NewCachedQuizKeyStore(svc.redis, repository, cfg.RedisKeyPrefix, cfg.QuizCacheTTL(), logger)
	}
	svc.quiz = app.NewQuizService(repository, keys, svc.balance, app.DefaultQuizRules, svc.metrics, logger)

	ok = true
	return svc, nil
}

func openRepository(ctx context.Context, cfg config.Config, logger *slog.Logger, required bool, svc *services) (store.Repository, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if required {
			return nil, fmt.Errorf("DATABASE_URL is not configured")
		}
		logger.Warn("database url missing; using the in-memory store, balances will not survive a restart", "env", "DATABASE_URL")
		return memory.NewRepository(), nil
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolConfig.MaxConns = cfg.DatabaseMaxConns
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	svc.closers = append(svc.closers, pool.Close)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	logger.Info("database connected", "max_conns", poolConfig.MaxConns)
	return store.NewPostgresRepository(pool), nil
}

// openRedis returns nil when redis is unconfigured or unreachable; rate limiting
// and quiz key caching are then skipped.
func openRedis(ctx context.Context, cfg config.Config, logger *slog.Logger) *redis.Client {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		logger.Warn("redis url missing; rate limiting and quiz caching disabled", "env", "REDIS_URL")
		return nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("redis url parse failed; rate limiting and quiz caching disabled", "error", err)
		return nil
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; rate limiting and quiz caching disabled", "error", err)
		_ = client.Close()
		return nil
	}
	logger.Info("redis connected")
	return client
}
