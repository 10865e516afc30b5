package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/quizcoin/reward-service/internal/api"
	"github.com/quizcoin/reward-service/internal/app"
	"github.com/quizcoin/reward-service/pkg/rabbitmq"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// NewServeCmd builds the CLI subcommand that runs the HTTP API, the provider
// status consumer and the reconciliation scheduler.
func NewServeCmd(configDir, port *string) *cobra.Command {
	var migrateFirst bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the reward service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configDir, *port, migrateFirst)
		},
	}
	cmd.Flags().BoolVar(&migrateFirst, "migrate", false, "apply database migrations before starting")
	return cmd
}

func runServe(ctx context.Context, configDir, portFlag string, migrateFirst bool) error {
	cfg, err := loadConfig(configDir, portFlag)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := cfg.NewLogger()
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		return errors.New("internal api key must be configured (INTERNAL_API_KEY)")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if migrateFirst {
		if err := runMigrations(ctx, cfg, logger); err != nil {
			return err
		}
	}

	svc, err := buildServices(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer svc.Close()

	auth, err := api.NewAuthenticator(api.AuthConfig{
		JWKSURL:    cfg.JWTJWKSURL,
		HMACSecret: cfg.JWTHMACSecret,
		Audience:   cfg.JWTAudience,
		Issuer:     cfg.JWTIssuer,
	}, logger)
	if err != nil {
		return fmt.Errorf("configure auth: %w", err)
	}

	var limiter app.RateLimiter
	if svc.redis != nil {
		limiter = app.NewRedisRateLimiter(svc.redis, cfg.RedisKeyPrefix, cfg.RewardRateLimitPerMinute, time.Minute)
	}

	handlers := api.NewRewardHandlers(api.HandlerDeps{
		Orchestrator: svc.orchestrator,
		Quiz:         svc.quiz,
		Balance:      svc.balance,
		Catalog:      svc.catalog,
		Plans:        svc.easyAccess,
		Logger:       logger,
	})
	router := api.NewRouter(handlers, api.RouterConfig{
		Auth:                auth,
		InternalAPIKey:      cfg.InternalAPIKey,
		AllowedOrigins:      cfg.AllowedOrigins(),
		RateLimiter:         limiter,
		Metrics:             svc.metrics,
		Logger:              logger,
		PendingRequeryAfter: cfg.PendingRequeryAfter(),
		StaleRequestAfter:   cfg.StaleRequestAfter(),
	})

	scheduler := app.NewScheduler(app.NewJobs(svc.orchestrator, svc.metrics, logger, cfg), logger, cfg)
	scheduler.Start()
	defer func() {
		<-scheduler.Stop().Done()
	}()

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("reward service listening", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		consumer := app.NewProviderStatusConsumer(svc.orchestrator, logger)
		g.Go(func() error {
			return consumeProviderStatus(gctx, cfg.RabbitMQURL, cfg.ProviderEventExchange, cfg.ProviderStatusQueue, consumer, logger)
		})
	}

	return g.Wait()
}

// consumeProviderStatus runs the callback consumer, reconnecting with a capped
// backoff while the service is up. Losing the broker never stops the API.
func consumeProviderStatus(ctx context.Context, url, exchange, queue string, consumer *app.ProviderStatusConsumer, logger *slog.Logger) error {
	backoff := time.Second
	for {
		c, err := rabbitmq.NewConsumer(url, logger)
		if err == nil {
			logger.Info("provider status consumer started", "exchange", exchange, "queue", queue)
			err = c.ConsumeWithBindings(ctx, exchange, queue, map[string]func([]byte) bool{
				app.RoutingProviderStatusUpdated: consumer.HandleMessage,
			})
			c.Close()
			backoff = time.Second
		}
		if ctx.Err() != nil {
			return nil
		}
		logger.Warn("provider status consumer stopped; reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}
