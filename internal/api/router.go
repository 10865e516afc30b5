/**
 * @description
 * HTTP router setup for the reward-service using go-chi/chi. User routes sit
 * behind bearer-token auth; /internal routes behind the shared internal key.
 */
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/quizcoin/reward-service/internal/app"
	"github.com/quizcoin/reward-service/internal/metrics"
)

// RouterConfig carries the cross-cutting pieces the router needs.
type RouterConfig struct {
	Auth           *Authenticator
	InternalAPIKey string
	AllowedOrigins []string
	RateLimiter    app.RateLimiter
	Metrics        *metrics.Metrics
	Logger         *slog.Logger

	// Defaults for an on-demand reconciliation pass.
	PendingRequeryAfter time.Duration
	StaleRequestAfter   time.Duration
}

// NewRouter creates a new Chi router and registers the reward-service routes.
func NewRouter(h *RewardHandlers, cfg RouterConfig) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(MetricsMiddleware(cfg.Metrics))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("healthy"))
	})
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(cfg.Auth.Middleware)

		r.Route("/reward", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(RateLimitMiddleware(cfg.RateLimiter, "redeem", logger))
				r.Post("/airtime", h.AirtimeHandler)
				r.Post("/data", h.DataHandler)
				r.Post("/exam-pin", h.ExamPinHandler)
			})
			r.Get("/requests/{id}", h.GetRequestHandler)
			r.Get("/plans", h.PlansHandler)
			r.Get("/plans/live", h.LivePlansHandler)
		})

		r.Route("/logic/{id}", func(r chi.Router) {
			r.Post("/submit-quiz", h.SubmitQuizHandler)
			r.Get("/attempt/{type}", h.GetAttemptHandler)
		})

		r.Get("/coins/balance", h.BalanceHandler)
		r.Get("/coins/ledger", h.LedgerHandler)
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))
		r.Post("/accounts", h.OpenAccountHandler)
		r.Get("/accounts/{userID}/audit", h.AuditHandler)
		r.Post("/coins/credit", h.CreditHandler)
		r.Post("/quiz-rewards", h.QuizRewardHandler)
		r.Get("/ledger", h.InternalLedgerHandler)
		r.Get("/fulfillments", h.ListFulfillmentsHandler)
		r.Post("/fulfillments/{id}/requery", h.RequeryHandler)
		r.Post("/fulfillments/{id}/compensate", h.CompensateHandler)
		r.Post("/reconcile", h.ReconcileHandler(cfg.PendingRequeryAfter, cfg.StaleRequestAfter))
	})

	return r
}
