package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/quizcoin/reward-service/internal/catalog"
	"github.com/quizcoin/reward-service/internal/domain"
	"github.com/quizcoin/reward-service/internal/gateway"
	"github.com/quizcoin/reward-service/internal/metrics"
	"github.com/quizcoin/reward-service/internal/store"
	"github.com/quizcoin/reward-service/internal/store/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubProvider answers every purchase with a fixed result.
type stubProvider struct {
	name   string
	result gateway.Result
	calls  atomic.Int64
	// block makes purchases wait for the context to end.
	block bool
}

func (p *stubProvider) Name() string {
	if p.name == "" {
		return "stub"
	}
	return p.name
}

func (p *stubProvider) respond(ctx context.Context) gateway.Result {
	p.calls.Add(1)
	if p.block {
		<-ctx.Done()
		return gateway.Result{Outcome: domain.OutcomeRetryable, Err: ctx.Err(), Message: ctx.Err().Error()}
	}
	return p.result
}

func (p *stubProvider) PurchaseAirtime(ctx context.Context, order gateway.AirtimeOrder) gateway.Result {
	return p.respond(ctx)
}

func (p *stubProvider) PurchaseData(ctx context.Context, order gateway.DataOrder) gateway.Result {
	return p.respond(ctx)
}

func (p *stubProvider) PurchaseExamPin(ctx context.Context, order gateway.ExamPinOrder) gateway.Result {
	return p.respond(ctx)
}

// requeryProvider adds a requery answer to stubProvider.
type requeryProvider struct {
	*stubProvider
	requery        gateway.Result
	requeriedIDs   []string
	requeriedIDsMu sync.Mutex
}

func (p *requeryProvider) Requery(ctx context.Context, requestID string) gateway.Result {
	p.requeriedIDsMu.Lock()
	p.requeriedIDs = append(p.requeriedIDs, requestID)
	p.requeriedIDsMu.Unlock()
	return p.requery
}

// recordingPublisher captures published routing keys.
type recordingPublisher struct {
	mu     sync.Mutex
	keys   []string
	bodies []interface{}
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, routingKey)
	p.bodies = append(p.bodies, body)
	return p.err
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) count(routingKey string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, k := range p.keys {
		if k == routingKey {
			n++
		}
	}
	return n
}

var errStoreUnavailable = errors.New("database unavailable")

// faultyRepo injects store failures into an in-memory repository.
type faultyRepo struct {
	*memory.Repository
	failRefunds      atomic.Bool
	failBonus        atomic.Bool
	failTransitionTo atomic.Value
}

func (r *faultyRepo) ApplyCredit(ctx context.Context, m domain.BalanceMutation) (*domain.LedgerEntry, error) {
	if m.Reason == domain.ReasonRewardRefund && r.failRefunds.Load() {
		return nil, errStoreUnavailable
	}
	return r.Repository.ApplyCredit(ctx, m)
}

func (r *faultyRepo) ApplyCredits(ctx context.Context, ms []domain.BalanceMutation) ([]domain.LedgerEntry, error) {
	for _, m := range ms {
		if m.Reason == domain.ReasonBonus && r.failBonus.Load() {
			return nil, errStoreUnavailable
		}
	}
	return r.Repository.ApplyCredits(ctx, ms)
}

func (r *faultyRepo) TransitionFulfillmentRequest(ctx context.Context, params store.TransitionParams) (bool, error) {
	if to, _ := r.failTransitionTo.Load().(string); to != "" && to == params.To {
		return false, errStoreUnavailable
	}
	return r.Repository.TransitionFulfillmentRequest(ctx, params)
}

type harness struct {
	repo    *memory.Repository
	events  *recordingPublisher
	balance *BalanceService
	orch    *Orchestrator
	quiz    *QuizService
	metrics *metrics.Metrics
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	repo    store.Repository
	timeout time.Duration
}

func withRepository(repo store.Repository) harnessOption {
	return func(c *harnessConfig) { c.repo = repo }
}

func withProviderTimeout(d time.Duration) harnessOption {
	return func(c *harnessConfig) { c.timeout = d }
}

// newHarness wires the application services over an in-memory repository with
// every reward action routed to provider.
func newHarness(t *testing.T, provider gateway.Provider, opts ...harnessOption) *harness {
	t.Helper()
	mem := memory.NewRepository()
	cfg := harnessConfig{repo: mem, timeout: time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	if f, ok := cfg.repo.(*faultyRepo); ok {
		mem = f.Repository
	}

	logger := discardLogger()
	m := metrics.New()
	publisher := &recordingPublisher{}
	events := NewEventPublisher(publisher, "", logger)
	balance := NewBalanceService(cfg.repo, events, m, logger)

	name := provider.Name()
	router, err := gateway.NewRouter(map[domain.RewardAction]string{
		domain.ActionAirtime: name,
		domain.ActionData:    name,
		domain.ActionExamPin: name,
	}, provider)
	if err != nil {
		t.Fatalf("failed to build router: %v", err)
	}

	orch := NewOrchestrator(OrchestratorDeps{
		Repository:      cfg.repo,
		Balance:         balance,
		Catalog:         catalog.Default(),
		Router:          router,
		Events:          events,
		Metrics:         m,
		Logger:          logger,
		ProviderTimeout: cfg.timeout,
	})
	quiz := NewQuizService(cfg.repo, cfg.repo, balance, DefaultQuizRules, m, logger)

	return &harness{
		repo:    mem,
		events:  publisher,
		balance: balance,
		orch:    orch,
		quiz:    quiz,
		metrics: m,
	}
}

// fund opens an account for userID holding coins.
func (h *harness) fund(t *testing.T, userID string, coins int64) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.balance.OpenAccount(ctx, userID); err != nil {
		t.Fatalf("failed to open account: %v", err)
	}
	if coins == 0 {
		return
	}
	if _, err := h.balance.Grant(ctx, domain.BalanceMutation{UserID: userID, Amount: coins, Reason: domain.ReasonPurchase}); err != nil {
		t.Fatalf("failed to fund account: %v", err)
	}
}

func (h *harness) balanceOf(t *testing.T, userID string) int64 {
	t.Helper()
	balance, err := h.balance.Balance(context.Background(), userID)
	if err != nil {
		t.Fatalf("failed to read balance: %v", err)
	}
	return balance
}

// assertConsistent checks that the stored balance equals the ledger sum and is
// never negative.
func (h *harness) assertConsistent(t *testing.T, userID string) *domain.BalanceAudit {
	t.Helper()
	audit, err := h.balance.Audit(context.Background(), userID)
	if err != nil {
		t.Fatalf("failed to audit balance: %v", err)
	}
	if !audit.Consistent {
		t.Fatalf("expected balance %d to equal ledger sum %d", audit.Balance, audit.LedgerSum())
	}
	if audit.Balance < 0 {
		t.Fatalf("expected non-negative balance, got %d", audit.Balance)
	}
	return audit
}

func (h *harness) entries(t *testing.T, userID string) []domain.LedgerEntry {
	t.Helper()
	entries, err := h.balance.Ledger(context.Background(), store.LedgerFilter{UserID: userID, Limit: 500})
	if err != nil {
		t.Fatalf("failed to list ledger: %v", err)
	}
	return entries
}

func (h *harness) request(t *testing.T, id uuid.UUID) *domain.FulfillmentRequest {
	t.Helper()
	req, err := h.orch.Get(context.Background(), "", id)
	if err != nil {
		t.Fatalf("failed to load request %s: %v", id, err)
	}
	return req
}

func (h *harness) requests(t *testing.T, userID string) []domain.FulfillmentRequest {
	t.Helper()
	reqs, err := h.orch.List(context.Background(), store.FulfillmentFilter{UserID: userID, Limit: 500})
	if err != nil {
		t.Fatalf("failed to list requests: %v", err)
	}
	return reqs
}

// airtime is a 500 naira MTN airtime redemption, which costs 50 coins.
func airtime(userID, key string) RedeemCommand {
	return RedeemCommand{
		UserID:         userID,
		IdempotencyKey: key,
		Action:         domain.ActionAirtime,
		Phone:          "08031234567",
		Network:        "mtn",
		Amount:         500,
	}
}

const airtimeCost = 50
