// Package gateway adapts VTU providers to one capability set and normalizes their
// responses into a domain.ProviderOutcome. Adapters never return errors: transport
// failures and undecodable responses are reported as OutcomeRetryable with the
// cause in Result.Err.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/quizcoin/reward-service/internal/catalog"
	"github.com/quizcoin/reward-service/internal/domain"
	"github.com/quizcoin/reward-service/pkg/vtpassclient"
)

// AirtimeOrder is a VTU airtime purchase.
type AirtimeOrder struct {
	RequestID string
	Phone     string
	Network   catalog.Network
	Amount    int64
}

// DataOrder is a data bundle purchase.
type DataOrder struct {
	RequestID string
	Phone     string
	Network   catalog.Network
	Plan      catalog.DataPlan
}

// ExamPinOrder is an exam pin purchase.
type ExamPinOrder struct {
	RequestID string
	Phone     string
	Pin       catalog.ExamPin
	Quantity  int
}

// Result is the normalized provider response.
type Result struct {
	Outcome   domain.ProviderOutcome
	Reference string
	Message   string
	Raw       json.RawMessage
	Err       error
}

// TimedOut reports whether the call failed because a deadline passed.
func (r Result) TimedOut() bool {
	return r.Err != nil && isTimeout(r.Err)
}

// Provider is implemented by every VTU provider adapter.
type Provider interface {
	Name() string
	PurchaseAirtime(ctx context.Context, order AirtimeOrder) Result
	PurchaseData(ctx context.Context, order DataOrder) Result
	PurchaseExamPin(ctx context.Context, order ExamPinOrder) Result
}

// Requerier is implemented by providers that can report the status of an earlier request.
type Requerier interface {
	Requery(ctx context.Context, requestID string) Result
}

// RequestIDFor derives the provider request id for a fulfillment request. It is
// deterministic per request so a requery can find it again.
func RequestIDFor(id uuid.UUID, now time.Time) string {
	return vtpassclient.NewRequestID(now, strings.ReplaceAll(id.String(), "-", "")[:16])
}

// Router picks the provider configured for each reward action.
type Router struct {
	byAction map[domain.RewardAction]Provider
	byName   map[string]Provider
}

// NewRouter builds a Router. routes maps each action to a provider name.
func NewRouter(routes map[domain.RewardAction]string, providers ...Provider) (*Router, error) {
	r := &Router{
		byAction: make(map[domain.RewardAction]Provider),
		byName:   make(map[string]Provider),
	}
	for _, p := range providers {
		if p == nil {
			continue
		}
		r.byName[strings.ToLower(p.Name())] = p
	}
	for action, name := range routes {
		p, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("no provider %q configured for %s", name, action)
		}
		r.byAction[action] = p
	}
	return r, nil
}

// For returns the provider serving action.
func (r *Router) For(action domain.RewardAction) (Provider, error) {
	p, ok := r.byAction[action]
	if !ok {
		return nil, fmt.Errorf("no provider routed for %s", action)
	}
	return p, nil
}

// ByName returns a provider by its name.
func (r *Router) ByName(name string) (Provider, bool) {
	p, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// NormalizeStatus maps a free-form provider status word (as delivered by webhooks)
// onto an outcome. It reports false for words it does not recognize.
func NormalizeStatus(status string) (domain.ProviderOutcome, bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "delivered", "successful", "success", "completed":
		return domain.OutcomeDelivered, true
	case "pending", "processing", "initiated", "queued":
		return domain.OutcomePending, true
	case "failed", "failure", "reversed", "refunded", "cancelled":
		return domain.OutcomeFailed, true
	}
	return "", false
}

func transportFailure(err error, raw []byte) Result {
	res := Result{Outcome: domain.OutcomeRetryable, Err: err, Message: err.Error()}
	if json.Valid(raw) {
		res.Raw = json.RawMessage(raw)
	}
	return res
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func rawOrNil(raw []byte) json.RawMessage {
	if len(raw) == 0 || !json.Valid(raw) {
		return nil
	}
	return json.RawMessage(raw)
}
