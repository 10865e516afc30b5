/**
 * @description
 * Internal endpoints used by the rest of the platform and by operators: account
 * provisioning, coin grants, externally scored quiz rewards, fulfillment
 * inspection and the manual recovery levers (requery, compensation retry and an
 * on-demand reconciliation pass).
 */

package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/quizcoin/reward-service/internal/app"
	"github.com/quizcoin/reward-service/internal/domain"
	"github.com/quizcoin/reward-service/internal/store"
)

type openAccountRequest struct {
	UserID string `json:"userId" validate:"required,max=128"`
}

type creditRequest struct {
	UserID    string `json:"userId" validate:"required"`
	Amount    int64  `json:"amount" validate:"required,gt=0"`
	Reason    string `json:"reason" validate:"required,oneof=bonus purchase"`
	Reference string `json:"reference" validate:"omitempty,max=128"`
}

type quizRewardRequest struct {
	UserID      string `json:"userId" validate:"required"`
	ReferenceID string `json:"referenceId" validate:"required"`
	Type        string `json:"type" validate:"required,oneof=quiz challenge"`
	Score       int    `json:"score" validate:"gte=0"`
	CoinAmount  int64  `json:"coinAmount" validate:"gte=0"`
}

type reconcileRequest struct {
	PendingOlderThanMinutes int `json:"pendingOlderThanMinutes" validate:"gte=0"`
	StaleOlderThanMinutes   int `json:"staleOlderThanMinutes" validate:"gte=0"`
	Limit                   int `json:"limit" validate:"gte=0,lte=500"`
}

// OpenAccountHandler handles POST /internal/accounts. Opening an existing account
// returns it unchanged.
func (h *RewardHandlers) OpenAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req openAccountRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	account, err := h.balance.OpenAccount(r.Context(), strings.TrimSpace(req.UserID))
	if err != nil {
		h.writeDomainError(w, h.logger.With("endpoint", "open_account"), err)
		return
	}
	h.writeJSON(w, http.StatusOK, account)
}

// CreditHandler handles POST /internal/coins/credit. A bonus or purchase carrying
// a reference is credited once per (user, reference, reason); a retry answers 200
// with the original entry instead of 201.
func (h *RewardHandlers) CreditHandler(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	entry, err := h.balance.Grant(r.Context(), domain.BalanceMutation{
		UserID:           strings.TrimSpace(req.UserID),
		Amount:           req.Amount,
		Reason:           domain.LedgerReason(req.Reason),
		RelatedRequestID: strings.TrimSpace(req.Reference),
	})
	if errors.Is(err, domain.ErrDuplicateGrant) && entry != nil {
		h.writeJSON(w, http.StatusOK, entry)
		return
	}
	if err != nil {
		h.writeDomainError(w, h.logger.With("endpoint", "credit", "user_id", req.UserID), err)
		return
	}
	h.writeJSON(w, http.StatusCreated, entry)
}

// QuizRewardHandler handles POST /internal/quiz-rewards for quizzes scored by the
// quiz service. Duplicates answer 409 so the caller can stop retrying.
func (h *RewardHandlers) QuizRewardHandler(w http.ResponseWriter, r *http.Request) {
	var req quizRewardRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	attempt, balance, err := h.quiz.CreditQuizReward(r.Context(), app.ExternalQuizReward{
		UserID:      strings.TrimSpace(req.UserID),
		ReferenceID: strings.TrimSpace(req.ReferenceID),
		Type:        domain.AttemptType(req.Type),
		Score:       req.Score,
		CoinAmount:  req.CoinAmount,
	})
	if err != nil {
		h.writeDomainError(w, h.logger.With("endpoint", "quiz_reward", "user_id", req.UserID), err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]interface{}{"attempt": attempt, "coins": balance})
}

// ListFulfillmentsHandler handles GET /internal/fulfillments?userId=&status=.
func (h *RewardHandlers) ListFulfillmentsHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := h.pagination(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := store.FulfillmentFilter{UserID: strings.TrimSpace(q.Get("userId")), Limit: limit, Offset: offset}
	for _, status := range q["status"] {
		for _, s := range strings.Split(status, ",") {
			if s = strings.TrimSpace(s); s != "" {
				filter.Statuses = append(filter.Statuses, s)
			}
		}
	}
	requests, err := h.orchestrator.List(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, h.logger.With("endpoint", "list_fulfillments"), err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"requests": requests})
}

// InternalLedgerHandler handles GET /internal/ledger?userId=&requestId=&reason=.
func (h *RewardHandlers) InternalLedgerHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := h.pagination(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := store.LedgerFilter{
		UserID:           strings.TrimSpace(q.Get("userId")),
		RelatedRequestID: strings.TrimSpace(q.Get("requestId")),
		Reason:           domain.LedgerReason(strings.TrimSpace(q.Get("reason"))),
		Limit:            limit,
		Offset:           offset,
	}
	if filter.UserID == "" && filter.RelatedRequestID == "" {
		h.writeValidation(w, domain.NewValidationError("userId", "userId or requestId is required"))
		return
	}
	if filter.Reason != "" && !filter.Reason.Valid() {
		h.writeValidation(w, domain.NewValidationError("reason", "is not a known ledger reason"))
		return
	}
	entries, err := h.balance.Ledger(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, h.logger.With("endpoint", "internal_ledger"), err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// AuditHandler handles GET /internal/accounts/{userID}/audit.
func (h *RewardHandlers) AuditHandler(w http.ResponseWriter, r *http.Request) {
	audit, err := h.balance.Audit(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeDomainError(w, h.logger.With("endpoint", "audit"), err)
		return
	}
	h.writeJSON(w, http.StatusOK, audit)
}

// RequeryHandler handles POST /internal/fulfillments/{id}/requery.
func (h *RewardHandlers) RequeryHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requestID(w, r)
	if !ok {
		return
	}
	result, err := h.orchestrator.Requery(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, h.logger.With("endpoint", "requery", "request_id", id), err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// CompensateHandler handles POST /internal/fulfillments/{id}/compensate for
// requests left in compensation_failed.
func (h *RewardHandlers) CompensateHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requestID(w, r)
	if !ok {
		return
	}
	result, err := h.orchestrator.RetryCompensation(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, h.logger.With("endpoint", "compensate", "request_id", id), err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// ReconcileHandler handles POST /internal/reconcile. An empty body uses the
// scheduled defaults.
func (h *RewardHandlers) ReconcileHandler(defaultPendingAfter, defaultStaleAfter time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reconcileRequest
		if r.ContentLength != 0 && !h.decodeAndValidate(w, r, &req) {
			return
		}
		pendingAfter, staleAfter := defaultPendingAfter, defaultStaleAfter
		if req.PendingOlderThanMinutes > 0 {
			pendingAfter = time.Duration(req.PendingOlderThanMinutes) * time.Minute
		}
		if req.StaleOlderThanMinutes > 0 {
			staleAfter = time.Duration(req.StaleOlderThanMinutes) * time.Minute
		}

		logger := h.logger.With("endpoint", "reconcile")
		pending, err := h.orchestrator.ReconcilePending(r.Context(), pendingAfter, req.Limit)
		if err != nil {
			h.writeDomainError(w, logger, err)
			return
		}
		stale, err := h.orchestrator.RecoverStale(r.Context(), staleAfter, req.Limit)
		if err != nil {
			h.writeDomainError(w, logger, err)
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]app.ReconcileReport{"pending": pending, "stale": stale})
	}
}

func (h *RewardHandlers) requestID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request id")
		return uuid.Nil, false
	}
	return id, true
}
