/**
 * @description
 * HTTP handlers for the reward-service. Handlers decode and validate the request,
 * call the application services and translate domain errors into status codes.
 * Reward redemptions always answer with the normalized fulfillment result, never
 * with a provider payload.
 *
 * @dependencies
 * - github.com/go-playground/validator/v10: Request body validation.
 * - internal/app: Orchestrator, QuizService, BalanceService.
 * - internal/catalog: Product listings.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/quizcoin/reward-service/internal/app"
	"github.com/quizcoin/reward-service/internal/catalog"
	"github.com/quizcoin/reward-service/internal/domain"
	"github.com/quizcoin/reward-service/internal/store"
)

const maxBodyBytes = 1 << 20

// PlanLister returns a provider's live plan list.
type PlanLister interface {
	Plans(ctx context.Context, productType string) (json.RawMessage, error)
}

// RewardHandlers holds the application services the handlers use.
type RewardHandlers struct {
	orchestrator *app.Orchestrator
	quiz         *app.QuizService
	balance      *app.BalanceService
	catalog      *catalog.Catalog
	plans        PlanLister
	validate     *validator.Validate
	logger       *slog.Logger
}

// HandlerDeps wires RewardHandlers. Plans is optional.
type HandlerDeps struct {
	Orchestrator *app.Orchestrator
	Quiz         *app.QuizService
	Balance      *app.BalanceService
	Catalog      *catalog.Catalog
	Plans        PlanLister
	Logger       *slog.Logger
}

func NewRewardHandlers(deps HandlerDeps) *RewardHandlers {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RewardHandlers{
		orchestrator: deps.Orchestrator,
		quiz:         deps.Quiz,
		balance:      deps.Balance,
		catalog:      deps.Catalog,
		plans:        deps.Plans,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		logger:       logger.With("component", "api"),
	}
}

type errorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

// rewardResponse is a fulfillment result with the error that accompanied it, if any.
type rewardResponse struct {
	*domain.FulfillmentResult
	Error string `json:"error,omitempty"`
}

type airtimeRequest struct {
	Phone     string `json:"phone" validate:"required"`
	Amount    int64  `json:"amount" validate:"required,gt=0"`
	Network   string `json:"network" validate:"required"`
	Reference string `json:"reference" validate:"omitempty,max=128"`
}

type dataRequest struct {
	Phone     string `json:"phone" validate:"required"`
	Network   string `json:"network" validate:"required"`
	PlanCode  string `json:"planCode" validate:"required"`
	Amount    int64  `json:"amount" validate:"gte=0"`
	Reference string `json:"reference" validate:"omitempty,max=128"`
}

type examPinRequest struct {
	PinType   string `json:"pinType" validate:"required"`
	Quantity  int    `json:"quantity" validate:"required,gt=0"`
	Phone     string `json:"phone"`
	Reference string `json:"reference" validate:"omitempty,max=128"`
}

// AirtimeHandler handles POST /reward/airtime.
func (h *RewardHandlers) AirtimeHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req airtimeRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	h.redeem(w, r, app.RedeemCommand{
		UserID:         userID,
		IdempotencyKey: idempotencyKey(r, req.Reference),
		Action:         domain.ActionAirtime,
		Phone:          req.Phone,
		Network:        req.Network,
		Amount:         req.Amount,
	})
}

// DataHandler handles POST /reward/data.
func (h *RewardHandlers) DataHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req dataRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	h.redeem(w, r, app.RedeemCommand{
		UserID:         userID,
		IdempotencyKey: idempotencyKey(r, req.Reference),
		Action:         domain.ActionData,
		Phone:          req.Phone,
		Network:        req.Network,
		PlanCode:       req.PlanCode,
		Amount:         req.Amount,
	})
}

// ExamPinHandler handles POST /reward/exam-pin.
func (h *RewardHandlers) ExamPinHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req examPinRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	h.redeem(w, r, app.RedeemCommand{
		UserID:         userID,
		IdempotencyKey: idempotencyKey(r, req.Reference),
		Action:         domain.ActionExamPin,
		Phone:          req.Phone,
		PinType:        req.PinType,
		Quantity:       req.Quantity,
	})
}

func (h *RewardHandlers) redeem(w http.ResponseWriter, r *http.Request, cmd app.RedeemCommand) {
	result, err := h.orchestrator.Redeem(r.Context(), cmd)
	if err == nil {
		status := http.StatusOK
		if result.Status == domain.ResultPending {
			status = http.StatusAccepted
		}
		h.writeJSON(w, status, rewardResponse{FulfillmentResult: result})
		return
	}

	logger := h.logger.With("endpoint", "redeem", "action", cmd.Action, "user_id", cmd.UserID)
	if result != nil {
		var status int
		switch {
		case errors.Is(err, domain.ErrDuplicateAttempt):
			status = http.StatusConflict
		case errors.Is(err, domain.ErrCompensationFailure):
			status = http.StatusAccepted
		case errors.Is(err, domain.ErrProviderTimeout):
			status = http.StatusGatewayTimeout
		case errors.Is(err, domain.ErrProviderRejected):
			status = http.StatusBadGateway
		}
		if status != 0 {
			logger.Info("redemption not delivered", "request_id", result.RequestID, "status", result.Status, "error", err)
			h.writeJSON(w, status, rewardResponse{FulfillmentResult: result, Error: publicMessage(err)})
			return
		}
	}
	h.writeDomainError(w, logger, err)
}

// GetRequestHandler handles GET /reward/requests/{id}.
func (h *RewardHandlers) GetRequestHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request id")
		return
	}
	req, err := h.orchestrator.Get(r.Context(), userID, id)
	if err != nil {
		h.writeDomainError(w, h.logger.With("endpoint", "get_request"), err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.orchestrator.Result(r.Context(), req))
}

type plansResponse struct {
	Networks []catalog.Network  `json:"networks"`
	Data     []catalog.DataPlan `json:"data"`
	ExamPins []catalog.ExamPin  `json:"examPins"`
}

// PlansHandler handles GET /reward/plans. ?network= narrows the data plans.
func (h *RewardHandlers) PlansHandler(w http.ResponseWriter, r *http.Request) {
	plans, err := h.catalog.DataPlans(r.URL.Query().Get("network"))
	if err != nil {
		h.writeDomainError(w, h.logger.With("endpoint", "plans"), err)
		return
	}
	h.writeJSON(w, http.StatusOK, plansResponse{
		Networks: h.catalog.Networks(),
		Data:     plans,
		ExamPins: h.catalog.ExamPins(),
	})
}

// LivePlansHandler handles GET /reward/plans/live?type= by asking the provider.
func (h *RewardHandlers) LivePlansHandler(w http.ResponseWriter, r *http.Request) {
	if h.plans == nil {
		h.writeError(w, http.StatusNotFound, "live plans are not available")
		return
	}
	productType := strings.TrimSpace(r.URL.Query().Get("type"))
	if productType == "" {
		h.writeValidation(w, domain.NewValidationError("type", "is required"))
		return
	}
	raw, err := h.plans.Plans(r.Context(), productType)
	if err != nil {
		h.logger.Warn("live plan lookup failed", "type", productType, "error", err)
		h.writeError(w, http.StatusBadGateway, "provider plan lookup failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// BalanceHandler handles GET /coins/balance.
func (h *RewardHandlers) BalanceHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	balance, err := h.balance.Balance(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, h.logger.With("endpoint", "balance"), err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"userId": userID, "coins": balance})
}

// LedgerHandler handles GET /coins/ledger.
func (h *RewardHandlers) LedgerHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	limit, offset, ok := h.pagination(w, r)
	if !ok {
		return
	}
	entries, err := h.balance.Ledger(r.Context(), store.LedgerFilter{UserID: userID, Limit: limit, Offset: offset})
	if err != nil {
		h.writeDomainError(w, h.logger.With("endpoint", "ledger"), err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (h *RewardHandlers) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "authentication required")
		return "", false
	}
	return userID, true
}

func idempotencyKey(r *http.Request, reference string) string {
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" {
		return key
	}
	return strings.TrimSpace(reference)
}

func (h *RewardHandlers) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			h.writeError(w, http.StatusBadRequest, "request body is required")
		} else {
			h.writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.writeValidation(w, fromValidator(err))
		return false
	}
	return true
}

func (h *RewardHandlers) pagination(w http.ResponseWriter, r *http.Request) (int, int, bool) {
	q := r.URL.Query()
	var limit, offset int
	var err error
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			h.writeValidation(w, domain.NewValidationError("limit", "must be a non-negative integer"))
			return 0, 0, false
		}
	}
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			h.writeValidation(w, domain.NewValidationError("offset", "must be a non-negative integer"))
			return 0, 0, false
		}
	}
	return limit, offset, true
}

// fromValidator converts validator field errors into a domain.ValidationError keyed
// by the JSON field name.
func fromValidator(err error) *domain.ValidationError {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return domain.NewValidationError("body", err.Error())
	}
	out := &domain.ValidationError{Fields: make(map[string]string, len(fieldErrs))}
	for _, fe := range fieldErrs {
		name := jsonFieldName(fe.Field())
		switch fe.Tag() {
		case "required":
			out.Fields[name] = "is required"
		case "gt", "gte":
			out.Fields[name] = fmt.Sprintf("must be greater than %s", fe.Param())
		case "max":
			out.Fields[name] = fmt.Sprintf("must be at most %s characters", fe.Param())
		case "min":
			out.Fields[name] = fmt.Sprintf("must contain at least %s item(s)", fe.Param())
		case "oneof":
			out.Fields[name] = fmt.Sprintf("must be one of %s", fe.Param())
		default:
			out.Fields[name] = "is invalid"
		}
	}
	return out
}

func jsonFieldName(field string) string {
	if field == "" {
		return field
	}
	return strings.ToLower(field[:1]) + field[1:]
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrUserNotFound),
		errors.Is(err, domain.ErrRequestNotFound),
		errors.Is(err, domain.ErrAttemptNotFound),
		errors.Is(err, domain.ErrQuizNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateAttempt),
		errors.Is(err, domain.ErrAlreadyCompensated),
		errors.Is(err, domain.ErrDuplicateGrant),
		errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrIdempotencyKeyReuse),
		errors.Is(err, domain.ErrRequeryUnsupported):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrProviderTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrProviderRejected):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// publicMessage returns the sentinel text for known errors so internal details
// (SQL, provider bodies) never reach clients.
func publicMessage(err error) string {
	for _, sentinel := range []error{
		domain.ErrInsufficientFunds, domain.ErrUserNotFound, domain.ErrDuplicateAttempt,
		domain.ErrProviderTimeout, domain.ErrProviderRejected, domain.ErrCompensationFailure,
		domain.ErrIdempotencyKeyReuse, domain.ErrAlreadyCompensated, domain.ErrDuplicateGrant, domain.ErrRequestNotFound,
		domain.ErrAttemptNotFound, domain.ErrQuizNotFound, domain.ErrInvalidTransition,
		domain.ErrRequeryUnsupported,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "internal server error"
}

func (h *RewardHandlers) writeDomainError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		h.writeValidation(w, verr)
		return
	}
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
	} else {
		logger.Info("request rejected", "status", status, "error", err)
	}
	h.writeError(w, status, publicMessage(err))
}

func (h *RewardHandlers) writeValidation(w http.ResponseWriter, verr *domain.ValidationError) {
	h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: domain.ErrValidation.Error(), Details: verr.Fields})
}

func (h *RewardHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	writeJSONBody(w, status, data)
}

func (h *RewardHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorResponse{Error: message})
}

func writeJSONBody(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}
