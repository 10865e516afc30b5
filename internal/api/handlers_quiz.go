package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/quizcoin/reward-service/internal/app"
	"github.com/quizcoin/reward-service/internal/domain"
)

type submitQuizRequest struct {
	Answers []int  `json:"answers" validate:"required,min=1"`
	Type    string `json:"type" validate:"omitempty,oneof=quiz challenge"`
}

// SubmitQuizHandler handles POST /logic/{id}/submit-quiz. A repeated submission
// is a client error, not a conflict: the first result stands.
func (h *RewardHandlers) SubmitQuizHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req submitQuizRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	reward, err := h.quiz.SubmitQuiz(r.Context(), app.SubmitQuizCommand{
		UserID:      userID,
		ReferenceID: strings.TrimSpace(chi.URLParam(r, "id")),
		Type:        domain.AttemptType(req.Type),
		Answers:     req.Answers,
	})
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateAttempt) {
			h.writeError(w, http.StatusBadRequest, "quiz already attempted")
			return
		}
		h.writeDomainError(w, h.logger.With("endpoint", "submit_quiz", "user_id", userID), err)
		return
	}
	h.writeJSON(w, http.StatusOK, reward)
}

// GetAttemptHandler handles GET /logic/{id}/attempt/{type}.
func (h *RewardHandlers) GetAttemptHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	attempt, err := h.quiz.Attempt(r.Context(), userID, chi.URLParam(r, "id"), domain.AttemptType(chi.URLParam(r, "type")))
	if err != nil {
		h.writeDomainError(w, h.logger.With("endpoint", "get_attempt"), err)
		return
	}
	h.writeJSON(w, http.StatusOK, attempt)
}
