package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrInsufficientFunds   = errors.New("insufficient coin balance")
	ErrUserNotFound        = errors.New("user not found")
	ErrDuplicateAttempt    = errors.New("duplicate attempt")
	ErrProviderTimeout     = errors.New("provider did not respond in time")
	ErrProviderRejected    = errors.New("provider rejected the request")
	ErrCompensationFailure = errors.New("refund after provider failure did not complete")
	ErrValidation          = errors.New("validation failed")

	ErrIdempotencyKeyReuse = errors.New("idempotency key reused with a different payload")
	ErrAlreadyCompensated  = errors.New("request already refunded")
	ErrDuplicateGrant      = errors.New("grant already recorded for this reference")
	ErrRequestNotFound     = errors.New("fulfillment request not found")
	ErrAttemptNotFound     = errors.New("attempt not found")
	ErrQuizNotFound        = errors.New("quiz not found")
	ErrInvalidTransition   = errors.New("fulfillment request is not in the expected state")
	ErrRequeryUnsupported  = errors.New("provider does not support requery")
)

// ValidationError describes a malformed request. It matches ErrValidation with errors.Is.
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: message}}
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return fmt.Sprintf("%s: %s", ErrValidation.Error(), strings.Join(parts, "; "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
