package app

import (
	"errors"
	"fmt"
	"net/http"

	"candle/api/internal/auth"
	"candle/api/internal/broker"
	"candle/api/internal/interaction"
	"candle/api/internal/store"
)

// DomainError is an error the client can act on. It is written as
// {"code", "error", "details"} with Status.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// retryable marks rejections the client should resolve by refetching and
// trying again after the next update.
func retryable() map[string]any {
	return map[string]any{"retryable": true}
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	switch {
	case errors.As(err, &domainErr):
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	case errors.Is(err, interaction.ErrAlreadyResponded):
		return http.StatusConflict, "ALREADY_RESPONDED", "You have already responded", nil
	case errors.Is(err, interaction.ErrNotYourTurn):
		return http.StatusForbidden, "NOT_YOUR_TURN", "It is not your turn", nil
	case errors.Is(err, interaction.ErrPartnerNotReady):
		return http.StatusConflict, "PARTNER_NOT_READY", "Waiting for your partner", retryable()
	case errors.Is(err, interaction.ErrWriteConflict):
		return http.StatusConflict, "WRITE_CONFLICT", "The interaction changed, try again", retryable()
	case errors.Is(err, interaction.ErrNotParticipant):
		return http.StatusForbidden, "NOT_PARTICIPANT", "You are not part of this interaction", nil
	case errors.Is(err, interaction.ErrInvalidValue):
		return http.StatusUnprocessableEntity, "INVALID_VALUE", "Invalid value", nil
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, broker.ErrBroadcastUnavailable):
		return http.StatusServiceUnavailable, "BROADCAST_UNAVAILABLE", "Live updates are unavailable, poll instead", retryable()
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
