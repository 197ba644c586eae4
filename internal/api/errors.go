package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mosaic-app/mosaic/internal/backend"
	"github.com/mosaic-app/mosaic/internal/match"
	"github.com/mosaic-app/mosaic/internal/peers"
)

// APIError is an error that already carries its HTTP mapping.
type APIError struct {
	Code       string
	Message    string
	Details    any
	StatusCode int
}

// NewAPIError creates an APIError.
func NewAPIError(code, message string, statusCode int, details any) *APIError {
	return &APIError{Code: code, Message: message, Details: details, StatusCode: statusCode}
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrBadRequest marks malformed or missing request parameters.
var ErrBadRequest = errors.New("BAD_REQUEST")

// ToAPIError converts err to a status code and a JSON error envelope.
func ToAPIError(err error) (int, []byte) {
	if err == nil {
		return http.StatusOK, nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode, marshalErrorResponse(apiErr.Code, apiErr.Message, apiErr.Details)
	}

	var backendErr *backend.Error
	switch {
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, marshalErrorResponse("BAD_REQUEST", err.Error(), nil)
	case errors.Is(err, match.ErrAlreadyRunning):
		return http.StatusConflict, marshalErrorResponse("ALREADY_RUNNING", "Match loop is already running", nil)
	case errors.Is(err, match.ErrClosed):
		return http.StatusServiceUnavailable, marshalErrorResponse("UNAVAILABLE", "Coordinator is shut down", nil)
	case errors.Is(err, peers.ErrNotFound):
		return http.StatusNotFound, marshalErrorResponse("NOT_FOUND", "Resource not found", nil)
	case errors.As(err, &backendErr):
		var details map[string]any
		if backendErr.Status != 0 {
			details = map[string]any{"upstreamStatus": backendErr.Status}
		}
		return http.StatusBadGateway, marshalErrorResponse(backendCode(backendErr), upstreamMessage(backendErr), details)
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, marshalErrorResponse("TIMEOUT", "Operation timed out", nil)
	default:
		return http.StatusInternalServerError, marshalErrorResponse("INTERNAL", "Internal server error", map[string]any{
			"original": err.Error(),
		})
	}
}

func backendCode(err *backend.Error) string {
	if err.Code != nil {
		return err.Code.Error()
	}
	return "UPSTREAM"
}

func upstreamMessage(err *backend.Error) string {
	if err.Err != nil {
		return err.Err.Error()
	}
	return "Backend request failed"
}

func marshalErrorResponse(code, message string, details any) []byte {
	body, err := json.Marshal(ErrorResponse(code, message, details))
	if err != nil {
		body, _ = json.Marshal(ErrorResponse("INTERNAL", "Failed to marshal error response", nil))
	}
	return body
}
