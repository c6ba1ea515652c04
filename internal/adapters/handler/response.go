// Package handler implements HTTP responses following the standard envelope
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"immortal-outreach/internal/core/domain"
)

// APIResponse represents the standard response envelope.
// ALL API responses use this format.
type APIResponse struct {
	Code    int         `json:"code"`    // HTTP status code (200, 400, 500, etc.)
	Message string      `json:"message"` // Human-readable message ("Success", error description)
	Data    interface{} `json:"data"`    // Actual payload (can be null)
}

// NewSuccessResponse creates a successful response (code 200)
func NewSuccessResponse(data interface{}) APIResponse {
	return APIResponse{
		Code:    http.StatusOK,
		Message: "Success",
		Data:    data,
	}
}

// NewErrorResponse creates an error response
func NewErrorResponse(code int, message string) APIResponse {
	return APIResponse{
		Code:    code,
		Message: message,
		Data:    nil,
	}
}

// Common error responses
func BadRequestResponse(message string) APIResponse {
	return NewErrorResponse(http.StatusBadRequest, message)
}

func NotFoundResponse(message string) APIResponse {
	return NewErrorResponse(http.StatusNotFound, message)
}

func ConflictResponse(message string) APIResponse {
	return NewErrorResponse(http.StatusConflict, message)
}

func InternalErrorResponse(message string) APIResponse {
	return NewErrorResponse(http.StatusInternalServerError, message)
}

func writeJSON(w http.ResponseWriter, resp APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError maps core errors onto the envelope
func writeError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound), errors.Is(err, domain.ErrIdentityNotFound):
		writeJSON(w, NotFoundResponse(err.Error()))
	case errors.Is(err, domain.ErrUnsupportedChannel):
		writeJSON(w, BadRequestResponse(err.Error()))
	case errors.Is(err, domain.ErrPoolExhausted):
		writeJSON(w, ConflictResponse(err.Error()))
	default:
		slog.Error(msg, "error", err)
		writeJSON(w, InternalErrorResponse(msg))
	}
}
