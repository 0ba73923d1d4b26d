// SPDX-License-Identifier: MIT

// Package api is the HTTP surface: routing, middleware and the translation
// of internal errors into the standard response envelope. All domain logic
// lives below it.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/Alexi5000/videoforge/internal/queue"
	"github.com/Alexi5000/videoforge/internal/store"
	"github.com/Alexi5000/videoforge/internal/tools"
	"github.com/Alexi5000/videoforge/internal/validate"
)

// Version is the API version reported in every response envelope.
const Version = "1.0.0"

// Error codes used in the envelope.
const (
	CodeValidationFailure = "VALIDATION_FAILURE"
	CodeNotFound          = "NOT_FOUND"
	CodeBreakerOpen       = "BREAKER_OPEN"
	CodeRateLimited       = "RATE_LIMITED"
	CodeStoreError        = "STORE_ERROR"
	CodeUnavailable       = "UNAVAILABLE"
	CodeInternal          = "INTERNAL"
)

// Envelope is the uniform response shape.
type Envelope struct {
	Success  bool      `json:"success"`
	Data     any       `json:"data,omitempty"`
	Error    *APIError `json:"error,omitempty"`
	Metadata Metadata  `json:"metadata"`
}

// APIError is the structured error half of the envelope.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Metadata carries per-request bookkeeping.
type Metadata struct {
	RequestID     string  `json:"request_id"`
	Timestamp     string  `json:"timestamp"`
	Version       string  `json:"version"`
	ExecutionTime float64 `json:"execution_time"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, env Envelope) {
	env.Metadata = Metadata{
		RequestID:     middleware.GetReqID(r.Context()),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       Version,
		ExecutionTime: elapsedSeconds(r),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func writeSuccess(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeJSON(w, r, status, Envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	writeJSON(w, r, status, Envelope{
		Success: false,
		Error:   &APIError{Code: code, Message: message, Details: details},
	})
}

// writeDomainError maps internal error kinds onto HTTP statuses and codes.
// Unknown errors become a generic 500 with no internals leaked.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *validate.Error
	if errors.As(err, &ve) {
		writeError(w, r, http.StatusBadRequest, CodeValidationFailure, ve.Error(), map[string]any{
			"field": ve.Field,
		})
		return
	}

	var boe *tools.BreakerOpenError
	if errors.As(err, &boe) {
		w.Header().Set("Retry-After", strconv.Itoa(int(boe.RetryAfter.Seconds())+1))
		writeError(w, r, http.StatusServiceUnavailable, CodeBreakerOpen, boe.Error(), map[string]any{
			"retry_after": boe.RetryAfter.Seconds(),
		})
		return
	}

	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, tools.ErrToolNotFound):
		writeError(w, r, http.StatusNotFound, CodeNotFound, err.Error(), nil)
	case errors.Is(err, queue.ErrQueueClosed):
		writeError(w, r, http.StatusServiceUnavailable, CodeUnavailable, "server is shutting down", nil)
	case store.IsTransient(err):
		writeError(w, r, http.StatusServiceUnavailable, CodeStoreError, "store temporarily unavailable", nil)
	default:
		var se *store.Error
		if errors.As(err, &se) {
			writeError(w, r, http.StatusInternalServerError, CodeStoreError, "store operation failed", nil)
			return
		}
		writeError(w, r, http.StatusInternalServerError, CodeInternal, "internal error", nil)
	}
}
