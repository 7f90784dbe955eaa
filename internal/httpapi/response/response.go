// Package response is the JSON response envelope shared by every HTTP
// handler, grounded on the teacher's internal/http/response package:
// success helpers write the body directly, FromDomainError maps the
// Mutation API's sentinel errors (spec §4.9, §7) onto the matching HTTP
// status without ever leaking whether a resource exists for another user.
package response

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/taskforge/taskforge/internal/domain"
)

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a machine-readable code plus a human message and,
// for validation failures, the offending field.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// OK writes a 200 with a JSON body.
func OK(w http.ResponseWriter, data any) {
	write(w, http.StatusOK, data)
}

// Created writes a 201 with a JSON body.
func Created(w http.ResponseWriter, data any) {
	write(w, http.StatusCreated, data)
}

// NoContent writes a 204 with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

func write(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("httpapi: failed to encode response", "error", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, code, message, field string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: ErrorDetail{Code: code, Message: message, Field: field}})
}

// FromDomainError maps a Mutation API error onto the HTTP status taxonomy
// of spec §4.9/§7: Invalid -> 400, NotFound -> 404, Conflict -> 409,
// Unavailable -> 503, Unauthenticated -> 401, anything else -> 500 with the
// real error logged server-side only (never echoed to the client).
func FromDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var fieldErr *domain.FieldError
	if errors.As(err, &fieldErr) {
		errorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", fieldErr.Error(), fieldErr.Field)
		return
	}

	switch {
	case errors.Is(err, domain.ErrInvalid), errors.Is(err, domain.ErrEmptyUpdateMask), errors.Is(err, domain.ErrUnknownField):
		errorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), "")
	case errors.Is(err, domain.ErrNotFound):
		errorResponse(w, http.StatusNotFound, "NOT_FOUND", "resource not found", "")
	case errors.Is(err, domain.ErrConflict):
		errorResponse(w, http.StatusConflict, "CONFLICT", err.Error(), "")
	case errors.Is(err, domain.ErrUnavailable):
		errorResponse(w, http.StatusServiceUnavailable, "UNAVAILABLE", "try again later", "")
	case errors.Is(err, domain.ErrUnauthenticated):
		errorResponse(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing or invalid credentials", "")
	default:
		slog.ErrorContext(r.Context(), "httpapi: internal error", "error", err)
		errorResponse(w, http.StatusInternalServerError, "INTERNAL_ERROR", "an internal error occurred", "")
	}
}

// BadRequest sends a plain 400, for request-shape errors caught before
// reaching the Mutation API (malformed JSON, bad query params).
func BadRequest(w http.ResponseWriter, message string) {
	errorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", message, "")
}
