package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ignite/newsletter-engine/internal/pkg/logger"
)

// MaxBodyBytes caps request bodies read by Decode. Newsletter HTML is the
// largest payload.
const MaxBodyBytes = 4 << 20

// ErrorResponse is the error envelope of every API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// JSON writes data with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("encode response", "component", "httputil", "error", err)
	}
}

// OK writes a 200 response.
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

// Created writes a 201 response.
func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, data)
}

// NoContent writes a 204 response with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// Error writes an error envelope.
func Error(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, ErrorResponse{Error: message, Code: code})
}

func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, "bad_request", message)
}

func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, "not_found", message)
}

func Conflict(w http.ResponseWriter, message string) {
	Error(w, http.StatusConflict, "conflict", message)
}

func Unauthorized(w http.ResponseWriter) {
	Error(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
}

// Invalid writes a 400 carrying per-field details.
func Invalid(w http.ResponseWriter, message string, details any) {
	JSON(w, http.StatusBadRequest, ErrorResponse{Error: message, Code: "validation_failed", Details: details})
}

// InternalError logs err and writes a generic 500. Internal details never
// reach the client.
func InternalError(w http.ResponseWriter, r *http.Request, err error) {
	logger.Error("request failed",
		"component", "api",
		"method", r.Method,
		"path", r.URL.Path,
		"error", err,
	)
	Error(w, http.StatusInternalServerError, "internal", "internal server error")
}

// Decode reads a JSON body into dst. It writes a 400 and returns false when
// the body is missing, too large or malformed.
func Decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "too_large", "request body too large")
			return false
		}
		BadRequest(w, "invalid JSON: "+err.Error())
		return false
	}
	return true
}
