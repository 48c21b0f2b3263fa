// Package api provides HTTP handlers for the lore API.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/lore-engine/internal/domain"
)

const maxBodyBytes = 64 << 10

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// Fail maps a domain error onto an HTTP status and writes it.
func Fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrChallengeNotFound):
		Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConcurrentWriteConflict):
		JSON(w, http.StatusConflict, map[string]interface{}{"error": "concurrent_write_conflict", "retryable": true})
	case errors.Is(err, domain.ErrCorruptLog):
		slog.Error("Stored session log failed to replay", "error", err, "method", r.Method, "path", r.URL.Path)
		Error(w, http.StatusInternalServerError, "internal_error")
	case errors.Is(err, domain.ErrInvalidTransition):
		Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidAnswer), errors.Is(err, domain.ErrMalformedEvent):
		Error(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("Request failed", "error", err, "method", r.Method, "path", r.URL.Path)
		Error(w, http.StatusInternalServerError, "internal_error")
	}
}

// decode reads a bounded JSON body into v. An empty body leaves v as is.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
