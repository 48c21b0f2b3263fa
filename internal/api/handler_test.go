//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ashureev/lore-engine/internal/domain"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestFailMapsDomainErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("load: %w", domain.ErrSessionNotFound), http.StatusNotFound},
		{domain.ErrChallengeNotFound, http.StatusNotFound},
		{domain.Reject("submit_answer", "session is completed"), http.StatusConflict},
		{fmt.Errorf("retry: %w", domain.ErrConcurrentWriteConflict), http.StatusConflict},
		{fmt.Errorf("%w: index 9", domain.ErrInvalidAnswer), http.StatusBadRequest},
		{domain.ErrMalformedEvent, http.StatusBadRequest},
		{fmt.Errorf("%w: replay session s1: %w", domain.ErrCorruptLog, domain.ErrMalformedEvent), http.StatusInternalServerError},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		Fail(w, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)
		if w.Code != tt.want {
			t.Errorf("%v: status %d, want %d", tt.err, w.Code, tt.want)
		}
	}

	w := httptest.NewRecorder()
	Fail(w, httptest.NewRequest(http.MethodGet, "/", nil), domain.ErrConcurrentWriteConflict)
	var body map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["retryable"] != true {
		t.Errorf("conflict should be marked retryable: %v", body)
	}
}
