package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/lore-engine/internal/domain"
	"github.com/ashureev/lore-engine/internal/identity"
	"github.com/ashureev/lore-engine/internal/session"
)

// Sessions is the coordinator surface the HTTP layer drives.
type Sessions interface {
	CreateSession(ctx context.Context, userID, challengeID string) (domain.UIState, error)
	StartSession(ctx context.Context, sessionID string) (domain.UIState, error)
	SubmitAnswer(ctx context.Context, sessionID string, sub session.Submission) (domain.UIState, error)
	SubmitAction(ctx context.Context, sessionID string, action session.Action, step *int) (domain.UIState, error)
	GetState(ctx context.Context, sessionID string) (domain.UIState, error)
	Events(ctx context.Context, sessionID string, afterSeq int64) ([]domain.Event, error)
	Session(ctx context.Context, sessionID string) (*domain.SessionRecord, error)
	ListSessions(ctx context.Context, userID string) ([]*domain.SessionRecord, error)
	Challenges(ctx context.Context) ([]domain.ChallengeSummary, error)
}

// SessionHandler handles session and catalog endpoints.
type SessionHandler struct {
	sessions Sessions
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(sessions Sessions) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Get("/challenges", h.ListChallenges)
		r.Get("/sessions", h.ListSessions)
		r.Post("/sessions", h.CreateSession)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/state", h.GetState)
			r.Get("/events", h.GetEvents)
			r.Post("/start", h.StartSession)
			r.Post("/answer", h.SubmitAnswer)
			r.Post("/action", h.SubmitAction)
		})
	})
}

type createSessionRequest struct {
	ChallengeID string `json:"challenge_id"`
}

type answerRequest struct {
	Answer    json.RawMessage `json:"answer"`
	StepIndex *int            `json:"step_index,omitempty"`
}

type actionRequest struct {
	Action    string `json:"action"`
	StepIndex *int   `json:"step_index,omitempty"`
}

// GetMe returns the current user's identity.
func (h *SessionHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	JSON(w, http.StatusOK, map[string]string{
		"user_id":  userID,
		"username": identity.UsernameFromContext(r.Context()),
	})
}

// ListChallenges returns the catalog.
func (h *SessionHandler) ListChallenges(w http.ResponseWriter, r *http.Request) {
	list, err := h.sessions.Challenges(r.Context())
	if err != nil {
		Fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"challenges": list})
}

// ListSessions returns the caller's sessions.
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	list, err := h.sessions.ListSessions(r.Context(), identity.UserIDFromContext(r.Context()))
	if err != nil {
		Fail(w, r, err)
		return
	}
	if list == nil {
		list = []*domain.SessionRecord{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": list})
}

// CreateSession opens a session on a challenge.
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.ChallengeID = strings.TrimSpace(req.ChallengeID)
	if req.ChallengeID == "" {
		Error(w, http.StatusBadRequest, "challenge_id is required")
		return
	}

	ui, err := h.sessions.CreateSession(r.Context(), identity.UserIDFromContext(r.Context()), req.ChallengeID)
	if err != nil {
		Fail(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, ui)
}

// StartSession enters the first step.
func (h *SessionHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	id, ok := h.owned(w, r)
	if !ok {
		return
	}
	ui, err := h.sessions.StartSession(r.Context(), id)
	if err != nil {
		Fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, ui)
}

// SubmitAnswer answers the current step.
func (h *SessionHandler) SubmitAnswer(w http.ResponseWriter, r *http.Request) {
	id, ok := h.owned(w, r)
	if !ok {
		return
	}
	var req answerRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Answer) == 0 {
		Error(w, http.StatusBadRequest, "answer is required")
		return
	}

	ui, err := h.sessions.SubmitAnswer(r.Context(), id, session.Submission{Answer: req.Answer, StepIndex: req.StepIndex})
	if err != nil {
		Fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, ui)
}

// SubmitAction handles continue and hint.
func (h *SessionHandler) SubmitAction(w http.ResponseWriter, r *http.Request) {
	id, ok := h.owned(w, r)
	if !ok {
		return
	}
	var req actionRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	action := session.Action(strings.ToLower(strings.TrimSpace(req.Action)))
	if action != session.ActionContinue && action != session.ActionHint {
		Error(w, http.StatusBadRequest, "action must be continue or hint")
		return
	}

	ui, err := h.sessions.SubmitAction(r.Context(), id, action, req.StepIndex)
	if err != nil {
		Fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, ui)
}

// GetState returns the render state.
func (h *SessionHandler) GetState(w http.ResponseWriter, r *http.Request) {
	id, ok := h.owned(w, r)
	if !ok {
		return
	}
	ui, err := h.sessions.GetState(r.Context(), id)
	if err != nil {
		Fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, ui)
}

// GetEvents returns the event history after ?after=N.
func (h *SessionHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := h.owned(w, r)
	if !ok {
		return
	}
	var after int64
	if raw := r.URL.Query().Get("after"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			Error(w, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = n
	}

	events, err := h.sessions.Events(r.Context(), id, after)
	if err != nil {
		Fail(w, r, err)
		return
	}
	if events == nil {
		events = []domain.Event{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"session_id": id, "events": events})
}

// owned resolves {id} and hides sessions belonging to other users.
func (h *SessionHandler) owned(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	rec, err := h.sessions.Session(r.Context(), id)
	if err != nil {
		Fail(w, r, err)
		return "", false
	}
	if rec.UserID != identity.UserIDFromContext(r.Context()) {
		Error(w, http.StatusNotFound, "session not found")
		return "", false
	}
	return id, true
}
