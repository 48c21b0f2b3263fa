package live

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/lore-engine/internal/domain"
	"github.com/ashureev/lore-engine/internal/identity"
)

const writeTimeout = 10 * time.Second

// Sessions is the read side the feed needs from the coordinator.
type Sessions interface {
	Session(ctx context.Context, sessionID string) (*domain.SessionRecord, error)
	GetState(ctx context.Context, sessionID string) (domain.UIState, error)
}

// WebSocketHandler streams UI descriptors for one session.
type WebSocketHandler struct {
	hub           *Hub
	sessions      Sessions
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(hub *Hub, sessions Sessions, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, sessions: sessions, allowedOrigin: allowedOrigin, isDev: isDev}
}

// ServeHTTP implements http.Handler for WebSocket upgrade on
// /ws/sessions/{id}.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "id")
	slog.Info("WebSocket connection request", "user_id", userID, "session_id", sessionID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	rec, err := h.sessions.Session(r.Context(), sessionID)
	if err != nil || rec.UserID != userID {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "feed ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	sub := h.hub.Subscribe(sessionID, userID)
	defer sub.Close()

	// Clients never send; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx := ws.CloseRead(r.Context())

	ui, err := h.sessions.GetState(ctx, sessionID)
	if err != nil {
		slog.Warn("Failed to load initial state", "error", err, "session_id", sessionID)
		return
	}
	if err := h.write(ctx, ws, ui); err != nil {
		return
	}

	for {
		select {
		case ui, ok := <-sub.C():
			if !ok {
				return
			}
			if err := h.write(ctx, ws, ui); err != nil {
				return
			}
		case <-ctx.Done():
			slog.Debug("WebSocket closed by client", "session_id", sessionID)
			return
		}
	}
}

func (h *WebSocketHandler) write(ctx context.Context, ws *websocket.Conn, ui domain.UIState) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	err := wsjson.Write(ctx, ws, ui)
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Debug("WebSocket write error", "error", err, "session_id", ui.SessionID)
	}
	return err
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
