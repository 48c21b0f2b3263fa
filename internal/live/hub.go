// Package live pushes UI descriptors to websocket subscribers after every
// committed session change.
package live

import (
	"log/slog"
	"sync"

	"github.com/ashureev/lore-engine/internal/domain"
)

const subscriberBuffer = 8

// Subscription receives UI states for one session. Slow readers lose
// intermediate states, never the latest one.
type Subscription struct {
	sessionID string
	userID    string
	ch        chan domain.UIState
	hub       *Hub
	once      sync.Once
}

// C returns the update channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan domain.UIState {
	return s.ch
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s)
}

// Hub fans UI states out to subscribers by session.
type Hub struct {
	mu     sync.RWMutex
	active map[string]map[*Subscription]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{active: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers a subscriber for sessionID.
func (h *Hub) Subscribe(sessionID, userID string) *Subscription {
	sub := &Subscription{
		sessionID: sessionID,
		userID:    userID,
		ch:        make(chan domain.UIState, subscriberBuffer),
		hub:       h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.active[sessionID]; !ok {
		h.active[sessionID] = make(map[*Subscription]struct{})
	}
	h.active[sessionID][sub] = struct{}{}
	slog.Debug("Live subscriber registered", "session_id", sessionID, "user_id", userID)
	return sub
}

// Publish delivers ui to every subscriber of sessionID without blocking.
func (h *Hub) Publish(sessionID string, ui domain.UIState) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.active[sessionID] {
		deliver(sub.ch, ui)
	}
}

func deliver(ch chan domain.UIState, ui domain.UIState) {
	for {
		select {
		case ch <- ui:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Subscribers returns the number of subscribers on sessionID.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active[sessionID])
}

// CloseSession ends every subscription on sessionID.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	subs := h.active[sessionID]
	delete(h.active, sessionID)
	h.mu.Unlock()

	for sub := range subs {
		sub.once.Do(func() { close(sub.ch) })
	}
	if len(subs) > 0 {
		slog.Info("Live session closed", "session_id", sessionID, "subscribers", len(subs))
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	if subs, ok := h.active[sub.sessionID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.active, sub.sessionID)
		}
	}
	h.mu.Unlock()
	sub.once.Do(func() { close(sub.ch) })
}
