package stream

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/planwise/internal/domain"
	"github.com/ashureev/planwise/internal/identity"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

const writeTimeout = 5 * time.Second

// SnapshotSource loads the current snapshot of a session.
type SnapshotSource interface {
	GetSessionStatus(ctx context.Context, sessionID string) (*domain.SessionSnapshot, error)
}

// Handler upgrades GET /ws/agent/sessions/{id} and streams snapshots to the
// session owner until the session ends or the client leaves.
type Handler struct {
	hub            *Hub
	source         SnapshotSource
	allowedOrigins []string
	isDev          bool
}

// NewHandler creates a stream handler.
func NewHandler(hub *Hub, source SnapshotSource, allowedOrigins []string, isDev bool) *Handler {
	return &Handler{hub: hub, source: source, allowedOrigins: allowedOrigins, isDev: isDev}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "id")

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	snap, err := h.source.GetSessionStatus(r.Context(), sessionID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, "session not found", http.StatusNotFound)
		return
	case err != nil:
		slog.Error("Failed to load session for stream", "error", err, "session_id", sessionID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	case snap.Session.UserID != userID:
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	// Subscribe before the first write so no transition is missed.
	sub := h.hub.Subscribe(sessionID)
	defer sub.Close()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	// Watchers only listen; CloseRead cancels ctx once the client goes away.
	ctx := ws.CloseRead(r.Context())
	slog.Info("Session stream opened", "user_id", userID, "session_id", sessionID)

	if err := write(ctx, ws, snap); err != nil {
		return
	}
	if snap.Session.State.Terminal() {
		return
	}

	for {
		select {
		case <-ctx.Done():
			slog.Debug("Session stream closed by client", "session_id", sessionID)
			return
		case next, ok := <-sub.C():
			if !ok {
				return
			}
			if err := write(ctx, ws, next); err != nil {
				return
			}
			if next.Session.State.Terminal() {
				slog.Info("Session stream finished", "session_id", sessionID, "state", next.Session.State)
				return
			}
		}
	}
}

func write(ctx context.Context, ws *websocket.Conn, snap *domain.SessionSnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, ws, snap); err != nil {
		slog.Debug("WebSocket write error", "error", err, "session_id", snap.Session.ID)
		return err
	}
	return nil
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.allowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigins)
	return false
}
