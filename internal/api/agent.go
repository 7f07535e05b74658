package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ashureev/planwise/internal/domain"
	"github.com/ashureev/planwise/internal/identity"
	"github.com/ashureev/planwise/internal/orchestrator"
	"github.com/go-chi/chi/v5"
)

// Agent is the orchestration surface the HTTP layer drives.
type Agent interface {
	CreateSession(ctx context.Context, userID string) (*domain.AgentSession, error)
	ListSessions(ctx context.Context, userID string, limit int) ([]*domain.AgentSession, error)
	GeneratePlan(ctx context.Context, sessionID, message string) (*orchestrator.TurnResult, error)
	ApprovePlan(ctx context.Context, sessionID, userID string) (*domain.Plan, error)
	ExecutePlan(ctx context.Context, sessionID string) (*domain.ExecutionResult, error)
	GetSessionStatus(ctx context.Context, sessionID string) (*domain.SessionSnapshot, error)
	GetConversationHistory(ctx context.Context, sessionID string, limit int) ([]domain.Message, error)
	CancelSession(ctx context.Context, sessionID, userID string) error
}

// MessageRequest is the body of POST /sessions/{id}/messages. Clients only
// send free text; all other state is owned by the server.
type MessageRequest struct {
	Message string `json:"message" validate:"required,max=4000"`
}

// ExecuteResponse is returned by POST /sessions/{id}/execute. A failed step
// still yields 200 with the partial result and the failure in Error.
type ExecuteResponse struct {
	Result *domain.ExecutionResult `json:"result"`
	Error  string                  `json:"error,omitempty"`
}

// AgentHandler serves /api/agent.
type AgentHandler struct {
	agent       Agent
	limiter     *RateLimiter
	maxBodySize int64
}

// NewAgentHandler creates an agent handler.
func NewAgentHandler(agent Agent, limiter *RateLimiter, maxBodySize int64) *AgentHandler {
	return &AgentHandler{agent: agent, limiter: limiter, maxBodySize: maxBodySize}
}

// RegisterRoutes registers agent routes. Identity middleware must run first.
func (h *AgentHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/agent/sessions", func(r chi.Router) {
		r.Get("/", h.ListSessions)
		r.Get("/{id}", h.GetSession)
		r.Get("/{id}/messages", h.GetMessages)

		r.Group(func(r chi.Router) {
			r.Use(h.limiter.Middleware)
			r.Post("/", h.CreateSession)
			r.Delete("/{id}", h.CancelSession)
			r.Post("/{id}/messages", h.PostMessage)
			r.Post("/{id}/approve", h.Approve)
			r.Post("/{id}/execute", h.Execute)
		})
	})
}

// CreateSession handles POST /api/agent/sessions.
func (h *AgentHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.agent.CreateSession(r.Context(), identity.UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, session)
}

// ListSessions handles GET /api/agent/sessions?limit=.
func (h *AgentHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	sessions, err := h.agent.ListSessions(r.Context(), identity.UserIDFromContext(r.Context()), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// GetSession handles GET /api/agent/sessions/{id}.
func (h *AgentHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.owned(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, snap)
}

// GetMessages handles GET /api/agent/sessions/{id}/messages?limit=.
func (h *AgentHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	if _, ok := h.owned(w, r); !ok {
		return
	}
	msgs, err := h.agent.GetConversationHistory(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// PostMessage handles POST /api/agent/sessions/{id}/messages.
func (h *AgentHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if err := decodeJSON(w, r, h.maxBodySize, &req); err != nil {
		if errors.Is(err, errBodyTooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		writeError(w, r, err)
		return
	}
	if _, ok := h.owned(w, r); !ok {
		return
	}

	sessionID := chi.URLParam(r, "id")
	slog.Info("Agent message", "session_id", sessionID, "user_id", identity.UserIDFromContext(r.Context()),
		"message_length", len(req.Message))

	turn, err := h.agent.GeneratePlan(r.Context(), sessionID, req.Message)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, turn)
}

// Approve handles POST /api/agent/sessions/{id}/approve.
func (h *AgentHandler) Approve(w http.ResponseWriter, r *http.Request) {
	plan, err := h.agent.ApprovePlan(r.Context(), chi.URLParam(r, "id"), identity.UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"plan": plan, "state": domain.StateApproved})
}

// Execute handles POST /api/agent/sessions/{id}/execute.
func (h *AgentHandler) Execute(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.owned(w, r); !ok {
		return
	}
	result, err := h.agent.ExecutePlan(r.Context(), chi.URLParam(r, "id"))
	var stepErr *domain.StepExecutionError
	switch {
	case errors.As(err, &stepErr) && result != nil:
		JSON(w, http.StatusOK, ExecuteResponse{Result: result, Error: stepErr.Error()})
	case err != nil:
		writeError(w, r, err)
	default:
		JSON(w, http.StatusOK, ExecuteResponse{Result: result})
	}
}

// CancelSession handles DELETE /api/agent/sessions/{id}.
func (h *AgentHandler) CancelSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if err := h.agent.CancelSession(r.Context(), sessionID, identity.UserIDFromContext(r.Context())); err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "cancelled", "session_id": sessionID})
}

// owned loads the session snapshot and checks the caller owns it.
func (h *AgentHandler) owned(w http.ResponseWriter, r *http.Request) (*domain.SessionSnapshot, bool) {
	snap, err := h.agent.GetSessionStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	if snap.Session.UserID != identity.UserIDFromContext(r.Context()) {
		Error(w, http.StatusForbidden, "forbidden")
		return nil, false
	}
	return snap, true
}

func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > 100 {
		Error(w, http.StatusBadRequest, "limit must be between 1 and 100")
		return 0, false
	}
	return n, true
}
