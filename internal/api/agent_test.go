package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/planwise/internal/actions"
	"github.com/ashureev/planwise/internal/domain"
	"github.com/ashureev/planwise/internal/identity"
	"github.com/ashureev/planwise/internal/orchestrator"
	"github.com/ashureev/planwise/internal/planner"
	"github.com/ashureev/planwise/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testUserHeader = "X-Test-User"

type agentServer struct {
	t      *testing.T
	router http.Handler
}

func newAgentServer(t *testing.T, rateLimit int) *agentServer {
	t.Helper()
	repo, err := store.OpenSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	mgr := orchestrator.NewManager(repo, planner.NewKeywordPlanner(), actions.NewDefaultRegistry(repo), orchestrator.DefaultConfig())
	limiter := NewRateLimiter(rateLimit, time.Minute)
	t.Cleanup(limiter.Close)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(identity.WithUserID(req.Context(), req.Header.Get(testUserHeader))))
		})
	})
	NewAgentHandler(mgr, limiter, 1<<20).RegisterRoutes(r)
	return &agentServer{t: t, router: r}
}

func (s *agentServer) do(method, path, user string, body any, out any) int {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(testUserHeader, user)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if out != nil && w.Body.Len() > 0 {
		require.NoError(s.t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
	}
	return w.Code
}

func (s *agentServer) createSession(user string) string {
	s.t.Helper()
	var session domain.AgentSession
	require.Equal(s.t, http.StatusCreated, s.do(http.MethodPost, "/api/agent/sessions", user, nil, &session))
	require.Equal(s.t, user, session.UserID)
	return session.ID
}

func TestAgentHandler_PlanApproveExecute(t *testing.T) {
	s := newAgentServer(t, 100)
	id := s.createSession("alice")
	base := "/api/agent/sessions/" + id

	var turn orchestrator.TurnResult
	code := s.do(http.MethodPost, base+"/messages", "alice", MessageRequest{Message: "Create a project called Apollo"}, &turn)
	require.Equal(t, http.StatusOK, code)
	require.NotNil(t, turn.Plan)
	assert.Equal(t, domain.StateAwaitingApproval, turn.State)
	assert.Len(t, turn.Plan.Steps, 1)

	// Only the owner may approve.
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodPost, base+"/approve", "mallory", nil, nil))
	assert.Equal(t, http.StatusOK, s.do(http.MethodPost, base+"/approve", "alice", nil, nil))

	var exec ExecuteResponse
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, base+"/execute", "alice", nil, &exec))
	require.NotNil(t, exec.Result)
	assert.True(t, exec.Result.Success)
	assert.Empty(t, exec.Error)

	var snap domain.SessionSnapshot
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, base, "alice", nil, &snap))
	assert.Equal(t, domain.StateCompleted, snap.Session.State)

	var history struct {
		Messages []domain.Message `json:"messages"`
	}
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, base+"/messages?limit=100", "alice", nil, &history))
	require.NotEmpty(t, history.Messages)
	assert.Equal(t, "Create a project called Apollo", history.Messages[0].Content)
	for i := 1; i < len(history.Messages); i++ {
		assert.False(t, history.Messages[i].CreatedAt.Before(history.Messages[i-1].CreatedAt))
	}
}

func TestAgentHandler_PartialFailureReturnsResult(t *testing.T) {
	s := newAgentServer(t, 100)
	id := s.createSession("alice")
	base := "/api/agent/sessions/" + id

	var turn orchestrator.TurnResult
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, base+"/messages", "alice",
		MessageRequest{Message: "Add task Write docs to project Ghost"}, &turn))
	require.NotNil(t, turn.Plan)
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, base+"/approve", "alice", nil, nil))

	var exec ExecuteResponse
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, base+"/execute", "alice", nil, &exec))
	require.NotNil(t, exec.Result)
	assert.False(t, exec.Result.Success)
	assert.NotEmpty(t, exec.Error)
	assert.Equal(t, domain.StepFailed, exec.Result.StepResults[0].Status)

	var snap domain.SessionSnapshot
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, base, "alice", nil, &snap))
	assert.Equal(t, domain.StateFailed, snap.Session.State)
}

func TestAgentHandler_Errors(t *testing.T) {
	s := newAgentServer(t, 100)
	id := s.createSession("alice")
	base := "/api/agent/sessions/" + id

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		body   any
		want   int
	}{
		{"unknown session", http.MethodGet, "/api/agent/sessions/missing", "alice", nil, http.StatusNotFound},
		{"read by other user", http.MethodGet, base, "mallory", nil, http.StatusForbidden},
		{"history by other user", http.MethodGet, base + "/messages", "mallory", nil, http.StatusForbidden},
		{"message by other user", http.MethodPost, base + "/messages", "mallory", MessageRequest{Message: "hi"}, http.StatusForbidden},
		{"empty message", http.MethodPost, base + "/messages", "alice", MessageRequest{}, http.StatusBadRequest},
		{"server state in body", http.MethodPost, base + "/messages", "alice", map[string]string{"message": "hi", "state": "approved"}, http.StatusBadRequest},
		{"approve without plan", http.MethodPost, base + "/approve", "alice", nil, http.StatusConflict},
		{"execute before approve", http.MethodPost, base + "/execute", "alice", nil, http.StatusConflict},
		{"bad limit", http.MethodGet, base + "/messages?limit=abc", "alice", nil, http.StatusBadRequest},
		{"cancel by other user", http.MethodDelete, base, "mallory", nil, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.do(tt.method, tt.path, tt.user, tt.body, nil))
		})
	}
}

func TestAgentHandler_CancelAndList(t *testing.T) {
	s := newAgentServer(t, 100)
	first := s.createSession("alice")
	second := s.createSession("alice")
	s.createSession("bob")

	var list struct {
		Sessions []domain.AgentSession `json:"sessions"`
	}
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/agent/sessions", "alice", nil, &list))
	require.Len(t, list.Sessions, 2)
	assert.ElementsMatch(t, []string{first, second}, []string{list.Sessions[0].ID, list.Sessions[1].ID})

	assert.Equal(t, http.StatusOK, s.do(http.MethodDelete, "/api/agent/sessions/"+first, "alice", nil, nil))
	assert.Equal(t, http.StatusConflict, s.do(http.MethodDelete, "/api/agent/sessions/"+first, "alice", nil, nil))

	var snap domain.SessionSnapshot
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/agent/sessions/"+first, "alice", nil, &snap))
	assert.Equal(t, domain.StateFailed, snap.Session.State)
	assert.Equal(t, "cancelled by user", snap.Session.Error)
}

func TestAgentHandler_RateLimitsMutations(t *testing.T) {
	s := newAgentServer(t, 2)

	s.createSession("alice")
	s.createSession("alice")
	assert.Equal(t, http.StatusTooManyRequests, s.do(http.MethodPost, "/api/agent/sessions", "alice", nil, nil))

	// Reads are not limited.
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/agent/sessions", "alice", nil, nil))
	// Limits are per user.
	s.createSession("bob")
}
