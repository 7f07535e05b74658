package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/planwise/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "planwise.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedSession(t *testing.T, s *SQLiteStore, id, userID string) {
	t.Helper()
	now := time.Now()
	err := s.CreateSession(context.Background(), &domain.AgentSession{
		ID: id, UserID: userID, State: domain.StateCreated, CreatedAt: now, UpdatedAt: now,
	}, domain.NewConversationState(id, now))
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
}

func testPlan(id, sessionID string, actions ...domain.ActionType) *domain.Plan {
	p := &domain.Plan{ID: id, SessionID: sessionID, Title: "plan " + id, CreatedAt: time.Now()}
	for i, a := range actions {
		p.Steps = append(p.Steps, domain.PlanStep{
			Index: i, ActionType: a, Params: json.RawMessage(`{"name":"x"}`), Status: domain.StepPending,
		})
	}
	return p
}

func TestUserRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetUser(ctx, "missing")
	if err != nil || got != nil {
		t.Fatalf("expected nil, nil for missing user, got %v, %v", got, err)
	}

	now := time.Now()
	if err := s.UpsertUser(ctx, &domain.User{UserID: "u1", Username: "ada", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("UpsertUser failed: %v", err)
	}
	got, err = s.GetUser(ctx, "u1")
	if err != nil || got == nil || got.Username != "ada" {
		t.Fatalf("unexpected user %+v, err %v", got, err)
	}
}

func TestCreateSessionStoresConversationState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1", "u1")

	session, err := s.GetSession(ctx, "s1")
	if err != nil || session == nil {
		t.Fatalf("GetSession: %v, %v", session, err)
	}
	if session.State != domain.StateCreated || session.UserID != "u1" {
		t.Fatalf("unexpected session %+v", session)
	}

	conv, err := s.GetConversationState(ctx, "s1")
	if err != nil || conv == nil {
		t.Fatalf("GetConversationState: %v, %v", conv, err)
	}
	if conv.Phase != domain.PhaseClarifying || conv.Confidence != domain.DefaultConfidence {
		t.Fatalf("unexpected conversation state %+v", conv)
	}
}

func TestConversationStateKeepsClarificationBaseline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1", "u1")

	if err := s.UpdateSession(ctx, "s1", func(tx SessionTx) error {
		conv, err := tx.GetConversationState(ctx)
		if err != nil {
			return err
		}
		conv.ClarificationCount = 3
		conv.ClarificationBaseline = 2
		return tx.PutConversationState(ctx, conv)
	}); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}

	conv, err := s.GetConversationState(ctx, "s1")
	if err != nil || conv == nil {
		t.Fatalf("GetConversationState: %v, %v", conv, err)
	}
	if conv.ClarificationCount != 3 || conv.ClarificationBaseline != 2 {
		t.Errorf("Expected count 3 and baseline 2, got %d and %d", conv.ClarificationCount, conv.ClarificationBaseline)
	}
	if got := conv.ClarificationsSinceProposal(); got != 1 {
		t.Errorf("Expected 1 clarification since proposal, got %d", got)
	}
}

func TestInsertPlanSupersedesPrevious(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1", "u1")

	for _, id := range []string{"p1", "p2"} {
		plan := testPlan(id, "s1", domain.ActionCreateProject, domain.ActionCreateTask)
		if err := s.UpdateSession(ctx, "s1", func(tx SessionTx) error {
			return tx.InsertPlan(ctx, plan)
		}); err != nil {
			t.Fatalf("InsertPlan %s failed: %v", id, err)
		}
	}

	active, err := s.GetActivePlan(ctx, "s1")
	if err != nil || active == nil {
		t.Fatalf("GetActivePlan: %v, %v", active, err)
	}
	if active.ID != "p2" {
		t.Fatalf("expected p2 active, got %s", active.ID)
	}
	if len(active.Steps) != 2 || active.Steps[1].ActionType != domain.ActionCreateTask {
		t.Fatalf("unexpected steps %+v", active.Steps)
	}

	// Approving the superseded plan must not succeed.
	err = s.UpdateSession(ctx, "s1", func(tx SessionTx) error {
		return tx.ApprovePlan(ctx, "p1", "u1", time.Now())
	})
	if !errors.Is(err, ErrPlanNotApprovable) {
		t.Fatalf("expected ErrPlanNotApprovable, got %v", err)
	}
}

func TestUpdateSessionRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1", "u1")

	boom := errors.New("boom")
	err := s.UpdateSession(ctx, "s1", func(tx SessionTx) error {
		session, err := tx.GetSession(ctx)
		if err != nil {
			return err
		}
		session.State = domain.StateAwaitingApproval
		if err := tx.PutSession(ctx, session); err != nil {
			return err
		}
		if err := tx.AppendMessage(ctx, domain.RoleUser, "hello", time.Now()); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	session, _ := s.GetSession(ctx, "s1")
	if session.State != domain.StateCreated {
		t.Fatalf("expected rollback to created, got %s", session.State)
	}
	msgs, _ := s.ListRecentMessages(ctx, "s1", 10)
	if len(msgs) != 0 {
		t.Fatalf("expected no messages after rollback, got %d", len(msgs))
	}
}

func TestListRecentMessagesNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1", "u1")

	base := time.Now()
	err := s.UpdateSession(ctx, "s1", func(tx SessionTx) error {
		for i, content := range []string{"one", "two", "three"} {
			if err := tx.AppendMessage(ctx, domain.RoleUser, content, base.Add(time.Duration(i)*time.Second)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	msgs, err := s.ListRecentMessages(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("ListRecentMessages failed: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "three" || msgs[1].Content != "two" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
}

func TestUpdatePlanStep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1", "u1")

	plan := testPlan("p1", "s1", domain.ActionCreateProject)
	if err := s.UpdateSession(ctx, "s1", func(tx SessionTx) error { return tx.InsertPlan(ctx, plan) }); err != nil {
		t.Fatalf("InsertPlan failed: %v", err)
	}

	step := plan.Steps[0]
	step.Status = domain.StepSucceeded
	step.Output = map[string]any{"id": "proj-1"}
	if err := s.UpdatePlanStep(ctx, "p1", step); err != nil {
		t.Fatalf("UpdatePlanStep failed: %v", err)
	}

	active, _ := s.GetActivePlan(ctx, "s1")
	if active.Steps[0].Status != domain.StepSucceeded || active.Steps[0].Output["id"] != "proj-1" {
		t.Fatalf("unexpected step %+v", active.Steps[0])
	}

	step.Index = 7
	if err := s.UpdatePlanStep(ctx, "p1", step); err == nil {
		t.Fatal("expected error for missing step")
	}
}

func TestGetStaleSessionsSkipsTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	for id, state := range map[string]domain.SessionState{
		"open": domain.StateAwaitingApproval,
		"done": domain.StateCompleted,
	} {
		err := s.CreateSession(ctx, &domain.AgentSession{
			ID: id, UserID: "u1", State: state, CreatedAt: old, UpdatedAt: old,
		}, domain.NewConversationState(id, old))
		if err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}
	}
	seedSession(t, s, "fresh", "u1")

	stale, err := s.GetStaleSessions(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("GetStaleSessions failed: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "open" {
		t.Fatalf("expected only 'open' to be stale, got %+v", stale)
	}
}

func TestWorkspaceProjectsAndTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	project := &domain.Project{ID: "proj-1", OwnerID: "u1", Name: "Apollo", Status: "active", CreatedAt: now}
	if err := s.CreateProject(ctx, project); err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}

	found, err := s.FindProjectByName(ctx, "u1", "Apollo")
	if err != nil || found == nil || found.ID != "proj-1" {
		t.Fatalf("FindProjectByName: %+v, %v", found, err)
	}
	if other, _ := s.FindProjectByName(ctx, "u2", "Apollo"); other != nil {
		t.Fatal("project lookup must be scoped to owner")
	}

	task := &domain.Task{ID: "task-1", ProjectID: "proj-1", Title: "Kickoff", Status: "todo", Priority: "medium", CreatedAt: now, UpdatedAt: now}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	task.Status = "completed"
	if err := s.UpdateTask(ctx, task); err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}
	got, _ := s.GetTask(ctx, "task-1")
	if got == nil || got.Status != "completed" {
		t.Fatalf("unexpected task %+v", got)
	}

	orphan := &domain.Task{ID: "task-2", ProjectID: "nope", Title: "x", Status: "todo", Priority: "low", CreatedAt: now, UpdatedAt: now}
	if err := s.CreateTask(ctx, orphan); err == nil {
		t.Fatal("expected foreign key violation for unknown project")
	}
}

func TestGetSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	snap, err := s.GetSnapshot(ctx, "missing")
	if err != nil || snap != nil {
		t.Fatalf("expected nil, nil for missing session, got %v, %v", snap, err)
	}

	seedSession(t, s, "s1", "u1")
	plan := testPlan("p1", "s1", domain.ActionCreateProject)
	if err := s.UpdateSession(ctx, "s1", func(tx SessionTx) error { return tx.InsertPlan(ctx, plan) }); err != nil {
		t.Fatalf("InsertPlan failed: %v", err)
	}

	snap, err = s.GetSnapshot(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	if snap.Session.ID != "s1" || snap.Plan == nil || snap.Plan.ID != "p1" || snap.Conversation == nil {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}
