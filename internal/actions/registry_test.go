package actions

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/ashureev/planwise/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memWorkspace struct {
	mu       sync.Mutex
	projects map[string]*domain.Project
	tasks    map[string]*domain.Task
	updates  []*domain.ProjectUpdate
}

func newMemWorkspace() *memWorkspace {
	return &memWorkspace{
		projects: make(map[string]*domain.Project),
		tasks:    make(map[string]*domain.Task),
	}
}

func (m *memWorkspace) CreateProject(_ context.Context, p *domain.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.projects[p.ID] = &cp
	return nil
}

func (m *memWorkspace) GetProject(_ context.Context, id string) (*domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.projects[id], nil
}

func (m *memWorkspace) FindProjectByName(_ context.Context, ownerID, name string) (*domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.projects {
		if p.OwnerID == ownerID && p.Name == name {
			return p, nil
		}
	}
	return nil, nil
}

func (m *memWorkspace) CreateTask(_ context.Context, t *domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *memWorkspace) GetTask(_ context.Context, id string) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *memWorkspace) UpdateTask(_ context.Context, t *domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *memWorkspace) CreateProjectUpdate(_ context.Context, u *domain.ProjectUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, u)
	return nil
}

func step(t domain.ActionType, params string) domain.PlanStep {
	return domain.PlanStep{ActionType: t, Params: json.RawMessage(params), Status: domain.StepPending}
}

func TestValidateStep(t *testing.T) {
	r := NewDefaultRegistry(newMemWorkspace())

	tests := []struct {
		name    string
		step    domain.PlanStep
		wantErr error
	}{
		{"valid project", step(domain.ActionCreateProject, `{"name":"Apollo"}`), nil},
		{"missing name", step(domain.ActionCreateProject, `{}`), ErrInvalidParams},
		{"unknown field", step(domain.ActionCreateProject, `{"name":"A","owner":"x"}`), ErrInvalidParams},
		{"bad email", step(domain.ActionCreateProject, `{"name":"A","clientEmail":"nope"}`), ErrInvalidParams},
		{"bad status", step(domain.ActionCreateProject, `{"name":"A","status":"paused"}`), ErrInvalidParams},
		{"task by name", step(domain.ActionCreateTask, `{"projectName":"Apollo","title":"Kickoff"}`), nil},
		{"task without project", step(domain.ActionCreateTask, `{"title":"Kickoff"}`), ErrInvalidParams},
		{"task bad due date", step(domain.ActionCreateTask, `{"projectName":"A","title":"T","dueDate":"tomorrow"}`), ErrInvalidParams},
		{"update task without change", step(domain.ActionUpdateTask, `{"taskId":"1b4e28ba-2fa1-11d2-883f-0016d3cca427"}`), ErrInvalidParams},
		{"update task bad id", step(domain.ActionUpdateTask, `{"taskId":"42","status":"blocked"}`), ErrInvalidParams},
		{"status update", step(domain.ActionCreateUpdate, `{"projectName":"A","content":"on track"}`), nil},
		{"unknown action", step("dropDatabase", `{}`), ErrUnknownAction},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.ValidateStep(tt.step)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRegisterRejectsUnknownAction(t *testing.T) {
	r := NewRegistry()
	err := r.Register("sendEmail", typed[CreateProjectParams]{})
	require.ErrorIs(t, err, ErrUnknownAction)
}

func TestProjectThenTaskByName(t *testing.T) {
	ws := newMemWorkspace()
	r := NewDefaultRegistry(ws)
	ctx := context.Background()
	actx := ActionContext{UserID: "u1", SessionID: "s1", PlanID: "p1"}

	out, err := r.Execute(ctx, actx, step(domain.ActionCreateProject, `{"name":"Apollo"}`))
	require.NoError(t, err)
	assert.Equal(t, "Apollo", out["name"])
	projectID, _ := out["id"].(string)
	require.NotEmpty(t, projectID)

	out, err = r.Execute(ctx, actx, step(domain.ActionCreateTask, `{"projectName":"Apollo","title":"Kickoff","priority":"high"}`))
	require.NoError(t, err)
	assert.Equal(t, projectID, out["project_id"])

	taskID, _ := out["id"].(string)
	task, _ := ws.GetTask(ctx, taskID)
	require.NotNil(t, task)
	assert.Equal(t, "todo", task.Status)
	assert.Equal(t, "high", task.Priority)

	_, err = r.Execute(ctx, actx, step(domain.ActionUpdateTask, `{"taskId":"`+taskID+`","status":"in-progress"}`))
	require.NoError(t, err)
	task, _ = ws.GetTask(ctx, taskID)
	assert.Equal(t, "in-progress", task.Status)

	_, err = r.Execute(ctx, actx, step(domain.ActionCreateUpdate, `{"projectId":"`+projectID+`","content":"kicked off"}`))
	require.NoError(t, err)
	assert.Len(t, ws.updates, 1)
}

func TestTaskForMissingProjectFails(t *testing.T) {
	r := NewDefaultRegistry(newMemWorkspace())
	_, err := r.Execute(context.Background(), ActionContext{UserID: "u1"},
		step(domain.ActionCreateTask, `{"projectName":"Ghost","title":"Haunt"}`))
	require.ErrorIs(t, err, ErrProjectNotFound)
}

func TestProjectLookupIsScopedToOwner(t *testing.T) {
	r := NewDefaultRegistry(newMemWorkspace())
	ctx := context.Background()

	_, err := r.Execute(ctx, ActionContext{UserID: "owner"}, step(domain.ActionCreateProject, `{"name":"Private"}`))
	require.NoError(t, err)

	_, err = r.Execute(ctx, ActionContext{UserID: "someone-else"},
		step(domain.ActionCreateTask, `{"projectName":"Private","title":"Sneak"}`))
	require.ErrorIs(t, err, ErrProjectNotFound)
}
