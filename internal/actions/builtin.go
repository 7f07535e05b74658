package actions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/planwise/internal/domain"
	"github.com/google/uuid"
)

// ErrProjectNotFound is returned when a step references a missing project.
var ErrProjectNotFound = errors.New("project not found")

// ErrTaskNotFound is returned when updateTask references a missing task.
var ErrTaskNotFound = errors.New("task not found")

// Workspace is the project/task persistence the built-in actions write to.
// Lookups return nil, nil when the record does not exist.
type Workspace interface {
	CreateProject(ctx context.Context, p *domain.Project) error
	GetProject(ctx context.Context, projectID string) (*domain.Project, error)
	FindProjectByName(ctx context.Context, ownerID, name string) (*domain.Project, error)
	CreateTask(ctx context.Context, t *domain.Task) error
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)
	UpdateTask(ctx context.Context, t *domain.Task) error
	CreateProjectUpdate(ctx context.Context, u *domain.ProjectUpdate) error
}

func builtins(ws Workspace) map[domain.ActionType]Handler {
	return map[domain.ActionType]Handler{
		domain.ActionCreateProject: typed[CreateProjectParams]{run: createProject(ws)},
		domain.ActionCreateTask:    typed[CreateTaskParams]{run: createTask(ws)},
		domain.ActionUpdateTask:    typed[UpdateTaskParams]{run: updateTask(ws)},
		domain.ActionCreateUpdate:  typed[CreateUpdateParams]{run: createUpdate(ws)},
	}
}

func createProject(ws Workspace) func(context.Context, ActionContext, *CreateProjectParams) (map[string]any, error) {
	return func(ctx context.Context, actx ActionContext, p *CreateProjectParams) (map[string]any, error) {
		target, err := parseDate(p.TargetDelivery)
		if err != nil {
			return nil, fmt.Errorf("%w: targetDelivery: %v", ErrInvalidParams, err)
		}
		status := p.Status
		if status == "" {
			status = "active"
		}

		project := &domain.Project{
			ID:             uuid.NewString(),
			OwnerID:        actx.UserID,
			Name:           p.Name,
			Description:    p.Description,
			ClientName:     p.ClientName,
			ClientEmail:    p.ClientEmail,
			Status:         status,
			TargetDelivery: target,
			CreatedAt:      time.Now(),
		}
		if err := ws.CreateProject(ctx, project); err != nil {
			return nil, fmt.Errorf("create project: %w", err)
		}
		return map[string]any{"id": project.ID, "name": project.Name, "entity": "project"}, nil
	}
}

func resolveProject(ctx context.Context, ws Workspace, ownerID string, ref ProjectRef) (*domain.Project, error) {
	var (
		project *domain.Project
		err     error
	)
	if ref.ProjectID != "" {
		project, err = ws.GetProject(ctx, ref.ProjectID)
	} else {
		project, err = ws.FindProjectByName(ctx, ownerID, ref.ProjectName)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve project: %w", err)
	}
	if project == nil {
		name := ref.ProjectID
		if name == "" {
			name = ref.ProjectName
		}
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, name)
	}
	return project, nil
}

func createTask(ws Workspace) func(context.Context, ActionContext, *CreateTaskParams) (map[string]any, error) {
	return func(ctx context.Context, actx ActionContext, p *CreateTaskParams) (map[string]any, error) {
		project, err := resolveProject(ctx, ws, actx.UserID, p.ProjectRef)
		if err != nil {
			return nil, err
		}
		due, err := parseDate(p.DueDate)
		if err != nil {
			return nil, fmt.Errorf("%w: dueDate: %v", ErrInvalidParams, err)
		}

		now := time.Now()
		task := &domain.Task{
			ID:          uuid.NewString(),
			ProjectID:   project.ID,
			Title:       p.Title,
			Description: p.Description,
			Status:      orDefault(p.Status, "todo"),
			Priority:    orDefault(p.Priority, "medium"),
			Assignee:    p.Assignee,
			DueDate:     due,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := ws.CreateTask(ctx, task); err != nil {
			return nil, fmt.Errorf("create task: %w", err)
		}
		return map[string]any{"id": task.ID, "title": task.Title, "project_id": project.ID, "entity": "task"}, nil
	}
}

func updateTask(ws Workspace) func(context.Context, ActionContext, *UpdateTaskParams) (map[string]any, error) {
	return func(ctx context.Context, _ ActionContext, p *UpdateTaskParams) (map[string]any, error) {
		task, err := ws.GetTask(ctx, p.TaskID)
		if err != nil {
			return nil, fmt.Errorf("load task: %w", err)
		}
		if task == nil {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, p.TaskID)
		}

		if p.Status != "" {
			task.Status = p.Status
		}
		if p.Assignee != nil {
			task.Assignee = *p.Assignee
		}
		if p.Notes != "" {
			task.Notes = p.Notes
		}
		task.UpdatedAt = time.Now()

		if err := ws.UpdateTask(ctx, task); err != nil {
			return nil, fmt.Errorf("update task: %w", err)
		}
		return map[string]any{"id": task.ID, "title": task.Title, "status": task.Status, "entity": "task"}, nil
	}
}

func createUpdate(ws Workspace) func(context.Context, ActionContext, *CreateUpdateParams) (map[string]any, error) {
	return func(ctx context.Context, actx ActionContext, p *CreateUpdateParams) (map[string]any, error) {
		project, err := resolveProject(ctx, ws, actx.UserID, p.ProjectRef)
		if err != nil {
			return nil, err
		}

		update := &domain.ProjectUpdate{
			ID:        uuid.NewString(),
			ProjectID: project.ID,
			AuthorID:  actx.UserID,
			Content:   p.Content,
			CreatedAt: time.Now(),
		}
		if err := ws.CreateProjectUpdate(ctx, update); err != nil {
			return nil, fmt.Errorf("create project update: %w", err)
		}
		return map[string]any{"id": update.ID, "project_id": project.ID, "entity": "update"}, nil
	}
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
