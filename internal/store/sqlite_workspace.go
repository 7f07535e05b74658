package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ashureev/planwise/internal/domain"
)

// CreateProject inserts a project.
func (s *SQLiteStore) CreateProject(ctx context.Context, p *domain.Project) error {
	return s.write(ctx, "create project", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO projects (id, owner_id, name, description, client_name, client_email, status, target_delivery, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.OwnerID, p.Name, p.Description, p.ClientName, p.ClientEmail, p.Status,
			nullMillis(p.TargetDelivery), toMillis(p.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		return nil
	})
}

const projectColumns = `id, owner_id, name, description, client_name, client_email, status, target_delivery, created_at`

// GetProject retrieves a project by ID.
func (s *SQLiteStore) GetProject(ctx context.Context, projectID string) (*domain.Project, error) {
	return scanProject(s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = ?`, projectID))
}

// FindProjectByName returns the newest project with the given name owned by ownerID.
func (s *SQLiteStore) FindProjectByName(ctx context.Context, ownerID, name string) (*domain.Project, error) {
	return scanProject(s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE owner_id = ? AND name = ?
		 ORDER BY created_at DESC LIMIT 1`, ownerID, name))
}

func scanProject(row *sql.Row) (*domain.Project, error) {
	var p domain.Project
	var target sql.NullInt64
	var createdAt int64
	err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Description, &p.ClientName,
		&p.ClientEmail, &p.Status, &target, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan project: %w", err)
	}
	p.TargetDelivery = timePtr(target)
	p.CreatedAt = fromMillis(createdAt)
	return &p, nil
}

// CreateTask inserts a task.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *domain.Task) error {
	return s.write(ctx, "create task", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO tasks (id, project_id, title, description, status, priority, assignee, notes, due_date, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.ProjectID, t.Title, t.Description, t.Status, t.Priority, t.Assignee, t.Notes,
			nullMillis(t.DueDate), toMillis(t.CreatedAt), toMillis(t.UpdatedAt))
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return nil
	})
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, title, description, status, priority, assignee, notes, due_date, created_at, updated_at
		 FROM tasks WHERE id = ?`, taskID)

	var t domain.Task
	var due sql.NullInt64
	var createdAt, updatedAt int64
	err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Status, &t.Priority,
		&t.Assignee, &t.Notes, &due, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.DueDate = timePtr(due)
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	return &t, nil
}

// UpdateTask writes the mutable task fields.
func (s *SQLiteStore) UpdateTask(ctx context.Context, t *domain.Task) error {
	return s.write(ctx, "update task", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE tasks SET status = ?, assignee = ?, notes = ?, updated_at = ? WHERE id = ?`,
			t.Status, t.Assignee, t.Notes, toMillis(t.UpdatedAt), t.ID)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("task %s not found", t.ID)
		}
		return nil
	})
}

// CreateProjectUpdate inserts a project status update.
func (s *SQLiteStore) CreateProjectUpdate(ctx context.Context, u *domain.ProjectUpdate) error {
	return s.write(ctx, "create project update", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO project_updates (id, project_id, author_id, content, created_at) VALUES (?, ?, ?, ?, ?)`,
			u.ID, u.ProjectID, u.AuthorID, u.Content, toMillis(u.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert project update: %w", err)
		}
		return nil
	})
}
