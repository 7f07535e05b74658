package actions

import (
	"errors"
	"time"
)

var errProjectRefMissing = errors.New("projectId or projectName is required")

// CreateProjectParams are the parameters of createProject.
type CreateProjectParams struct {
	Name           string `json:"name" validate:"required,min=1,max=200"`
	Description    string `json:"description,omitempty" validate:"max=2000"`
	ClientName     string `json:"clientName,omitempty" validate:"max=100"`
	ClientEmail    string `json:"clientEmail,omitempty" validate:"omitempty,email"`
	Status         string `json:"status,omitempty" validate:"omitempty,oneof=active completed on-hold cancelled"`
	TargetDelivery string `json:"targetDelivery,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

// ProjectRef identifies a project by id or, for projects created earlier in
// the same plan, by name.
type ProjectRef struct {
	ProjectID   string `json:"projectId,omitempty" validate:"omitempty,uuid"`
	ProjectName string `json:"projectName,omitempty" validate:"max=200"`
}

func (r ProjectRef) check() error {
	if r.ProjectID == "" && r.ProjectName == "" {
		return errProjectRefMissing
	}
	return nil
}

// CreateTaskParams are the parameters of createTask.
type CreateTaskParams struct {
	ProjectRef
	Title       string `json:"title" validate:"required,min=1,max=200"`
	Description string `json:"description,omitempty" validate:"max=2000"`
	Status      string `json:"status,omitempty" validate:"omitempty,oneof=todo in-progress completed blocked"`
	Priority    string `json:"priority,omitempty" validate:"omitempty,oneof=low medium high urgent"`
	DueDate     string `json:"dueDate,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Assignee    string `json:"assignee,omitempty" validate:"max=200"`
}

func (p *CreateTaskParams) check() error { return p.ProjectRef.check() }

// UpdateTaskParams are the parameters of updateTask. At least one field
// besides the task id must be set.
type UpdateTaskParams struct {
	TaskID   string  `json:"taskId" validate:"required,uuid"`
	Status   string  `json:"status,omitempty" validate:"omitempty,oneof=todo in-progress completed blocked"`
	Assignee *string `json:"assignee,omitempty" validate:"omitempty,max=200"`
	Notes    string  `json:"notes,omitempty" validate:"max=5000"`
}

func (p *UpdateTaskParams) check() error {
	if p.Status == "" && p.Assignee == nil && p.Notes == "" {
		return errors.New("updateTask requires at least one of status, assignee, notes")
	}
	return nil
}

// CreateUpdateParams are the parameters of createUpdate.
type CreateUpdateParams struct {
	ProjectRef
	Content string `json:"content" validate:"required,min=1,max=5000"`
}

func (p *CreateUpdateParams) check() error { return p.ProjectRef.check() }

func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
