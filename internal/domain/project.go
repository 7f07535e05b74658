package domain

import (
	"time"
)

// Project is a project record touched by domain actions.
type Project struct {
	ID             string     `json:"id"`
	OwnerID        string     `json:"owner_id"`
	Name           string     `json:"name"`
	Description    string     `json:"description,omitempty"`
	ClientName     string     `json:"client_name,omitempty"`
	ClientEmail    string     `json:"client_email,omitempty"`
	Status         string     `json:"status"`
	TargetDelivery *time.Time `json:"target_delivery,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Task belongs to exactly one Project.
type Task struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status"`
	Priority    string     `json:"priority"`
	Assignee    string     `json:"assignee,omitempty"`
	Notes       string     `json:"notes,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ProjectUpdate is a status note posted against a project.
type ProjectUpdate struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	AuthorID  string    `json:"author_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
