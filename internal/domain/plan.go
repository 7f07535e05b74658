package domain

import (
	"encoding/json"
	"time"
)

// ActionType is the closed set of domain actions a plan step may perform.
type ActionType string

const (
	ActionCreateProject ActionType = "createProject"
	ActionCreateTask    ActionType = "createTask"
	ActionUpdateTask    ActionType = "updateTask"
	ActionCreateUpdate  ActionType = "createUpdate"
)

// ActionTypes lists every supported action in a stable order.
var ActionTypes = []ActionType{
	ActionCreateProject,
	ActionCreateTask,
	ActionUpdateTask,
	ActionCreateUpdate,
}

// Valid reports whether a is a member of the closed action set.
func (a ActionType) Valid() bool {
	for _, known := range ActionTypes {
		if a == known {
			return true
		}
	}
	return false
}

// StepStatus is the execution status of a single plan step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// PlanStep is one domain action with its validated parameters.
type PlanStep struct {
	Index       int             `json:"index"`
	ActionType  ActionType      `json:"action_type"`
	Description string          `json:"description,omitempty"`
	Params      json.RawMessage `json:"params"`
	Status      StepStatus      `json:"status"`
	Output      map[string]any  `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Plan is an ordered list of steps proposed for a session.
type Plan struct {
	ID           string     `json:"id"`
	SessionID    string     `json:"session_id"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Steps        []PlanStep `json:"steps"`
	CreatedAt    time.Time  `json:"created_at"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
	ApprovedBy   string     `json:"approved_by,omitempty"`
	SupersededAt *time.Time `json:"superseded_at,omitempty"`
}

// Approved returns true once an explicit approval has been recorded.
func (p *Plan) Approved() bool {
	return p.ApprovedAt != nil
}

// Active returns true if the plan has not been replaced by a newer one.
func (p *Plan) Active() bool {
	return p.SupersededAt == nil
}

// ActionTypes returns the action type of every step in order.
func (p *Plan) ActionTypes() []ActionType {
	out := make([]ActionType, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.ActionType
	}
	return out
}
