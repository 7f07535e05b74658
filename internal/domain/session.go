package domain

import (
	"time"
)

// SessionState is the position of an AgentSession in the execution state machine.
type SessionState string

const (
	StateCreated          SessionState = "created"
	StatePlanning         SessionState = "planning"
	StateAwaitingApproval SessionState = "awaiting_approval"
	StateApproved         SessionState = "approved"
	StateExecuting        SessionState = "executing"
	StateCompleted        SessionState = "completed"
	StateFailed           SessionState = "failed"
)

// Valid reports whether s is a known state.
func (s SessionState) Valid() bool {
	switch s {
	case StateCreated, StatePlanning, StateAwaitingApproval, StateApproved,
		StateExecuting, StateCompleted, StateFailed:
		return true
	}
	return false
}

// Terminal returns true for states that permit no further mutation.
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// AgentSession is one user's planning/execution conversation.
type AgentSession struct {
	ID        string       `json:"id"`
	UserID    string       `json:"user_id"`
	State     SessionState `json:"state"`
	Error     string       `json:"error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	// LastResult is the outcome of the most recent execution, if any.
	LastResult *ExecutionResult `json:"last_result,omitempty"`
}

// CanGeneratePlan reports whether a new plan may be proposed from the current state.
// Planning is accepted so a session left behind by a crashed generation can recover.
func (s *AgentSession) CanGeneratePlan() bool {
	switch s.State {
	case StateCreated, StateAwaitingApproval, StatePlanning:
		return true
	}
	return false
}

// ExecutionResult is the outcome of running an approved plan.
type ExecutionResult struct {
	PlanID      string       `json:"plan_id"`
	Success     bool         `json:"success"`
	Summary     string       `json:"summary"`
	StepResults []StepResult `json:"step_results"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at"`
}

// StepResult is the per-step outcome inside an ExecutionResult.
type StepResult struct {
	Index      int            `json:"index"`
	ActionType ActionType     `json:"action_type"`
	Status     StepStatus     `json:"status"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

// Counts returns the number of succeeded, failed and skipped steps.
func (r *ExecutionResult) Counts() (succeeded, failed, skipped int) {
	for _, s := range r.StepResults {
		switch s.Status {
		case StepSucceeded:
			succeeded++
		case StepFailed:
			failed++
		case StepSkipped:
			skipped++
		}
	}
	return succeeded, failed, skipped
}

// SessionSnapshot is the read model returned by status queries and pushed to watchers.
type SessionSnapshot struct {
	Session      AgentSession       `json:"session"`
	Plan         *Plan              `json:"plan,omitempty"`
	Conversation *ConversationState `json:"conversation,omitempty"`
}
