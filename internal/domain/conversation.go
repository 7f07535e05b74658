package domain

import (
	"time"
)

// Phase is the conversation-level progress marker.
type Phase string

const (
	PhaseClarifying Phase = "clarifying"
	PhaseProposing  Phase = "proposing"
	PhaseExecuting  Phase = "executing"
	PhaseCompleted  Phase = "completed"
)

// WorkingMemory holds partial understanding carried between turns.
type WorkingMemory struct {
	PartialIntent       string         `json:"partial_intent,omitempty"`
	LastTopic           string         `json:"last_topic,omitempty"`
	AccumulatedEntities map[string]any `json:"accumulated_entities,omitempty"`
}

// PendingConfirmation snapshots the unapproved plan shown back to the user.
type PendingConfirmation struct {
	PlanID       string `json:"plan_id"`
	Description  string `json:"description,omitempty"`
	Summary      string `json:"summary,omitempty"`
	StepCount    int    `json:"step_count"`
	PlanSnapshot *Plan  `json:"plan_snapshot,omitempty"`
}

// ConversationState is the server-owned conversational state of one session.
// It is never built from client input.
type ConversationState struct {
	AgentSessionID      string               `json:"agent_session_id"`
	Phase               Phase                `json:"phase"`
	Entities            map[string]any       `json:"entities"`
	WorkingMemory       WorkingMemory        `json:"working_memory"`
	PendingConfirmation *PendingConfirmation `json:"pending_confirmation,omitempty"`
	Confidence          float64              `json:"confidence"`
	ClarificationCount  int                  `json:"clarification_count"`
	// ClarificationBaseline is ClarificationCount as of the latest proposal.
	// The cap applies to questions asked since then.
	ClarificationBaseline int       `json:"-"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// ClarificationsSinceProposal returns how many questions were asked since
// the latest plan was proposed.
func (c *ConversationState) ClarificationsSinceProposal() int {
	return c.ClarificationCount - c.ClarificationBaseline
}

// DefaultConfidence is the confidence a fresh conversation starts with.
const DefaultConfidence = 0.5

// NewConversationState returns the initial state for a session.
func NewConversationState(sessionID string, now time.Time) *ConversationState {
	return &ConversationState{
		AgentSessionID: sessionID,
		Phase:          PhaseClarifying,
		Entities:       map[string]any{},
		WorkingMemory:  WorkingMemory{AccumulatedEntities: map[string]any{}},
		Confidence:     DefaultConfidence,
		UpdatedAt:      now,
	}
}

// MergeEntities copies extracted entities into the state. Later values win.
func (c *ConversationState) MergeEntities(entities map[string]any) {
	if len(entities) == 0 {
		return
	}
	if c.Entities == nil {
		c.Entities = make(map[string]any, len(entities))
	}
	if c.WorkingMemory.AccumulatedEntities == nil {
		c.WorkingMemory.AccumulatedEntities = make(map[string]any, len(entities))
	}
	for k, v := range entities {
		c.Entities[k] = v
		c.WorkingMemory.AccumulatedEntities[k] = v
	}
}
