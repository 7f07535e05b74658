// Package planner defines the plan generation capability consumed by the
// orchestrator together with its local and remote implementations.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ashureev/planwise/internal/domain"
)

// ErrEmptyProposal is returned when a generator yields neither a plan nor a
// clarification, or both at once.
var ErrEmptyProposal = errors.New("proposal must contain exactly one of plan or clarification")

// Generator turns a conversation turn into a plan draft or a follow-up question.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Proposal, error)
}

// Request is one planning turn.
type Request struct {
	SessionID string
	UserID    string
	// History is ordered oldest to newest and excludes Message.
	History  []domain.Message
	Entities map[string]any
	Message  string
	// Force asks for a best-effort plan instead of another clarification.
	Force bool
}

// StepDraft is a proposed step before it is validated and numbered.
type StepDraft struct {
	ActionType  domain.ActionType `json:"action_type"`
	Description string            `json:"description,omitempty"`
	Params      json.RawMessage   `json:"params"`
}

// Draft is an unpersisted plan.
type Draft struct {
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Steps       []StepDraft `json:"steps"`
}

// Clarification is a follow-up question returned instead of a plan.
type Clarification struct {
	Question string `json:"question"`
}

// Proposal is the outcome of one Generate call.
type Proposal struct {
	Plan          *Draft         `json:"plan,omitempty"`
	Clarification *Clarification `json:"clarification,omitempty"`
	Confidence    float64        `json:"confidence"`
	// Entities are facts extracted from the turn, merged into conversation state.
	Entities      map[string]any `json:"entities,omitempty"`
	PartialIntent string         `json:"partial_intent,omitempty"`
	Topic         string         `json:"topic,omitempty"`
}

// Validate checks the proposal shape.
func (p *Proposal) Validate() error {
	if (p.Plan == nil) == (p.Clarification == nil) {
		return ErrEmptyProposal
	}
	if p.Clarification != nil && p.Clarification.Question == "" {
		return fmt.Errorf("%w: clarification without question", ErrEmptyProposal)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("confidence %.2f out of range", p.Confidence)
	}
	return nil
}

// ConfirmationPrompt renders the message shown with a pending plan.
func ConfirmationPrompt(description string, stepCount int) string {
	noun := "steps"
	if stepCount == 1 {
		noun = "step"
	}
	return fmt.Sprintf("I'll %s. This will involve %d %s. Shall I proceed?", description, stepCount, noun)
}
