package orchestrator

import (
	"time"

	"github.com/ashureev/planwise/internal/domain"
	"github.com/ashureev/planwise/internal/planner"
)

// The functions below are the only writers of ConversationState. Each one
// maps a session transition onto the conversation phase.

// mustForce reports whether the clarification budget since the latest
// proposal is spent and the next turn has to produce a plan.
func mustForce(conv *domain.ConversationState, maxClarifications int) bool {
	return conv.ClarificationsSinceProposal() >= maxClarifications
}

func remember(conv *domain.ConversationState, p *planner.Proposal, now time.Time) {
	conv.MergeEntities(p.Entities)
	if p.PartialIntent != "" {
		conv.WorkingMemory.PartialIntent = p.PartialIntent
	}
	if p.Topic != "" {
		conv.WorkingMemory.LastTopic = p.Topic
	}
	conv.Confidence = p.Confidence
	conv.UpdatedAt = now
}

// applyClarification records a follow-up question. The count never
// decreases; it stops growing once maxClarifications questions were asked
// since the latest proposal. A pending plan stays approvable.
func applyClarification(conv *domain.ConversationState, p *planner.Proposal, maxClarifications int, now time.Time) {
	remember(conv, p, now)
	conv.Phase = domain.PhaseClarifying
	if conv.ClarificationsSinceProposal() < maxClarifications {
		conv.ClarificationCount++
	}
}

// applyProposal records a freshly persisted plan as the pending confirmation.
func applyProposal(conv *domain.ConversationState, p *planner.Proposal, plan *domain.Plan, prompt string, now time.Time) {
	remember(conv, p, now)
	conv.Phase = domain.PhaseProposing
	conv.ClarificationBaseline = conv.ClarificationCount
	conv.PendingConfirmation = &domain.PendingConfirmation{
		PlanID:       plan.ID,
		Description:  plan.Description,
		Summary:      prompt,
		StepCount:    len(plan.Steps),
		PlanSnapshot: plan,
	}
}

func applyApproval(conv *domain.ConversationState, now time.Time) {
	conv.PendingConfirmation = nil
	conv.Phase = domain.PhaseProposing
	conv.UpdatedAt = now
}

func applyExecutionStart(conv *domain.ConversationState, now time.Time) {
	conv.PendingConfirmation = nil
	conv.Phase = domain.PhaseExecuting
	conv.UpdatedAt = now
}

// applyTerminal closes the conversation when the session reaches a terminal state.
func applyTerminal(conv *domain.ConversationState, now time.Time) {
	conv.PendingConfirmation = nil
	conv.Phase = domain.PhaseCompleted
	conv.UpdatedAt = now
}
