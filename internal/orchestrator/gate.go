package orchestrator

import (
	"fmt"

	"github.com/ashureev/planwise/internal/domain"
)

// Authorization is the only input the Executor accepts. Its fields are
// unexported so a value can only come from authorize.
type Authorization struct {
	session *domain.AgentSession
	plan    *domain.Plan
}

// Plan returns the authorized plan.
func (a *Authorization) Plan() *domain.Plan { return a.plan }

// authorize is the confirmation gate. It admits a plan only when it belongs
// to the session, is still active and was approved by the session owner.
func authorize(session *domain.AgentSession, plan *domain.Plan) (*Authorization, error) {
	if session == nil {
		return nil, domain.ErrNotFound
	}
	if session.State != domain.StateApproved {
		return nil, fmt.Errorf("%w: session is %s, not approved", domain.ErrInvalidState, session.State)
	}
	if plan == nil {
		return nil, domain.ErrNoPlan
	}
	if plan.SessionID != session.ID || !plan.Active() {
		return nil, fmt.Errorf("%w: plan %s is not the active plan of session %s", domain.ErrInvalidState, plan.ID, session.ID)
	}
	if !plan.Approved() {
		return nil, fmt.Errorf("%w: plan %s has not been approved", domain.ErrInvalidState, plan.ID)
	}
	if plan.ApprovedBy != session.UserID {
		return nil, fmt.Errorf("%w: plan %s approved by non-owner", domain.ErrUnauthorized, plan.ID)
	}
	return &Authorization{session: session, plan: plan}, nil
}
