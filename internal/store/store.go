// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/planwise/internal/actions"
	"github.com/ashureev/planwise/internal/domain"
)

// Repository defines the interface for persisting users, agent sessions and
// the project workspace that domain actions write to.
//
// Lookups return nil, nil when the record does not exist.
type Repository interface {
	// GetUser retrieves a user by their user ID.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error

	// CreateSession persists a new session together with its initial conversation state.
	CreateSession(ctx context.Context, session *domain.AgentSession, conv *domain.ConversationState) error

	// GetSession retrieves a session by ID.
	GetSession(ctx context.Context, sessionID string) (*domain.AgentSession, error)

	// ListSessions returns a user's sessions, newest first.
	ListSessions(ctx context.Context, userID string, limit int) ([]*domain.AgentSession, error)

	// GetActivePlan returns the session's non-superseded plan.
	GetActivePlan(ctx context.Context, sessionID string) (*domain.Plan, error)

	// GetSnapshot reads the session, its active plan and conversation state
	// from one consistent read transaction.
	GetSnapshot(ctx context.Context, sessionID string) (*domain.SessionSnapshot, error)

	// GetConversationState returns the session's conversation state.
	GetConversationState(ctx context.Context, sessionID string) (*domain.ConversationState, error)

	// ListRecentMessages returns up to limit messages, newest first.
	ListRecentMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error)

	// UpdateSession runs fn inside a single transaction scoped to sessionID.
	// Returning an error from fn rolls every write back.
	UpdateSession(ctx context.Context, sessionID string, fn func(tx SessionTx) error) error

	// UpdatePlanStep commits the status, output and error of one step.
	UpdatePlanStep(ctx context.Context, planID string, step domain.PlanStep) error

	// GetStaleSessions returns non-terminal sessions not updated within ttl.
	GetStaleSessions(ctx context.Context, ttl time.Duration) ([]*domain.AgentSession, error)

	actions.Workspace
}

// SessionTx is the read-modify-write view of one session inside a transaction.
type SessionTx interface {
	GetSession(ctx context.Context) (*domain.AgentSession, error)
	PutSession(ctx context.Context, session *domain.AgentSession) error

	GetActivePlan(ctx context.Context) (*domain.Plan, error)
	// InsertPlan stores plan as the active plan, superseding any previous one.
	InsertPlan(ctx context.Context, plan *domain.Plan) error
	// ApprovePlan records approval on an active, unapproved plan.
	ApprovePlan(ctx context.Context, planID, userID string, at time.Time) error

	GetConversationState(ctx context.Context) (*domain.ConversationState, error)
	PutConversationState(ctx context.Context, conv *domain.ConversationState) error

	AppendMessage(ctx context.Context, role domain.Role, content string, at time.Time) error
}
