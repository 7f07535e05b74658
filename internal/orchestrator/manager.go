// Package orchestrator drives agent sessions through planning, approval and
// execution.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/planwise/internal/actions"
	"github.com/ashureev/planwise/internal/audit"
	"github.com/ashureev/planwise/internal/domain"
	"github.com/ashureev/planwise/internal/planner"
	"github.com/ashureev/planwise/internal/store"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"
)

// Config tunes the orchestrator.
type Config struct {
	// ClarificationThreshold is the confidence below which an unforced plan
	// is turned into a clarification.
	ClarificationThreshold float64
	// MaxClarifications is the number of consecutive clarifications after
	// which the next turn forces a plan.
	MaxClarifications       int
	HistoryLimit            int
	PlannerTimeout          time.Duration
	MaxConcurrentExecutions int64
}

// DefaultConfig returns the defaults used when configuration is absent.
func DefaultConfig() Config {
	return Config{
		ClarificationThreshold:  0.6,
		MaxClarifications:       3,
		HistoryLimit:            10,
		PlannerTimeout:          30 * time.Second,
		MaxConcurrentExecutions: 8,
	}
}

// Notifier receives a snapshot after every committed transition.
type Notifier interface {
	Publish(snapshot *domain.SessionSnapshot)
}

// TurnResult is the outcome of one GeneratePlan call.
type TurnResult struct {
	Plan          *domain.Plan        `json:"plan,omitempty"`
	Clarification string              `json:"clarification,omitempty"`
	Reply         string              `json:"reply"`
	State         domain.SessionState `json:"state"`
	Phase         domain.Phase        `json:"phase"`
}

// Manager is the session state machine. Mutating operations on one session
// are serialized; distinct sessions proceed independently.
type Manager struct {
	repo      store.Repository
	generator planner.Generator
	registry  *actions.Registry
	executor  *Executor
	cfg       Config

	locks   *sessionLocks
	execSem *semaphore.Weighted

	notifier Notifier
	audit    audit.Logger
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// Option customises a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithAudit sets the audit trail.
func WithAudit(a audit.Logger) Option { return func(m *Manager) { m.audit = a } }

// WithNotifier sets the snapshot publisher.
func WithNotifier(n Notifier) Option { return func(m *Manager) { m.notifier = n } }

// WithMetrics sets the collectors.
func WithMetrics(mt *Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// NewManager wires a Manager.
func NewManager(repo store.Repository, generator planner.Generator, registry *actions.Registry, cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.MaxClarifications <= 0 {
		cfg.MaxClarifications = def.MaxClarifications
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.MaxConcurrentExecutions <= 0 {
		cfg.MaxConcurrentExecutions = def.MaxConcurrentExecutions
	}

	m := &Manager{
		repo:      repo,
		generator: generator,
		registry:  registry,
		cfg:       cfg,
		locks:     newSessionLocks(),
		execSem:   semaphore.NewWeighted(cfg.MaxConcurrentExecutions),
		audit:     audit.Noop{},
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = NewMetrics(prometheus.NewRegistry())
	}
	m.executor = NewExecutor(registry, repo, m.metrics, m.logger)
	m.executor.now = m.now
	return m
}

// CreateSession starts a session for userID.
func (m *Manager) CreateSession(ctx context.Context, userID string) (*domain.AgentSession, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidInput)
	}

	now := m.now()
	session := &domain.AgentSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		State:     domain.StateCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.repo.CreateSession(ctx, session, domain.NewConversationState(session.ID, now)); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	m.metrics.sessionsCreated.Inc()
	m.audit.Log(audit.Event{UserID: userID, SessionID: session.ID, EventType: audit.EventSessionCreated, State: string(session.State)})
	m.logger.Info("agent session created", "session_id", session.ID, "user_id", userID)
	return session, nil
}

// GeneratePlan handles one user turn. While the generator runs the session
// sits in planning; on any generator failure it returns to its previous
// state and nothing from the turn is persisted.
func (m *Manager) GeneratePlan(ctx context.Context, sessionID, message string) (*TurnResult, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, fmt.Errorf("%w: message is empty", domain.ErrInvalidInput)
	}

	unlock := m.locks.lock(sessionID)
	defer unlock()

	var (
		session   *domain.AgentSession
		conv      *domain.ConversationState
		prevState domain.SessionState
	)
	err := m.repo.UpdateSession(ctx, sessionID, func(tx store.SessionTx) error {
		var err error
		if session, err = loadSession(ctx, tx); err != nil {
			return err
		}
		if !session.CanGeneratePlan() {
			return fmt.Errorf("%w: cannot plan from %s", domain.ErrInvalidState, session.State)
		}
		if conv, err = loadConversation(ctx, tx); err != nil {
			return err
		}

		prevState = session.State
		if prevState == domain.StatePlanning {
			// Left behind by an interrupted turn.
			plan, err := tx.GetActivePlan(ctx)
			if err != nil {
				return err
			}
			prevState = domain.StateCreated
			if plan != nil && !plan.Approved() {
				prevState = domain.StateAwaitingApproval
			}
		}

		session.State = domain.StatePlanning
		session.UpdatedAt = m.now()
		return tx.PutSession(ctx, session)
	})
	if err != nil {
		return nil, err
	}
	m.publish(ctx, sessionID)

	history, err := m.history(ctx, sessionID, m.cfg.HistoryLimit)
	if err != nil {
		return nil, m.revert(ctx, session, prevState, err)
	}

	force := mustForce(conv, m.cfg.MaxClarifications)
	proposal, err := m.generate(ctx, planner.Request{
		SessionID: sessionID,
		UserID:    session.UserID,
		History:   history,
		Entities:  conv.Entities,
		Message:   message,
		Force:     force,
	})
	if err != nil {
		m.metrics.generations.WithLabelValues("error").Inc()
		return nil, m.revert(ctx, session, prevState, fmt.Errorf("%w: %w", domain.ErrGenerationFailure, err))
	}

	if proposal.Plan != nil && !force && proposal.Confidence < m.cfg.ClarificationThreshold {
		proposal = lowConfidenceClarification(proposal)
	}

	if proposal.Clarification != nil {
		if force {
			m.metrics.generations.WithLabelValues("error").Inc()
			return nil, m.revert(ctx, session, prevState,
				fmt.Errorf("%w: clarification limit reached without a plan", domain.ErrGenerationFailure))
		}
		return m.commitClarification(ctx, session, prevState, message, proposal)
	}

	plan, err := m.buildPlan(sessionID, proposal.Plan)
	if err != nil {
		m.metrics.generations.WithLabelValues("error").Inc()
		return nil, m.revert(ctx, session, prevState, fmt.Errorf("%w: %w", domain.ErrGenerationFailure, err))
	}
	return m.commitPlan(ctx, session, prevState, message, proposal, plan)
}

func (m *Manager) generate(ctx context.Context, req planner.Request) (*planner.Proposal, error) {
	if m.cfg.PlannerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.PlannerTimeout)
		defer cancel()
	}

	start := m.now()
	proposal, err := m.generator.Generate(ctx, req)
	m.metrics.generationDuration.Observe(m.now().Sub(start).Seconds())
	if err != nil {
		return nil, err
	}
	if proposal == nil {
		return nil, planner.ErrEmptyProposal
	}
	if err := proposal.Validate(); err != nil {
		return nil, err
	}
	return proposal, nil
}

func lowConfidenceClarification(p *planner.Proposal) *planner.Proposal {
	desc := p.Plan.Description
	if desc == "" {
		desc = p.Plan.Title
	}
	out := *p
	out.Plan = nil
	out.Clarification = &planner.Clarification{
		Question: fmt.Sprintf("I'm not sure I understood. Do you want me to %s?", desc),
	}
	return &out
}

// buildPlan numbers the draft steps and checks each against the action registry.
func (m *Manager) buildPlan(sessionID string, d *planner.Draft) (*domain.Plan, error) {
	if len(d.Steps) == 0 {
		return nil, fmt.Errorf("%w: plan has no steps", domain.ErrInvalidPlan)
	}
	plan := &domain.Plan{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Title:       d.Title,
		Description: d.Description,
		Steps:       make([]domain.PlanStep, len(d.Steps)),
		CreatedAt:   m.now(),
	}
	if plan.Title == "" {
		plan.Title = fmt.Sprintf("%d-step plan", len(d.Steps))
	}
	for i, s := range d.Steps {
		step := domain.PlanStep{
			Index:       i,
			ActionType:  s.ActionType,
			Description: s.Description,
			Params:      s.Params,
			Status:      domain.StepPending,
		}
		if err := m.registry.ValidateStep(step); err != nil {
			return nil, fmt.Errorf("%w: step %d: %w", domain.ErrInvalidPlan, i, err)
		}
		plan.Steps[i] = step
	}
	return plan, nil
}

func (m *Manager) commitClarification(ctx context.Context, session *domain.AgentSession, prevState domain.SessionState, message string, p *planner.Proposal) (*TurnResult, error) {
	question := p.Clarification.Question
	result := &TurnResult{Clarification: question, Reply: question, State: prevState}

	err := m.repo.UpdateSession(ctx, session.ID, func(tx store.SessionTx) error {
		s, err := loadSession(ctx, tx)
		if err != nil {
			return err
		}
		if s.State != domain.StatePlanning {
			return fmt.Errorf("%w: session left planning during generation", domain.ErrInvalidState)
		}
		conv, err := loadConversation(ctx, tx)
		if err != nil {
			return err
		}

		now := m.now()
		s.State = prevState
		s.UpdatedAt = now
		applyClarification(conv, p, m.cfg.MaxClarifications, now)
		result.Phase = conv.Phase

		if err := tx.PutSession(ctx, s); err != nil {
			return err
		}
		if err := tx.PutConversationState(ctx, conv); err != nil {
			return err
		}
		if err := tx.AppendMessage(ctx, domain.RoleUser, message, now); err != nil {
			return err
		}
		return tx.AppendMessage(ctx, domain.RoleAssistant, question, now)
	})
	if err != nil {
		return nil, m.revert(ctx, session, prevState, err)
	}

	m.metrics.generations.WithLabelValues("clarification").Inc()
	m.audit.Log(audit.Event{UserID: session.UserID, SessionID: session.ID, EventType: audit.EventUserMessage, Content: message})
	m.audit.Log(audit.Event{
		UserID: session.UserID, SessionID: session.ID, EventType: audit.EventClarification,
		State: string(prevState), Content: question,
		Metadata: map[string]any{"confidence": p.Confidence},
	})
	m.publish(ctx, session.ID)
	return result, nil
}

func (m *Manager) commitPlan(ctx context.Context, session *domain.AgentSession, prevState domain.SessionState, message string, p *planner.Proposal, plan *domain.Plan) (*TurnResult, error) {
	desc := plan.Description
	if desc == "" {
		desc = plan.Title
	}
	prompt := planner.ConfirmationPrompt(desc, len(plan.Steps))
	result := &TurnResult{Plan: plan, Reply: prompt, State: domain.StateAwaitingApproval, Phase: domain.PhaseProposing}

	err := m.repo.UpdateSession(ctx, session.ID, func(tx store.SessionTx) error {
		s, err := loadSession(ctx, tx)
		if err != nil {
			return err
		}
		if s.State != domain.StatePlanning {
			return fmt.Errorf("%w: session left planning during generation", domain.ErrInvalidState)
		}
		conv, err := loadConversation(ctx, tx)
		if err != nil {
			return err
		}

		now := m.now()
		if err := tx.InsertPlan(ctx, plan); err != nil {
			return err
		}
		s.State = domain.StateAwaitingApproval
		s.UpdatedAt = now
		applyProposal(conv, p, plan, prompt, now)

		if err := tx.PutSession(ctx, s); err != nil {
			return err
		}
		if err := tx.PutConversationState(ctx, conv); err != nil {
			return err
		}
		if err := tx.AppendMessage(ctx, domain.RoleUser, message, now); err != nil {
			return err
		}
		return tx.AppendMessage(ctx, domain.RoleAssistant, prompt, now)
	})
	if err != nil {
		return nil, m.revert(ctx, session, prevState, err)
	}

	m.metrics.generations.WithLabelValues("plan").Inc()
	m.audit.Log(audit.Event{UserID: session.UserID, SessionID: session.ID, EventType: audit.EventUserMessage, Content: message})
	m.audit.Log(audit.Event{
		UserID: session.UserID, SessionID: session.ID, EventType: audit.EventPlanProposed,
		State: string(domain.StateAwaitingApproval), PlanID: plan.ID, Content: prompt,
		Metadata: map[string]any{"step_count": len(plan.Steps), "action_types": plan.ActionTypes(), "confidence": p.Confidence},
	})
	m.logger.Info("plan proposed", "session_id", session.ID, "plan_id", plan.ID, "steps", len(plan.Steps))
	m.publish(ctx, session.ID)
	return result, nil
}

// revert puts a session stuck in planning back to state and returns cause.
// It runs even if ctx was cancelled.
func (m *Manager) revert(ctx context.Context, session *domain.AgentSession, state domain.SessionState, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if state == domain.StatePlanning {
		state = domain.StateCreated
	}

	err := m.repo.UpdateSession(ctx, session.ID, func(tx store.SessionTx) error {
		s, err := loadSession(ctx, tx)
		if err != nil {
			return err
		}
		if s.State != domain.StatePlanning {
			return nil
		}
		s.State = state
		s.UpdatedAt = m.now()
		return tx.PutSession(ctx, s)
	})
	if err != nil {
		m.logger.Error("failed to revert session after generation failure",
			"session_id", session.ID,
			"error", err,
			"cause", cause,
		)
	}

	m.logger.Warn("plan generation failed", "session_id", session.ID, "error", cause)
	m.audit.Log(audit.Event{
		UserID: session.UserID, SessionID: session.ID, EventType: audit.EventGenerationFailed,
		State: string(state), Error: cause.Error(),
	})
	m.publish(ctx, session.ID)
	return cause
}

// ApprovePlan records userID's approval of the active plan. Only the session
// owner may approve; any other caller gets ErrUnauthorized and nothing changes.
func (m *Manager) ApprovePlan(ctx context.Context, sessionID, userID string) (*domain.Plan, error) {
	unlock := m.locks.lock(sessionID)
	defer unlock()

	var (
		approved *domain.Plan
		owner    string
	)
	err := m.repo.UpdateSession(ctx, sessionID, func(tx store.SessionTx) error {
		session, err := loadSession(ctx, tx)
		if err != nil {
			return err
		}
		owner = session.UserID
		if session.UserID != userID {
			return fmt.Errorf("%w: only the session owner may approve", domain.ErrUnauthorized)
		}
		switch session.State {
		case domain.StateAwaitingApproval:
		case domain.StateCreated:
			return domain.ErrNoPlan
		default:
			return fmt.Errorf("%w: cannot approve from %s", domain.ErrInvalidState, session.State)
		}

		plan, err := tx.GetActivePlan(ctx)
		if err != nil {
			return err
		}
		if plan == nil {
			return domain.ErrNoPlan
		}

		now := m.now()
		if err := tx.ApprovePlan(ctx, plan.ID, userID, now); err != nil {
			if errors.Is(err, store.ErrPlanNotApprovable) {
				return fmt.Errorf("%w: %w", domain.ErrNoPlan, err)
			}
			return err
		}
		plan.ApprovedAt = &now
		plan.ApprovedBy = userID

		conv, err := loadConversation(ctx, tx)
		if err != nil {
			return err
		}
		applyApproval(conv, now)

		session.State = domain.StateApproved
		session.UpdatedAt = now
		if err := tx.PutSession(ctx, session); err != nil {
			return err
		}
		if err := tx.PutConversationState(ctx, conv); err != nil {
			return err
		}
		approved = plan
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrUnauthorized) {
			m.metrics.approvals.WithLabelValues("denied").Inc()
			m.audit.Log(audit.Event{
				UserID: owner, SessionID: sessionID, EventType: audit.EventApprovalDenied,
				Error: err.Error(), Metadata: map[string]any{"caller": userID},
			})
			m.logger.Warn("plan approval denied", "session_id", sessionID, "caller", userID)
		}
		return nil, err
	}

	m.metrics.approvals.WithLabelValues("approved").Inc()
	m.audit.Log(audit.Event{UserID: userID, SessionID: sessionID, EventType: audit.EventPlanApproved, State: string(domain.StateApproved), PlanID: approved.ID})
	m.logger.Info("plan approved", "session_id", sessionID, "plan_id", approved.ID)
	m.publish(ctx, sessionID)
	return approved, nil
}

// ExecutePlan runs the approved plan. On a step failure it returns the
// partial result together with a *domain.StepExecutionError; the session
// ends in failed and already applied steps stay applied.
func (m *Manager) ExecutePlan(ctx context.Context, sessionID string) (*domain.ExecutionResult, error) {
	if err := m.execSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer m.execSem.Release(1)

	unlock := m.locks.lock(sessionID)
	defer unlock()

	var auth *Authorization
	err := m.repo.UpdateSession(ctx, sessionID, func(tx store.SessionTx) error {
		session, err := loadSession(ctx, tx)
		if err != nil {
			return err
		}
		if session.State != domain.StateApproved {
			return fmt.Errorf("%w: cannot execute from %s", domain.ErrInvalidState, session.State)
		}
		plan, err := tx.GetActivePlan(ctx)
		if err != nil {
			return err
		}
		if auth, err = authorize(session, plan); err != nil {
			return err
		}
		conv, err := loadConversation(ctx, tx)
		if err != nil {
			return err
		}

		now := m.now()
		applyExecutionStart(conv, now)
		session.State = domain.StateExecuting
		session.UpdatedAt = now
		if err := tx.PutSession(ctx, session); err != nil {
			return err
		}
		return tx.PutConversationState(ctx, conv)
	})
	if err != nil {
		return nil, err
	}

	session, plan := auth.session, auth.plan
	m.metrics.executionsInFlight.Inc()
	defer m.metrics.executionsInFlight.Dec()
	m.audit.Log(audit.Event{UserID: session.UserID, SessionID: sessionID, EventType: audit.EventExecutionStarted, State: string(domain.StateExecuting), PlanID: plan.ID})
	m.publish(ctx, sessionID)

	// Steps are not transactional; once started the run is finished even if
	// the caller goes away.
	runCtx := context.WithoutCancel(ctx)
	result, runErr := m.executor.Run(runCtx, auth, func(sr domain.StepResult) {
		m.audit.Log(audit.Event{
			UserID: session.UserID, SessionID: sessionID, EventType: audit.EventStepCompleted,
			PlanID: plan.ID, Error: sr.Error,
			Metadata: map[string]any{"index": sr.Index, "action": sr.ActionType, "status": sr.Status},
		})
		m.publish(runCtx, sessionID)
	})
	if result == nil {
		return nil, runErr
	}

	final := domain.StateCompleted
	if !result.Success {
		final = domain.StateFailed
	}
	err = m.repo.UpdateSession(runCtx, sessionID, func(tx store.SessionTx) error {
		s, err := loadSession(runCtx, tx)
		if err != nil {
			return err
		}
		conv, err := loadConversation(runCtx, tx)
		if err != nil {
			return err
		}

		now := m.now()
		s.State = final
		s.LastResult = result
		s.UpdatedAt = now
		s.Error = ""
		if runErr != nil {
			s.Error = runErr.Error()
		}
		applyTerminal(conv, now)

		if err := tx.PutSession(runCtx, s); err != nil {
			return err
		}
		if err := tx.PutConversationState(runCtx, conv); err != nil {
			return err
		}
		return tx.AppendMessage(runCtx, domain.RoleAssistant, result.Summary, now)
	})
	if err != nil {
		m.logger.Error("failed to finalize execution", "session_id", sessionID, "plan_id", plan.ID, "error", err)
		return result, errors.Join(runErr, err)
	}

	outcome := "succeeded"
	if !result.Success {
		outcome = "failed"
	}
	m.metrics.executions.WithLabelValues(outcome).Inc()
	m.audit.Log(audit.Event{
		UserID: session.UserID, SessionID: sessionID, EventType: audit.EventExecutionFinished,
		State: string(final), PlanID: plan.ID, Content: result.Summary, Error: errString(runErr),
	})
	m.logger.Info("plan executed", "session_id", sessionID, "plan_id", plan.ID, "outcome", outcome)
	m.publish(runCtx, sessionID)
	return result, runErr
}

// GetSessionStatus returns the current snapshot without mutating anything.
func (m *Manager) GetSessionStatus(ctx context.Context, sessionID string) (*domain.SessionSnapshot, error) {
	snap, err := m.repo.GetSnapshot(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session snapshot: %w", err)
	}
	if snap == nil {
		return nil, fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
	}
	return snap, nil
}

// GetConversationHistory returns the newest limit messages, oldest first.
func (m *Manager) GetConversationHistory(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	session, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if session == nil {
		return nil, fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
	}
	if limit <= 0 {
		limit = m.cfg.HistoryLimit
	}
	return m.history(ctx, sessionID, limit)
}

func (m *Manager) history(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	msgs, err := m.repo.ListRecentMessages(ctx, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return msgs, nil
}

// CancelSession fails a non-terminal session on its owner's request.
func (m *Manager) CancelSession(ctx context.Context, sessionID, userID string) error {
	unlock := m.locks.lock(sessionID)
	defer unlock()

	if err := m.fail(ctx, sessionID, "cancelled by user", func(s *domain.AgentSession) error {
		if s.UserID != userID {
			return fmt.Errorf("%w: only the session owner may cancel", domain.ErrUnauthorized)
		}
		return nil
	}); err != nil {
		return err
	}

	m.audit.Log(audit.Event{UserID: userID, SessionID: sessionID, EventType: audit.EventSessionCancelled, State: string(domain.StateFailed)})
	m.logger.Info("agent session cancelled", "session_id", sessionID, "user_id", userID)
	m.publish(ctx, sessionID)
	return nil
}

// fail moves a non-terminal session to failed with reason. check may veto.
func (m *Manager) fail(ctx context.Context, sessionID, reason string, check func(*domain.AgentSession) error) error {
	return m.repo.UpdateSession(ctx, sessionID, func(tx store.SessionTx) error {
		session, err := loadSession(ctx, tx)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(session); err != nil {
				return err
			}
		}
		if session.State.Terminal() {
			return fmt.Errorf("%w: session already %s", domain.ErrInvalidState, session.State)
		}
		conv, err := loadConversation(ctx, tx)
		if err != nil {
			return err
		}

		now := m.now()
		session.State = domain.StateFailed
		session.Error = reason
		session.UpdatedAt = now
		applyTerminal(conv, now)
		if err := tx.PutSession(ctx, session); err != nil {
			return err
		}
		if err := tx.PutConversationState(ctx, conv); err != nil {
			return err
		}
		return tx.AppendMessage(ctx, domain.RoleSystem, "Session ended: "+reason, now)
	})
}

// ListSessions returns userID's sessions, newest first.
func (m *Manager) ListSessions(ctx context.Context, userID string, limit int) ([]*domain.AgentSession, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	sessions, err := m.repo.ListSessions(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	if sessions == nil {
		sessions = []*domain.AgentSession{}
	}
	return sessions, nil
}

func (m *Manager) publish(ctx context.Context, sessionID string) {
	if m.notifier == nil {
		return
	}
	snap, err := m.repo.GetSnapshot(ctx, sessionID)
	if err != nil || snap == nil {
		m.logger.Debug("skipping snapshot publish", "session_id", sessionID, "error", err)
		return
	}
	m.notifier.Publish(snap)
}

func loadSession(ctx context.Context, tx store.SessionTx) (*domain.AgentSession, error) {
	session, err := tx.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, domain.ErrNotFound
	}
	return session, nil
}

func loadConversation(ctx context.Context, tx store.SessionTx) (*domain.ConversationState, error) {
	conv, err := tx.GetConversationState(ctx)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, fmt.Errorf("%w: conversation state", domain.ErrNotFound)
	}
	return conv, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
