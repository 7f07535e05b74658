package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/planwise/internal/domain"
)

// ErrPlanNotApprovable is returned by ApprovePlan when the plan is missing,
// superseded or already approved.
var ErrPlanNotApprovable = errors.New("no approvable plan")

const sessionColumns = `id, user_id, state, error, result_json, created_at, updated_at`

// CreateSession persists a new session together with its initial conversation state.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.AgentSession, conv *domain.ConversationState) error {
	return s.write(ctx, "create session", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create session: %w", err)
		}
		defer rollback(tx)

		if err := putSession(ctx, tx, session, true); err != nil {
			return err
		}
		if err := putConversationState(ctx, tx, conv); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit create session: %w", err)
		}
		return nil
	})
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.AgentSession, error) {
	return getSession(ctx, s.db, sessionID)
}

// ListSessions returns a user's sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string, limit int) ([]*domain.AgentSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM agent_sessions WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	return scanSessions(rows)
}

// GetStaleSessions returns non-terminal sessions not updated within ttl.
func (s *SQLiteStore) GetStaleSessions(ctx context.Context, ttl time.Duration) ([]*domain.AgentSession, error) {
	threshold := toMillis(time.Now().Add(-ttl))
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM agent_sessions
		 WHERE updated_at < ? AND state NOT IN (?, ?)`,
		threshold, domain.StateCompleted, domain.StateFailed)
	if err != nil {
		return nil, fmt.Errorf("query stale sessions: %w", err)
	}
	return scanSessions(rows)
}

// GetActivePlan returns the session's non-superseded plan.
func (s *SQLiteStore) GetActivePlan(ctx context.Context, sessionID string) (*domain.Plan, error) {
	return getActivePlan(ctx, s.db, sessionID)
}

// GetSnapshot reads the session, its active plan and conversation state
// from one consistent read transaction.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, sessionID string) (*domain.SessionSnapshot, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin snapshot: %w", err)
	}
	defer rollback(tx)

	session, err := getSession(ctx, tx, sessionID)
	if err != nil || session == nil {
		return nil, err
	}
	plan, err := getActivePlan(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	conv, err := getConversationState(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	return &domain.SessionSnapshot{Session: *session, Plan: plan, Conversation: conv}, nil
}

// GetConversationState returns the session's conversation state.
func (s *SQLiteStore) GetConversationState(ctx context.Context, sessionID string) (*domain.ConversationState, error) {
	return getConversationState(ctx, s.db, sessionID)
}

// ListRecentMessages returns up to limit messages, newest first.
func (s *SQLiteStore) ListRecentMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, created_at FROM messages
		 WHERE session_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer closeRows(rows)

	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		var role string
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Role = domain.Role(role)
		m.CreatedAt = fromMillis(createdAt)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// UpdatePlanStep commits the status, output and error of one step.
func (s *SQLiteStore) UpdatePlanStep(ctx context.Context, planID string, step domain.PlanStep) error {
	output, err := marshalNullable(step.Output)
	if err != nil {
		return fmt.Errorf("marshal step output: %w", err)
	}
	return s.write(ctx, "update plan step", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE plan_steps SET status = ?, output_json = ?, error = ? WHERE plan_id = ? AND idx = ?`,
			step.Status, output, step.Error, planID, step.Index)
		if err != nil {
			return fmt.Errorf("update plan step: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("plan step %s/%d not found", planID, step.Index)
		}
		return nil
	})
}

// UpdateSession runs fn inside a single transaction scoped to sessionID.
func (s *SQLiteStore) UpdateSession(ctx context.Context, sessionID string, fn func(tx SessionTx) error) error {
	return s.write(ctx, "update session", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin session transaction: %w", err)
		}
		defer rollback(tx)

		if err := fn(&sqliteSessionTx{tx: tx, sessionID: sessionID}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit session transaction: %w", err)
		}
		return nil
	})
}

type sqliteSessionTx struct {
	tx        *sql.Tx
	sessionID string
}

func (t *sqliteSessionTx) GetSession(ctx context.Context) (*domain.AgentSession, error) {
	return getSession(ctx, t.tx, t.sessionID)
}

func (t *sqliteSessionTx) PutSession(ctx context.Context, session *domain.AgentSession) error {
	if session.ID != t.sessionID {
		return fmt.Errorf("session %s written in transaction for %s", session.ID, t.sessionID)
	}
	return putSession(ctx, t.tx, session, false)
}

func (t *sqliteSessionTx) GetActivePlan(ctx context.Context) (*domain.Plan, error) {
	return getActivePlan(ctx, t.tx, t.sessionID)
}

func (t *sqliteSessionTx) InsertPlan(ctx context.Context, plan *domain.Plan) error {
	if plan.SessionID != t.sessionID {
		return fmt.Errorf("plan for session %s inserted in transaction for %s", plan.SessionID, t.sessionID)
	}

	_, err := t.tx.ExecContext(ctx,
		`UPDATE plans SET superseded_at = ? WHERE session_id = ? AND superseded_at IS NULL`,
		toMillis(plan.CreatedAt), t.sessionID)
	if err != nil {
		return fmt.Errorf("supersede plans: %w", err)
	}

	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO plans (id, session_id, title, description, created_at) VALUES (?, ?, ?, ?, ?)`,
		plan.ID, plan.SessionID, plan.Title, plan.Description, toMillis(plan.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}

	for _, step := range plan.Steps {
		output, err := marshalNullable(step.Output)
		if err != nil {
			return fmt.Errorf("marshal step output: %w", err)
		}
		params := string(step.Params)
		if params == "" {
			params = "{}"
		}
		_, err = t.tx.ExecContext(ctx,
			`INSERT INTO plan_steps (plan_id, idx, action_type, description, params_json, status, output_json, error)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			plan.ID, step.Index, step.ActionType, step.Description, params, step.Status, output, step.Error)
		if err != nil {
			return fmt.Errorf("insert plan step %d: %w", step.Index, err)
		}
	}
	return nil
}

func (t *sqliteSessionTx) ApprovePlan(ctx context.Context, planID, userID string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE plans SET approved_at = ?, approved_by = ?
		 WHERE id = ? AND session_id = ? AND superseded_at IS NULL AND approved_at IS NULL`,
		toMillis(at), userID, planID, t.sessionID)
	if err != nil {
		return fmt.Errorf("approve plan: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrPlanNotApprovable, planID)
	}
	return nil
}

func (t *sqliteSessionTx) GetConversationState(ctx context.Context) (*domain.ConversationState, error) {
	return getConversationState(ctx, t.tx, t.sessionID)
}

func (t *sqliteSessionTx) PutConversationState(ctx context.Context, conv *domain.ConversationState) error {
	if conv.AgentSessionID != t.sessionID {
		return fmt.Errorf("conversation for %s written in transaction for %s", conv.AgentSessionID, t.sessionID)
	}
	return putConversationState(ctx, t.tx, conv)
}

func (t *sqliteSessionTx) AppendMessage(ctx context.Context, role domain.Role, content string, at time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		t.sessionID, role, content, toMillis(at))
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func getSession(ctx context.Context, q querier, sessionID string) (*domain.AgentSession, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM agent_sessions WHERE id = ?`, sessionID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.AgentSession, error) {
	var session domain.AgentSession
	var state string
	var resultJSON sql.NullString
	var createdAt, updatedAt int64

	if err := row.Scan(&session.ID, &session.UserID, &state, &session.Error,
		&resultJSON, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan agent session: %w", err)
	}

	session.State = domain.SessionState(state)
	session.CreatedAt = fromMillis(createdAt)
	session.UpdatedAt = fromMillis(updatedAt)
	if resultJSON.Valid && resultJSON.String != "" {
		var result domain.ExecutionResult
		if err := json.Unmarshal([]byte(resultJSON.String), &result); err != nil {
			return nil, fmt.Errorf("decode execution result: %w", err)
		}
		session.LastResult = &result
	}
	return &session, nil
}

func scanSessions(rows *sql.Rows) ([]*domain.AgentSession, error) {
	defer closeRows(rows)

	var sessions []*domain.AgentSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

func putSession(ctx context.Context, q querier, session *domain.AgentSession, insert bool) error {
	var result any
	if session.LastResult != nil {
		data, err := json.Marshal(session.LastResult)
		if err != nil {
			return fmt.Errorf("marshal execution result: %w", err)
		}
		result = string(data)
	}

	if insert {
		_, err := q.ExecContext(ctx,
			`INSERT INTO agent_sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			session.ID, session.UserID, session.State, session.Error, result,
			toMillis(session.CreatedAt), toMillis(session.UpdatedAt))
		if err != nil {
			return fmt.Errorf("insert agent session: %w", err)
		}
		return nil
	}

	res, err := q.ExecContext(ctx,
		`UPDATE agent_sessions SET state = ?, error = ?, result_json = ?, updated_at = ? WHERE id = ?`,
		session.State, session.Error, result, toMillis(session.UpdatedAt), session.ID)
	if err != nil {
		return fmt.Errorf("update agent session: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("agent session %s not found", session.ID)
	}
	return nil
}

func getActivePlan(ctx context.Context, q querier, sessionID string) (*domain.Plan, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, session_id, title, description, created_at, approved_at, approved_by, superseded_at
		 FROM plans WHERE session_id = ? AND superseded_at IS NULL
		 ORDER BY created_at DESC LIMIT 1`, sessionID)

	var plan domain.Plan
	var createdAt int64
	var approvedAt, supersededAt sql.NullInt64
	var approvedBy sql.NullString
	err := row.Scan(&plan.ID, &plan.SessionID, &plan.Title, &plan.Description,
		&createdAt, &approvedAt, &approvedBy, &supersededAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan plan: %w", err)
	}

	plan.CreatedAt = fromMillis(createdAt)
	plan.ApprovedAt = timePtr(approvedAt)
	plan.ApprovedBy = approvedBy.String
	plan.SupersededAt = timePtr(supersededAt)

	steps, err := getPlanSteps(ctx, q, plan.ID)
	if err != nil {
		return nil, err
	}
	plan.Steps = steps
	return &plan, nil
}

func getPlanSteps(ctx context.Context, q querier, planID string) ([]domain.PlanStep, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT idx, action_type, description, params_json, status, output_json, error
		 FROM plan_steps WHERE plan_id = ? ORDER BY idx`, planID)
	if err != nil {
		return nil, fmt.Errorf("query plan steps: %w", err)
	}
	defer closeRows(rows)

	var steps []domain.PlanStep
	for rows.Next() {
		var step domain.PlanStep
		var actionType, status, params string
		var output sql.NullString
		if err := rows.Scan(&step.Index, &actionType, &step.Description, &params,
			&status, &output, &step.Error); err != nil {
			return nil, fmt.Errorf("scan plan step: %w", err)
		}
		step.ActionType = domain.ActionType(actionType)
		step.Status = domain.StepStatus(status)
		step.Params = json.RawMessage(params)
		if output.Valid && output.String != "" {
			if err := json.Unmarshal([]byte(output.String), &step.Output); err != nil {
				return nil, fmt.Errorf("decode step output: %w", err)
			}
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plan steps: %w", err)
	}
	return steps, nil
}

func getConversationState(ctx context.Context, q querier, sessionID string) (*domain.ConversationState, error) {
	row := q.QueryRowContext(ctx,
		`SELECT session_id, phase, entities_json, working_memory_json, pending_json,
		        confidence, clarification_count, clarification_baseline, updated_at
		 FROM conversation_states WHERE session_id = ?`, sessionID)

	var conv domain.ConversationState
	var phase, entities, memory string
	var pending sql.NullString
	var updatedAt int64
	err := row.Scan(&conv.AgentSessionID, &phase, &entities, &memory, &pending,
		&conv.Confidence, &conv.ClarificationCount, &conv.ClarificationBaseline, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation state: %w", err)
	}

	conv.Phase = domain.Phase(phase)
	conv.UpdatedAt = fromMillis(updatedAt)
	if err := json.Unmarshal([]byte(entities), &conv.Entities); err != nil {
		return nil, fmt.Errorf("decode entities: %w", err)
	}
	if conv.Entities == nil {
		conv.Entities = map[string]any{}
	}
	if err := json.Unmarshal([]byte(memory), &conv.WorkingMemory); err != nil {
		return nil, fmt.Errorf("decode working memory: %w", err)
	}
	if pending.Valid && pending.String != "" {
		var pc domain.PendingConfirmation
		if err := json.Unmarshal([]byte(pending.String), &pc); err != nil {
			return nil, fmt.Errorf("decode pending confirmation: %w", err)
		}
		conv.PendingConfirmation = &pc
	}
	return &conv, nil
}

func putConversationState(ctx context.Context, q querier, conv *domain.ConversationState) error {
	entities, err := json.Marshal(nonNilMap(conv.Entities))
	if err != nil {
		return fmt.Errorf("marshal entities: %w", err)
	}
	memory, err := json.Marshal(conv.WorkingMemory)
	if err != nil {
		return fmt.Errorf("marshal working memory: %w", err)
	}
	var pending any
	if conv.PendingConfirmation != nil {
		data, err := json.Marshal(conv.PendingConfirmation)
		if err != nil {
			return fmt.Errorf("marshal pending confirmation: %w", err)
		}
		pending = string(data)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO conversation_states (
			session_id, phase, entities_json, working_memory_json, pending_json,
			confidence, clarification_count, clarification_baseline, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			phase = excluded.phase,
			entities_json = excluded.entities_json,
			working_memory_json = excluded.working_memory_json,
			pending_json = excluded.pending_json,
			confidence = excluded.confidence,
			clarification_count = excluded.clarification_count,
			clarification_baseline = excluded.clarification_baseline,
			updated_at = excluded.updated_at`,
		conv.AgentSessionID, conv.Phase, string(entities), string(memory), pending,
		conv.Confidence, conv.ClarificationCount, conv.ClarificationBaseline, toMillis(conv.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert conversation state: %w", err)
	}
	return nil
}

func marshalNullable(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.Warn("failed to roll back transaction", "error", err)
	}
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "error", err)
	}
}
