package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/planwise/internal/actions"
	"github.com/ashureev/planwise/internal/domain"
)

var errNoAuthorization = errors.New("execution requires an authorization from the confirmation gate")

// maxKeyOutcomes bounds the entities listed in an execution summary.
const maxKeyOutcomes = 3

// StepRecorder persists the outcome of a single step.
type StepRecorder interface {
	UpdatePlanStep(ctx context.Context, planID string, step domain.PlanStep) error
}

// Executor runs approved plans step by step. Each step is committed on its
// own; a failure stops the run and marks the remaining steps skipped.
// Already applied steps are never rolled back.
type Executor struct {
	registry *actions.Registry
	steps    StepRecorder
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewExecutor returns an Executor dispatching to registry.
func NewExecutor(registry *actions.Registry, steps StepRecorder, metrics *Metrics, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{registry: registry, steps: steps, metrics: metrics, logger: logger, now: time.Now}
}

// StepObserver is notified after each step outcome is committed.
type StepObserver func(result domain.StepResult)

// Run executes the authorized plan. It returns the result and, when a step
// failed, a *domain.StepExecutionError. A persistence failure while
// recording a step is returned as-is after the remaining steps are skipped.
func (e *Executor) Run(ctx context.Context, auth *Authorization, observe StepObserver) (*domain.ExecutionResult, error) {
	if auth == nil || auth.plan == nil {
		return nil, errNoAuthorization
	}
	plan := auth.plan
	actx := actions.ActionContext{UserID: auth.session.UserID, SessionID: auth.session.ID, PlanID: plan.ID}

	result := &domain.ExecutionResult{
		PlanID:      plan.ID,
		StepResults: make([]domain.StepResult, 0, len(plan.Steps)),
		StartedAt:   e.now(),
	}

	var runErr error
	for i := range plan.Steps {
		step := plan.Steps[i]
		if runErr != nil {
			step.Status = domain.StepSkipped
			step.Output = nil
			step.Error = ""
			_ = e.record(ctx, plan.ID, &step, result, 0, observe)
			plan.Steps[i] = step
			continue
		}

		start := e.now()
		output, err := e.registry.Execute(ctx, actx, step)
		elapsed := e.now().Sub(start)
		if e.metrics != nil {
			e.metrics.stepDuration.WithLabelValues(string(step.ActionType)).Observe(elapsed.Seconds())
		}

		if err != nil {
			step.Status = domain.StepFailed
			step.Error = err.Error()
			runErr = &domain.StepExecutionError{Index: step.Index, ActionType: step.ActionType, Err: err}
			e.logger.Warn("plan step failed",
				"session_id", actx.SessionID,
				"plan_id", plan.ID,
				"step", step.Index,
				"action", step.ActionType,
				"error", err,
			)
		} else {
			step.Status = domain.StepSucceeded
			step.Output = output
		}

		if recErr := e.record(ctx, plan.ID, &step, result, elapsed, observe); recErr != nil && runErr == nil {
			runErr = recErr
		}
		plan.Steps[i] = step
	}

	result.FinishedAt = e.now()
	result.Success = runErr == nil
	result.Summary = summarize(result, runErr)
	return result, runErr
}

func (e *Executor) record(ctx context.Context, planID string, step *domain.PlanStep, result *domain.ExecutionResult, elapsed time.Duration, observe StepObserver) error {
	err := e.steps.UpdatePlanStep(ctx, planID, *step)
	if err != nil {
		e.logger.Error("failed to record plan step",
			"plan_id", planID,
			"step", step.Index,
			"error", err,
		)
		err = fmt.Errorf("record step %d: %w", step.Index, err)
	}

	sr := domain.StepResult{
		Index:      step.Index,
		ActionType: step.ActionType,
		Status:     step.Status,
		Output:     step.Output,
		Error:      step.Error,
		DurationMs: elapsed.Milliseconds(),
	}
	result.StepResults = append(result.StepResults, sr)
	if e.metrics != nil {
		e.metrics.steps.WithLabelValues(string(step.ActionType), string(step.Status)).Inc()
	}
	if observe != nil {
		observe(sr)
	}
	return err
}

// summarize renders "Executed N steps. X succeeded, Y failed, Z skipped." and
// the names of up to three created entities.
func summarize(result *domain.ExecutionResult, runErr error) string {
	succeeded, failed, skipped := result.Counts()

	var b strings.Builder
	fmt.Fprintf(&b, "Executed %d steps. %d succeeded, %d failed, %d skipped.",
		len(result.StepResults), succeeded, failed, skipped)

	var outcomes []string
	for _, sr := range result.StepResults {
		if sr.Status != domain.StepSucceeded || len(outcomes) == maxKeyOutcomes {
			continue
		}
		if o := outcome(sr); o != "" {
			outcomes = append(outcomes, o)
		}
	}
	if len(outcomes) > 0 {
		b.WriteString(" Key outcomes: ")
		b.WriteString(strings.Join(outcomes, "; "))
		b.WriteString(".")
	}

	var stepErr *domain.StepExecutionError
	if errors.As(runErr, &stepErr) {
		fmt.Fprintf(&b, " Step %d (%s) failed: %v.", stepErr.Index+1, stepErr.ActionType, stepErr.Err)
	}
	return b.String()
}

func outcome(sr domain.StepResult) string {
	entity, _ := sr.Output["entity"].(string)
	label := ""
	for _, key := range []string{"name", "title"} {
		if v, ok := sr.Output[key].(string); ok && v != "" {
			label = v
			break
		}
	}
	switch {
	case entity == "" && label == "":
		return ""
	case sr.ActionType == domain.ActionUpdateTask:
		return fmt.Sprintf("updated %s %q", entity, label)
	case label == "":
		return "created " + entity
	default:
		return fmt.Sprintf("created %s %q", entity, label)
	}
}
