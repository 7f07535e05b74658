// Package actions implements the closed registry of domain actions a plan
// step may invoke, together with their parameter schemas.
package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ashureev/planwise/internal/domain"
	"github.com/go-playground/validator/v10"
)

var (
	// ErrUnknownAction is returned for action types outside the closed set.
	ErrUnknownAction = errors.New("unknown action type")
	// ErrInvalidParams is returned when step parameters fail their schema.
	ErrInvalidParams = errors.New("invalid action parameters")
)

// paramsValidate is shared by every action; validator caches struct metadata.
var paramsValidate = validator.New(validator.WithRequiredStructEnabled())

// ActionContext identifies who is executing a step and on whose behalf.
type ActionContext struct {
	UserID    string
	SessionID string
	PlanID    string
}

// Handler executes one action type.
type Handler interface {
	// Validate decodes and checks raw parameters without side effects.
	Validate(raw json.RawMessage) error
	// Execute performs the action and returns a result payload.
	Execute(ctx context.Context, actx ActionContext, raw json.RawMessage) (map[string]any, error)
}

// Registry maps action types to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.ActionType]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[domain.ActionType]Handler)}
}

// NewDefaultRegistry returns a registry with every built-in action bound to ws.
func NewDefaultRegistry(ws Workspace) *Registry {
	r := NewRegistry()
	for t, h := range builtins(ws) {
		// builtins only contains members of the closed set.
		_ = r.Register(t, h)
	}
	return r
}

// Register binds a handler. Only members of the closed action set are accepted.
func (r *Registry) Register(t domain.ActionType, h Handler) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownAction, t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
	return nil
}

func (r *Registry) handler(t domain.ActionType) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, t)
	}
	return h, nil
}

// ValidateStep checks a step's action type and parameters.
func (r *Registry) ValidateStep(step domain.PlanStep) error {
	h, err := r.handler(step.ActionType)
	if err != nil {
		return err
	}
	return h.Validate(step.Params)
}

// Execute runs a single step. Parameters are validated again before use.
func (r *Registry) Execute(ctx context.Context, actx ActionContext, step domain.PlanStep) (map[string]any, error) {
	h, err := r.handler(step.ActionType)
	if err != nil {
		return nil, err
	}
	return h.Execute(ctx, actx, step.Params)
}

// checker is implemented by params with cross-field rules.
type checker interface {
	check() error
}

// typed adapts a strongly typed action function to Handler.
type typed[P any] struct {
	run func(ctx context.Context, actx ActionContext, p *P) (map[string]any, error)
}

func (t typed[P]) decode(raw json.RawMessage) (*P, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage(`{}`)
	}
	p := new(P)
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if err := paramsValidate.Struct(p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if c, ok := any(p).(checker); ok {
		if err := c.check(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
	}
	return p, nil
}

func (t typed[P]) Validate(raw json.RawMessage) error {
	_, err := t.decode(raw)
	return err
}

func (t typed[P]) Execute(ctx context.Context, actx ActionContext, raw json.RawMessage) (map[string]any, error) {
	p, err := t.decode(raw)
	if err != nil {
		return nil, err
	}
	return t.run(ctx, actx, p)
}
