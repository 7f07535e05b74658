// Package audit writes per-session NDJSON trails of orchestration events.
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Event names.
const (
	EventSessionCreated    = "session_created"
	EventUserMessage       = "user_message"
	EventClarification     = "clarification_requested"
	EventPlanProposed      = "plan_proposed"
	EventGenerationFailed  = "generation_failed"
	EventPlanApproved      = "plan_approved"
	EventApprovalDenied    = "approval_denied"
	EventExecutionStarted  = "execution_started"
	EventStepCompleted     = "step_completed"
	EventExecutionFinished = "execution_finished"
	EventSessionCancelled  = "session_cancelled"
	EventSessionExpired    = "session_expired"
)

// Event is one line of the audit trail.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id"`
	EventType string         `json:"event_type"`
	State     string         `json:"state,omitempty"`
	PlanID    string         `json:"plan_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Logger records audit events. Log must never block the caller.
type Logger interface {
	Log(event Event)
	Close() error
}

// Config controls the audit trail.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Noop discards every event.
type Noop struct{}

// Log implements Logger.
func (Noop) Log(Event) {}

// Close implements Logger.
func (Noop) Close() error { return nil }

var errClosed = errors.New("audit logger closed")

// FileLogger appends events to <dir>/<user>/<session>.ndjson from a single
// background writer.
type FileLogger struct {
	dir    string
	queue  chan Event
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// New returns a FileLogger, or Noop when cfg.Enabled is false.
func New(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Noop{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	l := &FileLogger{
		dir:    cfg.Dir,
		queue:  make(chan Event, cfg.QueueSize),
		logger: logger,
		done:   make(chan struct{}),
	}
	go l.run()
	return l, nil
}

// Log queues event. When the queue is full the oldest event is dropped.
func (l *FileLogger) Log(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}

	select {
	case l.queue <- event:
		return
	default:
	}

	select {
	case dropped := <-l.queue:
		l.logger.Warn("audit queue full, dropping oldest event",
			"session_id", dropped.SessionID,
			"event_type", dropped.EventType,
		)
	default:
	}
	select {
	case l.queue <- event:
	default:
		l.logger.Warn("audit queue full, dropping event", "session_id", event.SessionID, "event_type", event.EventType)
	}
}

// Close flushes queued events and stops the writer.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errClosed
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	select {
	case <-l.done:
	case <-time.After(5 * time.Second):
		l.logger.Warn("audit writer shutdown timeout")
	}
	return nil
}

func (l *FileLogger) run() {
	defer close(l.done)
	for event := range l.queue {
		if err := l.write(event); err != nil {
			l.logger.Warn("failed to write audit event",
				"error", err,
				"session_id", event.SessionID,
				"event_type", event.EventType,
			)
		}
	}
}

func (l *FileLogger) write(event Event) error {
	path := filepath.Join(l.dir, safeSegment(event.UserID), safeSegment(event.SessionID)+".ndjson")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	line, err := json.Marshal(event)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// safeSegment keeps caller-controlled ids from escaping the audit dir.
func safeSegment(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
