package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ashureev/planwise/internal/audit"
	"github.com/ashureev/planwise/internal/domain"
)

const expiredReason = "session expired"

// StartExpiryWorker runs a background goroutine that periodically fails
// non-terminal sessions idle for longer than ttl. Terminal sessions are kept.
func (m *Manager) StartExpiryWorker(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session expiry worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				m.ExpireStaleSessions(ctx, ttl)
			case <-ctx.Done():
				slog.Info("Session expiry worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// ExpireStaleSessions runs one sweep and returns the number of sessions failed.
func (m *Manager) ExpireStaleSessions(ctx context.Context, ttl time.Duration) int {
	stale, err := m.repo.GetStaleSessions(ctx, ttl)
	if err != nil {
		m.logger.Error("Expiry worker failed to get stale sessions", "error", err)
		return 0
	}
	if len(stale) == 0 {
		return 0
	}

	m.logger.Info("Expiry worker found stale sessions", "count", len(stale))

	expired := 0
	for _, s := range stale {
		if ctx.Err() != nil {
			break
		}
		if m.expire(ctx, s, ttl) {
			expired++
		}
	}

	m.logger.Info("Expiry worker sweep completed", "expired", expired)
	return expired
}

func (m *Manager) expire(ctx context.Context, s *domain.AgentSession, ttl time.Duration) bool {
	unlock := m.locks.lock(s.ID)
	defer unlock()

	err := m.fail(ctx, s.ID, expiredReason, func(current *domain.AgentSession) error {
		// Touched since the sweep query ran.
		if m.now().Sub(current.UpdatedAt) < ttl {
			return errSessionActive
		}
		return nil
	})
	switch {
	case errors.Is(err, errSessionActive), errors.Is(err, domain.ErrInvalidState):
		return false
	case err != nil:
		m.logger.Warn("Expiry worker failed to expire session", "session_id", s.ID, "error", err)
		return false
	}

	m.metrics.sessionsExpired.Inc()
	m.audit.Log(audit.Event{UserID: s.UserID, SessionID: s.ID, EventType: audit.EventSessionExpired, State: string(domain.StateFailed)})
	m.publish(ctx, s.ID)
	return true
}

var errSessionActive = errors.New("session active")
