// Package stream pushes session snapshots to websocket watchers.
package stream

import (
	"log/slog"
	"sync"

	"github.com/ashureev/planwise/internal/domain"
)

const subscriberBuffer = 16

// Hub fans snapshots out to the subscribers of each session.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	logger *slog.Logger
}

// Subscription receives snapshots for one session.
type Subscription struct {
	sessionID string
	ch        chan *domain.SessionSnapshot
	hub       *Hub
	once      sync.Once
}

// C returns the snapshot channel. It is closed by Close.
func (s *Subscription) C() <-chan *domain.SessionSnapshot { return s.ch }

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}

// NewHub returns an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{subs: make(map[string]map[*Subscription]struct{}), logger: logger}
}

// Subscribe registers a watcher for sessionID.
func (h *Hub) Subscribe(sessionID string) *Subscription {
	sub := &Subscription{sessionID: sessionID, ch: make(chan *domain.SessionSnapshot, subscriberBuffer), hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[*Subscription]struct{})
	}
	h.subs[sessionID][sub] = struct{}{}
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[sub.sessionID]
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.sessionID)
	}
	close(sub.ch)
}

// Publish delivers snapshot to every watcher of its session without
// blocking. A slow watcher loses its oldest queued snapshot.
func (h *Hub) Publish(snapshot *domain.SessionSnapshot) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs[snapshot.Session.ID] {
		select {
		case sub.ch <- snapshot:
			continue
		default:
		}

		select {
		case <-sub.ch:
			h.logger.Debug("stream subscriber lagging, dropped oldest snapshot", "session_id", sub.sessionID)
		default:
		}
		select {
		case sub.ch <- snapshot:
		default:
		}
	}
}

// Watchers returns the number of subscribers for sessionID.
func (h *Hub) Watchers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}
