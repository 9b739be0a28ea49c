// Package realtime implements presence tracking and message fan-out over
// persistent WebSocket connections.
package realtime

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/blooom-app/blooom/internal/domain"
	"github.com/samber/lo"
)

// Handle is one live connection that outbound events can be queued on.
// Send must not block.
type Handle interface {
	ID() string
	Send(ev Outbound) error
}

// Registry maps online users to their active connection.
// The last authenticated connection of a user wins.
type Registry struct {
	log      *slog.Logger
	mu       sync.RWMutex
	byUser   map[domain.UserID]Handle
	byHandle map[string]domain.UserID
}

// NewRegistry creates an empty presence registry. A nil logger uses the
// default one.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:      log,
		byUser:   make(map[domain.UserID]Handle),
		byHandle: make(map[string]domain.UserID),
	}
}

// Set records handle as the connection of userID, replacing any previous one.
func (r *Registry) Set(userID domain.UserID, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byUser[userID]; ok && prev.ID() != h.ID() {
		delete(r.byHandle, prev.ID())
		r.log.Debug("Presence connection replaced", "user_id", userID, "old_conn_id", prev.ID(), "conn_id", h.ID())
	}
	// A handle belongs to at most one user.
	if other, ok := r.byHandle[h.ID()]; ok && other != userID {
		delete(r.byUser, other)
	}

	r.byUser[userID] = h
	r.byHandle[h.ID()] = userID
}

// Get returns the connection of userID, if online.
func (r *Registry) Get(userID domain.UserID) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byUser[userID]
	return h, ok
}

// Remove erases the entry owned by handle and returns its user.
// It is a no-op when the handle is not the current connection of any user.
func (r *Registry) Remove(h Handle) (domain.UserID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byHandle[h.ID()]
	if !ok {
		return 0, false
	}
	delete(r.byHandle, h.ID())
	if cur, exists := r.byUser[userID]; exists && cur.ID() == h.ID() {
		delete(r.byUser, userID)
	}
	return userID, true
}

// BroadcastAll queues ev on every registered connection.
// Targets are snapshotted under the read lock and sent outside it.
func (r *Registry) BroadcastAll(ev Outbound) int {
	r.mu.RLock()
	targets := lo.Values(r.byUser)
	r.mu.RUnlock()

	delivered := 0
	for _, h := range targets {
		if err := h.Send(ev); err != nil {
			r.log.Debug("Broadcast send failed", "conn_id", h.ID(), "event", ev.EventType(), "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// Online returns the ids of all online users in ascending order.
func (r *Registry) Online() []domain.UserID {
	r.mu.RLock()
	ids := lo.Keys(r.byUser)
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Len returns the number of online users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
