// Package presence tracks which users currently hold a live socket.
//
// A user is online iff a binding exists. Bindings are single-device: a later
// registration replaces the earlier one, and only the connection that currently
// holds the binding can clear it on disconnect.
package presence

import (
	"context"
	"sync"

	"chat-realtime/internal/observability"
)

// StatusListener is told about every online/offline transition. Listeners run
// after the registry lock is released, one transition at a time and in order.
// They may read the registry but must not change it.
type StatusListener interface {
	PresenceChanged(ctx context.Context, userID string, online bool)
}

// Registry maps user ids to the id of their bound connection.
//
// notifyMu is held from before a binding changes until its listeners have run,
// so listeners see transitions in the order they were applied.
type Registry struct {
	notifyMu  sync.Mutex
	mu        sync.RWMutex
	bindings  map[string]string
	listeners []StatusListener
}

func NewRegistry(listeners ...StatusListener) *Registry {
	return &Registry{
		bindings:  make(map[string]string),
		listeners: listeners,
	}
}

// AddListener subscribes l to future status changes.
func (r *Registry) AddListener(l StatusListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Register binds userID to connID, replacing any previous binding, and returns
// the connection id that was replaced (empty if none).
func (r *Registry) Register(ctx context.Context, userID, connID string) string {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	previous := r.bindings[userID]
	r.bindings[userID] = connID
	listeners, count := r.snapshotLocked()
	r.mu.Unlock()

	observability.SetOnlineUsers(count)
	notify(ctx, listeners, userID, true)
	return previous
}

// Logout removes the binding for userID. It reports whether one existed.
func (r *Registry) Logout(ctx context.Context, userID string) bool {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	_, ok := r.bindings[userID]
	delete(r.bindings, userID)
	listeners, count := r.snapshotLocked()
	r.mu.Unlock()

	if !ok {
		return false
	}
	observability.SetOnlineUsers(count)
	notify(ctx, listeners, userID, false)
	return true
}

// Release clears the binding only if connID still holds it, so a superseded
// connection closing late never takes a newer session offline.
func (r *Registry) Release(ctx context.Context, userID, connID string) bool {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	current, ok := r.bindings[userID]
	if !ok || current != connID {
		r.mu.Unlock()
		return false
	}
	delete(r.bindings, userID)
	listeners, count := r.snapshotLocked()
	r.mu.Unlock()

	observability.SetOnlineUsers(count)
	notify(ctx, listeners, userID, false)
	return true
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.bindings[userID]
	return ok
}

// Lookup returns the connection id bound to userID.
func (r *Registry) Lookup(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.bindings[userID]
	return connID, ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}

func (r *Registry) snapshotLocked() ([]StatusListener, int) {
	listeners := make([]StatusListener, len(r.listeners))
	copy(listeners, r.listeners)
	return listeners, len(r.bindings)
}

func notify(ctx context.Context, listeners []StatusListener, userID string, online bool) {
	for _, l := range listeners {
		l.PresenceChanged(ctx, userID, online)
	}
}
