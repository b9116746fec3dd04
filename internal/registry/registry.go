// Package registry maps user IDs to their live sessions. It is the single
// authority on session existence: the gateway asks it on every device
// connect, and sessions remove themselves from it on dispose.
package registry

import (
	"context"
	"sync"

	"github.com/openglass/lenshub/internal/observe"
	"github.com/openglass/lenshub/internal/session"
)

// Factory builds a session for a user. The registry passes itself as the
// dispose hook so a session that shuts down leaves the map.
type Factory func(ctx context.Context, userID string, onDisposed func(userID string)) *session.Session

// Registry holds the live sessions.
// All methods are safe for concurrent use.
type Registry struct {
	factory Factory
	metrics *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*session.Session
}

// New creates a Registry.
func New(factory Factory, metrics *observe.Metrics) *Registry {
	return &Registry{
		factory:  factory,
		metrics:  metrics,
		sessions: make(map[string]*session.Session),
	}
}

// GetOrCreate returns the user's session, building one if none exists.
func (r *Registry) GetOrCreate(ctx context.Context, userID string) *session.Session {
	r.mu.Lock()
	if s, ok := r.sessions[userID]; ok {
		r.mu.Unlock()
		return s
	}
	s := r.factory(ctx, userID, r.remove)
	r.sessions[userID] = s
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveSessions.Add(ctx, 1)
	}
	return s
}

// Get returns the user's session, if one is live.
func (r *Registry) Get(userID string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userID]
	return s, ok
}

// remove drops a disposed session from the map.
func (r *Registry) remove(userID string) {
	r.mu.Lock()
	_, ok := r.sessions[userID]
	delete(r.sessions, userID)
	r.mu.Unlock()
	if ok && r.metrics != nil {
		r.metrics.ActiveSessions.Add(context.Background(), -1)
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// DisposeAll shuts every session down, for server shutdown.
func (r *Registry) DisposeAll(ctx context.Context) {
	r.mu.Lock()
	sessions := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.Dispose(ctx)
	}
}
