package session

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrTooManySessions is returned by [Registry.Add] when the configured
// session cap is reached.
var ErrTooManySessions = errors.New("session limit reached")

// Info holds metadata about an active session.
type Info struct {
	// ID is the unique identifier for this session.
	ID string `json:"id"`

	// RemoteAddr is the client network address.
	RemoteAddr string `json:"remote_addr"`

	// StartedAt is when the WebSocket was accepted.
	StartedAt time.Time `json:"started_at"`
}

// Registry tracks live sessions for admission control and monitoring.
// All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	max      int
	sessions map[string]Info
}

// NewRegistry creates a registry admitting at most maxSessions concurrent
// sessions. Zero or negative means unlimited.
func NewRegistry(maxSessions int) *Registry {
	return &Registry{
		max:      maxSessions,
		sessions: make(map[string]Info),
	}
}

// Add registers a session. Returns [ErrTooManySessions] when the cap is
// reached.
func (r *Registry) Add(info Info) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.max > 0 && len(r.sessions) >= r.max {
		return ErrTooManySessions
	}
	r.sessions[info.ID] = info
	return nil
}

// Remove deregisters the session with the given id. Removing an unknown id
// is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the active sessions ordered by start time.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.sessions))
	for _, info := range r.sessions {
		out = append(out, info)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
