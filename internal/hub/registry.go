package hub

import (
	"fmt"
	"sync"

	"github.com/codefionn/orbit/internal/logger"
)

// Registry tracks the currently admitted sessions. It is the only owner of
// the live set; callers iterate through ForEach.
type Registry struct {
	mu       sync.RWMutex
	sessions map[*Session]struct{}
	ids      map[string]*Session
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[*Session]struct{}),
		ids:      make(map[string]*Session),
	}
}

// Add admits a session. Closed sessions and duplicate ids are refused.
func (r *Registry) Add(s *Session) error {
	if s.Closed() {
		return fmt.Errorf("session %s: %w", s.ID, ErrSessionClosed)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.ids[s.ID]; exists {
		return fmt.Errorf("session %s already registered", s.ID)
	}
	r.sessions[s] = struct{}{}
	r.ids[s.ID] = s
	logger.Info("Session registered: %s subject=%s (total: %d)", s.ID, s.Subject(), len(r.sessions))
	return nil
}

// Remove drops a session. Removing an absent session is a no-op; the return
// value reports whether the session was present.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s]; !ok {
		return false
	}
	delete(r.sessions, s)
	delete(r.ids, s.ID)
	logger.Info("Session unregistered: %s (total: %d)", s.ID, len(r.sessions))
	return true
}

// ForEach calls fn for every session admitted at the moment of the call.
// The set is copied first, so fn may add or remove sessions; each member of
// the copy is visited exactly once.
func (r *Registry) ForEach(fn func(*Session)) {
	for _, s := range r.members() {
		fn(s)
	}
}

// Get returns the session with id
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.ids[id]
	return s, ok
}

// Len returns the number of admitted sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll removes and closes every session. Transports are closed in
// parallel so one stalled peer does not delay the others; CloseAll returns
// once every transport is closed.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.Lock()
	members := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		members = append(members, s)
	}
	r.sessions = make(map[*Session]struct{})
	r.ids = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range members {
		s.closeDetached(code, reason)
	}
	for _, s := range members {
		<-s.connClosed
	}
}

func (r *Registry) members() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		members = append(members, s)
	}
	return members
}
