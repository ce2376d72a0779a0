package server

import (
	"sync"

	"github.com/NicolasHaas/linechat/pkg/model"
)

// Registry tracks every live session from accept until its connection is
// closed. Sessions are keyed by their connection ID, not by username, because
// a session is registered before it authenticates.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session // session ID -> session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Add registers a session.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.id] = s
}

// Remove unregisters a session. It reports whether the session was present.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.id]; !ok {
		return false
	}
	delete(r.sessions, s.id)
	return true
}

// Bind marks s as authenticated as user. When exclusive is set and another
// live session is already bound to the same username, s stays
// unauthenticated and Bind returns false. The check and the bind happen under
// one lock so two concurrent logins cannot both succeed.
func (r *Registry) Bind(s *Session, user *model.User, exclusive bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if exclusive {
		key := model.UsernameKey(user.Username)
		for _, other := range r.sessions {
			if other == s {
				continue
			}
			if u := other.User(); u != nil && model.UsernameKey(u.Username) == key {
				return false
			}
		}
	}
	s.user.Store(user)
	return true
}

// FindByUsername returns a live authenticated session for name, matched
// case-insensitively. With duplicate logins any one of them may be returned.
func (r *Registry) FindByUsername(name string) *Session {
	key := model.UsernameKey(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if u := s.User(); u != nil && model.UsernameKey(u.Username) == key {
			return s
		}
	}
	return nil
}

// Broadcast queues line for every authenticated session except exclude. The
// recipient set is snapshotted under the read lock and delivery happens after
// it is released; each delivery is a non-blocking enqueue, so a slow
// recipient never stalls the caller. It returns how many recipients got the
// line and how many dropped it because their queue was full or closing.
func (r *Registry) Broadcast(line string, exclude *Session) (delivered, dropped int) {
	for _, s := range r.recipients(exclude) {
		if s.deliver(line) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}

func (r *Registry) recipients(exclude *Session) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s == exclude || s.User() == nil {
			continue
		}
		result = append(result, s)
	}
	return result
}

// Count returns the number of registered sessions, authenticated or not.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// All returns all registered sessions (snapshot).
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, s)
	}
	return result
}
