package monitor

import (
	"sort"
	"sync"
)

// session is one live subscription: a user id plus their tracking-server
// session. Credentials stay in storage; sessions are rebuildable caches.
type session struct {
	userID int64
	source Source
}

// Registry holds the live sessions. It only guards the map; the sweep itself
// processes sessions sequentially, so per-user state needs no extra locking.
type Registry struct {
	mu       sync.Mutex
	sessions map[int64]*session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[int64]*session)}
}

func (r *Registry) get(userID int64) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userID]
	return s, ok
}

// put adds a session unless one already exists.
func (r *Registry) put(s *session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.userID]; ok {
		return false
	}
	r.sessions[s.userID] = s
	return true
}

func (r *Registry) remove(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[userID]; !ok {
		return false
	}
	delete(r.sessions, userID)
	return true
}

// snapshot returns the current sessions in stable (user id) order so sweeps
// are deterministic.
func (r *Registry) snapshot() []*session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].userID < out[j].userID })
	return out
}

func (r *Registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
