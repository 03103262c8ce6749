package bridge

import (
	"sort"
	"sync"
)

// SessionInfo pairs a session id with its derived wire status.
type SessionInfo struct {
	Session string `json:"session"`
	Status  string `json:"status"`
}

// Store is the in-memory session registry: id -> live session. Mutations come
// only from the manager; reads may come from any handler goroutine.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

func (st *Store) Get(id string) *Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.sessions[id]
}

func (st *Store) Set(s *Session) {
	st.mu.Lock()
	st.sessions[s.ID] = s
	st.mu.Unlock()
}

func (st *Store) Delete(id string) *Session {
	st.mu.Lock()
	s := st.sessions[id]
	delete(st.sessions, id)
	st.mu.Unlock()
	return s
}

// List returns every known session (live connections and pending QR pairings
// alike) with its derived status, sorted by id for stable output.
func (st *Store) List() []SessionInfo {
	st.mu.RLock()
	out := make([]SessionInfo, 0, len(st.sessions))
	for id, s := range st.sessions {
		out = append(out, SessionInfo{Session: id, Status: s.StatusLabel()})
	}
	st.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Session < out[j].Session })
	return out
}
