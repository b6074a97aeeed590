package mcp

import (
	"sort"
	"sync"
)

// SessionRegistry maps client IDs to MCP session IDs. Populated when a
// client calls leadflow.run with a client_id.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // clientID → sessionID
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates a client ID with a session ID, replacing any
// earlier session (reconnect).
func (r *SessionRegistry) Register(clientID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[clientID] = sessionID
}

func (r *SessionRegistry) SessionFor(clientID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[clientID]
	return sid, ok
}

// Sessions returns the distinct session IDs, sorted.
func (r *SessionRegistry) Sessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{}, len(r.sessions))
	out := make([]string, 0, len(r.sessions))
	for _, sid := range r.sessions {
		if _, ok := seen[sid]; ok {
			continue
		}
		seen[sid] = struct{}{}
		out = append(out, sid)
	}
	sort.Strings(out)
	return out
}

// Remove deletes all client mappings for the given session ID.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for cid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, cid)
		}
	}
}
