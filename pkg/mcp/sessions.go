package mcp

import "sync"

// SessionRegistry maps organization IDs to MCP session IDs.
// Populated automatically when a tool call carries an organization_id.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // organizationID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates an organization with a session ID.
// A reconnecting organization overwrites its previous mapping.
func (r *SessionRegistry) Register(organizationID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[organizationID] = sessionID
}

// SessionFor returns the session ID for the given organization, if connected.
func (r *SessionRegistry) SessionFor(organizationID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[organizationID]
	return sid, ok
}

// Remove deletes all organization mappings for the given session ID.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for org, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, org)
		}
	}
}
