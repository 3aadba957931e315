package mcp

import "sync"

// SessionRegistry maps saga session IDs to MCP transport session IDs.
// Populated automatically when clients call any tool that includes session_id.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // saga sessionID → MCP sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates a saga session with an MCP session.
// If the saga session already has a mapping, it is overwritten (reconnect).
func (r *SessionRegistry) Register(sessionID, mcpSessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sessionID] = mcpSessionID
}

// MCPSessionFor returns the MCP session ID for the given saga session, if connected.
func (r *SessionRegistry) MCPSessionFor(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[sessionID]
	return sid, ok
}

// Remove deletes all saga session mappings for the given MCP session ID.
// Called when an MCP session disconnects.
func (r *SessionRegistry) Remove(mcpSessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sid, msid := range r.sessions {
		if msid == mcpSessionID {
			delete(r.sessions, sid)
		}
	}
}
