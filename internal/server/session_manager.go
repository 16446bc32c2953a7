package server

import (
	"fmt"
	"sync"
)

// SessionInfo is one authenticated session credential.
type SessionInfo struct {
	Token    string
	UserID   int64
	Username string
	IsDM     bool
}

// SessionManager holds the in-memory view of valid session tokens. It is
// seeded from the sessions table at startup and updated as sessions are
// issued or revoked.
type SessionManager struct {
	sessions map[string]SessionInfo
	mu       sync.RWMutex
}

func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[string]SessionInfo),
	}
}

// GetSession resolves a token to its session, or an error when the token is
// unknown.
func (sm *SessionManager) GetSession(token string) (SessionInfo, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	info, exists := sm.sessions[token]
	if !exists {
		return SessionInfo{}, fmt.Errorf("TOKEN_NOT_FOUND: Invalid session token")
	}
	return info, nil
}

// PutSession registers or replaces a session.
func (sm *SessionManager) PutSession(info SessionInfo) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.sessions[info.Token] = info
}

// RevokeSession removes a token. Revoking an unknown token is a no-op.
func (sm *SessionManager) RevokeSession(token string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.sessions, token)
}

// Count returns the number of known sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}
