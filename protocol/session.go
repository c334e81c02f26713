package protocol

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is one MCP client connection. It binds the protocol conversation
// to the identity established by the access token that opened it; a session
// never outlives its token.
type Session struct {
	ID       string
	ClientID string
	UserID   string
	Scopes   []string

	// MFASatisfied is true when the token behind the session carries a
	// verified second factor: a DPoP key binding or a TOTP-verified grant.
	MFASatisfied bool

	Initialized bool
	ClientInfo  ClientInfo
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// SessionStore tracks live sessions in memory, keyed by session ID.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewSessionStore creates an empty session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Create registers a new uninitialized session for the given identity.
func (s *SessionStore) Create(clientID, userID string, scopes []string, mfaSatisfied bool, expiresAt time.Time) *Session {
	session := &Session{
		ID:           uuid.NewString(),
		ClientID:     clientID,
		UserID:       userID,
		Scopes:       scopes,
		MFASatisfied: mfaSatisfied,
		CreatedAt:    s.now(),
		ExpiresAt:    expiresAt,
	}
	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()
	return session
}

// Get returns a live session, or false for unknown or expired IDs.
func (s *SessionStore) Get(id string) (*Session, bool) {
	s.mu.RLock()
	session, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if s.now().After(session.ExpiresAt) {
		s.Delete(id)
		return nil, false
	}
	return session, true
}

// MarkInitialized records a completed initialize handshake.
func (s *SessionStore) MarkInitialized(id string, info ClientInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[id]; ok {
		session.Initialized = true
		session.ClientInfo = info
	}
}

// Delete removes a session.
func (s *SessionStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// DeleteForClient drops every session belonging to the user+client pair.
// Called when token revocation invalidates the underlying grant.
func (s *SessionStore) DeleteForClient(userID, clientID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, session := range s.sessions {
		if session.UserID == userID && session.ClientID == clientID {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// Sweep removes expired sessions.
func (s *SessionStore) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, session := range s.sessions {
		if now.After(session.ExpiresAt) {
			delete(s.sessions, id)
		}
	}
}

// Len reports the number of tracked sessions, live or expired.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
