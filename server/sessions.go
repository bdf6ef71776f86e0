package server

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"aveauth/exchange"
)

// LoginSession holds the tokens of a finished redirect login. Only its id
// leaves the relay, inside the session cookie.
type LoginSession struct {
	ID        string
	Subject   string
	CreatedAt time.Time
	ExpiresAt time.Time
	Token     *exchange.TokenResponse
}

// SessionStore keeps login sessions in memory.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]LoginSession
	ttl      time.Duration
	now      func() time.Time
}

// NewSessionStore constructs the store.
func NewSessionStore(ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionStore{
		sessions: make(map[string]LoginSession),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Create stores tok under a fresh session id.
func (s *SessionStore) Create(subject string, tok *exchange.TokenResponse) LoginSession {
	now := s.now().UTC()
	sess := LoginSession{
		ID:        uuid.NewString(),
		Subject:   subject,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
		Token:     tok,
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return sess
}

// Get returns a live session. Expired sessions are dropped on lookup.
func (s *SessionStore) Get(id string) (LoginSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return LoginSession{}, false
	}
	if !s.now().Before(sess.ExpiresAt) {
		delete(s.sessions, id)
		return LoginSession{}, false
	}
	return sess, true
}

// Delete removes a session. Unknown ids are ignored.
func (s *SessionStore) Delete(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}
