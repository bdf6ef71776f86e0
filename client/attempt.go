package client

import (
	"sync"

	"github.com/google/uuid"
)

// Attempt is the ephemeral state of one in-flight sign-in. It links the PKCE
// verifier and nonce to the callback or redirect that will eventually consume it.
type Attempt struct {
	ID            string `json:"id"`
	Verifier      string `json:"verifier"`
	Nonce         string `json:"nonce"`
	CodeChallenge string `json:"-"`
}

// NewAttempt generates a fresh verifier/nonce pair under a new attempt id.
func NewAttempt() (Attempt, error) {
	verifier, err := GenerateCodeVerifier()
	if err != nil {
		return Attempt{}, err
	}
	nonce, err := GenerateNonce()
	if err != nil {
		return Attempt{}, err
	}
	return Attempt{
		ID:            uuid.NewString(),
		Verifier:      verifier,
		Nonce:         nonce,
		CodeChallenge: GenerateCodeChallenge(verifier),
	}, nil
}

// Apply binds the attempt's challenge, nonce and id (as state) to the options.
func (a Attempt) Apply(o AuthorizeOptions) AuthorizeOptions {
	o.Nonce = a.Nonce
	o.CodeChallenge = a.CodeChallenge
	o.CodeChallengeMethod = CodeChallengeMethodS256
	o.State = a.ID
	return o
}

// AttemptStore keeps attempts until they are consumed. Consume is single-use:
// a second call for the same id returns ErrAttemptNotFound.
type AttemptStore interface {
	Save(a Attempt) error
	Consume(id string) (Attempt, error)
	Discard(id string)
}

// MemoryAttemptStore is an AttemptStore scoped to one process, the Go
// counterpart of tab-scoped session storage.
type MemoryAttemptStore struct {
	mu       sync.Mutex
	attempts map[string]Attempt
}

// NewMemoryAttemptStore constructs an empty store.
func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{attempts: make(map[string]Attempt)}
}

// Save stores or replaces an attempt.
func (s *MemoryAttemptStore) Save(a Attempt) error {
	if err := requireField("attempt id", a.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[a.ID] = a
	return nil
}

// Consume fetches and removes an attempt.
func (s *MemoryAttemptStore) Consume(id string) (Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return Attempt{}, ErrAttemptNotFound
	}
	delete(s.attempts, id)
	return a, nil
}

// Discard drops an attempt without using it.
func (s *MemoryAttemptStore) Discard(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, id)
}

// Len reports the number of attempts still in flight.
func (s *MemoryAttemptStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attempts)
}
