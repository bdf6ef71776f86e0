package server

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"aveauth/exchange"
)

// ErrGrantNotFound is returned for an unknown delegation grant id.
var ErrGrantNotFound = errors.New("delegation grant not found")

// DelegationGrant records one delegated token issued through the relay.
// Every field but RevokedAt is fixed at creation.
type DelegationGrant struct {
	ID                string     `json:"id"`
	CreatedAt         time.Time  `json:"createdAt"`
	SourceAppClientID string     `json:"sourceAppClientId"`
	Subject           string     `json:"subject"`
	TargetResourceKey string     `json:"targetResourceKey"`
	Scope             string     `json:"scope"`
	CommunicationMode string     `json:"communicationMode,omitempty"`
	RevokedAt         *time.Time `json:"revokedAt,omitempty"`
}

// Revoked reports whether the grant was revoked.
func (g DelegationGrant) Revoked() bool { return g.RevokedAt != nil }

// GrantStore keeps delegation grants in memory.
type GrantStore struct {
	mu     sync.RWMutex
	grants map[string]DelegationGrant
	now    func() time.Time
}

// NewGrantStore constructs the store.
func NewGrantStore() *GrantStore {
	return &GrantStore{
		grants: make(map[string]DelegationGrant),
		now:    time.Now,
	}
}

// Record stores the grant behind a successful token-exchange response. subject
// is the user whose token was exchanged and owns the grant.
func (s *GrantStore) Record(clientID, subject string, resp *exchange.DelegationTokenResponse) DelegationGrant {
	target := resp.TargetResource
	if target == "" {
		target = resp.Audience
	}
	g := DelegationGrant{
		ID:                uuid.NewString(),
		CreatedAt:         s.now().UTC(),
		SourceAppClientID: clientID,
		Subject:           subject,
		TargetResourceKey: target,
		Scope:             resp.Scope,
		CommunicationMode: resp.CommunicationMode,
	}
	s.mu.Lock()
	s.grants[g.ID] = g
	s.mu.Unlock()
	return g
}

// Get returns a grant by id.
func (s *GrantStore) Get(id string) (DelegationGrant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[id]
	return g, ok
}

// List returns all grants, newest first.
func (s *GrantStore) List() []DelegationGrant {
	return s.list(func(DelegationGrant) bool { return true })
}

// ListFor returns the grants owned by subject, newest first.
func (s *GrantStore) ListFor(subject string) []DelegationGrant {
	return s.list(func(g DelegationGrant) bool { return g.Subject == subject })
}

func (s *GrantStore) list(keep func(DelegationGrant) bool) []DelegationGrant {
	s.mu.RLock()
	out := make([]DelegationGrant, 0, len(s.grants))
	for _, g := range s.grants {
		if keep(g) {
			out = append(out, g)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Revoke marks a grant revoked. Revoking twice keeps the first timestamp.
func (s *GrantStore) Revoke(id string) (DelegationGrant, error) {
	return s.revoke(id, func(DelegationGrant) bool { return true })
}

// RevokeFor revokes a grant only if subject owns it. A grant owned by someone
// else is reported as ErrGrantNotFound.
func (s *GrantStore) RevokeFor(id, subject string) (DelegationGrant, error) {
	return s.revoke(id, func(g DelegationGrant) bool { return g.Subject == subject })
}

func (s *GrantStore) revoke(id string, allowed func(DelegationGrant) bool) (DelegationGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[id]
	if !ok || !allowed(g) {
		return DelegationGrant{}, ErrGrantNotFound
	}
	if g.RevokedAt == nil {
		at := s.now().UTC()
		g.RevokedAt = &at
		s.grants[id] = g
	}
	return g, nil
}
