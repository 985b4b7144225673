package nonce

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// retention keeps expired tokens visible long enough that a late claim
// reports "expired" instead of "not found".
const retention = time.Hour

// InMemoryStore provides an in-memory implementation of Store.
//
// Suitable for single-instance deployments where token state doesn't need
// to be shared across processes. For distributed deployments use the Redis
// store, which provides the same claim-once semantics over a shared
// backend.
type InMemoryStore struct {
	mu     sync.Mutex
	tokens map[string]*Token
}

// NewInMemoryStore creates a new in-memory single-use token store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{tokens: make(map[string]*Token)}
}

// Issue creates a fresh unused token with the given scope and TTL.
func (s *InMemoryStore) Issue(_ context.Context, scope string, ttl time.Duration) (*Token, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("ttl must be positive")
	}
	value, err := randomValue()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	token := &Token{
		Value:     value,
		Scope:     scope,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[value] = token
	s.cleanupLocked(now)
	return copyToken(token), nil
}

// Register records an externally supplied value as an unused token.
// A value already present is left untouched.
func (s *InMemoryStore) Register(_ context.Context, scope, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive")
	}
	if value == "" {
		return fmt.Errorf("value must not be empty")
	}

	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[value]; ok {
		return nil
	}
	s.tokens[value] = &Token{
		Value:     value,
		Scope:     scope,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	return nil
}

// Claim atomically marks the token used if it is currently unused and
// unexpired. Exactly one of N concurrent claims succeeds.
func (s *InMemoryStore) Claim(_ context.Context, value, claimant string, now time.Time) (ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[value]
	if !ok {
		return ClaimResult{Status: StatusNotFound}, nil
	}
	if !now.Before(token.ExpiresAt) {
		return ClaimResult{Status: StatusExpired}, nil
	}
	if token.UsedAt != nil {
		return ClaimResult{Status: StatusAlreadyUsed}, nil
	}

	used := now.UTC()
	token.UsedAt = &used
	token.ClaimedBy = claimant
	return ClaimResult{Status: StatusClaimed, Token: copyToken(token)}, nil
}

// cleanupLocked removes tokens expired beyond the retention window.
// Must be called with the lock held.
func (s *InMemoryStore) cleanupLocked(now time.Time) {
	for value, token := range s.tokens {
		if now.After(token.ExpiresAt.Add(retention)) {
			delete(s.tokens, value)
		}
	}
}

func randomValue() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token value: %w", err)
	}
	return "0x" + hex.EncodeToString(buf), nil
}

func copyToken(t *Token) *Token {
	cp := *t
	if t.UsedAt != nil {
		used := *t.UsedAt
		cp.UsedAt = &used
	}
	return &cp
}

// Ensure InMemoryStore implements Store
var _ Store = (*InMemoryStore)(nil)
