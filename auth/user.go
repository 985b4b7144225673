package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// User is an authenticated wallet owner, created lazily on first
// successful sign-in. The lowercased wallet address is the natural key.
type User struct {
	ID        string
	Wallet    string
	Name      string
	CreatedAt time.Time
}

// UserStore persists users keyed by wallet.
type UserStore interface {
	// GetOrCreate returns the user for the wallet, creating it if absent.
	// Concurrent calls with the same wallet return the same user.
	GetOrCreate(ctx context.Context, wallet string) (*User, error)
	Get(ctx context.Context, id string) (*User, error)
}

// MemoryUserStore keeps users in process memory.
type MemoryUserStore struct {
	mu       sync.Mutex
	byWallet map[string]*User
	byID     map[string]*User
}

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		byWallet: make(map[string]*User),
		byID:     make(map[string]*User),
	}
}

func (s *MemoryUserStore) GetOrCreate(_ context.Context, wallet string) (*User, error) {
	key := strings.ToLower(wallet)
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.byWallet[key]; ok {
		cp := *u
		return &cp, nil
	}
	u := &User{
		ID:        uuid.NewString(),
		Wallet:    wallet,
		CreatedAt: time.Now().UTC(),
	}
	s.byWallet[key] = u
	s.byID[u.ID] = u
	cp := *u
	return &cp, nil
}

func (s *MemoryUserStore) Get(_ context.Context, id string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

var _ UserStore = (*MemoryUserStore)(nil)
