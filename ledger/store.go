package ledger

import (
	"context"
	"errors"
)

var (
	// ErrSessionNotFound is returned by stores for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned by Create on id collision.
	ErrSessionExists = errors.New("session already exists")
	// ErrBalanceNotConserved aborts an update whose callback broke the
	// conservation invariant. No store may ever commit such a state.
	ErrBalanceNotConserved = errors.New("balance conservation violated")
)

// Store persists sessions. Update is the only mutation path after Create:
// it runs fn against the current record as an atomic read-modify-write
// scoped to that session id, commits only if fn returns nil and the
// resulting balance is conserved, and returns a snapshot of the committed
// state. Contention is per session; distinct sessions never block each
// other.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error)
	ListByPayer(ctx context.Context, payer string) ([]*Session, error)
	ListByReceiver(ctx context.Context, receiver string) ([]*Session, error)
}
