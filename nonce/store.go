// Package nonce implements the single-use token store: values that can be
// consumed exactly once via an atomic conditional claim. The same primitive
// backs authentication nonces and session authorization nonces.
package nonce

import (
	"context"
	"time"

	escrow "github.com/x402-labs/escrow"
)

// Scopes used by the server.
const (
	ScopeAuth          = "auth"
	ScopeAuthorization = "authorization"
)

// Token is a single-use value. UsedAt is set at most once, and only while
// the token is unexpired.
type Token struct {
	Value     string     `json:"value"`
	Scope     string     `json:"scope"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt time.Time  `json:"expiresAt"`
	UsedAt    *time.Time `json:"usedAt,omitempty"`
	ClaimedBy string     `json:"claimedBy,omitempty"`
}

// Status is the outcome of a claim attempt. The three failure modes are
// distinguished so callers can surface retry-vs-forbidden semantics.
type Status int

const (
	// StatusClaimed means this caller won the claim.
	StatusClaimed Status = iota
	// StatusNotFound means no token with that value exists.
	StatusNotFound
	// StatusExpired means the token exists but its TTL elapsed unused.
	StatusExpired
	// StatusAlreadyUsed means another caller claimed the token first.
	StatusAlreadyUsed
)

func (s Status) String() string {
	switch s {
	case StatusClaimed:
		return "claimed"
	case StatusNotFound:
		return "not_found"
	case StatusExpired:
		return "expired"
	case StatusAlreadyUsed:
		return "already_used"
	default:
		return "unknown"
	}
}

// ClaimResult reports the outcome of Claim. Token is set only on success.
type ClaimResult struct {
	Status Status
	Token  *Token
}

// Err maps a failed claim to the error taxonomy; nil on success.
func (r ClaimResult) Err() error {
	switch r.Status {
	case StatusClaimed:
		return nil
	case StatusNotFound:
		return escrow.NewNotFound("nonce", "")
	case StatusExpired:
		return escrow.NewAuthenticationError(escrow.ReasonNonceExpired, "nonce expired")
	case StatusAlreadyUsed:
		return escrow.NewAuthenticationError(escrow.ReasonNonceAlreadyUsed, "nonce already used")
	default:
		return escrow.NewValidationError("unknown claim status %d", r.Status)
	}
}

// Store issues and atomically claims single-use tokens.
//
// Claim must behave as "mark used if and only if currently unused and
// unexpired, and report whether that update took effect" as one atomic
// operation. Of N concurrent claims on one value, exactly one observes
// StatusClaimed. A successful claim records the claimant identity for
// audit and anti-replay correlation.
// Register records an externally supplied value (such as an authorization
// nonce chosen by the payer's wallet) as an unused token. Registering a
// value that already exists is a no-op, so concurrent callers can all
// Register and then race on Claim, and exactly one wins.
type Store interface {
	Issue(ctx context.Context, scope string, ttl time.Duration) (*Token, error)
	Register(ctx context.Context, scope, value string, ttl time.Duration) error
	Claim(ctx context.Context, value, claimant string, now time.Time) (ClaimResult, error)
}
