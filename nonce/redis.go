package nonce

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "nonce:"

// claimScript is the atomic conditional update: mark the token used if and
// only if it is currently unused and unexpired. Running as a Lua script
// makes the read-check-write a single operation on the shared store, which
// is what closes the time-of-check-to-time-of-use race between concurrent
// claimers.
//
// ARGV[1] = used-at (RFC3339), ARGV[2] = claimant, ARGV[3] = now (unix).
var claimScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return 'not_found'
end
local token = cjson.decode(raw)
if tonumber(ARGV[3]) >= token.expiresAtUnix then
  return 'expired'
end
if token.usedAt then
  return 'already_used'
end
token.usedAt = ARGV[1]
token.claimedBy = ARGV[2]
redis.call('SET', KEYS[1], cjson.encode(token), 'KEEPTTL')
return raw
`)

// redisToken is the stored representation. expiresAtUnix duplicates
// ExpiresAt so the claim script can compare without parsing RFC3339.
type redisToken struct {
	Value         string `json:"value"`
	Scope         string `json:"scope"`
	CreatedAt     string `json:"createdAt"`
	ExpiresAt     string `json:"expiresAt"`
	ExpiresAtUnix int64  `json:"expiresAtUnix"`
	UsedAt        string `json:"usedAt,omitempty"`
	ClaimedBy     string `json:"claimedBy,omitempty"`
}

// RedisStore implements Store over a shared Redis backend, so claim-once
// semantics hold across a load-balanced cluster of server processes.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed single-use token store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Issue creates a fresh unused token with the given scope and TTL. The
// Redis key outlives the logical expiry by a retention window so that a
// late claim reports "expired" instead of "not found".
func (s *RedisStore) Issue(ctx context.Context, scope string, ttl time.Duration) (*Token, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("ttl must be positive")
	}
	value, err := randomValue()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	expiresAt := now.Add(ttl)
	stored := redisToken{
		Value:         value,
		Scope:         scope,
		CreatedAt:     now.Format(time.RFC3339Nano),
		ExpiresAt:     expiresAt.Format(time.RFC3339Nano),
		ExpiresAtUnix: expiresAt.Unix(),
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to encode token: %w", err)
	}

	ok, err := s.client.SetNX(ctx, redisKeyPrefix+value, raw, ttl+retention).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to store token: %w", err)
	}
	if !ok {
		// 256-bit random values do not collide; a hit means key reuse.
		return nil, fmt.Errorf("token value collision")
	}

	return &Token{
		Value:     value,
		Scope:     scope,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}, nil
}

// Register records an externally supplied value as an unused token. SetNX
// leaves an existing value untouched, so concurrent registrations of the
// same nonce are harmless; the subsequent Claim decides the winner.
func (s *RedisStore) Register(ctx context.Context, scope, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive")
	}
	if value == "" {
		return fmt.Errorf("value must not be empty")
	}

	now := time.Now().UTC()
	expiresAt := now.Add(ttl)
	stored := redisToken{
		Value:         value,
		Scope:         scope,
		CreatedAt:     now.Format(time.RFC3339Nano),
		ExpiresAt:     expiresAt.Format(time.RFC3339Nano),
		ExpiresAtUnix: expiresAt.Unix(),
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}

	if err := s.client.SetNX(ctx, redisKeyPrefix+value, raw, ttl+retention).Err(); err != nil {
		return fmt.Errorf("failed to register token: %w", err)
	}
	return nil
}

// Claim atomically marks the token used via the Lua conditional update.
func (s *RedisStore) Claim(ctx context.Context, value, claimant string, now time.Time) (ClaimResult, error) {
	res, err := claimScript.Run(ctx, s.client,
		[]string{redisKeyPrefix + value},
		now.UTC().Format(time.RFC3339Nano),
		claimant,
		now.Unix(),
	).Result()
	if err != nil {
		if err == redis.Nil {
			return ClaimResult{Status: StatusNotFound}, nil
		}
		return ClaimResult{}, fmt.Errorf("failed to claim token: %w", err)
	}

	raw, ok := res.(string)
	if !ok {
		return ClaimResult{}, fmt.Errorf("unexpected claim script result type %T", res)
	}

	switch raw {
	case "not_found":
		return ClaimResult{Status: StatusNotFound}, nil
	case "expired":
		return ClaimResult{Status: StatusExpired}, nil
	case "already_used":
		return ClaimResult{Status: StatusAlreadyUsed}, nil
	}

	var stored redisToken
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return ClaimResult{}, fmt.Errorf("failed to decode claimed token: %w", err)
	}
	token, err := stored.toToken()
	if err != nil {
		return ClaimResult{}, err
	}
	used := now.UTC()
	token.UsedAt = &used
	token.ClaimedBy = claimant
	return ClaimResult{Status: StatusClaimed, Token: token}, nil
}

func (t redisToken) toToken() (*Token, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token createdAt: %w", err)
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, t.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token expiresAt: %w", err)
	}
	return &Token{
		Value:     t.Value,
		Scope:     t.Scope,
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
	}, nil
}

// Ensure RedisStore implements Store
var _ Store = (*RedisStore)(nil)
