package httpapi

import (
	"sync"
	"time"

	escrow "github.com/x402-labs/escrow"
)

// supportedCache memoizes the discovery response for a short TTL. The
// payload is stable but assembling it walks the whole network registry,
// and agents poll the endpoint aggressively.
type supportedCache struct {
	mu        sync.Mutex
	ttl       time.Duration
	cached    *escrow.SupportedResponse
	expiresAt time.Time
}

func newSupportedCache(ttl time.Duration) *supportedCache {
	return &supportedCache{ttl: ttl}
}

func (c *supportedCache) get(build func() *escrow.SupportedResponse) *escrow.SupportedResponse {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if c.cached != nil && now.Before(c.expiresAt) {
		return c.cached
	}
	c.cached = build()
	c.expiresAt = now.Add(c.ttl)
	return c.cached
}
