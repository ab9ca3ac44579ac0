package gate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// verificationCache provides idempotency for on-chain verification by
// caching results per transaction signature and tracking in-flight checks.
// Concurrent requests presenting the same signature collapse into one RPC
// verification; the losers wait for the winner's result instead of racing
// it.
type verificationCache struct {
	mu       sync.Mutex
	results  map[string]*verificationResult
	expiry   map[string]time.Time
	inFlight map[string]chan struct{}
	ttl      time.Duration
}

// verificationResult is the cached outcome of one verification attempt.
type verificationResult struct {
	Verified bool
}

func newVerificationCache(ttl time.Duration) *verificationCache {
	return &verificationCache{
		results:  make(map[string]*verificationResult),
		expiry:   make(map[string]time.Time),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
	}
}

// cacheKey derives the cache key from a transaction signature.
func cacheKey(signature string) string {
	hash := sha256.Sum256([]byte(signature))
	return hex.EncodeToString(hash[:])
}

// verificationStatus represents the result of checking the cache.
type verificationStatus int

const (
	// statusNotFound means no cached result and no in-flight check.
	statusNotFound verificationStatus = iota
	// statusCached means a cached result was found.
	statusCached
	// statusInFlight means another request is currently verifying this signature.
	statusInFlight
)

// checkAndMark atomically checks the cache and marks the key as in-flight
// if needed. Returns:
// - statusCached + result if a cached result exists
// - statusInFlight + wait channel if another request is verifying
// - statusNotFound + done channel if this request should proceed (now marked in-flight)
func (c *verificationCache) checkAndMark(key string) (verificationStatus, *verificationResult, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if expiry, exists := c.expiry[key]; exists {
		if time.Now().Before(expiry) {
			if result, ok := c.results[key]; ok {
				return statusCached, result, nil
			}
		}
		// Expired - clean it up
		delete(c.results, key)
		delete(c.expiry, key)
	}

	if done, exists := c.inFlight[key]; exists {
		return statusInFlight, nil, done
	}

	done := make(chan struct{})
	c.inFlight[key] = done
	return statusNotFound, nil, done
}

// waitForResult waits for an in-flight check to complete, respecting
// context cancellation. Returns nil if the in-flight check failed without
// caching a result.
func (c *verificationCache) waitForResult(ctx context.Context, key string, done chan struct{}) (*verificationResult, error) {
	select {
	case <-done:
		return c.get(key), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// get retrieves a cached result if it exists and hasn't expired.
func (c *verificationCache) get(key string) *verificationResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, exists := c.expiry[key]
	if !exists {
		return nil
	}
	if time.Now().After(expiry) {
		delete(c.results, key)
		delete(c.expiry, key)
		return nil
	}
	return c.results[key]
}

// complete caches the verification outcome, removes the in-flight marker,
// and signals any waiting goroutines.
func (c *verificationCache) complete(key string, result *verificationResult, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.results[key] = result
	c.expiry[key] = time.Now().Add(c.ttl)

	delete(c.inFlight, key)
	close(done)

	// Lazy cleanup of expired entries
	c.cleanupExpiredLocked()
}

// fail removes the in-flight marker without caching a result, allowing the
// verification to be retried.
func (c *verificationCache) fail(key string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, key)
	close(done)
}

// cleanupExpiredLocked removes expired entries. Must be called with lock held.
func (c *verificationCache) cleanupExpiredLocked() {
	now := time.Now()
	for key, expiry := range c.expiry {
		if now.After(expiry) {
			delete(c.results, key)
			delete(c.expiry, key)
		}
	}
}
