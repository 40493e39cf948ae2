// Package cache provides the best-effort snapshot cache sitting between
// the in-memory session table and the durable store. Cache failures are
// swallowed by callers: a broken cache degrades reads to the store but
// never fails a write.
package cache

import (
	"context"
	"time"
)

// Cache is a byte-oriented key-value cache with per-key TTL.
type Cache interface {
	// Get returns the value for key. The second return is false on a miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores the value under key with the given TTL. A TTL of zero
	// means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Close releases the underlying connection.
	Close() error
}

// SessionKey returns the cache key for a session snapshot.
func SessionKey(sessionID string) string {
	return "jelmore:session:" + sessionID
}
