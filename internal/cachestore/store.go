// Package cachestore holds the durable backends for persistent cache entries.
//
// A Store only moves opaque bytes with an expiry. Encoding, freshness and
// staleness belong to the cache layer above it. Every implementation reports
// a missing or expired key as ErrNotFound.
package cachestore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Load for missing or expired keys.
var ErrNotFound = errors.New("cachestore: key not found")

// DefaultQueryTimeout bounds a single backend call.
const DefaultQueryTimeout = 2 * time.Second

// Store is a small key-value backend for persistent cache entries.
type Store interface {
	// Load returns the bytes saved under key, or ErrNotFound.
	Load(ctx context.Context, key string) ([]byte, error)
	// Save writes data under key. ttl <= 0 means no expiry.
	Save(ctx context.Context, key string, data []byte, ttl time.Duration) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every key starting with prefix. An empty prefix
	// removes everything owned by the store.
	DeletePrefix(ctx context.Context, prefix string) error
}
