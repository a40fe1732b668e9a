// Package cache provides the two-tier image cache used by the coordinator: an
// in-process LRU of decoded images in front of a persistent blob store.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
)

// ErrNotFound is returned by a BlobStore when a key has no stored bytes.
var ErrNotFound = errors.New("key not found in store")

// BlobStore is the persistent ("disk") tier. Values are encoded image bytes.
type BlobStore interface {
	// Get returns the stored bytes, or an error wrapping ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Exists reports whether the key is stored.
	Exists(ctx context.Context, key string) (bool, error)
	// Put stores the bytes, replacing any previous value.
	Put(ctx context.Context, key string, data []byte) error
	io.Closer
}

// KeyHash maps an arbitrary cache key (usually a URL) onto a fixed-length
// name safe for object paths and document IDs.
func KeyHash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
