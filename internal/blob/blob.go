// Package blob defines the blob storage capability consumed by the cache
// store. Implementations hold raw bytes only; compression is the caller's
// responsibility.
package blob

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no object exists under the key.
var ErrNotFound = errors.New("blob not found")

// Store reads and writes raw blobs keyed by opaque strings. Implementations
// must be safe for concurrent use by multiple goroutines.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}
