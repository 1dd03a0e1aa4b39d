// Package index defines the relational metadata index that maps request
// identity (url plus optional body fingerprint) to the history of stored
// responses. Records are append-only: they are never mutated, only
// superseded by newer rows for the same key.
package index

import (
	"context"
	"time"
)

// Record is one persisted page row. ID and CreatedAt are store-assigned;
// IDs are monotonically ordered by creation.
type Record struct {
	ID          int64
	URL         string
	Fingerprint *string
	StatusCode  int
	Headers     map[string]string
	CreatedAt   time.Time
}

// Row is the insert payload for a new record.
type Row struct {
	URL         string
	Fingerprint *string
	StatusCode  int
	Headers     map[string]string
}

// Store provides lookups and transactional inserts over the page index.
// Implementations must be safe for concurrent use.
type Store interface {
	// Lookup returns records for exactly (url, fingerprint), newest first.
	// Only rows with status 200 or 404 are returned; a leading 404 tells the
	// caller the last fetch found nothing and a refetch is due.
	Lookup(ctx context.Context, url string, fingerprint *string) ([]Record, error)

	// Begin opens a transaction for an insert that must commit or roll back
	// together with an external blob write.
	Begin(ctx context.Context) (Tx, error)
}

// Tx is a single-insert index transaction.
type Tx interface {
	// Insert adds a row and returns it with the store-assigned ID and
	// CreatedAt. The row is invisible to Lookup until Commit.
	Insert(ctx context.Context, row Row) (Record, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
