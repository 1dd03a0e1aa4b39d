// Package memory implements the page index in process memory for tests and
// cache-less local runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/saurabhbikram/scraper/internal/index"
)

// Store keeps records in a slice guarded by a mutex. Now is the timestamp
// source for new rows; tests may replace it to backdate entries.
type Store struct {
	Now func() time.Time

	mu      sync.Mutex
	nextID  int64
	records []index.Record
}

// New creates an empty in-memory index.
func New() *Store {
	return &Store{
		Now:    func() time.Time { return time.Now().UTC() },
		nextID: 1,
	}
}

// Lookup returns matching records, newest first.
func (s *Store) Lookup(_ context.Context, url string, fingerprint *string) ([]index.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []index.Record
	for _, rec := range s.records {
		if rec.URL != url || !fingerprintEqual(rec.Fingerprint, fingerprint) {
			continue
		}
		if rec.StatusCode != 200 && rec.StatusCode != 404 {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Begin opens a staged transaction; inserts become visible on Commit.
func (s *Store) Begin(context.Context) (index.Tx, error) {
	return &tx{store: s}, nil
}

// Backdate rewrites the CreatedAt of the record with the given ID. Test
// helper for freshness scenarios.
func (s *Store) Backdate(id int64, createdAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.records {
		if s.records[i].ID == id {
			s.records[i].CreatedAt = createdAt
		}
	}
}

type tx struct {
	store  *Store
	staged []index.Record
	done   bool
}

func (t *tx) Insert(_ context.Context, row index.Row) (index.Record, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	rec := index.Record{
		ID:          t.store.nextID,
		URL:         row.URL,
		Fingerprint: row.Fingerprint,
		StatusCode:  row.StatusCode,
		Headers:     row.Headers,
		CreatedAt:   t.store.Now(),
	}
	t.store.nextID++
	t.staged = append(t.staged, rec)
	return rec, nil
}

func (t *tx) Commit(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.records = append(t.store.records, t.staged...)
	return nil
}

func (t *tx) Rollback(context.Context) error {
	t.done = true
	t.staged = nil
	return nil
}

func fingerprintEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
