// Package postgres implements the page index on PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/saurabhbikram/scraper/internal/index"
)

const defaultRetryDelay = 2 * time.Second

// Expected schema:
//
//	CREATE TABLE pages (
//	    id BIGSERIAL PRIMARY KEY,
//	    url TEXT NOT NULL,
//	    status INT NOT NULL,
//	    headers JSONB,
//	    post_msg TEXT,
//	    date_created TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
const (
	lookupSQL = `
SELECT id, url, status, headers, post_msg, date_created
FROM pages
WHERE url = $1 AND status IN (200, 404) AND post_msg IS NOT DISTINCT FROM $2
ORDER BY date_created DESC, id DESC`

	insertSQL = `
INSERT INTO pages (url, status, headers, post_msg)
VALUES ($1, $2, $3, $4)
RETURNING id, date_created`
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN        string
	MaxConns   int32
	RetryDelay time.Duration
}

// pool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it.
type pool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store implements index.Store on a pgx connection pool. Operations that
// fail with a recoverable connection error are retried with a fixed delay
// until the context is canceled; the index assumes eventual database
// availability, unlike the bounded network retry.
type Store struct {
	pool       pool
	retryDelay time.Duration
	logger     *zap.Logger
}

// New connects a pool and returns a Store.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return newStore(p, cfg.RetryDelay, logger), nil
}

// NewWithPool constructs a Store from an existing pool (primarily for tests).
func NewWithPool(p pool, retryDelay time.Duration, logger *zap.Logger) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return newStore(p, retryDelay, logger), nil
}

func newStore(p pool, retryDelay time.Duration, logger *zap.Logger) *Store {
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: p, retryDelay: retryDelay, logger: logger}
}

// Close releases the underlying pool.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Lookup returns matching page rows, newest first.
func (s *Store) Lookup(ctx context.Context, url string, fingerprint *string) ([]index.Record, error) {
	var records []index.Record
	err := s.withRetry(ctx, "lookup", func() error {
		rows, err := s.pool.Query(ctx, lookupSQL, url, fingerprint)
		if err != nil {
			return fmt.Errorf("query pages: %w", err)
		}
		defer rows.Close()

		records = records[:0]
		for rows.Next() {
			var (
				rec         index.Record
				headersJSON []byte
			)
			if err := rows.Scan(&rec.ID, &rec.URL, &rec.StatusCode, &headersJSON, &rec.Fingerprint, &rec.CreatedAt); err != nil {
				return fmt.Errorf("scan page row: %w", err)
			}
			if len(headersJSON) > 0 {
				if err := json.Unmarshal(headersJSON, &rec.Headers); err != nil {
					return fmt.Errorf("decode headers for row %d: %w", rec.ID, err)
				}
			}
			records = append(records, rec)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate page rows: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Begin opens an index transaction.
func (s *Store) Begin(ctx context.Context) (index.Tx, error) {
	var pgtx pgx.Tx
	err := s.withRetry(ctx, "begin", func() error {
		var err error
		pgtx, err = s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &tx{tx: pgtx}, nil
}

// withRetry runs fn, sleeping a fixed delay and trying again whenever fn
// fails with a recoverable connection error. Only ctx cancellation stops
// the loop.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	for {
		err := fn()
		if err == nil || !recoverable(err) {
			return err
		}
		s.logger.Warn("index operation hit a recoverable error, retrying",
			zap.String("op", op),
			zap.Duration("delay", s.retryDelay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s retry canceled: %w", op, ctx.Err())
		case <-time.After(s.retryDelay):
		}
	}
}

func recoverable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

type tx struct {
	tx pgx.Tx
}

func (t *tx) Insert(ctx context.Context, row index.Row) (index.Record, error) {
	headersJSON, err := json.Marshal(normalizeHeaders(row.Headers))
	if err != nil {
		return index.Record{}, fmt.Errorf("marshal headers: %w", err)
	}
	rec := index.Record{
		URL:         row.URL,
		Fingerprint: row.Fingerprint,
		StatusCode:  row.StatusCode,
		Headers:     normalizeHeaders(row.Headers),
	}
	err = t.tx.QueryRow(ctx, insertSQL, row.URL, row.StatusCode, headersJSON, row.Fingerprint).
		Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return index.Record{}, fmt.Errorf("insert page row: %w", err)
	}
	return rec, nil
}

func (t *tx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback tx: %w", err)
	}
	return nil
}

func normalizeHeaders(h map[string]string) map[string]string {
	if h == nil {
		return map[string]string{}
	}
	return h
}
