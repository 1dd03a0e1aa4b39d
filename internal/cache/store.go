// Package cache owns the mapping from request identity to stored responses.
// It persists new entries transactionally across the metadata index and the
// blob store and reconstructs responses from stored entries.
package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/saurabhbikram/scraper/internal/blob"
	"github.com/saurabhbikram/scraper/internal/index"
)

// ErrBlobMissing reports an index record whose blob is absent. Callers must
// treat it as a cache miss, never as a fetch failure; the gap self-heals on
// the next persist.
var ErrBlobMissing = errors.New("blob missing for cache record")

// Store coordinates the metadata index and the blob store. It holds no
// client-side locks; consistency comes from the index transaction boundary.
type Store struct {
	index  index.Store
	blobs  blob.Store
	logger *zap.Logger
}

// New builds a Store.
func New(idx index.Store, blobs blob.Store, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{index: idx, blobs: blobs, logger: logger}
}

// BlobKey derives the storage key for a record. The layout is uniform; the
// content kind only matters when materializing.
func BlobKey(id int64) string {
	return fmt.Sprintf("%d.gz", id)
}

// Lookup returns the stored history for (url, fingerprint), newest first.
func (s *Store) Lookup(ctx context.Context, url string, fingerprint *string) ([]index.Record, error) {
	recs, err := s.index.Lookup(ctx, url, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", url, err)
	}
	return recs, nil
}

// Materialize reconstructs a typed response from a record and its blob.
func (s *Store) Materialize(ctx context.Context, rec index.Record) (*Response, error) {
	key := BlobKey(rec.ID)
	compressed, err := s.blobs.Get(ctx, key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			s.logger.Warn("index record has no blob, treating as miss",
				zap.Int64("id", rec.ID),
				zap.String("url", rec.URL),
			)
			return nil, ErrBlobMissing
		}
		return nil, fmt.Errorf("get blob %s: %w", key, err)
	}
	body, err := gunzip(compressed)
	if err != nil {
		return nil, fmt.Errorf("decompress blob %s: %w", key, err)
	}
	resp := &Response{
		URL:         rec.URL,
		FinalURL:    rec.URL,
		StatusCode:  rec.StatusCode,
		Headers:     rec.Headers,
		Body:        body,
		DateCreated: rec.CreatedAt,
	}
	if final, ok := rec.Headers[FinalURLHeader]; ok {
		resp.FinalURL = final
	}
	if KindFor(rec.Headers) == KindJSON {
		if err := json.Unmarshal(body, &resp.JSON); err != nil {
			return nil, fmt.Errorf("decode json payload for record %d: %w", rec.ID, err)
		}
	}
	return resp, nil
}

// Persist stores a fetched result: the metadata row and the compressed blob
// commit or fail together. The row is inserted first to obtain its ID, the
// blob is written under that ID, and the transaction commits only after the
// blob write succeeds. A failed write rolls the row back so Lookup can
// never observe a record without its blob.
func (s *Store) Persist(ctx context.Context, res Result, fingerprint *string) (index.Record, error) {
	tx, err := s.index.Begin(ctx)
	if err != nil {
		return index.Record{}, fmt.Errorf("begin index tx: %w", err)
	}
	rec, err := tx.Insert(ctx, index.Row{
		URL:         res.URL,
		Fingerprint: fingerprint,
		StatusCode:  res.StatusCode,
		Headers:     res.Headers,
	})
	if err != nil {
		s.rollback(ctx, tx)
		return index.Record{}, fmt.Errorf("insert record for %s: %w", res.URL, err)
	}
	compressed, err := gzipBytes(res.Body)
	if err != nil {
		s.rollback(ctx, tx)
		return index.Record{}, fmt.Errorf("compress body for record %d: %w", rec.ID, err)
	}
	if err := s.blobs.Put(ctx, BlobKey(rec.ID), compressed); err != nil {
		s.logger.Warn("blob write failed, rolling back index row",
			zap.Int64("id", rec.ID),
			zap.String("url", res.URL),
			zap.Error(err),
		)
		s.rollback(ctx, tx)
		return index.Record{}, fmt.Errorf("put blob for record %d: %w", rec.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return index.Record{}, fmt.Errorf("commit record %d: %w", rec.ID, err)
	}
	return rec, nil
}

func (s *Store) rollback(ctx context.Context, tx index.Tx) {
	if err := tx.Rollback(ctx); err != nil {
		s.logger.Warn("index tx rollback failed", zap.Error(err))
	}
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = zr.Close() }()
	return io.ReadAll(zr)
}
