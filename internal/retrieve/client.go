// Package retrieve implements the public cached retrieval protocol: consult
// the cache store, apply the freshness policy, fetch when required, and
// write results back through the cache store.
package retrieve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/saurabhbikram/scraper/internal/cache"
	"github.com/saurabhbikram/scraper/internal/fetch"
	"github.com/saurabhbikram/scraper/internal/index"
)

// MinAge is the freshness floor: any maxAge below one day is the explicit
// always-refetch sentinel.
const MinAge = 24 * time.Hour

// Fetcher is the network capability; *fetch.Client satisfies it.
type Fetcher interface {
	Get(ctx context.Context, url string) (*fetch.Result, error)
	Post(ctx context.Context, url string, body []byte, headers map[string]string) (*fetch.Result, error)
}

// Cache is the persistence capability; *cache.Store satisfies it.
type Cache interface {
	Lookup(ctx context.Context, url string, fingerprint *string) ([]index.Record, error)
	Materialize(ctx context.Context, rec index.Record) (*cache.Response, error)
	Persist(ctx context.Context, res cache.Result, fingerprint *string) (index.Record, error)
}

// Publisher announces freshly persisted records. Failures are logged, never
// surfaced; announcements are observability, not part of the persistence
// contract.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock supplies the current time for freshness decisions.
type Clock interface {
	Now() time.Time
}

// Config controls optional orchestrator behavior.
type Config struct {
	// Topic names the announcement channel; empty disables publishing.
	Topic string
}

// Client is the retrieval orchestrator. A nil cache puts it in passthrough
// mode: every call talks directly to the network and nothing is persisted.
type Client struct {
	fetcher   Fetcher
	cache     Cache
	publisher Publisher
	clock     Clock
	cfg       Config
	logger    *zap.Logger
}

// New builds a Client. cache and publisher may be nil.
func New(fetcher Fetcher, cache Cache, publisher Publisher, clock Clock, cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		fetcher:   fetcher,
		cache:     cache,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Get returns the response history for url, most-recent-first. A fresh
// network fetch, when the freshness policy demands one, is always first.
func (c *Client) Get(ctx context.Context, target string, maxAge time.Duration) ([]*cache.Response, error) {
	if c.cache == nil {
		res, err := c.fetcher.Get(ctx, target)
		if err != nil {
			return nil, err
		}
		return []*cache.Response{fromFetch(target, res)}, nil
	}

	cached, err := c.history(ctx, target, nil)
	if err != nil {
		return nil, err
	}

	forceNew := maxAge < MinAge ||
		len(cached) == 0 ||
		cached[0].StatusCode == 404 ||
		cached[0].DateCreated.Before(c.clock.Now().Add(-maxAge))
	if !forceNew {
		return cached, nil
	}

	c.logger.Info("no usable cache entry, fetching from web", zap.String("url", target))
	res, err := c.fetcher.Get(ctx, target)
	if err != nil {
		return nil, err
	}
	fresh, err := c.persist(ctx, target, res, nil)
	if err != nil {
		return nil, err
	}
	return append([]*cache.Response{fresh}, cached...), nil
}

// Post sends body (canonically fingerprinted) and returns the response
// history for (url, fingerprint). The cache key is always the caller's url,
// never a redirected location, so repeated identical POSTs stay addressable.
func (c *Client) Post(ctx context.Context, target string, body map[string]any, headers map[string]string, forceNew bool) ([]*cache.Response, error) {
	payload := encodeForm(body)
	if c.cache == nil {
		res, err := c.fetcher.Post(ctx, target, payload, headers)
		if err != nil {
			return nil, err
		}
		return []*cache.Response{fromFetch(target, res)}, nil
	}

	fp, err := cache.Fingerprint(body)
	if err != nil {
		return nil, err
	}

	var cached []*cache.Response
	if !forceNew {
		cached, err = c.history(ctx, target, &fp)
		if err != nil {
			return nil, err
		}
		if len(cached) > 0 && cached[0].StatusCode != 404 {
			return cached, nil
		}
	}

	c.logger.Info("no usable cache entry, posting to web", zap.String("url", target))
	res, err := c.fetcher.Post(ctx, target, payload, headers)
	if err != nil {
		return nil, err
	}
	fresh, err := c.persist(ctx, target, res, &fp)
	if err != nil {
		return nil, err
	}
	return append([]*cache.Response{fresh}, cached...), nil
}

// history looks up and materializes stored entries, skipping records whose
// blob has gone missing (stale index entries self-heal via refetch).
func (c *Client) history(ctx context.Context, target string, fingerprint *string) ([]*cache.Response, error) {
	recs, err := c.cache.Lookup(ctx, target, fingerprint)
	if err != nil {
		return nil, err
	}
	out := make([]*cache.Response, 0, len(recs))
	for _, rec := range recs {
		resp, err := c.cache.Materialize(ctx, rec)
		if errors.Is(err, cache.ErrBlobMissing) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, resp)
	}
	return out, nil
}

// persist writes the fetch result under the logical url. A persistence
// failure is fail-closed: the fetched bytes are not returned and the error
// propagates, so the cache never diverges from what callers have seen.
func (c *Client) persist(ctx context.Context, target string, res *fetch.Result, fingerprint *string) (*cache.Response, error) {
	headers := make(map[string]string, len(res.Headers)+1)
	for k, v := range res.Headers {
		headers[k] = v
	}
	if res.FinalURL != "" && res.FinalURL != target {
		headers[cache.FinalURLHeader] = res.FinalURL
	}
	rec, err := c.cache.Persist(ctx, cache.Result{
		URL:        target,
		StatusCode: res.StatusCode,
		Headers:    headers,
		Body:       res.Body,
	}, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("persist %s: %w", target, err)
	}
	c.announce(ctx, rec)

	resp := fromFetch(target, res)
	resp.Headers = headers
	return resp, nil
}

func (c *Client) announce(ctx context.Context, rec index.Record) {
	if c.publisher == nil || c.cfg.Topic == "" {
		return
	}
	payload := map[string]any{
		"record_id":  rec.ID,
		"url":        rec.URL,
		"status":     rec.StatusCode,
		"blob_key":   cache.BlobKey(rec.ID),
		"created_at": rec.CreatedAt.Format(time.RFC3339),
	}
	if _, err := c.publisher.Publish(ctx, c.cfg.Topic, payload); err != nil {
		c.logger.Warn("record announcement failed",
			zap.Int64("record_id", rec.ID),
			zap.Error(err),
		)
	}
}

func fromFetch(target string, res *fetch.Result) *cache.Response {
	resp := &cache.Response{
		URL:        target,
		FinalURL:   res.FinalURL,
		StatusCode: res.StatusCode,
		Headers:    res.Headers,
		Body:       res.Body,
	}
	if resp.FinalURL == "" {
		resp.FinalURL = target
	}
	if cache.KindFor(res.Headers) == cache.KindJSON {
		// Best effort: a fresh body that fails to decode is still returned raw.
		_ = decodeJSON(res.Body, &resp.JSON)
	}
	return resp
}

func decodeJSON(data []byte, dst *any) error {
	return json.Unmarshal(data, dst)
}

func encodeForm(body map[string]any) []byte {
	values := url.Values{}
	for k, v := range body {
		values.Set(k, fmt.Sprint(v))
	}
	return []byte(values.Encode())
}
