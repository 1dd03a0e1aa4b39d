package retrieve

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	blobmem "github.com/saurabhbikram/scraper/internal/blob/memory"
	"github.com/saurabhbikram/scraper/internal/cache"
	"github.com/saurabhbikram/scraper/internal/fetch"
	indexmem "github.com/saurabhbikram/scraper/internal/index/memory"
	pubmem "github.com/saurabhbikram/scraper/internal/publish/memory"
)

type fakeFetcher struct {
	gets  atomic.Int64
	posts atomic.Int64

	result *fetch.Result
	err    error

	lastPostBody    []byte
	lastPostHeaders map[string]string
}

func (f *fakeFetcher) Get(_ context.Context, url string) (*fetch.Result, error) {
	f.gets.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	res := *f.result
	res.URL = url
	if res.FinalURL == "" {
		res.FinalURL = url
	}
	return &res, nil
}

func (f *fakeFetcher) Post(_ context.Context, url string, body []byte, headers map[string]string) (*fetch.Result, error) {
	f.posts.Add(1)
	f.lastPostBody = body
	f.lastPostHeaders = headers
	if f.err != nil {
		return nil, f.err
	}
	res := *f.result
	res.URL = url
	if res.FinalURL == "" {
		res.FinalURL = url
	}
	return &res, nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func htmlResult(body string) *fetch.Result {
	return &fetch.Result{
		StatusCode: 200,
		Headers:    map[string]string{"content-type": "text/html"},
		Body:       []byte(body),
	}
}

type harness struct {
	client  *Client
	fetcher *fakeFetcher
	index   *indexmem.Store
	blobs   *blobmem.Store
	clock   *fakeClock
}

func newHarness(t *testing.T, res *fetch.Result) *harness {
	t.Helper()
	fetcher := &fakeFetcher{result: res}
	idx := indexmem.New()
	blobs := blobmem.New()
	clock := &fakeClock{now: time.Now().UTC()}
	store := cache.New(idx, blobs, zap.NewNop())
	return &harness{
		client:  New(fetcher, store, nil, clock, Config{}, zap.NewNop()),
		fetcher: fetcher,
		index:   idx,
		blobs:   blobs,
		clock:   clock,
	}
}

func TestGetCachesAcrossCalls(t *testing.T) {
	t.Parallel()
	h := newHarness(t, htmlResult("page"))
	ctx := context.Background()

	first, err := h.client.Get(ctx, "http://example.com", 48*time.Hour)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, []byte("page"), first[0].Body)
	assert.True(t, first[0].DateCreated.IsZero(), "fresh responses carry no stored timestamp")

	second, err := h.client.Get(ctx, "http://example.com", 48*time.Hour)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, []byte("page"), second[0].Body)
	assert.False(t, second[0].DateCreated.IsZero(), "cache hits carry the stored timestamp")

	assert.Equal(t, int64(1), h.fetcher.gets.Load(), "the second call must be served from cache")
}

func TestGetZeroMaxAgeAlwaysFetches(t *testing.T) {
	t.Parallel()
	h := newHarness(t, htmlResult("page"))
	ctx := context.Background()

	_, err := h.client.Get(ctx, "http://example.com", 0)
	require.NoError(t, err)
	history, err := h.client.Get(ctx, "http://example.com", 0)
	require.NoError(t, err)

	assert.Equal(t, int64(2), h.fetcher.gets.Load())
	require.Len(t, history, 2, "history is append-only; refetches stack on top")
	assert.True(t, history[0].DateCreated.IsZero())
	assert.False(t, history[1].DateCreated.IsZero())
}

func TestGetRefetchesStaleEntry(t *testing.T) {
	t.Parallel()
	h := newHarness(t, htmlResult("page"))
	ctx := context.Background()

	first, err := h.client.Get(ctx, "http://example.com", 48*time.Hour)
	require.NoError(t, err)
	require.Len(t, first, 1)

	recs, err := h.index.Lookup(ctx, "http://example.com", nil)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	h.index.Backdate(recs[0].ID, h.clock.now.Add(-72*time.Hour))

	history, err := h.client.Get(ctx, "http://example.com", 48*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), h.fetcher.gets.Load())
	assert.Len(t, history, 2)
}

func TestGetNeverServesStoredNotFound(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fetch.Result{
		StatusCode: 404,
		Headers:    map[string]string{"content-type": "text/html"},
		Body:       []byte("not found"),
	})
	ctx := context.Background()

	first, err := h.client.Get(ctx, "http://example.com/gone", 48*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 404, first[0].StatusCode)

	_, err = h.client.Get(ctx, "http://example.com/gone", 48*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), h.fetcher.gets.Load(), "a stored 404 must force a refetch")
}

func TestGetSelfHealsMissingBlob(t *testing.T) {
	t.Parallel()
	h := newHarness(t, htmlResult("page"))
	ctx := context.Background()

	_, err := h.client.Get(ctx, "http://example.com", 48*time.Hour)
	require.NoError(t, err)

	recs, err := h.index.Lookup(ctx, "http://example.com", nil)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	h.blobs.Delete(cache.BlobKey(recs[0].ID))

	history, err := h.client.Get(ctx, "http://example.com", 48*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), h.fetcher.gets.Load(), "a record without its blob is a miss, not an error")
	require.Len(t, history, 1)
	assert.Equal(t, []byte("page"), history[0].Body)
	assert.Equal(t, 1, h.blobs.Len(), "the refetched blob is persisted under its new record")
}

func TestGetPassthroughWithoutCache(t *testing.T) {
	t.Parallel()
	fetcher := &fakeFetcher{result: htmlResult("live")}
	client := New(fetcher, nil, nil, &fakeClock{now: time.Now().UTC()}, Config{}, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		history, err := client.Get(ctx, "http://example.com", 48*time.Hour)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, []byte("live"), history[0].Body)
	}
	assert.Equal(t, int64(3), fetcher.gets.Load())
}

func TestGetFetchErrorPropagates(t *testing.T) {
	t.Parallel()
	h := newHarness(t, htmlResult("page"))
	h.fetcher.err = errors.New("all attempts failed")

	_, err := h.client.Get(context.Background(), "http://example.com", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all attempts failed")
}

type failingBlobStore struct {
	*blobmem.Store
}

func (f *failingBlobStore) Put(context.Context, string, []byte) error {
	return errors.New("bucket unavailable")
}

func TestGetPersistFailureIsFailClosed(t *testing.T) {
	t.Parallel()
	fetcher := &fakeFetcher{result: htmlResult("page")}
	store := cache.New(indexmem.New(), &failingBlobStore{Store: blobmem.New()}, zap.NewNop())
	client := New(fetcher, store, nil, &fakeClock{now: time.Now().UTC()}, Config{}, zap.NewNop())

	_, err := client.Get(context.Background(), "http://example.com", 0)
	require.Error(t, err, "fetched bytes that cannot be persisted are not returned")
	assert.Contains(t, err.Error(), "bucket unavailable")
}

func TestGetRecordsFinalURL(t *testing.T) {
	t.Parallel()
	res := htmlResult("landed")
	res.FinalURL = "http://example.com/new"
	h := newHarness(t, res)
	ctx := context.Background()

	first, err := h.client.Get(ctx, "http://example.com/old", 48*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/old", first[0].URL)
	assert.Equal(t, "http://example.com/new", first[0].FinalURL)

	second, err := h.client.Get(ctx, "http://example.com/old", 48*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), h.fetcher.gets.Load(), "the cache key is the requested url, not the redirect target")
	assert.Equal(t, "http://example.com/new", second[0].FinalURL)
}

func TestPostCachesByFingerprint(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fetch.Result{
		StatusCode: 200,
		Headers:    map[string]string{"content-type": "application/json"},
		Body:       []byte(`{"rows":[]}`),
	})
	ctx := context.Background()

	_, err := h.client.Post(ctx, "http://api.example.com/search",
		map[string]any{"q": "widgets", "page": 1}, nil, false)
	require.NoError(t, err)
	require.Equal(t, int64(1), h.fetcher.posts.Load())

	// Same parameters in a different order are the same request.
	history, err := h.client.Post(ctx, "http://api.example.com/search",
		map[string]any{"page": 1, "q": "widgets"}, nil, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), h.fetcher.posts.Load())
	require.Len(t, history, 1)
	assert.NotNil(t, history[0].JSON)

	// Different parameters are a different request.
	_, err = h.client.Post(ctx, "http://api.example.com/search",
		map[string]any{"q": "widgets", "page": 2}, nil, false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), h.fetcher.posts.Load())
}

func TestPostForceNewBypassesCache(t *testing.T) {
	t.Parallel()
	h := newHarness(t, htmlResult("response"))
	ctx := context.Background()
	body := map[string]any{"q": "widgets"}

	_, err := h.client.Post(ctx, "http://api.example.com/search", body, nil, false)
	require.NoError(t, err)
	_, err = h.client.Post(ctx, "http://api.example.com/search", body, nil, true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), h.fetcher.posts.Load())
}

func TestPostEncodesFormBody(t *testing.T) {
	t.Parallel()
	fetcher := &fakeFetcher{result: htmlResult("ok")}
	client := New(fetcher, nil, nil, &fakeClock{now: time.Now().UTC()}, Config{}, zap.NewNop())

	_, err := client.Post(context.Background(), "http://api.example.com",
		map[string]any{"b": 2, "a": "one"}, map[string]string{"X-Key": "k"}, false)
	require.NoError(t, err)
	assert.Equal(t, "a=one&b=2", string(fetcher.lastPostBody))
	assert.Equal(t, "k", fetcher.lastPostHeaders["X-Key"])
}

func TestAnnouncesPersistedRecords(t *testing.T) {
	t.Parallel()
	fetcher := &fakeFetcher{result: htmlResult("page")}
	store := cache.New(indexmem.New(), blobmem.New(), zap.NewNop())
	publisher := pubmem.New()
	client := New(fetcher, store, publisher, &fakeClock{now: time.Now().UTC()},
		Config{Topic: "pages-stored"}, zap.NewNop())
	ctx := context.Background()

	_, err := client.Get(ctx, "http://example.com", 0)
	require.NoError(t, err)

	msgs := publisher.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "pages-stored", msgs[0].Topic)
	payload, ok := msgs[0].Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "http://example.com", payload["url"])
	assert.Equal(t, "1.gz", payload["blob_key"])
}

func TestPublishFailureDoesNotFailRetrieval(t *testing.T) {
	t.Parallel()
	fetcher := &fakeFetcher{result: htmlResult("page")}
	store := cache.New(indexmem.New(), blobmem.New(), zap.NewNop())
	publisher := pubmem.New()
	publisher.Fail(errors.New("topic gone"))
	client := New(fetcher, store, publisher, &fakeClock{now: time.Now().UTC()},
		Config{Topic: "pages-stored"}, zap.NewNop())

	history, err := client.Get(context.Background(), "http://example.com", 0)
	require.NoError(t, err, "announcements are best effort")
	require.Len(t, history, 1)
}
