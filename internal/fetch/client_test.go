package fetch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestGetSuccess(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Add("X-Multi", "a")
		w.Header().Add("X-Multi", "b")
		_, _ = w.Write([]byte("<html>hello</html>"))
	}))
	defer srv.Close()

	c := newTestClient(t, Config{UserAgent: "test-agent"})
	res, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, srv.URL, res.URL)
	assert.Equal(t, []byte("<html>hello</html>"), res.Body)
	assert.Equal(t, "text/html; charset=utf-8", res.Headers["content-type"])
	assert.Equal(t, "a, b", res.Headers["x-multi"])
}

func TestGetRecordsFinalURLAfterRedirect(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/target", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("landed"))
	})
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/target", http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, Config{})
	res, err := c.Get(context.Background(), srv.URL+"/start")
	require.NoError(t, err)

	assert.Equal(t, srv.URL+"/start", res.URL)
	assert.Equal(t, srv.URL+"/target", res.FinalURL)
	assert.Equal(t, []byte("landed"), res.Body)
}

func TestGetNotFoundIsSuccess(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, Config{MaxAttempts: 3})
	res, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.Equal(t, 404, res.StatusCode)
	assert.Equal(t, int64(1), hits.Load(), "404 must not be retried")
}

func TestRetryBudgetExhausted(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := New(Config{MaxAttempts: 9, BackoffUnit: time.Millisecond}, zap.NewNop())
	require.NoError(t, err)

	var sleeps []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}

	_, err = c.Get(context.Background(), srv.URL)
	require.Error(t, err)

	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindStatus, fe.Kind)
	assert.Equal(t, 500, fe.StatusCode)

	assert.Equal(t, int64(9), hits.Load())
	require.Len(t, sleeps, 8, "no sleep after the final attempt")
	for i := 1; i < len(sleeps); i++ {
		assert.Greater(t, sleeps[i], sleeps[i-1], "backoff must grow with the attempt number")
	}
	assert.Equal(t, time.Millisecond, sleeps[0])
	assert.Equal(t, 8*time.Millisecond, sleeps[7])
}

func TestRetrySucceedsMidway(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "flaky", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := newTestClient(t, Config{MaxAttempts: 5})
	res, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), res.Body)
	assert.Equal(t, int64(3), hits.Load())
}

func TestPostSendsBodyAndHeaders(t *testing.T) {
	t.Parallel()
	type seen struct {
		body        string
		contentType string
		custom      string
	}
	var got seen
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		got = seen{
			body:        string(data),
			contentType: r.Header.Get("Content-Type"),
			custom:      r.Header.Get("X-Api-Key"),
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := newTestClient(t, Config{})
	res, err := c.Post(context.Background(), srv.URL, []byte("a=1&b=2"), map[string]string{"X-Api-Key": "secret"})
	require.NoError(t, err)

	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "a=1&b=2", got.body)
	assert.Equal(t, "application/x-www-form-urlencoded", got.contentType)
	assert.Equal(t, "secret", got.custom)
}

func TestPostKeepsExplicitContentType(t *testing.T) {
	t.Parallel()
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, Config{})
	_, err := c.Post(context.Background(), srv.URL, []byte(`{"a":1}`), map[string]string{"Content-Type": "application/json"})
	require.NoError(t, err)
	assert.Equal(t, "application/json", contentType)
}

func TestContextCancelStopsRetry(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := newTestClient(t, Config{MaxAttempts: 9})
	c.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := c.Get(ctx, srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProxyRotationPicksPerAttempt(t *testing.T) {
	t.Parallel()
	c, err := New(Config{
		Proxies:     []string{"proxy-a:3128", "proxy-b:3128", "proxy-c:3128"},
		MaxAttempts: 3,
	}, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, c.proxied, 3)

	var picks []int
	c.pick = func(n int) int {
		assert.Equal(t, 3, n)
		p := len(picks) % n
		picks = append(picks, p)
		return p
	}

	hc, proxy := c.pickClient()
	assert.Same(t, c.proxied[0], hc)
	assert.Equal(t, "proxy-a:3128", proxy)

	hc, proxy = c.pickClient()
	assert.Same(t, c.proxied[1], hc)
	assert.Equal(t, "proxy-b:3128", proxy)

	assert.Equal(t, []int{0, 1}, picks)
}

func TestParseProxyAddsScheme(t *testing.T) {
	t.Parallel()
	u, err := parseProxy("10.0.0.1:3128")
	require.NoError(t, err)
	assert.Equal(t, "http", u.Scheme)
	assert.Equal(t, "10.0.0.1:3128", u.Host)

	u, err = parseProxy("socks5://10.0.0.2:1080")
	require.NoError(t, err)
	assert.Equal(t, "socks5", u.Scheme)
}

func TestTransportErrorIsClassified(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, Config{MaxAttempts: 2, Timeout: time.Second})
	_, err := c.Get(context.Background(), "http://127.0.0.1:1")
	require.Error(t, err)

	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindTransport, fe.Kind)
	assert.Error(t, fe.Err)
}
