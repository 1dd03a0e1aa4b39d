// Package fetch implements the retrying, proxy-rotating HTTP fetch client.
// It issues single GET or POST requests; link discovery, scheduling, and
// caching live elsewhere.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultMaxAttempts = 9
	defaultBackoffUnit = time.Second
	defaultTimeout     = 30 * time.Second
)

// Config controls fetch behavior.
type Config struct {
	// Proxies lists host:port endpoints; one is picked uniformly at random
	// for every attempt. Empty means direct fetches.
	Proxies []string
	// MaxAttempts bounds the total tries per call (default 9).
	MaxAttempts int
	// BackoffUnit scales the linear backoff: attempt n sleeps n units
	// before retrying (default 1s).
	BackoffUnit time.Duration
	// Timeout applies per attempt (default 30s).
	Timeout   time.Duration
	UserAgent string
}

// Result is one successful HTTP exchange. Header keys are lower-cased.
type Result struct {
	URL        string
	FinalURL   string
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// Client fetches URLs with bounded retry. Each proxy gets its own transport
// built at construction time; nothing is shared across calls beyond the
// connection pools, so per-call state cannot leak.
type Client struct {
	cfg     Config
	direct  *http.Client
	proxied []*http.Client
	logger  *zap.Logger

	// seams for tests
	sleep func(ctx context.Context, d time.Duration) error
	pick  func(n int) int
}

// New builds a Client. Proxy entries may omit the scheme; http:// is assumed.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BackoffUnit <= 0 {
		cfg.BackoffUnit = defaultBackoffUnit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		cfg:    cfg,
		direct: &http.Client{Transport: newTransport(nil), Timeout: cfg.Timeout},
		logger: logger,
		sleep:  sleepContext,
		pick:   rand.Intn,
	}
	for _, p := range cfg.Proxies {
		proxyURL, err := parseProxy(p)
		if err != nil {
			return nil, err
		}
		c.proxied = append(c.proxied, &http.Client{
			Transport: newTransport(proxyURL),
			Timeout:   cfg.Timeout,
		})
	}
	return c, nil
}

// Get fetches url with the retry policy.
func (c *Client) Get(ctx context.Context, url string) (*Result, error) {
	return c.do(ctx, http.MethodGet, url, nil, nil)
}

// Post sends body to url with the retry policy. Request headers are applied
// to every attempt.
func (c *Client) Post(ctx context.Context, url string, body []byte, headers map[string]string) (*Result, error) {
	return c.do(ctx, http.MethodPost, url, body, headers)
}

func (c *Client) do(ctx context.Context, method, target string, body []byte, headers map[string]string) (*Result, error) {
	for attempt := 1; ; attempt++ {
		hc, proxy := c.pickClient()
		res, err := c.once(ctx, hc, method, target, body, headers)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("fetch %s canceled: %w", target, ctx.Err())
		}
		c.logger.Warn("fetch attempt failed",
			zap.String("url", target),
			zap.String("method", method),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.cfg.MaxAttempts),
			zap.String("proxy", proxy),
			zap.Error(err),
		)
		if attempt >= c.cfg.MaxAttempts {
			return nil, err
		}
		if serr := c.sleep(ctx, time.Duration(attempt)*c.cfg.BackoffUnit); serr != nil {
			return nil, serr
		}
	}
}

// once performs a single attempt and classifies any failure. A 404 response
// is a successful result; other non-2xx statuses are retryable errors.
func (c *Client) once(ctx context.Context, hc *http.Client, method, target string, body []byte, headers map[string]string) (*Result, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", target, err)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if method == http.MethodPost && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	usedProxy := hc != c.direct
	resp, err := hc.Do(req)
	if err != nil {
		return nil, classify(target, err, usedProxy)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindTruncated, URL: target, Err: err}
	}
	if resp.StatusCode != http.StatusNotFound &&
		(resp.StatusCode < 200 || resp.StatusCode >= 300) {
		return nil, &Error{Kind: KindStatus, URL: target, StatusCode: resp.StatusCode}
	}
	return &Result{
		URL:        target,
		FinalURL:   resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Headers:    flattenHeaders(resp.Header),
		Body:       data,
	}, nil
}

func (c *Client) pickClient() (*http.Client, string) {
	if len(c.proxied) == 0 {
		return c.direct, ""
	}
	i := c.pick(len(c.proxied))
	return c.proxied[i], c.cfg.Proxies[i]
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, values := range h {
		out[strings.ToLower(k)] = strings.Join(values, ", ")
	}
	return out
}

func parseProxy(raw string) (*url.URL, error) {
	s := raw
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("parse proxy %q: %w", raw, err)
	}
	return u, nil
}

func newTransport(proxy *url.URL) *http.Transport {
	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
	if proxy != nil {
		t.Proxy = http.ProxyURL(proxy)
	}
	return t
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
