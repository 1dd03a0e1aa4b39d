package cache

import (
	"strings"
	"time"
)

// FinalURLHeader is the synthetic header recording the post-redirect URL
// when it differs from the requested one.
const FinalURLHeader = "x-final-url"

// Result is a fetched response handed to Persist. Header keys must be
// lower-cased; URL is the logical cache key, never a redirected location.
type Result struct {
	URL        string
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// Response is a materialized cache entry or a fresh fetch returned to
// callers. DateCreated is non-zero only when the response came from cache.
type Response struct {
	URL         string
	FinalURL    string
	StatusCode  int
	Headers     map[string]string
	Body        []byte
	JSON        any
	DateCreated time.Time
}

// Kind is the coarse content classification driving materialization.
type Kind string

// Supported content kinds.
const (
	KindHTML Kind = "html"
	KindJSON Kind = "json"
	KindRaw  Kind = "raw"
)

// KindFor maps a response's content-type header to a Kind. Absent headers
// default to HTML, matching the dominant crawl workload.
func KindFor(headers map[string]string) Kind {
	ct, ok := headers["content-type"]
	if !ok {
		return KindHTML
	}
	switch {
	case strings.Contains(ct, "html"):
		return KindHTML
	case strings.Contains(ct, "json"):
		return KindJSON
	default:
		return KindRaw
	}
}
