package keycache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/lestrrat-go/httpcc"
	"github.com/sirupsen/logrus"
)

// maxDocumentSize bounds the key document body.
const maxDocumentSize = 1 << 20

// Resource is a fetched key document and the lifetime its server announced.
type Resource struct {
	Body   []byte
	MaxAge time.Duration
}

// Fetcher retrieves a key document.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Resource, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, url string) (*Resource, error)

func (f FetcherFunc) Fetch(ctx context.Context, url string) (*Resource, error) { return f(ctx, url) }

// HTTPFetcherConfig tunes NewHTTPFetcher.
type HTTPFetcherConfig struct {
	RetryMax int           // retries after the first attempt; default 2, negative means none
	Timeout  time.Duration // per attempt; default 10s
	Logger   logrus.FieldLogger
}

// HTTPFetcher fetches key documents over HTTP with bounded retries.
type HTTPFetcher struct {
	client *retryablehttp.Client
}

// NewHTTPFetcher builds a fetcher on a retrying HTTP client.
func NewHTTPFetcher(cfg HTTPFetcherConfig) *HTTPFetcher {
	c := retryablehttp.NewClient()
	switch {
	case cfg.RetryMax < 0:
		c.RetryMax = 0
	case cfg.RetryMax == 0:
		c.RetryMax = 2
	default:
		c.RetryMax = cfg.RetryMax
	}
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.HTTPClient.Timeout = cfg.Timeout
	if c.HTTPClient.Timeout <= 0 {
		c.HTTPClient.Timeout = 10 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	c.Logger = retryLogger{log: log.WithField("component", "keycache.fetch")}
	return &HTTPFetcher{client: c}
}

// Fetch performs a GET and reads the body and Cache-Control lifetime.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*Resource, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &Resource{Body: body, MaxAge: MaxAge(resp.Header.Get("Cache-Control"))}, nil
}

// MaxAge extracts the cache lifetime from a Cache-Control header value.
// s-maxage wins over max-age; anything unparseable yields zero.
func MaxAge(cacheControl string) time.Duration {
	if cacheControl == "" {
		return 0
	}
	dir, err := httpcc.ParseResponse(cacheControl)
	if err != nil {
		return 0
	}
	if v, ok := dir.SMaxAge(); ok {
		return time.Duration(v) * time.Second
	}
	if v, ok := dir.MaxAge(); ok {
		return time.Duration(v) * time.Second
	}
	return 0
}

// retryLogger sends retryablehttp's request chatter to debug level.
type retryLogger struct{ log logrus.FieldLogger }

func (l retryLogger) Printf(format string, args ...any) { l.log.Debugf(format, args...) }
