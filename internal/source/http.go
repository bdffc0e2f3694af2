package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultHTTPTimeout  = 10 * time.Second
	defaultMaxFileBytes = 16 << 20
)

// HTTPFetcher downloads a datafile over HTTP, using conditional requests to
// avoid transferring unchanged content.
type HTTPFetcher struct {
	url      string
	client   *http.Client
	header   http.Header
	maxBytes int64

	mu           sync.Mutex
	etag         string
	lastModified string
}

// HTTPOption configures an [HTTPFetcher].
type HTTPOption func(*HTTPFetcher)

// WithHTTPClient replaces the default instrumented client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(f *HTTPFetcher) {
		if client != nil {
			f.client = client
		}
	}
}

// WithHeader adds a request header, e.g. an Authorization token for a
// private CDN.
func WithHeader(key, value string) HTTPOption {
	return func(f *HTTPFetcher) {
		f.header.Add(key, value)
	}
}

// WithMaxBytes caps the accepted response body size.
func WithMaxBytes(n int64) HTTPOption {
	return func(f *HTTPFetcher) {
		if n > 0 {
			f.maxBytes = n
		}
	}
}

// NewHTTPFetcher creates a fetcher for the datafile served at url.
func NewHTTPFetcher(url string, opts ...HTTPOption) *HTTPFetcher {
	f := &HTTPFetcher{
		url: strings.TrimSpace(url),
		client: &http.Client{
			Timeout:   defaultHTTPTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		header:   make(http.Header),
		maxBytes: defaultMaxFileBytes,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch performs a conditional GET. A 304 response yields [ErrNotModified].
func (f *HTTPFetcher) Fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build datafile request: %w", err)
	}
	for key, values := range f.header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	req.Header.Set("Accept", "application/json")

	f.mu.Lock()
	if f.etag != "" {
		req.Header.Set("If-None-Match", f.etag)
	}
	if f.lastModified != "" {
		req.Header.Set("If-Modified-Since", f.lastModified)
	}
	f.mu.Unlock()

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch datafile: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return nil, ErrNotModified
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("fetch datafile %s: %w", f.url, ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("fetch datafile %s: unexpected status %d", f.url, resp.StatusCode)
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read datafile body: %w", err)
	}
	if int64(len(content)) > f.maxBytes {
		return nil, fmt.Errorf("fetch datafile %s: %w (limit %d bytes)", f.url, ErrTooLarge, f.maxBytes)
	}

	f.mu.Lock()
	f.etag = resp.Header.Get("ETag")
	f.lastModified = resp.Header.Get("Last-Modified")
	f.mu.Unlock()

	return content, nil
}
