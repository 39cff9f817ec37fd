package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	defaultUserAgent = "Mozilla/5.0 (compatible; pinwatch/1.0)"
	defaultMaxBytes  = 10 << 20
)

// Page is the raw result of an HTTP fetch.
type Page struct {
	URL        string
	Body       []byte
	StatusCode int
	// Sufficient is false when the HTML looks like a JS shell.
	Sufficient bool
}

// HTTPFetcher fetches pages with a plain GET.
type HTTPFetcher struct {
	client   *http.Client
	ua       string
	maxBytes int64
	logger   *slog.Logger
}

// HTTPOption configures an HTTPFetcher.
type HTTPOption func(*HTTPFetcher)

// WithClient sets a custom HTTP client.
func WithClient(c *http.Client) HTTPOption {
	return func(f *HTTPFetcher) { f.client = c }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) HTTPOption {
	return func(f *HTTPFetcher) {
		if ua != "" {
			f.ua = ua
		}
	}
}

// WithMaxBytes caps the body read. Default: 10 MiB.
func WithMaxBytes(n int64) HTTPOption {
	return func(f *HTTPFetcher) {
		if n > 0 {
			f.maxBytes = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) HTTPOption {
	return func(f *HTTPFetcher) { f.logger = l }
}

// NewHTTP returns an HTTPFetcher with defaults.
func NewHTTP(opts ...HTTPOption) *HTTPFetcher {
	f := &HTTPFetcher{
		client:   &http.Client{},
		ua:       defaultUserAgent,
		maxBytes: defaultMaxBytes,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Fetch GETs url. Non-2xx responses are returned as *Error.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string, timeout time.Duration) (*Page, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &Error{URL: url, Err: fmt.Errorf("new request: %w", err)}
	}
	req.Header.Set("User-Agent", f.ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classify(ctx, url, timeout, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &Error{URL: url, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, classify(ctx, url, timeout, err)
	}

	p := &Page{
		URL:        url,
		Body:       body,
		StatusCode: resp.StatusCode,
		Sufficient: IsSufficient(body),
	}
	f.logger.Debug("fetch: http fetched",
		"url", url, "status", resp.StatusCode,
		"size", len(body), "sufficient", p.Sufficient)
	return p, nil
}

// Open implements Fetcher.
func (f *HTTPFetcher) Open(ctx context.Context, url string, timeout time.Duration) (Document, error) {
	p, err := f.Fetch(ctx, url, timeout)
	if err != nil {
		return nil, err
	}
	doc, err := ParseDocument(url, p.Body)
	if err != nil {
		return nil, err
	}
	return doc, nil
}
