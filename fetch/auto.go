package fetch

import (
	"context"
	"log/slog"
	"time"
)

// Auto tries a plain GET first and escalates to Browser when the HTML does
// not look sufficient. If the browser fails, the HTTP copy is used.
type Auto struct {
	HTTP    *HTTPFetcher
	Browser Fetcher
	Logger  *slog.Logger
}

// Open implements Fetcher. Both attempts share the same deadline.
func (a *Auto) Open(ctx context.Context, url string, timeout time.Duration) (Document, error) {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	p, err := a.HTTP.Fetch(ctx, url, 0)
	if err != nil && a.Browser == nil {
		return nil, classify(ctx, url, timeout, err)
	}
	if err == nil && (p.Sufficient || a.Browser == nil) {
		return a.parse(p)
	}

	if err != nil {
		logger.Debug("fetch: http failed, escalating to browser", "url", url, "error", err)
	} else {
		logger.Debug("fetch: html insufficient, escalating to browser", "url", url)
	}

	doc, berr := a.Browser.Open(ctx, url, 0)
	if berr == nil {
		return doc, nil
	}
	if err != nil {
		return nil, classify(ctx, url, timeout, berr)
	}
	logger.Warn("fetch: browser failed, using http copy", "url", url, "error", berr)
	return a.parse(p)
}

func (a *Auto) parse(p *Page) (Document, error) {
	doc, err := ParseDocument(p.URL, p.Body)
	if err != nil {
		return nil, err
	}
	return doc, nil
}
