package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// BrowserConfig configures a BrowserFetcher.
type BrowserConfig struct {
	// RemoteURL is the DevTools WebSocket URL of an external Chrome.
	// Empty launches a local headless Chrome on first use.
	RemoteURL string

	// ResourceBlocking lists resource types not to load:
	// images, fonts, media, stylesheets.
	ResourceBlocking []string

	Logger *slog.Logger
}

func (c *BrowserConfig) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// BrowserFetcher renders pages in headless Chrome with stealth patches and
// reads the resulting DOM. The browser is started lazily and shared by all
// fetches.
type BrowserFetcher struct {
	cfg     BrowserConfig
	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool
}

// NewBrowser returns a BrowserFetcher. No process is started until the
// first Open.
func NewBrowser(cfg BrowserConfig) *BrowserFetcher {
	cfg.defaults()
	return &BrowserFetcher{cfg: cfg}
}

func (b *BrowserFetcher) ensure() (*rod.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("fetch: browser is closed")
	}
	if b.browser != nil {
		return b.browser, nil
	}

	wsURL := b.cfg.RemoteURL
	if wsURL == "" {
		l := launcher.New().Headless(true).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("fetch: launch chrome: %w", err)
		}
		wsURL = u
		b.lnch = l
		b.cfg.Logger.Info("fetch: launched local chrome", "url", wsURL)
	} else {
		b.cfg.Logger.Info("fetch: connecting to remote chrome", "url", wsURL)
	}

	br := rod.New().ControlURL(wsURL)
	if err := br.Connect(); err != nil {
		if b.lnch != nil {
			b.lnch.Kill()
			b.lnch = nil
		}
		return nil, fmt.Errorf("fetch: connect chrome: %w", err)
	}
	b.browser = br
	return br, nil
}

// Open navigates a fresh stealth tab to url, waits for the load event and
// parses the rendered DOM. The tab is closed before returning.
func (b *BrowserFetcher) Open(ctx context.Context, url string, timeout time.Duration) (Document, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	br, err := b.ensure()
	if err != nil {
		return nil, &Error{URL: url, Err: err}
	}

	page, err := stealth.Page(br)
	if err != nil {
		b.reset()
		return nil, &Error{URL: url, Err: fmt.Errorf("create tab: %w", err)}
	}
	defer page.Close()

	if len(b.cfg.ResourceBlocking) > 0 {
		router := blockResources(page, b.cfg.ResourceBlocking)
		defer router.Stop()
	}

	p := page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return nil, classify(ctx, url, timeout, fmt.Errorf("navigate: %w", err))
	}
	if err := p.WaitLoad(); err != nil {
		return nil, classify(ctx, url, timeout, fmt.Errorf("wait load: %w", err))
	}

	res, err := p.Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return nil, classify(ctx, url, timeout, fmt.Errorf("read dom: %w", err))
	}
	html := res.Value.Str()
	b.cfg.Logger.Debug("fetch: browser fetched", "url", url, "size", len(html))

	doc, err := ParseDocument(url, []byte(html))
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// reset drops a browser that failed so the next Open starts a new one.
func (b *BrowserFetcher) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
}

// Close shuts Chrome down.
func (b *BrowserFetcher) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return b.closeLocked()
}

func (b *BrowserFetcher) closeLocked() error {
	var err error
	if b.browser != nil {
		err = b.browser.Close()
		b.browser = nil
	}
	if b.lnch != nil {
		b.lnch.Kill()
		b.lnch = nil
	}
	return err
}

func blockResources(page *rod.Page, types []string) *rod.HijackRouter {
	blocked := make(map[string]bool, len(types))
	for _, t := range types {
		blocked[strings.ToLower(t)] = true
	}

	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if shouldBlock(blocked, string(h.Request.Type())) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
	return router
}

// shouldBlock maps CDP resource types to the configured names.
func shouldBlock(blocked map[string]bool, resType string) bool {
	switch t := strings.ToLower(resType); t {
	case "image":
		return blocked["images"]
	case "font":
		return blocked["fonts"]
	case "media":
		return blocked["media"]
	case "stylesheet":
		return blocked["stylesheets"]
	default:
		return blocked[t]
	}
}
