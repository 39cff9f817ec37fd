// Package fetch loads a watched page in the background and exposes it as a
// document the diff engine can resolve locators against.
//
// Three acquisition paths are provided:
//
//	HTTPFetcher     single GET, parsed with x/net/html
//	BrowserFetcher  headless Chrome via go-rod with stealth, for JS pages
//	Auto            HTTP first, browser when the HTML looks like an SPA shell
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/pinwatch/locator"
)

// ErrTimeout marks a fetch that did not complete within its timeout.
var ErrTimeout = errors.New("fetch: timeout")

// Error is a failed page load. Timeouts wrap ErrTimeout.
type Error struct {
	URL        string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch: %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch: %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Document is a loaded page.
type Document interface {
	// Resolve returns the trimmed text of the element at loc, or an error
	// wrapping locator.ErrNotFound.
	Resolve(loc string) (string, error)
}

// Fetcher opens pages. Open must give up after timeout.
type Fetcher interface {
	Open(ctx context.Context, url string, timeout time.Duration) (Document, error)
}

// HTMLDocument is a Document backed by a parsed HTML tree.
type HTMLDocument struct {
	URL  string
	root locator.Node
}

// ParseDocument parses body as the HTML of url.
func ParseDocument(url string, body []byte) (*HTMLDocument, error) {
	root, err := locator.ParseHTML(bytes.NewReader(body))
	if err != nil {
		return nil, &Error{URL: url, Err: err}
	}
	return &HTMLDocument{URL: url, root: root}, nil
}

// Root returns the document node.
func (d *HTMLDocument) Root() locator.Node { return d.root }

// Resolve implements Document.
func (d *HTMLDocument) Resolve(loc string) (string, error) {
	n, err := locator.Resolve(d.root, loc)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(n.Text()), nil
}

// classify turns a transport error into *Error, tagging deadline expiry as
// ErrTimeout.
func classify(ctx context.Context, url string, timeout time.Duration, err error) error {
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{URL: url, Err: fmt.Errorf("%w after %s: %w", ErrTimeout, timeout, err)}
	}
	return &Error{URL: url, Err: err}
}
