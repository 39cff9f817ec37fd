// Package diff compares a task's last known fragment texts with a freshly
// loaded page.
package diff

import (
	"strings"
	"time"

	"github.com/hazyhaar/pinwatch/watchlist"
)

// Document resolves a locator to the trimmed text of its element.
type Document interface {
	Resolve(locator string) (string, error)
}

// Result is the outcome of one comparison.
type Result struct {
	Records    []watchlist.DiffRecord
	HasChanged bool
	// Missing lists locators that did not resolve. They produce no record.
	Missing []string
}

// Check walks fragments in order. A fragment whose locator does not resolve
// is skipped, so a page that failed to render fully is not reported as a
// change. Texts are compared trimmed.
func Check(fragments []watchlist.Fragment, doc Document, now time.Time) Result {
	var res Result
	ts := now.UnixMilli()
	for _, f := range fragments {
		current, err := doc.Resolve(f.Locator)
		if err != nil {
			res.Missing = append(res.Missing, f.Locator)
			continue
		}
		current = strings.TrimSpace(current)
		if current == strings.TrimSpace(f.LastKnownText) {
			continue
		}
		res.Records = append(res.Records, watchlist.DiffRecord{
			Locator:  f.Locator,
			Original: f.LastKnownText,
			Current:  current,
			Time:     ts,
		})
	}
	res.HasChanged = len(res.Records) > 0
	return res
}
