package capture

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var strict = bluemonday.StrictPolicy()

// TextFromMarkup reduces an HTML snippet (as sent by a capture UI that posts
// outerHTML) to the plain text the diff engine compares.
func TextFromMarkup(markup string) string {
	return strings.TrimSpace(html.UnescapeString(strict.Sanitize(markup)))
}
