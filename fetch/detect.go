package fetch

import (
	"bytes"
	"unicode"

	"golang.org/x/net/html"
)

var spaShells = [][]byte{
	[]byte(`<div id="root"></div>`),
	[]byte(`<div id="app"></div>`),
	[]byte(`<div id="__next"></div>`),
	[]byte(`<noscript>you need to enable javascript`),
	[]byte(`<noscript>enable javascript`),
}

// IsSufficient reports whether body carries enough visible text that a
// browser is not needed to render it. Below 10% text, under 200 visible
// characters, or an empty SPA mount point all mean "escalate".
func IsSufficient(body []byte) bool {
	if len(body) < 256 {
		return false
	}

	text, markup := textMarkup(body)
	total := text + markup
	if total == 0 || text < 200 {
		return false
	}
	if float64(text)/float64(total) < 0.10 {
		return false
	}

	lower := bytes.ToLower(body)
	for _, shell := range spaShells {
		if bytes.Contains(lower, shell) {
			return false
		}
	}
	return true
}

// textMarkup counts non-space text bytes and everything else. Script and
// style bodies count as markup.
func textMarkup(body []byte) (text, markup int) {
	z := html.NewTokenizer(bytes.NewReader(body))
	skip := 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return text, markup
		case html.TextToken:
			raw := z.Raw()
			if skip > 0 {
				markup += len(raw)
				continue
			}
			for _, r := range string(raw) {
				if !unicode.IsSpace(r) {
					text++
				}
			}
		case html.StartTagToken, html.EndTagToken:
			markup += len(z.Raw())
			name, _ := z.TagName()
			if string(name) == "script" || string(name) == "style" {
				if tt == html.StartTagToken {
					skip++
				} else if skip > 0 {
					skip--
				}
			}
		default:
			markup += len(z.Raw())
		}
	}
}
