package locator

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// htmlNode adapts a golang.org/x/net/html node to Node. Only document and
// element nodes are ever wrapped.
type htmlNode struct {
	n *html.Node
}

// FromHTML wraps an x/net/html document or element node. It returns nil for
// any other node type.
func FromHTML(n *html.Node) Node {
	if n == nil {
		return nil
	}
	if n.Type != html.DocumentNode && n.Type != html.ElementNode {
		return nil
	}
	return htmlNode{n: n}
}

// ParseHTML parses a full HTML document and returns its root.
func ParseHTML(r io.Reader) (Node, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("locator: parse html: %w", err)
	}
	return htmlNode{n: doc}, nil
}

// HTMLNode returns the underlying x/net/html node when n was produced by
// ParseHTML or FromHTML.
func HTMLNode(n Node) (*html.Node, bool) {
	h, ok := n.(htmlNode)
	if !ok {
		return nil, false
	}
	return h.n, true
}

func (h htmlNode) Tag() string {
	if h.n.Type == html.DocumentNode {
		return ""
	}
	return strings.ToLower(h.n.Data)
}

func (h htmlNode) Attr(key string) (string, bool) {
	for _, a := range h.n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func (h htmlNode) Parent() Node {
	p := h.n.Parent
	if p == nil {
		return nil
	}
	return FromHTML(p)
}

func (h htmlNode) Children() []Node {
	var out []Node
	for c := h.n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			out = append(out, htmlNode{n: c})
		}
	}
	return out
}

// Text concatenates every descendant text node, like DOM textContent.
func (h htmlNode) Text() string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(h.n)
	return sb.String()
}
