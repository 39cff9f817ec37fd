// Package locator derives structural paths for page fragments and resolves
// them again on a later copy of the page.
//
// Paths are a small XPath dialect built bottom-up from the chosen element:
//
//	id('main')/p[1]                  unique id anchors the path
//	/html[1]/body[1]/div[@id='x']    repeated id
//	/html[1]/body[1]/div[@class='c'] class on an only child
//	/html[1]/body[1]/div[2]          position among same-tag siblings
//
// Generation and resolution work on the Node interface so any tree (parsed
// HTML, a browser DOM snapshot, a test fixture) can be used.
package locator

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

var (
	// ErrTagNotAllowed is returned by Generate for elements outside the allow-list.
	ErrTagNotAllowed = errors.New("locator: tag not allowed")
	// ErrNotFound is returned by Resolve when the path does not match.
	ErrNotFound = errors.New("locator: node not found")
)

// Node is the minimal tree surface the locator needs. Implementations must
// be comparable with ==, since sibling positions are found by identity.
type Node interface {
	// Tag is the lower-case element name, or "" for the document root.
	Tag() string
	Attr(key string) (string, bool)
	// Parent is nil above the document root.
	Parent() Node
	// Children returns element children in document order.
	Children() []Node
	// Text is the concatenated descendant text.
	Text() string
}

// AllowedTags are the elements a fragment may be anchored on.
var AllowedTags = []string{"div", "p", "span", "a", "h1", "h2", "h3", "h4", "h5", "h6", "section", "pre"}

// DefaultMarkerClasses are the classes a capture UI adds to highlight nodes.
var DefaultMarkerClasses = []string{"pinwatch-highlight", "pinwatch-selected"}

// Generator computes and resolves locators.
type Generator struct {
	markers []string
}

// Option configures a Generator.
type Option func(*Generator)

// WithMarkerClasses replaces the UI marker classes that are ignored when
// reading the class attribute.
func WithMarkerClasses(classes ...string) Option {
	return func(g *Generator) { g.markers = classes }
}

// NewGenerator returns a Generator with DefaultMarkerClasses.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{markers: DefaultMarkerClasses}
	for _, o := range opts {
		o(g)
	}
	return g
}

var std = NewGenerator()

// Generate computes the locator of n with the default Generator.
func Generate(n Node) (string, error) { return std.Generate(n) }

// Resolve resolves path against root with the default Generator.
func Resolve(root Node, path string) (Node, error) { return std.Resolve(root, path) }

// IsAllowed reports whether tag may anchor a fragment.
func IsAllowed(tag string) bool {
	return slices.Contains(AllowedTags, strings.ToLower(tag))
}

// Generate walks from n up to the document root, one segment per element.
func (g *Generator) Generate(n Node) (string, error) {
	if n == nil || n.Tag() == "" {
		return "", fmt.Errorf("%w: not an element", ErrTagNotAllowed)
	}
	if !IsAllowed(n.Tag()) {
		return "", fmt.Errorf("%w: %s", ErrTagNotAllowed, n.Tag())
	}

	root := documentRoot(n)
	var segments []string
	for cur := n; cur != nil && cur.Tag() != ""; cur = cur.Parent() {
		tag := cur.Tag()

		if id, ok := cur.Attr("id"); ok && id != "" {
			if countID(root, id) == 1 {
				segments = append(segments, "id("+quote(id)+")")
				slices.Reverse(segments)
				return strings.Join(segments, "/"), nil
			}
			segments = append(segments, tag+"[@id="+quote(id)+"]")
			continue
		}

		if class := g.className(cur); class != "" && isOnlyChild(cur) {
			segments = append(segments, tag+"[@class="+quote(class)+"]")
			continue
		}

		segments = append(segments, tag+"["+strconv.Itoa(position(cur))+"]")
	}

	slices.Reverse(segments)
	return "/" + strings.Join(segments, "/"), nil
}

// Resolve walks path from root. Any mismatch or malformed step yields
// ErrNotFound.
func (g *Generator) Resolve(root Node, path string) (Node, error) {
	if root == nil {
		return nil, fmt.Errorf("%w: nil root", ErrNotFound)
	}
	path = strings.TrimSpace(path)

	var cur Node
	switch {
	case strings.HasPrefix(path, "id("):
		steps := splitPath(path)
		head := steps[0]
		if !strings.HasSuffix(head, ")") {
			return nil, fmt.Errorf("%w: malformed id step in %q", ErrNotFound, path)
		}
		id, ok := unquote(head[len("id(") : len(head)-1])
		if !ok || id == "" {
			return nil, fmt.Errorf("%w: malformed id step in %q", ErrNotFound, path)
		}
		cur = findByID(documentRoot(root), id)
		if cur == nil {
			return nil, fmt.Errorf("%w: id %q", ErrNotFound, id)
		}
		path = strings.TrimPrefix(path[len(head):], "/")
	case strings.HasPrefix(path, "/"):
		cur = documentRoot(root)
		path = path[1:]
	default:
		return nil, fmt.Errorf("%w: unsupported path %q", ErrNotFound, path)
	}

	if path == "" {
		if cur.Tag() == "" {
			return nil, fmt.Errorf("%w: empty path", ErrNotFound)
		}
		return cur, nil
	}

	for _, raw := range splitPath(path) {
		st, err := parseStep(raw)
		if err != nil {
			return nil, err
		}
		next := g.childMatching(cur, st)
		if next == nil {
			return nil, fmt.Errorf("%w: step %q", ErrNotFound, raw)
		}
		cur = next
	}
	return cur, nil
}

func (g *Generator) childMatching(parent Node, st step) Node {
	pos := 0
	for _, c := range parent.Children() {
		if c.Tag() != st.tag {
			continue
		}
		pos++
		switch {
		case st.position > 0:
			if pos == st.position {
				return c
			}
		case st.attr == "id":
			if v, ok := c.Attr("id"); ok && v == st.value {
				return c
			}
		case st.attr == "class":
			if g.className(c) == normalizeClass(st.value, nil) {
				return c
			}
		}
	}
	return nil
}

// className returns the class attribute with marker classes removed and
// whitespace collapsed.
func (g *Generator) className(n Node) string {
	v, ok := n.Attr("class")
	if !ok {
		return ""
	}
	return normalizeClass(v, g.markers)
}

func normalizeClass(v string, markers []string) string {
	fields := strings.Fields(v)
	kept := fields[:0]
	for _, f := range fields {
		if !slices.Contains(markers, f) {
			kept = append(kept, f)
		}
	}
	return strings.Join(kept, " ")
}

// isOnlyChild counts element siblings only.
func isOnlyChild(n Node) bool {
	p := n.Parent()
	if p == nil {
		return true
	}
	return len(p.Children()) == 1
}

// position is the 1-based index of n among its same-tag siblings.
func position(n Node) int {
	p := n.Parent()
	if p == nil {
		return 1
	}
	k := 0
	for _, c := range p.Children() {
		if c.Tag() == n.Tag() {
			k++
		}
		if c == n {
			return k
		}
	}
	return 1
}

func documentRoot(n Node) Node {
	for {
		p := n.Parent()
		if p == nil {
			return n
		}
		n = p
	}
}

func countID(root Node, id string) int {
	count := 0
	walk(root, func(n Node) bool {
		if v, ok := n.Attr("id"); ok && v == id {
			count++
		}
		return count < 2
	})
	return count
}

func findByID(root Node, id string) Node {
	var found Node
	walk(root, func(n Node) bool {
		if v, ok := n.Attr("id"); ok && v == id {
			found = n
			return false
		}
		return true
	})
	return found
}

// walk visits n and its element descendants depth-first until fn returns false.
func walk(n Node, fn func(Node) bool) bool {
	if n.Tag() != "" && !fn(n) {
		return false
	}
	for _, c := range n.Children() {
		if !walk(c, fn) {
			return false
		}
	}
	return true
}

// quote wraps s in single quotes, or double quotes when s holds only single
// quotes. A value holding both kinds is single-quoted with each ' doubled.
func quote(s string) string {
	switch {
	case !strings.Contains(s, "'"):
		return "'" + s + "'"
	case !strings.Contains(s, `"`):
		return `"` + s + `"`
	default:
		return "'" + strings.ReplaceAll(s, "'", "''") + "'"
	}
}

func unquote(s string) (string, bool) {
	if len(s) < 2 {
		return "", false
	}
	q := s[0]
	if (q != '\'' && q != '"') || s[len(s)-1] != q {
		return "", false
	}
	return strings.ReplaceAll(s[1:len(s)-1], string([]byte{q, q}), string(q)), true
}

// splitPath splits on '/' outside quoted values, so class names such as
// "w-1/2" survive.
func splitPath(path string) []string {
	var (
		out   []string
		start int
		q     byte
	)
	for i := 0; i < len(path); i++ {
		c := path[i]
		switch {
		case q != 0:
			if c == q {
				if i+1 < len(path) && path[i+1] == q {
					i++ // doubled quote inside the value
					continue
				}
				q = 0
			}
		case c == '\'' || c == '"':
			q = c
		case c == '/':
			out = append(out, path[start:i])
			start = i + 1
		}
	}
	return append(out, path[start:])
}

type step struct {
	tag      string
	attr     string
	value    string
	position int
}

// parseStep parses the three generated segment forms: tag[k],
// tag[@id='v'] and tag[@class='v'].
func parseStep(raw string) (step, error) {
	open := strings.IndexByte(raw, '[')
	if open <= 0 || !strings.HasSuffix(raw, "]") {
		return step{}, fmt.Errorf("%w: malformed step %q", ErrNotFound, raw)
	}
	st := step{tag: strings.ToLower(raw[:open])}
	pred := raw[open+1 : len(raw)-1]

	if n, err := strconv.Atoi(pred); err == nil {
		if n < 1 {
			return step{}, fmt.Errorf("%w: bad position in %q", ErrNotFound, raw)
		}
		st.position = n
		return st, nil
	}

	name, val, ok := strings.Cut(pred, "=")
	if !ok || (name != "@id" && name != "@class") {
		return step{}, fmt.Errorf("%w: unsupported predicate in %q", ErrNotFound, raw)
	}
	v, ok := unquote(val)
	if !ok {
		return step{}, fmt.Errorf("%w: unquoted value in %q", ErrNotFound, raw)
	}
	st.attr = name[1:]
	st.value = v
	return st, nil
}
