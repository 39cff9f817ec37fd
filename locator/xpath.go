package locator

import (
	"strconv"
	"strings"
)

// Query evaluates a practical XPath subset against root and returns the
// matching elements in document order. Malformed expressions match nothing.
//
//	//article           descendant anywhere
//	/html/body/div      absolute path
//	//div[@class='x']   attribute predicate
//	//div[@data-x]      attribute presence
//	//div[2]            position among same-tag siblings
//	id('main')/p        id anchor
//
// Query is for picking nodes on a fetched page; Generate then turns each
// match into a stable locator.
func Query(root Node, expr string) []Node {
	if root == nil {
		return nil
	}
	expr = strings.TrimSpace(expr)

	switch {
	case strings.HasPrefix(expr, "id("):
		steps := splitPath(expr)
		head := steps[0]
		if !strings.HasSuffix(head, ")") {
			return nil
		}
		id, ok := unquote(head[len("id(") : len(head)-1])
		if !ok {
			return nil
		}
		anchor := findByID(documentRoot(root), id)
		if anchor == nil {
			return nil
		}
		return followRelative([]Node{anchor}, strings.TrimPrefix(expr[len(head):], "/"))
	case strings.HasPrefix(expr, "//"):
		return findDescendants(root, expr[2:])
	case strings.HasPrefix(expr, "/"):
		return followRelative([]Node{documentRoot(root)}, expr[1:])
	default:
		return findDescendants(root, expr)
	}
}

// findDescendants matches the first step anywhere below root, then follows
// the remaining steps as children.
func findDescendants(root Node, expr string) []Node {
	first, rest, _ := strings.Cut(expr, "/")
	tag, pred := parseQueryStep(first)

	var matches []Node
	walk(root, func(n Node) bool {
		if matchesQueryStep(n, tag, pred) {
			matches = append(matches, n)
		}
		return true
	})

	if rest == "" {
		return matches
	}
	return followRelative(matches, rest)
}

func followRelative(current []Node, path string) []Node {
	for _, st := range splitPath(path) {
		if st == "" {
			continue
		}
		tag, pred := parseQueryStep(st)
		var next []Node
		for _, parent := range current {
			for _, c := range parent.Children() {
				if matchesQueryStep(c, tag, pred) {
					next = append(next, c)
				}
			}
		}
		current = next
	}
	return current
}

type queryPredicate struct {
	attrName  string
	attrValue string
	position  int // 1-based
}

// parseQueryStep parses "div", "div[@class='x']", "div[@data-x]", "div[2]".
func parseQueryStep(s string) (string, *queryPredicate) {
	idx := strings.IndexByte(s, '[')
	if idx < 0 {
		return strings.ToLower(s), nil
	}

	tag := strings.ToLower(s[:idx])
	body := strings.TrimSuffix(s[idx+1:], "]")
	pred := &queryPredicate{}

	if n, err := strconv.Atoi(body); err == nil {
		pred.position = n
		return tag, pred
	}

	if strings.HasPrefix(body, "@") {
		name, val, ok := strings.Cut(body[1:], "=")
		pred.attrName = name
		if ok {
			pred.attrValue = strings.Trim(val, `'"`)
		}
		return tag, pred
	}

	return tag, nil
}

func matchesQueryStep(n Node, tag string, pred *queryPredicate) bool {
	if n.Tag() == "" {
		return false
	}
	if tag != "*" && n.Tag() != tag {
		return false
	}
	if pred == nil {
		return true
	}

	if pred.attrName != "" {
		val, ok := n.Attr(pred.attrName)
		if pred.attrValue != "" {
			return val == pred.attrValue
		}
		return ok
	}

	if pred.position > 0 {
		return position(n) == pred.position
	}
	return true
}
