package extract

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// Node wraps an HTML node with the small selector surface the Scrape Adapter
// needs: find by tag/class/id, read text and attributes. A row whose required
// selector is absent is dropped by the caller, not null-padded.
type Node struct {
	n *html.Node
}

// ParseHTML parses a fetched page into a traversable node tree.
func ParseHTML(body []byte) (*Node, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	return &Node{n: doc}, nil
}

// FindAll returns every descendant element with the given tag, restricted to
// the given class when non-empty.
func (nd *Node) FindAll(tag, class string) []*Node {
	var out []*Node
	walk(nd.n, func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == tag && (class == "" || hasClass(n, class)) {
			out = append(out, &Node{n: n})
		}
	})
	return out
}

// First returns the first matching descendant, or nil.
func (nd *Node) First(tag, class string) *Node {
	all := nd.FindAll(tag, class)
	if len(all) == 0 {
		return nil
	}
	return all[0]
}

// NextSiblingElement returns the next element node at the same tree level,
// skipping text nodes.
func (nd *Node) NextSiblingElement() *Node {
	for s := nd.n.NextSibling; s != nil; s = s.NextSibling {
		if s.Type == html.ElementNode {
			return &Node{n: s}
		}
	}
	return nil
}

// Attr returns the value of the named attribute, or "".
func (nd *Node) Attr(name string) string {
	for _, a := range nd.n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

// Text returns the concatenated, trimmed text content of the subtree.
func (nd *Node) Text() string {
	var b strings.Builder
	walk(nd.n, func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
	})
	return strings.TrimSpace(b.String())
}

func walk(n *html.Node, visit func(*html.Node)) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		visit(c)
		walk(c, visit)
	}
}

func hasClass(n *html.Node, class string) bool {
	for _, a := range n.Attr {
		if a.Key == "class" {
			for _, c := range strings.Fields(a.Val) {
				if c == class {
					return true
				}
			}
		}
	}
	return false
}
