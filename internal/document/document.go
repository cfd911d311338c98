// Package document wraps a parsed HTML tree in a node-id arena. Element
// nodes are numbered in document order at parse time so that other stages
// can refer to them by capture.NodeID instead of holding live pointers.
package document

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/JakeFAU/sitemirror/internal/capture"
)

// Document owns one parsed HTML tree.
type Document struct {
	root  *html.Node
	nodes []*html.Node
	ids   map[*html.Node]capture.NodeID
}

// Parse reads an HTML document and indexes its element nodes. Scripting is
// treated as disabled so <noscript> fallback markup is parsed as elements
// and its references are captured like any other.
func Parse(r io.Reader) (*Document, error) {
	root, err := html.ParseWithOptions(r, html.ParseOptionEnableScripting(false))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	d := &Document{
		root: root,
		ids:  make(map[*html.Node]capture.NodeID),
	}
	d.index(root)
	return d, nil
}

// ParseString is Parse for an in-memory document.
func ParseString(s string) (*Document, error) {
	return Parse(strings.NewReader(s))
}

func (d *Document) index(n *html.Node) {
	if n.Type == html.ElementNode {
		d.ids[n] = capture.NodeID(len(d.nodes))
		d.nodes = append(d.nodes, n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		d.index(c)
	}
}

// Root returns the document node.
func (d *Document) Root() *html.Node {
	return d.root
}

// Len is the number of indexed element nodes.
func (d *Document) Len() int {
	return len(d.nodes)
}

// Selection exposes the tree to goquery for selector based walks.
func (d *Document) Selection() *goquery.Selection {
	return goquery.NewDocumentFromNode(d.root).Selection
}

// ID returns the arena id of an indexed element.
func (d *Document) ID(n *html.Node) (capture.NodeID, bool) {
	id, ok := d.ids[n]
	return id, ok
}

// Node returns the element for id, whether or not it is still attached.
func (d *Document) Node(id capture.NodeID) (*html.Node, bool) {
	if id < 0 || int(id) >= len(d.nodes) {
		return nil, false
	}
	return d.nodes[id], true
}

// Attached reports whether id still hangs off the document root.
func (d *Document) Attached(id capture.NodeID) bool {
	n, ok := d.Node(id)
	if !ok {
		return false
	}
	for p := n; p != nil; p = p.Parent {
		if p == d.root {
			return true
		}
	}
	return false
}

func (d *Document) live(id capture.NodeID) (*html.Node, error) {
	if _, ok := d.Node(id); !ok {
		return nil, &capture.RewriteError{Node: id, Reason: "unknown node"}
	}
	if !d.Attached(id) {
		return nil, &capture.RewriteError{Node: id, Reason: "node detached from document"}
	}
	return d.nodes[id], nil
}

// Attr returns the value of attribute key on node id.
func (d *Document) Attr(id capture.NodeID, key string) (string, bool) {
	n, ok := d.Node(id)
	if !ok {
		return "", false
	}
	return attr(n, key)
}

// SetAttr overwrites attribute key on a live node. The attribute must
// already exist; references are only ever rewritten in place.
func (d *Document) SetAttr(id capture.NodeID, key, value string) error {
	n, err := d.live(id)
	if err != nil {
		return err
	}
	for i := range n.Attr {
		if n.Attr[i].Namespace == "" && n.Attr[i].Key == key {
			n.Attr[i].Val = value
			return nil
		}
	}
	return &capture.RewriteError{Node: id, Reason: fmt.Sprintf("attribute %q missing", key)}
}

// Text returns the concatenated text children of node id, which is how
// raw text elements such as <style> hold their body.
func (d *Document) Text(id capture.NodeID) string {
	n, ok := d.Node(id)
	if !ok {
		return ""
	}
	return text(n)
}

// SetText replaces the children of a live node with a single text node.
func (d *Document) SetText(id capture.NodeID, value string) error {
	n, err := d.live(id)
	if err != nil {
		return err
	}
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		c = next
	}
	n.AppendChild(&html.Node{Type: html.TextNode, Data: value})
	return nil
}

// Detach removes node id from its parent. The id stays valid but every
// later mutation through it fails with a RewriteError.
func (d *Document) Detach(id capture.NodeID) {
	n, ok := d.Node(id)
	if !ok || n.Parent == nil {
		return
	}
	n.Parent.RemoveChild(n)
}

// Render serializes the document.
func (d *Document) Render(w io.Writer) error {
	if err := html.Render(w, d.root); err != nil {
		return fmt.Errorf("render html: %w", err)
	}
	return nil
}

// String serializes the document to a string.
func (d *Document) String() (string, error) {
	var buf bytes.Buffer
	if err := d.Render(&buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func text(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return b.String()
}
