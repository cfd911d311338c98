// Package scanner walks a parsed document and reports every asset
// reference it contains, one occurrence per location.
package scanner

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemirror/internal/capture"
	"github.com/JakeFAU/sitemirror/internal/cssurl"
	"github.com/JakeFAU/sitemirror/internal/document"
	"github.com/JakeFAU/sitemirror/internal/srcset"
	"github.com/JakeFAU/sitemirror/internal/urlref"
)

var (
	fontExts     = map[string]bool{".woff": true, ".woff2": true, ".eot": true, ".ttf": true, ".otf": true}
	documentExts = map[string]bool{".pdf": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true, ".ppt": true, ".pptx": true}
	iconRels     = []string{"icon", "shortcut icon", "apple-touch-icon", "apple-touch-icon-precomposed", "mask-icon"}
)

// Config controls scanning.
type Config struct {
	ProxyPatterns []urlref.ProxyPattern
}

// Scanner discovers asset occurrences.
type Scanner struct {
	unwrap *urlref.Unwrapper
	logger *zap.Logger
}

// Result is the outcome of one scan.
type Result struct {
	Occurrences []capture.Occurrence
	// Warnings holds *capture.DiscoveryError values for references that
	// could not be interpreted. They never stop the scan.
	Warnings []error
}

// New builds a Scanner.
func New(cfg Config, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		unwrap: urlref.NewUnwrapper(cfg.ProxyPatterns),
		logger: logger,
	}
}

// Scan walks doc in document order. base is the final URL of the rendered
// page and anchors every relative reference.
func (s *Scanner) Scan(doc *document.Document, base *url.URL) Result {
	w := &walk{scanner: s, doc: doc, base: base}
	doc.Selection().Find("*").Each(func(_ int, sel *goquery.Selection) {
		node := sel.Get(0)
		id, ok := doc.ID(node)
		if !ok {
			return
		}
		w.element(id, sel)
	})
	s.logger.Debug("scan complete",
		zap.Int("occurrences", len(w.result.Occurrences)),
		zap.Int("warnings", len(w.result.Warnings)),
	)
	return w.result
}

type walk struct {
	scanner *Scanner
	doc     *document.Document
	base    *url.URL
	result  Result
}

func (w *walk) element(id capture.NodeID, sel *goquery.Selection) {
	switch goquery.NodeName(sel) {
	case "link":
		w.link(id, sel)
	case "script":
		w.attr(id, sel, "src", capture.KindJS)
	case "img":
		w.attr(id, sel, "src", capture.KindImage)
		w.attr(id, sel, "data-src", capture.KindImage)
		w.srcset(id, sel)
	case "source":
		w.source(id, sel)
	case "video":
		w.attr(id, sel, "src", capture.KindVideo)
		w.attr(id, sel, "poster", capture.KindImage)
	case "audio":
		w.attr(id, sel, "src", capture.KindAudio)
	case "a":
		w.anchor(id, sel)
	case "style":
		w.stylesheet(id, w.doc.Text(id))
	}
	if style, ok := sel.Attr("style"); ok {
		w.inlineStyle(id, style)
	}
}

func (w *walk) link(id capture.NodeID, sel *goquery.Selection) {
	rel := strings.ToLower(strings.Join(strings.Fields(sel.AttrOr("rel", "")), " "))
	tokens := strings.Fields(rel)
	switch {
	case hasToken(tokens, "stylesheet"):
		w.attr(id, sel, "href", capture.KindCSS)
	case hasToken(tokens, "preload") && strings.EqualFold(sel.AttrOr("as", ""), "font"):
		w.attr(id, sel, "href", capture.KindFont)
	case isIcon(rel, tokens):
		w.attr(id, sel, "href", capture.KindImage)
	}
}

func (w *walk) source(id capture.NodeID, sel *goquery.Selection) {
	switch goquery.NodeName(sel.Parent()) {
	case "picture":
		w.srcset(id, sel)
		w.attr(id, sel, "src", capture.KindImage)
	case "video":
		w.attr(id, sel, "src", capture.KindVideo)
	case "audio":
		w.attr(id, sel, "src", capture.KindAudio)
	}
}

func (w *walk) anchor(id capture.NodeID, sel *goquery.Selection) {
	href, ok := sel.Attr("href")
	if !ok || urlref.Skippable(href) {
		return
	}
	abs, err := urlref.Resolve(w.base, href)
	if err != nil {
		// Links to non-http targets are navigation, not assets.
		return
	}
	if !documentExts[strings.ToLower(path.Ext(abs.Path))] {
		return
	}
	w.add(id, "href", href, capture.KindDocument, capture.ContextAttribute)
}

func (w *walk) attr(id capture.NodeID, sel *goquery.Selection, name string, kind capture.Kind) {
	value, ok := sel.Attr(name)
	if !ok {
		return
	}
	w.add(id, name, value, kind, capture.ContextAttribute)
}

func (w *walk) srcset(id capture.NodeID, sel *goquery.Selection) {
	value, ok := sel.Attr("srcset")
	if !ok {
		return
	}
	for _, c := range srcset.Parse(value) {
		w.add(id, "srcset", c.URL, capture.KindImage, capture.ContextDescriptorList)
	}
}

func (w *walk) inlineStyle(id capture.NodeID, style string) {
	for _, value := range backgroundValues(style) {
		tokens := cssurl.Find(value)
		w.unterminated(value, tokens)
		for _, tok := range tokens {
			w.add(id, "style", tok.Value, capture.KindImage, capture.ContextInlineStyle)
		}
	}
}

func (w *walk) stylesheet(id capture.NodeID, css string) {
	tokens := cssurl.Find(css)
	w.unterminated(css, tokens)
	for _, tok := range tokens {
		w.add(id, "", tok.Value, w.cssKind(tok), capture.ContextEmbeddedStylesheet)
	}
}

func (w *walk) cssKind(tok cssurl.Token) capture.Kind {
	if tok.Import {
		return capture.KindCSS
	}
	ref := tok.Value
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}
	if fontExts[strings.ToLower(path.Ext(ref))] {
		return capture.KindFont
	}
	return capture.KindImage
}

func (w *walk) unterminated(css string, tokens []cssurl.Token) {
	if n := cssurl.Unterminated(css, tokens); n > 0 {
		w.warn(css, fmt.Sprintf("%d unterminated url() token(s)", n))
	}
}

// add records one occurrence. Proxy references keep the wrapper in Raw and
// carry the unwrapped target for identity.
func (w *walk) add(id capture.NodeID, attr, raw string, kind capture.Kind, ctx capture.Context) {
	if urlref.Skippable(raw) {
		return
	}
	abs, err := urlref.Resolve(w.base, raw)
	if err != nil {
		w.warn(raw, err.Error())
		return
	}
	occ := capture.Occurrence{
		Kind:      kind,
		Raw:       raw,
		Target:    raw,
		URL:       abs.String(),
		Node:      id,
		Attribute: attr,
		Context:   ctx,
	}
	if inner, ok := w.scanner.unwrap.Unwrap(abs); ok {
		innerAbs, err := urlref.Resolve(w.base, inner)
		if err != nil {
			w.warn(raw, fmt.Sprintf("proxy target: %v", err))
			return
		}
		occ.Target = inner
		occ.URL = innerAbs.String()
		occ.Proxied = true
	}
	w.result.Occurrences = append(w.result.Occurrences, occ)
}

func (w *walk) warn(raw, reason string) {
	if len(raw) > 200 {
		raw = raw[:200]
	}
	w.result.Warnings = append(w.result.Warnings, &capture.DiscoveryError{Raw: raw, Reason: reason})
	w.scanner.logger.Debug("discovery warning", zap.String("raw", raw), zap.String("reason", reason))
}

func hasToken(tokens []string, want string) bool {
	for _, t := range tokens {
		if t == want {
			return true
		}
	}
	return false
}

func isIcon(rel string, tokens []string) bool {
	for _, candidate := range iconRels {
		if rel == candidate || hasToken(tokens, candidate) {
			return true
		}
	}
	return false
}
