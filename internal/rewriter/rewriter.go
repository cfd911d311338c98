// Package rewriter applies a completed identity table back onto the
// document, replacing every reference to a downloaded asset with its local
// path. References to failed assets are made absolute so they still load
// over the network when the capture is opened offline.
package rewriter

import (
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemirror/internal/capture"
	"github.com/JakeFAU/sitemirror/internal/cssurl"
	"github.com/JakeFAU/sitemirror/internal/document"
	"github.com/JakeFAU/sitemirror/internal/resolver"
	"github.com/JakeFAU/sitemirror/internal/srcset"
)

// Rewriter mutates a document in place.
type Rewriter struct {
	logger *zap.Logger
}

// Result summarizes one rewrite pass.
type Result struct {
	// Rewritten counts references whose text changed.
	Rewritten int
	// Absolutized counts references to failed assets that were made
	// absolute so they can still load over the network.
	Absolutized int
	// Warnings holds one *capture.RewriteError per site that could not be
	// mutated.
	Warnings []error
}

// New builds a Rewriter.
func New(logger *zap.Logger) *Rewriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rewriter{logger: logger}
}

// site is one mutable location: a node attribute, or a node's text for
// embedded stylesheets.
type site struct {
	node    capture.NodeID
	attr    string
	context capture.Context
}

// edit counts the references one site changed.
type edit struct {
	local    int
	absolute int
}

// Rewrite visits every occurrence site whose identity was downloaded or
// failed. Each site is addressed by its own node handle, so the order of
// occurrences does not matter, and a second pass with the same table leaves
// the document byte-identical.
func (r *Rewriter) Rewrite(doc *document.Document, table *resolver.Table) Result {
	var (
		res   Result
		order []site
		first = make(map[site]capture.Identity)
	)
	for i, occ := range table.Occurrences() {
		identity := table.IdentityAt(i)
		if identity == "" {
			continue
		}
		rec, ok := table.Record(identity)
		if !ok || (!rec.Downloaded() && rec.Status != capture.StatusFailed) {
			continue
		}
		s := site{node: occ.Node, attr: occ.Attribute, context: occ.Context}
		if _, seen := first[s]; !seen {
			first[s] = identity
			order = append(order, s)
		}
	}

	for _, s := range order {
		var (
			e   edit
			err error
		)
		switch s.context {
		case capture.ContextAttribute:
			e, err = r.attribute(doc, table, s, first[s])
		case capture.ContextDescriptorList:
			e, err = r.descriptorList(doc, table, s)
		case capture.ContextInlineStyle:
			e, err = r.inlineStyle(doc, table, s)
		case capture.ContextEmbeddedStylesheet:
			e, err = r.stylesheet(doc, table, s)
		}
		if err != nil {
			r.logger.Warn("rewrite skipped",
				zap.Int("node", int(s.node)),
				zap.String("attribute", s.attr),
				zap.String("context", string(s.context)),
				zap.Error(err),
			)
			res.Warnings = append(res.Warnings, err)
			continue
		}
		res.Rewritten += e.local
		res.Absolutized += e.absolute
	}
	r.logger.Debug("rewrite complete",
		zap.Int("sites", len(order)),
		zap.Int("rewritten", res.Rewritten),
		zap.Int("absolutized", res.Absolutized),
		zap.Int("warnings", len(res.Warnings)),
	)
	return res
}

func (r *Rewriter) attribute(doc *document.Document, table *resolver.Table, s site, identity capture.Identity) (edit, error) {
	current, ok := doc.Attr(s.node, s.attr)
	if !ok {
		return edit{}, &capture.RewriteError{Node: s.node, Reason: "attribute " + s.attr + " missing"}
	}
	rec, _ := table.Record(identity)
	var e edit
	value := current
	if rec.Downloaded() {
		value = rec.LocalPath
		e.local = 1
	} else if abs, ok := failedTarget(table, current); ok {
		value = abs
		e.absolute = 1
	}
	if value == current {
		return edit{}, nil
	}
	if err := doc.SetAttr(s.node, s.attr, value); err != nil {
		return edit{}, err
	}
	return e, nil
}

// descriptorList rebuilds a srcset entry by entry. Downloaded candidates
// point at their local file and already-local candidates are kept. When any
// candidate is local the rest are dropped; otherwise failed candidates are
// made absolute so the browser can still pick one.
func (r *Rewriter) descriptorList(doc *document.Document, table *resolver.Table, s site) (edit, error) {
	current, ok := doc.Attr(s.node, s.attr)
	if !ok {
		return edit{}, &capture.RewriteError{Node: s.node, Reason: "attribute " + s.attr + " missing"}
	}
	candidates := srcset.Parse(current)
	anyLocal := false
	for _, c := range candidates {
		if _, ok := localTarget(table, c.URL); ok || table.IsLocalPath(c.URL) {
			anyLocal = true
			break
		}
	}

	var (
		rebuilt []srcset.Candidate
		e       edit
	)
	for _, c := range candidates {
		if table.IsLocalPath(c.URL) {
			rebuilt = append(rebuilt, c)
			continue
		}
		if local, ok := localTarget(table, c.URL); ok {
			rebuilt = append(rebuilt, srcset.Candidate{URL: local, Descriptor: c.Descriptor})
			e.local++
			continue
		}
		if anyLocal {
			e.local++
			continue
		}
		if abs, ok := failedTarget(table, c.URL); ok {
			rebuilt = append(rebuilt, srcset.Candidate{URL: abs, Descriptor: c.Descriptor})
			e.absolute++
			continue
		}
		rebuilt = append(rebuilt, c)
	}
	value := srcset.Format(rebuilt)
	if value == current {
		return edit{}, nil
	}
	if err := doc.SetAttr(s.node, s.attr, value); err != nil {
		return edit{}, err
	}
	return e, nil
}

func (r *Rewriter) inlineStyle(doc *document.Document, table *resolver.Table, s site) (edit, error) {
	current, ok := doc.Attr(s.node, s.attr)
	if !ok {
		return edit{}, &capture.RewriteError{Node: s.node, Reason: "attribute " + s.attr + " missing"}
	}
	value, e := replaceURLs(current, table)
	if value == current {
		return edit{}, nil
	}
	if err := doc.SetAttr(s.node, s.attr, value); err != nil {
		return edit{}, err
	}
	return e, nil
}

func (r *Rewriter) stylesheet(doc *document.Document, table *resolver.Table, s site) (edit, error) {
	if !doc.Attached(s.node) {
		return edit{}, &capture.RewriteError{Node: s.node, Reason: "node detached"}
	}
	current := doc.Text(s.node)
	value, e := replaceURLs(current, table)
	if value == current {
		return edit{}, nil
	}
	if err := doc.SetText(s.node, value); err != nil {
		return edit{}, err
	}
	return e, nil
}

// replaceURLs substitutes url() tokens whose spelling, in any encoding the
// resolver saw, maps to a downloaded identity, and makes tokens of failed
// identities absolute.
func replaceURLs(css string, table *resolver.Table) (string, edit) {
	var e edit
	value, _ := cssurl.Replace(css, func(tok cssurl.Token) (string, bool) {
		if local, ok := localTarget(table, tok.Value); ok {
			e.local++
			return local, true
		}
		if abs, ok := failedTarget(table, tok.Value); ok {
			e.absolute++
			return abs, true
		}
		return "", false
	})
	return value, e
}

// localTarget returns the local path for ref unless ref already is one.
func localTarget(table *resolver.Table, ref string) (string, bool) {
	if table.IsLocalPath(ref) {
		return "", false
	}
	local, ok := table.LocalPath(ref)
	if !ok || local == ref {
		return "", false
	}
	return local, true
}

// failedTarget returns the absolute URL for a reference whose identity
// failed to download. It reports false when ref is already absolute.
func failedTarget(table *resolver.Table, ref string) (string, bool) {
	identity, ok := table.Lookup(ref)
	if !ok {
		return "", false
	}
	if rec, ok := table.Record(identity); !ok || rec.Status != capture.StatusFailed {
		return "", false
	}
	abs, ok := table.Absolute(ref)
	if !ok || abs == ref {
		return "", false
	}
	return abs, true
}
