// Package patch injects an optional runtime script that keeps client-side
// hydration from swapping rewritten proxy images back to their network
// URLs. It runs after the rewrite and never changes rewritten attributes.
package patch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/JakeFAU/sitemirror/internal/document"
	"github.com/JakeFAU/sitemirror/internal/resolver"
	"github.com/JakeFAU/sitemirror/internal/urlref"
)

// ScriptID marks the injected element so repeated runs replace nothing.
const ScriptID = "sitemirror-hydration-patch"

const scriptTemplate = `(function () {
  var mapping = %s;
  var proxies = %s;
  function target(src) {
    try {
      var u = new URL(src, window.location.href);
      for (var i = 0; i < proxies.length; i++) {
        var p = proxies[i];
        if (u.pathname.replace(/\/$/, "") === p.path) {
          return u.searchParams.get(p.param) || "";
        }
      }
    } catch (e) {}
    return "";
  }
  function fix() {
    document.querySelectorAll("img").forEach(function (img) {
      var local = mapping[target(img.getAttribute("src") || "")];
      if (local && img.getAttribute("src") !== local) {
        img.setAttribute("src", local);
        img.removeAttribute("srcset");
      }
    });
  }
  if (document.readyState === "loading") {
    document.addEventListener("DOMContentLoaded", fix);
  } else {
    fix();
  }
  new MutationObserver(fix).observe(document.documentElement, {childList: true, subtree: true});
  setTimeout(fix, 1000);
  setTimeout(fix, 3000);
})();`

type proxyJSON struct {
	Path  string `json:"path"`
	Param string `json:"param"`
}

// Mapping returns proxy target spellings mapped to the local path of their
// downloaded identity. Only proxied occurrences contribute.
func Mapping(table *resolver.Table) map[string]string {
	out := make(map[string]string)
	for i, occ := range table.Occurrences() {
		if !occ.Proxied {
			continue
		}
		rec, ok := table.Record(table.IdentityAt(i))
		if !ok || !rec.Downloaded() {
			continue
		}
		out[occ.Target] = rec.LocalPath
		out[occ.URL] = rec.LocalPath
	}
	return out
}

// Inject appends the patch script to the document head. It reports false
// when there is nothing to map, no head element exists or the script is
// already present.
func Inject(doc *document.Document, table *resolver.Table, patterns []urlref.ProxyPattern) (bool, error) {
	mapping := Mapping(table)
	if len(mapping) == 0 || len(patterns) == 0 {
		return false, nil
	}
	if doc.Selection().Find("script#"+ScriptID).Length() > 0 {
		return false, nil
	}
	head := doc.Selection().Find("head").First()
	if head.Length() == 0 {
		return false, nil
	}

	script, err := Script(mapping, patterns)
	if err != nil {
		return false, err
	}
	node := &html.Node{
		Type:     html.ElementNode,
		DataAtom: atom.Script,
		Data:     "script",
		Attr:     []html.Attribute{{Key: "id", Val: ScriptID}},
	}
	node.AppendChild(&html.Node{Type: html.TextNode, Data: script})
	head.Nodes[0].AppendChild(node)
	return true, nil
}

// Script renders the patch body for mapping.
func Script(mapping map[string]string, patterns []urlref.ProxyPattern) (string, error) {
	mappingJSON, err := json.Marshal(mapping)
	if err != nil {
		return "", fmt.Errorf("marshal patch mapping: %w", err)
	}
	proxies := make([]proxyJSON, 0, len(patterns))
	for _, p := range patterns {
		proxies = append(proxies, proxyJSON{Path: strings.TrimSuffix(p.Path, "/"), Param: p.Param})
	}
	sort.Slice(proxies, func(i, j int) bool { return proxies[i].Path < proxies[j].Path })
	proxiesJSON, err := json.Marshal(proxies)
	if err != nil {
		return "", fmt.Errorf("marshal proxy patterns: %w", err)
	}
	return fmt.Sprintf(scriptTemplate, mappingJSON, proxiesJSON), nil
}
