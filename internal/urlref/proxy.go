package urlref

import (
	"net/url"
	"strings"
)

// ProxyPattern describes an image-optimization endpoint that wraps the real
// asset location in a query parameter, e.g. /_next/image?url=/hero.jpg&w=640.
type ProxyPattern struct {
	Path  string `mapstructure:"path"`
	Param string `mapstructure:"param"`
}

// DefaultProxyPatterns covers the common framework image optimizers.
var DefaultProxyPatterns = []ProxyPattern{
	{Path: "/_next/image", Param: "url"},
	{Path: "/_vercel/image", Param: "url"},
	{Path: "/optimize", Param: "url"},
}

// Unwrapper recognizes proxy URLs and extracts their inner target.
type Unwrapper struct {
	patterns []ProxyPattern
}

// NewUnwrapper builds an Unwrapper. Patterns with an empty path or param are
// ignored.
func NewUnwrapper(patterns []ProxyPattern) *Unwrapper {
	kept := make([]ProxyPattern, 0, len(patterns))
	for _, p := range patterns {
		if strings.TrimSpace(p.Path) == "" || strings.TrimSpace(p.Param) == "" {
			continue
		}
		p.Path = "/" + strings.Trim(p.Path, "/")
		kept = append(kept, p)
	}
	return &Unwrapper{patterns: kept}
}

// Unwrap returns the decoded inner target of a proxy URL. ok is false when u
// does not match any pattern or carries no target.
func (w *Unwrapper) Unwrap(u *url.URL) (string, bool) {
	if w == nil || u == nil {
		return "", false
	}
	path := strings.TrimSuffix(u.Path, "/")
	for _, p := range w.patterns {
		if path != p.Path {
			continue
		}
		inner := strings.TrimSpace(u.Query().Get(p.Param))
		if inner == "" {
			return "", false
		}
		return inner, true
	}
	return "", false
}
