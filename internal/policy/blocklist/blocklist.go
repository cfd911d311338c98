// Package blocklist refuses asset downloads from configured hosts, such as
// ad or tracking domains, before any pacing or network work happens.
package blocklist

import (
	"context"
	"net/url"
	"strings"

	"github.com/JakeFAU/sitemirror/internal/capture"
)

// Limiter is the pacing policy a Policy delegates to for allowed hosts.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Policy stores exact hosts and suffix wildcards derived from configuration.
type Policy struct {
	exact    map[string]struct{}
	suffixes []string
	next     Limiter
}

// New builds a Policy from patterns. "example.com" blocks that host only;
// "*.example.com" and ".example.com" block the domain and every subdomain.
// It returns next unchanged when no usable pattern is given.
func New(patterns []string, next Limiter) Limiter {
	p := &Policy{
		exact: make(map[string]struct{}),
		next:  next,
	}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
		case strings.HasPrefix(value, "*."):
			p.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			p.addSuffix(strings.TrimPrefix(value, "."))
		default:
			p.exact[value] = struct{}{}
		}
	}
	if len(p.exact) == 0 && len(p.suffixes) == 0 {
		return next
	}
	return p
}

func (p *Policy) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range p.suffixes {
		if existing == suffix {
			return
		}
	}
	p.suffixes = append(p.suffixes, suffix)
}

// IsBlocked reports whether host matches a pattern.
func (p *Policy) IsBlocked(host string) bool {
	if p == nil {
		return false
	}
	host = strings.TrimSuffix(strings.TrimSpace(strings.ToLower(host)), ".")
	if host == "" {
		return false
	}
	if _, exact := p.exact[host]; exact {
		return true
	}
	for _, suffix := range p.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// Wait fails fast with a blocked FetchError for matching hosts and
// otherwise defers to the wrapped limiter.
func (p *Policy) Wait(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err == nil && p.IsBlocked(u.Hostname()) {
		return &capture.FetchError{Kind: capture.FetchBlocked, URL: rawURL}
	}
	if p.next == nil {
		return ctx.Err()
	}
	return p.next.Wait(ctx, rawURL)
}
