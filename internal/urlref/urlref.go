// Package urlref turns the reference strings found in a document into
// canonical absolute URLs.
package urlref

import (
	"errors"
	"fmt"
	"html"
	"net/url"
	"strings"
)

// ErrUnsupportedScheme is returned for references that cannot be fetched
// over http(s).
var ErrUnsupportedScheme = errors.New("unsupported scheme")

var skippedSchemes = []string{"data:", "javascript:", "blob:", "about:", "mailto:", "tel:"}

// Skippable reports whether raw should never produce an asset: empty
// references, in-page fragments and non-network schemes.
func Skippable(raw string) bool {
	trimmed := strings.TrimSpace(html.UnescapeString(raw))
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return true
	}
	lower := strings.ToLower(trimmed)
	for _, scheme := range skippedSchemes {
		if strings.HasPrefix(lower, scheme) {
			return true
		}
	}
	return false
}

// Resolve decodes HTML entities in raw and resolves it against base. Only
// http and https results are accepted.
func Resolve(base *url.URL, raw string) (*url.URL, error) {
	decoded := strings.TrimSpace(html.UnescapeString(raw))
	ref, err := url.Parse(decoded)
	if err != nil {
		return nil, fmt.Errorf("parse reference: %w", err)
	}
	abs := ref
	if base != nil {
		abs = base.ResolveReference(ref)
	}
	switch strings.ToLower(abs.Scheme) {
	case "http", "https":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, abs.Scheme)
	}
	if abs.Host == "" {
		return nil, fmt.Errorf("reference %q has no host", raw)
	}
	return abs, nil
}

// Normalize standardizes an absolute URL so that equivalent spellings
// compare equal. It lowercases the scheme and host, removes default ports,
// fills an empty path with "/" and drops the fragment. The query string is
// kept verbatim because asset servers routinely treat parameter order as
// significant.
func Normalize(u *url.URL) string {
	n := *u
	n.Scheme = strings.ToLower(n.Scheme)
	n.Host = strings.ToLower(n.Host)

	if n.Scheme == "http" && strings.HasSuffix(n.Host, ":80") {
		n.Host = strings.TrimSuffix(n.Host, ":80")
	}
	if n.Scheme == "https" && strings.HasSuffix(n.Host, ":443") {
		n.Host = strings.TrimSuffix(n.Host, ":443")
	}
	if n.Path == "" && n.Opaque == "" {
		n.Path = "/"
		n.RawPath = ""
	}

	n.Fragment = ""
	n.RawFragment = ""
	n.User = nil
	return n.String()
}

// NormalizeString parses raw as an absolute URL and normalizes it.
func NormalizeString(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(html.UnescapeString(raw)))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if !u.IsAbs() {
		return "", fmt.Errorf("url %q is not absolute", raw)
	}
	return Normalize(u), nil
}
