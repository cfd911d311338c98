package downloader

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/JakeFAU/sitemirror/internal/capture"
)

const (
	maxNameLength = 100
	fallbackName  = "index"
)

var invalidFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Namer hands out collision-free filenames per kind directory. It is the
// single authority for names within one capture.
type Namer struct {
	mu   sync.Mutex
	used map[capture.Kind]map[string]struct{}
}

// NewNamer returns an empty Namer.
func NewNamer() *Namer {
	return &Namer{used: make(map[capture.Kind]map[string]struct{})}
}

// Allocate returns a unique filename for identity within kind's directory.
// The first caller for a base name gets it unsuffixed; later callers get
// name_1.ext, name_2.ext and so on. Names are compared case-insensitively
// so captures survive case-insensitive filesystems.
func (n *Namer) Allocate(kind capture.Kind, identity capture.Identity, contentType string) string {
	base := BaseName(kind, identity, contentType)
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	n.mu.Lock()
	defer n.mu.Unlock()
	used, ok := n.used[kind]
	if !ok {
		used = make(map[string]struct{})
		n.used[kind] = used
	}
	name := base
	for i := 1; ; i++ {
		key := strings.ToLower(name)
		if _, taken := used[key]; !taken {
			used[key] = struct{}{}
			return name
		}
		name = fmt.Sprintf("%s_%d%s", stem, i, ext)
	}
}

// BaseName derives a filesystem-safe filename from the last path segment of
// identity. A name without an extension accepted for kind gets one from
// contentType, or the kind default.
func BaseName(kind capture.Kind, identity capture.Identity, contentType string) string {
	name := fallbackName
	if u, err := url.Parse(string(identity)); err == nil {
		if seg := path.Base(u.Path); seg != "/" && seg != "." && seg != "" {
			name = seg
		}
	}
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	name = invalidFilenameChars.ReplaceAllString(name, "_")
	name = strings.TrimLeft(name, "._")
	if name == "" {
		name = fallbackName
	}

	ext := path.Ext(name)
	if ext == "" || !kind.Accepts(ext) {
		ext = kind.ExtForContentType(contentType)
		name += ext
	}
	if len(name) > maxNameLength {
		name = name[:maxNameLength-len(ext)] + ext
	}
	return name
}
