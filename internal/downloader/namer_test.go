package downloader

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitemirror/internal/capture"
)

func TestBaseName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		kind        capture.Kind
		identity    capture.Identity
		contentType string
		want        string
	}{
		{name: "plain", kind: capture.KindImage, identity: "https://example.com/a.png", want: "a.png"},
		{name: "root path", kind: capture.KindCSS, identity: "https://example.com/", want: "index.css"},
		{name: "no extension uses content type", kind: capture.KindImage, identity: "https://example.com/img/hero", contentType: "image/webp", want: "hero.webp"},
		{name: "no extension unknown type", kind: capture.KindFont, identity: "https://example.com/f/inter", want: "inter.woff"},
		{name: "foreign extension", kind: capture.KindJS, identity: "https://example.com/app.php?v=1", contentType: "application/javascript", want: "app.php.js"},
		{name: "escaped segment", kind: capture.KindImage, identity: "https://example.com/my%20photo%281%29.jpg", want: "my_photo_1_.jpg"},
		{name: "hidden file", kind: capture.KindCSS, identity: "https://example.com/.theme.css", want: "theme.css"},
		{name: "uppercase extension", kind: capture.KindImage, identity: "https://example.com/LOGO.PNG", want: "LOGO.PNG"},
		{name: "document", kind: capture.KindDocument, identity: "https://example.com/files/report.pdf", want: "report.pdf"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, BaseName(tt.kind, tt.identity, tt.contentType))
		})
	}
}

func TestBaseNameCapsLengthKeepingExtension(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", 300)
	name := BaseName(capture.KindImage, capture.Identity("https://example.com/"+long+".png"), "")
	require.Len(t, name, maxNameLength)
	require.True(t, strings.HasSuffix(name, ".png"))
}

func TestNamerCollisions(t *testing.T) {
	t.Parallel()

	namer := NewNamer()
	require.Equal(t, "logo.png", namer.Allocate(capture.KindImage, "https://a.example.com/x/logo.png", ""))
	require.Equal(t, "logo_1.png", namer.Allocate(capture.KindImage, "https://b.example.com/y/logo.png", ""))
	require.Equal(t, "Logo_2.png", namer.Allocate(capture.KindImage, "https://c.example.com/Logo.png", ""))
	require.Equal(t, "logo.png.woff2", namer.Allocate(capture.KindFont, "https://a.example.com/logo.png", "font/woff2"))
	require.Len(t, namer.used, 2)
}

func TestNamerConcurrentAllocationsAreUnique(t *testing.T) {
	t.Parallel()

	namer := NewNamer()
	const n = 64
	names := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			names[i] = namer.Allocate(capture.KindCSS, "https://example.com/site.css", "text/css")
		}(i)
	}
	wg.Wait()

	seen := make(map[string]struct{}, n)
	for _, name := range names {
		_, dup := seen[name]
		require.False(t, dup, "duplicate name %s", name)
		seen[name] = struct{}{}
	}
	require.Contains(t, seen, "site.css")
}
