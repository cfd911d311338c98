package scanner

import (
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemirror/internal/capture"
	"github.com/JakeFAU/sitemirror/internal/document"
	"github.com/JakeFAU/sitemirror/internal/urlref"
)

const fixture = `<!DOCTYPE html>
<html>
<head>
  <link rel="stylesheet" href="/css/site.css">
  <link rel="Shortcut Icon" href="/favicon.ico">
  <link rel="apple-touch-icon" href="/touch.png">
  <link rel="preload" as="font" href="/fonts/inter.woff2" crossorigin>
  <link rel="preload" as="script" href="/ignored.js">
  <script src="https://cdn.example.net/lib.js"></script>
  <script>var inline = true;</script>
  <style>
    @import url("/css/extra.css");
    @font-face { src: url('/fonts/body.ttf?v=2') format("truetype"); }
    .hero { background: url(/img/bg.jpg) }
    .skip { background: url(data:image/png;base64,AAAA) }
  </style>
</head>
<body>
  <img src="/a.png" data-src="/a.png" srcset="/img-480.png 480w, /img-960.png 960w">
  <picture><source srcset="/p.webp 1x, /p@2x.webp 2x"><img src="/p.jpg"></picture>
  <video src="/v.mp4" poster="/poster.jpg"><source src="/v.webm"></video>
  <audio><source src="/a.mp3"></audio>
  <div style="color: red; background-image: url('/div-bg.png')"></div>
  <a href="/files/report.PDF?dl=1">report</a>
  <a href="/about">about</a>
  <a href="mailto:x@example.com">mail</a>
  <img src="/optimize?url=%2Fhero.png&amp;w=640">
  <img src="data:image/gif;base64,R0lGOD">
  <img src="ftp://example.com/old.png">
</body>
</html>`

func scan(t *testing.T, html string) Result {
	t.Helper()
	doc, err := document.ParseString(html)
	require.NoError(t, err)
	base, err := url.Parse("https://example.com/page/")
	require.NoError(t, err)
	s := New(Config{ProxyPatterns: urlref.DefaultProxyPatterns}, zap.NewNop())
	return s.Scan(doc, base)
}

func TestScanDiscoversEveryKind(t *testing.T) {
	t.Parallel()

	res := scan(t, fixture)

	type found struct {
		kind capture.Kind
		url  string
		ctx  capture.Context
	}
	var got []found
	for _, occ := range res.Occurrences {
		got = append(got, found{kind: occ.Kind, url: occ.URL, ctx: occ.Context})
	}

	want := []found{
		{capture.KindCSS, "https://example.com/css/site.css", capture.ContextAttribute},
		{capture.KindImage, "https://example.com/favicon.ico", capture.ContextAttribute},
		{capture.KindImage, "https://example.com/touch.png", capture.ContextAttribute},
		{capture.KindFont, "https://example.com/fonts/inter.woff2", capture.ContextAttribute},
		{capture.KindJS, "https://cdn.example.net/lib.js", capture.ContextAttribute},
		{capture.KindCSS, "https://example.com/css/extra.css", capture.ContextEmbeddedStylesheet},
		{capture.KindFont, "https://example.com/fonts/body.ttf?v=2", capture.ContextEmbeddedStylesheet},
		{capture.KindImage, "https://example.com/img/bg.jpg", capture.ContextEmbeddedStylesheet},
		{capture.KindImage, "https://example.com/a.png", capture.ContextAttribute},
		{capture.KindImage, "https://example.com/a.png", capture.ContextAttribute},
		{capture.KindImage, "https://example.com/img-480.png", capture.ContextDescriptorList},
		{capture.KindImage, "https://example.com/img-960.png", capture.ContextDescriptorList},
		{capture.KindImage, "https://example.com/p.webp", capture.ContextDescriptorList},
		{capture.KindImage, "https://example.com/p@2x.webp", capture.ContextDescriptorList},
		{capture.KindImage, "https://example.com/p.jpg", capture.ContextAttribute},
		{capture.KindVideo, "https://example.com/v.mp4", capture.ContextAttribute},
		{capture.KindImage, "https://example.com/poster.jpg", capture.ContextAttribute},
		{capture.KindVideo, "https://example.com/v.webm", capture.ContextAttribute},
		{capture.KindAudio, "https://example.com/a.mp3", capture.ContextAttribute},
		{capture.KindImage, "https://example.com/div-bg.png", capture.ContextInlineStyle},
		{capture.KindDocument, "https://example.com/files/report.PDF?dl=1", capture.ContextAttribute},
		{capture.KindImage, "https://example.com/hero.png", capture.ContextAttribute},
	}
	require.Equal(t, want, got)

	require.Len(t, res.Warnings, 1)
	var discoveryErr *capture.DiscoveryError
	require.True(t, errors.As(res.Warnings[0], &discoveryErr))
	require.Equal(t, "ftp://example.com/old.png", discoveryErr.Raw)
}

func TestScanNeverEmitsDataURIs(t *testing.T) {
	t.Parallel()

	res := scan(t, fixture)
	for _, occ := range res.Occurrences {
		require.NotContains(t, occ.Raw, "data:")
	}
}

func TestScanFindsNoscriptFallbackImages(t *testing.T) {
	t.Parallel()

	res := scan(t, `<body><img class="lazy" data-src="/lazy.png"><noscript><img src="/lazy.png"><img src="/only-fallback.png"></noscript></body>`)
	var urls []string
	for _, occ := range res.Occurrences {
		require.Equal(t, capture.KindImage, occ.Kind)
		urls = append(urls, occ.URL)
	}
	require.ElementsMatch(t, []string{
		"https://example.com/lazy.png",
		"https://example.com/lazy.png",
		"https://example.com/only-fallback.png",
	}, urls)
}

func TestScanProxyKeepsBothForms(t *testing.T) {
	t.Parallel()

	res := scan(t, `<img srcset="/_next/image?url=%2Fhero.png&amp;w=640 640w, /_next/image?url=%2Fhero.png&amp;w=1080 1080w">`)
	require.Len(t, res.Occurrences, 2)
	for _, occ := range res.Occurrences {
		require.True(t, occ.Proxied)
		require.Contains(t, occ.Raw, "/_next/image?url=%2Fhero.png&w=")
		require.Equal(t, "/hero.png", occ.Target)
		require.Equal(t, "https://example.com/hero.png", occ.URL)
		require.Equal(t, "srcset", occ.Attribute)
	}
}

func TestScanRecordsNodeIDs(t *testing.T) {
	t.Parallel()

	doc, err := document.ParseString(`<p><img src="/x.png"></p><img data-src="/x.png">`)
	require.NoError(t, err)
	base, err := url.Parse("https://example.com/")
	require.NoError(t, err)
	res := New(Config{}, nil).Scan(doc, base)

	require.Len(t, res.Occurrences, 2)
	first, ok := doc.Node(res.Occurrences[0].Node)
	require.True(t, ok)
	require.Equal(t, "img", first.Data)
	require.NotEqual(t, res.Occurrences[0].Node, res.Occurrences[1].Node)
	require.Equal(t, "data-src", res.Occurrences[1].Attribute)
}

func TestScanWarnsOnUnterminatedURL(t *testing.T) {
	t.Parallel()

	res := scan(t, `<style>.a{background:url("/broken.png}</style><div style="background:url(/ok.png)"></div>`)
	require.Len(t, res.Occurrences, 1)
	require.Equal(t, capture.ContextInlineStyle, res.Occurrences[0].Context)
	require.Len(t, res.Warnings, 1)
}

func TestBackgroundValues(t *testing.T) {
	t.Parallel()

	got := backgroundValues(`color: red; BACKGROUND-IMAGE: url("a;b.png"), url(c.png); background: url(data:image/png;base64,AA) no-repeat`)
	require.Equal(t, []string{
		` url("a;b.png"), url(c.png)`,
		` url(data:image/png;base64,AA) no-repeat`,
	}, got)
	require.Empty(t, backgroundValues("color: red"))
}
