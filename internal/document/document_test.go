package document

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitemirror/internal/capture"
)

const page = `<!DOCTYPE html><html><head><style>body{background:url(/bg.png)}</style></head>` +
	`<body><img id="hero" src="/a.png"><p><img src="/b.png"></p></body></html>`

func TestParseIndexesElementsInOrder(t *testing.T) {
	t.Parallel()

	doc, err := ParseString(page)
	require.NoError(t, err)
	// html, head, style, body, img, p, img
	require.Equal(t, 7, doc.Len())

	var tags []string
	for i := 0; i < doc.Len(); i++ {
		n, ok := doc.Node(capture.NodeID(i))
		require.True(t, ok)
		tags = append(tags, n.Data)
		id, ok := doc.ID(n)
		require.True(t, ok)
		require.Equal(t, capture.NodeID(i), id)
	}
	require.Equal(t, []string{"html", "head", "style", "body", "img", "p", "img"}, tags)

	_, ok := doc.Node(capture.NodeID(99))
	require.False(t, ok)
}

func TestParseTreatsNoscriptAsMarkup(t *testing.T) {
	t.Parallel()

	doc, err := ParseString(`<html><body><noscript><img src="/fallback.png"></noscript></body></html>`)
	require.NoError(t, err)
	img := doc.Selection().Find("noscript img")
	require.Equal(t, 1, img.Length())
	id, ok := doc.ID(img.Nodes[0])
	require.True(t, ok)
	require.NoError(t, doc.SetAttr(id, "src", "assets/images/fallback.png"))

	out, err := doc.String()
	require.NoError(t, err)
	require.Contains(t, out, `<noscript><img src="assets/images/fallback.png"/></noscript>`)
}

func TestSelectionSharesTree(t *testing.T) {
	t.Parallel()

	doc, err := ParseString(page)
	require.NoError(t, err)
	img := doc.Selection().Find("img#hero")
	require.Equal(t, 1, img.Length())

	id, ok := doc.ID(img.Get(0))
	require.True(t, ok)
	require.NoError(t, doc.SetAttr(id, "src", "assets/images/a.png"))

	src, ok := doc.Attr(id, "src")
	require.True(t, ok)
	require.Equal(t, "assets/images/a.png", src)
}

func TestSetAttrErrors(t *testing.T) {
	t.Parallel()

	doc, err := ParseString(page)
	require.NoError(t, err)

	var rewriteErr *capture.RewriteError
	err = doc.SetAttr(capture.NodeID(4), "data-src", "x")
	require.True(t, errors.As(err, &rewriteErr))
	require.Contains(t, rewriteErr.Reason, "missing")

	err = doc.SetAttr(capture.NodeID(42), "src", "x")
	require.True(t, errors.As(err, &rewriteErr))

	// Detaching <p> also detaches the img inside it.
	doc.Detach(capture.NodeID(5))
	require.False(t, doc.Attached(capture.NodeID(6)))
	err = doc.SetAttr(capture.NodeID(6), "src", "x")
	require.True(t, errors.As(err, &rewriteErr))
	require.Contains(t, rewriteErr.Reason, "detached")
}

func TestTextRoundTrip(t *testing.T) {
	t.Parallel()

	doc, err := ParseString(page)
	require.NoError(t, err)
	style := capture.NodeID(2)
	require.Equal(t, "body{background:url(/bg.png)}", doc.Text(style))

	require.NoError(t, doc.SetText(style, "body{background:url(assets/images/bg.png)}"))
	out, err := doc.String()
	require.NoError(t, err)
	require.True(t, strings.Contains(out, "<style>body{background:url(assets/images/bg.png)}</style>"), out)
	require.Contains(t, out, `<img id="hero" src="/a.png"/>`)
}
