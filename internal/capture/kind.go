package capture

import (
	"mime"
	"strings"
)

// Kind classifies an asset by how the document uses it.
type Kind string

// Asset kinds recognized by the scanner.
const (
	KindCSS      Kind = "css"
	KindJS       Kind = "js"
	KindImage    Kind = "image"
	KindFont     Kind = "font"
	KindVideo    Kind = "video"
	KindAudio    Kind = "audio"
	KindDocument Kind = "document"
)

// Kinds lists every kind in manifest order.
var Kinds = []Kind{KindCSS, KindJS, KindImage, KindFont, KindVideo, KindAudio, KindDocument}

type kindInfo struct {
	dir        string
	defaultExt string
	accepted   []string
}

var kindTable = map[Kind]kindInfo{
	KindCSS:      {dir: "css", defaultExt: ".css", accepted: []string{".css"}},
	KindJS:       {dir: "js", defaultExt: ".js", accepted: []string{".js", ".mjs"}},
	KindImage:    {dir: "images", defaultExt: ".png", accepted: []string{".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico", ".webp", ".avif"}},
	KindFont:     {dir: "fonts", defaultExt: ".woff", accepted: []string{".woff", ".woff2", ".eot", ".ttf", ".otf"}},
	KindVideo:    {dir: "videos", defaultExt: ".mp4", accepted: []string{".mp4", ".webm", ".ogg", ".mov", ".avi"}},
	KindAudio:    {dir: "audio", defaultExt: ".mp3", accepted: []string{".mp3", ".wav", ".ogg", ".m4a", ".flac"}},
	KindDocument: {dir: "documents", defaultExt: ".pdf", accepted: []string{".pdf", ".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx"}},
}

// contentTypeExt maps media types whose registered extension is missing or
// ambiguous on common systems.
var contentTypeExt = map[string]string{
	"text/css":                      ".css",
	"text/javascript":               ".js",
	"application/javascript":        ".js",
	"application/x-javascript":      ".js",
	"image/png":                     ".png",
	"image/jpeg":                    ".jpg",
	"image/gif":                     ".gif",
	"image/svg+xml":                 ".svg",
	"image/webp":                    ".webp",
	"image/avif":                    ".avif",
	"image/x-icon":                  ".ico",
	"image/vnd.microsoft.icon":      ".ico",
	"font/woff":                     ".woff",
	"font/woff2":                    ".woff2",
	"font/ttf":                      ".ttf",
	"font/otf":                      ".otf",
	"application/font-woff":         ".woff",
	"application/vnd.ms-fontobject": ".eot",
	"video/mp4":                     ".mp4",
	"video/webm":                    ".webm",
	"video/quicktime":               ".mov",
	"audio/mpeg":                    ".mp3",
	"audio/wav":                     ".wav",
	"audio/ogg":                     ".ogg",
	"audio/flac":                    ".flac",
	"application/pdf":               ".pdf",
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := kindTable[k]
	return ok
}

// Dir returns the directory under assets/ that holds files of this kind.
func (k Kind) Dir() string {
	return kindTable[k].dir
}

// DefaultExt is appended to filenames that carry no accepted extension.
func (k Kind) DefaultExt() string {
	return kindTable[k].defaultExt
}

// Accepts reports whether ext (with leading dot, any case) is acceptable
// for files of this kind.
func (k Kind) Accepts(ext string) bool {
	ext = strings.ToLower(ext)
	for _, candidate := range kindTable[k].accepted {
		if candidate == ext {
			return true
		}
	}
	return false
}

// ExtForContentType picks an extension for a response of the given
// Content-Type, falling back to the kind default when the media type is
// unknown or does not belong to the kind.
func (k Kind) ExtForContentType(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType == "" {
		return k.DefaultExt()
	}
	if ext, ok := contentTypeExt[mediaType]; ok && k.Accepts(ext) {
		return ext
	}
	exts, err := mime.ExtensionsByType(mediaType)
	if err == nil {
		for _, ext := range exts {
			if k.Accepts(ext) {
				return strings.ToLower(ext)
			}
		}
	}
	return k.DefaultExt()
}
