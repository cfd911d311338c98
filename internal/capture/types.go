// Package capture defines the types and contracts shared by the mirror
// pipeline: asset kinds, occurrences, per-identity records, the capture
// manifest and the error taxonomy.
package capture

import "time"

// NodeID addresses an element node of a parsed document. IDs are assigned
// in document order and remain stable for the lifetime of the document.
type NodeID int

// Context describes where inside a node a reference was found.
type Context string

// Reference contexts.
const (
	// ContextAttribute is a whole attribute value such as src or href.
	ContextAttribute Context = "attribute"
	// ContextDescriptorList is one candidate inside a srcset attribute.
	ContextDescriptorList Context = "descriptor-list"
	// ContextInlineStyle is a url() token inside a style attribute.
	ContextInlineStyle Context = "inline-style"
	// ContextEmbeddedStylesheet is a url() token inside a <style> element.
	ContextEmbeddedStylesheet Context = "embedded-stylesheet"
)

// Occurrence is a single place in the document that references an asset.
// Occurrences are never merged; two img tags pointing at the same file are
// two occurrences.
type Occurrence struct {
	Kind Kind
	// Raw is the reference exactly as written in the document.
	Raw string
	// Target is the decoded inner target for proxy references and equals
	// Raw otherwise.
	Target string
	// URL is Target resolved against the document base URL.
	URL       string
	Node      NodeID
	Attribute string
	Context   Context
	// Proxied is set when Raw was an image-optimization proxy URL.
	Proxied bool
}

// Identity is the canonical absolute URL under which an asset is fetched
// and stored exactly once.
type Identity string

// Status is the fetch lifecycle state of a Record.
type Status string

// Record status values.
const (
	StatusPending    Status = "pending"
	StatusDownloaded Status = "downloaded"
	StatusFailed     Status = "failed"
)

// Record holds everything known about one unique identity.
type Record struct {
	Kind     Kind     `json:"kind"`
	Identity Identity `json:"identity"`
	Status   Status   `json:"status"`
	// LocalPath is relative to the capture folder and only set once the
	// asset is downloaded.
	LocalPath   string         `json:"local_path,omitempty"`
	Size        int64          `json:"size,omitempty"`
	SHA256      string         `json:"sha256,omitempty"`
	ContentType string         `json:"content_type,omitempty"`
	ErrorKind   FetchErrorKind `json:"error_kind,omitempty"`
	Error       string         `json:"error,omitempty"`
	Occurrences int            `json:"occurrences"`
}

// Downloaded reports whether the record has a usable local file.
func (r *Record) Downloaded() bool {
	return r.Status == StatusDownloaded && r.LocalPath != ""
}

// Snapshot is the rendered document handed over by a Renderer.
type Snapshot struct {
	RequestURL string
	FinalURL   string
	StatusCode int
	HTML       string
	// Screenshot holds PNG bytes; empty when the renderer cannot take one.
	Screenshot []byte
	Duration   time.Duration
}

// Request asks for one capture to be run.
type Request struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Submitted time.Time `json:"submitted_at"`
}
