package capture

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when a capture does not exist.
var ErrNotFound = errors.New("capture not found")

// ErrInvalidURL is returned when a capture is requested for a URL that is not
// absolute http(s).
var ErrInvalidURL = errors.New("invalid capture url")

// ErrQueueClosed is returned by Dequeue once the queue has shut down.
var ErrQueueClosed = errors.New("queue closed")

// ErrQueueFull is returned by non-blocking enqueues when the queue is at
// capacity.
var ErrQueueFull = errors.New("queue full")

// RenderError aborts a capture: without a rendered document there is nothing
// to scan.
type RenderError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *RenderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("render %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("render %s: %v", e.URL, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// DiscoveryError is a warning raised while scanning a malformed reference.
type DiscoveryError struct {
	Raw    string
	Reason string
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discover %q: %s", e.Raw, e.Reason)
}

// FetchErrorKind classifies a failed asset retrieval.
type FetchErrorKind string

// Fetch failure classes.
const (
	FetchTimeout           FetchErrorKind = "timeout"
	FetchHTTPError         FetchErrorKind = "http-error"
	FetchConnectionFailure FetchErrorKind = "connection-failure"
	FetchTooLarge          FetchErrorKind = "too-large"
	FetchWriteFailure      FetchErrorKind = "write-failure"
	FetchBlocked           FetchErrorKind = "blocked"
)

// FetchError marks one identity as failed. It never aborts a capture.
type FetchError struct {
	Kind       FetchErrorKind
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.Kind == FetchHTTPError:
		return fmt.Sprintf("fetch %s: http status %d", e.URL, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	default:
		return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// RewriteError is a warning raised when an occurrence cannot be rewritten,
// typically because its node is no longer attached to the document.
type RewriteError struct {
	Node   NodeID
	Reason string
}

func (e *RewriteError) Error() string {
	return fmt.Sprintf("rewrite node %d: %s", e.Node, e.Reason)
}

// IsFatal reports whether err must abort the capture.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var renderErr *RenderError
	if errors.As(err, &renderErr) {
		return true
	}
	var (
		discoveryErr *DiscoveryError
		fetchErr     *FetchError
		rewriteErr   *RewriteError
	)
	switch {
	case errors.As(err, &discoveryErr), errors.As(err, &fetchErr), errors.As(err, &rewriteErr):
		return false
	default:
		return true
	}
}
