package capture

import (
	"context"
	"io"
	"time"
)

// Renderer loads a page and returns its rendered document.
type Renderer interface {
	Render(ctx context.Context, url string) (Snapshot, error)
}

// AssetResponse is the raw result of retrieving one asset.
type AssetResponse struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
}

// AssetFetcher retrieves a single asset. Implementations return a
// *FetchError describing the failure class.
type AssetFetcher interface {
	FetchAsset(ctx context.Context, url string) (AssetResponse, error)
}

// BlobStore writes an artifact and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes capture completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// ManifestIndex keeps a queryable copy of finished capture manifests.
type ManifestIndex interface {
	RecordCapture(ctx context.Context, manifest Manifest) error
	Close() error
}

// Queue provides enqueue/dequeue semantics for capture requests.
type Queue interface {
	Enqueue(ctx context.Context, request Request) error
	Dequeue(ctx context.Context) (Request, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces capture IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
