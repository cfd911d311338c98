package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/JakeFAU/sitemirror/internal/capture"
	"github.com/JakeFAU/sitemirror/internal/metrics"
)

// Exporter runs after a capture directory is complete. Failures are logged
// and never fail the capture.
type Exporter interface {
	Name() string
	Export(ctx context.Context, folder string, manifest capture.Manifest) error
}

// IndexExporter records the manifest in a queryable index.
type IndexExporter struct {
	Index capture.ManifestIndex
}

// Name implements Exporter.
func (IndexExporter) Name() string { return "index" }

// Export implements Exporter.
func (e IndexExporter) Export(ctx context.Context, _ string, manifest capture.Manifest) error {
	if err := e.Index.RecordCapture(ctx, manifest); err != nil {
		return fmt.Errorf("record manifest: %w", err)
	}
	return nil
}

// Completion is the message published when a capture finishes.
type Completion struct {
	CaptureID  string               `json:"capture_id"`
	URL        string               `json:"url"`
	FinalURL   string               `json:"final_url"`
	Folder     string               `json:"folder"`
	Assets     int                  `json:"assets"`
	Downloaded int                  `json:"downloaded"`
	Failed     int                  `json:"failed"`
	ByKind     map[capture.Kind]int `json:"downloaded_by_kind"`
	ArchiveURI string               `json:"archive_uri,omitempty"`
}

// OrderingKey groups notifications for the same site.
func (c Completion) OrderingKey() string {
	return metrics.SanitizeSite(c.URL)
}

// NotifyExporter publishes a Completion message.
type NotifyExporter struct {
	Publisher capture.Publisher
	Topic     string
}

// Name implements Exporter.
func (NotifyExporter) Name() string { return "notify" }

// Export implements Exporter.
func (e NotifyExporter) Export(ctx context.Context, folder string, manifest capture.Manifest) error {
	assets, downloaded, failed := manifest.Totals()
	msg := Completion{
		CaptureID:  manifest.CaptureID,
		URL:        manifest.OriginalURL,
		FinalURL:   manifest.FinalURL,
		Folder:     folder,
		Assets:     assets,
		Downloaded: downloaded,
		Failed:     failed,
		ByKind:     manifest.Downloaded,
	}
	if _, err := e.Publisher.Publish(ctx, e.Topic, msg); err != nil {
		return fmt.Errorf("publish completion: %w", err)
	}
	return nil
}

// Archiver streams a deterministic archive of a capture folder.
type Archiver interface {
	WriteArchive(ctx context.Context, folder string, w io.Writer) error
}

// ArchiveExporter uploads the capture archive to a blob store, typically a
// bucket.
type ArchiveExporter struct {
	Archiver Archiver
	Store    capture.BlobStore
	Prefix   string
}

// Name implements Exporter.
func (ArchiveExporter) Name() string { return "archive" }

// Export implements Exporter.
func (e ArchiveExporter) Export(ctx context.Context, folder string, _ capture.Manifest) error {
	if e.Archiver == nil || e.Store == nil {
		return errors.New("archive exporter is not configured")
	}
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(e.Archiver.WriteArchive(ctx, folder, pw))
	}()
	_, err := e.Store.PutObject(ctx, path.Join(e.Prefix, folder+".zip"), "application/zip", pr)
	// Unblock the writer if the upload gave up early.
	_ = pr.CloseWithError(err)
	if err != nil {
		return fmt.Errorf("upload archive: %w", err)
	}
	return nil
}
