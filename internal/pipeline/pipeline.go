// Package pipeline runs one capture end to end: render, scan, resolve,
// download, rewrite, then write the capture directory and run exports.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemirror/internal/capture"
	"github.com/JakeFAU/sitemirror/internal/document"
	"github.com/JakeFAU/sitemirror/internal/downloader"
	"github.com/JakeFAU/sitemirror/internal/id/uuid"
	"github.com/JakeFAU/sitemirror/internal/metrics"
	"github.com/JakeFAU/sitemirror/internal/patch"
	"github.com/JakeFAU/sitemirror/internal/progress"
	"github.com/JakeFAU/sitemirror/internal/resolver"
	"github.com/JakeFAU/sitemirror/internal/rewriter"
	"github.com/JakeFAU/sitemirror/internal/scanner"
	"github.com/JakeFAU/sitemirror/internal/urlref"
)

// Files written at the root of every capture directory.
const (
	IndexFile      = "index.html"
	ScreenshotFile = "screenshot.png"
	ManifestFile   = "manifest.json"
)

var tracer = otel.Tracer("github.com/JakeFAU/sitemirror/internal/pipeline")

// Library allocates capture directories. Create must return a folder name
// that no other capture uses. Delete discards a folder whose capture did
// not finish.
type Library interface {
	Create(ctx context.Context, name string) (string, capture.BlobStore, error)
	Delete(ctx context.Context, folder string) error
}

// Config tunes the pipeline.
type Config struct {
	// RendererName is recorded in the manifest.
	RendererName  string
	ProxyPatterns []urlref.ProxyPattern
	// HydrationPatch injects the runtime proxy image patch.
	HydrationPatch bool
	// ExportTimeout bounds each exporter call.
	ExportTimeout time.Duration
}

// Pipeline wires the capture stages together.
type Pipeline struct {
	cfg        Config
	renderer   capture.Renderer
	scanner    *scanner.Scanner
	resolver   *resolver.Resolver
	downloader *downloader.Downloader
	rewriter   *rewriter.Rewriter
	library    Library
	exporters  []Exporter
	clock      capture.Clock
	ids        capture.IDGenerator
	progress   progress.Emitter
	logger     *zap.Logger
}

// Deps lists the collaborators of a Pipeline.
type Deps struct {
	Renderer   capture.Renderer
	Downloader *downloader.Downloader
	Library    Library
	Exporters  []Exporter
	Clock      capture.Clock
	IDs        capture.IDGenerator
	Progress   progress.Emitter
	Logger     *zap.Logger
}

// New builds a Pipeline.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if deps.Renderer == nil {
		return nil, errors.New("renderer is required")
	}
	if deps.Downloader == nil {
		return nil, errors.New("downloader is required")
	}
	if deps.Library == nil {
		return nil, errors.New("library is required")
	}
	if deps.Clock == nil || deps.IDs == nil {
		return nil, errors.New("clock and id generator are required")
	}
	if deps.Progress == nil {
		deps.Progress = progress.Nop{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ProxyPatterns == nil {
		cfg.ProxyPatterns = urlref.DefaultProxyPatterns
	}
	if cfg.RendererName == "" {
		cfg.RendererName = "unknown"
	}
	if cfg.ExportTimeout <= 0 {
		cfg.ExportTimeout = time.Minute
	}
	return &Pipeline{
		cfg:        cfg,
		renderer:   deps.Renderer,
		scanner:    scanner.New(scanner.Config{ProxyPatterns: cfg.ProxyPatterns}, logger.Named("scanner")),
		resolver:   resolver.New(resolver.Config{ProxyPatterns: cfg.ProxyPatterns}, logger.Named("resolver")),
		downloader: deps.Downloader,
		rewriter:   rewriter.New(logger.Named("rewriter")),
		library:    deps.Library,
		exporters:  deps.Exporters,
		clock:      deps.Clock,
		ids:        deps.IDs,
		progress:   deps.Progress,
		logger:     logger,
	}, nil
}

// Result is what a finished capture hands back to callers.
type Result struct {
	Folder   string
	Manifest capture.Manifest
}

// run carries per-capture state so events can be stamped consistently.
type run struct {
	id     string
	idRaw  [16]byte
	url    string
	site   string
	folder string
}

// Capture mirrors rawURL. A fresh capture ID is generated.
func (p *Pipeline) Capture(ctx context.Context, rawURL string) (Result, error) {
	id, err := p.ids.NewID()
	if err != nil {
		return Result{}, fmt.Errorf("generate capture id: %w", err)
	}
	return p.CaptureWithID(ctx, id, rawURL)
}

// CaptureWithID mirrors rawURL under a caller supplied capture ID. Only a
// render failure, an unwritable capture directory or cancellation return
// an error; asset and rewrite problems are recorded in the manifest.
func (p *Pipeline) CaptureWithID(ctx context.Context, id, rawURL string) (Result, error) {
	start := p.clock.Now()
	r := &run{id: id, url: rawURL, site: metrics.SanitizeSite(rawURL)}
	if raw, err := uuid.Bytes(id); err == nil {
		r.idRaw = raw
	}
	logger := p.logger.With(zap.String("capture_id", id), zap.String("url", rawURL))

	ctx, span := tracer.Start(ctx, "capture", trace.WithAttributes(
		attribute.String("capture.id", id),
		attribute.String("capture.url", rawURL),
	))
	defer span.End()

	res, err := p.capture(ctx, r, start, logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "capture failed")
		p.emit(r, progress.Event{Stage: progress.StageCaptureError, Note: err.Error(), Dur: p.since(start)})
		metrics.ObserveCapture(rawURL, "error")
		logger.Error("capture failed", zap.Error(err))
		return Result{}, err
	}
	assets, _, _ := res.Manifest.Totals()
	p.emit(r, progress.Event{
		Stage:     progress.StageCaptureDone,
		Dur:       p.since(start),
		Completed: assets,
		Total:     assets,
	})
	metrics.ObserveCapture(rawURL, "success")
	return res, nil
}

func (p *Pipeline) capture(ctx context.Context, r *run, start time.Time, logger *zap.Logger) (Result, error) {
	target, err := ValidateURL(r.url)
	if err != nil {
		return Result{}, err
	}
	r.url = target.String()
	p.emit(r, progress.Event{Stage: progress.StageCaptureStart})

	renderCtx, renderSpan := tracer.Start(ctx, "render", trace.WithAttributes(attribute.String("renderer", p.cfg.RendererName)))
	snap, err := p.renderer.Render(renderCtx, r.url)
	renderSpan.End()
	if err != nil {
		var renderErr *capture.RenderError
		if !errors.As(err, &renderErr) {
			err = &capture.RenderError{URL: r.url, Err: err}
		}
		return Result{}, err
	}
	metrics.ObserveRender(p.cfg.RendererName, snap.Duration)
	p.emit(r, progress.Event{Stage: progress.StageRenderDone, Dur: snap.Duration})

	finalURL := snap.FinalURL
	if finalURL == "" {
		finalURL = r.url
	}
	base, err := url.Parse(finalURL)
	if err != nil {
		return Result{}, &capture.RenderError{URL: r.url, Err: fmt.Errorf("final url: %w", err)}
	}
	doc, err := document.ParseString(snap.HTML)
	if err != nil {
		return Result{}, &capture.RenderError{URL: r.url, Err: err}
	}

	scan := p.scanner.Scan(doc, base)
	table := p.resolver.Resolve(base, scan.Occurrences)
	records := table.Records()
	p.emit(r, progress.Event{Stage: progress.StageScanDone, Total: len(records)})
	logger.Info("references resolved",
		zap.Int("occurrences", len(scan.Occurrences)),
		zap.Int("assets", len(records)),
		zap.Int("discovery_warnings", len(scan.Warnings)),
	)

	folder, store, err := p.library.Create(ctx, FolderName(target, start))
	if err != nil {
		return Result{}, fmt.Errorf("create capture folder: %w", err)
	}
	r.folder = folder
	complete := false
	defer func() {
		if !complete {
			p.discard(ctx, folder, logger)
		}
	}()

	downloadCtx, downloadSpan := tracer.Start(ctx, "download", trace.WithAttributes(attribute.Int("assets", len(records))))
	_, err = p.downloader.Download(downloadCtx, store, records, func(rec capture.Record, completed, total int) {
		p.emit(r, progress.Event{
			Stage:       progress.StageAssetDone,
			URL:         string(rec.Identity),
			Kind:        string(rec.Kind),
			AssetStatus: string(rec.Status),
			Bytes:       rec.Size,
			Completed:   completed,
			Total:       total,
		})
	})
	downloadSpan.End()
	if err != nil {
		return Result{}, err
	}

	rewritten := p.rewriter.Rewrite(doc, table)
	if p.cfg.HydrationPatch {
		if _, err := patch.Inject(doc, table, p.cfg.ProxyPatterns); err != nil {
			logger.Warn("hydration patch skipped", zap.Error(err))
		}
	}

	manifest := capture.BuildManifest(scan.Occurrences, records)
	manifest.CaptureID = r.id
	manifest.OriginalURL = r.url
	manifest.FinalURL = finalURL
	manifest.CaptureTime = start.UTC()
	manifest.FolderName = folder
	manifest.Renderer = p.cfg.RendererName
	manifest.Warnings = capture.Warnings{Discovery: len(scan.Warnings), Rewrite: len(rewritten.Warnings)}

	if err := p.writeOutputs(ctx, store, doc, snap, &manifest, start); err != nil {
		return Result{}, err
	}
	complete = true
	assets, downloaded, failed := manifest.Totals()
	logger.Info("capture complete",
		zap.String("folder", folder),
		zap.Int("assets", assets),
		zap.Int("downloaded", downloaded),
		zap.Int("failed", failed),
		zap.Int("rewritten", rewritten.Rewritten),
	)

	p.export(ctx, folder, manifest, logger)
	return Result{Folder: folder, Manifest: manifest}, nil
}

// discard removes a folder left behind by a failed capture. It runs on a
// context detached from cancellation since ctx is often the reason for the
// failure.
func (p *Pipeline) discard(ctx context.Context, folder string, logger *zap.Logger) {
	if err := p.library.Delete(context.WithoutCancel(ctx), folder); err != nil {
		logger.Warn("incomplete capture folder not removed", zap.String("folder", folder), zap.Error(err))
		return
	}
	logger.Info("incomplete capture folder removed", zap.String("folder", folder))
}

func (p *Pipeline) writeOutputs(
	ctx context.Context,
	store capture.BlobStore,
	doc *document.Document,
	snap capture.Snapshot,
	manifest *capture.Manifest,
	start time.Time,
) error {
	var page bytes.Buffer
	if err := doc.Render(&page); err != nil {
		return err
	}
	if _, err := store.PutObject(ctx, IndexFile, "text/html; charset=utf-8", &page); err != nil {
		return fmt.Errorf("write %s: %w", IndexFile, err)
	}
	if len(snap.Screenshot) > 0 {
		if _, err := store.PutObject(ctx, ScreenshotFile, "image/png", bytes.NewReader(snap.Screenshot)); err != nil {
			return fmt.Errorf("write %s: %w", ScreenshotFile, err)
		}
		manifest.Screenshot = ScreenshotFile
	}
	manifest.DurationMs = p.since(start).Milliseconds()
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if _, err := store.PutObject(ctx, ManifestFile, "application/json", bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write %s: %w", ManifestFile, err)
	}
	return nil
}

func (p *Pipeline) export(ctx context.Context, folder string, manifest capture.Manifest, logger *zap.Logger) {
	for _, exp := range p.exporters {
		exportCtx, cancel := context.WithTimeout(ctx, p.cfg.ExportTimeout)
		exportCtx, span := tracer.Start(exportCtx, "export", trace.WithAttributes(attribute.String("exporter", exp.Name())))
		err := exp.Export(exportCtx, folder, manifest)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "export failed")
		}
		span.End()
		cancel()
		if err != nil {
			logger.Warn("export failed", zap.String("exporter", exp.Name()), zap.Error(err))
			continue
		}
		logger.Debug("export complete", zap.String("exporter", exp.Name()))
	}
}

func (p *Pipeline) emit(r *run, evt progress.Event) {
	if r.idRaw == [16]byte{} {
		return
	}
	evt.CaptureID = r.idRaw
	evt.TS = p.clock.Now().UTC()
	evt.Site = r.site
	if evt.URL == "" {
		evt.URL = r.url
	}
	if evt.Folder == "" {
		evt.Folder = r.folder
	}
	p.progress.Emit(evt)
}

func (p *Pipeline) since(start time.Time) time.Duration {
	d := p.clock.Now().Sub(start)
	if d < 0 {
		return 0
	}
	return d
}

// ValidateURL accepts absolute http and https URLs with a host. Failures
// wrap capture.ErrInvalidURL.
func ValidateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", capture.ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme must be http or https", capture.ErrInvalidURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: host is required", capture.ErrInvalidURL)
	}
	return u, nil
}
