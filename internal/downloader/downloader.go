// Package downloader fetches every pending asset record exactly once on a
// bounded worker pool and writes the bytes under the capture's assets/
// tree.
package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/sitemirror/internal/capture"
	"github.com/JakeFAU/sitemirror/internal/metrics"
)

// Limiter paces requests per host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Config controls the worker pool.
type Config struct {
	Workers int
	Timeout time.Duration
}

// ProgressFunc is called once per record after it reaches a terminal
// status. completed counts terminal records so far, out of total.
type ProgressFunc func(rec capture.Record, completed, total int)

// Stats summarizes a Download call.
type Stats struct {
	Total      int
	Downloaded int
	Failed     int
}

// Downloader owns the fetch stage of a capture.
type Downloader struct {
	cfg     Config
	fetcher capture.AssetFetcher
	limiter Limiter
	hasher  capture.Hasher
	logger  *zap.Logger
}

// New builds a Downloader.
func New(
	cfg Config,
	fetcher capture.AssetFetcher,
	limiter Limiter,
	hasher capture.Hasher,
	logger *zap.Logger,
) *Downloader {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Downloader{
		cfg:     cfg,
		fetcher: fetcher,
		limiter: limiter,
		hasher:  hasher,
		logger:  logger,
	}
}

// Download fetches every pending record and writes it to store. Each record
// is touched by exactly one goroutine. The call returns only after every
// record is downloaded or failed; per-asset failures are recorded on the
// record and never returned. The only error is cancellation of ctx.
func (d *Downloader) Download(
	ctx context.Context,
	store capture.BlobStore,
	records []*capture.Record,
	progress ProgressFunc,
) (Stats, error) {
	var (
		pending    []*capture.Record
		completed  atomic.Int64
		downloaded atomic.Int64
		failed     atomic.Int64
	)
	for _, rec := range records {
		if rec.Status == capture.StatusPending {
			pending = append(pending, rec)
		}
	}
	total := len(pending)
	namer := NewNamer()

	var g errgroup.Group
	g.SetLimit(d.cfg.Workers)
	for _, rec := range pending {
		g.Go(func() error {
			d.fetchOne(ctx, store, namer, rec)
			if rec.Status == capture.StatusDownloaded {
				downloaded.Add(1)
			} else {
				failed.Add(1)
			}
			metrics.ObserveAsset(string(rec.Kind), string(rec.Status), rec.Size)
			done := completed.Add(1)
			if progress != nil {
				progress(*rec, int(done), total)
			}
			return nil
		})
	}
	_ = g.Wait()

	stats := Stats{Total: total, Downloaded: int(downloaded.Load()), Failed: int(failed.Load())}
	d.logger.Info("asset download complete",
		zap.Int("total", stats.Total),
		zap.Int("downloaded", stats.Downloaded),
		zap.Int("failed", stats.Failed),
	)
	if err := ctx.Err(); err != nil {
		return stats, fmt.Errorf("download canceled: %w", err)
	}
	return stats, nil
}

func (d *Downloader) fetchOne(ctx context.Context, store capture.BlobStore, namer *Namer, rec *capture.Record) {
	url := string(rec.Identity)
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx, url); err != nil {
			d.fail(rec, asFetchError(ctx, url, err))
			return
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	resp, err := d.fetcher.FetchAsset(fetchCtx, url)
	if err != nil {
		d.fail(rec, asFetchError(fetchCtx, url, err))
		return
	}

	name := namer.Allocate(rec.Kind, rec.Identity, resp.ContentType)
	localPath := "assets/" + rec.Kind.Dir() + "/" + name
	if _, err := store.PutObject(ctx, localPath, resp.ContentType, bytes.NewReader(resp.Body)); err != nil {
		d.fail(rec, &capture.FetchError{Kind: capture.FetchWriteFailure, URL: url, Err: err})
		return
	}
	digest, err := d.hasher.Hash(resp.Body)
	if err != nil {
		d.logger.Warn("asset digest failed", zap.String("url", url), zap.Error(err))
	}

	rec.Status = capture.StatusDownloaded
	rec.LocalPath = localPath
	rec.Size = int64(len(resp.Body))
	rec.SHA256 = digest
	rec.ContentType = resp.ContentType
	d.logger.Debug("asset downloaded",
		zap.String("url", url),
		zap.String("kind", string(rec.Kind)),
		zap.String("local_path", localPath),
		zap.Int64("size", rec.Size),
	)
}

func (d *Downloader) fail(rec *capture.Record, err *capture.FetchError) {
	rec.Status = capture.StatusFailed
	rec.LocalPath = ""
	rec.ErrorKind = err.Kind
	rec.Error = err.Error()
	d.logger.Warn("asset fetch failed",
		zap.String("url", string(rec.Identity)),
		zap.String("kind", string(rec.Kind)),
		zap.String("error_kind", string(err.Kind)),
		zap.Error(err),
	)
}

func asFetchError(ctx context.Context, url string, err error) *capture.FetchError {
	var fetchErr *capture.FetchError
	if !errors.As(err, &fetchErr) {
		fetchErr = &capture.FetchError{Kind: capture.FetchConnectionFailure, URL: url, Err: err}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		fetchErr.Kind = capture.FetchTimeout
	}
	return fetchErr
}
