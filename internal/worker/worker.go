// Package worker implements the capture execution loop.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitemirror/internal/capture"
	"github.com/JakeFAU/sitemirror/internal/metrics"
	"github.com/JakeFAU/sitemirror/internal/pipeline"
)

// Runner executes one capture under a caller supplied ID.
type Runner interface {
	CaptureWithID(ctx context.Context, id, rawURL string) (pipeline.Result, error)
}

// Config controls Worker behavior.
type Config struct {
	// CaptureTimeout bounds a single capture. Zero means no limit beyond
	// the worker context.
	CaptureTimeout time.Duration
}

// Worker consumes capture requests and runs the pipeline for each.
type Worker struct {
	queue  capture.Queue
	runner Runner
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(queue capture.Queue, runner Runner, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:  queue,
		runner: runner,
		cfg:    cfg,
		logger: logger,
	}
}

// Run blocks, consuming requests until the context finishes or the queue
// closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		req, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, capture.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued capture", zap.String("capture_id", req.ID), zap.String("url", req.URL))
		w.process(ctx, req)
	}
}

func (w *Worker) process(ctx context.Context, req capture.Request) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	if w.runner == nil {
		w.logger.Error("no capture runner configured", zap.String("capture_id", req.ID))
		return
	}
	captureCtx := ctx
	if w.cfg.CaptureTimeout > 0 {
		var cancel context.CancelFunc
		captureCtx, cancel = context.WithTimeout(ctx, w.cfg.CaptureTimeout)
		defer cancel()
	}

	res, err := w.runner.CaptureWithID(captureCtx, req.ID, req.URL)
	if err != nil {
		// The pipeline has already reported the failure through progress.
		w.logger.Warn("capture failed",
			zap.String("capture_id", req.ID),
			zap.String("url", req.URL),
			zap.Bool("fatal", capture.IsFatal(err)),
			zap.Error(err),
		)
		return
	}
	_, downloaded, failed := res.Manifest.Totals()
	w.logger.Info("capture stored",
		zap.String("capture_id", req.ID),
		zap.String("folder", res.Folder),
		zap.Int("downloaded", downloaded),
		zap.Int("failed", failed),
	)
}
