// Package dispatcher manages worker fan-out over the capture queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitemirror/internal/capture"
	"github.com/JakeFAU/sitemirror/internal/metrics"
	"github.com/JakeFAU/sitemirror/internal/worker"
)

// depthReporter is implemented by queues that can report how many captures
// are waiting.
type depthReporter interface {
	Len() int
}

// Dispatcher fans out queued captures to a pool of workers.
type Dispatcher struct {
	queue   capture.Queue
	workers []*worker.Worker
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(queue capture.Queue, workers []*worker.Worker, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		workers: workers,
		logger:  logger,
	}
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
	d.logger.Info("dispatcher stopped", zap.Int("pending", d.Pending()))
}

// Enqueue hands a capture to the queue. Rejected captures are counted
// under the "rejected" status and logged with the queue depth at the time.
func (d *Dispatcher) Enqueue(ctx context.Context, req capture.Request) error {
	if err := d.queue.Enqueue(ctx, req); err != nil {
		metrics.ObserveCapture(req.URL, "rejected")
		d.logger.Warn("capture rejected",
			zap.String("capture_id", req.ID),
			zap.String("url", req.URL),
			zap.Int("pending", d.Pending()),
			zap.Error(err),
		)
		return fmt.Errorf("enqueue capture %s: %w", req.ID, err)
	}
	d.logger.Debug("capture queued",
		zap.String("capture_id", req.ID),
		zap.String("url", req.URL),
		zap.Int("pending", d.Pending()),
	)
	return nil
}

// Pending reports how many captures wait in the queue, or -1 when the queue
// cannot tell.
func (d *Dispatcher) Pending() int {
	if r, ok := d.queue.(depthReporter); ok {
		return r.Len()
	}
	return -1
}

// Workers reports the size of the pool.
func (d *Dispatcher) Workers() int {
	return len(d.workers)
}
