package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/sitemirror/internal/progress"
)

// PrometheusSink exports capture progress metrics via Prometheus. It owns the
// collectors for captures started/completed/running and per-kind asset
// completions.
type PrometheusSink struct {
	capturesStarted   prometheus.Counter
	capturesCompleted *prometheus.CounterVec
	capturesRunning   prometheus.Gauge
	captureRuntime    *prometheus.HistogramVec
	stageDuration     *prometheus.HistogramVec

	assetsDone *prometheus.CounterVec
	assetBytes *prometheus.CounterVec

	running *runningSet
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		capturesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitemirror_progress_captures_started_total",
			Help: "Total captures that have started.",
		}),
		capturesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitemirror_progress_captures_completed_total",
			Help: "Total captures completed partitioned by result.",
		}, []string{"result"}),
		capturesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sitemirror_progress_captures_running",
			Help: "Current number of running captures.",
		}),
		captureRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sitemirror_progress_capture_runtime_seconds",
			Help:    "Wall time per completed capture.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"result"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sitemirror_progress_stage_duration_seconds",
			Help:    "Duration reported by intermediate capture stages.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"stage"}),
		assetsDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitemirror_progress_assets_done_total",
			Help: "Asset completions partitioned by kind and status.",
		}, []string{"kind", "status"}),
		assetBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitemirror_progress_asset_bytes_total",
			Help: "Asset bytes written per site.",
		}, []string{"site"}),
		running: newRunningSet(),
	}
	for _, collector := range []prometheus.Collector{
		s.capturesStarted,
		s.capturesCompleted,
		s.capturesRunning,
		s.captureRuntime,
		s.stageDuration,
		s.assetsDone,
		s.assetBytes,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageCaptureStart:
		s.capturesStarted.Inc()
		if s.running.start(evt.CaptureID) {
			s.capturesRunning.Inc()
		}
	case progress.StageRenderDone, progress.StageScanDone:
		if evt.Dur > 0 {
			s.stageDuration.WithLabelValues(string(evt.Stage)).Observe(evt.Dur.Seconds())
		}
	case progress.StageAssetDone:
		s.handleAssetEvent(evt)
	case progress.StageCaptureDone:
		s.finish(evt, "success")
	case progress.StageCaptureError:
		s.finish(evt, "error")
	}
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	s.capturesCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.captureRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.running.complete(evt.CaptureID) {
		s.capturesRunning.Dec()
	}
}

func (s *PrometheusSink) handleAssetEvent(evt progress.Event) {
	s.assetsDone.WithLabelValues(evt.Kind, evt.AssetStatus).Inc()
	if evt.Bytes > 0 {
		site := evt.Site
		if site == "" {
			site = "unknown"
		}
		s.assetBytes.WithLabelValues(site).Add(float64(evt.Bytes))
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runningSet struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunningSet() *runningSet {
	return &runningSet{running: make(map[[16]byte]struct{})}
}

func (r *runningSet) start(id [16]byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.running[id]; ok {
		return false
	}
	r.running[id] = struct{}{}
	return true
}

func (r *runningSet) complete(id [16]byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.running[id]; !ok {
		return false
	}
	delete(r.running, id)
	return true
}
