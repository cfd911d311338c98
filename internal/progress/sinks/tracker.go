package sinks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/sitemirror/internal/progress"
	"github.com/JakeFAU/sitemirror/internal/store"
)

// DefaultRetention is how long finished runs stay visible in a Tracker.
const DefaultRetention = 5 * time.Minute

// Tracker keeps the latest state of every capture in memory so the API can
// answer progress polls without a database. Finished runs are evicted once
// they are older than the retention window.
type Tracker struct {
	mu        sync.RWMutex
	runs      map[uuid.UUID]*store.CaptureRun
	retention time.Duration
	now       func() time.Time
}

// NewTracker builds a Tracker. A non-positive retention uses DefaultRetention.
func NewTracker(retention time.Duration) *Tracker {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Tracker{
		runs:      make(map[uuid.UUID]*store.CaptureRun),
		retention: retention,
		now:       time.Now,
	}
}

// Consume applies the batch to the in-memory runs.
func (t *Tracker) Consume(_ context.Context, batch []progress.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, evt := range batch {
		t.apply(evt)
	}
	t.evict()
	return nil
}

func (t *Tracker) apply(evt progress.Event) {
	id := evt.CaptureUUID()
	run, ok := t.runs[id]
	if !ok {
		run = &store.CaptureRun{ID: id, StartedAt: evt.TS, Status: store.RunRunning}
		t.runs[id] = run
	}
	if run.FinishedAt != nil {
		return
	}
	run.UpdatedAt = evt.TS
	run.Stage = string(evt.Stage)
	if evt.Folder != "" {
		run.Folder = evt.Folder
	}
	if evt.Total > run.Assets {
		run.Assets = evt.Total
	}
	switch evt.Stage {
	case progress.StageCaptureStart:
		run.URL = evt.URL
		run.StartedAt = evt.TS
	case progress.StageAssetDone:
		if evt.AssetStatus == "downloaded" {
			run.Downloaded++
		} else {
			run.Failed++
		}
		run.Bytes += evt.Bytes
	case progress.StageCaptureDone, progress.StageCaptureError:
		finished := evt.TS
		run.FinishedAt = &finished
		run.Status = store.RunSuccess
		if evt.Stage == progress.StageCaptureError {
			run.Status = store.RunError
			if evt.Note != "" {
				note := evt.Note
				run.Error = &note
			}
		}
	}
	if run.URL == "" && evt.Stage != progress.StageAssetDone {
		run.URL = evt.URL
	}
}

func (t *Tracker) evict() {
	cutoff := t.now().Add(-t.retention)
	for id, run := range t.runs {
		if run.FinishedAt != nil && run.FinishedAt.Before(cutoff) {
			delete(t.runs, id)
		}
	}
}

// GetRun implements store.RunReader.
func (t *Tracker) GetRun(_ context.Context, id uuid.UUID) (store.CaptureRun, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	run, ok := t.runs[id]
	if !ok {
		return store.CaptureRun{}, store.ErrNotFound
	}
	return copyRun(run), nil
}

// ListRuns implements store.RunReader.
func (t *Tracker) ListRuns(_ context.Context, status *store.RunStatus, limit, offset int) ([]store.CaptureRun, error) {
	t.mu.RLock()
	out := make([]store.CaptureRun, 0, len(t.runs))
	for _, run := range t.runs {
		if status != nil && run.Status != *status {
			continue
		}
		out = append(out, copyRun(run))
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if offset >= len(out) {
		return []store.CaptureRun{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// Close implements the Sink interface; it performs no action.
func (t *Tracker) Close(context.Context) error {
	return nil
}

func copyRun(run *store.CaptureRun) store.CaptureRun {
	out := *run
	if run.FinishedAt != nil {
		finished := *run.FinishedAt
		out.FinishedAt = &finished
	}
	if run.Error != nil {
		msg := *run.Error
		out.Error = &msg
	}
	return out
}
