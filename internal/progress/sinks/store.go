package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemirror/internal/progress"
	"github.com/JakeFAU/sitemirror/internal/store"
)

// StoreSink persists progress via a store.RunRepository. Asset events are
// collapsed per capture so one batch costs one counter update per run.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards lifecycle events in order and flushes collapsed asset
// deltas before any terminal event of the same capture. It returns
// repository errors verbatim.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	deltas := make(map[uuid.UUID]*assetDelta)

	for _, evt := range batch {
		id := evt.CaptureUUID()
		if evt.Stage == progress.StageAssetDone {
			collapse(deltas, id, evt)
			continue
		}
		if evt.Stage.Terminal() {
			if err := s.flush(ctx, deltas, id); err != nil {
				return err
			}
		}
		if err := s.handleLifecycle(ctx, id, evt); err != nil {
			return err
		}
	}
	for id := range deltas {
		if err := s.flush(ctx, deltas, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) handleLifecycle(ctx context.Context, id uuid.UUID, evt progress.Event) error {
	switch evt.Stage {
	case progress.StageCaptureStart:
		if err := s.repo.StartRun(ctx, id, evt.URL, evt.TS); err != nil {
			return fmt.Errorf("start run: %w", err)
		}
	case progress.StageRenderDone, progress.StageScanDone:
		if err := s.repo.SetStage(ctx, id, string(evt.Stage), evt.Folder, evt.TS); err != nil {
			return fmt.Errorf("set stage: %w", err)
		}
	case progress.StageCaptureDone:
		if err := s.repo.SetStage(ctx, id, string(evt.Stage), evt.Folder, evt.TS); err != nil {
			return fmt.Errorf("set stage: %w", err)
		}
		if err := s.repo.CompleteRun(ctx, id, evt.TS, store.RunSuccess, nil); err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
	case progress.StageCaptureError:
		var note *string
		if evt.Note != "" {
			note = &evt.Note
		}
		if err := s.repo.SetStage(ctx, id, string(evt.Stage), evt.Folder, evt.TS); err != nil {
			// A capture rejected before CAPTURE_START has no row.
			s.logger.Debug("stage update skipped", zap.Stringer("capture_id", id), zap.Error(err))
		}
		if err := s.repo.CompleteRun(ctx, id, evt.TS, store.RunError, note); err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
	}
	return nil
}

func (s *StoreSink) flush(ctx context.Context, deltas map[uuid.UUID]*assetDelta, id uuid.UUID) error {
	d, ok := deltas[id]
	if !ok {
		return nil
	}
	delete(deltas, id)
	if err := s.repo.RecordAssets(ctx, id, d.delta, d.at); err != nil {
		return fmt.Errorf("record assets: %w", err)
	}
	return nil
}

func collapse(deltas map[uuid.UUID]*assetDelta, id uuid.UUID, evt progress.Event) {
	d := deltas[id]
	if d == nil {
		d = &assetDelta{}
		deltas[id] = d
	}
	if evt.AssetStatus == "downloaded" {
		d.delta.Downloaded++
	} else {
		d.delta.Failed++
	}
	d.delta.Bytes += evt.Bytes
	if evt.Total > d.delta.Total {
		d.delta.Total = evt.Total
	}
	if evt.TS.After(d.at) {
		d.at = evt.TS
	}
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type assetDelta struct {
	delta store.AssetDelta
	at    time.Time
}
