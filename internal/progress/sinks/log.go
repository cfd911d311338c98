package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitemirror/internal/progress"
)

// LogSink emits structured logs for debugging progress streams.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch. Asset events are logged at debug so
// large pages do not flood the output.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.Stringer("capture_id", evt.CaptureUUID()),
			zap.String("stage", string(evt.Stage)),
			zap.String("site", evt.Site),
			zap.String("url", evt.URL),
		}
		if evt.Folder != "" {
			fields = append(fields, zap.String("folder", evt.Folder))
		}
		if evt.Total > 0 {
			fields = append(fields, zap.Int("completed", evt.Completed), zap.Int("total", evt.Total))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if evt.Stage == progress.StageAssetDone {
			fields = append(fields,
				zap.String("kind", evt.Kind),
				zap.String("asset_status", evt.AssetStatus),
				zap.Int64("bytes", evt.Bytes),
			)
			s.logger.Debug("progress event", fields...)
			continue
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
