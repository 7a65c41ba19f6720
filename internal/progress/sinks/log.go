package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/pncp-monitor/internal/progress"
)

// LogSink emits structured logs for progress streams. Page events are logged
// at debug level; lifecycle events at info, failures at warn.
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

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
			zap.Duration("dur", evt.Dur),
		}
		if evt.Region != "" {
			fields = append(fields, zap.String("region", evt.Region))
		}
		if evt.Page > 0 {
			fields = append(fields, zap.Int("page", evt.Page))
		}
		if evt.Records > 0 || evt.Relevant > 0 {
			fields = append(fields, zap.Int64("records", evt.Records), zap.Int64("relevant", evt.Relevant))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		switch evt.Stage {
		case progress.StagePageDone:
			s.logger.Debug("progress event", fields...)
		case progress.StageRegionError, progress.StageRunError:
			s.logger.Warn("progress event", fields...)
		default:
			s.logger.Info("progress event", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
