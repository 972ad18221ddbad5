package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/ingest-progress/internal/progress"
)

// LogSink writes each progress event as a structured log line. Transfer and
// poll events are logged at debug level since they arrive several times per
// second.
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

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := zapcore.InfoLevel
		switch evt.Stage {
		case progress.StageTransfer, progress.StagePoll:
			level = zapcore.DebugLevel
		case progress.StageJobError:
			level = zapcore.WarnLevel
		}
		ce := s.logger.Check(level, "progress event")
		if ce == nil {
			continue
		}
		ce.Write(eventFields(evt)...)
	}
	return nil
}

func eventFields(evt progress.Event) []zap.Field {
	fields := []zap.Field{
		zap.String("stage", string(evt.Stage)),
		zap.Time("ts", evt.TS),
	}
	if evt.JobID != "" {
		fields = append(fields, zap.String("job_id", evt.JobID))
	}
	if evt.FileName != "" {
		fields = append(fields, zap.String("file", evt.FileName))
	}
	switch evt.Stage {
	case progress.StageUploadStart, progress.StageTransfer:
		fields = append(fields,
			zap.Int64("bytes", evt.Bytes),
			zap.Int64("bytes_total", evt.BytesTotal),
			zap.Float64("speed_bps", evt.Speed),
		)
	case progress.StagePoll, progress.StageJobDone:
		fields = append(fields,
			zap.String("status", string(evt.Status)),
			zap.Int("intake_percent", evt.IntakePercent),
			zap.Int("insert_percent", evt.InsertPercent),
		)
	case progress.StageJobError:
		fields = append(fields, zap.String("kind", string(evt.Kind)))
	}
	if evt.Dur > 0 {
		fields = append(fields, zap.Duration("dur", evt.Dur))
	}
	if evt.Note != "" {
		fields = append(fields, zap.String("note", evt.Note))
	}
	return fields
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
