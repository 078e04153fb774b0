package emit

import (
	"context"

	"go.uber.org/zap"
)

// LogEmitter writes events through zap as structured log lines, matching
// the structured-logging library the rest of wfengine's ambient stack is
// built on.
type LogEmitter struct {
	log *zap.Logger
}

// NewLogEmitter builds a LogEmitter over logger.
func NewLogEmitter(logger *zap.Logger) *LogEmitter {
	return &LogEmitter{log: logger}
}

func (l *LogEmitter) Emit(event Event) {
	fields := []zap.Field{
		zap.String("workflow_instance_id", event.WorkflowInstanceID),
		zap.String("pointer_id", event.PointerID),
		zap.String("step_id", event.StepID),
		zap.String("step_name", event.StepName),
		zap.String("kind", event.Kind),
	}
	if len(event.Meta) > 0 {
		fields = append(fields, zap.Any("meta", event.Meta))
	}
	l.log.Info(event.Message, fields...)
}

func (l *LogEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, e := range events {
		l.Emit(e)
	}
	return nil
}

func (l *LogEmitter) Flush(ctx context.Context) error {
	return l.log.Sync()
}
