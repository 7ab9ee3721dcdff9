package deadletter

import (
	"context"

	"go.uber.org/zap"
)

// LogSink writes records to a logger. Used when no database is configured.
type LogSink struct {
	Logger *zap.SugaredLogger
}

// Store logs record at warn level.
func (s LogSink) Store(_ context.Context, record Record) error {
	if s.Logger == nil {
		return nil
	}

	s.Logger.Warnw("dead letter",
		"queue", record.Queue,
		"consumerTag", record.ConsumerTag,
		"bytes", len(record.Body),
		"reason", record.Reason,
		"receivedAt", record.ReceivedAt)

	return nil
}
