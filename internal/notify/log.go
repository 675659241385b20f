// Package notify delivers operational alerts raised by the pipeline, such as
// the scheduler's repeat valve tripping.
package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogNotifier writes alerts to the service log. It is the default when no
// Pub/Sub topic is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier builds a log-backed notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Alert implements pipeline.Notifier.
func (n *LogNotifier) Alert(_ context.Context, message string) error {
	n.logger.Warn("pipeline alert", zap.String("message", message))
	return nil
}
