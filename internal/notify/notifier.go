package notify

import (
	"context"
	"log/slog"
)

// Notifier delivers fire-and-forget alerts. Failures are the notifier's
// problem; callers never block on delivery.
type Notifier interface {
	Alert(ctx context.Context, event, message string)
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Alert(ctx context.Context, event, message string) {
	n.logger.Warn("ALERT", "event", event, "message", message)
}
