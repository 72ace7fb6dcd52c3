package notify

import (
	"context"
	"log/slog"

	"circulate/internal/circulation"
)

// LogNotifier writes notifications to the log instead of delivering them.
// It is the default channel when no SMTP host is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Send implements circulation.Notifier. It never fails.
func (l *LogNotifier) Send(_ context.Context, n circulation.Notification) error {
	l.logger.Info("notification",
		"kind", string(n.Kind),
		"recipient", n.Recipient,
		"patron_id", n.PatronID,
		"title_id", n.TitleID,
		"title", n.Title,
	)
	return nil
}
