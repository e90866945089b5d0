package push

import (
	"context"
	"log/slog"
)

// LogNotifier presents notifications as structured log records.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Alert(ctx context.Context, notification Notification, alertType string, data map[string]string) {
	attrs := []any{"alert_type", alertType, "title", notification.Title, "body", notification.Body}
	for k, v := range data {
		if k == "alertType" {
			continue
		}
		attrs = append(attrs, "data."+k, v)
	}
	n.Logger.WarnContext(ctx, "family alert", attrs...)
}

func (n LogNotifier) Notify(ctx context.Context, notification Notification) {
	n.Logger.InfoContext(ctx, "notification", "title", notification.Title, "body", notification.Body)
}
