package app

import (
	"context"
	"log/slog"

	"github.com/kurbezz/telegram-twitch-notifier/internal/domain"
)

// LogNotifier writes live events to the log instead of delivering them.
type LogNotifier struct{}

var _ domain.Notifier = LogNotifier{}

func (LogNotifier) NotifyStreamOnline(ctx context.Context, event domain.StreamOnline, recipients []domain.RecipientID) error {
	slog.InfoContext(ctx, "Stream went online",
		"streamer", event.Streamer,
		"platform_id", event.PlatformID,
		"started_at", event.StartedAt,
		"recipients", len(recipients))
	return nil
}
