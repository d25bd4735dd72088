package domain

import (
	"context"
	"time"
)

// StreamOnline is a validated "stream went live" event.
type StreamOnline struct {
	PlatformID StreamerPlatformID `json:"platform_id"`
	Streamer   StreamerLogin      `json:"streamer"`
	StartedAt  time.Time          `json:"started_at"`
}

// Notifier hands a live event to whatever delivers messages to recipients.
type Notifier interface {
	NotifyStreamOnline(ctx context.Context, event StreamOnline, recipients []RecipientID) error
}
