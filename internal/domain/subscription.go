package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RecipientID identifies a chat-bot user receiving notifications.
type RecipientID int64

// Subscription links a recipient to a streamer. Unique per (Streamer, RecipientID).
type Subscription struct {
	ID          uuid.UUID     `json:"id"`
	Streamer    StreamerLogin `json:"streamer"`
	RecipientID RecipientID   `json:"recipient_id"`
	CreatedAt   time.Time     `json:"created_at"`
}

// SubscriptionRepository is the durable subscription store.
type SubscriptionRepository interface {
	LoadAll(ctx context.Context) ([]Subscription, error)
	Upsert(ctx context.Context, streamer StreamerLogin, recipient RecipientID) (*Subscription, error)
	Delete(ctx context.Context, streamer StreamerLogin, recipient RecipientID) error
	Find(ctx context.Context, streamer StreamerLogin, recipient RecipientID) (*Subscription, error)
	ListByRecipient(ctx context.Context, recipient RecipientID) ([]Subscription, error)
}
