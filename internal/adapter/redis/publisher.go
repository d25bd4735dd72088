package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/kurbezz/telegram-twitch-notifier/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

// StreamOnlineChannel is the pub/sub channel the chat bot listens on.
const StreamOnlineChannel = "stream:online"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StreamOnlineMessage is the payload published for each stream.online event.
type StreamOnlineMessage struct {
	PlatformID string               `json:"platform_id"`
	Streamer   string               `json:"streamer"`
	StartedAt  time.Time            `json:"started_at"`
	Recipients []domain.RecipientID `json:"recipients"`
}

// StreamOnlinePublisher hands stream.online events to the chat bot over Redis pub/sub.
type StreamOnlinePublisher struct {
	rdb *goredis.Client
}

var _ domain.Notifier = (*StreamOnlinePublisher)(nil)

func NewStreamOnlinePublisher(rdb *goredis.Client) *StreamOnlinePublisher {
	return &StreamOnlinePublisher{rdb: rdb}
}

func (p *StreamOnlinePublisher) NotifyStreamOnline(ctx context.Context, event domain.StreamOnline, recipients []domain.RecipientID) error {
	payload, err := json.Marshal(StreamOnlineMessage{
		PlatformID: string(event.PlatformID),
		Streamer:   string(event.Streamer),
		StartedAt:  event.StartedAt,
		Recipients: recipients,
	})
	if err != nil {
		return fmt.Errorf("failed to encode stream.online message: %w", err)
	}

	receivers, err := p.rdb.Publish(ctx, StreamOnlineChannel, payload).Result()
	if err != nil {
		return fmt.Errorf("failed to publish stream.online for %s: %w", event.Streamer, err)
	}
	if receivers == 0 {
		slog.WarnContext(ctx, "No subscriber received stream.online", "streamer", event.Streamer)
	}
	return nil
}

// SubscribeStreamOnline delivers decoded messages to handle until ctx is done.
// Undecodable payloads are logged and skipped.
func SubscribeStreamOnline(ctx context.Context, rdb *goredis.Client, handle func(StreamOnlineMessage)) error {
	pubsub := rdb.Subscribe(ctx, StreamOnlineChannel)
	defer func() { _ = pubsub.Close() }()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", StreamOnlineChannel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case msg := <-ch:
			if msg == nil {
				return nil
			}
			var m StreamOnlineMessage
			if err := json.UnmarshalFromString(msg.Payload, &m); err != nil {
				slog.Warn("Dropping malformed stream.online message", "error", err)
				continue
			}
			handle(m)
		case <-ctx.Done():
			return nil
		}
	}
}
