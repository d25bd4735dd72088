package redis

import (
	"context"
	"testing"
	"time"

	"github.com/kurbezz/telegram-twitch-notifier/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestStreamOnlinePublisher_RoundTrip(t *testing.T) {
	client := setupTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	received := make(chan StreamOnlineMessage, 1)
	subscribed := make(chan struct{})
	go func() {
		close(subscribed)
		_ = SubscribeStreamOnline(ctx, client, func(m StreamOnlineMessage) { received <- m })
	}()
	<-subscribed

	startedAt := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	pub := NewStreamOnlinePublisher(client)

	// The subscriber may not be registered yet; publish until it is.
	assert.Eventually(t, func() bool {
		err := pub.NotifyStreamOnline(ctx, domain.StreamOnline{
			PlatformID: "12345",
			Streamer:   "kurbezz",
			StartedAt:  startedAt,
		}, []domain.RecipientID{111, 222})
		return err == nil && len(received) > 0
	}, 5*time.Second, 100*time.Millisecond)

	msg := <-received
	assert.Equal(t, "12345", msg.PlatformID)
	assert.Equal(t, "kurbezz", msg.Streamer)
	assert.True(t, startedAt.Equal(msg.StartedAt))
	assert.Equal(t, []domain.RecipientID{111, 222}, msg.Recipients)
}
