package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kurbezz/telegram-twitch-notifier/internal/adapter/metrics"
	goredis "github.com/redis/go-redis/v9"
)

const (
	deliveryKeyPrefix = "eventsub:delivery:"
	scanCount         = 100
)

// DeliveryLedger deduplicates webhook deliveries across processes with SET NX.
type DeliveryLedger struct {
	rdb     *goredis.Client
	ttl     time.Duration
	metrics *metrics.DedupMetrics
}

func NewDeliveryLedger(rdb *goredis.Client, ttl time.Duration, m *metrics.DedupMetrics) *DeliveryLedger {
	return &DeliveryLedger{rdb: rdb, ttl: ttl, metrics: m}
}

// Claim stores the delivery id with the ledger TTL and reports whether it was absent.
func (l *DeliveryLedger) Claim(ctx context.Context, deliveryID string) (bool, error) {
	args := goredis.SetArgs{TTL: l.ttl, Mode: "NX"}
	_, err := l.rdb.SetArgs(ctx, deliveryKey(deliveryID), "1", args).Result()
	if errors.Is(err, goredis.Nil) {
		l.metrics.Claims.WithLabelValues("duplicate").Inc()
		return false, nil
	}
	if err != nil {
		l.metrics.Claims.WithLabelValues("error").Inc()
		return false, fmt.Errorf("failed to claim delivery %s: %w", deliveryID, err)
	}
	l.metrics.Claims.WithLabelValues("new").Inc()
	return true, nil
}

func deliveryKey(deliveryID string) string {
	return deliveryKeyPrefix + deliveryID
}

// PurgeDeliveries deletes every ledger key and returns how many were found.
// With dryRun set nothing is deleted.
func PurgeDeliveries(ctx context.Context, rdb *goredis.Client, dryRun bool) (int, error) {
	var cursor uint64
	found := 0

	for {
		keys, next, err := rdb.Scan(ctx, cursor, deliveryKeyPrefix+"*", scanCount).Result()
		if err != nil {
			return found, fmt.Errorf("scan failed: %w", err)
		}
		found += len(keys)

		if len(keys) > 0 && !dryRun {
			if err := rdb.Del(ctx, keys...).Err(); err != nil {
				return found, fmt.Errorf("failed to delete %d delivery keys: %w", len(keys), err)
			}
		}
		for _, k := range keys {
			slog.Debug("Delivery key", "id", strings.TrimPrefix(k, deliveryKeyPrefix), "deleted", !dryRun)
		}

		cursor = next
		if cursor == 0 {
			return found, nil
		}
	}
}
