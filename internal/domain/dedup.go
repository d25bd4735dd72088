package domain

import (
	"context"
)

// DeliveryDeduplicator collapses webhook redeliveries.
// Claim atomically records deliveryID and reports whether this caller was first.
type DeliveryDeduplicator interface {
	Claim(ctx context.Context, deliveryID string) (bool, error)
}
