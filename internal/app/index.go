package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/kurbezz/telegram-twitch-notifier/internal/adapter/metrics"
	"github.com/kurbezz/telegram-twitch-notifier/internal/domain"
)

// ErrIndexNotLoaded is reported until the first Load or successful Reload.
var ErrIndexNotLoaded = errors.New("subscription index not loaded")

// SubscriptionIndex is the in-memory view of who watches which streamer,
// write-through to a SubscriptionRepository.
//
// mu guards the map and is held only for in-memory work, so readers on the
// webhook path never wait on the database. writeMu serializes mutations
// across their durable write.
type SubscriptionIndex struct {
	repo    domain.SubscriptionRepository
	metrics *metrics.IndexMetrics

	writeMu sync.Mutex
	mu      sync.RWMutex
	byLogin map[domain.StreamerLogin]map[domain.RecipientID]struct{}
	loaded  atomic.Bool
}

func NewSubscriptionIndex(repo domain.SubscriptionRepository, m *metrics.IndexMetrics) *SubscriptionIndex {
	return &SubscriptionIndex{
		repo:    repo,
		metrics: m,
		byLogin: make(map[domain.StreamerLogin]map[domain.RecipientID]struct{}),
	}
}

// Load replaces the whole index with subs.
func (x *SubscriptionIndex) Load(subs []domain.Subscription) {
	next := make(map[domain.StreamerLogin]map[domain.RecipientID]struct{})
	for _, s := range subs {
		set, ok := next[s.Streamer]
		if !ok {
			set = make(map[domain.RecipientID]struct{})
			next[s.Streamer] = set
		}
		set[s.RecipientID] = struct{}{}
	}

	x.mu.Lock()
	x.byLogin = next
	x.updateGaugesLocked()
	x.mu.Unlock()
	x.loaded.Store(true)
}

// CheckLoaded fails until the index holds a full snapshot of the store.
// Webhooks routed before that would reach nobody.
func (x *SubscriptionIndex) CheckLoaded(_ context.Context) error {
	if !x.loaded.Load() {
		return ErrIndexNotLoaded
	}
	return nil
}

// Reload rebuilds the index from the repository.
func (x *SubscriptionIndex) Reload(ctx context.Context) error {
	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	subs, err := x.repo.LoadAll(ctx)
	if err != nil {
		x.metrics.Reloads.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to load subscriptions: %w", err)
	}
	x.Load(subs)
	x.metrics.Reloads.WithLabelValues("ok").Inc()
	return nil
}

// Subscribe adds the pair and reports whether it was new. Existing pairs cause
// no durable write. A failed durable write is returned but the in-memory insert
// stays; the next Reload reconciles the two.
func (x *SubscriptionIndex) Subscribe(ctx context.Context, streamer domain.StreamerLogin, recipient domain.RecipientID) (bool, error) {
	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	x.mu.Lock()
	set, ok := x.byLogin[streamer]
	if !ok {
		set = make(map[domain.RecipientID]struct{})
		x.byLogin[streamer] = set
	}
	if _, exists := set[recipient]; exists {
		x.mu.Unlock()
		return false, nil
	}
	set[recipient] = struct{}{}
	x.updateGaugesLocked()
	x.mu.Unlock()

	if _, err := x.repo.Upsert(ctx, streamer, recipient); err != nil {
		x.metrics.StoreErrors.WithLabelValues("upsert").Inc()
		slog.ErrorContext(ctx, "Subscription kept in memory but not persisted", "streamer", streamer, "recipient", recipient, "error", err)
		return true, fmt.Errorf("failed to persist subscription: %w", err)
	}
	return true, nil
}

// Unsubscribe removes the pair if present and always deletes it from the store.
func (x *SubscriptionIndex) Unsubscribe(ctx context.Context, streamer domain.StreamerLogin, recipient domain.RecipientID) error {
	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	x.mu.Lock()
	if set, ok := x.byLogin[streamer]; ok {
		delete(set, recipient)
		if len(set) == 0 {
			delete(x.byLogin, streamer)
		}
	}
	x.updateGaugesLocked()
	x.mu.Unlock()

	if err := x.repo.Delete(ctx, streamer, recipient); err != nil {
		x.metrics.StoreErrors.WithLabelValues("delete").Inc()
		slog.ErrorContext(ctx, "Subscription removed from memory but not from store", "streamer", streamer, "recipient", recipient, "error", err)
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

// StreamersWithRecipients returns every streamer with at least one recipient, sorted.
func (x *SubscriptionIndex) StreamersWithRecipients() []domain.StreamerLogin {
	x.mu.RLock()
	out := make([]domain.StreamerLogin, 0, len(x.byLogin))
	for login, set := range x.byLogin {
		if len(set) > 0 {
			out = append(out, login)
		}
	}
	x.mu.RUnlock()

	slices.Sort(out)
	return out
}

// RecipientsOf returns the recipients of streamer, sorted. Unknown streamers yield an empty slice.
func (x *SubscriptionIndex) RecipientsOf(streamer domain.StreamerLogin) []domain.RecipientID {
	x.mu.RLock()
	set := x.byLogin[streamer]
	out := make([]domain.RecipientID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	x.mu.RUnlock()

	slices.Sort(out)
	return out
}

func (x *SubscriptionIndex) updateGaugesLocked() {
	pairs := 0
	for _, set := range x.byLogin {
		pairs += len(set)
	}
	x.metrics.Streamers.Set(float64(len(x.byLogin)))
	x.metrics.Pairs.Set(float64(pairs))
}
