package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/kurbezz/telegram-twitch-notifier/internal/platform/correlation"
)

// Reloadable is anything that can rebuild itself from its durable store.
type Reloadable interface {
	Reload(ctx context.Context) error
}

// IndexReloader periodically rebuilds the subscription index from the store so
// writes that reached memory but not the database (or the reverse) heal.
type IndexReloader struct {
	index    Reloadable
	interval time.Duration
	clock    clockwork.Clock
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewIndexReloader creates the reload loop. A zero interval disables it.
func NewIndexReloader(index Reloadable, interval time.Duration, clock clockwork.Clock) *IndexReloader {
	return &IndexReloader{
		index:    index,
		interval: interval,
		clock:    clock,
		stopCh:   make(chan struct{}),
	}
}

// Run reloads on every tick until ctx is cancelled or Stop is called.
func (l *IndexReloader) Run(ctx context.Context) {
	if l.interval <= 0 {
		slog.Info("Index reload disabled")
		return
	}

	ticker := l.clock.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			passCtx := correlation.WithNewID(ctx)
			if err := l.index.Reload(passCtx); err != nil {
				slog.ErrorContext(passCtx, "Index reload failed, keeping current index", "error", err)
				continue
			}
			slog.DebugContext(passCtx, "Index reloaded")
		case <-l.stopCh:
			slog.Info("Index reloader stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

func (l *IndexReloader) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}
