package twitch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/kurbezz/telegram-twitch-notifier/internal/adapter/metrics"
	"github.com/kurbezz/telegram-twitch-notifier/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedFetcher struct {
	mu    sync.Mutex
	calls int
	errs  []error
}

func (f *scriptedFetcher) fetch(context.Context) (string, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= len(f.errs) && f.errs[f.calls-1] != nil {
		return "", 0, f.errs[f.calls-1]
	}
	return fmt.Sprintf("token-%d", f.calls), time.Hour, nil
}

func (f *scriptedFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestTokenSource(fetch TokenFetcher) (*AppTokenSource, *clockwork.FakeClock, *metrics.TwitchMetrics) {
	clock := clockwork.NewFakeClock()
	m := metrics.NewTwitchMetrics(prometheus.NewRegistry())
	return NewAppTokenSource(fetch, TokenSourceConfig{Clock: clock, RetryBackoff: time.Second}, m), clock, m
}

func TestToken_CachedUntilExpiryMargin(t *testing.T) {
	f := &scriptedFetcher{}
	src, clock, _ := newTestTokenSource(f.fetch)
	ctx := context.Background()

	tok, err := src.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok)

	clock.Advance(54 * time.Minute)
	tok, err = src.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok)
	assert.Equal(t, 1, f.callCount())

	clock.Advance(2 * time.Minute)
	tok, err = src.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token-2", tok)
	assert.Equal(t, 2, f.callCount())
}

func TestToken_Invalidate(t *testing.T) {
	f := &scriptedFetcher{}
	src, _, m := newTestTokenSource(f.fetch)
	ctx := context.Background()

	_, err := src.Token(ctx)
	require.NoError(t, err)
	src.Invalidate()

	tok, err := src.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token-2", tok)
	assert.InDelta(t, 2, testutil.ToFloat64(m.TokenRefreshes.WithLabelValues("ok")), 0)
}

func TestToken_RetriesTransientFailure(t *testing.T) {
	f := &scriptedFetcher{errs: []error{fmt.Errorf("%w: connection reset", domain.ErrTransient)}}
	src, clock, _ := newTestTokenSource(f.fetch)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		token string
		err   error
	}
	done := make(chan result, 1)
	go func() {
		tok, err := src.Token(ctx)
		done <- result{tok, err}
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Second)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "token-2", res.token)
	assert.Equal(t, 2, f.callCount())
}

func TestToken_UnauthorizedStopsImmediately(t *testing.T) {
	f := &scriptedFetcher{errs: []error{fmt.Errorf("%w: invalid client secret", domain.ErrUnauthorized)}}
	src, _, m := newTestTokenSource(f.fetch)

	_, err := src.Token(context.Background())
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Equal(t, 1, f.callCount())
	assert.InDelta(t, 1, testutil.ToFloat64(m.TokenRefreshes.WithLabelValues("error")), 0)
}

func TestToken_EmptyTokenIsRetried(t *testing.T) {
	var calls atomic.Int32
	src, clock, _ := newTestTokenSource(func(context.Context) (string, time.Duration, error) {
		calls.Add(1)
		return "", time.Hour, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := src.Token(ctx)
		done <- err
	}()

	for _, wait := range []time.Duration{time.Second, 2 * time.Second} {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(wait)
	}

	err := <-done
	require.ErrorIs(t, err, domain.ErrTransient)
	assert.Equal(t, int32(tokenRetryAttempts), calls.Load())
}

func TestToken_ContextCancelledDuringBackoff(t *testing.T) {
	f := &scriptedFetcher{errs: []error{errors.New("dial tcp: i/o timeout")}}
	src, clock, _ := newTestTokenSource(f.fetch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := src.Token(ctx)
		done <- err
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	cancel()

	err := <-done
	require.ErrorIs(t, err, context.Canceled)
}
