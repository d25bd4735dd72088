package twitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/kurbezz/telegram-twitch-notifier/internal/adapter/metrics"
	"github.com/kurbezz/telegram-twitch-notifier/internal/domain"
	"github.com/kurbezz/telegram-twitch-notifier/internal/platform/retry"
)

const (
	tokenExpiryMargin     = 5 * time.Minute
	tokenRetryAttempts    = 3
	tokenRetryBackoff     = 1 * time.Second
	tokenRateLimitBackoff = 30 * time.Second
	tokenRetryMaxBackoff  = 30 * time.Second
)

// TokenFetcher obtains a fresh app access token and its lifetime.
type TokenFetcher func(ctx context.Context) (token string, expiresIn time.Duration, err error)

// TokenSourceConfig tunes AppTokenSource. Zero values use the package defaults
// and the real clock.
type TokenSourceConfig struct {
	Clock        clockwork.Clock
	RetryBackoff time.Duration
}

// AppTokenSource caches an app access token until shortly before it expires.
// Concurrent callers share one refresh.
type AppTokenSource struct {
	mu      sync.Mutex
	fetch   TokenFetcher
	clock   clockwork.Clock
	policy  retry.Policy
	metrics *metrics.TwitchMetrics

	token  string
	expiry time.Time
}

func NewAppTokenSource(fetch TokenFetcher, cfg TokenSourceConfig, m *metrics.TwitchMetrics) *AppTokenSource {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = tokenRetryBackoff
	}

	s := &AppTokenSource{
		fetch:   fetch,
		clock:   clock,
		metrics: m,
	}
	s.policy = retry.Policy{
		MaxAttempts:      tokenRetryAttempts,
		InitialBackoff:   backoff,
		RateLimitBackoff: tokenRateLimitBackoff,
		MaxBackoff:       tokenRetryMaxBackoff,
		Clock:            clock,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			slog.Warn("App token request failed, retrying", "attempt", attempt, "backoff_seconds", wait.Seconds(), "error", err)
		},
	}
	return s
}

type issuedToken struct {
	value     string
	expiresIn time.Duration
}

// Token returns a valid app access token, fetching a new one when needed.
func (s *AppTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.clock.Now().Add(tokenExpiryMargin).Before(s.expiry) {
		return s.token, nil
	}

	issued, err := retry.Do(ctx, s.policy, classifyTokenError, func(ctx context.Context) (issuedToken, error) {
		token, expiresIn, err := s.fetch(ctx)
		if err != nil {
			return issuedToken{}, err
		}
		if token == "" {
			return issuedToken{}, fmt.Errorf("%w: empty app access token", domain.ErrTransient)
		}
		return issuedToken{value: token, expiresIn: expiresIn}, nil
	})
	if err != nil {
		s.metrics.TokenRefreshes.WithLabelValues("error").Inc()
		return "", err
	}

	s.metrics.TokenRefreshes.WithLabelValues("ok").Inc()
	s.token = issued.value
	s.expiry = s.clock.Now().Add(issued.expiresIn)
	slog.Info("App access token refreshed", "expires_at", s.expiry.Format(time.RFC3339))
	return s.token, nil
}

// Invalidate drops the cached token so the next Token call fetches a new one.
func (s *AppTokenSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.expiry = time.Time{}
}

func classifyTokenError(err error) retry.Action {
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		return retry.Stop
	case errors.Is(err, domain.ErrRateLimited):
		return retry.After
	default:
		return retry.Retry
	}
}
