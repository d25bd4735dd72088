// Package twitch talks to the Twitch Helix API and receives EventSub webhooks.
package twitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kurbezz/telegram-twitch-notifier/internal/adapter/metrics"
	"github.com/kurbezz/telegram-twitch-notifier/internal/domain"
	"github.com/nicklaw5/helix/v2"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	breakerComponent = "twitch"

	defaultRequestsPerSecond = 10
	defaultBurst             = 20
)

// ClientConfig configures HelixClient. Zero rate values fall back to defaults;
// a nil FetchToken requests app tokens from Twitch with the client credentials.
type ClientConfig struct {
	ClientID          string
	ClientSecret      string
	APIBaseURL        string
	UserAgent         string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	FetchToken        TokenFetcher
	Tokens            TokenSourceConfig
}

// APIError is a non-2xx Helix response. It unwraps to the matching domain
// sentinel when the status has one.
type APIError struct {
	Endpoint   string
	StatusCode int
	Message    string
	kind       error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twitch %s: status %d: %s", e.Endpoint, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.kind }

// HelixClient implements domain.RegistrationClient and domain.LoginLookup.
// Token swaps take mu exclusively; API calls run under the shared lock.
type HelixClient struct {
	mu      sync.RWMutex
	client  *helix.Client
	current string

	tokens  *AppTokenSource
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	group   singleflight.Group
	metrics *metrics.TwitchMetrics
}

var (
	_ domain.RegistrationClient = (*HelixClient)(nil)
	_ domain.LoginLookup        = (*HelixClient)(nil)
)

func NewHelixClient(cfg ClientConfig, m *metrics.TwitchMetrics, bm *metrics.BreakerMetrics) (*HelixClient, error) {
	client, err := helix.NewClient(&helix.Options{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		APIBaseURL:   cfg.APIBaseURL,
		UserAgent:    cfg.UserAgent,
		HTTPClient:   &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create helix client: %w", err)
	}

	rps, burst := cfg.RequestsPerSecond, cfg.Burst
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}
	if burst <= 0 {
		burst = defaultBurst
	}

	hc := &HelixClient{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		metrics: m,
	}
	hc.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        breakerComponent,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Only platform or network trouble trips the breaker; 4xx answers are healthy responses.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, domain.ErrTransient)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
			bm.Record(name, to.String(), breakerStateValue(to))
		},
	})

	fetch := cfg.FetchToken
	if fetch == nil {
		fetch = hc.requestAppToken
	}
	hc.tokens = NewAppTokenSource(fetch, cfg.Tokens, m)
	return hc, nil
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return metrics.BreakerHalfOpen
	case gobreaker.StateOpen:
		return metrics.BreakerOpen
	default:
		return metrics.BreakerClosed
	}
}

// Tokens exposes the app token source, e.g. to warm it up at startup.
func (c *HelixClient) Tokens() *AppTokenSource {
	return c.tokens
}

func (c *HelixClient) ResolveLogin(ctx context.Context, login domain.StreamerLogin) (domain.StreamerPlatformID, error) {
	v, err, _ := c.group.Do("login:"+string(login), func() (any, error) {
		users, err := call(ctx, c, "get_users", func(hc *helix.Client) ([]helix.User, *helix.ResponseCommon, error) {
			resp, err := hc.GetUsers(&helix.UsersParams{Logins: []string{string(login)}})
			if err != nil {
				return nil, nil, err
			}
			return resp.Data.Users, &resp.ResponseCommon, nil
		})
		if err != nil {
			return domain.StreamerPlatformID(""), err
		}
		if len(users) == 0 {
			return domain.StreamerPlatformID(""), fmt.Errorf("%w: %s", domain.ErrStreamerNotFound, login)
		}
		return domain.StreamerPlatformID(users[0].ID), nil
	})
	if err != nil {
		return "", err
	}
	return v.(domain.StreamerPlatformID), nil
}

func (c *HelixClient) LookupLogin(ctx context.Context, platformID domain.StreamerPlatformID) (domain.StreamerLogin, error) {
	v, err, _ := c.group.Do("id:"+string(platformID), func() (any, error) {
		users, err := call(ctx, c, "get_users", func(hc *helix.Client) ([]helix.User, *helix.ResponseCommon, error) {
			resp, err := hc.GetUsers(&helix.UsersParams{IDs: []string{string(platformID)}})
			if err != nil {
				return nil, nil, err
			}
			return resp.Data.Users, &resp.ResponseCommon, nil
		})
		if err != nil {
			return domain.StreamerLogin(""), err
		}
		if len(users) == 0 {
			return domain.StreamerLogin(""), fmt.Errorf("%w: id %s", domain.ErrStreamerNotFound, platformID)
		}
		return domain.NormalizeLogin(users[0].Login)
	})
	if err != nil {
		return "", err
	}
	return v.(domain.StreamerLogin), nil
}

// ListActiveRegistrations pages through every enabled subscription of eventType.
func (c *HelixClient) ListActiveRegistrations(ctx context.Context, eventType string) ([]domain.ExternalRegistration, error) {
	params := &helix.EventSubSubscriptionsParams{
		Status: domain.RegistrationStatusEnabled,
		Type:   eventType,
	}

	var regs []domain.ExternalRegistration
	for {
		page, err := call(ctx, c, "get_eventsub_subscriptions", func(hc *helix.Client) (helix.ManyEventSubSubscriptions, *helix.ResponseCommon, error) {
			resp, err := hc.GetEventSubSubscriptions(params)
			if err != nil {
				return helix.ManyEventSubSubscriptions{}, nil, err
			}
			return resp.Data, &resp.ResponseCommon, nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list %s registrations: %w", eventType, err)
		}

		for _, sub := range page.EventSubSubscriptions {
			regs = append(regs, toRegistration(sub))
		}

		if page.Pagination.Cursor == "" {
			return regs, nil
		}
		params.After = page.Pagination.Cursor
	}
}

func (c *HelixClient) CreateRegistration(ctx context.Context, eventType, version string, platformID domain.StreamerPlatformID, callbackURL, secret string) (*domain.ExternalRegistration, error) {
	if !strings.HasPrefix(callbackURL, "https://") {
		return nil, fmt.Errorf("callback URL %q must use https", callbackURL)
	}

	created, err := call(ctx, c, "create_eventsub_subscription", func(hc *helix.Client) ([]helix.EventSubSubscription, *helix.ResponseCommon, error) {
		resp, err := hc.CreateEventSubSubscription(&helix.EventSubSubscription{
			Type:    eventType,
			Version: version,
			Condition: helix.EventSubCondition{
				BroadcasterUserID: string(platformID),
			},
			Transport: helix.EventSubTransport{
				Method:   "webhook",
				Callback: callbackURL,
				Secret:   secret,
			},
		})
		if err != nil {
			return nil, nil, err
		}
		return resp.Data.EventSubSubscriptions, &resp.ResponseCommon, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create %s registration for %s: %w", eventType, platformID, err)
	}
	if len(created) == 0 {
		return nil, fmt.Errorf("%w: no subscription returned for %s", domain.ErrTransient, platformID)
	}

	reg := toRegistration(created[0])
	return &reg, nil
}

func toRegistration(sub helix.EventSubSubscription) domain.ExternalRegistration {
	return domain.ExternalRegistration{
		ID:          sub.ID,
		Type:        sub.Type,
		Version:     sub.Version,
		PlatformID:  domain.StreamerPlatformID(sub.Condition.BroadcasterUserID),
		CallbackURL: sub.Transport.Callback,
		Status:      sub.Status,
		CreatedAt:   sub.CreatedAt.Time,
	}
}

type apiFunc[T any] func(hc *helix.Client) (T, *helix.ResponseCommon, error)

// call runs fn behind the rate limiter and circuit breaker with a current app token.
// helix calls take no context, so fn runs on its own goroutine and ctx cancellation
// abandons it; the http.Client timeout bounds how long it lingers.
func call[T any](ctx context.Context, c *HelixClient, endpoint string, fn apiFunc[T]) (T, error) {
	var zero T

	if err := c.limiter.Wait(ctx); err != nil {
		c.observe(endpoint, err)
		return zero, fmt.Errorf("%w: rate limiter: %w", domain.ErrTransient, err)
	}
	if err := c.authorize(ctx); err != nil {
		c.observe(endpoint, err)
		return zero, err
	}

	var result T
	_, err := c.breaker.Execute(func() (any, error) {
		var (
			val     T
			rc      *helix.ResponseCommon
			callErr error
		)
		done := make(chan struct{})
		go func() {
			defer close(done)
			c.mu.RLock()
			defer c.mu.RUnlock()
			val, rc, callErr = fn(c.client)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", domain.ErrTransient, ctx.Err())
		}

		if callErr != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrTransient, callErr)
		}
		if err := c.checkStatus(endpoint, rc); err != nil {
			return nil, err
		}
		result = val
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("%w: %w", domain.ErrTransient, err)
	}

	c.observe(endpoint, err)
	if err != nil {
		return zero, err
	}
	return result, nil
}

// authorize installs the current app token into the helix client if it changed.
func (c *HelixClient) authorize(ctx context.Context) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get app access token: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if token != c.current {
		c.client.SetAppAccessToken(token)
		c.current = token
	}
	return nil
}

func (c *HelixClient) checkStatus(endpoint string, rc *helix.ResponseCommon) error {
	if rc == nil {
		return fmt.Errorf("%w: %s returned no response", domain.ErrTransient, endpoint)
	}
	if rc.StatusCode >= 200 && rc.StatusCode < 300 {
		return nil
	}

	apiErr := &APIError{Endpoint: endpoint, StatusCode: rc.StatusCode, Message: rc.ErrorMessage}
	if apiErr.Message == "" {
		// helix leaves the message empty when the body is not a Helix error document.
		apiErr.Message = http.StatusText(rc.StatusCode)
	}
	switch {
	case rc.StatusCode == http.StatusConflict:
		apiErr.kind = domain.ErrRegistrationConflict
	case rc.StatusCode == http.StatusTooManyRequests:
		apiErr.kind = domain.ErrRateLimited
	case rc.StatusCode == http.StatusUnauthorized || rc.StatusCode == http.StatusForbidden:
		apiErr.kind = domain.ErrUnauthorized
		c.tokens.Invalidate()
	case rc.StatusCode >= 500:
		apiErr.kind = domain.ErrTransient
	}
	return apiErr
}

func (c *HelixClient) observe(endpoint string, err error) {
	c.metrics.Requests.WithLabelValues(endpoint, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrRegistrationConflict):
		return "conflict"
	case errors.Is(err, domain.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, domain.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, domain.ErrTransient):
		return "transient"
	default:
		return "rejected"
	}
}

// requestAppToken performs the client-credentials grant.
func (c *HelixClient) requestAppToken(_ context.Context) (string, time.Duration, error) {
	c.mu.RLock()
	resp, err := c.client.RequestAppAccessToken([]string{})
	c.mu.RUnlock()
	if err != nil {
		return "", 0, fmt.Errorf("%w: %w", domain.ErrTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Data.AccessToken, time.Duration(resp.Data.ExpiresIn) * time.Second, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", 0, fmt.Errorf("%w: token endpoint: %s", domain.ErrRateLimited, resp.ErrorMessage)
	case resp.StatusCode >= 500:
		return "", 0, fmt.Errorf("%w: token endpoint status %d", domain.ErrTransient, resp.StatusCode)
	default:
		return "", 0, fmt.Errorf("%w: token endpoint status %d: %s", domain.ErrUnauthorized, resp.StatusCode, resp.ErrorMessage)
	}
}
