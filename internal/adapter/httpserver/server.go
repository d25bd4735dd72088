// Package httpserver exposes the webhook endpoint, health probes, metrics and the mini-app API.
package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/kurbezz/telegram-twitch-notifier/internal/adapter/metrics"
	"github.com/kurbezz/telegram-twitch-notifier/internal/domain"
	"github.com/kurbezz/telegram-twitch-notifier/internal/platform/config"
	"github.com/labstack/echo/v4"
)

type subscriptionService interface {
	ListByRecipient(ctx context.Context, recipient domain.RecipientID) ([]domain.Subscription, error)
	Subscribe(ctx context.Context, rawLogin string, recipient domain.RecipientID) (*domain.Subscription, bool, error)
	Unsubscribe(ctx context.Context, rawLogin string, recipient domain.RecipientID) error
}

type Server struct {
	echo   *echo.Echo
	config *config.Config
	logger *slog.Logger
	clock  clockwork.Clock

	subscriptions  subscriptionService
	webhookHandler echo.HandlerFunc
	httpMetrics    *metrics.HTTPMetrics
	metricsHandler http.Handler

	healthChecks []HealthCheck
	startTime    time.Time
}

// NewServer wires the routes. subscriptions may be nil when the mini-app API is disabled.
func NewServer(
	cfg *config.Config,
	logger *slog.Logger,
	subscriptions subscriptionService,
	webhookHandler echo.HandlerFunc,
	httpMetrics *metrics.HTTPMetrics,
	metricsHandler http.Handler,
	healthChecks []HealthCheck,
	clock clockwork.Clock,
) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:           e,
		config:         cfg,
		logger:         logger,
		clock:          clock,
		subscriptions:  subscriptions,
		webhookHandler: webhookHandler,
		httpMetrics:    httpMetrics,
		metricsHandler: metricsHandler,
		healthChecks:   healthChecks,
		startTime:      clock.Now(),
	}

	srv.registerRoutes()
	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port, "webhook_path", s.config.WebhookPath)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
