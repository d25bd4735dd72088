package httpserver

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	slogecho "github.com/samber/slog-echo"
)

const (
	apiIPRatePerSecond        = 5
	apiIPBurst                = 20
	apiRecipientRatePerSecond = 1
	apiRecipientBurst         = 10
	apiBodyLimit              = "16K"
)

func (s *Server) registerRoutes() {
	s.echo.Use(middleware.Recover())
	s.echo.Use(correlationMiddleware)
	s.echo.Use(slogecho.NewWithConfig(s.logger, slogecho.Config{
		DefaultLevel:     slog.LevelInfo,
		ClientErrorLevel: slog.LevelWarn,
		ServerErrorLevel: slog.LevelError,
		Filters:          []slogecho.Filter{slogecho.IgnorePathPrefix("/health", "/metrics")},
	}))
	s.echo.Use(s.httpMetrics.Middleware())
	s.echo.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
		HSTSMaxAge:         63072000, // 2 years; only sent over HTTPS
		ReferrerPolicy:     "no-referrer",
	}))

	s.registerHealthRoutes()
	s.echo.GET("/metrics", echo.WrapHandler(s.metricsHandler))
	s.echo.POST(s.config.WebhookPath, s.webhookHandler)

	if s.subscriptions != nil && s.config.MiniAppEnabled() {
		s.registerAPIRoutes()
	}
}

func (s *Server) registerAPIRoutes() {
	api := s.echo.Group("/api/subscriptions",
		ErrorHandlingMiddleware(),
		newRateLimiter(apiIPRatePerSecond, apiIPBurst, byClientIP),
		middleware.BodyLimit(apiBodyLimit),
		s.requireInitData,
		newRateLimiter(apiRecipientRatePerSecond, apiRecipientBurst, byRecipient),
	)
	api.GET("/", s.handleListSubscriptions)
	api.POST("/:streamer/", s.handleSubscribe)
	api.DELETE("/:streamer/", s.handleUnsubscribe)
}
