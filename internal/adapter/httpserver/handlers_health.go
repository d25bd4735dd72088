package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/kurbezz/telegram-twitch-notifier/internal/platform/version"
	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"
)

const (
	startupProbeTimeout   = 2 * time.Second
	readinessProbeTimeout = 5 * time.Second
)

// HealthCheck is a named dependency probe. Check must honor ctx.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type checkResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type healthReport struct {
	Status string                 `json:"status"`
	Checks map[string]checkResult `json:"checks"`
}

func (s *Server) registerHealthRoutes() {
	s.echo.GET("/health/startup", s.handleStartup)
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/version", s.handleVersion)
}

func (s *Server) handleStartup(c echo.Context) error {
	return s.writeHealthReport(c, startupProbeTimeout)
}

func (s *Server) handleReadiness(c echo.Context) error {
	return s.writeHealthReport(c, readinessProbeTimeout)
}

func (s *Server) handleLiveness(c echo.Context) error {
	response := map[string]any{
		"status": "ok",
		"uptime": s.clock.Since(s.startTime).Seconds(),
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to write liveness response: %w", err)
	}
	return nil
}

func (s *Server) writeHealthReport(c echo.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
	defer cancel()

	report := runHealthChecks(ctx, s.healthChecks)
	status := http.StatusOK
	if report.Status != "ready" {
		status = http.StatusServiceUnavailable
	}
	if err := c.JSON(status, report); err != nil {
		return fmt.Errorf("failed to write health response: %w", err)
	}
	return nil
}

// runHealthChecks runs every check concurrently and reports each result.
func runHealthChecks(ctx context.Context, checks []HealthCheck) healthReport {
	results := make([]checkResult, len(checks))

	var g errgroup.Group
	for i, hc := range checks {
		g.Go(func() error {
			if err := hc.Check(ctx); err != nil {
				results[i] = checkResult{Status: "failing", Error: err.Error()}
				return nil
			}
			results[i] = checkResult{Status: "ok"}
			return nil
		})
	}
	_ = g.Wait()

	report := healthReport{Status: "ready", Checks: make(map[string]checkResult, len(checks))}
	for i, hc := range checks {
		report.Checks[hc.Name] = results[i]
		if results[i].Status != "ok" {
			report.Status = "unhealthy"
		}
	}
	return report
}

func (s *Server) handleVersion(c echo.Context) error {
	if err := c.JSON(http.StatusOK, version.Get()); err != nil {
		return fmt.Errorf("failed to write version response: %w", err)
	}
	return nil
}
