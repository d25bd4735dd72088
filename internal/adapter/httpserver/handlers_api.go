package httpserver

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/kurbezz/telegram-twitch-notifier/internal/domain"
	apperrors "github.com/kurbezz/telegram-twitch-notifier/internal/platform/errors"
	"github.com/labstack/echo/v4"
)

func (s *Server) handleListSubscriptions(c echo.Context) error {
	recipient, ok := recipientFrom(c)
	if !ok {
		return apperrors.InternalError("missing recipient in context", nil)
	}

	subs, err := s.subscriptions.ListByRecipient(c.Request().Context(), recipient)
	if err != nil {
		return apperrors.InternalError("failed to list subscriptions", err).WithField("recipient_id", recipient)
	}

	if err := c.JSON(http.StatusOK, subs); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleSubscribe(c echo.Context) error {
	recipient, ok := recipientFrom(c)
	if !ok {
		return apperrors.InternalError("missing recipient in context", nil)
	}
	streamer := c.Param("streamer")

	sub, created, err := s.subscriptions.Subscribe(c.Request().Context(), streamer, recipient)
	if errors.Is(err, domain.ErrInvalidLogin) {
		return apperrors.ValidationError("invalid streamer login").WithField("streamer", streamer)
	}
	if err != nil {
		return apperrors.InternalError("failed to subscribe", err).
			WithField("streamer", streamer).
			WithField("recipient_id", recipient)
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	if err := c.JSON(status, sub); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleUnsubscribe(c echo.Context) error {
	recipient, ok := recipientFrom(c)
	if !ok {
		return apperrors.InternalError("missing recipient in context", nil)
	}
	streamer := c.Param("streamer")

	err := s.subscriptions.Unsubscribe(c.Request().Context(), streamer, recipient)
	if errors.Is(err, domain.ErrInvalidLogin) {
		return apperrors.ValidationError("invalid streamer login").WithField("streamer", streamer)
	}
	if err != nil {
		return apperrors.InternalError("failed to unsubscribe", err).
			WithField("streamer", streamer).
			WithField("recipient_id", recipient)
	}

	if err := c.NoContent(http.StatusNoContent); err != nil {
		return fmt.Errorf("failed to send response: %w", err)
	}
	return nil
}
