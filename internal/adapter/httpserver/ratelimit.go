package httpserver

import (
	"errors"
	"math"
	"strconv"
	"time"

	apperrors "github.com/kurbezz/telegram-twitch-notifier/internal/platform/errors"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

const rateLimiterExpiry = 5 * time.Minute

var errNoRecipient = errors.New("no authenticated recipient")

// rateLimitKey names the bucket a request draws from.
type rateLimitKey func(c echo.Context) (string, error)

// byClientIP buckets requests before authentication.
func byClientIP(c echo.Context) (string, error) {
	return "ip:" + c.RealIP(), nil
}

// byRecipient buckets requests by the Telegram user set by requireInitData.
func byRecipient(c echo.Context) (string, error) {
	recipient, ok := recipientFrom(c)
	if !ok {
		return "", errNoRecipient
	}
	return "recipient:" + strconv.FormatInt(int64(recipient), 10), nil
}

// newRateLimiter denies over-budget requests with a rate_limited error, so it
// must run inside ErrorHandlingMiddleware.
func newRateLimiter(ratePerSecond float64, burst int, key rateLimitKey) echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(
		middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(ratePerSecond),
			Burst:     burst,
			ExpiresIn: rateLimiterExpiry,
		},
	)
	retryAfter := strconv.Itoa(int(math.Ceil(1 / ratePerSecond)))

	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		IdentifierExtractor: middleware.Extractor(key),
		Store:               store,
		ErrorHandler: func(c echo.Context, err error) error {
			return apperrors.InternalError("rate limit key unavailable", err)
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			c.Response().Header().Set("Retry-After", retryAfter)
			return apperrors.RateLimitedError("rate limit exceeded").WithField("bucket", identifier)
		},
	})
}
