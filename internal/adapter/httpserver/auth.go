package httpserver

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/kurbezz/telegram-twitch-notifier/internal/domain"
	apperrors "github.com/kurbezz/telegram-twitch-notifier/internal/platform/errors"
	"github.com/labstack/echo/v4"
)

const (
	initDataHeader = "X-Init-Data"
	initDataMaxAge = 24 * time.Hour
	webAppDataKey  = "WebAppData"

	ctxKeyRecipient = "recipientID"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	errInitDataMissing   = errors.New("init data missing")
	errInitDataMalformed = errors.New("init data malformed")
	errInitDataSignature = errors.New("init data signature mismatch")
	errInitDataExpired   = errors.New("init data expired")
)

type initDataUser struct {
	ID int64 `json:"id"`
}

// requireInitData authenticates mini-app calls by their Telegram WebApp init data
// and stores the caller's recipient id in the context.
func (s *Server) requireInitData(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		recipient, err := validateInitData(c.Request().Header.Get(initDataHeader), s.config.BotToken, s.clock.Now(), initDataMaxAge)
		if err != nil {
			return apperrors.UnauthorizedError("invalid init data").WithField("reason", err.Error())
		}
		c.Set(ctxKeyRecipient, recipient)
		return next(c)
	}
}

func recipientFrom(c echo.Context) (domain.RecipientID, bool) {
	id, ok := c.Get(ctxKeyRecipient).(domain.RecipientID)
	return id, ok
}

// validateInitData checks raw against the bot token and returns the Telegram user id.
// maxAge <= 0 skips the auth_date check.
func validateInitData(raw, botToken string, now time.Time, maxAge time.Duration) (domain.RecipientID, error) {
	if raw == "" {
		return 0, errInitDataMissing
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return 0, errInitDataMalformed
	}

	hash := values.Get("hash")
	if len(hash) != sha256.Size*2 {
		return 0, errInitDataMalformed
	}
	got, err := hex.DecodeString(hash)
	if err != nil {
		return 0, errInitDataMalformed
	}
	values.Del("hash")

	if !hmac.Equal(got, signInitData(values, botToken)) {
		return 0, errInitDataSignature
	}

	if maxAge > 0 {
		authDate, err := strconv.ParseInt(values.Get("auth_date"), 10, 64)
		if err != nil {
			return 0, errInitDataMalformed
		}
		if now.Sub(time.Unix(authDate, 0)) > maxAge {
			return 0, errInitDataExpired
		}
	}

	var user initDataUser
	if err := json.Unmarshal([]byte(values.Get("user")), &user); err != nil || user.ID <= 0 {
		return 0, errInitDataMalformed
	}
	return domain.RecipientID(user.ID), nil
}

// signInitData computes the init data hash over every field except hash.
func signInitData(values url.Values, botToken string) []byte {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+"="+values.Get(k))
	}

	secret := hmac.New(sha256.New, []byte(webAppDataKey))
	secret.Write([]byte(botToken))

	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(strings.Join(lines, "\n")))
	return mac.Sum(nil)
}
