package twitch

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	jsoniter "github.com/json-iterator/go"
	"github.com/kurbezz/telegram-twitch-notifier/internal/adapter/metrics"
	"github.com/kurbezz/telegram-twitch-notifier/internal/domain"
	"github.com/labstack/echo/v4"
	"github.com/nicklaw5/helix/v2"
)

const (
	HeaderMessageID        = "Twitch-Eventsub-Message-Id"
	HeaderMessageTimestamp = "Twitch-Eventsub-Message-Timestamp"
	HeaderMessageSignature = "Twitch-Eventsub-Message-Signature"
	HeaderMessageType      = "Twitch-Eventsub-Message-Type"

	MessageTypeVerification = "webhook_callback_verification"
	MessageTypeNotification = "notification"
	MessageTypeRevocation   = "revocation"

	// MaxBodyBytes caps webhook bodies; larger deliveries are rejected unread.
	MaxBodyBytes = 64 << 10

	webhookProcessingTimeout = 5 * time.Second
	signaturePrefix          = "sha256="
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// eventSubNotification is the webhook envelope. The event stays raw until the
// subscription type says how to decode it.
type eventSubNotification struct {
	Subscription helix.EventSubSubscription `json:"subscription"`
	Challenge    string                     `json:"challenge"`
	Event        jsoniter.RawMessage        `json:"event"`
}

// Decoder unmarshals a verified webhook body.
type Decoder func(data []byte, v any) error

// RecipientSource answers who wants to hear about a streamer.
type RecipientSource interface {
	RecipientsOf(streamer domain.StreamerLogin) []domain.RecipientID
}

// WebhookOption customizes a WebhookHandler.
type WebhookOption func(*WebhookHandler)

// WithMaxMessageAge rejects deliveries whose timestamp is further than d from now.
// Zero disables the check.
func WithMaxMessageAge(d time.Duration) WebhookOption {
	return func(wh *WebhookHandler) { wh.maxAge = d }
}

func WithClock(clock clockwork.Clock) WebhookOption {
	return func(wh *WebhookHandler) { wh.clock = clock }
}

func WithDecoder(d Decoder) WebhookOption {
	return func(wh *WebhookHandler) { wh.decode = d }
}

// WebhookHandler ingests EventSub webhook deliveries.
//
// Gates run in order and the first failure answers the request:
// size (413), required headers (401), signature (400), freshness (400),
// dedup (200, nothing else happens), decoding (400). Only then is the
// message type dispatched.
type WebhookHandler struct {
	secret     []byte
	dedup      domain.DeliveryDeduplicator
	recipients RecipientSource
	lookup     domain.LoginLookup
	notifier   domain.Notifier
	metrics    *metrics.WebhookMetrics

	maxAge time.Duration
	clock  clockwork.Clock
	decode Decoder
}

func NewWebhookHandler(
	secret string,
	dedup domain.DeliveryDeduplicator,
	recipients RecipientSource,
	lookup domain.LoginLookup,
	notifier domain.Notifier,
	m *metrics.WebhookMetrics,
	opts ...WebhookOption,
) *WebhookHandler {
	wh := &WebhookHandler{
		secret:     []byte(secret),
		dedup:      dedup,
		recipients: recipients,
		lookup:     lookup,
		notifier:   notifier,
		metrics:    m,
		clock:      clockwork.NewRealClock(),
		decode:     json.Unmarshal,
	}
	for _, opt := range opts {
		opt(wh)
	}
	return wh
}

func (wh *WebhookHandler) HandleEventSub(c echo.Context) error {
	req := c.Request()
	msgType := req.Header.Get(HeaderMessageType)
	timer := time.Now()
	defer func() { wh.metrics.ProcessingDuration.Observe(time.Since(timer).Seconds()) }()

	if req.ContentLength > MaxBodyBytes {
		return wh.reject(c, msgType, metrics.OutcomeTooLarge, http.StatusRequestEntityTooLarge, "")
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Response(), req.Body, MaxBodyBytes))
	if err != nil {
		if _, ok := errors.AsType[*http.MaxBytesError](err); ok {
			return wh.reject(c, msgType, metrics.OutcomeTooLarge, http.StatusRequestEntityTooLarge, "")
		}
		return wh.reject(c, msgType, metrics.OutcomeMalformed, http.StatusBadRequest, "Unreadable body")
	}

	id := req.Header.Get(HeaderMessageID)
	timestamp := req.Header.Get(HeaderMessageTimestamp)
	signature := req.Header.Get(HeaderMessageSignature)
	if id == "" || timestamp == "" || signature == "" {
		return wh.reject(c, msgType, metrics.OutcomeMissingHdr, http.StatusUnauthorized, "")
	}

	if !wh.verify(id, timestamp, body, signature) {
		return wh.reject(c, msgType, metrics.OutcomeBadSignature, http.StatusBadRequest, "Invalid signature")
	}

	if !wh.fresh(timestamp) {
		return wh.reject(c, msgType, metrics.OutcomeStale, http.StatusBadRequest, "Stale message")
	}

	ctx := req.Context()
	claimed, err := wh.dedup.Claim(ctx, id)
	if err != nil {
		// Fail open: a duplicate notification beats a dropped one.
		slog.WarnContext(ctx, "Delivery dedup unavailable, processing anyway", "message_id", id, "error", err)
		claimed = true
	}
	if !claimed {
		slog.DebugContext(ctx, "Duplicate EventSub delivery", "message_id", id)
		wh.record(msgType, metrics.OutcomeDuplicate)
		return c.NoContent(http.StatusOK)
	}

	var payload eventSubNotification
	if err := wh.decode(body, &payload); err != nil {
		slog.WarnContext(ctx, "Malformed EventSub payload", "message_id", id, "error", err)
		return wh.reject(c, msgType, metrics.OutcomeMalformed, http.StatusBadRequest, "Malformed payload")
	}

	switch msgType {
	case MessageTypeVerification:
		slog.InfoContext(ctx, "EventSub webhook verification",
			"subscription_type", payload.Subscription.Type,
			"broadcaster_user_id", payload.Subscription.Condition.BroadcasterUserID)
		wh.record(msgType, metrics.OutcomeProcessed)
		return c.String(http.StatusOK, payload.Challenge)

	case MessageTypeRevocation:
		slog.WarnContext(ctx, "EventSub subscription revoked",
			"subscription_id", payload.Subscription.ID,
			"type", payload.Subscription.Type,
			"status", payload.Subscription.Status,
			"broadcaster_user_id", payload.Subscription.Condition.BroadcasterUserID)
		wh.record(msgType, metrics.OutcomeProcessed)
		return c.NoContent(http.StatusOK)

	case MessageTypeNotification:
		if payload.Subscription.Type != domain.EventTypeStreamOnline {
			slog.DebugContext(ctx, "Ignoring EventSub notification", "type", payload.Subscription.Type)
			wh.record(msgType, metrics.OutcomeIgnored)
			return c.NoContent(http.StatusOK)
		}
		if err := wh.handleStreamOnline(ctx, payload.Event); err != nil {
			slog.WarnContext(ctx, "Malformed stream.online event", "message_id", id, "error", err)
			return wh.reject(c, msgType, metrics.OutcomeMalformed, http.StatusBadRequest, "Malformed payload")
		}
		wh.record(msgType, metrics.OutcomeProcessed)
		return c.NoContent(http.StatusOK)

	default:
		slog.InfoContext(ctx, "Ignoring unknown EventSub message type", "message_type", msgType)
		wh.record(msgType, metrics.OutcomeIgnored)
		return c.NoContent(http.StatusOK)
	}
}

// handleStreamOnline returns an error only for an undecodable event; lookup and
// notifier failures are logged and swallowed.
func (wh *WebhookHandler) handleStreamOnline(ctx context.Context, raw []byte) error {
	var event helix.EventSubStreamOnlineEvent
	if err := wh.decode(raw, &event); err != nil {
		return err
	}

	// The request may be gone before the notifier finishes; keep its values, not its deadline.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), webhookProcessingTimeout)
	defer cancel()

	streamer, err := wh.streamerLogin(ctx, event)
	if err != nil {
		slog.ErrorContext(ctx, "Cannot resolve streamer for stream.online",
			"broadcaster_user_id", event.BroadcasterUserID,
			"broadcaster_user_login", event.BroadcasterUserLogin,
			"error", err)
		wh.metrics.Notifications.WithLabelValues("unresolved").Inc()
		return nil
	}

	recipients := wh.recipients.RecipientsOf(streamer)
	if len(recipients) == 0 {
		slog.InfoContext(ctx, "Stream online without recipients", "streamer", streamer)
		wh.metrics.Notifications.WithLabelValues("no_recipients").Inc()
		return nil
	}

	online := domain.StreamOnline{
		PlatformID: domain.StreamerPlatformID(event.BroadcasterUserID),
		Streamer:   streamer,
		StartedAt:  event.StartedAt.Time,
	}
	if err := wh.notifier.NotifyStreamOnline(ctx, online, recipients); err != nil {
		slog.ErrorContext(ctx, "Notifier failed", "streamer", streamer, "recipients", len(recipients), "error", err)
		wh.metrics.Notifications.WithLabelValues("error").Inc()
		return nil
	}

	wh.metrics.Notifications.WithLabelValues("ok").Inc()
	wh.metrics.RecipientsNotified.Add(float64(len(recipients)))
	slog.InfoContext(ctx, "Stream online dispatched", "streamer", streamer, "recipients", len(recipients))
	return nil
}

// streamerLogin prefers the login embedded in the event and falls back to a lookup by id.
func (wh *WebhookHandler) streamerLogin(ctx context.Context, event helix.EventSubStreamOnlineEvent) (domain.StreamerLogin, error) {
	if event.BroadcasterUserLogin != "" {
		if login, err := domain.NormalizeLogin(event.BroadcasterUserLogin); err == nil {
			return login, nil
		}
	}
	if event.BroadcasterUserID == "" {
		return "", errors.New("event carries neither login nor broadcaster id")
	}
	return wh.lookup.LookupLogin(ctx, domain.StreamerPlatformID(event.BroadcasterUserID))
}

// verify checks the sha256 HMAC over id, timestamp and body in constant time.
func (wh *WebhookHandler) verify(id, timestamp string, body []byte, signature string) bool {
	if len(signature) <= len(signaturePrefix) || signature[:len(signaturePrefix)] != signaturePrefix {
		return false
	}
	got, err := hex.DecodeString(signature[len(signaturePrefix):])
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, wh.secret)
	mac.Write([]byte(id))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), got)
}

func (wh *WebhookHandler) fresh(timestamp string) bool {
	if wh.maxAge <= 0 {
		return true
	}
	sent, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return false
	}
	age := wh.clock.Now().Sub(sent)
	return age <= wh.maxAge && age >= -wh.maxAge
}

func (wh *WebhookHandler) reject(c echo.Context, msgType, outcome string, status int, body string) error {
	wh.record(msgType, outcome)
	if body == "" {
		return c.NoContent(status)
	}
	return c.String(status, body)
}

func (wh *WebhookHandler) record(msgType, outcome string) {
	if msgType == "" {
		msgType = "unknown"
	}
	switch msgType {
	case MessageTypeVerification, MessageTypeNotification, MessageTypeRevocation, "unknown":
	default:
		msgType = "other"
	}
	wh.metrics.Deliveries.WithLabelValues(msgType, outcome).Inc()
}
