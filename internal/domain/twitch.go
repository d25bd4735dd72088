package domain

import (
	"context"
	"time"
)

const (
	EventTypeStreamOnline    = "stream.online"
	EventVersionStreamOnline = "1"

	RegistrationStatusEnabled = "enabled"
)

// ExternalRegistration is an EventSub subscription as reported by Twitch.
type ExternalRegistration struct {
	ID          string
	Type        string
	Version     string
	PlatformID  StreamerPlatformID
	CallbackURL string
	Status      string
	CreatedAt   time.Time
}

// RegistrationClient manages EventSub registrations on Twitch.
// Failures wrap ErrRegistrationConflict, ErrRateLimited, ErrUnauthorized or ErrTransient.
type RegistrationClient interface {
	ResolveLogin(ctx context.Context, login StreamerLogin) (StreamerPlatformID, error)
	ListActiveRegistrations(ctx context.Context, eventType string) ([]ExternalRegistration, error)
	CreateRegistration(ctx context.Context, eventType, version string, platformID StreamerPlatformID, callbackURL, secret string) (*ExternalRegistration, error)
}

// LoginLookup translates a platform id back into a login.
type LoginLookup interface {
	LookupLogin(ctx context.Context, platformID StreamerPlatformID) (StreamerLogin, error)
}
