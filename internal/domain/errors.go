package domain

import "errors"

var (
	ErrInvalidLogin         = errors.New("invalid streamer login")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrStreamerNotFound     = errors.New("streamer not found")
)

// Registration client failures. Adapters wrap these so callers can branch with errors.Is.
var (
	ErrRegistrationConflict = errors.New("registration already exists")
	ErrRateLimited          = errors.New("rate limited by platform")
	ErrUnauthorized         = errors.New("platform rejected credentials")
	ErrTransient            = errors.New("transient platform error")
)
