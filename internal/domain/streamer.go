package domain

import (
	"fmt"
	"regexp"
	"strings"
)

var loginPattern = regexp.MustCompile(`^[a-z0-9_]{1,25}$`)

// StreamerLogin is the case-normalized Twitch login of a streamer.
type StreamerLogin string

// StreamerPlatformID is the stable Twitch user id of a streamer.
type StreamerPlatformID string

// NormalizeLogin trims and lower-cases raw and checks it is a well-formed Twitch login.
func NormalizeLogin(raw string) (StreamerLogin, error) {
	login := strings.ToLower(strings.TrimSpace(raw))
	if !loginPattern.MatchString(login) {
		return "", fmt.Errorf("%w: %q", ErrInvalidLogin, raw)
	}
	return StreamerLogin(login), nil
}

func (l StreamerLogin) String() string {
	return string(l)
}
