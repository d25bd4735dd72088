package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

const (
	DedupBackendMemory = "memory"
	DedupBackendRedis  = "redis"

	NotifierLog   = "log"
	NotifierRedis = "redis"
)

type Config struct {
	AppEnv              string `env:"APP_ENV" default:"development"`
	Port                string `env:"PORT" default:"8080"`
	DatabaseURL         string `env:"DATABASE_URL"`
	RedisURL            string `env:"REDIS_URL"`
	TwitchClientID      string `env:"TWITCH_CLIENT_ID"`
	TwitchClientSecret  string `env:"TWITCH_CLIENT_SECRET"`
	TwitchSigningSecret string `env:"TWITCH_SIGNING_SECRET"`
	PublicBaseURL       string `env:"PUBLIC_BASE_URL"`
	WebhookPath         string `env:"WEBHOOK_PATH" default:"/eventsub-callback/"`
	BotToken            string `env:"BOT_TOKEN"`
	LogLevel            string `env:"LOG_LEVEL" default:"info"`
	LogFormat           string `env:"LOG_FORMAT" default:"text"`
	DedupBackend        string `env:"DEDUP_BACKEND" default:"memory"`
	Notifier            string `env:"NOTIFIER" default:"log"`

	MaxConcurrentRegistrations int `env:"MAX_CONCURRENT_REGISTRATIONS" default:"4"`

	WebhookMaxAge               time.Duration `env:"WEBHOOK_MAX_AGE" default:"10m"`
	ReconcileInterval           time.Duration `env:"RECONCILE_INTERVAL" default:"10s"`
	RegistrationRefreshInterval time.Duration `env:"REGISTRATION_REFRESH_INTERVAL" default:"10m"`
	IndexReloadInterval         time.Duration `env:"INDEX_RELOAD_INTERVAL" default:"15m"`
	DedupTTL                    time.Duration `env:"DEDUP_TTL" default:"12h"`
	DedupSweepInterval          time.Duration `env:"DEDUP_SWEEP_INTERVAL" default:"10m"`
	TwitchAPITimeout            time.Duration `env:"TWITCH_API_TIMEOUT" default:"10s"`
	UnresolvedLoginBackoff      time.Duration `env:"UNRESOLVED_LOGIN_BACKOFF" default:"5m"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// CallbackURL is the public URL Twitch delivers EventSub webhooks to.
func (c *Config) CallbackURL() string {
	return strings.TrimRight(c.PublicBaseURL, "/") + c.WebhookPath
}

// MiniAppEnabled reports whether the mini-app API should be mounted.
func (c *Config) MiniAppEnabled() bool {
	return c.BotToken != ""
}

func validate(cfg *Config) error {
	// Checked in a fixed order so the first missing variable is reported deterministically.
	required := []struct{ name, value string }{
		{"DATABASE_URL", cfg.DatabaseURL},
		{"TWITCH_CLIENT_ID", cfg.TwitchClientID},
		{"TWITCH_CLIENT_SECRET", cfg.TwitchClientSecret},
		{"TWITCH_SIGNING_SECRET", cfg.TwitchSigningSecret},
		{"PUBLIC_BASE_URL", cfg.PublicBaseURL},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required", r.name)
		}
	}

	if len(cfg.TwitchSigningSecret) < 10 || len(cfg.TwitchSigningSecret) > 100 {
		return errors.New("TWITCH_SIGNING_SECRET must be between 10 and 100 characters")
	}

	port, err := strconv.Atoi(cfg.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be an integer between 1 and 65535, got %q", cfg.Port)
	}

	// Twitch only delivers EventSub webhooks to https callbacks on port 443.
	u, err := url.Parse(cfg.PublicBaseURL)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("PUBLIC_BASE_URL must be an absolute https URL, got %q", cfg.PublicBaseURL)
	}

	if !strings.HasPrefix(cfg.WebhookPath, "/") {
		return fmt.Errorf("WEBHOOK_PATH must start with '/', got %q", cfg.WebhookPath)
	}

	if err := validateDatabaseURL(cfg); err != nil {
		return err
	}

	switch cfg.DedupBackend {
	case DedupBackendMemory, DedupBackendRedis:
	default:
		return fmt.Errorf("DEDUP_BACKEND must be %q or %q, got %q", DedupBackendMemory, DedupBackendRedis, cfg.DedupBackend)
	}
	switch cfg.Notifier {
	case NotifierLog, NotifierRedis:
	default:
		return fmt.Errorf("NOTIFIER must be %q or %q, got %q", NotifierLog, NotifierRedis, cfg.Notifier)
	}
	if cfg.RedisURL == "" && (cfg.DedupBackend == DedupBackendRedis || cfg.Notifier == NotifierRedis) {
		return errors.New("REDIS_URL is required when DEDUP_BACKEND or NOTIFIER is redis")
	}

	return validateIntervals(cfg)
}

func validateDatabaseURL(cfg *Config) error {
	if cfg.AppEnv != "production" {
		return nil
	}
	u, err := url.Parse(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("DATABASE_URL is not a valid URL: %w", err)
	}
	mode := strings.ToLower(u.Query().Get("sslmode"))
	if mode == "disable" || mode == "allow" {
		return fmt.Errorf("DATABASE_URL uses sslmode=%s which is not allowed in production", mode)
	}
	return nil
}

func validateIntervals(cfg *Config) error {
	positive := []struct {
		name  string
		value time.Duration
	}{
		{"RECONCILE_INTERVAL", cfg.ReconcileInterval},
		{"DEDUP_TTL", cfg.DedupTTL},
		{"DEDUP_SWEEP_INTERVAL", cfg.DedupSweepInterval},
		{"TWITCH_API_TIMEOUT", cfg.TwitchAPITimeout},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", p.name, p.value)
		}
	}

	if cfg.RegistrationRefreshInterval < cfg.ReconcileInterval {
		return errors.New("REGISTRATION_REFRESH_INTERVAL must not be shorter than RECONCILE_INTERVAL")
	}
	if cfg.WebhookMaxAge < 0 || cfg.IndexReloadInterval < 0 || cfg.UnresolvedLoginBackoff < 0 {
		return errors.New("WEBHOOK_MAX_AGE, INDEX_RELOAD_INTERVAL and UNRESOLVED_LOGIN_BACKOFF must not be negative")
	}
	if cfg.MaxConcurrentRegistrations < 1 {
		return fmt.Errorf("MAX_CONCURRENT_REGISTRATIONS must be at least 1, got %d", cfg.MaxConcurrentRegistrations)
	}
	return nil
}
