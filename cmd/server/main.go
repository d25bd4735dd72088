package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/kurbezz/telegram-twitch-notifier/internal/adapter/httpserver"
	"github.com/kurbezz/telegram-twitch-notifier/internal/adapter/memory"
	"github.com/kurbezz/telegram-twitch-notifier/internal/adapter/metrics"
	"github.com/kurbezz/telegram-twitch-notifier/internal/adapter/postgres"
	"github.com/kurbezz/telegram-twitch-notifier/internal/adapter/redis"
	"github.com/kurbezz/telegram-twitch-notifier/internal/adapter/twitch"
	"github.com/kurbezz/telegram-twitch-notifier/internal/app"
	"github.com/kurbezz/telegram-twitch-notifier/internal/domain"
	"github.com/kurbezz/telegram-twitch-notifier/internal/platform/config"
	"github.com/kurbezz/telegram-twitch-notifier/internal/platform/logging"
	"github.com/kurbezz/telegram-twitch-notifier/internal/platform/version"
	goredis "github.com/redis/go-redis/v9"
)

const (
	startupTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

// background is a loop the process starts after wiring and stops on shutdown.
type background interface {
	Run(ctx context.Context)
	Stop()
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(cfg *config.Config, m *metrics.DBMetrics) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, m)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := postgres.RunMigrationsWithLock(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}
	return pool
}

func setupRedis(cfg *config.Config, breakerMetrics *metrics.BreakerMetrics, redisMetrics *metrics.RedisMetrics) *goredis.Client {
	if cfg.RedisURL == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	client, err := redis.NewClient(ctx, cfg.RedisURL,
		redis.NewCircuitBreakerHook(breakerMetrics),
		redis.NewMetricsHook(redisMetrics),
	)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func setupTwitch(cfg *config.Config, twitchMetrics *metrics.TwitchMetrics, breakerMetrics *metrics.BreakerMetrics) *twitch.HelixClient {
	client, err := twitch.NewHelixClient(twitch.ClientConfig{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		UserAgent:    version.UserAgent(),
		Timeout:      cfg.TwitchAPITimeout,
	}, twitchMetrics, breakerMetrics)
	if err != nil {
		slog.Error("Failed to create Twitch client", "error", err)
		os.Exit(1)
	}

	// A bad credential should fail the deploy, not the first reconcile pass.
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()
	if _, err := client.Tokens().Token(ctx); err != nil {
		slog.Error("Failed to obtain Twitch app token", "error", err)
		os.Exit(1)
	}
	return client
}

func setupIndex(repo domain.SubscriptionRepository, m *metrics.IndexMetrics) *app.SubscriptionIndex {
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	index := app.NewSubscriptionIndex(repo, m)
	if err := index.Reload(ctx); err != nil {
		slog.Error("Failed to load subscriptions", "error", err)
		os.Exit(1)
	}
	slog.Info("Subscriptions loaded", "streamers", len(index.StreamersWithRecipients()))
	return index
}

func setupDedup(cfg *config.Config, rdb *goredis.Client, clock clockwork.Clock, m *metrics.DedupMetrics) (domain.DeliveryDeduplicator, background) {
	if cfg.DedupBackend == config.DedupBackendRedis {
		return redis.NewDeliveryLedger(rdb, cfg.DedupTTL, m), nil
	}
	cache := memory.NewDeliveryCache(cfg.DedupTTL, cfg.DedupSweepInterval, clock, m)
	return cache, cache
}

func setupNotifier(cfg *config.Config, rdb *goredis.Client) domain.Notifier {
	if cfg.Notifier == config.NotifierRedis {
		return redis.NewStreamOnlinePublisher(rdb)
	}
	return app.LogNotifier{}
}

func healthChecks(pool *pgxpool.Pool, rdb *goredis.Client, index *app.SubscriptionIndex) []httpserver.HealthCheck {
	checks := []httpserver.HealthCheck{
		{Name: "postgres", Check: pool.Ping},
		{Name: "subscription_index", Check: index.CheckLoaded},
	}
	if rdb != nil {
		checks = append(checks, httpserver.HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	}
	return checks
}

func startBackground(ctx context.Context, wg *sync.WaitGroup, loops []background) {
	for _, l := range loops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Run(ctx)
		}()
	}
}

func runGracefulShutdown(srv *httpserver.Server, cancel context.CancelFunc, loops []background, wg *sync.WaitGroup) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		for _, l := range loops {
			l.Stop()
		}
		cancel()
		wg.Wait()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logger := logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", version.Version)

	reg := metrics.NewRegistry()

	pool := setupDB(cfg, metrics.NewDBMetrics(reg))
	defer pool.Close()

	breakerMetrics := metrics.NewBreakerMetrics(reg)

	rdb := setupRedis(cfg, breakerMetrics, metrics.NewRedisMetrics(reg))
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
	}

	repo := postgres.NewSubscriptionRepo(pool)
	index := setupIndex(repo, metrics.NewIndexMetrics(reg))

	helixClient := setupTwitch(cfg, metrics.NewTwitchMetrics(reg), breakerMetrics)

	dedup, sweeper := setupDedup(cfg, rdb, clock, metrics.NewDedupMetrics(reg))
	notifier := setupNotifier(cfg, rdb)

	webhook := twitch.NewWebhookHandler(
		cfg.TwitchSigningSecret,
		dedup,
		index,
		helixClient,
		notifier,
		metrics.NewWebhookMetrics(reg),
		twitch.WithMaxMessageAge(cfg.WebhookMaxAge),
		twitch.WithClock(clock),
	)

	reconciler := app.NewReconciler(index, helixClient, app.ReconcilerConfig{
		Interval:          cfg.ReconcileInterval,
		RefreshInterval:   cfg.RegistrationRefreshInterval,
		CallbackURL:       cfg.CallbackURL(),
		Secret:            cfg.TwitchSigningSecret,
		MaxInFlight:       cfg.MaxConcurrentRegistrations,
		CallTimeout:       cfg.TwitchAPITimeout,
		UnresolvedBackoff: cfg.UnresolvedLoginBackoff,
	}, clock, metrics.NewReconcilerMetrics(reg))

	loops := []background{reconciler, app.NewIndexReloader(index, cfg.IndexReloadInterval, clock)}
	if sweeper != nil {
		loops = append(loops, sweeper)
	}

	// Pass nil explicitly when the API is disabled to avoid a typed-nil interface.
	var srv *httpserver.Server
	checks := healthChecks(pool, rdb, index)
	if cfg.MiniAppEnabled() {
		srv = httpserver.NewServer(cfg, logger, app.NewSubscriptionService(index, repo), webhook.HandleEventSub,
			metrics.NewHTTPMetrics(reg), metrics.Handler(reg), checks, clock)
	} else {
		srv = httpserver.NewServer(cfg, logger, nil, webhook.HandleEventSub,
			metrics.NewHTTPMetrics(reg), metrics.Handler(reg), checks, clock)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	startBackground(ctx, &wg, loops)
	done := runGracefulShutdown(srv, cancel, loops, &wg)

	slog.Info("Webhook callback", "url", cfg.CallbackURL(), "mini_app", cfg.MiniAppEnabled())
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
