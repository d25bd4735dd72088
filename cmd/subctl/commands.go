package main

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/kurbezz/telegram-twitch-notifier/internal/adapter/metrics"
	"github.com/kurbezz/telegram-twitch-notifier/internal/adapter/postgres"
	"github.com/kurbezz/telegram-twitch-notifier/internal/adapter/redis"
	"github.com/kurbezz/telegram-twitch-notifier/internal/adapter/twitch"
	"github.com/kurbezz/telegram-twitch-notifier/internal/app"
	"github.com/kurbezz/telegram-twitch-notifier/internal/domain"
	"github.com/kurbezz/telegram-twitch-notifier/internal/platform/config"
	"github.com/kurbezz/telegram-twitch-notifier/internal/platform/correlation"
	"github.com/kurbezz/telegram-twitch-notifier/internal/platform/version"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, pool, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := postgres.RunMigrationsWithLock(cmd.Context(), pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List subscriptions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, pool, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			repo := postgres.NewSubscriptionRepo(pool)
			var subs []domain.Subscription
			if raw, _ := cmd.Flags().GetString("recipient"); raw != "" {
				recipient, err := parseRecipient(raw)
				if err != nil {
					return err
				}
				subs, err = repo.ListByRecipient(cmd.Context(), recipient)
				if err != nil {
					return err
				}
			} else {
				subs, err = repo.LoadAll(cmd.Context())
				if err != nil {
					return err
				}
			}

			printSubscriptions(cmd, subs)
			return nil
		},
	}
	cmd.Flags().String("recipient", "", "only subscriptions of this recipient id")
	return cmd
}

func printSubscriptions(cmd *cobra.Command, subs []domain.Subscription) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STREAMER\tRECIPIENT\tCREATED")
	for _, s := range subs {
		fmt.Fprintf(w, "%s\t%d\t%s\n", s.Streamer, s.RecipientID, s.CreatedAt.Format(time.RFC3339))
	}
	_ = w.Flush()
}

// loadService builds the subscription service on a freshly loaded index, the
// same way the server does.
func loadService(cmd *cobra.Command) (*app.SubscriptionService, func(), error) {
	_, pool, err := openStore(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	repo := postgres.NewSubscriptionRepo(pool)
	index := app.NewSubscriptionIndex(repo, metrics.NewIndexMetrics(prometheus.NewRegistry()))
	if err := index.Reload(cmd.Context()); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return app.NewSubscriptionService(index, repo), pool.Close, nil
}

func newSubscribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "subscribe <streamer> <recipient>",
		Short: "Subscribe a recipient to a streamer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			recipient, err := parseRecipient(args[1])
			if err != nil {
				return err
			}
			svc, closeFn, err := loadService(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			sub, created, err := svc.Subscribe(cmd.Context(), args[0], recipient)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "subscribed %d to %s\n", sub.RecipientID, sub.Streamer)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%d already follows %s\n", sub.RecipientID, sub.Streamer)
			}
			return nil
		},
	}
}

func newUnsubscribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unsubscribe <streamer> <recipient>",
		Short: "Remove a recipient's subscription to a streamer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			recipient, err := parseRecipient(args[1])
			if err != nil {
				return err
			}
			svc, closeFn, err := loadService(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := svc.Unsubscribe(cmd.Context(), args[0], recipient); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unsubscribed %d from %s\n", recipient, args[0])
			return nil
		},
	}
}

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass against Twitch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, pool, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			reg := prometheus.NewRegistry()
			index := app.NewSubscriptionIndex(postgres.NewSubscriptionRepo(pool), metrics.NewIndexMetrics(reg))
			if err := index.Reload(cmd.Context()); err != nil {
				return err
			}

			client, err := twitch.NewHelixClient(twitch.ClientConfig{
				ClientID:     cfg.TwitchClientID,
				ClientSecret: cfg.TwitchClientSecret,
				UserAgent:    version.UserAgent(),
				Timeout:      cfg.TwitchAPITimeout,
			}, metrics.NewTwitchMetrics(reg), metrics.NewBreakerMetrics(reg))
			if err != nil {
				return err
			}

			reconciler := app.NewReconciler(index, client, app.ReconcilerConfig{
				Interval:        cfg.ReconcileInterval,
				RefreshInterval: cfg.RegistrationRefreshInterval,
				CallbackURL:     cfg.CallbackURL(),
				Secret:          cfg.TwitchSigningSecret,
				MaxInFlight:     cfg.MaxConcurrentRegistrations,
				CallTimeout:     cfg.TwitchAPITimeout,
			}, clockwork.NewRealClock(), metrics.NewReconcilerMetrics(reg))

			res := reconciler.ReconcileOnce(correlation.WithNewID(cmd.Context()))
			fmt.Fprintf(cmd.OutOrStdout(),
				"desired=%d confirmed=%d created=%d conflicts=%d failed=%d listed=%t\n",
				res.Desired, res.Confirmed, res.Created, res.Conflicts, res.Failed, res.Refreshed)
			if res.Failed > 0 {
				return fmt.Errorf("%d registrations failed", res.Failed)
			}
			return nil
		},
	}
}

func newPurgeDeliveriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge-deliveries",
		Short: "Delete remembered webhook delivery ids from Redis",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.RedisURL == "" {
				return fmt.Errorf("REDIS_URL is not set")
			}

			rdb, err := redis.NewClient(cmd.Context(), cfg.RedisURL)
			if err != nil {
				return err
			}
			defer func() { _ = rdb.Close() }()

			dryRun, _ := cmd.Flags().GetBool("dry-run")
			n, err := redis.PurgeDeliveries(cmd.Context(), rdb, dryRun)
			if err != nil {
				return err
			}
			if dryRun {
				fmt.Fprintf(cmd.OutOrStdout(), "%d delivery ids would be deleted\n", n)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%d delivery ids deleted\n", n)
			}
			return nil
		},
	}
	cmd.Flags().Bool("dry-run", false, "count keys without deleting them")
	return cmd
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print stream.online messages published to Redis until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.RedisURL == "" {
				return fmt.Errorf("REDIS_URL is not set")
			}

			rdb, err := redis.NewClient(cmd.Context(), cfg.RedisURL)
			if err != nil {
				return err
			}
			defer func() { _ = rdb.Close() }()

			return redis.SubscribeStreamOnline(cmd.Context(), rdb, func(m redis.StreamOnlineMessage) {
				fmt.Fprintln(cmd.OutOrStdout(), formatStreamOnline(m))
			})
		},
	}
}

func formatStreamOnline(m redis.StreamOnlineMessage) string {
	recipients := make([]string, len(m.Recipients))
	for i, r := range m.Recipients {
		recipients[i] = strconv.FormatInt(int64(r), 10)
	}
	return fmt.Sprintf("%s\t%s (%s)\t-> %s",
		m.StartedAt.UTC().Format(time.RFC3339), m.Streamer, m.PlatformID, strings.Join(recipients, ","))
}
