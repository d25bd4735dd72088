package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kurbezz/telegram-twitch-notifier/internal/adapter/metrics"
	"github.com/kurbezz/telegram-twitch-notifier/internal/adapter/postgres"
	"github.com/kurbezz/telegram-twitch-notifier/internal/domain"
	"github.com/kurbezz/telegram-twitch-notifier/internal/platform/config"
	"github.com/kurbezz/telegram-twitch-notifier/internal/platform/logging"
	"github.com/kurbezz/telegram-twitch-notifier/internal/platform/version"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "subctl",
		Short:         "Administer stream notification subscriptions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			verbose, _ := cmd.Flags().GetBool("verbose")
			level := "warn"
			if verbose {
				level = "debug"
			}
			slog.SetDefault(logging.New(os.Stderr, level, "text"))
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cmd.Version = version.Version
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)
	cmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")

	cmd.AddCommand(
		newMigrateCmd(),
		newListCmd(),
		newSubscribeCmd(),
		newUnsubscribeCmd(),
		newReconcileCmd(),
		newPurgeDeliveriesCmd(),
		newWatchCmd(),
	)
	return cmd
}

// openStore loads the configuration and connects to Postgres. Metrics go to a
// throwaway registry; nothing scrapes a one-shot command.
func openStore(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, metrics.NewDBMetrics(prometheus.NewRegistry()))
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func parseRecipient(raw string) (domain.RecipientID, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid recipient id %q", raw)
	}
	return domain.RecipientID(id), nil
}
