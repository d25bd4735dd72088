package postgres

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kurbezz/telegram-twitch-notifier/internal/domain"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const subscriptionsTable = "subscriptions"

var subscriptionColumns = []string{"id", "streamer", "recipient_id", "created_at"}

type SubscriptionRepo struct {
	pool *pgxpool.Pool
}

var _ domain.SubscriptionRepository = (*SubscriptionRepo)(nil)

func NewSubscriptionRepo(pool *pgxpool.Pool) *SubscriptionRepo {
	return &SubscriptionRepo{pool: pool}
}

func (r *SubscriptionRepo) LoadAll(ctx context.Context) ([]domain.Subscription, error) {
	query, args, err := psql.Select(subscriptionColumns...).
		From(subscriptionsTable).
		OrderBy("created_at", "id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build load query: %w", err)
	}
	return r.query(ctx, query, args)
}

func (r *SubscriptionRepo) ListByRecipient(ctx context.Context, recipient domain.RecipientID) ([]domain.Subscription, error) {
	query, args, err := psql.Select(subscriptionColumns...).
		From(subscriptionsTable).
		Where(sq.Eq{"recipient_id": int64(recipient)}).
		OrderBy("streamer").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build list query: %w", err)
	}
	return r.query(ctx, query, args)
}

// Upsert inserts the pair or, when it already exists, returns the stored row unchanged.
func (r *SubscriptionRepo) Upsert(ctx context.Context, streamer domain.StreamerLogin, recipient domain.RecipientID) (*domain.Subscription, error) {
	query, args, err := psql.Insert(subscriptionsTable).
		Columns("id", "streamer", "recipient_id").
		Values(uuid.New(), string(streamer), int64(recipient)).
		Suffix("ON CONFLICT (streamer, recipient_id) DO UPDATE SET streamer = EXCLUDED.streamer").
		Suffix("RETURNING id, streamer, recipient_id, created_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build upsert query: %w", err)
	}

	sub, err := scanSubscription(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert subscription %s/%d: %w", streamer, recipient, err)
	}
	return sub, nil
}

// Delete removes the pair. Deleting an absent pair is not an error.
func (r *SubscriptionRepo) Delete(ctx context.Context, streamer domain.StreamerLogin, recipient domain.RecipientID) error {
	query, args, err := psql.Delete(subscriptionsTable).
		Where(sq.Eq{"streamer": string(streamer), "recipient_id": int64(recipient)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build delete query: %w", err)
	}

	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete subscription %s/%d: %w", streamer, recipient, err)
	}
	return nil
}

func (r *SubscriptionRepo) Find(ctx context.Context, streamer domain.StreamerLogin, recipient domain.RecipientID) (*domain.Subscription, error) {
	query, args, err := psql.Select(subscriptionColumns...).
		From(subscriptionsTable).
		Where(sq.Eq{"streamer": string(streamer), "recipient_id": int64(recipient)}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build find query: %w", err)
	}

	sub, err := scanSubscription(r.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find subscription %s/%d: %w", streamer, recipient, err)
	}
	return sub, nil
}

func (r *SubscriptionRepo) query(ctx context.Context, query string, args []any) ([]domain.Subscription, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	subs := []domain.Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate subscriptions: %w", err)
	}
	return subs, nil
}

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var (
		sub       domain.Subscription
		streamer  string
		recipient int64
	)
	if err := row.Scan(&sub.ID, &streamer, &recipient, &sub.CreatedAt); err != nil {
		return nil, err
	}
	sub.Streamer = domain.StreamerLogin(streamer)
	sub.RecipientID = domain.RecipientID(recipient)
	return &sub, nil
}
