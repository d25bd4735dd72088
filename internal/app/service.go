package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/kurbezz/telegram-twitch-notifier/internal/domain"
)

// SubscriptionService is the entry point for subscription use cases coming from
// the chat bot or the mini-app API.
type SubscriptionService struct {
	index *SubscriptionIndex
	repo  domain.SubscriptionRepository
}

func NewSubscriptionService(index *SubscriptionIndex, repo domain.SubscriptionRepository) *SubscriptionService {
	return &SubscriptionService{index: index, repo: repo}
}

// ListByRecipient returns the subscriptions of recipient, ordered by streamer.
func (s *SubscriptionService) ListByRecipient(ctx context.Context, recipient domain.RecipientID) ([]domain.Subscription, error) {
	subs, err := s.repo.ListByRecipient(ctx, recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

// Subscribe validates rawLogin and makes sure the pair exists. created reports
// whether this call added it.
func (s *SubscriptionService) Subscribe(ctx context.Context, rawLogin string, recipient domain.RecipientID) (*domain.Subscription, bool, error) {
	login, err := domain.NormalizeLogin(rawLogin)
	if err != nil {
		return nil, false, err
	}

	created, err := s.index.Subscribe(ctx, login, recipient)
	if err != nil {
		return nil, created, err
	}

	sub, err := s.repo.Find(ctx, login, recipient)
	if errors.Is(err, domain.ErrSubscriptionNotFound) {
		// In memory from an earlier failed write; persist it now.
		sub, err = s.repo.Upsert(ctx, login, recipient)
	}
	if err != nil {
		return nil, created, fmt.Errorf("failed to load subscription: %w", err)
	}
	return sub, created, nil
}

// Unsubscribe validates rawLogin and removes the pair. Removing a missing pair is not an error.
func (s *SubscriptionService) Unsubscribe(ctx context.Context, rawLogin string, recipient domain.RecipientID) error {
	login, err := domain.NormalizeLogin(rawLogin)
	if err != nil {
		return err
	}
	return s.index.Unsubscribe(ctx, login, recipient)
}
