package dispatch

import (
	"context"
	"slices"

	"github.com/google/uuid"

	"github.com/sarathsp06/tenanthooks/internal/webhooks"
)

// Subscription defaults applied on create.
const (
	DefaultMaxRetries        = 3
	DefaultRetryDelaySeconds = 60
)

// CreateSubscriptionInput describes a new subscription. Nil MaxRetries and
// RetryDelaySeconds take the defaults; a nil Active means active.
type CreateSubscriptionInput struct {
	TenantID          *string
	Name              string
	URL               string
	EventTypes        []string
	Secret            string
	Active            *bool
	MaxRetries        *int
	RetryDelaySeconds *int
}

// SubscriptionPatch lists the fields an update touches. Nil fields are left
// unchanged. An empty Secret removes signing.
type SubscriptionPatch struct {
	Name              *string
	URL               *string
	EventTypes        []string
	Secret            *string
	Active            *bool
	MaxRetries        *int
	RetryDelaySeconds *int
}

// CreateSubscription validates and stores a new subscription.
func (s *Service) CreateSubscription(ctx context.Context, in CreateSubscriptionInput) (*webhooks.Subscription, error) {
	now := s.nowUTC()
	sub := &webhooks.Subscription{
		ID:                uuid.New().String(),
		TenantID:          in.TenantID,
		Name:              in.Name,
		URL:               in.URL,
		Secret:            in.Secret,
		EventTypes:        dedupe(in.EventTypes),
		Active:            true,
		MaxRetries:        DefaultMaxRetries,
		RetryDelaySeconds: DefaultRetryDelaySeconds,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if in.Active != nil {
		sub.Active = *in.Active
	}
	if in.MaxRetries != nil {
		sub.MaxRetries = *in.MaxRetries
	}
	if in.RetryDelaySeconds != nil {
		sub.RetryDelaySeconds = *in.RetryDelaySeconds
	}

	if err := s.validateSubscription(sub); err != nil {
		return nil, err
	}
	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	s.log.Info("Webhook subscription created",
		"subscription_id", sub.ID,
		"tenant_id", derefOr(sub.TenantID, ""),
		"event_types", sub.EventTypes,
	)
	return sub, nil
}

// GetSubscription returns one subscription.
func (s *Service) GetSubscription(ctx context.Context, id string) (*webhooks.Subscription, error) {
	return s.store.GetSubscription(ctx, id)
}

// UpdateSubscription applies patch to an existing subscription. The merged
// result is validated as a whole, so a rejected patch changes nothing.
func (s *Service) UpdateSubscription(ctx context.Context, id string, patch SubscriptionPatch) (*webhooks.Subscription, error) {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil {
		sub.Name = *patch.Name
	}
	if patch.URL != nil {
		sub.URL = *patch.URL
	}
	if patch.EventTypes != nil {
		sub.EventTypes = dedupe(patch.EventTypes)
	}
	if patch.Secret != nil {
		sub.Secret = *patch.Secret
	}
	if patch.Active != nil {
		sub.Active = *patch.Active
	}
	if patch.MaxRetries != nil {
		sub.MaxRetries = *patch.MaxRetries
	}
	if patch.RetryDelaySeconds != nil {
		sub.RetryDelaySeconds = *patch.RetryDelaySeconds
	}
	sub.UpdatedAt = s.nowUTC()

	if err := s.validateSubscription(sub); err != nil {
		return nil, err
	}
	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	s.log.Info("Webhook subscription updated", "subscription_id", sub.ID)
	return sub, nil
}

// DeleteSubscription removes a subscription and its delivery history.
func (s *Service) DeleteSubscription(ctx context.Context, id string) error {
	if err := s.store.DeleteSubscription(ctx, id); err != nil {
		return err
	}
	s.log.Info("Webhook subscription deleted", "subscription_id", id)
	return nil
}

// ListSubscriptions returns subscriptions matching filter, newest first.
func (s *Service) ListSubscriptions(ctx context.Context, filter webhooks.SubscriptionFilter) ([]*webhooks.Subscription, error) {
	return s.store.ListSubscriptions(ctx, filter)
}

// dedupe drops repeated names, keeping first occurrences in order. A nil
// input stays nil so validation reports it as missing.
func dedupe(names []string) []string {
	if names == nil {
		return nil
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
