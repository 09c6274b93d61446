package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/sarathsp06/tenanthooks/internal/webhooks"
)

// ListDeliveries returns a page of a subscription's deliveries, newest first.
func (s *Service) ListDeliveries(ctx context.Context, subscriptionID string, limit, offset int) ([]*webhooks.Delivery, error) {
	if _, err := s.store.GetSubscription(ctx, subscriptionID); err != nil {
		return nil, err
	}
	return s.store.ListDeliveries(ctx, subscriptionID, clampLimit(limit), max(offset, 0))
}

// RetryDelivery makes a failed or retrying delivery due now and submits it.
// The attempt count is kept. A delivery that used all its attempts can only
// be retried once the subscription's max retries allow another attempt; its
// cap is then raised to the subscription's current limit.
func (s *Service) RetryDelivery(ctx context.Context, subscriptionID, deliveryID string) (*webhooks.Delivery, error) {
	delivery, err := s.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	if delivery.SubscriptionID != subscriptionID {
		return nil, &webhooks.NotFoundError{Resource: "delivery", ID: deliveryID}
	}
	if delivery.Status != webhooks.StatusFailed && delivery.Status != webhooks.StatusRetrying {
		return nil, webhooks.NewValidationError("status",
			fmt.Sprintf("only failed or retrying deliveries can be retried, delivery is %s", delivery.Status))
	}

	maxAttempts := delivery.MaxAttempts
	if delivery.AttemptCount >= maxAttempts {
		sub, err := s.store.GetSubscription(ctx, subscriptionID)
		if err != nil {
			return nil, err
		}
		if sub.MaxAttempts() <= delivery.AttemptCount {
			return nil, webhooks.NewValidationError("attempt_count", fmt.Sprintf(
				"delivery used all %d attempts; raise the subscription's max_retries to retry it",
				delivery.AttemptCount))
		}
		maxAttempts = sub.MaxAttempts()
	}

	reset, err := s.store.ResetForRetry(ctx, deliveryID, maxAttempts, s.nowUTC())
	if errors.Is(err, webhooks.ErrNotClaimable) {
		return nil, webhooks.NewValidationError("status", "delivery changed state, retry again")
	}
	if err != nil {
		return nil, err
	}

	if err := s.queue.Enqueue(ctx, reset.ID); err != nil {
		s.log.Warn("Failed to submit manual retry, leaving it for the retry scheduler",
			"delivery_id", reset.ID,
			"error", err,
		)
	}

	s.log.Info("Delivery retry requested",
		"delivery_id", reset.ID,
		"subscription_id", reset.SubscriptionID,
		"attempt_count", reset.AttemptCount,
		"max_attempts", reset.MaxAttempts,
	)
	return reset, nil
}
