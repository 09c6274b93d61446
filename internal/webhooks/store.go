package webhooks

import (
	"context"
	"time"
)

// SubscriptionFilter narrows ListSubscriptions. A nil TenantID lists every
// subscription; a set TenantID lists that tenant's subscriptions, plus global
// ones when IncludeGlobal is set.
type SubscriptionFilter struct {
	TenantID      *string
	IncludeGlobal bool
	ActiveOnly    bool
}

// EventFilter narrows ListEvents. A set TenantID returns that tenant's events
// and global events.
type EventFilter struct {
	TenantID *string
	Limit    int
	Offset   int
}

// Store persists subscriptions, events and deliveries. Deliveries reference
// their subscription by ID and are deleted with it; events are referenced by
// value through the delivery payload snapshot.
type Store interface {
	CreateSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	// UpdateSubscription writes the mutable configuration fields. Counters are
	// only changed through RecordEvent, CompleteAttempt and RecoverStale.
	UpdateSubscription(ctx context.Context, sub *Subscription) error
	DeleteSubscription(ctx context.Context, id string) error
	ListSubscriptions(ctx context.Context, filter SubscriptionFilter) ([]*Subscription, error)
	// MatchSubscriptions returns active subscriptions visible to tenantID that
	// subscribe to eventType.
	MatchSubscriptions(ctx context.Context, tenantID *string, eventType string) ([]*Subscription, error)

	// RecordEvent atomically stores the event, its deliveries and one
	// total_calls increment per delivery's subscription.
	RecordEvent(ctx context.Context, event *Event, deliveries []*Delivery) error
	MarkEventProcessed(ctx context.Context, eventID string, at time.Time) error
	ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error)

	GetDelivery(ctx context.Context, id string) (*Delivery, error)
	ListDeliveries(ctx context.Context, subscriptionID string, limit, offset int) ([]*Delivery, error)
	DeliveriesSince(ctx context.Context, subscriptionID string, since time.Time) ([]*Delivery, error)

	// ClaimDelivery moves a due pending or retrying delivery to sending and
	// increments attempt_count in one conditional write. It returns
	// ErrNotClaimable when another worker owns it or it is not due.
	ClaimDelivery(ctx context.Context, id string, now time.Time) (*Delivery, error)
	// CompleteAttempt records the outcome of a claimed attempt and applies the
	// matching subscription counter increments in the same transaction.
	CompleteAttempt(ctx context.Context, result AttemptResult) error
	// ResetForRetry makes a failed or retrying delivery due at now with the
	// given attempt cap, clearing its error.
	ResetForRetry(ctx context.Context, id string, maxAttempts int, now time.Time) (*Delivery, error)
	// RecoverStale releases deliveries claimed before claimedBefore whose worker
	// never reported back.
	RecoverStale(ctx context.Context, claimedBefore, now time.Time) (int, error)
	// DueDeliveries lists retrying deliveries due at now and pending deliveries
	// created before pendingBefore, oldest first.
	DueDeliveries(ctx context.Context, now, pendingBefore time.Time, limit int) ([]string, error)
}

// staleAttemptMessage is stored on deliveries recovered from a lost claim.
const staleAttemptMessage = "delivery attempt outcome was not recorded before the claim expired"
