package webhooks

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used when no database is configured and
// in tests. A single mutex makes every method atomic, which gives the same
// guarantees as the conditional updates of the Postgres repository.
type MemoryStore struct {
	mu            sync.Mutex
	subscriptions map[string]*Subscription
	events        map[string]*Event
	deliveries    map[string]*Delivery

	// failNext, when set, makes the next write fail before any change.
	failNext error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subscriptions: make(map[string]*Subscription),
		events:        make(map[string]*Event),
		deliveries:    make(map[string]*Delivery),
	}
}

// FailNextWrite makes the next mutating call return err without changing state.
func (m *MemoryStore) FailNextWrite(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

func (m *MemoryStore) injected(op string) error {
	if m.failNext == nil {
		return nil
	}
	err := m.failNext
	m.failNext = nil
	return &PersistenceError{Op: op, Err: err}
}

func (m *MemoryStore) CreateSubscription(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("create subscription"); err != nil {
		return err
	}
	m.subscriptions[sub.ID] = sub.Clone()
	return nil
}

func (m *MemoryStore) GetSubscription(_ context.Context, id string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[id]
	if !ok {
		return nil, &NotFoundError{Resource: "subscription", ID: id}
	}
	return sub.Clone(), nil
}

func (m *MemoryStore) UpdateSubscription(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("update subscription"); err != nil {
		return err
	}
	current, ok := m.subscriptions[sub.ID]
	if !ok {
		return &NotFoundError{Resource: "subscription", ID: sub.ID}
	}
	next := sub.Clone()
	next.TotalCalls = current.TotalCalls
	next.SuccessfulCalls = current.SuccessfulCalls
	next.FailedCalls = current.FailedCalls
	next.LastTriggeredAt = cloneTime(current.LastTriggeredAt)
	next.CreatedAt = current.CreatedAt
	m.subscriptions[sub.ID] = next
	return nil
}

func (m *MemoryStore) DeleteSubscription(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("delete subscription"); err != nil {
		return err
	}
	if _, ok := m.subscriptions[id]; !ok {
		return &NotFoundError{Resource: "subscription", ID: id}
	}
	delete(m.subscriptions, id)
	for did, d := range m.deliveries {
		if d.SubscriptionID == id {
			delete(m.deliveries, did)
		}
	}
	return nil
}

func (m *MemoryStore) ListSubscriptions(_ context.Context, filter SubscriptionFilter) ([]*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Subscription
	for _, sub := range m.subscriptions {
		if filter.ActiveOnly && !sub.Active {
			continue
		}
		if filter.TenantID != nil {
			own := sub.TenantID != nil && *sub.TenantID == *filter.TenantID
			global := sub.TenantID == nil && filter.IncludeGlobal
			if !own && !global {
				continue
			}
		}
		out = append(out, sub.Clone())
	}
	sortSubscriptions(out)
	return out, nil
}

func (m *MemoryStore) MatchSubscriptions(_ context.Context, tenantID *string, eventType string) ([]*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Subscription
	for _, sub := range m.subscriptions {
		if sub.Active && sub.VisibleTo(tenantID) && sub.SubscribesTo(eventType) {
			out = append(out, sub.Clone())
		}
	}
	sortSubscriptions(out)
	return out, nil
}

func (m *MemoryStore) RecordEvent(_ context.Context, event *Event, deliveries []*Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("record event"); err != nil {
		return err
	}
	for _, d := range deliveries {
		if _, ok := m.subscriptions[d.SubscriptionID]; !ok {
			return &PersistenceError{
				Op:  "record event",
				Err: &NotFoundError{Resource: "subscription", ID: d.SubscriptionID},
			}
		}
	}
	m.events[event.ID] = event.Clone()
	for _, d := range deliveries {
		m.deliveries[d.ID] = d.Clone()
		m.subscriptions[d.SubscriptionID].TotalCalls++
	}
	return nil
}

func (m *MemoryStore) MarkEventProcessed(_ context.Context, eventID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("mark event processed"); err != nil {
		return err
	}
	ev, ok := m.events[eventID]
	if !ok {
		return &NotFoundError{Resource: "event", ID: eventID}
	}
	if ev.ProcessedAt == nil {
		ev.ProcessedAt = &at
	}
	return nil
}

func (m *MemoryStore) ListEvents(_ context.Context, filter EventFilter) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Event
	for _, ev := range m.events {
		if filter.TenantID != nil && ev.TenantID != nil && *ev.TenantID != *filter.TenantID {
			continue
		}
		out = append(out, ev.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, filter.Limit, filter.Offset), nil
}

func (m *MemoryStore) GetDelivery(_ context.Context, id string) (*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return nil, &NotFoundError{Resource: "delivery", ID: id}
	}
	return d.Clone(), nil
}

func (m *MemoryStore) ListDeliveries(_ context.Context, subscriptionID string, limit, offset int) ([]*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.deliveriesFor(subscriptionID, time.Time{})
	return page(out, limit, offset), nil
}

func (m *MemoryStore) DeliveriesSince(_ context.Context, subscriptionID string, since time.Time) ([]*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deliveriesFor(subscriptionID, since), nil
}

// deliveriesFor returns the subscription's deliveries created at or after
// since, newest first. Callers hold mu.
func (m *MemoryStore) deliveriesFor(subscriptionID string, since time.Time) []*Delivery {
	var out []*Delivery
	for _, d := range m.deliveries {
		if d.SubscriptionID != subscriptionID || d.CreatedAt.Before(since) {
			continue
		}
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (m *MemoryStore) ClaimDelivery(_ context.Context, id string, now time.Time) (*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("claim delivery"); err != nil {
		return nil, err
	}
	d, ok := m.deliveries[id]
	if !ok {
		return nil, &NotFoundError{Resource: "delivery", ID: id}
	}
	if !d.claimableAt(now) {
		return nil, ErrNotClaimable
	}
	d.Status = StatusSending
	d.AttemptCount++
	d.NextRetryAt = nil
	claimed := now
	d.ClaimedAt = &claimed
	return d.Clone(), nil
}

func (m *MemoryStore) CompleteAttempt(_ context.Context, result AttemptResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("complete attempt"); err != nil {
		return err
	}
	d, ok := m.deliveries[result.DeliveryID]
	if !ok {
		return &NotFoundError{Resource: "delivery", ID: result.DeliveryID}
	}
	if d.Status != StatusSending || d.AttemptCount != result.Attempt {
		return ErrStaleAttempt
	}

	at := result.CompletedAt
	d.Status = result.Status
	d.RequestHeaders = cloneHeaders(result.RequestHeaders)
	d.ResponseStatus = nil
	if result.ResponseStatus != nil {
		v := *result.ResponseStatus
		d.ResponseStatus = &v
	}
	d.ResponseHeaders = cloneHeaders(result.ResponseHeaders)
	d.ResponseBody = result.ResponseBody
	d.ErrorMessage = result.ErrorMessage
	d.NextRetryAt = nil
	d.ClaimedAt = nil

	sub := m.subscriptions[d.SubscriptionID]
	switch result.Status {
	case StatusSuccess:
		d.DeliveredAt = &at
		d.ErrorMessage = ""
		if sub != nil {
			sub.SuccessfulCalls++
			sub.LastTriggeredAt = cloneTime(&at)
		}
	case StatusRetrying:
		d.NextRetryAt = cloneTime(result.NextRetryAt)
	case StatusFailed:
		d.FailedAt = &at
		if sub != nil {
			sub.FailedCalls++
		}
	}
	return nil
}

func (m *MemoryStore) ResetForRetry(_ context.Context, id string, maxAttempts int, now time.Time) (*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("reset delivery"); err != nil {
		return nil, err
	}
	d, ok := m.deliveries[id]
	if !ok {
		return nil, &NotFoundError{Resource: "delivery", ID: id}
	}
	if (d.Status != StatusFailed && d.Status != StatusRetrying) || d.AttemptCount > maxAttempts {
		return nil, ErrNotClaimable
	}
	d.Status = StatusRetrying
	d.MaxAttempts = maxAttempts
	d.NextRetryAt = &now
	d.ErrorMessage = ""
	return d.Clone(), nil
}

func (m *MemoryStore) RecoverStale(_ context.Context, claimedBefore, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("recover stale deliveries"); err != nil {
		return 0, err
	}
	recovered := 0
	for _, d := range m.deliveries {
		if d.Status != StatusSending || d.ClaimedAt == nil || !d.ClaimedAt.Before(claimedBefore) {
			continue
		}
		d.ClaimedAt = nil
		d.ErrorMessage = staleAttemptMessage
		if d.AttemptCount < d.MaxAttempts {
			d.Status = StatusRetrying
			d.NextRetryAt = cloneTime(&now)
		} else {
			d.Status = StatusFailed
			d.FailedAt = cloneTime(&now)
			if sub := m.subscriptions[d.SubscriptionID]; sub != nil {
				sub.FailedCalls++
			}
		}
		recovered++
	}
	return recovered, nil
}

func (m *MemoryStore) DueDeliveries(_ context.Context, now, pendingBefore time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type due struct {
		id string
		at time.Time
	}
	var candidates []due
	for _, d := range m.deliveries {
		switch {
		case d.Status == StatusRetrying && d.NextRetryAt != nil && !d.NextRetryAt.After(now):
			candidates = append(candidates, due{d.ID, *d.NextRetryAt})
		case d.Status == StatusPending && d.CreatedAt.Before(pendingBefore):
			candidates = append(candidates, due{d.ID, d.CreatedAt})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].at.Equal(candidates[j].at) {
			return candidates[i].id < candidates[j].id
		}
		return candidates[i].at.Before(candidates[j].at)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.id)
	}
	return ids, nil
}

func sortSubscriptions(subs []*Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].ID < subs[j].ID
		}
		return subs[i].CreatedAt.After(subs[j].CreatedAt)
	})
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

var _ Store = (*MemoryStore)(nil)
