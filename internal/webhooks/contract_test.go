package webhooks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// runStoreContract checks the behavior every Store implementation shares.
// newStore must return an empty store.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("SubscriptionLifecycle", func(t *testing.T) { testSubscriptionLifecycle(t, newStore(t)) })
	t.Run("MatchSubscriptions", func(t *testing.T) { testMatchSubscriptions(t, newStore(t)) })
	t.Run("RecordEvent", func(t *testing.T) { testRecordEvent(t, newStore(t)) })
	t.Run("RecordEventUnknownSubscription", func(t *testing.T) { testRecordEventUnknownSubscription(t, newStore(t)) })
	t.Run("ClaimAndComplete", func(t *testing.T) { testClaimAndComplete(t, newStore(t)) })
	t.Run("RetryLineage", func(t *testing.T) { testRetryLineage(t, newStore(t)) })
	t.Run("ConcurrentClaim", func(t *testing.T) { testConcurrentClaim(t, newStore(t)) })
	t.Run("ResetForRetry", func(t *testing.T) { testResetForRetry(t, newStore(t)) })
	t.Run("RecoverStale", func(t *testing.T) { testRecoverStale(t, newStore(t)) })
	t.Run("DueDeliveries", func(t *testing.T) { testDueDeliveries(t, newStore(t)) })
	t.Run("DeleteCascades", func(t *testing.T) { testDeleteCascades(t, newStore(t)) })
}

func newSubscription(tenantID *string, eventTypes ...string) *Subscription {
	return &Subscription{
		ID:                uuid.NewString(),
		TenantID:          tenantID,
		Name:              "test",
		URL:               "https://hooks.example.com/in",
		EventTypes:        eventTypes,
		Active:            true,
		MaxRetries:        2,
		RetryDelaySeconds: 60,
		CreatedAt:         epoch,
		UpdatedAt:         epoch,
	}
}

func mustCreate(t *testing.T, s Store, sub *Subscription) *Subscription {
	t.Helper()
	require.NoError(t, s.CreateSubscription(context.Background(), sub))
	return sub
}

// seedDelivery records an event with one pending delivery per subscription.
func seedDelivery(t *testing.T, s Store, createdAt time.Time, subs ...*Subscription) []*Delivery {
	t.Helper()
	event := &Event{
		ID:        uuid.NewString(),
		Type:      "user.created",
		Data:      map[string]any{"user_id": "u-1"},
		CreatedAt: createdAt,
	}
	deliveries := make([]*Delivery, 0, len(subs))
	for _, sub := range subs {
		deliveries = append(deliveries, &Delivery{
			ID:             uuid.NewString(),
			SubscriptionID: sub.ID,
			EventID:        event.ID,
			EventType:      event.Type,
			Payload:        `{"event":"user.created"}`,
			Status:         StatusPending,
			MaxAttempts:    sub.MaxAttempts(),
			CreatedAt:      createdAt,
		})
	}
	require.NoError(t, s.RecordEvent(context.Background(), event, deliveries))
	return deliveries
}

func sameTime(t *testing.T, want time.Time, got *time.Time) {
	t.Helper()
	require.NotNil(t, got)
	assert.True(t, want.Equal(*got), "want %s, got %s", want, *got)
}

func testSubscriptionLifecycle(t *testing.T, s Store) {
	ctx := context.Background()
	sub := newSubscription(ptr("acme"), "user.created", "user.deleted")
	sub.Secret = "s3cret"
	mustCreate(t, s, sub)

	got, err := s.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme", *got.TenantID)
	assert.Equal(t, sub.EventTypes, got.EventTypes)
	assert.Equal(t, "s3cret", got.Secret)
	assert.True(t, got.Active)
	assert.Zero(t, got.TotalCalls)

	got.URL = "https://other.example.com"
	got.Active = false
	got.Secret = ""
	got.UpdatedAt = epoch.Add(time.Minute)
	require.NoError(t, s.UpdateSubscription(ctx, got))

	updated, err := s.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://other.example.com", updated.URL)
	assert.False(t, updated.Active)
	assert.False(t, updated.HasSecret())
	assert.True(t, epoch.Equal(updated.CreatedAt))

	missing := newSubscription(nil, "user.created")
	assert.True(t, IsNotFound(s.UpdateSubscription(ctx, missing)))

	require.NoError(t, s.DeleteSubscription(ctx, sub.ID))
	_, err = s.GetSubscription(ctx, sub.ID)
	assert.True(t, IsNotFound(err))
	assert.True(t, IsNotFound(s.DeleteSubscription(ctx, sub.ID)))
}

func testMatchSubscriptions(t *testing.T, s Store) {
	ctx := context.Background()
	acme := mustCreate(t, s, newSubscription(ptr("acme"), "user.created"))
	global := mustCreate(t, s, newSubscription(nil, "user.created", "user.deleted"))
	mustCreate(t, s, newSubscription(ptr("globex"), "user.created"))
	inactive := newSubscription(nil, "user.created")
	inactive.Active = false
	mustCreate(t, s, inactive)

	ids := func(subs []*Subscription) []string {
		out := make([]string, 0, len(subs))
		for _, sub := range subs {
			out = append(out, sub.ID)
		}
		return out
	}

	got, err := s.MatchSubscriptions(ctx, ptr("acme"), "user.created")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{acme.ID, global.ID}, ids(got))

	got, err = s.MatchSubscriptions(ctx, nil, "user.created")
	require.NoError(t, err)
	assert.Equal(t, []string{global.ID}, ids(got))

	got, err = s.MatchSubscriptions(ctx, ptr("acme"), "user.deleted")
	require.NoError(t, err)
	assert.Equal(t, []string{global.ID}, ids(got))

	got, err = s.MatchSubscriptions(ctx, ptr("acme"), "user.login")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testRecordEvent(t *testing.T, s Store) {
	ctx := context.Background()
	a := mustCreate(t, s, newSubscription(nil, "user.created"))
	b := mustCreate(t, s, newSubscription(ptr("acme"), "user.created"))

	seedDelivery(t, s, epoch, a, b)
	seedDelivery(t, s, epoch.Add(time.Second), a)

	got, err := s.GetSubscription(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.TotalCalls)
	got, err = s.GetSubscription(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.TotalCalls)

	deliveries, err := s.ListDeliveries(ctx, a.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, deliveries, 2)
	assert.True(t, deliveries[0].CreatedAt.After(deliveries[1].CreatedAt), "newest first")
	assert.Equal(t, StatusPending, deliveries[0].Status)
	assert.Equal(t, 3, deliveries[0].MaxAttempts)

	evs, err := s.ListEvents(ctx, EventFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "u-1", evs[0].Data["user_id"])

	require.NoError(t, s.MarkEventProcessed(ctx, evs[0].ID, epoch.Add(time.Minute)))
	evs, err = s.ListEvents(ctx, EventFilter{Limit: 1})
	require.NoError(t, err)
	sameTime(t, epoch.Add(time.Minute), evs[0].ProcessedAt)
}

func testRecordEventUnknownSubscription(t *testing.T, s Store) {
	ctx := context.Background()
	known := mustCreate(t, s, newSubscription(nil, "user.created"))
	ghost := newSubscription(nil, "user.created")

	event := &Event{ID: uuid.NewString(), Type: "user.created", CreatedAt: epoch}
	err := s.RecordEvent(ctx, event, []*Delivery{
		{ID: uuid.NewString(), SubscriptionID: known.ID, EventID: event.ID, EventType: event.Type, Payload: "{}", Status: StatusPending, MaxAttempts: 1, CreatedAt: epoch},
		{ID: uuid.NewString(), SubscriptionID: ghost.ID, EventID: event.ID, EventType: event.Type, Payload: "{}", Status: StatusPending, MaxAttempts: 1, CreatedAt: epoch},
	})
	require.Error(t, err)
	assert.True(t, IsPersistence(err))

	evs, err := s.ListEvents(ctx, EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, evs)
	got, err := s.GetSubscription(ctx, known.ID)
	require.NoError(t, err)
	assert.Zero(t, got.TotalCalls)
}

func testClaimAndComplete(t *testing.T, s Store) {
	ctx := context.Background()
	sub := mustCreate(t, s, newSubscription(nil, "user.created"))
	d := seedDelivery(t, s, epoch, sub)[0]

	claimed, err := s.ClaimDelivery(ctx, d.ID, epoch)
	require.NoError(t, err)
	assert.Equal(t, StatusSending, claimed.Status)
	assert.Equal(t, 1, claimed.AttemptCount)

	_, err = s.ClaimDelivery(ctx, d.ID, epoch)
	assert.ErrorIs(t, err, ErrNotClaimable)
	_, err = s.ClaimDelivery(ctx, "missing", epoch)
	assert.True(t, IsNotFound(err))

	stale := AttemptResult{DeliveryID: d.ID, SubscriptionID: sub.ID, Attempt: 2, Status: StatusSuccess, CompletedAt: epoch}
	assert.ErrorIs(t, s.CompleteAttempt(ctx, stale), ErrStaleAttempt)

	done := epoch.Add(time.Second)
	require.NoError(t, s.CompleteAttempt(ctx, AttemptResult{
		DeliveryID:      d.ID,
		SubscriptionID:  sub.ID,
		Attempt:         1,
		Status:          StatusSuccess,
		RequestHeaders:  map[string]string{"Content-Type": "application/json"},
		ResponseStatus:  ptr(200),
		ResponseHeaders: map[string]string{"X-Receiver": "ok"},
		ResponseBody:    "ok",
		CompletedAt:     done,
	}))

	got, err := s.GetDelivery(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.Equal(t, 200, *got.ResponseStatus)
	assert.Equal(t, "ok", got.ResponseBody)
	assert.Equal(t, "application/json", got.RequestHeaders["Content-Type"])
	sameTime(t, done, got.DeliveredAt)
	assert.Nil(t, got.ClaimedAt)

	// A second report for the same attempt is a no-op.
	again := AttemptResult{DeliveryID: d.ID, SubscriptionID: sub.ID, Attempt: 1, Status: StatusSuccess, CompletedAt: done}
	assert.ErrorIs(t, s.CompleteAttempt(ctx, again), ErrStaleAttempt)

	counters, err := s.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counters.SuccessfulCalls)
	sameTime(t, done, counters.LastTriggeredAt)

	_, err = s.ClaimDelivery(ctx, d.ID, done)
	assert.ErrorIs(t, err, ErrNotClaimable, "success is terminal")
}

func testRetryLineage(t *testing.T, s Store) {
	ctx := context.Background()
	sub := newSubscription(nil, "user.created")
	sub.MaxRetries = 1
	mustCreate(t, s, sub)
	d := seedDelivery(t, s, epoch, sub)[0]

	_, err := s.ClaimDelivery(ctx, d.ID, epoch)
	require.NoError(t, err)
	next := epoch.Add(time.Minute)
	require.NoError(t, s.CompleteAttempt(ctx, AttemptResult{
		DeliveryID:     d.ID,
		SubscriptionID: sub.ID,
		Attempt:        1,
		Status:         StatusRetrying,
		ResponseStatus: ptr(503),
		ErrorMessage:   "HTTP 503: unavailable",
		NextRetryAt:    &next,
		CompletedAt:    epoch,
	}))

	got, err := s.GetDelivery(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRetrying, got.Status)
	sameTime(t, next, got.NextRetryAt)

	_, err = s.ClaimDelivery(ctx, d.ID, epoch.Add(30*time.Second))
	assert.ErrorIs(t, err, ErrNotClaimable, "not due yet")

	claimed, err := s.ClaimDelivery(ctx, d.ID, next)
	require.NoError(t, err)
	assert.Equal(t, 2, claimed.AttemptCount)
	assert.Nil(t, claimed.NextRetryAt)

	require.NoError(t, s.CompleteAttempt(ctx, AttemptResult{
		DeliveryID:     d.ID,
		SubscriptionID: sub.ID,
		Attempt:        2,
		Status:         StatusFailed,
		ErrorMessage:   "request failed: connection refused",
		CompletedAt:    next,
	}))

	got, err = s.GetDelivery(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "request failed: connection refused", got.ErrorMessage)
	assert.Nil(t, got.ResponseStatus, "each attempt replaces the response fields")
	sameTime(t, next, got.FailedAt)

	counters, err := s.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counters.FailedCalls)
	assert.Zero(t, counters.SuccessfulCalls)
}

func testConcurrentClaim(t *testing.T, s Store) {
	ctx := context.Background()
	sub := mustCreate(t, s, newSubscription(nil, "user.created"))
	d := seedDelivery(t, s, epoch, sub)[0]

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ClaimDelivery(ctx, d.ID, epoch)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrNotClaimable)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	got, err := s.GetDelivery(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AttemptCount)
}

func testResetForRetry(t *testing.T, s Store) {
	ctx := context.Background()
	sub := newSubscription(nil, "user.created")
	sub.MaxRetries = 0
	mustCreate(t, s, sub)
	deliveries := seedDelivery(t, s, epoch, sub)
	d := deliveries[0]

	_, err := s.ResetForRetry(ctx, d.ID, 2, epoch)
	assert.ErrorIs(t, err, ErrNotClaimable, "pending deliveries are not reset")

	_, err = s.ClaimDelivery(ctx, d.ID, epoch)
	require.NoError(t, err)
	require.NoError(t, s.CompleteAttempt(ctx, AttemptResult{
		DeliveryID: d.ID, SubscriptionID: sub.ID, Attempt: 1, Status: StatusFailed,
		ErrorMessage: "HTTP 500: boom", CompletedAt: epoch,
	}))

	at := epoch.Add(time.Hour)
	reset, err := s.ResetForRetry(ctx, d.ID, 2, at)
	require.NoError(t, err)
	assert.Equal(t, StatusRetrying, reset.Status)
	assert.Equal(t, 1, reset.AttemptCount)
	assert.Equal(t, 2, reset.MaxAttempts)
	assert.Empty(t, reset.ErrorMessage)
	sameTime(t, at, reset.NextRetryAt)

	claimed, err := s.ClaimDelivery(ctx, d.ID, at)
	require.NoError(t, err)
	assert.Equal(t, 2, claimed.AttemptCount)

	_, err = s.ResetForRetry(ctx, "missing", 2, at)
	assert.True(t, IsNotFound(err))
}

func testRecoverStale(t *testing.T, s Store) {
	ctx := context.Background()
	roomy := mustCreate(t, s, newSubscription(nil, "user.created"))
	tight := newSubscription(nil, "user.created")
	tight.MaxRetries = 0
	mustCreate(t, s, tight)

	ds := seedDelivery(t, s, epoch, roomy, tight)
	fresh := seedDelivery(t, s, epoch, roomy)[0]
	for _, d := range ds {
		_, err := s.ClaimDelivery(ctx, d.ID, epoch)
		require.NoError(t, err)
	}
	_, err := s.ClaimDelivery(ctx, fresh.ID, epoch.Add(10*time.Minute))
	require.NoError(t, err)

	now := epoch.Add(11 * time.Minute)
	recovered, err := s.RecoverStale(ctx, now.Add(-5*time.Minute), now)
	require.NoError(t, err)
	assert.Equal(t, 2, recovered)

	retried, err := s.GetDelivery(ctx, ds[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRetrying, retried.Status)
	sameTime(t, now, retried.NextRetryAt)
	assert.NotEmpty(t, retried.ErrorMessage)

	failed, err := s.GetDelivery(ctx, ds[1].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	sameTime(t, now, failed.FailedAt)

	stillSending, err := s.GetDelivery(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSending, stillSending.Status)

	counters, err := s.GetSubscription(ctx, tight.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counters.FailedCalls)

	// The abandoned attempt can no longer report.
	late := AttemptResult{DeliveryID: ds[0].ID, SubscriptionID: roomy.ID, Attempt: 1, Status: StatusSuccess, CompletedAt: now}
	assert.ErrorIs(t, s.CompleteAttempt(ctx, late), ErrStaleAttempt)
}

func testDueDeliveries(t *testing.T, s Store) {
	ctx := context.Background()
	sub := mustCreate(t, s, newSubscription(nil, "user.created"))

	old := seedDelivery(t, s, epoch, sub)[0]
	recent := seedDelivery(t, s, epoch.Add(9*time.Minute), sub)[0]
	retry := seedDelivery(t, s, epoch, sub)[0]
	later := seedDelivery(t, s, epoch, sub)[0]

	scheduleRetry := func(d *Delivery, at time.Time) {
		t.Helper()
		_, err := s.ClaimDelivery(ctx, d.ID, epoch)
		require.NoError(t, err)
		require.NoError(t, s.CompleteAttempt(ctx, AttemptResult{
			DeliveryID: d.ID, SubscriptionID: sub.ID, Attempt: 1, Status: StatusRetrying,
			ErrorMessage: "HTTP 502: bad gateway", NextRetryAt: &at, CompletedAt: epoch,
		}))
	}
	scheduleRetry(retry, epoch.Add(2*time.Minute))
	scheduleRetry(later, epoch.Add(time.Hour))

	now := epoch.Add(10 * time.Minute)
	ids, err := s.DueDeliveries(ctx, now, now.Add(-5*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{old.ID, retry.ID}, ids, "ordered by due time")
	assert.NotContains(t, ids, recent.ID)
	assert.NotContains(t, ids, later.ID)

	ids, err = s.DueDeliveries(ctx, now, now.Add(-5*time.Minute), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{old.ID}, ids)
}

func testDeleteCascades(t *testing.T, s Store) {
	ctx := context.Background()
	sub := mustCreate(t, s, newSubscription(nil, "user.created"))
	other := mustCreate(t, s, newSubscription(nil, "user.created"))
	ds := seedDelivery(t, s, epoch, sub, other)

	require.NoError(t, s.DeleteSubscription(ctx, sub.ID))

	_, err := s.GetDelivery(ctx, ds[0].ID)
	assert.True(t, IsNotFound(err))
	_, err = s.GetDelivery(ctx, ds[1].ID)
	assert.NoError(t, err)

	evs, err := s.ListEvents(ctx, EventFilter{})
	require.NoError(t, err)
	assert.Len(t, evs, 1, "events outlive subscriptions")
}

func ptr[T any](v T) *T { return &v }
