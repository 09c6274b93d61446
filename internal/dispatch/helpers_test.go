package dispatch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sarathsp06/tenanthooks/internal/observability"
	"github.com/sarathsp06/tenanthooks/internal/webhooks"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingQueue collects enqueued IDs so tests decide when attempts run.
type recordingQueue struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (q *recordingQueue) Enqueue(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, id)
	return nil
}

func (q *recordingQueue) drain() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := q.ids
	q.ids = nil
	return ids
}

type receivedRequest struct {
	Header http.Header
	Body   []byte
}

// receiver is a webhook endpoint answering with the configured status codes
// in order, repeating the last one.
type receiver struct {
	*httptest.Server
	mu       sync.Mutex
	statuses []int
	body     string
	requests []receivedRequest
}

func newReceiver(t *testing.T, statuses ...int) *receiver {
	t.Helper()
	r := &receiver{statuses: statuses}
	r.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.requests = append(r.requests, receivedRequest{Header: req.Header.Clone(), Body: body})
		status := http.StatusOK
		if n := len(r.requests); len(r.statuses) > 0 {
			status = r.statuses[min(n, len(r.statuses))-1]
		}
		respBody := r.body
		r.mu.Unlock()

		w.Header().Set("X-Receiver", "test")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, respBody)
	}))
	t.Cleanup(r.Close)
	return r
}

func (r *receiver) received() []receivedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]receivedRequest(nil), r.requests...)
}

type fixture struct {
	store     *webhooks.MemoryStore
	queue     *recordingQueue
	clock     *fakeClock
	service   *Service
	executor  *Executor
	scheduler *RetryScheduler
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store: webhooks.NewMemoryStore(),
		queue: &recordingQueue{},
		clock: newFakeClock(),
	}
	opts = append([]Option{
		WithClock(f.clock.Now),
		WithMetrics(observability.NoopDispatchMetrics()),
	}, opts...)

	f.service = NewService(f.store, f.queue, opts...)
	f.executor = NewExecutor(f.store, ExecutorConfig{Timeout: 5 * time.Second}, opts...)
	f.scheduler = NewRetryScheduler(f.store, f.queue, SchedulerConfig{
		Interval:     time.Minute,
		BatchSize:    10,
		ClaimTimeout: 5 * time.Minute,
	}, opts...)
	return f
}

// runQueued executes every queued delivery once and returns how many ran.
func (f *fixture) runQueued(t *testing.T) int {
	t.Helper()
	ids := f.queue.drain()
	for _, id := range ids {
		require.NoError(t, f.executor.Execute(context.Background(), id))
	}
	return len(ids)
}

func (f *fixture) subscribe(t *testing.T, in CreateSubscriptionInput) *webhooks.Subscription {
	t.Helper()
	sub, err := f.service.CreateSubscription(context.Background(), in)
	require.NoError(t, err)
	return sub
}

func (f *fixture) onlyDelivery(t *testing.T, subscriptionID string) *webhooks.Delivery {
	t.Helper()
	deliveries, err := f.store.ListDeliveries(context.Background(), subscriptionID, 0, 0)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	return deliveries[0]
}

func ptr[T any](v T) *T { return &v }
