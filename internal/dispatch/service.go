// Package dispatch turns domain events into signed, retried webhook deliveries.
//
// Service is the synchronous side: the subscription registry, TriggerEvent
// fan-out, manual retries and read queries. Executor performs one delivery
// attempt per call and is driven by a work queue. RetryScheduler is the only
// component that turns time into work: it re-enqueues due deliveries.
package dispatch

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/trace"

	"github.com/sarathsp06/tenanthooks/internal/logger"
	"github.com/sarathsp06/tenanthooks/internal/observability"
	"github.com/sarathsp06/tenanthooks/internal/webhooks"
)

const tracerName = "github.com/sarathsp06/tenanthooks/internal/dispatch"

// Enqueuer hands a delivery ID to the executor pool. Implementations may
// deliver an ID more than once; the executor's claim makes that harmless.
type Enqueuer interface {
	Enqueue(ctx context.Context, deliveryID string) error
}

// EnqueuerFunc adapts a function to Enqueuer.
type EnqueuerFunc func(ctx context.Context, deliveryID string) error

func (f EnqueuerFunc) Enqueue(ctx context.Context, deliveryID string) error {
	return f(ctx, deliveryID)
}

type options struct {
	now     func() time.Time
	metrics *observability.DispatchMetrics
	tracer  trace.Tracer
	client  *http.Client
}

// Option configures Service, Executor and RetryScheduler.
type Option func(*options)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *observability.DispatchMetrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracer sets the tracer used for dispatch spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithHTTPClient replaces the executor's HTTP client. The caller owns its
// timeout and redirect policy.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		m, err := observability.NewDispatchMetrics(observability.GetMeter(tracerName))
		if err != nil {
			m = observability.NoopDispatchMetrics()
		}
		o.metrics = m
	}
	if o.tracer == nil {
		o.tracer = observability.GetTracer(tracerName)
	}
	return o
}

// Service implements the subscription registry, event dispatcher and
// read-side queries over a Store.
type Service struct {
	store    webhooks.Store
	queue    Enqueuer
	validate *validator.Validate
	log      *slog.Logger
	options
}

// NewService creates a Service that persists to store and submits deliveries to queue.
func NewService(store webhooks.Store, queue Enqueuer, opts ...Option) *Service {
	return &Service{
		store:    store,
		queue:    queue,
		validate: newValidator(),
		log:      logger.NewLogger("dispatcher"),
		options:  buildOptions(opts),
	}
}

func (s *Service) nowUTC() time.Time {
	return s.now().UTC()
}
