package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// DispatchMetrics holds the webhook dispatch instruments
type DispatchMetrics struct {
	EventsTriggered   metric.Int64Counter
	DeliveriesCreated metric.Int64Counter
	DeliveryAttempts  metric.Int64Counter
	DeliveryDuration  metric.Float64Histogram
	RetriesEnqueued   metric.Int64Counter
	StaleRecovered    metric.Int64Counter
}

// NewDispatchMetrics creates the dispatch instruments on meter
func NewDispatchMetrics(meter metric.Meter) (*DispatchMetrics, error) {
	eventsTriggered, err := meter.Int64Counter(
		"tenanthooks_events_triggered_total",
		metric.WithDescription("Total number of events accepted by TriggerEvent"),
	)
	if err != nil {
		return nil, err
	}

	deliveriesCreated, err := meter.Int64Counter(
		"tenanthooks_deliveries_created_total",
		metric.WithDescription("Total number of deliveries created by fan-out"),
	)
	if err != nil {
		return nil, err
	}

	deliveryAttempts, err := meter.Int64Counter(
		"tenanthooks_delivery_attempts_total",
		metric.WithDescription("Total number of delivery attempts by outcome"),
	)
	if err != nil {
		return nil, err
	}

	deliveryDuration, err := meter.Float64Histogram(
		"tenanthooks_delivery_duration_seconds",
		metric.WithDescription("Duration of outbound webhook requests in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	retriesEnqueued, err := meter.Int64Counter(
		"tenanthooks_retries_enqueued_total",
		metric.WithDescription("Total number of deliveries re-enqueued by the retry scheduler"),
	)
	if err != nil {
		return nil, err
	}

	staleRecovered, err := meter.Int64Counter(
		"tenanthooks_stale_claims_recovered_total",
		metric.WithDescription("Total number of abandoned delivery claims released"),
	)
	if err != nil {
		return nil, err
	}

	return &DispatchMetrics{
		EventsTriggered:   eventsTriggered,
		DeliveriesCreated: deliveriesCreated,
		DeliveryAttempts:  deliveryAttempts,
		DeliveryDuration:  deliveryDuration,
		RetriesEnqueued:   retriesEnqueued,
		StaleRecovered:    staleRecovered,
	}, nil
}

// NoopDispatchMetrics returns instruments that record nothing
func NoopDispatchMetrics() *DispatchMetrics {
	m, _ := NewDispatchMetrics(noop.NewMeterProvider().Meter("noop"))
	return m
}

// RecordAttempt records one delivery attempt outcome and its duration
func (m *DispatchMetrics) RecordAttempt(ctx context.Context, eventType, outcome string, statusCode int, took time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("outcome", outcome),
		attribute.Int("http.response.status_code", statusCode),
	)
	m.DeliveryAttempts.Add(ctx, 1, attrs)
	m.DeliveryDuration.Record(ctx, took.Seconds(), attrs)
}
