package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/sarathsp06/tenanthooks/internal/events"
	"github.com/sarathsp06/tenanthooks/internal/webhooks"
)

// Page limits for list queries.
const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

const testEventSource = "webhook_test"

// TriggerInput is one domain event raised by the rest of the system.
type TriggerInput struct {
	Type        string
	Data        map[string]any
	TenantID    *string
	TriggeredBy *string
	Source      *string
}

type payloadEvent struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	CreatedAt time.Time      `json:"created_at"`
	Data      map[string]any `json:"data"`
}

// deliveryPayload is the outbound request body.
type deliveryPayload struct {
	Event       payloadEvent `json:"event"`
	TenantID    *string      `json:"tenant_id"`
	TriggeredBy *string      `json:"triggered_by_user_id"`
	Source      *string      `json:"source"`
}

// TriggerEvent records an event and fans it out to every active subscription
// that can see it. It returns once the deliveries are persisted and
// submitted; delivery outcomes never affect the result.
func (s *Service) TriggerEvent(ctx context.Context, in TriggerInput) (*webhooks.Event, error) {
	ctx, span := s.tracer.Start(ctx, "dispatch.TriggerEvent",
		trace.WithAttributes(attribute.String("webhook.event_type", in.Type)),
	)
	defer span.End()

	if err := validateEventType(in.Type); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	event := s.newEvent(in)
	subs, err := s.store.MatchSubscriptions(ctx, event.TenantID, event.Type)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "match subscriptions")
		return nil, err
	}

	if err := s.fanOut(ctx, event, subs); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fan-out")
		return nil, err
	}
	span.SetAttributes(attribute.Int("webhook.deliveries", len(subs)))
	return event, nil
}

// TestSubscription sends a synthetic system.webhook_test event to exactly one
// subscription, whatever its event types and active flag.
func (s *Service) TestSubscription(ctx context.Context, id string) (*webhooks.Event, error) {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}

	source := testEventSource
	event := s.newEvent(TriggerInput{
		Type:     events.SystemWebhookTest.String(),
		TenantID: sub.TenantID,
		Source:   &source,
	})
	event.Data = map[string]any{
		"webhook_id":     sub.ID,
		"test_timestamp": event.CreatedAt.Format(time.RFC3339),
		"message":        "This is a test webhook delivery",
	}

	if err := s.fanOut(ctx, event, []*webhooks.Subscription{sub}); err != nil {
		return nil, err
	}
	return event, nil
}

func (s *Service) newEvent(in TriggerInput) *webhooks.Event {
	data := in.Data
	if data == nil {
		data = map[string]any{}
	}
	return &webhooks.Event{
		ID:          uuid.New().String(),
		TenantID:    in.TenantID,
		Type:        in.Type,
		Data:        data,
		TriggeredBy: in.TriggeredBy,
		Source:      in.Source,
		CreatedAt:   s.nowUTC(),
	}
}

// fanOut persists event with one pending delivery per subscription, then
// submits the deliveries. Submission failures are left to the retry
// scheduler, which picks up pending deliveries that were never claimed.
func (s *Service) fanOut(ctx context.Context, event *webhooks.Event, subs []*webhooks.Subscription) error {
	payload, err := json.Marshal(deliveryPayload{
		Event: payloadEvent{
			ID:        event.ID,
			Type:      event.Type,
			CreatedAt: event.CreatedAt,
			Data:      event.Data,
		},
		TenantID:    event.TenantID,
		TriggeredBy: event.TriggeredBy,
		Source:      event.Source,
	})
	if err != nil {
		return webhooks.NewValidationError("data", "event data must be JSON serializable: "+err.Error())
	}
	if hasNUL(payload) {
		return webhooks.NewValidationError("data", "event data must be JSON serializable: text must not contain NUL characters")
	}

	deliveries := make([]*webhooks.Delivery, 0, len(subs))
	for _, sub := range subs {
		deliveries = append(deliveries, &webhooks.Delivery{
			ID:             uuid.New().String(),
			SubscriptionID: sub.ID,
			EventID:        event.ID,
			EventType:      event.Type,
			Payload:        string(payload),
			Status:         webhooks.StatusPending,
			MaxAttempts:    sub.MaxAttempts(),
			CreatedAt:      event.CreatedAt,
		})
	}

	if err := s.store.RecordEvent(ctx, event, deliveries); err != nil {
		s.log.Error("Failed to record event",
			"event_id", event.ID,
			"event_type", event.Type,
			"error", err,
		)
		return err
	}

	eventAttrs := metric.WithAttributes(attribute.String("event_type", event.Type))
	s.metrics.EventsTriggered.Add(ctx, 1, eventAttrs)
	s.metrics.DeliveriesCreated.Add(ctx, int64(len(deliveries)), eventAttrs)

	for _, d := range deliveries {
		if err := s.queue.Enqueue(ctx, d.ID); err != nil {
			s.log.Warn("Failed to submit delivery, leaving it for the retry scheduler",
				"delivery_id", d.ID,
				"subscription_id", d.SubscriptionID,
				"event_type", d.EventType,
				"error", err,
			)
		}
	}

	processedAt := s.nowUTC()
	if err := s.store.MarkEventProcessed(ctx, event.ID, processedAt); err != nil {
		s.log.Warn("Failed to mark event processed", "event_id", event.ID, "error", err)
	} else {
		event.ProcessedAt = &processedAt
	}

	s.log.Info("Event dispatched",
		"event_id", event.ID,
		"event_type", event.Type,
		"tenant_id", derefOr(event.TenantID, ""),
		"deliveries", len(deliveries),
	)
	return nil
}

// ListRecentEvents returns recent events, newest first. A tenant view also
// includes global events.
func (s *Service) ListRecentEvents(ctx context.Context, tenantID *string, limit, offset int) ([]*webhooks.Event, error) {
	return s.store.ListEvents(ctx, webhooks.EventFilter{
		TenantID: tenantID,
		Limit:    clampLimit(limit),
		Offset:   max(offset, 0),
	})
}

// ListEventCatalog returns every event type a subscription may use.
func (s *Service) ListEventCatalog() []events.Definition {
	return events.All()
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	default:
		return limit
	}
}

// hasNUL reports whether any key or string value in the encoded payload holds
// U+0000, which Postgres cannot store in jsonb.
func hasNUL(payload []byte) bool {
	if !bytes.Contains(payload, []byte(`\u0000`)) {
		return false
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return false
	}
	return containsNUL(v)
}

func containsNUL(v any) bool {
	switch t := v.(type) {
	case string:
		return strings.ContainsRune(t, 0)
	case []any:
		for _, e := range t {
			if containsNUL(e) {
				return true
			}
		}
	case map[string]any:
		for k, e := range t {
			if strings.ContainsRune(k, 0) || containsNUL(e) {
				return true
			}
		}
	}
	return false
}
