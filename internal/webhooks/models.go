package webhooks

import (
	"math"
	"slices"
	"time"
)

// Subscription represents a registered webhook endpoint. A nil TenantID makes
// the subscription global: it receives matching events from every tenant as
// well as events triggered without a tenant.
type Subscription struct {
	ID                string     `json:"id" db:"id"`
	TenantID          *string    `json:"tenant_id" db:"tenant_id"`
	Name              string     `json:"name" db:"name"`
	URL               string     `json:"url" db:"url" validate:"required,webhook_url"`
	Secret            string     `json:"-" db:"secret"`
	EventTypes        []string   `json:"event_types" db:"event_types" validate:"required,min=1,dive,event_type"`
	Active            bool       `json:"active" db:"active"`
	MaxRetries        int        `json:"max_retries" db:"max_retries" validate:"gte=0"`
	RetryDelaySeconds int        `json:"retry_delay_seconds" db:"retry_delay_seconds" validate:"gte=0"`
	TotalCalls        int64      `json:"total_calls" db:"total_calls"`
	SuccessfulCalls   int64      `json:"successful_calls" db:"successful_calls"`
	FailedCalls       int64      `json:"failed_calls" db:"failed_calls"`
	LastTriggeredAt   *time.Time `json:"last_triggered_at" db:"last_triggered_at"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at"`
}

// HasSecret reports whether outbound requests are signed.
func (s *Subscription) HasSecret() bool {
	return s.Secret != ""
}

// SubscribesTo reports whether eventType is in the subscription's event set.
func (s *Subscription) SubscribesTo(eventType string) bool {
	return slices.Contains(s.EventTypes, eventType)
}

// VisibleTo reports whether an event raised in tenant scope reaches this
// subscription. Tenant events reach the tenant's own and global subscriptions;
// events without a tenant reach global subscriptions only.
func (s *Subscription) VisibleTo(tenantID *string) bool {
	if s.TenantID == nil {
		return true
	}
	return tenantID != nil && *s.TenantID == *tenantID
}

// MaxAttempts is the attempt cap for deliveries created now, the initial
// attempt included.
func (s *Subscription) MaxAttempts() int {
	return s.MaxRetries + 1
}

// SuccessRate returns successful_calls / total_calls as a percentage rounded
// to two decimals.
func (s *Subscription) SuccessRate() float64 {
	if s.TotalCalls == 0 {
		return 0
	}
	return math.Round(float64(s.SuccessfulCalls)/float64(s.TotalCalls)*10000) / 100
}

// Clone returns a deep copy.
func (s *Subscription) Clone() *Subscription {
	c := *s
	c.TenantID = cloneString(s.TenantID)
	c.EventTypes = slices.Clone(s.EventTypes)
	c.LastTriggeredAt = cloneTime(s.LastTriggeredAt)
	return &c
}

// Event represents an occurrence triggered by the rest of the system
type Event struct {
	ID          string         `json:"id" db:"id"`
	TenantID    *string        `json:"tenant_id" db:"tenant_id"`
	Type        string         `json:"event_type" db:"event_type"`
	Data        map[string]any `json:"event_data" db:"data"`
	TriggeredBy *string        `json:"triggered_by_user_id" db:"triggered_by"`
	Source      *string        `json:"source" db:"source"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	ProcessedAt *time.Time     `json:"processed_at" db:"processed_at"`
}

// Clone returns a copy sharing Data, which is never mutated after creation.
func (e *Event) Clone() *Event {
	c := *e
	c.TenantID = cloneString(e.TenantID)
	c.TriggeredBy = cloneString(e.TriggeredBy)
	c.Source = cloneString(e.Source)
	c.ProcessedAt = cloneTime(e.ProcessedAt)
	return &c
}

// Delivery is the attempt lineage of one event to one subscription. The
// payload is a snapshot taken at fan-out, so it is independent of the event row.
type Delivery struct {
	ID              string            `json:"id" db:"id"`
	SubscriptionID  string            `json:"webhook_id" db:"subscription_id"`
	EventID         string            `json:"event_id" db:"event_id"`
	EventType       string            `json:"event_type" db:"event_type"`
	Payload         string            `json:"-" db:"payload"`
	RequestHeaders  map[string]string `json:"request_headers,omitempty" db:"request_headers"`
	Status          DeliveryStatus    `json:"status" db:"status"`
	AttemptCount    int               `json:"attempt_count" db:"attempt_count"`
	MaxAttempts     int               `json:"max_attempts" db:"max_attempts"`
	ResponseStatus  *int              `json:"response_status_code" db:"response_status"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty" db:"response_headers"`
	ResponseBody    string            `json:"response_body,omitempty" db:"response_body"`
	ErrorMessage    string            `json:"error_message,omitempty" db:"error_message"`
	NextRetryAt     *time.Time        `json:"next_retry_at" db:"next_retry_at"`
	ClaimedAt       *time.Time        `json:"-" db:"claimed_at"`
	CreatedAt       time.Time         `json:"created_at" db:"created_at"`
	DeliveredAt     *time.Time        `json:"delivered_at" db:"delivered_at"`
	FailedAt        *time.Time        `json:"failed_at" db:"failed_at"`
}

// Clone returns a deep copy.
func (d *Delivery) Clone() *Delivery {
	c := *d
	c.RequestHeaders = cloneHeaders(d.RequestHeaders)
	c.ResponseHeaders = cloneHeaders(d.ResponseHeaders)
	if d.ResponseStatus != nil {
		v := *d.ResponseStatus
		c.ResponseStatus = &v
	}
	c.NextRetryAt = cloneTime(d.NextRetryAt)
	c.ClaimedAt = cloneTime(d.ClaimedAt)
	c.DeliveredAt = cloneTime(d.DeliveredAt)
	c.FailedAt = cloneTime(d.FailedAt)
	return &c
}

// claimableAt reports whether a worker may start the next attempt at now.
func (d *Delivery) claimableAt(now time.Time) bool {
	if d.Status != StatusPending && d.Status != StatusRetrying {
		return false
	}
	if d.AttemptCount >= d.MaxAttempts {
		return false
	}
	return d.NextRetryAt == nil || !d.NextRetryAt.After(now)
}

// DeliveryStatus represents the status of a webhook delivery
type DeliveryStatus string

const (
	StatusPending  DeliveryStatus = "pending"
	StatusSending  DeliveryStatus = "sending"
	StatusSuccess  DeliveryStatus = "success"
	StatusFailed   DeliveryStatus = "failed"
	StatusRetrying DeliveryStatus = "retrying"
)

// AttemptResult is the persisted outcome of one claimed attempt.
type AttemptResult struct {
	DeliveryID      string
	SubscriptionID  string
	Attempt         int
	Status          DeliveryStatus
	RequestHeaders  map[string]string
	ResponseStatus  *int
	ResponseHeaders map[string]string
	ResponseBody    string
	ErrorMessage    string
	NextRetryAt     *time.Time
	CompletedAt     time.Time
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	c := make(map[string]string, len(h))
	for k, v := range h {
		c[k] = v
	}
	return c
}
