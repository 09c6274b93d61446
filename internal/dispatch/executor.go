package dispatch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sarathsp06/tenanthooks/internal/logger"
	"github.com/sarathsp06/tenanthooks/internal/webhooks"
)

// Executor defaults.
const (
	DefaultTimeout          = 30 * time.Second
	DefaultMaxResponseBytes = 1000
	DefaultUserAgent        = "tenanthooks-webhook/1.0"

	// errorBodyBytes is how much of a non-2xx body goes into the error message.
	errorBodyBytes = 500
)

// ExecutorConfig controls outbound requests
type ExecutorConfig struct {
	Timeout          time.Duration
	UserAgent        string
	MaxResponseBytes int64
}

// Executor performs delivery attempts. Each Execute call claims the delivery,
// sends one request and records the outcome, so any number of executors may
// consume the same queue.
type Executor struct {
	store  webhooks.Store
	client *http.Client
	cfg    ExecutorConfig
	log    *slog.Logger
	options
}

// NewExecutor creates an executor. Zero config fields take the defaults.
func NewExecutor(store webhooks.Store, cfg ExecutorConfig, opts ...Option) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = DefaultMaxResponseBytes
	}

	o := buildOptions(opts)
	client := o.client
	if client == nil {
		client = NewHTTPClient(cfg.Timeout)
	}

	return &Executor{
		store:   store,
		client:  client,
		cfg:     cfg,
		log:     logger.NewLogger("webhook-executor"),
		options: o,
	}
}

// NewHTTPClient returns the delivery client: a hard timeout, no redirect
// following, and a traced transport.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Execute runs the next attempt of a delivery. It returns nil when the
// delivery is not claimable (already in flight, not due, finished or
// deleted) and when the attempt outcome was recorded, whatever it was. Only
// storage failures are returned; the claim keeps a redelivered ID from
// starting a second attempt.
func (e *Executor) Execute(ctx context.Context, deliveryID string) error {
	current, err := e.store.GetDelivery(ctx, deliveryID)
	if webhooks.IsNotFound(err) {
		e.log.Warn("Delivery no longer exists, skipping", "delivery_id", deliveryID)
		return nil
	}
	if err != nil {
		return err
	}

	// Loaded before the claim so a lookup failure does not consume an attempt.
	sub, err := e.store.GetSubscription(ctx, current.SubscriptionID)
	if webhooks.IsNotFound(err) {
		e.log.Warn("Subscription deleted, skipping delivery",
			"delivery_id", deliveryID,
			"subscription_id", current.SubscriptionID,
		)
		return nil
	}
	if err != nil {
		return err
	}

	delivery, err := e.store.ClaimDelivery(ctx, deliveryID, e.now().UTC())
	switch {
	case errors.Is(err, webhooks.ErrNotClaimable):
		e.log.Debug("Delivery not claimable, skipping", "delivery_id", deliveryID)
		return nil
	case webhooks.IsNotFound(err):
		e.log.Warn("Delivery no longer exists, skipping", "delivery_id", deliveryID)
		return nil
	case err != nil:
		return err
	}

	ctx, span := e.tracer.Start(ctx, "dispatch.DeliveryAttempt",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("webhook.delivery_id", delivery.ID),
			attribute.String("webhook.subscription_id", sub.ID),
			attribute.String("webhook.event_type", delivery.EventType),
			attribute.Int("webhook.attempt", delivery.AttemptCount),
		),
	)
	defer span.End()

	result := e.attempt(ctx, delivery, sub)
	if result.Status != webhooks.StatusSuccess {
		span.SetStatus(codes.Error, result.ErrorMessage)
	}

	err = e.store.CompleteAttempt(ctx, result)
	if errors.Is(err, webhooks.ErrStaleAttempt) {
		e.log.Warn("Attempt outcome discarded, claim was released",
			"delivery_id", delivery.ID,
			"attempt", delivery.AttemptCount,
		)
		return nil
	}
	if webhooks.IsNotFound(err) {
		e.log.Warn("Delivery deleted during attempt, outcome dropped", "delivery_id", delivery.ID)
		return nil
	}
	if err != nil {
		span.RecordError(err)
		e.log.Error("Failed to record delivery attempt",
			"delivery_id", delivery.ID,
			"attempt", delivery.AttemptCount,
			"error", err,
		)
		return err
	}
	return nil
}

// attempt sends one request for a claimed delivery and decides its next state.
func (e *Executor) attempt(ctx context.Context, d *webhooks.Delivery, sub *webhooks.Subscription) webhooks.AttemptResult {
	startTime := e.now().UTC()
	body := []byte(d.Payload)

	headers := map[string]string{
		"Content-Type":  "application/json",
		"User-Agent":    e.cfg.UserAgent,
		HeaderEvent:     d.EventType,
		HeaderDelivery:  d.ID,
		HeaderTimestamp: strconv.FormatInt(startTime.Unix(), 10),
	}
	if sub.HasSecret() {
		headers[HeaderSignature] = Sign(sub.Secret, body)
	}

	result := webhooks.AttemptResult{
		DeliveryID:     d.ID,
		SubscriptionID: sub.ID,
		Attempt:        d.AttemptCount,
		RequestHeaders: headers,
	}

	var statusCode int
	transportErr := e.send(ctx, sub.URL, body, headers, &result)
	if result.ResponseStatus != nil {
		statusCode = *result.ResponseStatus
	}
	completedAt := e.now().UTC()
	result.CompletedAt = completedAt
	took := completedAt.Sub(startTime)

	logAttrs := []any{
		"delivery_id", d.ID,
		"subscription_id", sub.ID,
		"event_type", d.EventType,
		"attempt", d.AttemptCount,
		"status_code", statusCode,
		"duration_ms", took.Milliseconds(),
	}

	switch {
	case transportErr == nil:
		result.Status = webhooks.StatusSuccess
		e.log.Info("Webhook delivered successfully", logAttrs...)
	case d.AttemptCount < d.MaxAttempts:
		result.Status = webhooks.StatusRetrying
		result.ErrorMessage = transportErr.Error()
		next := NextRetryAt(completedAt, sub.RetryDelaySeconds, d.AttemptCount)
		result.NextRetryAt = &next
		e.log.Warn("Webhook delivery failed, retry scheduled",
			append(logAttrs, "next_retry_at", next, "error", result.ErrorMessage)...)
	default:
		result.Status = webhooks.StatusFailed
		result.ErrorMessage = transportErr.Error()
		e.log.Error("Webhook delivery failed permanently",
			append(logAttrs, "max_attempts", d.MaxAttempts, "error", result.ErrorMessage)...)
	}

	e.metrics.RecordAttempt(ctx, d.EventType, string(result.Status), statusCode, took)
	return result
}

// send issues the POST and fills the response fields of result. It returns a
// *webhooks.TransportError for anything but a 2xx response.
func (e *Executor) send(ctx context.Context, url string, body []byte, headers map[string]string, result *webhooks.AttemptResult) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &webhooks.TransportError{Err: err}
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return &webhooks.TransportError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, e.cfg.MaxResponseBytes))
	if err != nil {
		e.log.Warn("Failed to read response body", "delivery_id", result.DeliveryID, "error", err)
	}

	status := resp.StatusCode
	result.ResponseStatus = &status
	result.ResponseHeaders = flattenHeaders(resp.Header)
	// Replacement characters can grow the body, so the cap applies after sanitizing.
	result.ResponseBody = truncateText(sanitizeText(raw), int(e.cfg.MaxResponseBytes))

	if status >= 200 && status < 300 {
		return nil
	}
	return &webhooks.TransportError{
		StatusCode: status,
		Body:       truncateText(result.ResponseBody, errorBodyBytes),
	}
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for key, values := range h {
		out[key] = strings.Join(values, ", ")
	}
	return out
}

// sanitizeText makes a response body storable as text: invalid UTF-8 and NUL
// bytes are replaced, and a rune cut by the read limit is dropped.
func sanitizeText(b []byte) string {
	if start := lastRuneStart(b); start >= 0 && !utf8.FullRune(b[start:]) {
		b = b[:start]
	}
	s := strings.ToValidUTF8(string(b), "\uFFFD")
	return strings.ReplaceAll(s, "\x00", "\uFFFD")
}

func lastRuneStart(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			return i
		}
	}
	return -1
}

// truncateText cuts s to at most n bytes on a rune boundary.
func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
