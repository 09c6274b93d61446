package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is the Postgres Store
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new webhook repository
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const subscriptionColumns = `id, tenant_id, name, url, secret, event_types, active, max_retries,
	retry_delay_seconds, total_calls, successful_calls, failed_calls, last_triggered_at, created_at, updated_at`

const eventColumns = `id, tenant_id, event_type, data, triggered_by, source, created_at, processed_at`

const deliveryColumns = `id, subscription_id, event_id, event_type, payload, request_headers, status,
	attempt_count, max_attempts, response_status, response_headers, response_body, error_message,
	next_retry_at, claimed_at, created_at, delivered_at, failed_at`

// CreateSubscription stores a new subscription
func (r *Repository) CreateSubscription(ctx context.Context, sub *Subscription) error {
	eventsJSON, err := json.Marshal(sub.EventTypes)
	if err != nil {
		return fmt.Errorf("failed to marshal event types: %w", err)
	}

	query := `
		INSERT INTO webhook_subscriptions (
			id, tenant_id, name, url, secret, event_types, active, max_retries, retry_delay_seconds,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11)
	`
	_, err = r.db.Exec(ctx, query,
		sub.ID,
		sub.TenantID,
		sub.Name,
		sub.URL,
		sub.Secret,
		eventsJSON,
		sub.Active,
		sub.MaxRetries,
		sub.RetryDelaySeconds,
		sub.CreatedAt,
		sub.UpdatedAt,
	)
	return persistenceError("create subscription", err)
}

// GetSubscription loads one subscription
func (r *Repository) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM webhook_subscriptions WHERE id = $1`

	sub, err := scanSubscription(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Resource: "subscription", ID: id}
	}
	if err != nil {
		return nil, persistenceError("get subscription", err)
	}
	return sub, nil
}

// UpdateSubscription writes the mutable configuration fields of a subscription
func (r *Repository) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	eventsJSON, err := json.Marshal(sub.EventTypes)
	if err != nil {
		return fmt.Errorf("failed to marshal event types: %w", err)
	}

	query := `
		UPDATE webhook_subscriptions
		SET name = $2, url = $3, secret = NULLIF($4, ''), event_types = $5, active = $6,
		    max_retries = $7, retry_delay_seconds = $8, updated_at = $9
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query,
		sub.ID,
		sub.Name,
		sub.URL,
		sub.Secret,
		eventsJSON,
		sub.Active,
		sub.MaxRetries,
		sub.RetryDelaySeconds,
		sub.UpdatedAt,
	)
	if err != nil {
		return persistenceError("update subscription", err)
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{Resource: "subscription", ID: sub.ID}
	}
	return nil
}

// DeleteSubscription removes a subscription; its deliveries cascade
func (r *Repository) DeleteSubscription(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return persistenceError("delete subscription", err)
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{Resource: "subscription", ID: id}
	}
	return nil
}

// ListSubscriptions returns subscriptions matching the filter, newest first
func (r *Repository) ListSubscriptions(ctx context.Context, filter SubscriptionFilter) ([]*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM webhook_subscriptions WHERE TRUE`
	var args []any

	if filter.TenantID != nil {
		args = append(args, *filter.TenantID)
		if filter.IncludeGlobal {
			query += fmt.Sprintf(` AND (tenant_id = $%d OR tenant_id IS NULL)`, len(args))
		} else {
			query += fmt.Sprintf(` AND tenant_id = $%d`, len(args))
		}
	}
	if filter.ActiveOnly {
		query += ` AND active = true`
	}
	query += ` ORDER BY created_at DESC, id`

	return r.querySubscriptions(ctx, "list subscriptions", query, args...)
}

// MatchSubscriptions returns the active subscriptions an event fans out to
func (r *Repository) MatchSubscriptions(ctx context.Context, tenantID *string, eventType string) ([]*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM webhook_subscriptions
		WHERE active = true AND event_types ? $1`
	args := []any{eventType}

	if tenantID != nil {
		args = append(args, *tenantID)
		query += ` AND (tenant_id = $2 OR tenant_id IS NULL)`
	} else {
		query += ` AND tenant_id IS NULL`
	}
	query += ` ORDER BY created_at DESC, id`

	return r.querySubscriptions(ctx, "match subscriptions", query, args...)
}

func (r *Repository) querySubscriptions(ctx context.Context, op, query string, args ...any) ([]*Subscription, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, persistenceError(op, err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, persistenceError(op, err)
		}
		subs = append(subs, sub)
	}
	return subs, persistenceError(op, rows.Err())
}

// RecordEvent stores an event with its fan-out deliveries in one transaction
func (r *Repository) RecordEvent(ctx context.Context, event *Event, deliveries []*Delivery) error {
	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	err = pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO webhook_events (id, tenant_id, event_type, data, triggered_by, source, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			event.ID, event.TenantID, event.Type, dataJSON, event.TriggeredBy, event.Source, event.CreatedAt,
		)
		if err != nil {
			return err
		}

		if len(deliveries) == 0 {
			return nil
		}

		batch := &pgx.Batch{}
		subscriptionIDs := make([]string, 0, len(deliveries))
		for _, d := range deliveries {
			batch.Queue(`
				INSERT INTO webhook_deliveries (
					id, subscription_id, event_id, event_type, payload, status, attempt_count, max_attempts, created_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				d.ID, d.SubscriptionID, d.EventID, d.EventType, d.Payload, d.Status, d.AttemptCount, d.MaxAttempts, d.CreatedAt,
			)
			subscriptionIDs = append(subscriptionIDs, d.SubscriptionID)
		}
		batch.Queue(`
			UPDATE webhook_subscriptions s
			SET total_calls = s.total_calls + c.n
			FROM (SELECT id, count(*) AS n FROM unnest($1::text[]) AS id GROUP BY id) c
			WHERE s.id = c.id`,
			subscriptionIDs,
		)
		return tx.SendBatch(ctx, batch).Close()
	})
	return persistenceError("record event", err)
}

// MarkEventProcessed stamps the time fan-out finished submitting deliveries
func (r *Repository) MarkEventProcessed(ctx context.Context, eventID string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE webhook_events SET processed_at = $2 WHERE id = $1 AND processed_at IS NULL`,
		eventID, at,
	)
	if err != nil {
		return persistenceError("mark event processed", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM webhook_events WHERE id = $1)`, eventID).Scan(&exists); err != nil {
			return persistenceError("mark event processed", err)
		}
		if !exists {
			return &NotFoundError{Resource: "event", ID: eventID}
		}
	}
	return nil
}

// ListEvents returns recent events, newest first
func (r *Repository) ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM webhook_events WHERE TRUE`
	var args []any
	if filter.TenantID != nil {
		args = append(args, *filter.TenantID)
		query += ` AND (tenant_id = $1 OR tenant_id IS NULL)`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	query, args = withPage(query, args, filter.Limit, filter.Offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, persistenceError("list events", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var ev Event
		var dataJSON []byte
		if err := rows.Scan(
			&ev.ID,
			&ev.TenantID,
			&ev.Type,
			&dataJSON,
			&ev.TriggeredBy,
			&ev.Source,
			&ev.CreatedAt,
			&ev.ProcessedAt,
		); err != nil {
			return nil, persistenceError("list events", err)
		}
		if err := json.Unmarshal(dataJSON, &ev.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
		}
		out = append(out, &ev)
	}
	return out, persistenceError("list events", rows.Err())
}

// GetDelivery loads one delivery
func (r *Repository) GetDelivery(ctx context.Context, id string) (*Delivery, error) {
	d, err := scanDelivery(r.db.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Resource: "delivery", ID: id}
	}
	if err != nil {
		return nil, persistenceError("get delivery", err)
	}
	return d, nil
}

// ListDeliveries returns a page of a subscription's deliveries, newest first
func (r *Repository) ListDeliveries(ctx context.Context, subscriptionID string, limit, offset int) ([]*Delivery, error) {
	query := `SELECT ` + deliveryColumns + `
		FROM webhook_deliveries
		WHERE subscription_id = $1
		ORDER BY created_at DESC, id DESC`
	query, args := withPage(query, []any{subscriptionID}, limit, offset)
	return r.getDeliveries(ctx, "list deliveries", query, args...)
}

// DeliveriesSince returns a subscription's deliveries created at or after since
func (r *Repository) DeliveriesSince(ctx context.Context, subscriptionID string, since time.Time) ([]*Delivery, error) {
	query := `SELECT ` + deliveryColumns + `
		FROM webhook_deliveries
		WHERE subscription_id = $1 AND created_at >= $2
		ORDER BY created_at DESC, id DESC`
	return r.getDeliveries(ctx, "deliveries since", query, subscriptionID, since)
}

// ClaimDelivery starts an attempt if the delivery is due and unowned
func (r *Repository) ClaimDelivery(ctx context.Context, id string, now time.Time) (*Delivery, error) {
	query := `
		UPDATE webhook_deliveries
		SET status = 'sending', attempt_count = attempt_count + 1, next_retry_at = NULL, claimed_at = $2
		WHERE id = $1
		  AND status IN ('pending', 'retrying')
		  AND attempt_count < max_attempts
		  AND (next_retry_at IS NULL OR next_retry_at <= $2)
		RETURNING ` + deliveryColumns

	d, err := scanDelivery(r.db.QueryRow(ctx, query, id, now))
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, persistenceError("claim delivery", err)
	}

	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM webhook_deliveries WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, persistenceError("claim delivery", err)
	}
	if !exists {
		return nil, &NotFoundError{Resource: "delivery", ID: id}
	}
	return nil, ErrNotClaimable
}

// CompleteAttempt records an attempt outcome together with the subscription counters
func (r *Repository) CompleteAttempt(ctx context.Context, result AttemptResult) error {
	requestHeaders, err := json.Marshal(result.RequestHeaders)
	if err != nil {
		return fmt.Errorf("failed to marshal request headers: %w", err)
	}
	responseHeaders, err := marshalNullable(result.ResponseHeaders)
	if err != nil {
		return fmt.Errorf("failed to marshal response headers: %w", err)
	}

	var deliveredAt, failedAt *time.Time
	errorMessage := result.ErrorMessage
	switch result.Status {
	case StatusSuccess:
		deliveredAt = &result.CompletedAt
		errorMessage = ""
	case StatusFailed:
		failedAt = &result.CompletedAt
	}

	err = pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE webhook_deliveries
			SET status = $3, request_headers = $4, response_status = $5, response_headers = $6,
			    response_body = NULLIF($7, ''), error_message = NULLIF($8, ''), next_retry_at = $9,
			    claimed_at = NULL,
			    delivered_at = COALESCE($10, delivered_at), failed_at = COALESCE($11, failed_at)
			WHERE id = $1 AND status = 'sending' AND attempt_count = $2`,
			result.DeliveryID, result.Attempt, result.Status, requestHeaders, result.ResponseStatus,
			responseHeaders, result.ResponseBody, errorMessage, result.NextRetryAt, deliveredAt, failedAt,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrStaleAttempt
		}

		switch result.Status {
		case StatusSuccess:
			_, err = tx.Exec(ctx, `
				UPDATE webhook_subscriptions
				SET successful_calls = successful_calls + 1, last_triggered_at = $2
				WHERE id = $1`,
				result.SubscriptionID, result.CompletedAt,
			)
		case StatusFailed:
			_, err = tx.Exec(ctx,
				`UPDATE webhook_subscriptions SET failed_calls = failed_calls + 1 WHERE id = $1`,
				result.SubscriptionID,
			)
		}
		return err
	})
	return persistenceError("complete attempt", err)
}

// ResetForRetry makes a failed or retrying delivery due immediately
func (r *Repository) ResetForRetry(ctx context.Context, id string, maxAttempts int, now time.Time) (*Delivery, error) {
	query := `
		UPDATE webhook_deliveries
		SET status = 'retrying', max_attempts = $2, next_retry_at = $3, error_message = NULL
		WHERE id = $1 AND status IN ('failed', 'retrying') AND attempt_count <= $2
		RETURNING ` + deliveryColumns

	d, err := scanDelivery(r.db.QueryRow(ctx, query, id, maxAttempts, now))
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, persistenceError("reset delivery", err)
	}
	if _, getErr := r.GetDelivery(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, ErrNotClaimable
}

// RecoverStale releases claims whose worker never reported an outcome
func (r *Repository) RecoverStale(ctx context.Context, claimedBefore, now time.Time) (int, error) {
	var recovered int
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE webhook_deliveries
			SET status = 'retrying', next_retry_at = $2, claimed_at = NULL, error_message = $3
			WHERE status = 'sending' AND claimed_at < $1 AND attempt_count < max_attempts`,
			claimedBefore, now, staleAttemptMessage,
		)
		if err != nil {
			return err
		}
		recovered = int(tag.RowsAffected())

		rows, err := tx.Query(ctx, `
			UPDATE webhook_deliveries
			SET status = 'failed', failed_at = $2, claimed_at = NULL, error_message = $3
			WHERE status = 'sending' AND claimed_at < $1 AND attempt_count >= max_attempts
			RETURNING subscription_id`,
			claimedBefore, now, staleAttemptMessage,
		)
		if err != nil {
			return err
		}
		failedBySubscription, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return err
		}
		recovered += len(failedBySubscription)

		if len(failedBySubscription) == 0 {
			return nil
		}
		_, err = tx.Exec(ctx, `
			UPDATE webhook_subscriptions s
			SET failed_calls = s.failed_calls + c.n
			FROM (SELECT id, count(*) AS n FROM unnest($1::text[]) AS id GROUP BY id) c
			WHERE s.id = c.id`,
			failedBySubscription,
		)
		return err
	})
	if err != nil {
		return 0, persistenceError("recover stale deliveries", err)
	}
	return recovered, nil
}

// DueDeliveries lists deliveries the retry scheduler should enqueue
func (r *Repository) DueDeliveries(ctx context.Context, now, pendingBefore time.Time, limit int) ([]string, error) {
	query := `
		SELECT id FROM (
			SELECT id, next_retry_at AS due_at FROM webhook_deliveries
			WHERE status = 'retrying' AND next_retry_at <= $1
			UNION ALL
			SELECT id, created_at AS due_at FROM webhook_deliveries
			WHERE status = 'pending' AND created_at < $2
		) due
		ORDER BY due_at, id
		LIMIT $3`

	rows, err := r.db.Query(ctx, query, now, pendingBefore, limit)
	if err != nil {
		return nil, persistenceError("due deliveries", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, persistenceError("due deliveries", err)
	}
	return ids, nil
}

func (r *Repository) getDeliveries(ctx context.Context, op, query string, args ...any) ([]*Delivery, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, persistenceError(op, err)
	}
	defer rows.Close()

	var deliveries []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, persistenceError(op, err)
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, persistenceError(op, rows.Err())
}

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var sub Subscription
	var secret *string
	var eventsJSON []byte

	err := row.Scan(
		&sub.ID,
		&sub.TenantID,
		&sub.Name,
		&sub.URL,
		&secret,
		&eventsJSON,
		&sub.Active,
		&sub.MaxRetries,
		&sub.RetryDelaySeconds,
		&sub.TotalCalls,
		&sub.SuccessfulCalls,
		&sub.FailedCalls,
		&sub.LastTriggeredAt,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if secret != nil {
		sub.Secret = *secret
	}
	if err := json.Unmarshal(eventsJSON, &sub.EventTypes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event types: %w", err)
	}
	return &sub, nil
}

func scanDelivery(row pgx.Row) (*Delivery, error) {
	var d Delivery
	var requestHeaders, responseHeaders []byte
	var responseBody, errorMessage *string

	err := row.Scan(
		&d.ID,
		&d.SubscriptionID,
		&d.EventID,
		&d.EventType,
		&d.Payload,
		&requestHeaders,
		&d.Status,
		&d.AttemptCount,
		&d.MaxAttempts,
		&d.ResponseStatus,
		&responseHeaders,
		&responseBody,
		&errorMessage,
		&d.NextRetryAt,
		&d.ClaimedAt,
		&d.CreatedAt,
		&d.DeliveredAt,
		&d.FailedAt,
	)
	if err != nil {
		return nil, err
	}
	if responseBody != nil {
		d.ResponseBody = *responseBody
	}
	if errorMessage != nil {
		d.ErrorMessage = *errorMessage
	}
	if err := unmarshalHeaders(requestHeaders, &d.RequestHeaders); err != nil {
		return nil, err
	}
	if err := unmarshalHeaders(responseHeaders, &d.ResponseHeaders); err != nil {
		return nil, err
	}
	return &d, nil
}

func unmarshalHeaders(raw []byte, dst *map[string]string) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("failed to unmarshal headers: %w", err)
	}
	return nil
}

func marshalNullable(h map[string]string) ([]byte, error) {
	if h == nil {
		return nil, nil
	}
	return json.Marshal(h)
}

func withPage(query string, args []any, limit, offset int) (string, []any) {
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}
	return query, args
}

var _ Store = (*Repository)(nil)
