package workers

import (
	"context"
	"time"

	"github.com/riverqueue/river"

	"github.com/sarathsp06/tenanthooks/internal/jobs"
	"github.com/sarathsp06/tenanthooks/internal/logger"
)

// jobTimeoutMargin is added to the HTTP timeout to cover claiming and
// recording the attempt.
const jobTimeoutMargin = 30 * time.Second

// DeliveryExecutor runs one attempt of a delivery.
type DeliveryExecutor interface {
	Execute(ctx context.Context, deliveryID string) error
}

// WebhookWorker handles webhook delivery jobs
type WebhookWorker struct {
	river.WorkerDefaults[jobs.DeliveryArgs]
	executor    DeliveryExecutor
	httpTimeout time.Duration
}

// NewWebhookWorker creates a new webhook worker
func NewWebhookWorker(executor DeliveryExecutor, httpTimeout time.Duration) *WebhookWorker {
	return &WebhookWorker{
		executor:    executor,
		httpTimeout: httpTimeout,
	}
}

// Timeout bounds a job by the delivery HTTP timeout plus bookkeeping.
func (w *WebhookWorker) Timeout(*river.Job[jobs.DeliveryArgs]) time.Duration {
	return w.httpTimeout + jobTimeoutMargin
}

// Work processes the webhook delivery job. Delivery failures are recorded by
// the executor and do not fail the job; only storage errors do.
func (w *WebhookWorker) Work(ctx context.Context, job *river.Job[jobs.DeliveryArgs]) error {
	log := logger.NewLogger("webhook-worker")

	log.Debug("Processing webhook delivery",
		"job_id", job.ID,
		"delivery_id", job.Args.DeliveryID,
		"job_attempt", job.Attempt,
	)

	if err := w.executor.Execute(ctx, job.Args.DeliveryID); err != nil {
		log.Error("Webhook delivery job failed",
			"job_id", job.ID,
			"delivery_id", job.Args.DeliveryID,
			"error", err,
		)
		return err
	}
	return nil
}
