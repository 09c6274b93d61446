package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"

	"github.com/sarathsp06/tenanthooks/internal/jobs"
	"github.com/sarathsp06/tenanthooks/internal/logger"
	"github.com/sarathsp06/tenanthooks/internal/workers"
)

// ManagerConfig sizes the River webhooks queue
type ManagerConfig struct {
	Workers     int
	HTTPTimeout time.Duration
}

// Manager handles the River queue management
type Manager struct {
	client *river.Client[pgx.Tx]
}

// NewManager creates a River client on dbPool whose webhook workers hand
// delivery IDs to executor. The caller owns dbPool.
func NewManager(dbPool *pgxpool.Pool, executor workers.DeliveryExecutor, cfg ManagerConfig) (*Manager, error) {
	riverWorkers := river.NewWorkers()
	if err := river.AddWorkerSafely(riverWorkers, workers.NewWebhookWorker(executor, cfg.HTTPTimeout)); err != nil {
		return nil, fmt.Errorf("failed to register webhook worker: %w", err)
	}

	riverClient, err := river.NewClient(riverpgxv5.New(dbPool), &river.Config{
		Queues: map[string]river.QueueConfig{
			jobs.QueueWebhooks: {MaxWorkers: cfg.Workers},
		},
		Workers: riverWorkers,
		Logger:  logger.NewLogger("river"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	return &Manager{client: riverClient}, nil
}

// Start starts the queue processing
func (m *Manager) Start(ctx context.Context) error {
	log := logger.NewLogger("queue-manager")

	if err := m.client.Start(ctx); err != nil {
		log.Error("Failed to start River client", "error", err)
		return fmt.Errorf("failed to start River client: %w", err)
	}

	log.Info("River queue started successfully", "queue", jobs.QueueWebhooks)
	return nil
}

// Stop waits for running jobs to finish, or for ctx to expire
func (m *Manager) Stop(ctx context.Context) error {
	return m.client.Stop(ctx)
}

// Enqueue inserts a delivery job. A job already waiting for the same
// delivery absorbs the insert.
func (m *Manager) Enqueue(ctx context.Context, deliveryID string) error {
	res, err := m.client.Insert(ctx, jobs.DeliveryArgs{DeliveryID: deliveryID}, nil)
	if err != nil {
		return fmt.Errorf("failed to insert delivery job: %w", err)
	}
	if res.UniqueSkippedAsDuplicate {
		logger.NewLogger("queue-manager").Debug("Delivery job already queued", "delivery_id", deliveryID)
	}
	return nil
}
