package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sarathsp06/tenanthooks/internal/logger"
	"github.com/sarathsp06/tenanthooks/internal/webhooks"
)

// Scheduler defaults.
const (
	DefaultSweepInterval = 30 * time.Second
	DefaultSweepBatch    = 100
	DefaultClaimTimeout  = 5 * time.Minute
)

// SchedulerConfig controls the retry sweep
type SchedulerConfig struct {
	Interval     time.Duration
	BatchSize    int
	ClaimTimeout time.Duration
}

// SweepResult reports what one sweep did.
type SweepResult struct {
	Recovered int
	Enqueued  int
}

// RetryScheduler re-enqueues deliveries whose retry time has come on a
// background interval. Sweeps may overlap with each other and with running
// executors; the executor claim decides who runs an attempt.
type RetryScheduler struct {
	store webhooks.Store
	queue Enqueuer
	cfg   SchedulerConfig
	log   *slog.Logger
	options

	mu      sync.Mutex
	ticker  *time.Ticker
	done    chan struct{}
	stopped chan struct{}
}

// NewRetryScheduler creates a scheduler. Zero config fields take the defaults.
func NewRetryScheduler(store webhooks.Store, queue Enqueuer, cfg SchedulerConfig, opts ...Option) *RetryScheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultSweepBatch
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = DefaultClaimTimeout
	}
	return &RetryScheduler{
		store:   store,
		queue:   queue,
		cfg:     cfg,
		log:     logger.NewLogger("retry-scheduler"),
		options: buildOptions(opts),
	}
}

// Start begins the background ticker. It is a no-op if already running.
func (rs *RetryScheduler) Start(ctx context.Context) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.ticker != nil {
		return
	}
	rs.ticker = time.NewTicker(rs.cfg.Interval)
	rs.done = make(chan struct{})
	rs.stopped = make(chan struct{})
	go rs.run(ctx, rs.ticker, rs.done, rs.stopped)

	rs.log.Info("Retry scheduler started",
		"interval", rs.cfg.Interval.String(),
		"batch_size", rs.cfg.BatchSize,
	)
}

// Stop halts the ticker and waits for an in-progress sweep to finish.
func (rs *RetryScheduler) Stop() {
	rs.mu.Lock()
	if rs.ticker == nil {
		rs.mu.Unlock()
		return
	}
	rs.ticker.Stop()
	close(rs.done)
	stopped := rs.stopped
	rs.ticker, rs.done, rs.stopped = nil, nil, nil
	rs.mu.Unlock()

	<-stopped
	rs.log.Info("Retry scheduler stopped")
}

func (rs *RetryScheduler) run(ctx context.Context, ticker *time.Ticker, done, stopped chan struct{}) {
	defer close(stopped)
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := rs.RunOnce(ctx); err != nil {
				rs.log.Error("Retry sweep failed", "error", err)
			}
		}
	}
}

// RunOnce performs one sweep: it releases claims older than the claim
// timeout, then enqueues up to a batch of due retrying deliveries and pending
// deliveries whose initial submission was lost.
func (rs *RetryScheduler) RunOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := rs.now().UTC()
	cutoff := now.Add(-rs.cfg.ClaimTimeout)

	recovered, err := rs.store.RecoverStale(ctx, cutoff, now)
	if err != nil {
		return res, err
	}
	res.Recovered = recovered
	if recovered > 0 {
		rs.metrics.StaleRecovered.Add(ctx, int64(recovered))
		rs.log.Warn("Released abandoned delivery claims", "count", recovered)
	}

	ids, err := rs.store.DueDeliveries(ctx, now, cutoff, rs.cfg.BatchSize)
	if err != nil {
		return res, err
	}

	for _, id := range ids {
		if err := rs.queue.Enqueue(ctx, id); err != nil {
			rs.log.Error("Failed to enqueue due delivery", "delivery_id", id, "error", err)
			continue
		}
		res.Enqueued++
	}
	if res.Enqueued > 0 {
		rs.metrics.RetriesEnqueued.Add(ctx, int64(res.Enqueued))
		rs.log.Info("Enqueued due deliveries", "count", res.Enqueued, "due", len(ids))
	}
	return res, nil
}
