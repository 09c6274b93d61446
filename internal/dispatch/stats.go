package dispatch

import (
	"context"
	"math"
	"time"

	"github.com/sarathsp06/tenanthooks/internal/webhooks"
)

// DefaultStatsWindowDays is the stats window when none is given.
const DefaultStatsWindowDays = 30

// SubscriptionStats summarizes a subscription's deliveries within a window.
type SubscriptionStats struct {
	SubscriptionID     string     `json:"webhook_id"`
	WindowDays         int        `json:"period_days"`
	TotalDeliveries    int        `json:"total_deliveries"`
	SuccessCount       int        `json:"successful_deliveries"`
	FailedCount        int        `json:"failed_deliveries"`
	PendingCount       int        `json:"pending_deliveries"`
	SuccessRatePercent float64    `json:"success_rate"`
	LastDeliveryAt     *time.Time `json:"last_delivery_at"`
}

// GetSubscriptionStats computes delivery stats over the last windowDays
// days. Deliveries still in flight count as pending.
func (s *Service) GetSubscriptionStats(ctx context.Context, subscriptionID string, windowDays int) (*SubscriptionStats, error) {
	if windowDays <= 0 {
		windowDays = DefaultStatsWindowDays
	}
	if _, err := s.store.GetSubscription(ctx, subscriptionID); err != nil {
		return nil, err
	}

	since := s.nowUTC().AddDate(0, 0, -windowDays)
	deliveries, err := s.store.DeliveriesSince(ctx, subscriptionID, since)
	if err != nil {
		return nil, err
	}

	stats := &SubscriptionStats{
		SubscriptionID:  subscriptionID,
		WindowDays:      windowDays,
		TotalDeliveries: len(deliveries),
	}
	for _, d := range deliveries {
		switch d.Status {
		case webhooks.StatusSuccess:
			stats.SuccessCount++
		case webhooks.StatusFailed:
			stats.FailedCount++
		default:
			stats.PendingCount++
		}
		if stats.LastDeliveryAt == nil || d.CreatedAt.After(*stats.LastDeliveryAt) {
			created := d.CreatedAt
			stats.LastDeliveryAt = &created
		}
	}
	if stats.TotalDeliveries > 0 {
		rate := float64(stats.SuccessCount) / float64(stats.TotalDeliveries) * 100
		stats.SuccessRatePercent = math.Round(rate*100) / 100
	}
	return stats, nil
}
