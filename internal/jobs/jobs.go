package jobs

import (
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

// QueueWebhooks is the River queue delivery jobs run on
const QueueWebhooks = "webhooks"

// maxJobAttempts bounds River's own retries, which only happen when an
// attempt outcome could not be stored. Webhook retries are scheduled by the
// retry scheduler, not by River.
const maxJobAttempts = 5

// DeliveryArgs represents a webhook delivery job. It carries only the
// delivery ID; the executor loads everything else from storage.
type DeliveryArgs struct {
	DeliveryID string `json:"delivery_id"`
}

// Kind returns the job kind for River queue
func (DeliveryArgs) Kind() string { return "webhook_delivery" }

// InsertOpts routes delivery jobs to the webhooks queue and drops a new job
// while one for the same delivery is still waiting or running.
func (DeliveryArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueWebhooks,
		MaxAttempts: maxJobAttempts,
		UniqueOpts: river.UniqueOpts{
			ByArgs: true,
			ByState: []rivertype.JobState{
				rivertype.JobStateAvailable,
				rivertype.JobStatePending,
				rivertype.JobStateRetryable,
				rivertype.JobStateRunning,
				rivertype.JobStateScheduled,
			},
		},
	}
}
