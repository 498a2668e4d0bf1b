// Package orchestration implements the OrchestrationProvider contract: a
// durable, bidirectional job/done-notification bus with manual
// acknowledgement, prefetch-based backpressure, and redelivery of claims
// abandoned by a crashed consumer.
package orchestration

import (
	"context"
	"errors"
	"time"

	"github.com/scancore/crawler/internal/domain/scan"
)

var ErrNoJobAvailable = errors.New("orchestration: no job available")
var ErrNoNotificationAvailable = errors.New("orchestration: no done notification available")

// JobDelivery wraps a claimed ScanJobDescription with the delivery tag the
// consumer must present to Ack it.
type JobDelivery struct {
	Job         scan.ScanJobDescription
	DeliveryTag uint64
}

// DoneDelivery wraps a claimed DoneNotification with its delivery tag.
type DoneDelivery struct {
	Notification scan.DoneNotification
	DeliveryTag  uint64
}

// Provider is the durable bus two callers share: the Controller publishes
// jobs and consumes done-notifications; the Worker consumes jobs and
// publishes done-notifications. Every bulk scan gets its own logical pair
// of destinations (jobs, done) multiplexed over the same tables by
// bulk_scan_id.
type Provider interface {
	// PublishJob enqueues a job for dispatch to a worker. Jobs start in
	// TO_BE_EXECUTED.
	PublishJob(ctx context.Context, job scan.ScanJobDescription) error

	// ClaimJobs claims up to prefetch ready jobs for workerID. Claimed rows
	// are invisible to other consumers until Acked or their lock expires.
	ClaimJobs(ctx context.Context, workerID string, prefetch int) ([]JobDelivery, error)

	// AckJob removes a claimed job from the bus once the worker has
	// produced a terminal result for it.
	AckJob(ctx context.Context, deliveryTag uint64) error

	// PublishDoneNotification enqueues a done-notification for the
	// controller that published the originating bulk scan.
	PublishDoneNotification(ctx context.Context, note scan.DoneNotification) error

	// ConsumeDoneNotifications claims up to prefetch ready done
	// notifications for consumerID (a controller instance id).
	ConsumeDoneNotifications(ctx context.Context, consumerID string, prefetch int) ([]DoneDelivery, error)

	// AckDoneNotification removes a claimed done-notification from the bus.
	AckDoneNotification(ctx context.Context, deliveryTag uint64) error

	// RequeueStaleClaims returns claims (on either destination) whose lock
	// has outlived lockTTL back to the unclaimed pool — this is what makes
	// a crashed worker's in-flight jobs redeliverable.
	RequeueStaleClaims(ctx context.Context, lockTTL time.Duration) (int64, error)
}
