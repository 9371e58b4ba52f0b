// Package notifyqueue moves per-target notification delivery onto a durable
// JetStream work queue so escalation steps do not wait on slow transports.
package notifyqueue

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"escalation/internal/domain"
	"escalation/internal/notify"
	"escalation/internal/permanent"
)

// Job is one outbound notification task in async delivery queue.
// Params: step id shared by all targets of one escalation step and the notification.
// Returns: queue unit consumed by delivery workers.
type Job struct {
	ID           string              `json:"id"`
	StepID       string              `json:"step_id"`
	Notification domain.Notification `json:"notification"`
	EnqueuedAt   time.Time           `json:"enqueued_at"`
}

// DLQReason identifies reason why notify job was moved to dead-letter queue.
type DLQReason string

const (
	// DLQReasonPermanentError marks non-retryable processing failures.
	DLQReasonPermanentError DLQReason = "permanent_error"
	// DLQReasonMaxDeliverExceeded marks retries exhausted by queue max deliver policy.
	DLQReasonMaxDeliverExceeded DLQReason = "max_deliver_exceeded"
)

// DLQEntry is dead-letter payload for notify queue failures.
// Params: original job, failure metadata, and delivery counters.
// Returns: persisted DLQ record.
type DLQEntry struct {
	Job           Job       `json:"job"`
	Reason        DLQReason `json:"reason"`
	Error         string    `json:"error"`
	Attempts      uint64    `json:"attempts"`
	MaxDeliver    int       `json:"max_deliver"`
	Subject       string    `json:"subject"`
	FailedAt      time.Time `json:"failed_at"`
	OriginalMsgID string    `json:"original_msg_id,omitempty"`
}

// BuildJobID creates deterministic id for one target of one escalation step.
// Params: step id and notification payload.
// Returns: stable SHA1-based id used for publish de-duplication.
func BuildJobID(stepID string, notification domain.Notification) string {
	raw := fmt.Sprintf(
		"%s|%s|%s|%d|%s|%s|%s",
		stepID,
		notification.ServiceID,
		notification.AlertID,
		notification.Level,
		notification.Channel,
		notification.Target,
		strings.Join(notification.Recipients, ","),
	)
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Producer enqueues notification delivery jobs.
type Producer interface {
	Enqueue(ctx context.Context, job Job) error
	Close() error
}

// Deliverer performs one synchronous delivery; notify.Dispatcher implements it.
type Deliverer interface {
	Deliver(ctx context.Context, notification domain.Notification) error
}

// MarkPermanent wraps error as permanent processing failure.
func MarkPermanent(err error) error {
	return permanent.Mark(err)
}

// IsPermanent reports whether error is marked as non-retryable.
func IsPermanent(err error) bool {
	return permanent.Is(err)
}

// Notifier satisfies notify.Notifier by enqueuing one job per target.
// The step counts as settled once every target is durably queued; a target
// that cannot be queued is reported as failed.
type Notifier struct {
	producer Producer
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// NewNotifier wraps producer as escalation notifier.
func NewNotifier(producer Producer, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		producer: producer,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// Dispatch enqueues every notification of one step concurrently.
// Params: context and notifications of one escalation step.
// Returns: report where delivered means queued; failures keep input order.
func (n *Notifier) Dispatch(ctx context.Context, notifications []domain.Notification) notify.Report {
	report := notify.Report{Attempted: len(notifications)}
	if len(notifications) == 0 {
		return report
	}
	stepID := n.newID()
	enqueuedAt := n.now()

	errs := make([]error, len(notifications))
	var wg sync.WaitGroup
	for i, notification := range notifications {
		wg.Add(1)
		go func(i int, notification domain.Notification) {
			defer wg.Done()
			job := Job{
				ID:           BuildJobID(stepID, notification),
				StepID:       stepID,
				Notification: notification,
				EnqueuedAt:   enqueuedAt,
			}
			if err := n.producer.Enqueue(ctx, job); err != nil {
				n.logger.Warn("notify job enqueue failed",
					"service_id", notification.ServiceID,
					"channel", notification.Channel,
					"job_id", job.ID,
					"error", err.Error(),
				)
				errs[i] = err
			}
		}(i, notification)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			report.Failures = append(report.Failures, notify.DeliveryFailure{Notification: notifications[i], Err: err})
			continue
		}
		report.Delivered++
	}
	return report
}

// HandleJob returns the worker callback that delivers a queued job.
func HandleJob(deliverer Deliverer) func(ctx context.Context, job Job) error {
	return func(ctx context.Context, job Job) error {
		return deliverer.Deliver(ctx, job.Notification)
	}
}

// Worker consumes queued jobs and acknowledges delivery status.
type Worker interface {
	Close() error
}
