package notifyqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"escalation/internal/config"
	"escalation/internal/natskv"
)

const (
	notifyStreamMaxAge    = 24 * time.Hour
	notifyDLQStreamMaxAge = 7 * 24 * time.Hour

	headerMsgID     = "Nats-Msg-Id"
	headerServiceID = "Escalation-Service-Id"
	headerLevel     = "Escalation-Level"
	headerDLQReason = "Escalation-Dlq-Reason"
)

// NATSProducer publishes notification jobs into the notify work-queue stream.
type NATSProducer struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	subject string
}

// NewNATSProducer creates JetStream producer for notification queue.
// Params: queue config from notify section.
// Returns: initialized producer or setup error.
func NewNATSProducer(cfg config.NotifyQueue) (*NATSProducer, error) {
	nc, js, err := openNotifyQueueJetStream(cfg, "escalation-notify-producer")
	if err != nil {
		return nil, err
	}
	return &NATSProducer{nc: nc, js: js, subject: cfg.Subject}, nil
}

// Enqueue publishes one job; the job ID doubles as the JetStream dedup key so
// a retried step publish does not notify the same target twice.
func (p *NATSProducer) Enqueue(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal notify job: %w", err)
	}
	msg := nats.NewMsg(p.subject)
	msg.Data = body
	setJobHeaders(msg, job)
	if job.ID != "" {
		msg.Header.Set(headerMsgID, job.ID)
	}
	if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish notify job %s: %w", job.ID, err)
	}
	return nil
}

// Close closes producer NATS connection.
func (p *NATSProducer) Close() error {
	if p == nil || p.nc == nil {
		return nil
	}
	p.nc.Close()
	return nil
}

// settlement is the worker decision for one delivered message.
type settlement int

const (
	settleAck settlement = iota
	settleRetry
	settleDeadLetter
)

// classifyFailure decides what happens to a job whose handler failed.
// Params: handler error, delivery attempt, and consumer max deliver (<=0 is unlimited).
// Returns: retry, or dead-letter with reason.
func classifyFailure(err error, attempts uint64, maxDeliver int) (settlement, DLQReason) {
	if IsPermanent(err) {
		return settleDeadLetter, DLQReasonPermanentError
	}
	if maxDeliver > 0 && attempts >= uint64(maxDeliver) {
		return settleDeadLetter, DLQReasonMaxDeliverExceeded
	}
	return settleRetry, ""
}

// NATSWorker consumes notification jobs through a queue-group consumer.
type NATSWorker struct {
	nc         *nats.Conn
	js         nats.JetStreamContext
	sub        *nats.Subscription
	logger     *slog.Logger
	handler    func(ctx context.Context, job Job) error
	dlq        bool
	dlqSubject string
	maxDeliver int
	timeout    time.Duration
	nackDelay  time.Duration
	now        func() time.Time
}

// NewNATSWorker starts queue consumer for notification delivery jobs.
// Params: queue config, logger, and per-job handler; each call is bounded by
// the consumer ack wait.
// Returns: running worker or setup error.
func NewNATSWorker(cfg config.NotifyQueue, logger *slog.Logger, handler func(ctx context.Context, job Job) error) (*NATSWorker, error) {
	if handler == nil {
		return nil, fmt.Errorf("notify queue worker: handler is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	nc, js, err := openNotifyQueueJetStream(cfg, "escalation-notify-worker")
	if err != nil {
		return nil, err
	}

	ackWait := time.Duration(cfg.AckWaitSec) * time.Second
	worker := &NATSWorker{
		nc:         nc,
		js:         js,
		logger:     logger,
		handler:    handler,
		dlq:        cfg.DLQ,
		dlqSubject: cfg.DLQSubject,
		maxDeliver: cfg.MaxDeliver,
		timeout:    ackWait,
		nackDelay:  time.Duration(cfg.NackDelayMS) * time.Millisecond,
		now:        func() time.Time { return time.Now().UTC() },
	}
	sub, err := js.QueueSubscribe(cfg.Subject, cfg.DeliverGroup, worker.process,
		nats.BindStream(cfg.Stream),
		nats.Durable(cfg.ConsumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(ackWait),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.MaxAckPending(cfg.MaxAckPending),
		nats.DeliverAll(),
	)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue subscribe notify %q/%q: %w", cfg.Subject, cfg.DeliverGroup, err)
	}
	worker.sub = sub
	return worker, nil
}

func (w *NATSWorker) process(message *nats.Msg) {
	var job Job
	if err := json.Unmarshal(message.Data, &job); err != nil {
		w.logger.Warn("notify job decode failed", "subject", message.Subject, "error", err.Error())
		w.settle(message, settleAck)
		return
	}

	ctx := context.Background()
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	handleErr := w.handler(ctx, job)
	if handleErr == nil {
		w.settle(message, settleAck)
		return
	}

	attempts := deliveryAttempts(message)
	decision, reason := classifyFailure(handleErr, attempts, w.maxDeliver)
	w.logger.Warn("notify job failed",
		"job_id", job.ID,
		"service_id", job.Notification.ServiceID,
		"channel", job.Notification.Channel,
		"level", job.Notification.Level,
		"attempt", attempts,
		"dlq_reason", reason,
		"error", handleErr.Error(),
	)
	if decision == settleDeadLetter && w.dlq {
		entry := w.dlqEntry(message, job, reason, handleErr, attempts)
		if err := w.publishDLQ(ctx, entry); err != nil {
			w.logger.Error("notify dlq publish failed", "job_id", job.ID, "reason", reason, "error", err.Error())
			w.settle(message, settleRetry)
			return
		}
	}
	w.settle(message, decision)
}

// settle acks or naks message; dead-lettered jobs are acked once recorded.
func (w *NATSWorker) settle(message *nats.Msg, decision settlement) {
	var err error
	switch {
	case decision != settleRetry:
		err = message.Ack()
	case w.nackDelay > 0:
		err = message.NakWithDelay(w.nackDelay)
	default:
		err = message.Nak()
	}
	if err != nil {
		w.logger.Warn("notify job settle failed", "subject", message.Subject, "error", err.Error())
	}
}

func (w *NATSWorker) dlqEntry(message *nats.Msg, job Job, reason DLQReason, cause error, attempts uint64) DLQEntry {
	return DLQEntry{
		Job:           job,
		Reason:        reason,
		Error:         cause.Error(),
		Attempts:      attempts,
		MaxDeliver:    w.maxDeliver,
		Subject:       message.Subject,
		FailedAt:      w.now(),
		OriginalMsgID: message.Header.Get(headerMsgID),
	}
}

// publishDLQ records a failed job on the dead-letter stream.
func (w *NATSWorker) publishDLQ(ctx context.Context, entry DLQEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal notify dlq entry: %w", err)
	}
	msg := nats.NewMsg(w.dlqSubject)
	msg.Data = body
	setJobHeaders(msg, entry.Job)
	msg.Header.Set(headerDLQReason, string(entry.Reason))
	if entry.Job.ID != "" {
		msg.Header.Set(headerMsgID, entry.Job.ID+":dlq:"+string(entry.Reason)+":"+strconv.FormatUint(entry.Attempts, 10))
	}
	if _, err := w.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish notify dlq entry: %w", err)
	}
	return nil
}

// Close drains worker subscription and closes NATS connection.
func (w *NATSWorker) Close() error {
	if w == nil || w.nc == nil {
		return nil
	}
	if w.sub != nil {
		if err := w.sub.Drain(); err != nil {
			w.nc.Close()
			return err
		}
	}
	w.nc.Close()
	return nil
}

func setJobHeaders(msg *nats.Msg, job Job) {
	msg.Header.Set(headerServiceID, job.Notification.ServiceID)
	msg.Header.Set(headerLevel, strconv.Itoa(job.Notification.Level))
}

// openNotifyQueueJetStream connects and ensures queue and optional DLQ streams exist.
func openNotifyQueueJetStream(cfg config.NotifyQueue, name string) (*nats.Conn, nats.JetStreamContext, error) {
	nc, js, err := natskv.Connect(cfg.URL, name)
	if err != nil {
		return nil, nil, fmt.Errorf("notify queue: %w", err)
	}
	if err := natskv.EnsureStream(js, cfg.Stream, cfg.Subject, nats.WorkQueuePolicy, notifyStreamMaxAge); err != nil {
		nc.Close()
		return nil, nil, err
	}
	if cfg.DLQ {
		if err := natskv.EnsureStream(js, cfg.DLQStream, cfg.DLQSubject, nats.LimitsPolicy, notifyDLQStreamMaxAge); err != nil {
			nc.Close()
			return nil, nil, err
		}
	}
	return nc, js, nil
}

// deliveryAttempts reads the JetStream delivery counter, 1 when metadata is missing.
func deliveryAttempts(message *nats.Msg) uint64 {
	metadata, err := message.Metadata()
	if err != nil || metadata == nil || metadata.NumDelivered == 0 {
		return 1
	}
	return metadata.NumDelivered
}
