package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"escalation/internal/config"
	"escalation/internal/natskv"

	"github.com/nats-io/nats.go"
)

// NATSSubscriber consumes event envelopes via JetStream queue consumer.
// Params: NATS connection, JetStream queue subscription, and coordinator.
// Returns: NATS ingest lifecycle handle.
type NATSSubscriber struct {
	nc          *nats.Conn
	sub         *nats.Subscription
	coordinator Coordinator
	observer    Observer
	logger      *slog.Logger
	handleWait  time.Duration
	nackDelay   time.Duration
}

// NewNATSSubscriber creates JetStream queue consumer for event ingestion.
// Params: ingest NATS config, coordinator, optional observer and logger.
// Returns: started subscriber or initialization error.
func NewNATSSubscriber(cfg config.NATSIngestConfig, coordinator Coordinator, observer Observer, logger *slog.Logger) (*NATSSubscriber, error) {
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	nc, js, err := natskv.Connect(cfg.URL, "escalation-ingest")
	if err != nil {
		return nil, fmt.Errorf("connect nats ingest: %w", err)
	}
	if err := natskv.EnsureStream(js, cfg.Stream, cfg.Subject, nats.WorkQueuePolicy, 0); err != nil {
		nc.Close()
		return nil, err
	}

	ackWait := time.Duration(cfg.AckWaitSec) * time.Second
	subscriber := &NATSSubscriber{
		nc:          nc,
		coordinator: coordinator,
		observer:    observer,
		logger:      logger,
		handleWait:  ackWait,
		nackDelay:   time.Duration(cfg.NackDelayMS) * time.Millisecond,
	}
	subOpts := []nats.SubOpt{
		nats.BindStream(cfg.Stream),
		nats.Durable(cfg.ConsumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(ackWait),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.MaxAckPending(cfg.MaxAckPending),
		nats.DeliverAll(),
	}
	sub, err := js.QueueSubscribe(cfg.Subject, cfg.DeliverGroup, subscriber.handle, subOpts...)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue subscribe %q/%q: %w", cfg.Subject, cfg.DeliverGroup, err)
	}
	subscriber.sub = sub
	return subscriber, nil
}

// handle routes one message; the message is acked when every envelope in it
// was handled or rejected, and redelivered when any envelope asks for retry.
func (s *NATSSubscriber) handle(message *nats.Msg) {
	scratch := acquireDecodeScratch()
	defer releaseDecodeScratch(scratch)
	envelopes, err := decodePayloadInto(message.Data, scratch)
	if err != nil {
		s.logger.Warn("nats ingest decode failed", "subject", message.Subject, "error", err.Error())
		s.ackMessage(message, "decode")
		return
	}

	ctx := context.Background()
	if s.handleWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.handleWait)
		defer cancel()
	}
	for _, envelope := range envelopes {
		routeErr := Route(ctx, s.coordinator, envelope)
		result := Classify(routeErr)
		s.observer.Ingested("nats", envelope.Type, result)
		switch result {
		case ResultInvalid:
			s.logger.Warn("nats ingest event rejected",
				"type", envelope.Type,
				"service_id", envelope.ServiceID,
				"error", routeErr.Error(),
			)
		case ResultRetry:
			s.logger.Error("nats ingest route failed",
				"type", envelope.Type,
				"service_id", envelope.ServiceID,
				"error", routeErr.Error(),
			)
			s.nackMessage(message, s.nackDelay)
			return
		}
	}
	s.ackMessage(message, "processed")
}

// ackMessage acknowledges processed/invalid message and logs ack failures.
// Params: JetStream message and short reason.
// Returns: none.
func (s *NATSSubscriber) ackMessage(message *nats.Msg, reason string) {
	if message == nil {
		return
	}
	if err := message.Ack(); err != nil {
		s.logger.Warn("nats ingest ack failed", "subject", message.Subject, "reason", reason, "error", err.Error())
	}
}

// nackMessage asks JetStream to redeliver message and logs nack failures.
// Params: JetStream message and optional delay.
// Returns: none.
func (s *NATSSubscriber) nackMessage(message *nats.Msg, delay time.Duration) {
	if message == nil {
		return
	}
	var err error
	if delay > 0 {
		err = message.NakWithDelay(delay)
	} else {
		err = message.Nak()
	}
	if err != nil {
		s.logger.Warn("nats ingest nack failed", "subject", message.Subject, "error", err.Error())
	}
}

// Close stops NATS subscription and closes connection.
// Params: none.
// Returns: close error from subscription drain.
func (s *NATSSubscriber) Close() error {
	if s.sub != nil {
		if err := s.sub.Drain(); err != nil {
			s.nc.Close()
			return err
		}
	}
	s.nc.Close()
	return nil
}
