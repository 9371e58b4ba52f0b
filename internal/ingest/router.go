package ingest

import (
	"context"
	"errors"
	"fmt"

	"escalation/internal/domain"
	"escalation/internal/escalation"
)

// Coordinator is the event-handling surface of the escalation coordinator.
type Coordinator interface {
	AlertEmitted(ctx context.Context, event domain.AlertEmitted) error
	AcknowledgementTimeout(ctx context.Context, event domain.AcknowledgementTimeout) error
	Acknowledge(ctx context.Context, serviceID string) (domain.AlertState, bool, error)
	MarkHealthy(ctx context.Context, serviceID string) error
	PolicyChanged(ctx context.Context, policy domain.EscalationPolicy) error
	PolicyDeleted(ctx context.Context, policy domain.EscalationPolicy) error
}

// Observer counts ingest outcomes per source and event type.
type Observer interface {
	Ingested(source string, eventType domain.EventType, result string)
}

// Ingest results reported to Observer.
const (
	ResultOK      = "ok"
	ResultInvalid = "invalid"
	ResultRetry   = "retry"
)

// Route dispatches one validated envelope to the matching coordinator operation.
// Params: context, coordinator, and envelope.
// Returns: coordinator error; unknown types are invalid.
func Route(ctx context.Context, coordinator Coordinator, envelope domain.Envelope) error {
	switch envelope.Type {
	case domain.EventAlertEmitted:
		return coordinator.AlertEmitted(ctx, envelope.AlertEmitted())
	case domain.EventAcknowledgementTimeout:
		return coordinator.AcknowledgementTimeout(ctx, envelope.AcknowledgementTimeout())
	case domain.EventAcknowledge:
		_, _, err := coordinator.Acknowledge(ctx, envelope.ServiceID)
		return err
	case domain.EventMarkHealthy:
		return coordinator.MarkHealthy(ctx, envelope.ServiceID)
	case domain.EventPolicyChanged:
		return coordinator.PolicyChanged(ctx, *envelope.Policy)
	case domain.EventPolicyDeleted:
		return coordinator.PolicyDeleted(ctx, *envelope.Policy)
	default:
		return fmt.Errorf("%w: unsupported type %q", escalation.ErrInvalidEvent, envelope.Type)
	}
}

// Classify maps a routing error to an ingest result. Invalid events are
// dropped; everything else, including missing policies, asks for redelivery.
func Classify(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, escalation.ErrInvalidEvent):
		return ResultInvalid
	default:
		return ResultRetry
	}
}

type nopObserver struct{}

func (nopObserver) Ingested(string, domain.EventType, string) {}
