// Package timer provides one-shot per-service acknowledgement timers.
package timer

import (
	"context"

	"escalation/internal/domain"
)

// Handler receives expired timers.
// Params: context and timeout event (payload may be nil when backend cannot carry it).
// Returns: error to request redelivery.
type Handler func(ctx context.Context, expired domain.AcknowledgementTimeout) error

// Facility schedules at most one pending timer per service.
// Params: arm replaces any pending timer of the same service; cancel is best-effort.
// Returns: scheduling behavior.
type Facility interface {
	Arm(ctx context.Context, req domain.TimerRequest) error
	Cancel(ctx context.Context, serviceID string) error
	Armed(ctx context.Context, serviceID string) (bool, error)
	Close() error
}
