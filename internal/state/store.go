package state

import (
	"context"
	"errors"
	"time"

	"escalation/internal/domain"
)

var (
	// ErrNotFound indicates absent state for service.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates version mismatch for CAS save.
	ErrConflict = errors.New("version conflict")
)

// Store provides alert state persistence keyed by service ID.
// Params: versioned read/write operations; at most one state per service.
// Returns: backend persistence behavior.
type Store interface {
	// Get returns current state or ErrNotFound.
	Get(ctx context.Context, serviceID string) (domain.AlertState, error)
	// Save writes state when stored version equals state.Version (0 means absent)
	// and the stored occurrence has the same ID. Versions never repeat for a
	// service, including across Delete. Returns the saved state or ErrConflict.
	Save(ctx context.Context, state domain.AlertState) (domain.AlertState, error)
	// Delete removes state; absent state is not an error.
	Delete(ctx context.Context, serviceID string) error
	// MarkAcknowledged atomically sets the acknowledged flag, keeping the first ack time.
	MarkAcknowledged(ctx context.Context, serviceID string, at time.Time) (domain.AlertState, error)
	// List returns every stored state.
	List(ctx context.Context) ([]domain.AlertState, error)
	Close() error
}

// acknowledge applies acknowledgement to a loaded state copy.
// Params: current state and ack time.
// Returns: updated state and whether anything changed.
func acknowledge(current domain.AlertState, at time.Time) (domain.AlertState, bool) {
	if current.Acknowledged {
		return current, false
	}
	current.Acknowledged = true
	ackAt := at
	current.AcknowledgedAt = &ackAt
	return current, true
}

// checkWrite validates a CAS write against the stored record.
// Params: stored state, whether it exists, and the candidate.
// Returns: ErrConflict when the candidate was computed from another version or occurrence.
func checkWrite(current domain.AlertState, found bool, next domain.AlertState) error {
	if !found {
		if next.Version != 0 {
			return ErrConflict
		}
		return nil
	}
	if current.Version != next.Version || current.ID != next.ID {
		return ErrConflict
	}
	return nil
}
