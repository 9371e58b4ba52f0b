package escalation

import (
	"errors"

	"escalation/internal/notify"
)

var (
	// ErrTransient asks the event source to redeliver: conflicts were not
	// resolved within the retry budget or a backend call failed.
	ErrTransient = errors.New("transient failure")
	// ErrPolicyMissing indicates no policy exists for a service with an active alert.
	ErrPolicyMissing = errors.New("escalation policy missing")
	// ErrPolicyMalformed indicates the policy cannot select any deliverable target.
	ErrPolicyMalformed = errors.New("escalation policy malformed")
	// ErrInvalidEvent rejects events that can never be processed.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrPartialDelivery is observed on the dispatch report and never returned by a transition.
	ErrPartialDelivery = notify.ErrPartialDelivery
)

// IsPolicyError reports missing or malformed policy failures.
func IsPolicyError(err error) bool {
	return errors.Is(err, ErrPolicyMissing) || errors.Is(err, ErrPolicyMalformed)
}
