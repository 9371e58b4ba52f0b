package escalation

import "time"

// Transition kinds reported to Recorder.
const (
	TransitionRaised       = "raised"
	TransitionEscalated    = "escalated"
	TransitionSuppressed   = "suppressed"
	TransitionAcknowledged = "acknowledged"
	TransitionResolved     = "resolved"
	TransitionRearmed      = "rearmed"
)

// Stale timer reasons reported to Recorder.
const (
	StaleAbsent       = "absent"
	StaleAcknowledged = "acknowledged"
	StaleSuperseded   = "superseded"
)

// Recorder observes coordinator outcomes; metrics implement it.
type Recorder interface {
	Transition(kind string)
	StaleTimer(reason string)
	Conflict(operation string)
	PolicyError(kind string)
	PartialDelivery(failed int)
	StepDuration(operation string, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) Transition(string)                  {}
func (nopRecorder) StaleTimer(string)                  {}
func (nopRecorder) Conflict(string)                    {}
func (nopRecorder) PolicyError(string)                 {}
func (nopRecorder) PartialDelivery(int)                {}
func (nopRecorder) StepDuration(string, time.Duration) {}
