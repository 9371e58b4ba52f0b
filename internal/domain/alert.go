package domain

import "time"

// AlertState is the persisted escalation record of one unhealthy service.
// Params: occurrence identity, escalation progress, ack flag, and CAS version.
// Returns: state model shared by stores, coordinator, and operator API.
type AlertState struct {
	ID              string     `json:"id"`
	ServiceID       string     `json:"service_id"`
	EscalationLevel int        `json:"escalation_level"`
	Acknowledged    bool       `json:"acknowledged"`
	AlertMessage    string     `json:"alert_message"`
	Version         uint64     `json:"version"`
	RaisedAt        time.Time  `json:"raised_at"`
	EscalatedAt     *time.Time `json:"escalated_at,omitempty"`
	AcknowledgedAt  *time.Time `json:"acknowledged_at,omitempty"`
}

// NewAlertState builds a fresh level-0 occurrence for one service.
// Params: service ID, triggering alert ID, message, and raise time.
// Returns: unsaved state with version 0.
func NewAlertState(serviceID, alertID, message string, raisedAt time.Time) AlertState {
	return AlertState{
		ID:              alertID,
		ServiceID:       serviceID,
		EscalationLevel: 0,
		Acknowledged:    false,
		AlertMessage:    message,
		RaisedAt:        raisedAt,
	}
}

// Notification is one channel-tagged delivery request produced per escalation step.
// Params: channel, recipients of one target, and message text.
// Returns: transient payload for the dispatcher; never persisted.
type Notification struct {
	Channel    Channel  `json:"channel"`
	Recipients []string `json:"recipients"`
	Message    string   `json:"message"`
	ServiceID  string   `json:"service_id"`
	AlertID    string   `json:"alert_id"`
	Level      int      `json:"level"`
	Target     string   `json:"target,omitempty"`
}

// TimerPayload travels with an armed timer and comes back on expiry.
// Params: alert occurrence ID and message.
// Returns: opaque timer metadata for stale-timer detection.
type TimerPayload struct {
	AlertID string `json:"alert_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// TimerRequest asks the timer facility for one delayed wake-up per service.
// Params: service ID as timer identity, delay, and payload.
// Returns: timer arm request.
type TimerRequest struct {
	ServiceID string
	Delay     time.Duration
	Payload   TimerPayload
}
