package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EventType identifies inbound envelope shape.
// Params: one of event/command constants below.
// Returns: normalized type used by ingest routing.
type EventType string

const (
	// EventAlertEmitted reports a new fault alert for a service.
	EventAlertEmitted EventType = "alert_emitted"
	// EventAcknowledgementTimeout reports an expired escalation timer.
	EventAcknowledgementTimeout EventType = "acknowledgement_timeout"
	// EventPolicyChanged carries a replaced escalation policy document.
	EventPolicyChanged EventType = "policy_changed"
	// EventPolicyDeleted carries a removed escalation policy document.
	EventPolicyDeleted EventType = "policy_deleted"
	// EventAcknowledge is an operator acknowledge command delivered over the bus.
	EventAcknowledge EventType = "acknowledge"
	// EventMarkHealthy is a recovery signal closing the occurrence.
	EventMarkHealthy EventType = "mark_healthy"
)

// AlertEmitted is raised by detection when a service becomes unhealthy.
type AlertEmitted struct {
	ServiceID string
	AlertID   string
	Message   string
}

// AcknowledgementTimeout is delivered by the timer facility on expiry.
// Payload is nil when the facility cannot carry metadata back.
type AcknowledgementTimeout struct {
	ServiceID string
	Payload   *TimerPayload
}

// Envelope is the JSON wire form of every inbound event and bus command.
// Params: type tag plus the fields relevant to that type.
// Returns: decoded envelope for ingest dispatch.
type Envelope struct {
	Type      EventType         `json:"type"`
	ServiceID string            `json:"service_id,omitempty"`
	AlertID   string            `json:"alert_id,omitempty"`
	Message   string            `json:"message,omitempty"`
	Payload   *TimerPayload     `json:"payload,omitempty"`
	Policy    *EscalationPolicy `json:"policy,omitempty"`
}

// DecodeEnvelope decodes and validates one envelope payload.
// Params: JSON document bytes.
// Returns: validated envelope or decode/validation error.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	envelope.Type = EventType(strings.ToLower(strings.TrimSpace(string(envelope.Type))))
	envelope.ServiceID = strings.TrimSpace(envelope.ServiceID)
	if err := envelope.Validate(); err != nil {
		return Envelope{}, err
	}
	return envelope, nil
}

// DecodeEnvelopeReader decodes and validates one envelope from stream.
// Params: JSON decoder positioned at one object.
// Returns: validated envelope or decode/validation error.
func DecodeEnvelopeReader(decoder *json.Decoder) (Envelope, error) {
	var raw json.RawMessage
	if err := decoder.Decode(&raw); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return DecodeEnvelope(raw)
}

// Validate validates one envelope against its type contract.
// Params: envelope fields parsed from transport.
// Returns: validation error when contract is violated.
func (e Envelope) Validate() error {
	switch e.Type {
	case EventAlertEmitted, EventAcknowledgementTimeout, EventAcknowledge, EventMarkHealthy:
		if e.ServiceID == "" {
			return fmt.Errorf("service_id is required for type=%s", e.Type)
		}
	case EventPolicyChanged, EventPolicyDeleted:
		if e.Policy == nil {
			return fmt.Errorf("policy is required for type=%s", e.Type)
		}
		if strings.TrimSpace(e.Policy.ServiceID) == "" {
			return errors.New("policy.service_id is required")
		}
	case "":
		return errors.New("type is required")
	default:
		return fmt.Errorf("unsupported type %q", e.Type)
	}
	return nil
}

// AlertEmitted converts envelope into alert event.
func (e Envelope) AlertEmitted() AlertEmitted {
	return AlertEmitted{ServiceID: e.ServiceID, AlertID: strings.TrimSpace(e.AlertID), Message: e.Message}
}

// AcknowledgementTimeout converts envelope into timer expiry event.
func (e Envelope) AcknowledgementTimeout() AcknowledgementTimeout {
	return AcknowledgementTimeout{ServiceID: e.ServiceID, Payload: e.Payload}
}
