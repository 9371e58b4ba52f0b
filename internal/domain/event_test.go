package domain

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeEnvelopeAlertEmitted(t *testing.T) {
	t.Parallel()

	envelope, err := DecodeEnvelope([]byte(`{"type":"ALERT_EMITTED","service_id":" svc ","alert_id":"a1","message":"502 timeout"}`))
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.Type != EventAlertEmitted {
		t.Fatalf("unexpected type %q", envelope.Type)
	}
	alert := envelope.AlertEmitted()
	if alert.ServiceID != "svc" || alert.AlertID != "a1" || alert.Message != "502 timeout" {
		t.Fatalf("unexpected alert %+v", alert)
	}
}

func TestDecodeEnvelopeReaderPolicyChanged(t *testing.T) {
	t.Parallel()

	payload := `{"type":"policy_changed","policy":{"service_id":"svc","levels":[
		{"order":1,"targets":[{"type":"SMS","phoneNumbers":["+100"]}]},
		{"order":0,"targets":[{"type":"EMAIL","emails":["devops@x"," ","devops@x"]}]}
	]}}`
	envelope, err := DecodeEnvelopeReader(json.NewDecoder(strings.NewReader(payload)))
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	policy := envelope.Policy.Normalize()
	if err := policy.Validate(); err != nil {
		t.Fatalf("validate policy: %v", err)
	}
	if policy.Levels[0].Targets[0].Channel != ChannelEmail {
		t.Fatalf("expected email level first after normalize, got %+v", policy.Levels[0])
	}
	if got := policy.Levels[0].Targets[0].Addresses; len(got) != 1 || got[0] != "devops@x" {
		t.Fatalf("unexpected email addresses %#v", got)
	}
	if got := policy.Levels[1].Targets[0].Addresses; len(got) != 1 || got[0] != "+100" {
		t.Fatalf("unexpected sms addresses %#v", got)
	}
}

func TestEnvelopeValidateRejectsInvalid(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"missing type":       `{"service_id":"svc"}`,
		"unknown type":       `{"type":"bogus","service_id":"svc"}`,
		"missing service":    `{"type":"alert_emitted"}`,
		"missing policy":     `{"type":"policy_deleted"}`,
		"policy no service":  `{"type":"policy_changed","policy":{"levels":[]}}`,
		"unknown channel":    `{"type":"policy_changed","policy":{"service_id":"s","levels":[{"targets":[{"type":"pigeon"}]}]}}`,
		"malformed document": `{"type":`,
	}
	for name, raw := range cases {
		name, raw := name, raw
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if _, err := DecodeEnvelope([]byte(raw)); err == nil {
				t.Fatalf("expected decode error")
			}
		})
	}
}

func TestPolicyClampLevel(t *testing.T) {
	t.Parallel()

	policy := EscalationPolicy{ServiceID: "svc", Levels: []EscalationPolicyLevel{{}, {}}}
	for requested, want := range map[int]int{-1: 0, 0: 0, 1: 1, 2: 1, 10: 1} {
		if got := policy.ClampLevel(requested); got != want {
			t.Fatalf("clamp(%d) = %d, want %d", requested, got, want)
		}
	}
}

func TestPolicyValidateRequiresLevels(t *testing.T) {
	t.Parallel()

	if err := (EscalationPolicy{ServiceID: "svc"}).Validate(); err == nil {
		t.Fatalf("expected error for empty levels")
	}
	if err := (EscalationPolicy{Levels: []EscalationPolicyLevel{{}}}).Validate(); err == nil {
		t.Fatalf("expected error for missing service id")
	}
}

func TestTargetDeliverable(t *testing.T) {
	t.Parallel()

	if (Target{Channel: ChannelEmail, Addresses: []string{" "}}).Deliverable() {
		t.Fatalf("blank addresses must not be deliverable")
	}
	if !(Target{Channel: ChannelSMS, Addresses: []string{"+1"}}).Deliverable() {
		t.Fatalf("expected deliverable target")
	}
}
