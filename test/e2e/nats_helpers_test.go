package e2e

import (
	"testing"

	"github.com/nats-io/nats.go"

	"escalation/internal/natskv"
)

const e2eEventsSubject = "escalation.events"

// publishEnvelope stores one JSON envelope in the ingest stream and waits for the JetStream ack.
func publishEnvelope(tb testing.TB, url, body string) {
	tb.Helper()

	nc, js, err := natskv.Connect([]string{url}, "escalation-e2e-publisher")
	if err != nil {
		tb.Fatalf("connect nats: %v", err)
	}
	defer nc.Close()
	msg := nats.NewMsg(e2eEventsSubject)
	msg.Data = []byte(body)
	ack, err := js.PublishMsg(msg)
	if err != nil {
		tb.Fatalf("publish envelope: %v", err)
	}
	if ack.Stream == "" {
		tb.Fatalf("publish envelope: empty stream in ack")
	}
}
