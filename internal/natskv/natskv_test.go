package natskv

import (
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
)

func TestEncodeDecodeKey(t *testing.T) {
	t.Parallel()

	for _, serviceID := range []string{"checkout", "team a/billing", "svc:*>", "юникод"} {
		key := EncodeKey(serviceID)
		for _, r := range key {
			valid := r == '-' || r == '_' || r == '.' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
			if !valid {
				t.Fatalf("key %q has invalid rune %q", key, r)
			}
		}
		decoded, err := DecodeKey(key)
		if err != nil {
			t.Fatalf("decode key: %v", err)
		}
		if decoded != serviceID {
			t.Fatalf("roundtrip mismatch: %q != %q", decoded, serviceID)
		}
	}
	if _, err := DecodeKey("foreign"); err == nil {
		t.Fatalf("expected error for foreign key")
	}
}

func TestKeyFromSubject(t *testing.T) {
	t.Parallel()

	key := KeyFromSubject("timer", "$KV.timer.k.abc")
	if key != "k.abc" {
		t.Fatalf("unexpected key %q", key)
	}
	if out := KeyFromSubject("timer", "$KV.other.k.abc"); out != "" {
		t.Fatalf("expected empty key, got %q", out)
	}
}

func TestIsRevisionConflict(t *testing.T) {
	t.Parallel()

	if !IsRevisionConflict(nats.ErrKeyExists) {
		t.Fatalf("key exists must be a conflict")
	}
	if !IsRevisionConflict(errors.New("nats: wrong last sequence: 4")) {
		t.Fatalf("wrong last sequence must be a conflict")
	}
	if IsRevisionConflict(errors.New("timeout")) || IsRevisionConflict(nil) {
		t.Fatalf("unexpected conflict classification")
	}
}
