package policy

import (
	"testing"

	"escalation/internal/config"
	"escalation/test/testutil"
)

func TestNATSStorePolicyLifecycleIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skip integration test in short mode")
	}

	url, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	store, err := NewNATSStore(config.NATSStateConfig{
		URL:                []string{url},
		PolicyBucket:       "policy_test",
		AllowCreateBuckets: true,
	})
	if err != nil {
		t.Fatalf("new nats store: %v", err)
	}
	defer store.Close()

	runPolicyLifecycle(t, store)
}
