package e2e

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// e2eConfigOptions controls the generated service config.
type e2eConfigOptions struct {
	Port              int
	NATSURL           string
	GatewayURL        string
	EscalationTimeout int
	NotifyQueue       bool
}

// e2eConfig builds service config with one two-level SMS policy for "checkout".
// Params: config options; empty NATS URL selects single mode.
// Returns: TOML document.
func e2eConfig(opts e2eConfigOptions) string {
	var b strings.Builder
	mode := "single"
	if opts.NATSURL != "" {
		mode = "nats"
	}
	timeoutMS := opts.EscalationTimeout
	if timeoutMS <= 0 {
		timeoutMS = 200
	}
	fmt.Fprintf(&b, `
[service]
name = "escalation-e2e"
mode = %q
escalation_timeout_ms = %d
reconcile_interval_sec = 1

[log.console]
enabled = true
level = "error"
format = "line"

[http]
listen = "127.0.0.1:%d"
ingest_enabled = true
`, mode, timeoutMS, opts.Port)

	if opts.NATSURL != "" {
		fmt.Fprintf(&b, `
[nats]
url = [%q]

[nats.ingest]
enabled = true
ack_wait_sec = 5
nack_delay_ms = 50
max_deliver = 5
`, opts.NATSURL)
	}
	if opts.NotifyQueue {
		b.WriteString(`
[notify.queue]
enabled = true
ack_wait_sec = 5
nack_delay_ms = 50
max_deliver = 3
dlq = true
`)
	}
	fmt.Fprintf(&b, `
[notify.sms]
enabled = true
url = %q
message_template = "{{ level .Level }} {{ .ServiceID }}: {{ .Message }}"

[[policy.seed]]
service_id = "checkout"

[[policy.seed.levels]]
order = 0

[[policy.seed.levels.targets]]
type = "sms"
addresses = ["+100"]

[[policy.seed.levels]]
order = 1

[[policy.seed.levels.targets]]
type = "sms"
addresses = ["+200"]
`, opts.GatewayURL)
	return b.String()
}

// writeE2EConfig writes config document into test temp dir.
// Params: test handle and TOML body.
// Returns: config file path.
func writeE2EConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "escalation.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
