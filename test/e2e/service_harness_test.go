package e2e

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"escalation/internal/app"
	"escalation/internal/clock"
	"escalation/internal/config"
	"escalation/test/testutil"
)

const (
	serviceReadyTimeout = 8 * time.Second
	serviceStopTimeout  = 8 * time.Second
)

// startService boots the full service from a generated config file and
// returns its HTTP port once /readyz answers. Shutdown is registered on t.
func startService(t *testing.T, opts e2eConfigOptions) int {
	t.Helper()
	if opts.Port == 0 {
		port, err := testutil.FreePort()
		if err != nil {
			t.Fatalf("free port: %v", err)
		}
		opts.Port = port
	}

	source, err := config.FromCLI(writeE2EConfig(t, e2eConfig(opts)), "")
	if err != nil {
		t.Fatalf("config source: %v", err)
	}
	service, err := app.NewService(source, clock.RealClock{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- service.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("service run: %v", err)
			}
		case <-time.After(serviceStopTimeout):
			t.Errorf("service still running %s after cancel", serviceStopTimeout)
		}
	})

	readyURL := fmt.Sprintf("http://127.0.0.1:%d/readyz", opts.Port)
	waitFor(t, serviceReadyTimeout, func() bool {
		response, err := http.Get(readyURL)
		if err != nil {
			return false
		}
		_ = response.Body.Close()
		return response.StatusCode == http.StatusOK
	})
	return opts.Port
}

// waitFor polls cond every 20ms and fails the test after timeout.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	expired := time.After(timeout)
	for !cond() {
		select {
		case <-expired:
			t.Fatalf("condition not met within %s", timeout)
		case <-ticker.C:
		}
	}
}

// postJSON sends body to the service and returns status and response text.
func postJSON(t *testing.T, port int, method, path, body string) (int, string) {
	t.Helper()
	request, err := http.NewRequest(method, fmt.Sprintf("http://127.0.0.1:%d%s", port, path), strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("read %s %s response: %v", method, path, err)
	}
	return response.StatusCode, string(payload)
}

func containsAll(body string, fragments ...string) bool {
	for _, fragment := range fragments {
		if !strings.Contains(body, fragment) {
			return false
		}
	}
	return true
}
