package testutil

import (
	"bytes"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	natsReadyTimeout = 8 * time.Second
	natsStopGrace    = 5 * time.Second
)

// FreePort asks the kernel for an unused loopback port.
func FreePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := listener.Addr().(*net.TCPAddr).Port
	return port, listener.Close()
}

// natsProcess is one nats-server child owned by a test.
type natsProcess struct {
	cmd    *exec.Cmd
	output bytes.Buffer
	exited chan struct{}
	once   sync.Once
}

func (p *natsProcess) start() error {
	p.cmd.Stdout = &p.output
	p.cmd.Stderr = &p.output
	if err := p.cmd.Start(); err != nil {
		return err
	}
	p.exited = make(chan struct{})
	go func() {
		_ = p.cmd.Wait()
		close(p.exited)
	}()
	return nil
}

func (p *natsProcess) stop() {
	p.once.Do(func() {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-p.exited:
		case <-time.After(natsStopGrace):
			_ = p.cmd.Process.Kill()
			<-p.exited
		}
	})
}

// StartLocalNATSServer runs a throwaway JetStream-enabled nats-server.
// The test is skipped under -short or when the binary is missing. Timer
// tests rely on per-message TTL, which needs nats-server 2.11+.
// Returns the client URL and an idempotent stop func that is also
// registered with tb.Cleanup.
func StartLocalNATSServer(tb testing.TB) (string, func()) {
	tb.Helper()
	if testing.Short() {
		tb.Skip("nats integration test skipped in -short mode")
	}
	if _, err := exec.LookPath("nats-server"); err != nil {
		tb.Skipf("nats-server binary not found: %v", err)
	}

	port, err := FreePort()
	if err != nil {
		tb.Fatalf("free port: %v", err)
	}
	proc := &natsProcess{
		cmd: exec.Command("nats-server", "-js", "-a", "127.0.0.1", "-p", strconv.Itoa(port), "-sd", tb.TempDir()),
	}
	if err := proc.start(); err != nil {
		tb.Fatalf("start nats-server: %v", err)
	}
	tb.Cleanup(proc.stop)

	url := "nats://127.0.0.1:" + strconv.Itoa(port)
	if !natsReachable(url, natsReadyTimeout, proc.exited) {
		proc.stop()
		tb.Fatalf("nats-server at %s not ready:\n%s", url, proc.output.String())
	}
	return url, proc.stop
}

// WaitForNATSReady fails the test unless url accepts a client within timeout.
func WaitForNATSReady(tb testing.TB, url string, timeout time.Duration) {
	tb.Helper()
	if !natsReachable(url, timeout, nil) {
		tb.Fatalf("nats did not become ready at %s", url)
	}
}

// natsReachable polls url until it connects, the deadline passes, or exited closes.
func natsReachable(url string, timeout time.Duration, exited <-chan struct{}) bool {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(timeout)
	for {
		if nc, err := nats.Connect(url, nats.Timeout(250*time.Millisecond)); err == nil {
			nc.Close()
			return true
		}
		select {
		case <-exited:
			return false
		case <-deadline:
			return false
		case <-ticker.C:
		}
	}
}
