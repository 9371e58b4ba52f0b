package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// GatewayMessage is one request captured by RecordingGateway.
type GatewayMessage struct {
	To      string `json:"to"`
	From    string `json:"from"`
	Message string `json:"message"`
}

// RecordingGateway is an HTTP SMS gateway double that records every delivery.
type RecordingGateway struct {
	URL string

	mu       sync.Mutex
	messages []GatewayMessage
	status   int
}

// StartRecordingGateway starts gateway server closed with test cleanup.
// Params: test handle.
// Returns: running gateway answering 200 until SetStatus changes it.
func StartRecordingGateway(tb testing.TB) *RecordingGateway {
	tb.Helper()

	gateway := &RecordingGateway{status: http.StatusOK}
	server := httptest.NewServer(http.HandlerFunc(gateway.serve))
	tb.Cleanup(server.Close)
	gateway.URL = server.URL
	return gateway
}

func (g *RecordingGateway) serve(writer http.ResponseWriter, request *http.Request) {
	var message GatewayMessage
	_ = json.NewDecoder(request.Body).Decode(&message)
	g.mu.Lock()
	status := g.status
	if status < 300 {
		g.messages = append(g.messages, message)
	}
	g.mu.Unlock()
	writer.WriteHeader(status)
}

// SetStatus changes the HTTP status returned to senders; non-2xx requests are not recorded.
func (g *RecordingGateway) SetStatus(status int) {
	g.mu.Lock()
	g.status = status
	g.mu.Unlock()
}

// Recipients lists accepted recipients in arrival order.
func (g *RecordingGateway) Recipients() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.messages))
	for _, message := range g.messages {
		out = append(out, message.To)
	}
	return out
}

// Messages returns a copy of accepted messages.
func (g *RecordingGateway) Messages() []GatewayMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]GatewayMessage(nil), g.messages...)
}
