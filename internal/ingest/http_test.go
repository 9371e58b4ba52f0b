package ingest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"escalation/internal/escalation"
)

func TestHTTPHandlerAcceptsSingleEnvelope(t *testing.T) {
	t.Parallel()

	coordinator := &fakeCoordinator{}
	observer := &countingObserver{}
	handler := NewHTTPHandler(coordinator, observer, nil, 1<<20)
	request := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(`{"type":"alert_emitted","service_id":"svc","alert_id":"a1"}`))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, response.Code)
	}
	if ops := coordinator.ops(); len(ops) != 1 || ops[0] != "alert_emitted" {
		t.Fatalf("unexpected coordinator calls: %v", ops)
	}
	if observer.get("http/alert_emitted/ok") != 1 {
		t.Fatalf("expected observed ok result")
	}
}

func TestHTTPHandlerAcceptsBatch(t *testing.T) {
	t.Parallel()

	coordinator := &fakeCoordinator{}
	handler := NewHTTPHandler(coordinator, nil, nil, 1<<20)
	body := `[{"type":"alert_emitted","service_id":"svc"},{"type":"acknowledge","service_id":"svc"},{"type":"mark_healthy","service_id":"svc"}]`
	request := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(body))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, response.Code)
	}
	if ops := coordinator.ops(); len(ops) != 3 {
		t.Fatalf("expected three calls, got %v", ops)
	}
}

func TestHTTPHandlerStatusMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		method string
		body   string
		errs   map[string]error
		want   int
	}{
		{name: "method", method: http.MethodGet, want: http.StatusMethodNotAllowed},
		{name: "malformed", method: http.MethodPost, body: `{"type":`, want: http.StatusBadRequest},
		{name: "missing service", method: http.MethodPost, body: `{"type":"acknowledge"}`, want: http.StatusBadRequest},
		{
			name:   "invalid event",
			method: http.MethodPost,
			body:   `{"type":"policy_changed","policy":{"service_id":"svc","levels":[]}}`,
			errs:   map[string]error{"policy_changed": escalation.ErrInvalidEvent},
			want:   http.StatusUnprocessableEntity,
		},
		{
			name:   "policy missing",
			method: http.MethodPost,
			body:   `{"type":"alert_emitted","service_id":"svc"}`,
			errs:   map[string]error{"alert_emitted": escalation.ErrPolicyMissing},
			want:   http.StatusServiceUnavailable,
		},
		{
			name:   "transient",
			method: http.MethodPost,
			body:   `{"type":"acknowledgement_timeout","service_id":"svc"}`,
			errs:   map[string]error{"acknowledgement_timeout": escalation.ErrTransient},
			want:   http.StatusServiceUnavailable,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			handler := NewHTTPHandler(&fakeCoordinator{errs: tc.errs}, nil, nil, 1<<20)
			request := httptest.NewRequest(tc.method, "/ingest", strings.NewReader(tc.body))
			response := httptest.NewRecorder()
			handler.ServeHTTP(response, request)
			if response.Code != tc.want {
				t.Fatalf("expected status %d, got %d", tc.want, response.Code)
			}
		})
	}
}

func TestHTTPHandlerStopsBatchAtFirstFailure(t *testing.T) {
	t.Parallel()

	coordinator := &fakeCoordinator{errs: map[string]error{"acknowledge": escalation.ErrTransient}}
	handler := NewHTTPHandler(coordinator, nil, nil, 1<<20)
	body := `[{"type":"acknowledge","service_id":"svc"},{"type":"mark_healthy","service_id":"svc"}]`
	request := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(body))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, response.Code)
	}
	if ops := coordinator.ops(); len(ops) != 1 {
		t.Fatalf("batch must stop after failure, got %v", ops)
	}
}

func TestHTTPHandlerRejectsOversizedBody(t *testing.T) {
	t.Parallel()

	handler := NewHTTPHandler(&fakeCoordinator{}, nil, nil, 8)
	request := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(`{"type":"acknowledge","service_id":"svc"}`))
	response := httptest.NewRecorder()
	handler.ServeHTTP(response, request)
	if response.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, response.Code)
	}
}
