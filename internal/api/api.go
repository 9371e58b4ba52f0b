// Package api exposes the operator HTTP surface: alert state, acknowledge,
// recovery, and policy management, next to health, readiness, metrics, and
// event ingest endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"escalation/internal/domain"
	"escalation/internal/escalation"
)

// Coordinator is the subset of escalation operations used by operators.
type Coordinator interface {
	AlertEmitted(ctx context.Context, event domain.AlertEmitted) error
	Acknowledge(ctx context.Context, serviceID string) (domain.AlertState, bool, error)
	MarkHealthy(ctx context.Context, serviceID string) error
	PolicyChanged(ctx context.Context, policy domain.EscalationPolicy) error
	PolicyDeleted(ctx context.Context, policy domain.EscalationPolicy) error
	GetServiceState(ctx context.Context, serviceID string) (domain.AlertState, bool, error)
	GetPolicy(ctx context.Context, serviceID string) (domain.EscalationPolicy, bool, error)
}

// Options wires router endpoints.
// Params: paths from HTTP config, coordinator, optional metrics/ingest handlers, and readiness probe.
// Returns: router construction input.
type Options struct {
	HealthPath   string
	ReadyPath    string
	MetricsPath  string
	APIPrefix    string
	IngestPath   string
	MaxBodyBytes int64

	Coordinator Coordinator
	Metrics     http.Handler
	Ingest      http.Handler
	Ready       func() bool
	Logger      *slog.Logger
}

type server struct {
	coordinator  Coordinator
	logger       *slog.Logger
	maxBodyBytes int64
}

// NewRouter builds the HTTP router.
// Params: router options.
// Returns: configured gorilla/mux router.
func NewRouter(opts Options) *mux.Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	s := &server{coordinator: opts.Coordinator, logger: logger, maxBodyBytes: maxBody}

	router := mux.NewRouter()
	router.Use(s.accessLog)

	router.HandleFunc(opts.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	router.HandleFunc(opts.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
		if opts.Ready != nil && !opts.Ready() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	}).Methods(http.MethodGet)
	if opts.Metrics != nil && opts.MetricsPath != "" {
		router.Handle(opts.MetricsPath, opts.Metrics).Methods(http.MethodGet)
	}
	if opts.Ingest != nil && opts.IngestPath != "" {
		router.Handle(opts.IngestPath, opts.Ingest)
	}

	if opts.Coordinator == nil {
		return router
	}
	prefix := "/" + strings.Trim(opts.APIPrefix, "/")
	if prefix == "/" {
		prefix = ""
	}
	v1 := router.PathPrefix(prefix).Subrouter()
	v1.HandleFunc("/services/{id}/state", s.getState).Methods(http.MethodGet)
	v1.HandleFunc("/services/{id}/alerts", s.emitAlert).Methods(http.MethodPost)
	v1.HandleFunc("/services/{id}/acknowledge", s.acknowledge).Methods(http.MethodPost)
	v1.HandleFunc("/services/{id}/healthy", s.markHealthy).Methods(http.MethodPost)
	v1.HandleFunc("/policies/{id}", s.getPolicy).Methods(http.MethodGet)
	v1.HandleFunc("/policies/{id}", s.putPolicy).Methods(http.MethodPut)
	v1.HandleFunc("/policies/{id}", s.deletePolicy).Methods(http.MethodDelete)
	return router
}

func (s *server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: writer, status: http.StatusOK}
		next.ServeHTTP(recorder, request)
		s.logger.Debug("http request",
			"method", request.Method,
			"path", request.URL.Path,
			"status", recorder.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *server) getState(writer http.ResponseWriter, request *http.Request) {
	serviceID := mux.Vars(request)["id"]
	current, found, err := s.coordinator.GetServiceState(request.Context(), serviceID)
	if err != nil {
		s.writeError(writer, err)
		return
	}
	if !found {
		writeJSON(writer, http.StatusOK, stateResponse{ServiceID: serviceID, Healthy: true})
		return
	}
	writeJSON(writer, http.StatusOK, stateResponse{ServiceID: serviceID, State: &current})
}

type alertRequest struct {
	AlertID string `json:"alert_id"`
	Message string `json:"message"`
}

func (s *server) emitAlert(writer http.ResponseWriter, request *http.Request) {
	var body alertRequest
	if err := s.decodeBody(writer, request, &body); err != nil {
		writeJSON(writer, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	event := domain.AlertEmitted{ServiceID: mux.Vars(request)["id"], AlertID: body.AlertID, Message: body.Message}
	if err := s.coordinator.AlertEmitted(request.Context(), event); err != nil {
		s.writeError(writer, err)
		return
	}
	writer.WriteHeader(http.StatusAccepted)
}

func (s *server) acknowledge(writer http.ResponseWriter, request *http.Request) {
	serviceID := mux.Vars(request)["id"]
	acknowledged, found, err := s.coordinator.Acknowledge(request.Context(), serviceID)
	if err != nil {
		s.writeError(writer, err)
		return
	}
	if !found {
		writeJSON(writer, http.StatusNotFound, errorResponse{Error: "no open alert for service " + serviceID})
		return
	}
	writeJSON(writer, http.StatusOK, stateResponse{ServiceID: serviceID, State: &acknowledged})
}

func (s *server) markHealthy(writer http.ResponseWriter, request *http.Request) {
	if err := s.coordinator.MarkHealthy(request.Context(), mux.Vars(request)["id"]); err != nil {
		s.writeError(writer, err)
		return
	}
	writer.WriteHeader(http.StatusNoContent)
}

func (s *server) getPolicy(writer http.ResponseWriter, request *http.Request) {
	serviceID := mux.Vars(request)["id"]
	document, found, err := s.coordinator.GetPolicy(request.Context(), serviceID)
	if err != nil {
		s.writeError(writer, err)
		return
	}
	if !found {
		writeJSON(writer, http.StatusNotFound, errorResponse{Error: "no policy for service " + serviceID})
		return
	}
	writeJSON(writer, http.StatusOK, document)
}

// putPolicy stores the document; the path service ID wins over the body.
func (s *server) putPolicy(writer http.ResponseWriter, request *http.Request) {
	var document domain.EscalationPolicy
	if err := s.decodeBody(writer, request, &document); err != nil {
		writeJSON(writer, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	serviceID := mux.Vars(request)["id"]
	if document.ServiceID != "" && strings.TrimSpace(document.ServiceID) != serviceID {
		writeJSON(writer, http.StatusBadRequest, errorResponse{Error: "policy service_id does not match path"})
		return
	}
	document.ServiceID = serviceID
	if err := s.coordinator.PolicyChanged(request.Context(), document); err != nil {
		s.writeError(writer, err)
		return
	}
	writer.WriteHeader(http.StatusNoContent)
}

func (s *server) deletePolicy(writer http.ResponseWriter, request *http.Request) {
	document := domain.EscalationPolicy{ServiceID: mux.Vars(request)["id"]}
	if err := s.coordinator.PolicyDeleted(request.Context(), document); err != nil {
		s.writeError(writer, err)
		return
	}
	writer.WriteHeader(http.StatusNoContent)
}

func (s *server) decodeBody(writer http.ResponseWriter, request *http.Request, target any) error {
	request.Body = http.MaxBytesReader(writer, request.Body, s.maxBodyBytes)
	defer request.Body.Close()
	decoder := json.NewDecoder(request.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return err
	}
	return nil
}

// writeError maps coordinator errors to status codes.
func (s *server) writeError(writer http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, escalation.ErrInvalidEvent):
		status = http.StatusUnprocessableEntity
	case escalation.IsPolicyError(err):
		status = http.StatusConflict
	case errors.Is(err, escalation.ErrTransient):
		status = http.StatusServiceUnavailable
	default:
		s.logger.Error("operator request failed", "error", err.Error())
	}
	writeJSON(writer, status, errorResponse{Error: err.Error()})
}

type stateResponse struct {
	ServiceID string             `json:"service_id"`
	Healthy   bool               `json:"healthy"`
	State     *domain.AlertState `json:"state,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(writer http.ResponseWriter, status int, body any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(body)
}
