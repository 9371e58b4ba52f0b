package ingest

import (
	"io"
	"log/slog"
	"net/http"
)

// HTTPHandler decodes JSON envelopes and routes them to the coordinator.
// Params: coordinator receives validated events, max body limits payload size.
// Returns: HTTP handler for ingest endpoint.
type HTTPHandler struct {
	coordinator Coordinator
	observer    Observer
	logger      *slog.Logger
	maxBodySize int64
}

// NewHTTPHandler creates ingest HTTP handler.
// Params: coordinator, optional observer and logger, max request body size in bytes.
// Returns: configured handler.
func NewHTTPHandler(coordinator Coordinator, observer Observer, logger *slog.Logger, maxBodySize int64) *HTTPHandler {
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{coordinator: coordinator, observer: observer, logger: logger, maxBodySize: maxBodySize}
}

// ServeHTTP handles one incoming envelope or batch.
// Params: HTTP request/response writer pair.
// Returns: 202 when every envelope was handled, 400 on malformed JSON,
// 422 on a rejected event, 503 when the sender should retry.
// Envelopes are handled in order; processing stops at the first failure.
func (h *HTTPHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	request.Body = http.MaxBytesReader(writer, request.Body, h.maxBodySize)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}

	scratch := acquireDecodeScratch()
	defer releaseDecodeScratch(scratch)
	envelopes, err := decodePayloadInto(body, scratch)
	if err != nil {
		h.logger.Debug("http ingest decode failed", "error", err.Error())
		http.Error(writer, err.Error(), http.StatusBadRequest)
		return
	}

	for _, envelope := range envelopes {
		routeErr := Route(request.Context(), h.coordinator, envelope)
		result := Classify(routeErr)
		h.observer.Ingested("http", envelope.Type, result)
		switch result {
		case ResultInvalid:
			http.Error(writer, routeErr.Error(), http.StatusUnprocessableEntity)
			return
		case ResultRetry:
			h.logger.Warn("http ingest route failed",
				"type", envelope.Type,
				"service_id", envelope.ServiceID,
				"error", routeErr.Error(),
			)
			http.Error(writer, routeErr.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	writer.WriteHeader(http.StatusAccepted)
}
