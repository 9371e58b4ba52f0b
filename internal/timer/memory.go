package timer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"escalation/internal/domain"
)

const defaultRetryDelay = time.Second

// MemoryFacility schedules timers with time.AfterFunc inside one process.
// Params: pending timers keyed by service ID and expiry handler.
// Returns: in-process timer facility for single mode.
type MemoryFacility struct {
	mu         sync.Mutex
	pending    map[string]*memoryTimer
	handler    Handler
	retryDelay time.Duration
	logger     *slog.Logger
	closed     bool
	generation uint64
}

type memoryTimer struct {
	timer      *time.Timer
	generation uint64
}

// NewMemoryFacility creates in-memory timer facility.
// Params: logger for handler failures.
// Returns: facility without handler; call Listen before timers fire.
func NewMemoryFacility(logger *slog.Logger) *MemoryFacility {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryFacility{
		pending:    make(map[string]*memoryTimer),
		retryDelay: defaultRetryDelay,
		logger:     logger,
	}
}

// Listen installs expiry handler.
// Params: handler invoked once per expired timer.
// Returns: nil.
func (f *MemoryFacility) Listen(handler Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
	return nil
}

// Arm schedules or replaces the timer of one service.
// Params: timer request with delay and payload.
// Returns: nil (in-memory scheduling).
func (f *MemoryFacility) Arm(_ context.Context, req domain.TimerRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.armLocked(req)
	return nil
}

func (f *MemoryFacility) armLocked(req domain.TimerRequest) {
	if existing, ok := f.pending[req.ServiceID]; ok {
		existing.timer.Stop()
	}
	f.generation++
	generation := f.generation
	payload := req.Payload
	entry := &memoryTimer{generation: generation}
	entry.timer = time.AfterFunc(req.Delay, func() {
		f.fire(req.ServiceID, generation, payload)
	})
	f.pending[req.ServiceID] = entry
}

// fire delivers expiry when the timer was not replaced or cancelled meanwhile.
func (f *MemoryFacility) fire(serviceID string, generation uint64, payload domain.TimerPayload) {
	f.mu.Lock()
	entry, ok := f.pending[serviceID]
	if !ok || entry.generation != generation || f.closed {
		f.mu.Unlock()
		return
	}
	delete(f.pending, serviceID)
	handler := f.handler
	f.mu.Unlock()

	if handler == nil {
		f.logger.Warn("timer expired without handler", "service_id", serviceID)
		return
	}
	event := domain.AcknowledgementTimeout{ServiceID: serviceID, Payload: &payload}
	if err := handler(context.Background(), event); err != nil {
		f.logger.Warn("timer handler failed, retrying", "service_id", serviceID, "error", err, "retry_in", f.retryDelay)
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.closed {
			return
		}
		if _, rearmed := f.pending[serviceID]; rearmed {
			return
		}
		f.armLocked(domain.TimerRequest{ServiceID: serviceID, Delay: f.retryDelay, Payload: payload})
	}
}

// Cancel stops pending timer of one service.
// Params: service ID.
// Returns: nil (absent timer is not an error).
func (f *MemoryFacility) Cancel(_ context.Context, serviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.pending[serviceID]; ok {
		existing.timer.Stop()
		delete(f.pending, serviceID)
	}
	return nil
}

// Armed reports whether service has a pending timer.
// Params: service ID.
// Returns: pending flag.
func (f *MemoryFacility) Armed(_ context.Context, serviceID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.pending[serviceID]
	return ok, nil
}

// Close stops all pending timers.
// Params: none.
// Returns: nil.
func (f *MemoryFacility) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for serviceID, entry := range f.pending {
		entry.timer.Stop()
		delete(f.pending, serviceID)
	}
	return nil
}
