package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"escalation/internal/config"
	"escalation/internal/domain"
	"escalation/internal/permanent"

	"github.com/sony/gobreaker"
)

// breakerSender guards one channel sender with a circuit breaker.
// While open, sends fail fast with a permanent error so retries do not spin.
type breakerSender struct {
	next    Sender
	breaker *gobreaker.CircuitBreaker
}

// WithBreaker wraps sender with circuit breaker when enabled.
// Params: sender, breaker settings, and logger for state changes.
// Returns: guarded sender or original sender when breaker is disabled.
func WithBreaker(sender Sender, cfg config.BreakerConfig, logger *slog.Logger) Sender {
	if !cfg.Enabled {
		return sender
	}
	threshold := cfg.FailureThreshold
	settings := gobreaker.Settings{
		Name:        "notify." + string(sender.Channel()),
		MaxRequests: cfg.MaxRequests,
		Interval:    time.Duration(cfg.IntervalSec) * time.Second,
		Timeout:     time.Duration(cfg.OpenTimeoutSec) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warn("notify circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			}
		},
	}
	return &breakerSender{next: sender, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (s *breakerSender) Channel() domain.Channel {
	return s.next.Channel()
}

func (s *breakerSender) Send(ctx context.Context, notification domain.Notification) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.next.Send(ctx, notification)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return permanent.Mark(fmt.Errorf("channel %s: %w", s.next.Channel(), err))
	}
	return err
}
