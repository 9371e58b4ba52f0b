package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	"escalation/internal/config"
	"escalation/internal/domain"
	"escalation/internal/permanent"
	"escalation/internal/templatefmt"
)

// ErrPartialDelivery marks a dispatch where at least one target failed.
var ErrPartialDelivery = errors.New("partial delivery failure")

// Sender delivers one notification through one channel.
// Params: context and notification with recipients and rendered message.
// Returns: transport error when delivery fails.
type Sender interface {
	Channel() domain.Channel
	Send(ctx context.Context, notification domain.Notification) error
}

// Notifier is the fan-out capability used by the coordinator.
// Params: context and notifications of one escalation step.
// Returns: report of per-target outcomes; never fails the whole call.
type Notifier interface {
	Dispatch(ctx context.Context, notifications []domain.Notification) Report
}

// DeliveryObserver receives per-target delivery outcomes.
type DeliveryObserver interface {
	DeliveryOutcome(channel domain.Channel, outcome string, elapsed time.Duration)
}

const (
	// OutcomeDelivered marks successful target delivery.
	OutcomeDelivered = "delivered"
	// OutcomeFailed marks failed target delivery after retries.
	OutcomeFailed = "failed"
	// OutcomeUnconfigured marks target whose channel has no sender.
	OutcomeUnconfigured = "unconfigured"
)

// DeliveryFailure describes one failed target.
type DeliveryFailure struct {
	Notification domain.Notification
	Err          error
}

// Report collects per-target outcomes of one dispatch.
// Params: attempted target count and failures.
// Returns: partial failure summary.
type Report struct {
	Attempted int
	Delivered int
	Failures  []DeliveryFailure
}

// Failed reports whether any target failed.
func (r Report) Failed() bool {
	return len(r.Failures) > 0
}

// Err folds failures into one error wrapping ErrPartialDelivery.
// Params: none.
// Returns: nil when every target succeeded.
func (r Report) Err() error {
	if !r.Failed() {
		return nil
	}
	parts := make([]string, 0, len(r.Failures))
	for _, failure := range r.Failures {
		parts = append(parts, fmt.Sprintf("%s%v: %v", failure.Notification.Channel, failure.Notification.Recipients, failure.Err))
	}
	return fmt.Errorf("%w: %d/%d targets failed: %s", ErrPartialDelivery, len(r.Failures), r.Attempted, strings.Join(parts, "; "))
}

// Dispatcher delivers notifications with per-channel templates, retries, and timeouts.
// Params: sender per channel and retry policy.
// Returns: concurrent fan-out helper for the coordinator and queue workers.
type Dispatcher struct {
	senders   map[domain.Channel]Sender
	retries   map[domain.Channel]config.NotifyRetry
	templates map[domain.Channel]*template.Template
	timeout   time.Duration
	logger    *slog.Logger
	observer  DeliveryObserver
}

// Option customizes dispatcher construction.
type Option func(*Dispatcher)

// WithSender registers or replaces channel sender.
func WithSender(sender Sender) Option {
	return func(d *Dispatcher) {
		d.senders[sender.Channel()] = sender
	}
}

// WithObserver installs delivery outcome observer.
func WithObserver(observer DeliveryObserver) Option {
	return func(d *Dispatcher) {
		d.observer = observer
	}
}

// NewDispatcher builds notification dispatcher from enabled channels.
// Params: notify config, per-target timeout, logger, and options.
// Returns: configured dispatcher or template/sender setup error.
func NewDispatcher(cfg config.NotifyConfig, timeout time.Duration, logger *slog.Logger, opts ...Option) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		senders:   make(map[domain.Channel]Sender),
		retries:   make(map[domain.Channel]config.NotifyRetry),
		templates: make(map[domain.Channel]*template.Template),
		timeout:   timeout,
		logger:    logger,
	}
	for _, channel := range domain.Channels() {
		body := config.NotifyChannelTemplate(cfg, channel)
		if strings.TrimSpace(body) == "" {
			body = "{{ .Message }}"
		}
		compiled, err := templatefmt.ParseNotificationTemplate("notify."+string(channel)+".message_template", body)
		if err != nil {
			return nil, fmt.Errorf("parse %s template: %w", channel, err)
		}
		d.templates[channel] = compiled
		d.retries[channel] = config.NotifyChannelRetry(cfg, channel)
		if !config.NotifyChannelEnabled(cfg, channel) {
			continue
		}
		sender, err := newSenderForChannel(channel, cfg, logger)
		if err != nil {
			return nil, err
		}
		d.senders[channel] = WithBreaker(sender, config.NotifyChannelBreaker(cfg, channel), logger)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// newSenderForChannel builds transport sender implementation for one channel.
// Params: channel tag and full notify config.
// Returns: channel sender or setup error.
func newSenderForChannel(channel domain.Channel, cfg config.NotifyConfig, logger *slog.Logger) (Sender, error) {
	switch channel {
	case domain.ChannelEmail:
		return NewEmailSender(cfg.Email, logger)
	case domain.ChannelSMS:
		return NewSMSSender(cfg.SMS), nil
	case domain.ChannelTelegram:
		return NewTelegramSender(cfg.Telegram)
	default:
		return nil, fmt.Errorf("unsupported notify channel %q", channel)
	}
}

// Channels returns configured channels in deterministic order.
func (d *Dispatcher) Channels() []domain.Channel {
	out := make([]domain.Channel, 0, len(d.senders))
	for channel := range d.senders {
		out = append(out, channel)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Dispatch delivers notifications concurrently, one goroutine per target.
// Params: context and notifications of one escalation step.
// Returns: report of outcomes; failures of one target never affect others.
func (d *Dispatcher) Dispatch(ctx context.Context, notifications []domain.Notification) Report {
	report := Report{Attempted: len(notifications)}
	if len(notifications) == 0 {
		return report
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, notification := range notifications {
		wg.Add(1)
		go func(notification domain.Notification) {
			defer wg.Done()
			err := d.Deliver(ctx, notification)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failures = append(report.Failures, DeliveryFailure{Notification: notification, Err: err})
				return
			}
			report.Delivered++
		}(notification)
	}
	wg.Wait()

	sort.SliceStable(report.Failures, func(i, j int) bool {
		return report.Failures[i].Notification.Channel < report.Failures[j].Notification.Channel
	})
	return report
}

// Deliver renders and sends one notification with timeout and retry policy.
// Params: context and one target notification.
// Returns: final delivery error; unknown channels and render failures are permanent.
func (d *Dispatcher) Deliver(ctx context.Context, notification domain.Notification) error {
	started := time.Now()
	sender, ok := d.senders[notification.Channel]
	if !ok {
		d.observe(notification.Channel, OutcomeUnconfigured, started)
		return permanent.Mark(fmt.Errorf("notify channel %q is not configured", notification.Channel))
	}
	rendered, err := d.render(notification)
	if err != nil {
		d.observe(notification.Channel, OutcomeFailed, started)
		return permanent.Mark(err)
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	if err := d.sendWithRetry(ctx, sender, rendered, d.retries[notification.Channel]); err != nil {
		d.observe(notification.Channel, OutcomeFailed, started)
		d.logger.Warn("notification delivery failed",
			"channel", notification.Channel,
			"service_id", notification.ServiceID,
			"alert_id", notification.AlertID,
			"level", notification.Level,
			"error", err.Error(),
		)
		return err
	}
	d.observe(notification.Channel, OutcomeDelivered, started)
	return nil
}

func (d *Dispatcher) observe(channel domain.Channel, outcome string, started time.Time) {
	if d.observer != nil {
		d.observer.DeliveryOutcome(channel, outcome, time.Since(started))
	}
}

// render applies channel template to notification.
// Params: notification with raw alert message.
// Returns: copy with rendered message.
func (d *Dispatcher) render(notification domain.Notification) (domain.Notification, error) {
	compiled, ok := d.templates[notification.Channel]
	if !ok {
		return notification, nil
	}
	var rendered strings.Builder
	if err := compiled.Execute(&rendered, notification); err != nil {
		return domain.Notification{}, fmt.Errorf("render notify template for channel %q: %w", notification.Channel, err)
	}
	out := notification
	out.Message = rendered.String()
	return out, nil
}

// sendWithRetry sends one notification with channel-specific retry policy.
// Params: sender, payload, and retry policy for the sender channel.
// Returns: final error after retries; permanent errors stop immediately.
func (d *Dispatcher) sendWithRetry(ctx context.Context, sender Sender, notification domain.Notification, retry config.NotifyRetry) error {
	if !retry.Enabled {
		return sender.Send(ctx, notification)
	}

	attempt := 0
	backoff := time.Duration(retry.InitialMS) * time.Millisecond
	maxBackoff := time.Duration(retry.MaxMS) * time.Millisecond
	timer := time.NewTimer(time.Hour)
	stopTimer(timer)
	defer stopTimer(timer)

	for {
		attempt++
		err := sender.Send(ctx, notification)
		if err == nil {
			if retry.LogEachAttempt && attempt > 1 {
				d.logger.Info("notify send recovered after retries", "channel", sender.Channel(), "attempt", attempt)
			}
			return nil
		}
		if retry.LogEachAttempt {
			d.logger.Warn("notify send attempt failed", "channel", sender.Channel(), "attempt", attempt, "error", err.Error())
		}
		if permanent.Is(err) {
			return err
		}
		if retry.MaxAttempts > 0 && attempt >= retry.MaxAttempts {
			return fmt.Errorf("channel %s failed after %d attempts: %w", sender.Channel(), attempt, err)
		}

		timer.Reset(backoff)
		select {
		case <-ctx.Done():
			return fmt.Errorf("channel %s gave up after %d attempts: %w", sender.Channel(), attempt, errors.Join(ctx.Err(), err))
		case <-timer.C:
		}

		if strings.EqualFold(retry.Backoff, "exponential") {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

func stopTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}

// unexpectedHTTPStatusError formats non-2xx HTTP response with optional body.
// Params: sender prefix label and HTTP response pointer.
// Returns: status error; 4xx other than 408/429 is marked permanent.
func unexpectedHTTPStatusError(prefix string, response *http.Response) error {
	if response == nil {
		return fmt.Errorf("%s status=0", prefix)
	}
	var err error
	rawBody, readErr := io.ReadAll(io.LimitReader(response.Body, 4096))
	trimmedBody := strings.TrimSpace(string(rawBody))
	switch {
	case readErr != nil:
		err = fmt.Errorf("%s status=%d (read body error: %w)", prefix, response.StatusCode, readErr)
	case trimmedBody == "":
		err = fmt.Errorf("%s status=%d", prefix, response.StatusCode)
	default:
		err = fmt.Errorf("%s status=%d body=%s", prefix, response.StatusCode, trimmedBody)
	}
	if permanent.HTTPStatus(response.StatusCode) {
		return permanent.Mark(err)
	}
	return err
}
