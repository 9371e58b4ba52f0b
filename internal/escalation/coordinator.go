// Package escalation drives per-service alert escalation: it reacts to alert,
// timer, acknowledgement, recovery, and policy events, persisting state with
// optimistic concurrency before notifying targets and arming timers.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"escalation/internal/clock"
	"escalation/internal/config"
	"escalation/internal/domain"
	"escalation/internal/notify"
	"escalation/internal/policy"
	"escalation/internal/state"
	"escalation/internal/timer"
)

const (
	// DefaultEscalationTimeout is the wait before an unacknowledged alert escalates.
	DefaultEscalationTimeout = 15 * time.Minute
	// DefaultMaxConflictRetries bounds reload-and-retry on version conflicts.
	DefaultMaxConflictRetries = 5

	tracerName = "escalation/coordinator"
)

// Settings holds coordinator timing and retry controls.
type Settings struct {
	EscalationTimeout  time.Duration
	MaxConflictRetries int
	StoreTimeout       time.Duration
}

// SettingsFromConfig extracts coordinator settings from runtime config.
func SettingsFromConfig(cfg config.Config) Settings {
	return Settings{
		EscalationTimeout:  config.EscalationTimeout(cfg),
		MaxConflictRetries: cfg.Service.MaxConflictRetries,
		StoreTimeout:       config.StoreTimeout(cfg),
	}
}

// Deps lists collaborators of the coordinator. Clock, Logger, Recorder and
// Tracer fall back to defaults when nil.
type Deps struct {
	States   state.Store
	Policies policy.Store
	Timers   timer.Facility
	Notifier notify.Notifier
	Clock    clock.Clock
	Logger   *slog.Logger
	Recorder Recorder
	Tracer   trace.Tracer
}

// Coordinator is the escalation state machine.
// Params: stores, timer facility, notifier, and settings.
// Returns: event handlers safe for concurrent use across services.
type Coordinator struct {
	states   state.Store
	policies policy.Store
	timers   timer.Facility
	notifier notify.Notifier
	clock    clock.Clock
	logger   *slog.Logger
	recorder Recorder
	tracer   trace.Tracer
	settings Settings
	newID    func() string
}

// New creates coordinator from dependencies and settings.
// Params: required stores, timer facility, notifier; optional observability deps.
// Returns: coordinator or error when a required dependency is missing.
func New(deps Deps, settings Settings) (*Coordinator, error) {
	switch {
	case deps.States == nil:
		return nil, errors.New("escalation: state store is required")
	case deps.Policies == nil:
		return nil, errors.New("escalation: policy store is required")
	case deps.Timers == nil:
		return nil, errors.New("escalation: timer facility is required")
	case deps.Notifier == nil:
		return nil, errors.New("escalation: notifier is required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(tracerName)
	}
	if settings.EscalationTimeout <= 0 {
		settings.EscalationTimeout = DefaultEscalationTimeout
	}
	if settings.MaxConflictRetries <= 0 {
		settings.MaxConflictRetries = DefaultMaxConflictRetries
	}
	return &Coordinator{
		states:   deps.States,
		policies: deps.Policies,
		timers:   deps.Timers,
		notifier: deps.Notifier,
		clock:    deps.Clock,
		logger:   deps.Logger,
		recorder: deps.Recorder,
		tracer:   deps.Tracer,
		settings: settings,
		newID:    uuid.NewString,
	}, nil
}

// AlertEmitted opens a new occurrence unless the service already has one.
// Params: alert event; an empty alert id is replaced by a generated one.
// Returns: nil on success or suppression; policy, transient, or backend errors otherwise.
func (c *Coordinator) AlertEmitted(ctx context.Context, event domain.AlertEmitted) (err error) {
	serviceID := strings.TrimSpace(event.ServiceID)
	ctx, finish := c.begin(ctx, "alert_emitted", serviceID)
	defer func() { finish(err) }()

	if serviceID == "" {
		return fmt.Errorf("%w: alert without service_id", ErrInvalidEvent)
	}
	alertID := strings.TrimSpace(event.AlertID)
	if alertID == "" {
		alertID = c.newID()
	}

	var (
		saved  domain.AlertState
		active domain.EscalationPolicy
	)
	suppressed := false
	err = c.retryOnConflict(ctx, "alert_emitted", serviceID, func() error {
		existing, found, getErr := c.load(ctx, serviceID)
		if getErr != nil {
			return getErr
		}
		if found {
			suppressed = true
			c.logger.Debug("alert suppressed, occurrence already open",
				"service_id", serviceID,
				"alert_id", alertID,
				"open_alert_id", existing.ID,
				"level", existing.EscalationLevel,
			)
			return nil
		}
		resolved, policyErr := c.resolvePolicy(ctx, serviceID, func(domain.EscalationPolicy) int { return 0 })
		if policyErr != nil {
			return policyErr
		}
		active = resolved
		created, saveErr := c.save(ctx, domain.NewAlertState(serviceID, alertID, event.Message, c.clock.Now()))
		saved = created
		return saveErr
	})
	if err != nil {
		return err
	}
	if suppressed {
		c.recorder.Transition(TransitionSuppressed)
		return nil
	}

	c.recorder.Transition(TransitionRaised)
	c.logger.Info("alert raised", "service_id", serviceID, "alert_id", saved.ID)
	return c.step(ctx, saved, active)
}

// AcknowledgementTimeout escalates one level when the occurrence is still
// open and unacknowledged; stale timers are absorbed.
// Params: expiry event with optional payload naming the occurrence.
// Returns: nil on success or stale timer; policy, transient, or backend errors otherwise.
func (c *Coordinator) AcknowledgementTimeout(ctx context.Context, event domain.AcknowledgementTimeout) (err error) {
	serviceID := strings.TrimSpace(event.ServiceID)
	ctx, finish := c.begin(ctx, "acknowledgement_timeout", serviceID)
	defer func() { finish(err) }()

	if serviceID == "" {
		return fmt.Errorf("%w: timeout without service_id", ErrInvalidEvent)
	}

	var (
		saved  domain.AlertState
		active domain.EscalationPolicy
	)
	staleReason := ""
	err = c.retryOnConflict(ctx, "acknowledgement_timeout", serviceID, func() error {
		current, found, getErr := c.load(ctx, serviceID)
		if getErr != nil {
			return getErr
		}
		if staleReason = staleTimerReason(current, found, event.Payload); staleReason != "" {
			return nil
		}
		resolved, policyErr := c.resolvePolicy(ctx, serviceID, func(document domain.EscalationPolicy) int {
			return document.NextLevel(current.EscalationLevel)
		})
		if policyErr != nil {
			return policyErr
		}
		active = resolved
		next := current
		next.EscalationLevel = active.NextLevel(current.EscalationLevel)
		escalatedAt := c.clock.Now()
		next.EscalatedAt = &escalatedAt
		escalated, saveErr := c.save(ctx, next)
		saved = escalated
		return saveErr
	})
	if err != nil {
		return err
	}
	if staleReason != "" {
		c.recorder.StaleTimer(staleReason)
		c.logger.Debug("stale acknowledgement timeout ignored", "service_id", serviceID, "reason", staleReason)
		return nil
	}

	c.recorder.Transition(TransitionEscalated)
	c.logger.Info("alert escalated", "service_id", serviceID, "alert_id", saved.ID, "level", saved.EscalationLevel)
	return c.step(ctx, saved, active)
}

// staleTimerReason classifies a timeout that must not escalate.
// Returns: empty string when the timeout belongs to the open occurrence.
func staleTimerReason(current domain.AlertState, found bool, payload *domain.TimerPayload) string {
	switch {
	case !found:
		return StaleAbsent
	case current.Acknowledged:
		return StaleAcknowledged
	case payload != nil && payload.AlertID != "" && payload.AlertID != current.ID:
		return StaleSuperseded
	default:
		return ""
	}
}

// Acknowledge halts escalation of the open occurrence.
// Params: service ID.
// Returns: acknowledged state and true, or false when no occurrence is open.
func (c *Coordinator) Acknowledge(ctx context.Context, serviceID string) (out domain.AlertState, found bool, err error) {
	serviceID = strings.TrimSpace(serviceID)
	ctx, finish := c.begin(ctx, "acknowledge", serviceID)
	defer func() { finish(err) }()

	if serviceID == "" {
		return domain.AlertState{}, false, fmt.Errorf("%w: empty service_id", ErrInvalidEvent)
	}
	storeCtx, cancel := c.storeContext(ctx)
	acknowledged, ackErr := c.states.MarkAcknowledged(storeCtx, serviceID, c.clock.Now())
	cancel()
	switch {
	case errors.Is(ackErr, state.ErrNotFound):
		c.cancelTimer(ctx, serviceID)
		return domain.AlertState{}, false, nil
	case ackErr != nil:
		return domain.AlertState{}, false, fmt.Errorf("%w: acknowledge %q: %w", ErrTransient, serviceID, ackErr)
	}

	c.recorder.Transition(TransitionAcknowledged)
	c.logger.Info("alert acknowledged", "service_id", serviceID, "alert_id", acknowledged.ID, "level", acknowledged.EscalationLevel)
	c.cancelTimer(ctx, serviceID)
	return acknowledged, true, nil
}

// MarkHealthy closes the occurrence; the next alert starts at level 0.
// Params: service ID.
// Returns: backend error when the state cannot be removed.
func (c *Coordinator) MarkHealthy(ctx context.Context, serviceID string) (err error) {
	serviceID = strings.TrimSpace(serviceID)
	ctx, finish := c.begin(ctx, "mark_healthy", serviceID)
	defer func() { finish(err) }()

	if serviceID == "" {
		return fmt.Errorf("%w: empty service_id", ErrInvalidEvent)
	}
	storeCtx, cancel := c.storeContext(ctx)
	deleteErr := c.states.Delete(storeCtx, serviceID)
	cancel()
	if deleteErr != nil {
		return fmt.Errorf("%w: delete state %q: %w", ErrTransient, serviceID, deleteErr)
	}
	c.recorder.Transition(TransitionResolved)
	c.logger.Info("service healthy", "service_id", serviceID)
	c.cancelTimer(ctx, serviceID)
	return nil
}

// PolicyChanged replaces the stored policy; open occurrences use it from
// their next escalation step.
// Params: full policy document.
// Returns: ErrInvalidEvent for invalid documents or backend error.
func (c *Coordinator) PolicyChanged(ctx context.Context, document domain.EscalationPolicy) (err error) {
	normalized := document.Normalize()
	ctx, finish := c.begin(ctx, "policy_changed", normalized.ServiceID)
	defer func() { finish(err) }()

	if validateErr := normalized.Validate(); validateErr != nil {
		return fmt.Errorf("%w: policy: %w", ErrInvalidEvent, validateErr)
	}
	storeCtx, cancel := c.storeContext(ctx)
	defer cancel()
	if saveErr := c.policies.Save(storeCtx, normalized); saveErr != nil {
		return fmt.Errorf("%w: save policy %q: %w", ErrTransient, normalized.ServiceID, saveErr)
	}
	c.logger.Info("policy stored", "service_id", normalized.ServiceID, "levels", len(normalized.Levels), "version", normalized.Version)
	return nil
}

// PolicyDeleted removes the stored policy of the document's service.
// Params: policy document; only service ID is used.
// Returns: backend error.
func (c *Coordinator) PolicyDeleted(ctx context.Context, document domain.EscalationPolicy) (err error) {
	serviceID := strings.TrimSpace(document.ServiceID)
	ctx, finish := c.begin(ctx, "policy_deleted", serviceID)
	defer func() { finish(err) }()

	if serviceID == "" {
		return fmt.Errorf("%w: policy without service_id", ErrInvalidEvent)
	}
	storeCtx, cancel := c.storeContext(ctx)
	defer cancel()
	if deleteErr := c.policies.Delete(storeCtx, serviceID); deleteErr != nil && !errors.Is(deleteErr, policy.ErrNotFound) {
		return fmt.Errorf("%w: delete policy %q: %w", ErrTransient, serviceID, deleteErr)
	}
	c.logger.Info("policy deleted", "service_id", serviceID)
	return nil
}

// GetServiceState reads the open occurrence without side effects.
// Params: service ID.
// Returns: state and true, false when healthy, or backend error.
func (c *Coordinator) GetServiceState(ctx context.Context, serviceID string) (domain.AlertState, bool, error) {
	return c.load(ctx, strings.TrimSpace(serviceID))
}

// GetPolicy reads the stored policy of one service.
// Params: service ID.
// Returns: policy and true, false when absent, or backend error.
func (c *Coordinator) GetPolicy(ctx context.Context, serviceID string) (domain.EscalationPolicy, bool, error) {
	storeCtx, cancel := c.storeContext(ctx)
	defer cancel()
	document, err := c.policies.Get(storeCtx, strings.TrimSpace(serviceID))
	if errors.Is(err, policy.ErrNotFound) {
		return domain.EscalationPolicy{}, false, nil
	}
	if err != nil {
		return domain.EscalationPolicy{}, false, err
	}
	return document, true, nil
}

// Reconcile re-arms timers of open unacknowledged occurrences that lost
// theirs, e.g. after a crash between the state write and the timer arm.
// Params: context for backend calls.
// Returns: number of re-armed timers and first listing error; per-service
// failures are logged and do not stop the sweep.
func (c *Coordinator) Reconcile(ctx context.Context) (rearmed int, err error) {
	ctx, finish := c.begin(ctx, "reconcile", "")
	defer func() { finish(err) }()

	storeCtx, cancel := c.storeContext(ctx)
	states, err := c.states.List(storeCtx)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("list states: %w", err)
	}
	for _, current := range states {
		if current.Acknowledged {
			continue
		}
		armed, armedErr := c.timers.Armed(ctx, current.ServiceID)
		if armedErr != nil {
			c.logger.Warn("reconcile timer lookup failed", "service_id", current.ServiceID, "error", armedErr.Error())
			continue
		}
		if armed {
			continue
		}
		if armErr := c.armTimer(ctx, current); armErr != nil {
			c.logger.Warn("reconcile re-arm failed", "service_id", current.ServiceID, "error", armErr.Error())
			continue
		}
		rearmed++
		c.recorder.Transition(TransitionRearmed)
		c.logger.Warn("escalation timer re-armed by reconcile", "service_id", current.ServiceID, "alert_id", current.ID, "level", current.EscalationLevel)
	}
	return rearmed, nil
}

// step notifies targets of the saved level, then arms the next timer.
// Params: persisted state and the policy read in the same transition.
// Returns: timer arm error; delivery failures are observed only.
func (c *Coordinator) step(ctx context.Context, saved domain.AlertState, active domain.EscalationPolicy) error {
	index, targets := active.TargetsAt(saved.EscalationLevel)
	notifications := make([]domain.Notification, 0, len(targets))
	for _, target := range targets {
		label := target.Name
		if label == "" {
			label = target.ID
		}
		notifications = append(notifications, domain.Notification{
			Channel:    target.Channel,
			Recipients: append([]string(nil), target.Addresses...),
			Message:    saved.AlertMessage,
			ServiceID:  saved.ServiceID,
			AlertID:    saved.ID,
			Level:      index,
			Target:     label,
		})
	}

	report := c.notifier.Dispatch(ctx, notifications)
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Int("escalation.level_index", index),
		attribute.Int("notify.attempted", report.Attempted),
		attribute.Int("notify.failed", len(report.Failures)),
	)
	if report.Failed() {
		c.recorder.PartialDelivery(len(report.Failures))
		c.logger.Warn("escalation step delivered partially",
			"service_id", saved.ServiceID,
			"alert_id", saved.ID,
			"level", saved.EscalationLevel,
			"error", report.Err().Error(),
		)
	}

	return c.armIfCurrent(ctx, saved)
}

// armIfCurrent arms the next timer only while the notified occurrence is
// still open and unacknowledged. Timers are keyed by service, so an arm that
// raced with acknowledge, recovery or a newer occurrence is undone or handed
// over to the occurrence now stored.
func (c *Coordinator) armIfCurrent(ctx context.Context, saved domain.AlertState) error {
	owner := &domain.TimerPayload{AlertID: saved.ID}
	current, found, err := c.load(ctx, saved.ServiceID)
	if err != nil {
		return err
	}
	if reason := staleTimerReason(current, found, owner); reason != "" {
		c.recorder.StaleTimer(reason)
		c.logger.Debug("timer not armed, occurrence changed during dispatch",
			"service_id", saved.ServiceID, "alert_id", saved.ID, "reason", reason)
		return nil
	}
	if err := c.armTimer(ctx, saved); err != nil {
		return err
	}

	after, found, err := c.load(ctx, saved.ServiceID)
	if err != nil {
		c.logger.Warn("timer recheck failed", "service_id", saved.ServiceID, "error", err.Error())
		return nil
	}
	switch staleTimerReason(after, found, owner) {
	case "":
	case StaleSuperseded:
		if err := c.armTimer(ctx, after); err != nil {
			c.logger.Warn("timer hand-over failed", "service_id", saved.ServiceID, "alert_id", after.ID, "error", err.Error())
		}
	default:
		c.cancelTimer(ctx, saved.ServiceID)
	}
	return nil
}

func (c *Coordinator) armTimer(ctx context.Context, current domain.AlertState) error {
	err := c.timers.Arm(ctx, domain.TimerRequest{
		ServiceID: current.ServiceID,
		Delay:     c.settings.EscalationTimeout,
		Payload:   domain.TimerPayload{AlertID: current.ID, Message: current.AlertMessage},
	})
	if err != nil {
		return fmt.Errorf("%w: arm timer %q: %w", ErrTransient, current.ServiceID, err)
	}
	return nil
}

func (c *Coordinator) cancelTimer(ctx context.Context, serviceID string) {
	if err := c.timers.Cancel(ctx, serviceID); err != nil {
		c.logger.Warn("timer cancel failed", "service_id", serviceID, "error", err.Error())
	}
}

// resolvePolicy loads the policy and checks the level chosen by selectLevel
// has at least one deliverable target.
// Returns: policy, or ErrPolicyMissing/ErrPolicyMalformed/backend error.
func (c *Coordinator) resolvePolicy(ctx context.Context, serviceID string, selectLevel func(domain.EscalationPolicy) int) (domain.EscalationPolicy, error) {
	storeCtx, cancel := c.storeContext(ctx)
	defer cancel()
	document, err := c.policies.Get(storeCtx, serviceID)
	if errors.Is(err, policy.ErrNotFound) {
		return domain.EscalationPolicy{}, fmt.Errorf("%w: service %q", ErrPolicyMissing, serviceID)
	}
	if err != nil {
		return domain.EscalationPolicy{}, fmt.Errorf("%w: load policy %q: %w", ErrTransient, serviceID, err)
	}
	if err := document.Validate(); err != nil {
		return domain.EscalationPolicy{}, fmt.Errorf("%w: service %q: %w", ErrPolicyMalformed, serviceID, err)
	}
	if index, targets := document.TargetsAt(selectLevel(document)); len(targets) == 0 {
		return domain.EscalationPolicy{}, fmt.Errorf("%w: service %q level %d has no deliverable targets", ErrPolicyMalformed, serviceID, index)
	}
	return document, nil
}

func (c *Coordinator) load(ctx context.Context, serviceID string) (domain.AlertState, bool, error) {
	storeCtx, cancel := c.storeContext(ctx)
	defer cancel()
	current, err := c.states.Get(storeCtx, serviceID)
	if errors.Is(err, state.ErrNotFound) {
		return domain.AlertState{}, false, nil
	}
	if err != nil {
		return domain.AlertState{}, false, fmt.Errorf("%w: load state %q: %w", ErrTransient, serviceID, err)
	}
	return current, true, nil
}

// save passes state.ErrConflict through unwrapped for retryOnConflict.
func (c *Coordinator) save(ctx context.Context, next domain.AlertState) (domain.AlertState, error) {
	storeCtx, cancel := c.storeContext(ctx)
	defer cancel()
	saved, err := c.states.Save(storeCtx, next)
	if err != nil && !errors.Is(err, state.ErrConflict) {
		return domain.AlertState{}, fmt.Errorf("%w: save state %q: %w", ErrTransient, next.ServiceID, err)
	}
	return saved, err
}

// retryOnConflict reruns read-compute-write until it stops conflicting.
// Params: operation label, service ID, and attempt closure.
// Returns: closure result, or ErrTransient once the retry budget is spent.
func (c *Coordinator) retryOnConflict(ctx context.Context, operation, serviceID string, attempt func() error) error {
	for n := 1; ; n++ {
		err := attempt()
		if !errors.Is(err, state.ErrConflict) {
			return err
		}
		c.recorder.Conflict(operation)
		if n >= c.settings.MaxConflictRetries {
			return fmt.Errorf("%w: %s %q gave up after %d conflicting writes: %w", ErrTransient, operation, serviceID, n, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %s %q: %w", ErrTransient, operation, serviceID, ctxErr)
		}
		c.logger.Debug("state version conflict, reloading", "operation", operation, "service_id", serviceID, "attempt", n)
	}
}

func (c *Coordinator) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.settings.StoreTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.settings.StoreTimeout)
}

// begin opens a span and returns the closer that records duration, policy
// failures, and span status.
func (c *Coordinator) begin(ctx context.Context, operation, serviceID string) (context.Context, func(error)) {
	started := time.Now()
	ctx, span := c.tracer.Start(ctx, "escalation."+operation, trace.WithAttributes(
		attribute.String("service.id", serviceID),
	))
	return ctx, func(err error) {
		c.recorder.StepDuration(operation, time.Since(started))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if IsPolicyError(err) {
				kind := "missing"
				if errors.Is(err, ErrPolicyMalformed) {
					kind = "malformed"
				}
				c.recorder.PolicyError(kind)
				c.logger.Error("escalation policy unusable, service cannot be notified",
					"operation", operation,
					"service_id", serviceID,
					"error", err.Error(),
				)
			}
		}
		span.End()
	}
}
