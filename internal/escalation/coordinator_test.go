package escalation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escalation/internal/clock"
	"escalation/internal/domain"
	"escalation/internal/notify"
	"escalation/internal/policy"
	"escalation/internal/state"
)

type armCall struct {
	req domain.TimerRequest
}

type fakeTimers struct {
	mu       sync.Mutex
	arms     []armCall
	cancels  []string
	armed    map[string]bool
	armErr   error
	armedErr error
	// beforeArm runs ahead of recording an arm, outside the lock.
	beforeArm func()
}

func newFakeTimers() *fakeTimers {
	return &fakeTimers{armed: make(map[string]bool)}
}

func (f *fakeTimers) Arm(_ context.Context, req domain.TimerRequest) error {
	if f.beforeArm != nil {
		f.beforeArm()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.armErr != nil {
		return f.armErr
	}
	f.arms = append(f.arms, armCall{req: req})
	f.armed[req.ServiceID] = true
	return nil
}

func (f *fakeTimers) Cancel(_ context.Context, serviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, serviceID)
	delete(f.armed, serviceID)
	return nil
}

func (f *fakeTimers) Armed(_ context.Context, serviceID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.armed[serviceID], f.armedErr
}

func (f *fakeTimers) Close() error { return nil }

func (f *fakeTimers) armCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.arms)
}

func (f *fakeTimers) lastArm() domain.TimerRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.arms[len(f.arms)-1].req
}

type recordingNotifier struct {
	mu         sync.Mutex
	batches    [][]domain.Notification
	failFor    map[string]error
	onDispatch func()
}

func (n *recordingNotifier) Dispatch(_ context.Context, notifications []domain.Notification) notify.Report {
	if n.onDispatch != nil {
		n.onDispatch()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.batches = append(n.batches, notifications)
	report := notify.Report{Attempted: len(notifications)}
	for _, notification := range notifications {
		if err, ok := n.failFor[notification.Recipients[0]]; ok {
			report.Failures = append(report.Failures, notify.DeliveryFailure{Notification: notification, Err: err})
			continue
		}
		report.Delivered++
	}
	return report
}

// recipients returns the recipients notified by every dispatch, in order.
func (n *recordingNotifier) recipients() [][]string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([][]string, 0, len(n.batches))
	for _, batch := range n.batches {
		var step []string
		for _, notification := range batch {
			step = append(step, notification.Recipients...)
		}
		out = append(out, step)
	}
	return out
}

type countingRecorder struct {
	mu          sync.Mutex
	transitions map[string]int
	stale       map[string]int
	conflicts   int
	policy      map[string]int
	partial     int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		transitions: make(map[string]int),
		stale:       make(map[string]int),
		policy:      make(map[string]int),
	}
}

func (r *countingRecorder) Transition(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions[kind]++
}

func (r *countingRecorder) StaleTimer(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stale[reason]++
}

func (r *countingRecorder) Conflict(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflicts++
}

func (r *countingRecorder) PolicyError(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy[kind]++
}

func (r *countingRecorder) PartialDelivery(int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.partial++
}

func (r *countingRecorder) StepDuration(string, time.Duration) {}

// conflictingStore fails the next n saves with ErrConflict.
type conflictingStore struct {
	state.Store
	mu        sync.Mutex
	conflicts int
	saves     int
}

func (s *conflictingStore) Save(ctx context.Context, next domain.AlertState) (domain.AlertState, error) {
	s.mu.Lock()
	s.saves++
	if s.conflicts > 0 {
		s.conflicts--
		s.mu.Unlock()
		return domain.AlertState{}, state.ErrConflict
	}
	s.mu.Unlock()
	return s.Store.Save(ctx, next)
}

// hookedPolicies runs onGet before every policy read.
type hookedPolicies struct {
	policy.Store
	onGet func()
}

func (p *hookedPolicies) Get(ctx context.Context, serviceID string) (domain.EscalationPolicy, error) {
	if p.onGet != nil {
		p.onGet()
	}
	return p.Store.Get(ctx, serviceID)
}

// firstCall runs fn on the first call only, so hooks that re-enter the
// coordinator do not fire again from the nested transition.
func firstCall(fn func()) func() {
	var done atomic.Bool
	return func() {
		if done.CompareAndSwap(false, true) {
			fn()
		}
	}
}

type harness struct {
	coordinator *Coordinator
	states      state.Store
	policies    *policy.MemoryStore
	timers      *fakeTimers
	notifier    *recordingNotifier
	recorder    *countingRecorder
	clock       *clock.Manual
}

func newHarness(t *testing.T, states state.Store) *harness {
	t.Helper()
	if states == nil {
		states = state.NewMemoryStore()
	}
	h := &harness{
		states:   states,
		policies: policy.NewMemoryStore(),
		timers:   newFakeTimers(),
		notifier: &recordingNotifier{failFor: map[string]error{}},
		recorder: newCountingRecorder(),
		clock:    clock.NewManual(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)),
	}
	coordinator, err := New(Deps{
		States:   h.states,
		Policies: h.policies,
		Timers:   h.timers,
		Notifier: h.notifier,
		Clock:    h.clock,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Recorder: h.recorder,
	}, Settings{})
	require.NoError(t, err)
	h.coordinator = coordinator
	require.NoError(t, h.policies.Save(context.Background(), twoLevelPolicy("svc")))
	return h
}

func twoLevelPolicy(serviceID string) domain.EscalationPolicy {
	return domain.EscalationPolicy{
		ServiceID: serviceID,
		Levels: []domain.EscalationPolicyLevel{
			{Order: 0, Targets: []domain.Target{{Channel: domain.ChannelEmail, Addresses: []string{"devops@x"}}}},
			{Order: 1, Targets: []domain.Target{{Channel: domain.ChannelEmail, Addresses: []string{"eng@x"}}}},
		},
	}
}

func (h *harness) timeout(t *testing.T, serviceID string) {
	t.Helper()
	require.NoError(t, h.coordinator.AcknowledgementTimeout(context.Background(), domain.AcknowledgementTimeout{ServiceID: serviceID}))
}

func (h *harness) level(t *testing.T, serviceID string) int {
	t.Helper()
	current, found, err := h.coordinator.GetServiceState(context.Background(), serviceID)
	require.NoError(t, err)
	require.True(t, found)
	return current.EscalationLevel
}

func TestAlertEmittedNotifiesFirstLevelAndArmsTimer(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	err := h.coordinator.AlertEmitted(context.Background(), domain.AlertEmitted{ServiceID: "svc", AlertID: "a1", Message: "502 timeout"})
	require.NoError(t, err)

	current, found, err := h.coordinator.GetServiceState(context.Background(), "svc")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a1", current.ID)
	assert.Equal(t, 0, current.EscalationLevel)
	assert.False(t, current.Acknowledged)
	assert.Equal(t, "502 timeout", current.AlertMessage)

	assert.Equal(t, [][]string{{"devops@x"}}, h.notifier.recipients())
	require.Equal(t, 1, h.timers.armCount())
	arm := h.timers.lastArm()
	assert.Equal(t, "svc", arm.ServiceID)
	assert.Equal(t, 900000*time.Millisecond, arm.Delay)
	assert.Equal(t, domain.TimerPayload{AlertID: "a1", Message: "502 timeout"}, arm.Payload)
}

func TestAlertEmittedIsSuppressedWhileOpen(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.coordinator.AlertEmitted(ctx, domain.AlertEmitted{ServiceID: "svc", AlertID: "a1", Message: "first"}))
	require.NoError(t, h.coordinator.AlertEmitted(ctx, domain.AlertEmitted{ServiceID: "svc", AlertID: "a2", Message: "second"}))

	current, _, err := h.coordinator.GetServiceState(ctx, "svc")
	require.NoError(t, err)
	assert.Equal(t, "a1", current.ID)
	assert.Equal(t, "first", current.AlertMessage)
	assert.Len(t, h.notifier.recipients(), 1)
	assert.Equal(t, 1, h.timers.armCount())
	assert.Equal(t, 1, h.recorder.transitions[TransitionSuppressed])
}

func TestAlertEmittedGeneratesMissingAlertID(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.coordinator.newID = func() string { return "generated" }

	require.NoError(t, h.coordinator.AlertEmitted(context.Background(), domain.AlertEmitted{ServiceID: "svc"}))
	current, _, err := h.coordinator.GetServiceState(context.Background(), "svc")
	require.NoError(t, err)
	assert.Equal(t, "generated", current.ID)
}

func TestTimeoutEscalatesAndSaturatesAtLastLevel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	require.NoError(t, h.coordinator.AlertEmitted(context.Background(), domain.AlertEmitted{ServiceID: "svc", AlertID: "a1", Message: "502 timeout"}))

	var levels []int
	for range 3 {
		h.timeout(t, "svc")
		levels = append(levels, h.level(t, "svc"))
	}

	assert.Equal(t, []int{1, 2, 2}, levels)
	assert.Equal(t, [][]string{{"devops@x"}, {"eng@x"}, {"eng@x"}, {"eng@x"}}, h.notifier.recipients())
	assert.Equal(t, 4, h.timers.armCount())
	assert.Equal(t, 3, h.recorder.transitions[TransitionEscalated])
}

func TestTimeoutAfterAcknowledgeIsStale(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.coordinator.AlertEmitted(ctx, domain.AlertEmitted{ServiceID: "svc", AlertID: "a1"}))
	h.timeout(t, "svc")

	acknowledged, found, err := h.coordinator.Acknowledge(ctx, "svc")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, acknowledged.Acknowledged)
	assert.NotNil(t, acknowledged.AcknowledgedAt)
	assert.Equal(t, []string{"svc"}, h.timers.cancels)

	dispatches, arms := len(h.notifier.recipients()), h.timers.armCount()
	for range 3 {
		h.timeout(t, "svc")
	}

	assert.Equal(t, 1, h.level(t, "svc"))
	assert.Len(t, h.notifier.recipients(), dispatches)
	assert.Equal(t, arms, h.timers.armCount())
	assert.Equal(t, 3, h.recorder.stale[StaleAcknowledged])
}

func TestMarkHealthyThenTimeoutIsAbsent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.coordinator.AlertEmitted(ctx, domain.AlertEmitted{ServiceID: "svc", AlertID: "a1"}))

	require.NoError(t, h.coordinator.MarkHealthy(ctx, "svc"))
	h.timeout(t, "svc")

	_, found, err := h.coordinator.GetServiceState(ctx, "svc")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Len(t, h.notifier.recipients(), 1)
	assert.Equal(t, 1, h.timers.armCount())
	assert.Equal(t, []string{"svc"}, h.timers.cancels)
	assert.Equal(t, 1, h.recorder.stale[StaleAbsent])
}

func TestMarkHealthyStartsNewOccurrence(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.coordinator.AlertEmitted(ctx, domain.AlertEmitted{ServiceID: "svc", AlertID: "a1", Message: "old"}))
	h.timeout(t, "svc")
	require.NoError(t, h.coordinator.MarkHealthy(ctx, "svc"))

	require.NoError(t, h.coordinator.AlertEmitted(ctx, domain.AlertEmitted{ServiceID: "svc", AlertID: "a2", Message: "new"}))
	current, _, err := h.coordinator.GetServiceState(ctx, "svc")
	require.NoError(t, err)
	assert.Equal(t, "a2", current.ID)
	assert.Equal(t, "new", current.AlertMessage)
	assert.Equal(t, 0, current.EscalationLevel)
}

func TestTimeoutForPreviousOccurrenceIsStale(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.coordinator.AlertEmitted(ctx, domain.AlertEmitted{ServiceID: "svc", AlertID: "a1"}))
	require.NoError(t, h.coordinator.MarkHealthy(ctx, "svc"))
	require.NoError(t, h.coordinator.AlertEmitted(ctx, domain.AlertEmitted{ServiceID: "svc", AlertID: "a2"}))

	err := h.coordinator.AcknowledgementTimeout(ctx, domain.AcknowledgementTimeout{
		ServiceID: "svc",
		Payload:   &domain.TimerPayload{AlertID: "a1"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, h.level(t, "svc"))
	assert.Equal(t, 1, h.recorder.stale[StaleSuperseded])
}

func TestAcknowledgeWithoutOccurrence(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	_, found, err := h.coordinator.Acknowledge(context.Background(), "svc")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, []string{"svc"}, h.timers.cancels)
}

func TestPolicyMissingSurfacesAndWritesNothing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	err := h.coordinator.AlertEmitted(ctx, domain.AlertEmitted{ServiceID: "orphan", AlertID: "a1"})
	require.ErrorIs(t, err, ErrPolicyMissing)

	_, found, getErr := h.coordinator.GetServiceState(ctx, "orphan")
	require.NoError(t, getErr)
	assert.False(t, found, "redelivery must not be suppressed by a half-open occurrence")
	assert.Empty(t, h.notifier.recipients())
	assert.Zero(t, h.timers.armCount())
	assert.Equal(t, 1, h.recorder.policy["missing"])
}

func TestPolicyDeletedDuringEscalationFailsTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.coordinator.AlertEmitted(ctx, domain.AlertEmitted{ServiceID: "svc", AlertID: "a1"}))
	require.NoError(t, h.coordinator.PolicyDeleted(ctx, domain.EscalationPolicy{ServiceID: "svc"}))

	err := h.coordinator.AcknowledgementTimeout(ctx, domain.AcknowledgementTimeout{ServiceID: "svc"})
	require.ErrorIs(t, err, ErrPolicyMissing)
	assert.Equal(t, 0, h.level(t, "svc"))
}

func TestPolicyMalformedLevelWithoutTargets(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	broken := twoLevelPolicy("svc")
	broken.Levels[0].Targets[0].Addresses = nil
	require.NoError(t, h.policies.Save(ctx, broken))

	err := h.coordinator.AlertEmitted(ctx, domain.AlertEmitted{ServiceID: "svc", AlertID: "a1"})
	require.ErrorIs(t, err, ErrPolicyMalformed)
	assert.True(t, IsPolicyError(err))
	assert.Equal(t, 1, h.recorder.policy["malformed"])
}

func TestPolicyChangedAppliesToNextStep(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.coordinator.AlertEmitted(ctx, domain.AlertEmitted{ServiceID: "svc", AlertID: "a1"}))

	changed := twoLevelPolicy("svc")
	changed.Levels[1].Targets[0].Addresses = []string{"oncall@x"}
	require.NoError(t, h.coordinator.PolicyChanged(ctx, changed))
	h.timeout(t, "svc")

	assert.Equal(t, [][]string{{"devops@x"}, {"oncall@x"}}, h.notifier.recipients())
	stored, found, err := h.coordinator.GetPolicy(ctx, "svc")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []string{"oncall@x"}, stored.Levels[1].Targets[0].Addresses)
}

func TestPolicyChangedRejectsInvalidDocument(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	err := h.coordinator.PolicyChanged(context.Background(), domain.EscalationPolicy{ServiceID: "svc"})
	require.ErrorIs(t, err, ErrInvalidEvent)
}

func TestPartialDeliveryDoesNotFailTransition(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	wide := twoLevelPolicy("svc")
	wide.Levels[0].Targets = append(wide.Levels[0].Targets, domain.Target{Channel: domain.ChannelSMS, Addresses: []string{"+100"}})
	require.NoError(t, h.policies.Save(ctx, wide))
	h.notifier.failFor["+100"] = errors.New("gateway down")

	require.NoError(t, h.coordinator.AlertEmitted(ctx, domain.AlertEmitted{ServiceID: "svc", AlertID: "a1"}))
	assert.Equal(t, 1, h.recorder.partial)
	assert.Equal(t, 1, h.timers.armCount())
	assert.ElementsMatch(t, []string{"devops@x", "+100"}, h.notifier.recipients()[0])
}

func TestConflictIsRetried(t *testing.T) {
	t.Parallel()
	store := &conflictingStore{Store: state.NewMemoryStore(), conflicts: 2}
	h := newHarness(t, store)

	require.NoError(t, h.coordinator.AlertEmitted(context.Background(), domain.AlertEmitted{ServiceID: "svc", AlertID: "a1"}))
	assert.Equal(t, 3, store.saves)
	assert.Equal(t, 2, h.recorder.conflicts)
	assert.Equal(t, 1, h.timers.armCount())
}

func TestConflictExhaustionIsTransient(t *testing.T) {
	t.Parallel()
	store := &conflictingStore{Store: state.NewMemoryStore(), conflicts: 100}
	h := newHarness(t, store)

	err := h.coordinator.AlertEmitted(context.Background(), domain.AlertEmitted{ServiceID: "svc", AlertID: "a1"})
	require.ErrorIs(t, err, ErrTransient)
	require.ErrorIs(t, err, state.ErrConflict)
	assert.Equal(t, DefaultMaxConflictRetries, store.saves)
	assert.Empty(t, h.notifier.recipients())
	assert.Zero(t, h.timers.armCount())
}

func TestConcurrentAlertsForSameServiceOpenOneOccurrence(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.coordinator.AlertEmitted(context.Background(), domain.AlertEmitted{ServiceID: "svc", Message: "burst"}))
		}()
	}
	wg.Wait()

	assert.Len(t, h.notifier.recipients(), 1)
	assert.Equal(t, 1, h.timers.armCount())
	assert.Equal(t, 15, h.recorder.transitions[TransitionSuppressed])
}

func TestArmFailureIsTransientAfterStateWrite(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.timers.armErr = errors.New("kv unavailable")

	err := h.coordinator.AlertEmitted(context.Background(), domain.AlertEmitted{ServiceID: "svc", AlertID: "a1"})
	require.ErrorIs(t, err, ErrTransient)
	assert.Len(t, h.notifier.recipients(), 1)
	assert.Equal(t, 0, h.level(t, "svc"))
}

func TestReconcileRearmsLostTimers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.policies.Save(ctx, twoLevelPolicy("acked")))
	require.NoError(t, h.coordinator.AlertEmitted(ctx, domain.AlertEmitted{ServiceID: "svc", AlertID: "a1"}))
	require.NoError(t, h.coordinator.AlertEmitted(ctx, domain.AlertEmitted{ServiceID: "acked", AlertID: "a2"}))
	_, _, err := h.coordinator.Acknowledge(ctx, "acked")
	require.NoError(t, err)

	rearmed, err := h.coordinator.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, rearmed, "armed timers must be left alone")

	h.timers.mu.Lock()
	delete(h.timers.armed, "svc")
	h.timers.mu.Unlock()

	rearmed, err = h.coordinator.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rearmed)
	assert.Equal(t, "svc", h.timers.lastArm().ServiceID)
	assert.Equal(t, "a1", h.timers.lastArm().Payload.AlertID)
	assert.Equal(t, 1, h.recorder.transitions[TransitionRearmed])
}

func TestInvalidEventsAreRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	require.ErrorIs(t, h.coordinator.AlertEmitted(ctx, domain.AlertEmitted{ServiceID: " "}), ErrInvalidEvent)
	require.ErrorIs(t, h.coordinator.AcknowledgementTimeout(ctx, domain.AcknowledgementTimeout{}), ErrInvalidEvent)
	require.ErrorIs(t, h.coordinator.MarkHealthy(ctx, ""), ErrInvalidEvent)
	_, _, err := h.coordinator.Acknowledge(ctx, "")
	require.ErrorIs(t, err, ErrInvalidEvent)
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Settings{})
	require.Error(t, err)
}

// reopen resolves the open occurrence and raises a new one with alertID.
func (h *harness) reopen(t *testing.T, alertID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.coordinator.MarkHealthy(ctx, "svc"))
	require.NoError(t, h.coordinator.AlertEmitted(ctx, domain.AlertEmitted{ServiceID: "svc", AlertID: alertID, Message: "new"}))
}

func TestTimeoutDoesNotOverwriteOccurrenceReopenedMidTransition(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.coordinator.AlertEmitted(ctx, domain.AlertEmitted{ServiceID: "svc", AlertID: "a1", Message: "old"}))

	h.coordinator.policies = &hookedPolicies{
		Store: h.policies,
		onGet: firstCall(func() { h.reopen(t, "a2") }),
	}
	err := h.coordinator.AcknowledgementTimeout(ctx, domain.AcknowledgementTimeout{
		ServiceID: "svc",
		Payload:   &domain.TimerPayload{AlertID: "a1"},
	})
	require.NoError(t, err)

	current, found, err := h.coordinator.GetServiceState(ctx, "svc")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a2", current.ID)
	assert.Equal(t, 0, current.EscalationLevel)
	assert.Equal(t, "new", current.AlertMessage)
	assert.Equal(t, 1, h.recorder.stale[StaleSuperseded])
	assert.Zero(t, h.recorder.transitions[TransitionEscalated])
	assert.Equal(t, "a2", h.timers.lastArm().Payload.AlertID)
}

func TestAcknowledgeDuringDispatchLeavesTimerDisarmed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.coordinator.AlertEmitted(ctx, domain.AlertEmitted{ServiceID: "svc", AlertID: "a1"}))
	require.Equal(t, 1, h.timers.armCount())

	h.notifier.onDispatch = firstCall(func() {
		_, found, err := h.coordinator.Acknowledge(context.Background(), "svc")
		require.NoError(t, err)
		require.True(t, found)
	})
	h.timeout(t, "svc")

	assert.Equal(t, 1, h.level(t, "svc"))
	assert.Equal(t, 1, h.timers.armCount(), "acknowledged occurrence must not be re-armed")
	armed, err := h.timers.Armed(ctx, "svc")
	require.NoError(t, err)
	assert.False(t, armed)
	assert.Equal(t, 1, h.recorder.stale[StaleAcknowledged])
}

func TestRecoveryDuringDispatchKeepsNewOccurrenceTimer(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.coordinator.AlertEmitted(ctx, domain.AlertEmitted{ServiceID: "svc", AlertID: "a1"}))

	h.notifier.onDispatch = firstCall(func() { h.reopen(t, "a2") })
	h.timeout(t, "svc")

	assert.Equal(t, "a2", h.timers.lastArm().Payload.AlertID)
	assert.Equal(t, 1, h.recorder.stale[StaleSuperseded])

	// The live timer belongs to a2 and escalates it.
	live := h.timers.lastArm().Payload
	require.NoError(t, h.coordinator.AcknowledgementTimeout(ctx, domain.AcknowledgementTimeout{
		ServiceID: "svc",
		Payload:   &live,
	}))
	assert.Equal(t, 1, h.level(t, "svc"))
}

func TestAcknowledgeBeforeArmLandsCancelsTimer(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.coordinator.AlertEmitted(ctx, domain.AlertEmitted{ServiceID: "svc", AlertID: "a1"}))

	h.timers.beforeArm = firstCall(func() {
		_, _, err := h.coordinator.Acknowledge(context.Background(), "svc")
		require.NoError(t, err)
	})
	h.timeout(t, "svc")

	armed, err := h.timers.Armed(ctx, "svc")
	require.NoError(t, err)
	assert.False(t, armed)
}

func TestRecoveryBeforeArmLandsHandsTimerToNewOccurrence(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.coordinator.AlertEmitted(ctx, domain.AlertEmitted{ServiceID: "svc", AlertID: "a1"}))

	h.timers.beforeArm = firstCall(func() { h.reopen(t, "a2") })
	h.timeout(t, "svc")

	assert.Equal(t, "a2", h.timers.lastArm().Payload.AlertID)
	armed, err := h.timers.Armed(ctx, "svc")
	require.NoError(t, err)
	assert.True(t, armed)
	current, _, err := h.coordinator.GetServiceState(ctx, "svc")
	require.NoError(t, err)
	assert.Equal(t, "a2", current.ID)
	assert.Equal(t, 0, current.EscalationLevel)
}
