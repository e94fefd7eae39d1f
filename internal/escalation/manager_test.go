package escalation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lerian-regulatory-engine/internal/apperrors"
	"lerian-regulatory-engine/internal/config"
	"lerian-regulatory-engine/internal/events"
	"lerian-regulatory-engine/internal/logging"
	"lerian-regulatory-engine/internal/storage"
	"lerian-regulatory-engine/pkg/types"
)

// recordingNotifier captures alerts for assertions.
type recordingNotifier struct {
	mu     sync.Mutex
	alerts []string // "stakeholder/level"
}

func (n *recordingNotifier) Notify(_ context.Context, stakeholder string, c *types.EscalationCase) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, stakeholder)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

func (n *recordingNotifier) last() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.alerts) == 0 {
		return ""
	}
	return n.alerts[len(n.alerts)-1]
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.alerts...)
}

func testEscalationConfig() config.EscalationConfig {
	return config.EscalationConfig{
		SLAWindows: []config.SLAWindow{
			{Level: 1, Window: time.Hour},
			{Level: 2, Window: 4 * time.Hour},
			{Level: 3, Window: 24 * time.Hour},
		},
		MaxLevel:              3,
		HighSeverityThreshold: 0.8,
		TimerResolution:       10 * time.Millisecond,
	}
}

type managerHarness struct {
	store    *storage.MemoryStore
	notifier *recordingNotifier
	manager  *Manager
	clock    *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newManagerHarness(t *testing.T) *managerHarness {
	t.Helper()
	store := storage.NewMemoryStore()
	notifier := &recordingNotifier{}
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewManager(testEscalationConfig(), store, notifier, nil, logging.NewNoOpLogger())
	m.now = clock.Now
	return &managerHarness{store: store, notifier: notifier, manager: m, clock: clock}
}

func conflictWithSeverity(id string, severity float64) *types.Conflict {
	return &types.Conflict{
		ID:       id,
		PairKey:  types.NewPairKey("p-"+id+"-a", "p-"+id+"-b"),
		Type:     types.ConflictHierarchical,
		Severity: severity,
		Status:   types.StatusEscalated,
		Version:  1,
	}
}

func TestEscalateOpensLevelOneCase(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	c, err := h.manager.Escalate(ctx, conflictWithSeverity("c-1", 0.5), types.ReasonLowConfidence)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Level)
	assert.Equal(t, types.EscalationOpen, c.Status)
	assert.Equal(t, types.ReasonLowConfidence, c.Reason)
	assert.Equal(t, h.clock.Now().Add(time.Hour), c.SLADeadline)

	require.Eventually(t, func() bool { return h.notifier.count() == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, "review-level-1", h.notifier.last())
}

func TestEscalateHighSeveritySkipsLevelOne(t *testing.T) {
	h := newManagerHarness(t)

	c, err := h.manager.Escalate(context.Background(), conflictWithSeverity("c-1", 0.85), types.ReasonStrategyInapplicable)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Level)
	assert.Equal(t, h.clock.Now().Add(4*time.Hour), c.SLADeadline)
}

func TestEscalateIsIdempotentPerConflict(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()
	conflict := conflictWithSeverity("c-1", 0.5)

	first, err := h.manager.Escalate(ctx, conflict, types.ReasonLowConfidence)
	require.NoError(t, err)
	second, err := h.manager.Escalate(ctx, conflict, types.ReasonWriteContention)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, types.ReasonLowConfidence, second.Reason)
	cases, err := h.store.ListCases(ctx, storage.EscalationFilter{ConflictID: conflict.ID})
	require.NoError(t, err)
	assert.Len(t, cases, 1)
}

func TestAcknowledgeStopsSLAAdvancement(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	c, err := h.manager.Escalate(ctx, conflictWithSeverity("c-1", 0.5), types.ReasonLowConfidence)
	require.NoError(t, err)

	acked, err := h.manager.Acknowledge(ctx, c.ID, "analyst-7")
	require.NoError(t, err)
	assert.Equal(t, types.EscalationAcknowledged, acked.Status)
	require.NotNil(t, acked.Acknowledged)

	h.clock.Advance(2 * time.Hour)
	h.manager.Sweep(ctx)

	fresh, err := h.store.GetCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.Level)
	assert.Equal(t, types.EscalationAcknowledged, fresh.Status)
}

func TestSweepAdvancesOverdueCase(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	c, err := h.manager.Escalate(ctx, conflictWithSeverity("c-1", 0.5), types.ReasonLowConfidence)
	require.NoError(t, err)
	require.Equal(t, 1, c.Level)

	h.clock.Advance(time.Hour + time.Minute)
	h.manager.Sweep(ctx)

	fresh, err := h.store.GetCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, fresh.Level)
	assert.Equal(t, types.ReasonSLAExpired, fresh.Reason)
	assert.Equal(t, types.EscalationOpen, fresh.Status)
	assert.Equal(t, h.clock.Now().Add(4*time.Hour), fresh.SLADeadline)

	require.Eventually(t, func() bool { return h.notifier.count() == 2 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, "review-level-2", h.notifier.last())
}

func TestAlertsFollowCaseProgression(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	_, err := h.manager.Escalate(ctx, conflictWithSeverity("c-1", 0.5), types.ReasonLowConfidence)
	require.NoError(t, err)

	h.clock.Advance(time.Hour + time.Minute)
	h.manager.Sweep(ctx)
	h.clock.Advance(4*time.Hour + time.Minute)
	h.manager.Sweep(ctx)

	// One delivery worker drains the queue, so stakeholders see the
	// open alert before either advancement.
	require.Eventually(t, func() bool { return h.notifier.count() == 3 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"review-level-1", "review-level-2", "review-level-3"}, h.notifier.all())
}

func TestSweepCapsAtMaxLevel(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	c, err := h.manager.Escalate(ctx, conflictWithSeverity("c-1", 0.9), types.ReasonLowConfidence)
	require.NoError(t, err)
	require.Equal(t, 2, c.Level)

	// 2 -> 3, then stays at 3 on further expiry.
	h.clock.Advance(5 * time.Hour)
	h.manager.Sweep(ctx)
	h.clock.Advance(25 * time.Hour)
	h.manager.Sweep(ctx)

	fresh, err := h.store.GetCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, fresh.Level)
	assert.Equal(t, types.EscalationOpen, fresh.Status)
}

func TestSweepLeavesCasesInsideWindowAlone(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	c, err := h.manager.Escalate(ctx, conflictWithSeverity("c-1", 0.5), types.ReasonLowConfidence)
	require.NoError(t, err)

	h.clock.Advance(30 * time.Minute)
	h.manager.Sweep(ctx)

	fresh, err := h.store.GetCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.Level)
	assert.Equal(t, types.ReasonLowConfidence, fresh.Reason)
}

func TestCaseLifecycleToClosure(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	c, err := h.manager.Escalate(ctx, conflictWithSeverity("c-1", 0.5), types.ReasonLowConfidence)
	require.NoError(t, err)

	_, err = h.manager.Acknowledge(ctx, c.ID, "analyst-7")
	require.NoError(t, err)
	_, err = h.manager.StartReview(ctx, c.ID, "analyst-7")
	require.NoError(t, err)

	closed, err := h.manager.Close(ctx, c.ID, "analyst-7")
	require.NoError(t, err)
	assert.Equal(t, types.EscalationClosed, closed.Status)
	assert.Equal(t, "analyst-7", closed.ClosedBy)
	require.NotNil(t, closed.ClosedAt)

	// Closed cases are immutable.
	_, err = h.manager.Acknowledge(ctx, c.ID, "analyst-7")
	require.Error(t, err)
}

func TestCloseForConflict(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()
	conflict := conflictWithSeverity("c-1", 0.5)

	opened, err := h.manager.Escalate(ctx, conflict, types.ReasonLowConfidence)
	require.NoError(t, err)

	closed, err := h.manager.CloseForConflict(ctx, conflict.ID, "engine")
	require.NoError(t, err)
	require.NotNil(t, closed)
	assert.Equal(t, opened.ID, closed.ID)
	assert.Equal(t, types.EscalationClosed, closed.Status)

	// No open case is not an error.
	none, err := h.manager.CloseForConflict(ctx, conflict.ID, "engine")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestEscalateAfterClosureOpensFreshCase(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()
	conflict := conflictWithSeverity("c-1", 0.5)

	first, err := h.manager.Escalate(ctx, conflict, types.ReasonLowConfidence)
	require.NoError(t, err)
	_, err = h.manager.Close(ctx, first.ID, "analyst-7")
	require.NoError(t, err)

	second, err := h.manager.Escalate(ctx, conflict, types.ReasonWriteContention)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, types.ReasonWriteContention, second.Reason)
	assert.Equal(t, 1, second.Level)
}

func TestEscalationEventsPublished(t *testing.T) {
	store := storage.NewMemoryStore()
	bus := events.NewBus(16, logging.NewNoOpLogger())
	defer bus.Stop()
	sub, err := bus.Subscribe(events.EventEscalationOpened, events.EventEscalationAdvanced, events.EventEscalationClosed)
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewManager(testEscalationConfig(), store, nil, bus, logging.NewNoOpLogger())
	m.now = clock.Now
	ctx := context.Background()

	c, err := m.Escalate(ctx, conflictWithSeverity("c-1", 0.5), types.ReasonLowConfidence)
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)
	m.Sweep(ctx)
	_, err = m.Close(ctx, c.ID, "analyst-7")
	require.NoError(t, err)

	var seen []events.EventType
	for len(seen) < 3 {
		select {
		case ev := <-sub.Channel:
			seen = append(seen, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d events", len(seen))
		}
	}
	assert.Equal(t, []events.EventType{
		events.EventEscalationOpened,
		events.EventEscalationAdvanced,
		events.EventEscalationClosed,
	}, seen)
}

func TestRunSweepsOnTimerResolution(t *testing.T) {
	h := newManagerHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := h.manager.Escalate(ctx, conflictWithSeverity("c-1", 0.5), types.ReasonLowConfidence)
	require.NoError(t, err)
	h.clock.Advance(2 * time.Hour)

	go h.manager.Run(ctx)

	require.Eventually(t, func() bool {
		fresh, gerr := h.store.GetCase(context.Background(), c.ID)
		return gerr == nil && fresh.Level == 2
	}, time.Second, 10*time.Millisecond)
}

func TestAcknowledgeUnknownCase(t *testing.T) {
	h := newManagerHarness(t)
	_, err := h.manager.Acknowledge(context.Background(), "missing", "analyst-7")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorCodeNotFound, apperrors.CodeOf(err))
}
