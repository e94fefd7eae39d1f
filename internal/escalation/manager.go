// Package escalation manages the human-review queue: it opens cases for
// conflicts the resolver could not defensibly auto-resolve, enforces
// acknowledgment SLAs with automatic level advancement, and tracks each
// case through acknowledgment, review, and closure.
package escalation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"lerian-regulatory-engine/internal/apperrors"
	"lerian-regulatory-engine/internal/config"
	"lerian-regulatory-engine/internal/events"
	"lerian-regulatory-engine/internal/logging"
	"lerian-regulatory-engine/internal/notify"
	"lerian-regulatory-engine/internal/storage"
	"lerian-regulatory-engine/pkg/types"
)

// Manager owns the escalation case lifecycle. One manager instance runs the
// SLA sweep; stores serialize the underlying writes.
type Manager struct {
	cfg      config.EscalationConfig
	cases    storage.EscalationStore
	notifier notify.Notifier
	bus      *events.Bus
	logger   logging.Logger

	mu  sync.Mutex
	now func() time.Time

	alerts       chan alertRequest
	alertTimeout time.Duration
}

type alertRequest struct {
	stakeholder string
	c           *types.EscalationCase
}

// NewManager wires an escalation manager. The bus may be nil when no
// consumer subscribes to escalation events; a nil notifier disables alerts.
func NewManager(cfg config.EscalationConfig, cases storage.EscalationStore, notifier notify.Notifier, bus *events.Bus, logger logging.Logger) *Manager {
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	m := &Manager{
		cfg:          cfg,
		cases:        cases,
		notifier:     notifier,
		bus:          bus,
		logger:       logger,
		now:          time.Now,
		alerts:       make(chan alertRequest, 64),
		alertTimeout: 30 * time.Second,
	}
	go m.deliverAlerts()
	return m
}

// Escalate opens a review case for the conflict, or returns the case that
// is already open for it. High-severity conflicts skip level 1.
func (m *Manager) Escalate(ctx context.Context, conflict *types.Conflict, reason types.EscalationReason) (*types.EscalationCase, error) {
	existing, err := m.cases.GetOpenCaseByConflict(ctx, conflict.ID)
	if err == nil {
		return existing, nil
	}
	if !apperrors.IsCode(err, apperrors.ErrorCodeNotFound) {
		return nil, err
	}

	now := m.now().UTC()
	level := m.initialLevel(conflict.Severity)
	c := &types.EscalationCase{
		ID:          uuid.New().String(),
		ConflictID:  conflict.ID,
		Level:       level,
		Reason:      reason,
		Status:      types.EscalationOpen,
		OpenedAt:    now,
		SLADeadline: now.Add(m.cfg.SLAWindowFor(level)),
		Version:     1,
	}
	if err := m.cases.CreateCase(ctx, c); err != nil {
		// A concurrent escalation for the same conflict got there first.
		if apperrors.IsCode(err, apperrors.ErrorCodeAlreadyExists) {
			return m.cases.GetOpenCaseByConflict(ctx, conflict.ID)
		}
		return nil, err
	}

	m.logger.Info("escalation case opened",
		"case_id", c.ID,
		"conflict_id", conflict.ID,
		"level", c.Level,
		"reason", string(reason))
	m.publish(events.EventEscalationOpened, c, conflict)
	m.alert(c)
	return c, nil
}

// initialLevel maps conflict severity to the starting review level.
func (m *Manager) initialLevel(severity float64) int {
	level := 1
	if severity >= m.cfg.HighSeverityThreshold {
		level = 2
	}
	if m.cfg.MaxLevel > 0 && level > m.cfg.MaxLevel {
		level = m.cfg.MaxLevel
	}
	return level
}

// Acknowledge marks an open case acknowledged, stopping SLA advancement.
func (m *Manager) Acknowledge(ctx context.Context, caseID, actor string) (*types.EscalationCase, error) {
	c, err := m.cases.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	updated := *c
	updated.Status = types.EscalationAcknowledged
	updated.Acknowledged = &now

	result, err := m.cases.UpdateCase(ctx, &updated, c.Version)
	if err != nil {
		return nil, err
	}
	m.logger.Info("escalation case acknowledged",
		"case_id", caseID, "actor", actor, "level", result.Level)
	return result, nil
}

// StartReview moves an acknowledged case into active review.
func (m *Manager) StartReview(ctx context.Context, caseID, actor string) (*types.EscalationCase, error) {
	c, err := m.cases.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	updated := *c
	updated.Status = types.EscalationInReview

	result, err := m.cases.UpdateCase(ctx, &updated, c.Version)
	if err != nil {
		return nil, err
	}
	m.logger.Info("escalation case in review", "case_id", caseID, "actor", actor)
	return result, nil
}

// Close terminates a live case. Closure is legal from any non-closed state.
func (m *Manager) Close(ctx context.Context, caseID, actor string) (*types.EscalationCase, error) {
	c, err := m.cases.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return m.close(ctx, c, actor)
}

// CloseForConflict closes the open case for a conflict, if any. Used when a
// later detection cycle resolves the conflict out from under its reviewers.
func (m *Manager) CloseForConflict(ctx context.Context, conflictID, actor string) (*types.EscalationCase, error) {
	c, err := m.cases.GetOpenCaseByConflict(ctx, conflictID)
	if err != nil {
		if apperrors.IsCode(err, apperrors.ErrorCodeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return m.close(ctx, c, actor)
}

func (m *Manager) close(ctx context.Context, c *types.EscalationCase, actor string) (*types.EscalationCase, error) {
	now := m.now().UTC()
	updated := *c
	updated.Status = types.EscalationClosed
	updated.ClosedAt = &now
	updated.ClosedBy = actor

	result, err := m.cases.UpdateCase(ctx, &updated, c.Version)
	if err != nil {
		return nil, err
	}
	m.logger.Info("escalation case closed",
		"case_id", result.ID, "closed_by", actor, "level", result.Level)
	m.publish(events.EventEscalationClosed, result, nil)
	return result, nil
}

// Run drives SLA enforcement until the context ends. Open cases whose
// acknowledgment deadline passed advance one level and restart the clock.
func (m *Manager) Run(ctx context.Context) {
	resolution := m.cfg.TimerResolution
	if resolution <= 0 {
		resolution = time.Second
	}
	ticker := time.NewTicker(resolution)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep advances every open case whose SLA deadline has passed. Exposed so
// tests and the engine can force a pass without waiting on the ticker.
func (m *Manager) Sweep(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	open, err := m.cases.ListOpenCases(ctx)
	if err != nil {
		m.logger.Error("sla sweep failed to list open cases", "error", err)
		return
	}
	now := m.now().UTC()
	for _, c := range open {
		if c.Status != types.EscalationOpen || c.SLADeadline.After(now) {
			continue
		}
		m.advance(ctx, c, now)
	}
}

// advance bumps an overdue case one level, capped at the configured
// maximum, and restarts the acknowledgment window.
func (m *Manager) advance(ctx context.Context, c *types.EscalationCase, now time.Time) {
	level := c.Level + 1
	if level > m.cfg.MaxLevel {
		level = m.cfg.MaxLevel
	}
	updated := *c
	updated.Level = level
	updated.Reason = types.ReasonSLAExpired
	updated.SLADeadline = now.Add(m.cfg.SLAWindowFor(level))

	result, err := m.cases.UpdateCase(ctx, &updated, c.Version)
	if err != nil {
		// A concurrent ack or close won the race; the next sweep sees the
		// final state.
		if apperrors.IsCode(err, apperrors.ErrorCodeWriteConflict) {
			return
		}
		m.logger.Error("failed to advance overdue case",
			"case_id", c.ID, "error", err)
		return
	}

	m.logger.Warn("sla expired, case advanced",
		"case_id", result.ID,
		"level", result.Level,
		"deadline", result.SLADeadline)
	m.publish(events.EventEscalationAdvanced, result, nil)
	m.alert(result)
}

// alert queues a stakeholder notification without blocking the caller. A
// single worker drains the queue, so alerts arrive in case-lifecycle order;
// a full queue drops the alert rather than stalling case writes.
func (m *Manager) alert(c *types.EscalationCase) {
	snapshot := *c
	select {
	case m.alerts <- alertRequest{stakeholder: stakeholderFor(snapshot.Level), c: &snapshot}:
	default:
		m.logger.Warn("alert queue full, escalation alert dropped", "case_id", snapshot.ID)
	}
}

func (m *Manager) deliverAlerts() {
	for req := range m.alerts {
		ctx, cancel := context.WithTimeout(context.Background(), m.alertTimeout)
		err := m.notifier.Notify(ctx, req.stakeholder, req.c)
		cancel()
		if err != nil {
			m.logger.Warn("escalation alert not delivered",
				"case_id", req.c.ID, "error", err)
		}
	}
}

// stakeholderFor names the review tier responsible for a level.
func stakeholderFor(level int) string {
	return fmt.Sprintf("review-level-%d", level)
}

func (m *Manager) publish(eventType events.EventType, c *types.EscalationCase, conflict *types.Conflict) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventType, &events.EscalationChange{Case: c, Conflict: conflict})
}
