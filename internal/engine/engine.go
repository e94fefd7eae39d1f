// Package engine coordinates one detection-resolution cycle: snapshot the
// strategy analytics, scan provisions for conflicts, run each detected
// conflict through the resolver, and reconcile the escalation queue with
// the outcome.
package engine

import (
	"context"
	"sync"
	"time"

	"lerian-regulatory-engine/internal/analytics"
	"lerian-regulatory-engine/internal/detection"
	"lerian-regulatory-engine/internal/escalation"
	"lerian-regulatory-engine/internal/events"
	"lerian-regulatory-engine/internal/logging"
	"lerian-regulatory-engine/internal/resolution"
	"lerian-regulatory-engine/pkg/types"
)

// ProvisionSource feeds provisions into the cycle. Snapshot returns the
// full working set; Delta returns provisions added or changed since the
// given time.
type ProvisionSource interface {
	Snapshot(ctx context.Context) ([]*types.NormativeProvision, error)
	Delta(ctx context.Context, since time.Time) ([]*types.NormativeProvision, error)
}

// CycleReport summarizes one full pass.
type CycleReport struct {
	Detection *detection.Report

	Resolved    int
	Escalated   int
	Failed      int
	ClosedCases int
	Errors      int

	StartedAt time.Time
	Duration  time.Duration
}

// Engine runs detection and resolution as one unit. It owns the provision
// index between incremental cycles.
type Engine struct {
	detector   *detection.Detector
	resolver   *resolution.Resolver
	recorder   *analytics.Recorder
	escalation *escalation.Manager
	bus        *events.Bus
	logger     logging.Logger

	// mu serializes cycles; the provision index is shared between them.
	mu    sync.Mutex
	index *detection.ProvisionIndex
	now   func() time.Time
}

// New wires an engine. The bus may be nil.
func New(detector *detection.Detector, resolver *resolution.Resolver, recorder *analytics.Recorder, esc *escalation.Manager, bus *events.Bus, logger logging.Logger) *Engine {
	return &Engine{
		detector:   detector,
		resolver:   resolver,
		recorder:   recorder,
		escalation: esc,
		bus:        bus,
		logger:     logger,
		index:      detection.NewProvisionIndex(),
		now:        time.Now,
	}
}

// RunCycle scans the full provision set and resolves everything it finds.
// The analytics snapshot is taken once at the start so every conflict in
// the cycle sees the same priors.
func (e *Engine) RunCycle(ctx context.Context, provisions []*types.NormativeProvision, declaredContext []string) (*CycleReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.index = detection.NewProvisionIndex(provisions...)
	return e.cycle(ctx, declaredContext, func(ctx context.Context) (*detection.Report, error) {
		return e.detector.DetectIncremental(ctx, provisions, e.index)
	})
}

// RunDelta folds changed provisions into the standing index and only
// re-evaluates pairs the delta touches.
func (e *Engine) RunDelta(ctx context.Context, delta []*types.NormativeProvision, declaredContext []string) (*CycleReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cycle(ctx, declaredContext, func(ctx context.Context) (*detection.Report, error) {
		return e.detector.DetectIncremental(ctx, delta, e.index)
	})
}

// RunFromSource pulls the full working set from the source and runs a
// cycle over it.
func (e *Engine) RunFromSource(ctx context.Context, src ProvisionSource, declaredContext []string) (*CycleReport, error) {
	provisions, err := src.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return e.RunCycle(ctx, provisions, declaredContext)
}

// RunDeltaFromSource pulls provisions changed since the given time and
// folds them into the standing index.
func (e *Engine) RunDeltaFromSource(ctx context.Context, src ProvisionSource, since time.Time, declaredContext []string) (*CycleReport, error) {
	delta, err := src.Delta(ctx, since)
	if err != nil {
		return nil, err
	}
	if len(delta) == 0 {
		return &CycleReport{StartedAt: e.now().UTC(), Detection: &detection.Report{}}, nil
	}
	return e.RunDelta(ctx, delta, declaredContext)
}

func (e *Engine) cycle(ctx context.Context, declaredContext []string, detect func(context.Context) (*detection.Report, error)) (*CycleReport, error) {
	report := &CycleReport{StartedAt: e.now().UTC()}

	priors, err := e.recorder.Snapshot(ctx)
	if err != nil {
		e.logger.Warn("analytics snapshot unavailable, using neutral priors", "error", err)
		priors = analytics.EmptySnapshot()
	}

	detected, err := detect(ctx)
	report.Detection = detected
	if err != nil {
		report.Duration = e.now().UTC().Sub(report.StartedAt)
		return report, err
	}

	for _, conflict := range detected.Conflicts {
		e.publishConflict(conflict)
		if err := e.dispatch(ctx, conflict, priors, declaredContext, report); err != nil {
			report.Errors++
			e.logger.Error("resolution pass failed",
				"conflict_id", conflict.ID, "error", err)
		}
	}

	report.Duration = e.now().UTC().Sub(report.StartedAt)
	e.logger.Info("cycle complete",
		"provisions", detected.Provisions,
		"pairs", detected.PairsEvaluated,
		"conflicts", len(detected.Conflicts),
		"resolved", report.Resolved,
		"escalated", report.Escalated,
		"failed", report.Failed,
		"duration", report.Duration)
	return report, nil
}

// dispatch resolves one conflict and reconciles its escalation case.
func (e *Engine) dispatch(ctx context.Context, conflict *types.Conflict, priors resolution.PriorSource, declaredContext []string, report *CycleReport) error {
	a := e.index.Get(conflict.PairKey.Low)
	b := e.index.Get(conflict.PairKey.High)

	res, err := e.resolver.Resolve(ctx, conflict, a, b, priors, declaredContext)
	if err != nil {
		return err
	}

	switch res.Conflict.Status {
	case types.StatusResolved:
		report.Resolved++
		// A case opened by an earlier failed pass is now moot.
		if closed, cerr := e.escalation.CloseForConflict(ctx, res.Conflict.ID, "engine"); cerr != nil {
			e.logger.Warn("failed to close stale escalation case",
				"conflict_id", res.Conflict.ID, "error", cerr)
		} else if closed != nil {
			report.ClosedCases++
		}
	case types.StatusEscalated:
		report.Escalated++
	case types.StatusFailed:
		report.Failed++
	}
	return nil
}

func (e *Engine) publishConflict(c *types.Conflict) {
	if e.bus == nil {
		return
	}
	eventType := events.EventConflictDetected
	if c.Version > 1 {
		eventType = events.EventConflictUpdated
	}
	e.bus.Publish(eventType, c)
}
