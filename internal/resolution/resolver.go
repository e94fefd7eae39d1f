package resolution

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"lerian-regulatory-engine/internal/apperrors"
	"lerian-regulatory-engine/internal/config"
	"lerian-regulatory-engine/internal/events"
	"lerian-regulatory-engine/internal/logging"
	"lerian-regulatory-engine/internal/retry"
	"lerian-regulatory-engine/internal/storage"
	"lerian-regulatory-engine/pkg/types"
)

// Escalator routes conflicts the engine cannot defensibly auto-resolve.
type Escalator interface {
	Escalate(ctx context.Context, conflict *types.Conflict, reason types.EscalationReason) (*types.EscalationCase, error)
}

// PriorSource serves historical success-rate priors. The analytics snapshot
// implements it; the resolver never sees live analytics writes.
type PriorSource interface {
	PriorFor(key types.StatKey) float64
}

// Result is the disposition of one conflict after a resolution pass.
type Result struct {
	Conflict *types.Conflict
	Record   *types.ResolutionRecord
	Case     *types.EscalationCase
}

// Escalated reports whether the pass ended in an escalation case.
func (r *Result) Escalated() bool { return r.Case != nil }

// Resolver drives the per-conflict state machine: strategy selection,
// confidence gating, record writing, and escalation routing. All conflict
// writes go through compare-and-swap on the stored version, so a losing
// concurrent resolver re-reads and retries instead of overwriting.
type Resolver struct {
	cfg         config.ResolutionConfig
	conflicts   storage.ConflictStore
	resolutions storage.ResolutionStore
	escalator   Escalator
	bus         *events.Bus
	logger      logging.Logger
	retrier     *retry.Retrier
	now         func() time.Time
}

// NewResolver wires a resolver from its dependencies. The bus may be nil
// when no consumer is interested in resolution events.
func NewResolver(cfg config.ResolutionConfig, conflicts storage.ConflictStore, resolutions storage.ResolutionStore, escalator Escalator, bus *events.Bus, logger logging.Logger) *Resolver {
	attempts := cfg.MaxWriteRetries
	if attempts < 1 {
		attempts = 1
	}
	return &Resolver{
		cfg:         cfg,
		conflicts:   conflicts,
		resolutions: resolutions,
		escalator:   escalator,
		bus:         bus,
		logger:      logger,
		retrier: retry.New(&retry.Config{
			MaxAttempts:     attempts,
			InitialDelay:    10 * time.Millisecond,
			MaxDelay:        250 * time.Millisecond,
			Multiplier:      2.0,
			RandomizeFactor: 0.2,
			RetryIf: func(err error) bool {
				return apperrors.IsCode(err, apperrors.ErrorCodeWriteConflict)
			},
		}),
		now: time.Now,
	}
}

// Resolve runs one conflict through the state machine. Only conflicts in
// Detected state are eligible; anything else is returned untouched.
func (r *Resolver) Resolve(ctx context.Context, conflict *types.Conflict, a, b *types.NormativeProvision, priors PriorSource, declaredContext []string) (*Result, error) {
	if conflict.Status != types.StatusDetected {
		return &Result{Conflict: conflict}, nil
	}
	if a == nil || b == nil {
		return nil, apperrors.Newf(apperrors.ErrorCodeValidation,
			"conflict %s references provisions missing from the working set", conflict.ID)
	}

	req := &Request{
		Conflict:        conflict,
		A:               a,
		B:               b,
		DeclaredContext: declaredContext,
		Config:          r.cfg,
		Now:             r.now(),
	}

	sel, err := selectStrategy(req)
	if err != nil {
		reason := types.ReasonStrategyInapplicable
		if errors.Is(err, ErrContextUndeclared) {
			reason = types.ReasonContextUndeclared
		}
		return r.fail(ctx, conflict, reason)
	}

	prior := priors.PriorFor(types.StatKey{
		ConflictType:       conflict.Type,
		JurisdictionBucket: conflict.JurisdictionBucket(),
		Strategy:           sel.strategy.Type(),
	})
	confidence := blendConfidence(sel.raw, prior)

	if confidence < r.cfg.ConfidenceThreshold {
		r.logger.Info("confidence below threshold, escalating",
			"conflict_id", conflict.ID,
			"strategy", string(sel.strategy.Type()),
			"confidence", confidence)
		return r.escalate(ctx, conflict, types.ReasonLowConfidence)
	}

	return r.apply(ctx, conflict, sel, confidence)
}

// apply walks Detected -> StrategySelected -> Applied -> Resolved, writing
// the resolution record between Applied and Resolved.
func (r *Resolver) apply(ctx context.Context, conflict *types.Conflict, sel *selection, confidence float64) (*Result, error) {
	current, err := r.transition(ctx, conflict, types.StatusStrategySelected)
	if err != nil {
		return r.handleTransitionFailure(ctx, conflict, err)
	}
	current, err = r.transition(ctx, current, types.StatusApplied)
	if err != nil {
		return r.handleTransitionFailure(ctx, current, err)
	}

	record := &types.ResolutionRecord{
		ID:         uuid.New().String(),
		ConflictID: current.ID,
		Strategy: types.AppliedStrategy{
			Type:   sel.strategy.Type(),
			Params: sel.outcome.Params,
		},
		Outcome:    types.OutcomeApplied,
		Confidence: confidence,
		Rationale:  sel.outcome.Rationale,
		AppliedAt:  r.now().UTC(),
	}
	if err := r.resolutions.AppendResolution(ctx, record); err != nil {
		r.logger.Error("failed to persist resolution record",
			"conflict_id", current.ID, "error", err)
		record.Outcome = types.OutcomeFailed
		if failed, ferr := r.transition(ctx, current, types.StatusFailed); ferr == nil {
			current = failed
		}
		r.publish(events.EventResolutionFailed, current, record)
		result, _ := r.escalate(ctx, current, types.ReasonStrategyInapplicable)
		return result, err
	}

	current, err = r.transition(ctx, current, types.StatusResolved)
	if err != nil {
		return r.handleTransitionFailure(ctx, current, err)
	}

	r.publish(events.EventResolutionApplied, current, record)
	r.logger.Info("conflict resolved",
		"conflict_id", current.ID,
		"strategy", string(record.Strategy.Type),
		"confidence", confidence)
	return &Result{Conflict: current, Record: record}, nil
}

// fail marks the conflict Failed and opens an escalation case. A logic gap
// is never silently dropped.
func (r *Resolver) fail(ctx context.Context, conflict *types.Conflict, reason types.EscalationReason) (*Result, error) {
	current, err := r.transition(ctx, conflict, types.StatusFailed)
	if err != nil {
		return r.handleTransitionFailure(ctx, conflict, err)
	}
	esc, err := r.escalator.Escalate(ctx, current, reason)
	if err != nil {
		return nil, err
	}
	return &Result{Conflict: current, Case: esc}, nil
}

// escalate transitions the conflict to Escalated and opens a case.
func (r *Resolver) escalate(ctx context.Context, conflict *types.Conflict, reason types.EscalationReason) (*Result, error) {
	current := conflict
	if current.Status.CanTransitionTo(types.StatusEscalated) {
		updated, err := r.transition(ctx, current, types.StatusEscalated)
		if err != nil {
			r.logger.Error("failed to mark conflict escalated",
				"conflict_id", current.ID, "error", err)
		} else {
			current = updated
		}
	}
	esc, err := r.escalator.Escalate(ctx, current, reason)
	if err != nil {
		return nil, err
	}
	return &Result{Conflict: current, Case: esc}, nil
}

// handleTransitionFailure deals with a CAS that lost even after bounded
// retries. Write contention escalates rather than failing silently; any
// other error propagates.
func (r *Resolver) handleTransitionFailure(ctx context.Context, conflict *types.Conflict, err error) (*Result, error) {
	if !apperrors.IsCode(err, apperrors.ErrorCodeWriteConflict) {
		return nil, err
	}
	r.logger.Warn("write contention exhausted retries, escalating",
		"conflict_id", conflict.ID)

	fresh, gerr := r.conflicts.GetConflict(ctx, conflict.ID)
	if gerr != nil {
		return nil, gerr
	}
	if fresh.Status.Terminal() {
		// The competing writer finished the job.
		return &Result{Conflict: fresh}, nil
	}
	return r.escalate(ctx, fresh, types.ReasonWriteContention)
}

// transition retries a CAS status update with a fresh read per attempt.
func (r *Resolver) transition(ctx context.Context, conflict *types.Conflict, next types.ConflictStatus) (*types.Conflict, error) {
	var updated *types.Conflict
	current := conflict
	result := r.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		updated, err = r.conflicts.UpdateStatus(ctx, current.ID, current.Version, next)
		if apperrors.IsCode(err, apperrors.ErrorCodeWriteConflict) {
			if fresh, gerr := r.conflicts.GetConflict(ctx, current.ID); gerr == nil {
				current = fresh
			}
		}
		return err
	})
	if result.Err != nil {
		return current, result.Err
	}
	return updated, nil
}

func (r *Resolver) publish(eventType events.EventType, conflict *types.Conflict, record *types.ResolutionRecord) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventType, &events.ResolutionOutcome{Conflict: conflict, Record: record})
}
