// Package analytics aggregates terminal resolution outcomes per
// (conflict type, jurisdiction bucket, strategy) signature and serves the
// historical priors the strategy engine blends into its confidence scores.
package analytics

import (
	"context"

	"lerian-regulatory-engine/internal/events"
	"lerian-regulatory-engine/internal/logging"
	"lerian-regulatory-engine/internal/storage"
	"lerian-regulatory-engine/pkg/types"
)

// NeutralPrior is the success-rate prior served for signatures with no
// history. It matches the add-one smoothed rate of an empty counter.
const NeutralPrior = 0.5

// Snapshot is an immutable view of the outcome statistics, taken once at
// the start of a cycle. The strategy engine reads priors from a snapshot
// and never observes in-flight merges.
type Snapshot struct {
	stats map[string]types.StrategyOutcomeStat
}

// EmptySnapshot returns a snapshot with no history; every prior is neutral.
func EmptySnapshot() *Snapshot {
	return &Snapshot{stats: map[string]types.StrategyOutcomeStat{}}
}

// PriorFor returns the smoothed historical success rate for a signature.
// A signature without history yields the neutral prior.
func (s *Snapshot) PriorFor(key types.StatKey) float64 {
	stat, ok := s.stats[key.String()]
	if !ok {
		return NeutralPrior
	}
	return stat.SuccessRate()
}

// Stat returns the raw counters for a signature.
func (s *Snapshot) Stat(key types.StatKey) (types.StrategyOutcomeStat, bool) {
	stat, ok := s.stats[key.String()]
	return stat, ok
}

// Len returns the number of tracked signatures.
func (s *Snapshot) Len() int {
	return len(s.stats)
}

// Stats returns a copy of every tracked signature's counters, keyed by the
// signature string.
func (s *Snapshot) Stats() map[string]types.StrategyOutcomeStat {
	out := make(map[string]types.StrategyOutcomeStat, len(s.stats))
	for k, v := range s.stats {
		out[k] = v
	}
	return out
}

// Recorder folds terminal resolution outcomes into the stats store and
// serves snapshots.
type Recorder struct {
	store  storage.StatsStore
	logger logging.Logger
}

// NewRecorder wires a recorder onto a stats store.
func NewRecorder(store storage.StatsStore, logger logging.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

// Snapshot reads the last committed statistics.
func (r *Recorder) Snapshot(ctx context.Context) (*Snapshot, error) {
	stats, err := r.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return &Snapshot{stats: stats}, nil
}

// KeyFor derives the analytics signature of an applied strategy.
func KeyFor(conflict *types.Conflict, strategy types.StrategyType) types.StatKey {
	return types.StatKey{
		ConflictType:       conflict.Type,
		JurisdictionBucket: conflict.JurisdictionBucket(),
		Strategy:           strategy,
	}
}

// RecordOutcome merges one terminal outcome.
func (r *Recorder) RecordOutcome(ctx context.Context, conflict *types.Conflict, strategy types.StrategyType, success bool) error {
	return r.store.Merge(ctx, KeyFor(conflict, strategy), success)
}

// Run consumes resolution events from the bus until ctx is done or the bus
// stops. It is the async write phase: the strategy engine purely publishes,
// the recorder merges later. The subscription is taken before Run returns,
// so outcomes published right after the call are never missed; the drain
// loop itself runs in a background goroutine.
func (r *Recorder) Run(ctx context.Context, bus *events.Bus) error {
	sub, err := bus.Subscribe(
		events.EventResolutionApplied,
		events.EventResolutionReverted,
		events.EventResolutionFailed,
	)
	if err != nil {
		return err
	}

	go func() {
		defer bus.Unsubscribe(sub.ID)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sub.Channel:
				if !ok {
					return
				}
				r.handle(ctx, event)
			}
		}
	}()
	return nil
}

func (r *Recorder) handle(ctx context.Context, event *events.Event) {
	outcome, ok := event.Payload.(*events.ResolutionOutcome)
	if !ok || outcome.Conflict == nil || outcome.Record == nil {
		r.logger.Warn("ignoring malformed resolution event", "event_type", string(event.Type))
		return
	}

	success := event.Type == events.EventResolutionApplied
	if err := r.RecordOutcome(ctx, outcome.Conflict, outcome.Record.Strategy.Type, success); err != nil {
		r.logger.Error("failed to merge resolution outcome",
			"conflict_id", outcome.Conflict.ID,
			"strategy", string(outcome.Record.Strategy.Type),
			"error", err)
	}
}
