package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lerian-regulatory-engine/internal/events"
	"lerian-regulatory-engine/internal/logging"
	"lerian-regulatory-engine/internal/storage"
	"lerian-regulatory-engine/pkg/types"
)

func statConflict() *types.Conflict {
	return &types.Conflict{
		ID:      "conflict-1",
		PairKey: types.NewPairKey("p1", "p2"),
		Type:    types.ConflictHierarchical,
		Evidence: types.ConflictEvidence{
			JurisdictionIntersection: []string{"us"},
		},
	}
}

func TestSnapshotColdStartIsNeutral(t *testing.T) {
	snap := EmptySnapshot()
	prior := snap.PriorFor(types.StatKey{
		ConflictType:       types.ConflictSemantic,
		JurisdictionBucket: "eu",
		Strategy:           types.StrategyHarmonization,
	})
	assert.Equal(t, NeutralPrior, prior)
}

func TestRecorderMergesOutcomesIntoPrior(t *testing.T) {
	store := storage.NewMemoryStore()
	recorder := NewRecorder(store, logging.NewNoOpLogger())
	ctx := context.Background()
	conflict := statConflict()

	for i := 0; i < 8; i++ {
		require.NoError(t, recorder.RecordOutcome(ctx, conflict, types.StrategyLexSuperior, true))
	}

	snap, err := recorder.Snapshot(ctx)
	require.NoError(t, err)
	prior := snap.PriorFor(KeyFor(conflict, types.StrategyLexSuperior))
	assert.InDelta(t, 0.9, prior, 1e-9)

	// The snapshot is immutable: later merges do not show up in it.
	require.NoError(t, recorder.RecordOutcome(ctx, conflict, types.StrategyLexSuperior, false))
	assert.InDelta(t, 0.9, snap.PriorFor(KeyFor(conflict, types.StrategyLexSuperior)), 1e-9)

	fresh, err := recorder.Snapshot(ctx)
	require.NoError(t, err)
	assert.Less(t, fresh.PriorFor(KeyFor(conflict, types.StrategyLexSuperior)), 0.9)
}

func TestRecorderRunConsumesBusEvents(t *testing.T) {
	store := storage.NewMemoryStore()
	recorder := NewRecorder(store, logging.NewNoOpLogger())
	bus := events.NewBus(16, logging.NewNoOpLogger())

	ctx, cancel := context.WithCancel(context.Background())
	// Run returns with the subscription already registered, so the
	// publishes below cannot slip past the drain loop.
	require.NoError(t, recorder.Run(ctx, bus))

	conflict := statConflict()
	record := &types.ResolutionRecord{
		ID:         "res-1",
		ConflictID: conflict.ID,
		Strategy:   types.AppliedStrategy{Type: types.StrategyLexSuperior},
		Outcome:    types.OutcomeApplied,
		Confidence: 0.9,
		AppliedAt:  time.Now().UTC(),
	}

	bus.Publish(events.EventResolutionApplied, &events.ResolutionOutcome{Conflict: conflict, Record: record})

	failed := *record
	failed.Outcome = types.OutcomeFailed
	bus.Publish(events.EventResolutionFailed, &events.ResolutionOutcome{Conflict: conflict, Record: &failed})

	require.Eventually(t, func() bool {
		snap, err := store.Snapshot(context.Background())
		if err != nil {
			return false
		}
		stat, ok := snap[KeyFor(conflict, types.StrategyLexSuperior).String()]
		return ok && stat.SuccessCount == 1 && stat.FailureCount == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	bus.Stop()
}
