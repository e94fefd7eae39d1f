package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lerian-regulatory-engine/internal/apperrors"
	"lerian-regulatory-engine/internal/logging"
	"lerian-regulatory-engine/pkg/types"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:", logging.NewNoOpLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteUpsertRoundTrip(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	in := testConflict("p1", "p2", types.ConflictHierarchical)
	in.Evidence.AuthorityGap = 2
	in.FrameworkID = "gdpr"

	stored, created, err := store.UpsertDetected(ctx, in)
	require.NoError(t, err)
	assert.True(t, created)
	require.Equal(t, int64(1), stored.Version)

	got, err := store.GetConflict(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, stored.ID, got.ID)
	assert.Equal(t, types.ConflictHierarchical, got.Type)
	assert.Equal(t, 2, got.Evidence.AuthorityGap)
	assert.Equal(t, "gdpr", got.FrameworkID)
	assert.Equal(t, []string{"eu"}, got.Jurisdiction)
}

func TestSQLiteUpsertIsIdempotent(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	first, created, err := store.UpsertDetected(ctx, testConflict("p1", "p2", types.ConflictTemporal))
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := store.UpsertDetected(ctx, testConflict("p2", "p1", types.ConflictTemporal))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Version, second.Version)

	all, err := store.ListConflicts(ctx, ConflictFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSQLiteUpsertRefreshesChangedSeverity(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	first, _, err := store.UpsertDetected(ctx, testConflict("p1", "p2", types.ConflictTemporal))
	require.NoError(t, err)

	changed := testConflict("p1", "p2", types.ConflictTemporal)
	changed.Severity = 0.8
	second, created, err := store.UpsertDetected(ctx, changed)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 0.8, second.Severity)
	assert.Equal(t, first.Version+1, second.Version)

	got, err := store.GetConflict(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.8, got.Severity)
}

func TestSQLiteUpdateStatusCAS(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	stored, _, err := store.UpsertDetected(ctx, testConflict("p1", "p2", types.ConflictHierarchical))
	require.NoError(t, err)

	updated, err := store.UpdateStatus(ctx, stored.ID, stored.Version, types.StatusStrategySelected)
	require.NoError(t, err)
	assert.Equal(t, types.StatusStrategySelected, updated.Status)

	_, err = store.UpdateStatus(ctx, stored.ID, stored.Version, types.StatusEscalated)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrorCodeWriteConflict))

	_, err = store.UpdateStatus(ctx, updated.ID, updated.Version, types.StatusDetected)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrorCodeIllegalTransition))
}

func TestSQLiteResolvedPairCanBeRedetected(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	stored, _, err := store.UpsertDetected(ctx, testConflict("p1", "p2", types.ConflictHierarchical))
	require.NoError(t, err)

	c := stored
	for _, next := range []types.ConflictStatus{types.StatusStrategySelected, types.StatusApplied, types.StatusResolved} {
		c, err = store.UpdateStatus(ctx, c.ID, c.Version, next)
		require.NoError(t, err)
	}

	fresh := testConflict("p1", "p2", types.ConflictHierarchical)
	fresh.ID = "conflict-fresh"
	_, created, err := store.UpsertDetected(ctx, fresh)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestSQLiteListConflictsFilters(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	high := testConflict("p1", "p2", types.ConflictHierarchical)
	high.Severity = 0.9
	low := testConflict("p3", "p4", types.ConflictSemantic)
	low.Severity = 0.3
	low.Jurisdiction = []string{"us", "ca"}

	_, _, err := store.UpsertDetected(ctx, high)
	require.NoError(t, err)
	_, _, err = store.UpsertDetected(ctx, low)
	require.NoError(t, err)

	min := 0.5
	severe, err := store.ListConflicts(ctx, ConflictFilter{MinSeverity: &min})
	require.NoError(t, err)
	require.Len(t, severe, 1)
	assert.Equal(t, high.ID, severe[0].ID)

	us, err := store.ListConflicts(ctx, ConflictFilter{Jurisdiction: "us"})
	require.NoError(t, err)
	require.Len(t, us, 1)
	assert.Equal(t, low.ID, us[0].ID)

	limited, err := store.ListConflicts(ctx, ConflictFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLiteResolutionHistory(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	rec := &types.ResolutionRecord{
		ID:         "res-1",
		ConflictID: "conflict-1",
		Strategy: types.AppliedStrategy{
			Type:   types.StrategyHarmonization,
			Params: map[string]string{"policy": "most_restrictive"},
		},
		Outcome:    types.OutcomeApplied,
		Confidence: 0.85,
		Rationale: types.Rationale{
			RuleApplied: "harmonization",
			Merged:      &types.NumericRequirement{Value: 30, Unit: "days", Direction: "max"},
		},
		AppliedAt: time.Now().UTC(),
	}
	require.NoError(t, store.AppendResolution(ctx, rec))

	history, err := store.GetByConflict(ctx, "conflict-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, types.StrategyHarmonization, history[0].Strategy.Type)
	assert.Equal(t, "most_restrictive", history[0].Strategy.Params["policy"])
	require.NotNil(t, history[0].Rationale.Merged)
	assert.Equal(t, float64(30), history[0].Rationale.Merged.Value)
}

func TestSQLiteEscalationCaseLifecycle(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	c := testCase("case-1", "conflict-1")
	require.NoError(t, store.CreateCase(ctx, c))

	err := store.CreateCase(ctx, testCase("case-2", "conflict-1"))
	assert.True(t, apperrors.IsCode(err, apperrors.ErrorCodeAlreadyExists))

	open, err := store.GetOpenCaseByConflict(ctx, "conflict-1")
	require.NoError(t, err)
	assert.Equal(t, "case-1", open.ID)

	now := time.Now().UTC()
	acked := *open
	acked.Status = types.EscalationAcknowledged
	acked.Acknowledged = &now
	updated, err := store.UpdateCase(ctx, &acked, open.Version)
	require.NoError(t, err)
	require.NotNil(t, updated)

	demoted := *updated
	demoted.Level = 0
	_, err = store.UpdateCase(ctx, &demoted, updated.Version)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrorCodeInvalidValue))

	closed := *updated
	closed.Status = types.EscalationClosed
	closed.ClosedAt = &now
	closed.ClosedBy = "auditor"
	final, err := store.UpdateCase(ctx, &closed, updated.Version)
	require.NoError(t, err)
	require.NotNil(t, final.ClosedAt)
	assert.Equal(t, "auditor", final.ClosedBy)

	_, err = store.GetOpenCaseByConflict(ctx, "conflict-1")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrorCodeNotFound))

	require.NoError(t, store.CreateCase(ctx, testCase("case-3", "conflict-1")))

	openCases, err := store.ListOpenCases(ctx)
	require.NoError(t, err)
	require.Len(t, openCases, 1)
	assert.Equal(t, "case-3", openCases[0].ID)
}
