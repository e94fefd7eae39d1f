package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lerian-regulatory-engine/internal/analytics"
	"lerian-regulatory-engine/internal/config"
	"lerian-regulatory-engine/internal/detection"
	"lerian-regulatory-engine/internal/escalation"
	"lerian-regulatory-engine/internal/logging"
	"lerian-regulatory-engine/internal/resolution"
	"lerian-regulatory-engine/internal/storage"
	"lerian-regulatory-engine/pkg/types"
)

type engineHarness struct {
	store  *storage.MemoryStore
	engine *Engine
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()
	store := storage.NewMemoryStore()
	logger := logging.NewNoOpLogger()

	detector := detection.NewDetector(config.DetectionConfig{
		SimilarityThreshold: 0.8,
		SeverityWeights:     config.SeverityWeights{AuthorityGap: 0.4, Reach: 0.3, Urgency: 0.3},
		MaxParallelBuckets:  2,
		UrgencyHorizon:      365 * 24 * time.Hour,
	}, nil, store, logger)

	manager := escalation.NewManager(config.EscalationConfig{
		SLAWindows: []config.SLAWindow{
			{Level: 1, Window: time.Hour},
			{Level: 2, Window: 4 * time.Hour},
			{Level: 3, Window: 24 * time.Hour},
		},
		MaxLevel:              3,
		HighSeverityThreshold: 0.8,
		TimerResolution:       time.Second,
	}, store, nil, nil, logger)

	resolver := resolution.NewResolver(config.ResolutionConfig{
		ConfidenceThreshold: 0.6,
		HarmonizationPolicy: "most_restrictive",
		MaxWriteRetries:     3,
	}, store, store, manager, nil, logger)

	recorder := analytics.NewRecorder(store, logger)

	return &engineHarness{
		store:  store,
		engine: New(detector, resolver, recorder, manager, nil, logger),
	}
}

func engineProvision(id string, authority int, polarity types.ObligationPolarity) *types.NormativeProvision {
	return &types.NormativeProvision{
		ID:             id,
		FrameworkID:    "fw-1",
		Jurisdiction:   []string{"us"},
		AuthorityLevel: authority,
		EffectiveFrom:  time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		Polarity:       polarity,
		TopicTags:      []string{"data-retention"},
	}
}

func TestRunCycleResolvesHierarchicalConflict(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	federal := engineProvision("p-federal", 2, types.PolarityProhibits)
	state := engineProvision("p-state", 1, types.PolarityRequires)

	report, err := h.engine.RunCycle(ctx, []*types.NormativeProvision{federal, state}, nil)
	require.NoError(t, err)

	require.NotEmpty(t, report.Detection.Conflicts)
	assert.Equal(t, len(report.Detection.Conflicts), report.Resolved)
	assert.Zero(t, report.Escalated)
	assert.Zero(t, report.Failed)
	assert.Zero(t, report.Errors)

	stored, err := h.store.ListConflicts(ctx, storage.ConflictFilter{})
	require.NoError(t, err)
	for _, c := range stored {
		assert.Equal(t, types.StatusResolved, c.Status)
		records, rerr := h.store.GetByConflict(ctx, c.ID)
		require.NoError(t, rerr)
		require.Len(t, records, 1)
		assert.Equal(t, types.StrategyLexSuperior, records[0].Strategy.Type)
		assert.Equal(t, "p-federal", records[0].Rationale.WinnerID)
	}
}

func TestRunCycleEscalatesUnresolvableConflicts(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	// Equal authority, identical scope and dates: no strategy branch fits.
	a := engineProvision("p-a", 1, types.PolarityRequires)
	b := engineProvision("p-b", 1, types.PolarityProhibits)

	report, err := h.engine.RunCycle(ctx, []*types.NormativeProvision{a, b}, nil)
	require.NoError(t, err)

	require.NotEmpty(t, report.Detection.Conflicts)
	assert.Equal(t, len(report.Detection.Conflicts), report.Failed)
	assert.Zero(t, report.Resolved)

	for _, c := range report.Detection.Conflicts {
		open, oerr := h.store.GetOpenCaseByConflict(ctx, c.ID)
		require.NoError(t, oerr)
		assert.Equal(t, types.ReasonStrategyInapplicable, open.Reason)
	}
}

func TestRunCycleIsIdempotentOnUnchangedInput(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	// Unresolvable conflicts stay active, so the second pass exercises the
	// unchanged-evidence upsert path.
	set := []*types.NormativeProvision{
		engineProvision("p-a", 1, types.PolarityRequires),
		engineProvision("p-b", 1, types.PolarityProhibits),
	}

	first, err := h.engine.RunCycle(ctx, set, nil)
	require.NoError(t, err)
	require.Positive(t, first.Failed)

	second, err := h.engine.RunCycle(ctx, set, nil)
	require.NoError(t, err)
	assert.Zero(t, second.Detection.Created)
	assert.Zero(t, second.Errors)

	stored, err := h.store.ListConflicts(ctx, storage.ConflictFilter{})
	require.NoError(t, err)
	assert.Len(t, stored, len(first.Detection.Conflicts))

	// Still exactly one open case per conflict.
	for _, c := range stored {
		cases, cerr := h.store.ListCases(ctx, storage.EscalationFilter{ConflictID: c.ID})
		require.NoError(t, cerr)
		assert.Len(t, cases, 1)
	}
}

func TestRunDeltaRepairsFailedConflictAndClosesCase(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	future := time.Now().UTC().Add(180 * 24 * time.Hour).Truncate(time.Hour)
	a := engineProvision("p-a", 1, types.PolarityRequires)
	a.EffectiveFrom = future
	b := engineProvision("p-b", 1, types.PolarityProhibits)
	b.EffectiveFrom = future
	b.ContextFlags = []string{"public-emergency"}

	// Without a declared context nothing applies; every conflict fails and
	// opens a review case.
	first, err := h.engine.RunCycle(ctx, []*types.NormativeProvision{a, b}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, first.Detection.Conflicts)
	require.Equal(t, len(first.Detection.Conflicts), first.Failed)

	// The emergency provision takes effect now: changed evidence reopens
	// the conflicts, the declared context unblocks resolution, and the
	// stale cases close.
	updated := *b
	updated.EffectiveFrom = time.Now().UTC().Truncate(time.Hour)

	second, err := h.engine.RunDelta(ctx, []*types.NormativeProvision{&updated}, []string{"public-emergency"})
	require.NoError(t, err)

	assert.Equal(t, len(second.Detection.Conflicts), second.Resolved)
	assert.Equal(t, second.Resolved, second.ClosedCases)
	require.Positive(t, second.Resolved)

	for _, c := range second.Detection.Conflicts {
		_, oerr := h.store.GetOpenCaseByConflict(ctx, c.ID)
		assert.Error(t, oerr, "case for conflict %s should be closed", c.ID)
	}
}

type stubSource struct {
	snapshot []*types.NormativeProvision
	delta    []*types.NormativeProvision
}

func (s *stubSource) Snapshot(context.Context) ([]*types.NormativeProvision, error) {
	return s.snapshot, nil
}

func (s *stubSource) Delta(context.Context, time.Time) ([]*types.NormativeProvision, error) {
	return s.delta, nil
}

func TestRunFromSource(t *testing.T) {
	h := newEngineHarness(t)
	src := &stubSource{snapshot: []*types.NormativeProvision{
		engineProvision("p-federal", 2, types.PolarityProhibits),
		engineProvision("p-state", 1, types.PolarityRequires),
	}}

	report, err := h.engine.RunFromSource(context.Background(), src, nil)
	require.NoError(t, err)
	assert.Positive(t, report.Resolved)

	// An empty delta is a no-op cycle.
	empty, err := h.engine.RunDeltaFromSource(context.Background(), src, time.Now(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Detection.Conflicts)
}
