// Package detection implements the conflict detector: it scans normative
// provisions for temporal, jurisdictional, hierarchical, and semantic
// contradictions and upserts deduplicated conflict records.
package detection

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"lerian-regulatory-engine/internal/apperrors"
	"lerian-regulatory-engine/internal/config"
	"lerian-regulatory-engine/internal/logging"
	"lerian-regulatory-engine/internal/similarity"
	"lerian-regulatory-engine/internal/storage"
	"lerian-regulatory-engine/pkg/types"
)

// Report summarizes one detection run.
type Report struct {
	Provisions      int
	Buckets         int
	PairsEvaluated  int
	Created         int
	Updated         int
	SkippedSemantic int
	SkippedInvalid  int
	Conflicts       []*types.Conflict
}

// Detector finds conflicts between provisions. Bucket scans run in
// parallel; all conflict-store writes go through a single upsert goroutine
// so a pair key is never written concurrently.
type Detector struct {
	cfg    config.DetectionConfig
	scorer similarity.Scorer
	store  storage.ConflictStore
	logger logging.Logger
	now    func() time.Time
}

// NewDetector wires a detector from its dependencies.
func NewDetector(cfg config.DetectionConfig, scorer similarity.Scorer, store storage.ConflictStore, logger logging.Logger) *Detector {
	if scorer == nil {
		scorer = similarity.NewDisabledScorer()
	}
	return &Detector{
		cfg:    cfg,
		scorer: scorer,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Detect runs a full scan over the given provisions and upserts every
// conflict found. Re-running over an unchanged set leaves the conflict
// store unchanged.
func (d *Detector) Detect(ctx context.Context, provisions []*types.NormativeProvision) (*Report, error) {
	index := NewProvisionIndex(provisions...)
	return d.run(ctx, index, nil)
}

// DetectInScope runs a full scan restricted to provisions whose
// jurisdiction intersects the given scope tags. An empty scope means no
// restriction.
func (d *Detector) DetectInScope(ctx context.Context, provisions []*types.NormativeProvision, scope []string) (*Report, error) {
	if len(scope) == 0 {
		return d.Detect(ctx, provisions)
	}
	wanted := types.NormalizeTags(scope)
	var in []*types.NormativeProvision
	for _, p := range provisions {
		if len(types.IntersectTags(p.Jurisdiction, wanted)) > 0 {
			in = append(in, p)
		}
	}
	return d.Detect(ctx, in)
}

// DetectIncremental folds a delta of new or changed provisions into the
// index and re-evaluates only the pairs that involve the delta.
func (d *Detector) DetectIncremental(ctx context.Context, delta []*types.NormativeProvision, index *ProvisionIndex) (*Report, error) {
	changed := make(map[string]bool, len(delta))
	for _, p := range delta {
		index.Upsert(p)
		changed[p.ID] = true
	}
	return d.run(ctx, index, changed)
}

type candidatePair struct {
	a, b *types.NormativeProvision
}

func (d *Detector) run(ctx context.Context, index *ProvisionIndex, changed map[string]bool) (*Report, error) {
	provisions := index.All()
	buckets := buildBuckets(provisions)

	report := &Report{Provisions: len(provisions), Buckets: len(buckets)}

	pairsByBucket := d.collectPairs(buckets, changed, report)
	if len(pairsByBucket) == 0 {
		return report, nil
	}

	// Bucket scans fan out to workers; a single collector owns the store
	// writes so per-pair upserts are serialized.
	workers := d.cfg.MaxParallelBuckets
	if workers < 1 {
		workers = 1
	}

	found := make(chan *types.Conflict, 64)
	var scanErr error
	var scanErrOnce sync.Once

	var mu sync.Mutex // guards report counters written by workers

	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)
	for _, pairs := range pairsByBucket {
		wg.Add(1)
		sem <- struct{}{}
		go func(pairs []candidatePair) {
			defer wg.Done()
			defer func() { <-sem }()
			for _, pair := range pairs {
				if ctx.Err() != nil {
					scanErrOnce.Do(func() { scanErr = ctx.Err() })
					return
				}
				conflicts, skippedSemantic := d.evaluatePair(ctx, pair.a, pair.b)
				mu.Lock()
				report.PairsEvaluated++
				if skippedSemantic {
					report.SkippedSemantic++
				}
				mu.Unlock()
				for _, c := range conflicts {
					found <- c
				}
			}
		}(pairs)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(found)
	}()
	go func() {
		defer close(done)
		for c := range found {
			stored, created, err := d.store.UpsertDetected(ctx, c)
			if err != nil {
				d.logger.Error("conflict upsert failed",
					"pair", c.PairKey.String(), "type", string(c.Type), "error", err)
				continue
			}
			report.Conflicts = append(report.Conflicts, stored)
			if created {
				report.Created++
			} else {
				report.Updated++
			}
		}
	}()
	<-done

	if scanErr != nil {
		return report, apperrors.Wrap(apperrors.ErrorCodeTimeout, "detection interrupted", scanErr)
	}

	sort.Slice(report.Conflicts, func(i, j int) bool {
		if report.Conflicts[i].PairKey.String() != report.Conflicts[j].PairKey.String() {
			return report.Conflicts[i].PairKey.String() < report.Conflicts[j].PairKey.String()
		}
		return report.Conflicts[i].Type < report.Conflicts[j].Type
	})
	return report, nil
}

// collectPairs enumerates unique unordered pairs per bucket. A pair sharing
// several topics or jurisdictions appears in many buckets but is evaluated
// once.
func (d *Detector) collectPairs(buckets map[bucketKey][]*types.NormativeProvision, changed map[string]bool, report *Report) [][]candidatePair {
	seen := make(map[string]bool)
	var out [][]candidatePair

	keys := make([]bucketKey, 0, len(buckets))
	for key := range buckets {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].topic != keys[j].topic {
			return keys[i].topic < keys[j].topic
		}
		return keys[i].jurisdiction < keys[j].jurisdiction
	})

	for _, key := range keys {
		members := buckets[key]
		var pairs []candidatePair
		for i := 0; i < len(members); i++ {
			for j := i + 1; j < len(members); j++ {
				a, b := members[i], members[j]
				if changed != nil && !changed[a.ID] && !changed[b.ID] {
					continue
				}
				pk := types.NewPairKey(a.ID, b.ID).String()
				if seen[pk] {
					continue
				}
				seen[pk] = true

				if err := a.Validate(); err != nil {
					d.logger.Warn("skipping pair, provision invalid", "provision", a.ID, "error", err)
					report.SkippedInvalid++
					continue
				}
				if err := b.Validate(); err != nil {
					d.logger.Warn("skipping pair, provision invalid", "provision", b.ID, "error", err)
					report.SkippedInvalid++
					continue
				}
				pairs = append(pairs, candidatePair{a: a, b: b})
			}
		}
		if len(pairs) > 0 {
			out = append(out, pairs)
		}
	}
	return out
}

// evaluatePair runs the four independent checks. Any subset may fire, so
// one pair can yield conflicts of several types.
func (d *Detector) evaluatePair(ctx context.Context, a, b *types.NormativeProvision) ([]*types.Conflict, bool) {
	var out []*types.Conflict

	if c := d.checkTemporal(a, b); c != nil {
		out = append(out, c)
	}
	if c := d.checkJurisdictional(a, b); c != nil {
		out = append(out, c)
	}
	if c := d.checkHierarchical(a, b); c != nil {
		out = append(out, c)
	}
	c, skipped := d.checkSemantic(ctx, a, b)
	if c != nil {
		out = append(out, c)
	}
	return out, skipped
}

// checkTemporal fires when two provisions on the same topic and jurisdiction
// have overlapping validity windows and neither supersedes the other.
func (d *Detector) checkTemporal(a, b *types.NormativeProvision) *types.Conflict {
	if types.Supersedes(a, b) {
		return nil
	}
	// Two pure permissions cannot contradict each other.
	if a.Polarity == types.PolarityPermits && b.Polarity == types.PolarityPermits {
		return nil
	}
	start, end, open, ok := a.EffectiveOverlap(b)
	if !ok {
		return nil
	}

	evidence := types.ConflictEvidence{
		OverlapStart:             &start,
		OverlapOpenEnded:         open,
		JurisdictionIntersection: types.IntersectTags(a.Jurisdiction, b.Jurisdiction),
		TopicIntersection:        types.IntersectTags(a.TopicTags, b.TopicTags),
	}
	if !open {
		evidence.OverlapEnd = &end
	}
	return d.newConflict(a, b, types.ConflictTemporal, evidence)
}

// checkJurisdictional fires when scope sets intersect and obligations
// directly contradict at the same authority rank. Rank differences are the
// hierarchical check's territory.
func (d *Detector) checkJurisdictional(a, b *types.NormativeProvision) *types.Conflict {
	if a.AuthorityLevel != b.AuthorityLevel {
		return nil
	}
	if !a.Polarity.ConflictsWith(b.Polarity) {
		return nil
	}
	intersection := types.IntersectTags(a.Jurisdiction, b.Jurisdiction)
	if len(intersection) == 0 {
		return nil
	}

	return d.newConflict(a, b, types.ConflictJurisdictional, types.ConflictEvidence{
		JurisdictionIntersection: intersection,
		TopicIntersection:        types.IntersectTags(a.TopicTags, b.TopicTags),
	})
}

// checkHierarchical fires when authority ranks differ and obligations
// directly contradict.
func (d *Detector) checkHierarchical(a, b *types.NormativeProvision) *types.Conflict {
	if a.AuthorityLevel == b.AuthorityLevel {
		return nil
	}
	if !a.Polarity.ConflictsWith(b.Polarity) {
		return nil
	}

	return d.newConflict(a, b, types.ConflictHierarchical, types.ConflictEvidence{
		JurisdictionIntersection: types.IntersectTags(a.Jurisdiction, b.Jurisdiction),
		TopicIntersection:        types.IntersectTags(a.TopicTags, b.TopicTags),
		AuthorityGap:             absInt(a.AuthorityLevel - b.AuthorityLevel),
	})
}

// checkSemantic consults the similarity scorer. Unlike the structural
// checks it fires on any polarity mismatch, so it catches pairs like a
// mandate shadowing a permission that say nearly the same thing. An
// unavailable scorer means "unknown", never "no conflict": the pair is
// skipped this cycle and stays eligible for the next one.
func (d *Detector) checkSemantic(ctx context.Context, a, b *types.NormativeProvision) (*types.Conflict, bool) {
	if a.Polarity == b.Polarity {
		return nil, false
	}

	score, confidence, err := d.scorer.Score(ctx, a.ID, b.ID)
	if err != nil {
		if !apperrors.IsCode(err, apperrors.ErrorCodeScorerUnavailable) {
			d.logger.Warn("similarity scoring failed",
				"pair", types.NewPairKey(a.ID, b.ID).String(), "error", err)
		}
		return nil, true
	}
	if score < d.cfg.SimilarityThreshold {
		return nil, false
	}

	return d.newConflict(a, b, types.ConflictSemantic, types.ConflictEvidence{
		Similarity:               &score,
		SimilarityConfidence:     &confidence,
		JurisdictionIntersection: types.IntersectTags(a.Jurisdiction, b.Jurisdiction),
		TopicIntersection:        types.IntersectTags(a.TopicTags, b.TopicTags),
	}), false
}

func (d *Detector) newConflict(a, b *types.NormativeProvision, ct types.ConflictType, evidence types.ConflictEvidence) *types.Conflict {
	key := types.NewPairKey(a.ID, b.ID)
	frameworkID := ""
	if a.FrameworkID == b.FrameworkID {
		frameworkID = a.FrameworkID
	}
	return &types.Conflict{
		ID:           uuid.New().String(),
		PairKey:      key,
		ProvisionA:   key.Low,
		ProvisionB:   key.High,
		Type:         ct,
		Severity:     d.severity(a, b),
		Evidence:     evidence,
		Status:       types.StatusDetected,
		FrameworkID:  frameworkID,
		Jurisdiction: types.IntersectTags(a.Jurisdiction, b.Jurisdiction),
	}
}

// severity blends authority gap, jurisdictional reach, and urgency into a
// [0,1] score using the configured weights.
func (d *Detector) severity(a, b *types.NormativeProvision) float64 {
	w := d.cfg.SeverityWeights.Normalized()

	gap := float64(absInt(a.AuthorityLevel - b.AuthorityLevel))
	gapTerm := gap / (gap + 1)

	reach := a.Reach
	if b.Reach > reach {
		reach = b.Reach
	}
	reachTerm := reach / (reach + 1)

	return clamp01(w.AuthorityGap*gapTerm + w.Reach*reachTerm + w.Urgency*d.urgency(a, b))
}

// urgency scores 1 for provisions already in force and decays linearly to 0
// at the configured horizon for provisions whose effect lies ahead.
func (d *Detector) urgency(a, b *types.NormativeProvision) float64 {
	horizon := d.cfg.UrgencyHorizon
	if horizon <= 0 {
		return 0
	}

	soonest := a.EffectiveFrom
	if b.EffectiveFrom.Before(soonest) {
		soonest = b.EffectiveFrom
	}

	until := soonest.Sub(d.now())
	if until <= 0 {
		return 1
	}
	if until >= horizon {
		return 0
	}
	return 1 - float64(until)/float64(horizon)
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
