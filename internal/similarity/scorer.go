// Package similarity scores semantic closeness between normative provisions.
// Detection uses the scores to flag provisions whose obligations collide in
// meaning even when their metadata never overlaps.
package similarity

import (
	"context"

	"lerian-regulatory-engine/internal/apperrors"
	"lerian-regulatory-engine/pkg/types"
)

// Scorer computes the semantic similarity between two provisions, identified
// by their IDs. It returns the similarity in [0,1] together with a confidence
// for the score itself. When the backing service is unreachable or an
// embedding is missing the scorer returns an error with code
// SCORER_UNAVAILABLE; callers must treat that as "unknown", never as "not
// similar".
type Scorer interface {
	Score(ctx context.Context, provisionA, provisionB string) (similarity, confidence float64, err error)
}

// DisabledScorer is the Scorer used when no similarity backend is
// configured. Every call reports the scorer unavailable, which makes the
// semantic check a no-op.
type DisabledScorer struct{}

// NewDisabledScorer returns a Scorer that is permanently unavailable.
func NewDisabledScorer() *DisabledScorer {
	return &DisabledScorer{}
}

// Score implements Scorer.
func (d *DisabledScorer) Score(_ context.Context, _, _ string) (float64, float64, error) {
	return 0, 0, apperrors.New(apperrors.ErrorCodeScorerUnavailable, "similarity scoring is disabled")
}

// StaticScorer serves scores from a fixed table, keyed by the unordered
// provision pair. Pairs without an entry report the scorer unavailable.
// It exists for tests and offline replays.
type StaticScorer struct {
	scores      map[string]float64
	confidences map[string]float64
}

// NewStaticScorer returns an empty static scorer.
func NewStaticScorer() *StaticScorer {
	return &StaticScorer{
		scores:      make(map[string]float64),
		confidences: make(map[string]float64),
	}
}

// Set registers a score for the unordered pair (a, b).
func (s *StaticScorer) Set(a, b string, similarity, confidence float64) {
	key := types.NewPairKey(a, b).String()
	s.scores[key] = similarity
	s.confidences[key] = confidence
}

// Score implements Scorer.
func (s *StaticScorer) Score(_ context.Context, a, b string) (float64, float64, error) {
	key := types.NewPairKey(a, b).String()
	score, ok := s.scores[key]
	if !ok {
		return 0, 0, apperrors.Newf(apperrors.ErrorCodeScorerUnavailable,
			"no similarity entry for pair %s", key)
	}
	return score, s.confidences[key], nil
}
