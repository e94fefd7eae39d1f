package resolution

import (
	"lerian-regulatory-engine/internal/apperrors"
	"lerian-regulatory-engine/pkg/types"
)

// Sentinel errors the resolver maps to escalation reasons.
var (
	// ErrNoStrategy means the decision tree has no applicable branch.
	ErrNoStrategy = apperrors.New(apperrors.ErrorCodeStrategyInapplicable,
		"no strategy branch matches this conflict")

	// ErrContextUndeclared means the conflict is context-dependent and the
	// run declared no matching situational context.
	ErrContextUndeclared = apperrors.New(apperrors.ErrorCodeStrategyInapplicable,
		"conflict depends on situational context that is not declared")
)

// selection is a chosen strategy together with its precomputed outcome and
// the raw branch confidence, before blending with the analytics prior.
type selection struct {
	strategy Strategy
	outcome  *Outcome
	raw      float64
}

type candidate struct {
	strategy types.StrategyType
	raw      float64
}

// candidatesFor is the decision tree: ordered strategy candidates per
// conflict type. The first applicable candidate wins.
func candidatesFor(ct types.ConflictType) []candidate {
	switch ct {
	case types.ConflictHierarchical:
		return []candidate{
			{types.StrategyLexSuperior, 0.95},
			{types.StrategyArbitration, 0.8},
		}
	case types.ConflictTemporal:
		return []candidate{
			{types.StrategyHarmonization, 0.85},
			{types.StrategyLexPosterior, 0.85},
			{types.StrategyLexSpecialis, 0.8},
			{types.StrategyLexSuperior, 0.9},
		}
	case types.ConflictJurisdictional:
		return []candidate{
			{types.StrategyLexSpecialis, 0.85},
			{types.StrategyHarmonization, 0.8},
			{types.StrategyArbitration, 0.8},
			{types.StrategyDelegation, 0.75},
			{types.StrategyContextualization, 0.7},
		}
	case types.ConflictSemantic:
		return []candidate{
			{types.StrategyTemporal, 0.75},
			{types.StrategyHarmonization, 0.7},
			{types.StrategyLexSpecialis, 0.7},
			{types.StrategyArbitration, 0.7},
			{types.StrategyContextualization, 0.65},
			{types.StrategyDelegation, 0.65},
		}
	default:
		return nil
	}
}

// selectStrategy walks the decision tree and returns the first strategy that
// applies, with its outcome and raw confidence. Context-dependent conflicts
// with no declared context surface ErrContextUndeclared so the resolver can
// escalate with the precise reason.
func selectStrategy(req *Request) (*selection, error) {
	for _, cand := range candidatesFor(req.Conflict.Type) {
		strategy := strategyFor(cand.strategy)
		outcome, err := strategy.Apply(req)
		if err != nil {
			continue
		}
		return &selection{strategy: strategy, outcome: outcome, raw: cand.raw}, nil
	}

	if len(req.A.ContextFlags) > 0 || len(req.B.ContextFlags) > 0 {
		return nil, ErrContextUndeclared
	}
	return nil, ErrNoStrategy
}

// priorWeight scales how far the historical prior moves the raw branch
// confidence. A neutral prior leaves it unchanged.
const priorWeight = 0.4

func blendConfidence(raw, prior float64) float64 {
	combined := raw + (prior-0.5)*priorWeight
	switch {
	case combined < 0:
		return 0
	case combined > 1:
		return 1
	default:
		return combined
	}
}
