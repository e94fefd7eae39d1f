// Package resolution implements the strategy engine: it selects one of the
// eight legal resolution strategies for a detected conflict, applies it
// under a confidence threshold, and routes everything else to escalation.
package resolution

import (
	"fmt"
	"sort"
	"time"

	"lerian-regulatory-engine/internal/apperrors"
	"lerian-regulatory-engine/internal/config"
	"lerian-regulatory-engine/pkg/types"
)

// Request carries everything a strategy needs to apply. A is always the
// snapshot of the pair key's low provision, B the high one.
type Request struct {
	Conflict *types.Conflict
	A, B     *types.NormativeProvision

	// DeclaredContext lists the situational flags declared for this run;
	// contextualization matches provisions against it.
	DeclaredContext []string

	Config config.ResolutionConfig
	Now    time.Time
}

// Outcome is a strategy's applied result: the structured rationale plus the
// parameters recorded on the resolution record.
type Outcome struct {
	Rationale types.Rationale
	Params    map[string]string
}

// Strategy is one variant of the closed strategy set. Apply either produces
// an outcome or reports why the strategy cannot serve this conflict.
type Strategy interface {
	Type() types.StrategyType
	Apply(req *Request) (*Outcome, error)
}

func inapplicable(st types.StrategyType, format string, args ...interface{}) error {
	return apperrors.Newf(apperrors.ErrorCodeStrategyInapplicable,
		string(st)+": "+format, args...)
}

// lexSuperior favors the higher authority rank.
type lexSuperior struct{}

func (lexSuperior) Type() types.StrategyType { return types.StrategyLexSuperior }

func (s lexSuperior) Apply(req *Request) (*Outcome, error) {
	a, b := req.A, req.B
	if a.AuthorityLevel == b.AuthorityLevel {
		return nil, inapplicable(s.Type(), "equal authority levels")
	}
	winner, loser := a, b
	if b.AuthorityLevel > a.AuthorityLevel {
		winner, loser = b, a
	}
	return &Outcome{
		Rationale: types.Rationale{
			RuleApplied: string(s.Type()),
			WinnerID:    winner.ID,
			LoserID:     loser.ID,
		},
		Params: map[string]string{
			"winner_authority": fmt.Sprintf("%d", winner.AuthorityLevel),
			"loser_authority":  fmt.Sprintf("%d", loser.AuthorityLevel),
		},
	}, nil
}

// lexPosterior favors the later enactment at equal authority. Exactly equal
// dates are inapplicable here; the selector falls back to lex specialis.
type lexPosterior struct{}

func (lexPosterior) Type() types.StrategyType { return types.StrategyLexPosterior }

func (s lexPosterior) Apply(req *Request) (*Outcome, error) {
	a, b := req.A, req.B
	if a.AuthorityLevel != b.AuthorityLevel {
		return nil, inapplicable(s.Type(), "authority levels differ")
	}
	if a.EffectiveFrom.Equal(b.EffectiveFrom) {
		return nil, inapplicable(s.Type(), "effective dates are equal")
	}
	winner, loser := a, b
	if b.EffectiveFrom.After(a.EffectiveFrom) {
		winner, loser = b, a
	}
	return &Outcome{
		Rationale: types.Rationale{
			RuleApplied: string(s.Type()),
			WinnerID:    winner.ID,
			LoserID:     loser.ID,
		},
		Params: map[string]string{
			"winner_effective": winner.EffectiveFrom.Format(time.RFC3339),
			"loser_effective":  loser.EffectiveFrom.Format(time.RFC3339),
		},
	}, nil
}

// lexSpecialis favors the provision whose scope is a strict subset of the
// other's; it wins inside that subset and the broader provision governs
// elsewhere.
type lexSpecialis struct{}

func (lexSpecialis) Type() types.StrategyType { return types.StrategyLexSpecialis }

func (s lexSpecialis) Apply(req *Request) (*Outcome, error) {
	a, b := req.A, req.B
	var winner, loser *types.NormativeProvision
	switch {
	case scopeSubset(a, b):
		winner, loser = a, b
	case scopeSubset(b, a):
		winner, loser = b, a
	default:
		return nil, inapplicable(s.Type(), "neither scope is a strict subset of the other")
	}
	return &Outcome{
		Rationale: types.Rationale{
			RuleApplied: string(s.Type()),
			WinnerID:    winner.ID,
			LoserID:     loser.ID,
			SubsetScope: scopeTags(winner),
		},
	}, nil
}

// scopeSubset reports whether a's combined scope is strictly narrower than
// b's. Jurisdiction subsets decide first; at equal jurisdiction the topic
// sets break the tie.
func scopeSubset(a, b *types.NormativeProvision) bool {
	if types.IsSubsetTags(a.Jurisdiction, b.Jurisdiction) {
		return true
	}
	if !sameTags(a.Jurisdiction, b.Jurisdiction) {
		return false
	}
	return types.IsSubsetTags(a.TopicTags, b.TopicTags)
}

func sameTags(a, b []string) bool {
	na, nb := types.NormalizeTags(a), types.NormalizeTags(b)
	if len(na) != len(nb) {
		return false
	}
	for i := range na {
		if na[i] != nb[i] {
			return false
		}
	}
	return true
}

func scopeTags(p *types.NormativeProvision) []string {
	return types.NormalizeTags(append(append([]string{}, p.Jurisdiction...), p.TopicTags...))
}

// harmonization merges compatible quantitative requirements into one
// combined obligation.
type harmonization struct{}

func (harmonization) Type() types.StrategyType { return types.StrategyHarmonization }

func (s harmonization) Apply(req *Request) (*Outcome, error) {
	a, b := req.A, req.B
	if a.Polarity.ConflictsWith(b.Polarity) {
		return nil, inapplicable(s.Type(), "direct prohibition contradiction cannot be merged")
	}
	la, lb := a.NumericLimit, b.NumericLimit
	if la == nil || lb == nil {
		return nil, inapplicable(s.Type(), "both provisions need a numeric requirement")
	}
	if la.Unit != lb.Unit || la.Direction != lb.Direction {
		return nil, inapplicable(s.Type(), "numeric requirements are incomparable (%s/%s vs %s/%s)",
			la.Unit, la.Direction, lb.Unit, lb.Direction)
	}

	merged := *la
	mostRestrictive := req.Config.HarmonizationPolicy != "least_restrictive"
	lowerWins := la.Direction == "max"
	if !mostRestrictive {
		lowerWins = !lowerWins
	}
	if (lowerWins && lb.Value < merged.Value) || (!lowerWins && lb.Value > merged.Value) {
		merged = *lb
	}

	return &Outcome{
		Rationale: types.Rationale{
			RuleApplied: string(s.Type()),
			Merged:      &merged,
		},
		Params: map[string]string{
			"policy": req.Config.HarmonizationPolicy,
			"merged": fmt.Sprintf("%g %s (%s)", merged.Value, merged.Unit, merged.Direction),
		},
	}, nil
}

// contextualization applies the provision whose declared situational
// context matches the run's. An undeclared context never guesses.
type contextualization struct{}

func (contextualization) Type() types.StrategyType { return types.StrategyContextualization }

func (s contextualization) Apply(req *Request) (*Outcome, error) {
	declared := map[string]bool{}
	for _, flag := range types.NormalizeTags(req.DeclaredContext) {
		declared[flag] = true
	}
	if len(declared) == 0 {
		return nil, inapplicable(s.Type(), "no situational context declared")
	}

	matchA, flagA := contextMatch(req.A, declared)
	matchB, flagB := contextMatch(req.B, declared)
	switch {
	case matchA && matchB:
		return nil, inapplicable(s.Type(), "both provisions match the declared context")
	case matchA:
		return contextOutcome(req.A, req.B, flagA), nil
	case matchB:
		return contextOutcome(req.B, req.A, flagB), nil
	default:
		return nil, inapplicable(s.Type(), "declared context matches neither provision")
	}
}

// contextMatch requires every flag on the provision to be declared; an
// unconditional provision (no flags) never matches by context alone.
func contextMatch(p *types.NormativeProvision, declared map[string]bool) (bool, string) {
	flags := types.NormalizeTags(p.ContextFlags)
	if len(flags) == 0 {
		return false, ""
	}
	for _, f := range flags {
		if !declared[f] {
			return false, ""
		}
	}
	return true, flags[0]
}

func contextOutcome(winner, loser *types.NormativeProvision, flag string) *Outcome {
	return &Outcome{
		Rationale: types.Rationale{
			RuleApplied:    string(types.StrategyContextualization),
			WinnerID:       winner.ID,
			LoserID:        loser.ID,
			MatchedContext: flag,
		},
	}
}

// delegation defers the decision to the body configured for the conflict's
// topic; no winner is recorded.
type delegation struct{}

func (delegation) Type() types.StrategyType { return types.StrategyDelegation }

func (s delegation) Apply(req *Request) (*Outcome, error) {
	target, topic := delegateFor(req)
	if target == "" {
		return nil, inapplicable(s.Type(), "no delegation target configured for this conflict")
	}
	return &Outcome{
		Rationale: types.Rationale{
			RuleApplied:    string(s.Type()),
			DelegateTarget: target,
		},
		Params: map[string]string{"topic": topic},
	}, nil
}

func delegateFor(req *Request) (target, topic string) {
	topics := types.IntersectTags(req.A.TopicTags, req.B.TopicTags)
	for _, t := range topics {
		for configured, body := range req.Config.DelegationTable {
			if types.NormalizeTag(configured) == t {
				return body, t
			}
		}
	}
	return "", ""
}

// temporalResolution schedules disjoint validity windows instead of picking
// a winner.
type temporalResolution struct{}

func (temporalResolution) Type() types.StrategyType { return types.StrategyTemporal }

func (s temporalResolution) Apply(req *Request) (*Outcome, error) {
	a, b := req.A, req.B
	if _, _, _, overlap := a.EffectiveOverlap(b); overlap {
		return nil, inapplicable(s.Type(), "validity windows overlap, no schedule possible")
	}

	schedule := []types.ScheduleEntry{
		{ProvisionID: a.ID, From: a.EffectiveFrom, Until: a.EffectiveUntil},
		{ProvisionID: b.ID, From: b.EffectiveFrom, Until: b.EffectiveUntil},
	}
	sort.Slice(schedule, func(i, j int) bool { return schedule[i].From.Before(schedule[j].From) })

	return &Outcome{
		Rationale: types.Rationale{
			RuleApplied: string(s.Type()),
			Schedule:    schedule,
		},
	}, nil
}

// jurisdictionalArbitration applies the configured precedence chain when no
// direct authority hierarchy exists.
type jurisdictionalArbitration struct{}

func (jurisdictionalArbitration) Type() types.StrategyType { return types.StrategyArbitration }

func (s jurisdictionalArbitration) Apply(req *Request) (*Outcome, error) {
	rankA, okA := precedenceOf(req.A, req.Config)
	rankB, okB := precedenceOf(req.B, req.Config)
	if !okA || !okB {
		return nil, inapplicable(s.Type(), "precedence table does not rank both provisions")
	}
	if rankA == rankB {
		return nil, inapplicable(s.Type(), "provisions share the same precedence class")
	}
	winner, loser := req.A, req.B
	if rankB < rankA {
		winner, loser = req.B, req.A
	}
	return &Outcome{
		Rationale: types.Rationale{
			RuleApplied:     string(s.Type()),
			WinnerID:        winner.ID,
			LoserID:         loser.ID,
			PrecedenceChain: append([]string{}, req.Config.PrecedenceTable...),
		},
	}, nil
}

// precedenceOf ranks a provision by the best-placed of its jurisdiction
// tags in the arbitration table.
func precedenceOf(p *types.NormativeProvision, cfg config.ResolutionConfig) (int, bool) {
	best, found := 0, false
	for _, tag := range p.Jurisdiction {
		if rank, ok := cfg.PrecedenceRank(tag); ok {
			if !found || rank < best {
				best, found = rank, true
			}
		}
	}
	return best, found
}

// strategyFor returns the implementation of a strategy variant. The map is
// total over StrategyType; a miss is a programming error surfaced loudly.
func strategyFor(st types.StrategyType) Strategy {
	switch st {
	case types.StrategyLexSuperior:
		return lexSuperior{}
	case types.StrategyLexPosterior:
		return lexPosterior{}
	case types.StrategyLexSpecialis:
		return lexSpecialis{}
	case types.StrategyHarmonization:
		return harmonization{}
	case types.StrategyContextualization:
		return contextualization{}
	case types.StrategyDelegation:
		return delegation{}
	case types.StrategyTemporal:
		return temporalResolution{}
	case types.StrategyArbitration:
		return jurisdictionalArbitration{}
	default:
		panic(fmt.Sprintf("unknown strategy type %q", st))
	}
}
