package types

import (
	"errors"
	"fmt"
	"time"
)

// StrategyType enumerates the eight legal resolution strategies. The set is
// closed: the strategy engine matches it exhaustively and anything that falls
// through is surfaced as StrategyInapplicable, never silently defaulted.
type StrategyType string

const (
	StrategyLexSuperior       StrategyType = "lex_superior"
	StrategyLexPosterior      StrategyType = "lex_posterior"
	StrategyLexSpecialis      StrategyType = "lex_specialis"
	StrategyHarmonization     StrategyType = "harmonization"
	StrategyContextualization StrategyType = "contextualization"
	StrategyDelegation        StrategyType = "delegation"
	StrategyTemporal          StrategyType = "temporal_resolution"
	StrategyArbitration       StrategyType = "jurisdictional_arbitration"
)

// Valid returns true for one of the eight known strategies.
func (st StrategyType) Valid() bool {
	switch st {
	case StrategyLexSuperior, StrategyLexPosterior, StrategyLexSpecialis,
		StrategyHarmonization, StrategyContextualization, StrategyDelegation,
		StrategyTemporal, StrategyArbitration:
		return true
	default:
		return false
	}
}

// AllStrategies lists every strategy variant, used by config validation and
// analytics key enumeration.
func AllStrategies() []StrategyType {
	return []StrategyType{
		StrategyLexSuperior, StrategyLexPosterior, StrategyLexSpecialis,
		StrategyHarmonization, StrategyContextualization, StrategyDelegation,
		StrategyTemporal, StrategyArbitration,
	}
}

// ResolutionOutcome is the terminal disposition of an applied resolution.
type ResolutionOutcome string

const (
	OutcomeApplied  ResolutionOutcome = "applied"
	OutcomeReverted ResolutionOutcome = "reverted"
	OutcomeFailed   ResolutionOutcome = "failed"
)

// ScheduleEntry assigns a provision to a validity window, produced by
// temporal resolution where no single winner exists.
type ScheduleEntry struct {
	ProvisionID string     `json:"provision_id"`
	From        time.Time  `json:"from"`
	Until       *time.Time `json:"until,omitempty"`
}

// Rationale is the structured justification attached to every resolution
// record. Free text never drives behavior; every downstream consumer reads
// these fields.
type Rationale struct {
	RuleApplied string `json:"rule_applied"`

	// WinnerID is the prevailing provision for strategies that pick one.
	WinnerID string `json:"winner_id,omitempty"`
	LoserID  string `json:"loser_id,omitempty"`

	// SubsetScope limits the winner's precedence to its narrower scope for
	// lex specialis: outside these tags the broader provision still governs.
	SubsetScope []string `json:"subset_scope,omitempty"`

	// Merged carries the combined requirement produced by harmonization.
	Merged *NumericRequirement `json:"merged,omitempty"`

	// Schedule carries the validity timetable produced by temporal
	// resolution instead of a single winner.
	Schedule []ScheduleEntry `json:"schedule,omitempty"`

	// DelegateTarget names the body resolution was deferred to.
	DelegateTarget string `json:"delegate_target,omitempty"`

	// MatchedContext is the situational flag that selected the winner under
	// contextualization.
	MatchedContext string `json:"matched_context,omitempty"`

	// PrecedenceChain is the configured chain consulted by arbitration.
	PrecedenceChain []string `json:"precedence_chain,omitempty"`
}

// AppliedStrategy pairs the chosen strategy variant with its parameters as
// recorded on the resolution record.
type AppliedStrategy struct {
	Type   StrategyType      `json:"type"`
	Params map[string]string `json:"params,omitempty"`
}

// ResolutionRecord is the append-only outcome of applying a strategy to a
// conflict. A conflict is resolved exactly when one non-reverted record
// exists for it.
type ResolutionRecord struct {
	ID         string            `json:"id"`
	ConflictID string            `json:"conflict_id"`
	Strategy   AppliedStrategy   `json:"strategy_applied"`
	Outcome    ResolutionOutcome `json:"outcome"`
	Confidence float64           `json:"confidence"`
	Rationale  Rationale         `json:"rationale"`
	AppliedAt  time.Time         `json:"applied_at"`
}

// Validate checks structural invariants before a record is stored.
func (r *ResolutionRecord) Validate() error {
	if r.ID == "" {
		return errors.New("resolution record id cannot be empty")
	}
	if r.ConflictID == "" {
		return errors.New("resolution record must reference a conflict")
	}
	if !r.Strategy.Type.Valid() {
		return fmt.Errorf("resolution record %s has invalid strategy %q", r.ID, r.Strategy.Type)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("resolution record %s confidence %f out of [0,1]", r.ID, r.Confidence)
	}
	return nil
}
