package types

import (
	"errors"
	"fmt"
	"time"
)

// ConflictType classifies the cause of a detected contradiction.
type ConflictType string

const (
	ConflictTemporal       ConflictType = "temporal"
	ConflictJurisdictional ConflictType = "jurisdictional"
	ConflictHierarchical   ConflictType = "hierarchical"
	ConflictSemantic       ConflictType = "semantic"
)

// Valid returns true for a known conflict type.
func (ct ConflictType) Valid() bool {
	switch ct {
	case ConflictTemporal, ConflictJurisdictional, ConflictHierarchical, ConflictSemantic:
		return true
	default:
		return false
	}
}

// ConflictStatus tracks a conflict through the resolution state machine.
type ConflictStatus string

const (
	StatusDetected         ConflictStatus = "detected"
	StatusStrategySelected ConflictStatus = "strategy_selected"
	StatusApplied          ConflictStatus = "applied"
	StatusResolved         ConflictStatus = "resolved"
	StatusEscalated        ConflictStatus = "escalated"
	StatusFailed           ConflictStatus = "failed"
)

// Valid returns true for a known conflict status.
func (cs ConflictStatus) Valid() bool {
	switch cs {
	case StatusDetected, StatusStrategySelected, StatusApplied, StatusResolved, StatusEscalated, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status ends the current resolution attempt.
// Escalated and failed conflicts may still be retried by a later detection
// cycle if the underlying provisions change.
func (cs ConflictStatus) Terminal() bool {
	switch cs {
	case StatusResolved, StatusEscalated, StatusFailed:
		return true
	default:
		return false
	}
}

// validTransitions encodes the per-conflict state machine.
var validTransitions = map[ConflictStatus][]ConflictStatus{
	StatusDetected:         {StatusStrategySelected, StatusEscalated, StatusFailed},
	StatusStrategySelected: {StatusApplied, StatusEscalated, StatusFailed},
	StatusApplied:          {StatusResolved, StatusEscalated, StatusFailed},
	// Retryable terminals reopen through re-detection only.
	StatusEscalated: {StatusDetected, StatusResolved},
	StatusFailed:    {StatusDetected},
}

// CanTransitionTo reports whether moving to next is a legal state change.
func (cs ConflictStatus) CanTransitionTo(next ConflictStatus) bool {
	for _, allowed := range validTransitions[cs] {
		if allowed == next {
			return true
		}
	}
	return false
}

// PairKey is the normalized unordered identity of a provision pair.
// NewPairKey orders the two IDs so that (A,B) and (B,A) always produce the
// same key, which is what makes detection symmetric and idempotent.
type PairKey struct {
	Low  string `json:"low"`
	High string `json:"high"`
}

// NewPairKey builds the canonical unordered key for two provision IDs.
func NewPairKey(a, b string) PairKey {
	if a > b {
		a, b = b, a
	}
	return PairKey{Low: a, High: b}
}

// String renders the pair key for storage and log output.
func (pk PairKey) String() string {
	return pk.Low + "|" + pk.High
}

// ConflictEvidence records the signals that fired the detection check.
// Only the fields relevant to the conflict type are populated.
type ConflictEvidence struct {
	OverlapStart             *time.Time `json:"overlap_start,omitempty"`
	OverlapEnd               *time.Time `json:"overlap_end,omitempty"`
	OverlapOpenEnded         bool       `json:"overlap_open_ended,omitempty"`
	Similarity               *float64   `json:"similarity,omitempty"`
	SimilarityConfidence     *float64   `json:"similarity_confidence,omitempty"`
	JurisdictionIntersection []string   `json:"jurisdiction_intersection,omitempty"`
	TopicIntersection        []string   `json:"topic_intersection,omitempty"`
	AuthorityGap             int        `json:"authority_gap,omitempty"`
}

// Conflict is a detected contradiction between exactly two provisions.
// Identity is the normalized pair key plus the conflict type: there is at
// most one active conflict per (pair key, type) combination, enforced by the
// store's upsert semantics.
type Conflict struct {
	ID           string           `json:"id"`
	PairKey      PairKey          `json:"pair_key"`
	ProvisionA   string           `json:"provision_a_id"`
	ProvisionB   string           `json:"provision_b_id"`
	Type         ConflictType     `json:"conflict_type"`
	Severity     float64          `json:"severity"`
	Evidence     ConflictEvidence `json:"evidence"`
	Status       ConflictStatus   `json:"status"`
	FrameworkID  string           `json:"framework_id,omitempty"`
	Jurisdiction []string         `json:"jurisdiction,omitempty"`
	DetectedAt   time.Time        `json:"detected_at"`
	LastUpdated  time.Time        `json:"last_updated_at"`

	// Version supports compare-and-swap updates in the conflict store.
	// It increments on every successful write.
	Version int64 `json:"version"`
}

// Validate checks structural invariants before a conflict is stored.
func (c *Conflict) Validate() error {
	if c.ID == "" {
		return errors.New("conflict id cannot be empty")
	}
	if c.PairKey.Low == "" || c.PairKey.High == "" {
		return errors.New("conflict pair key is incomplete")
	}
	if c.PairKey.Low == c.PairKey.High {
		return fmt.Errorf("conflict %s pairs a provision with itself", c.ID)
	}
	if !c.Type.Valid() {
		return fmt.Errorf("conflict %s has invalid type %q", c.ID, c.Type)
	}
	if c.Severity < 0 || c.Severity > 1 {
		return fmt.Errorf("conflict %s severity %f out of [0,1]", c.ID, c.Severity)
	}
	return nil
}

// JurisdictionBucket maps the conflict's jurisdiction intersection to the
// coarse bucket used as an analytics key. The first (sorted) shared tag
// identifies the bucket; "global" covers conflicts without a recorded
// intersection so cold-start lookups still resolve.
func (c *Conflict) JurisdictionBucket() string {
	if len(c.Evidence.JurisdictionIntersection) > 0 {
		return c.Evidence.JurisdictionIntersection[0]
	}
	if len(c.Jurisdiction) > 0 {
		return c.Jurisdiction[0]
	}
	return "global"
}
