// Package types provides the core domain types for the regulatory conflict
// engine: provisions, conflicts, resolution records, escalation cases, and
// strategy outcome statistics.
package types

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// ObligationPolarity expresses what a provision demands of its subjects.
type ObligationPolarity string

const (
	PolarityRequires  ObligationPolarity = "requires"
	PolarityProhibits ObligationPolarity = "prohibits"
	PolarityPermits   ObligationPolarity = "permits"
)

// Valid returns true if the polarity is one of the known values.
func (p ObligationPolarity) Valid() bool {
	switch p {
	case PolarityRequires, PolarityProhibits, PolarityPermits:
		return true
	default:
		return false
	}
}

// ConflictsWith reports whether two polarities are mutually incompatible.
// Requires vs prohibits is a direct contradiction; permits never contradicts
// on its own because permission yields to both mandates and prohibitions.
func (p ObligationPolarity) ConflictsWith(other ObligationPolarity) bool {
	return (p == PolarityRequires && other == PolarityProhibits) ||
		(p == PolarityProhibits && other == PolarityRequires)
}

// NormalizeTag canonicalizes a jurisdiction or topic tag so that lookups and
// pair keys are insensitive to casing ("EU" and "eu" are the same scope).
func NormalizeTag(tag string) string {
	return cases.Fold().String(strings.TrimSpace(tag))
}

// NormalizeTags folds, deduplicates, and sorts a tag set.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		n := NormalizeTag(t)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// IntersectTags returns the normalized intersection of two tag sets.
func IntersectTags(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, t := range NormalizeTags(a) {
		set[t] = true
	}
	out := []string{}
	for _, t := range NormalizeTags(b) {
		if set[t] {
			out = append(out, t)
		}
	}
	return out
}

// IsSubsetTags reports whether normalized set a is a strict subset of b.
func IsSubsetTags(a, b []string) bool {
	na, nb := NormalizeTags(a), NormalizeTags(b)
	if len(na) >= len(nb) {
		return false
	}
	set := make(map[string]bool, len(nb))
	for _, t := range nb {
		set[t] = true
	}
	for _, t := range na {
		if !set[t] {
			return false
		}
	}
	return true
}

// NormativeProvision is an immutable snapshot of a single normative
// requirement, prohibition, or permission. Provisions are owned by the
// external provision source; the engine reads them and never mutates them.
// A new version of a provision is a new ID linked through SupersededBy.
type NormativeProvision struct {
	ID             string             `json:"id"`
	FrameworkID    string             `json:"framework_id"`
	Jurisdiction   []string           `json:"jurisdiction"`
	AuthorityLevel int                `json:"authority_level"`
	EffectiveFrom  time.Time          `json:"effective_from"`
	EffectiveUntil *time.Time         `json:"effective_until,omitempty"`
	SupersededBy   string             `json:"superseded_by,omitempty"`
	Polarity       ObligationPolarity `json:"obligation_polarity"`
	TopicTags      []string           `json:"topic_tags"`

	// ContextFlags declare the situational contexts the provision applies
	// under; empty means unconditional.
	ContextFlags []string `json:"context_flags,omitempty"`

	// NumericLimit carries an optional quantitative requirement (for example
	// a notification deadline in hours). Used by harmonization.
	NumericLimit *NumericRequirement `json:"numeric_limit,omitempty"`

	// Reach is an externally supplied proxy for the number of entities the
	// provision covers, used in severity weighting. Zero means unknown.
	Reach float64 `json:"reach,omitempty"`
}

// NumericRequirement is a quantitative obligation parameter. Direction states
// which bound is the stricter one: "max" means lower values are more
// restrictive (deadlines), "min" means higher values are (thresholds).
type NumericRequirement struct {
	Value     float64 `json:"value"`
	Unit      string  `json:"unit"`
	Direction string  `json:"direction"`
}

// Validate checks the fields every detection check depends on. Provisions
// failing validation are skipped per pair, logged, and never abort a run.
func (p *NormativeProvision) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("provision id cannot be empty")
	}
	if len(p.Jurisdiction) == 0 {
		return fmt.Errorf("provision %s has no jurisdiction tags", p.ID)
	}
	if p.EffectiveFrom.IsZero() {
		return fmt.Errorf("provision %s has no effective date", p.ID)
	}
	if !p.Polarity.Valid() {
		return fmt.Errorf("provision %s has invalid obligation polarity %q", p.ID, p.Polarity)
	}
	return nil
}

// EffectiveOverlap returns the overlapping validity window of two provisions
// and whether it is non-empty. A nil EffectiveUntil is an open-ended window.
func (p *NormativeProvision) EffectiveOverlap(other *NormativeProvision) (start, end time.Time, open, ok bool) {
	start = p.EffectiveFrom
	if other.EffectiveFrom.After(start) {
		start = other.EffectiveFrom
	}

	switch {
	case p.EffectiveUntil == nil && other.EffectiveUntil == nil:
		return start, time.Time{}, true, true
	case p.EffectiveUntil == nil:
		end = *other.EffectiveUntil
	case other.EffectiveUntil == nil:
		end = *p.EffectiveUntil
	default:
		end = *p.EffectiveUntil
		if other.EffectiveUntil.Before(end) {
			end = *other.EffectiveUntil
		}
	}

	if !end.After(start) {
		return time.Time{}, time.Time{}, false, false
	}
	return start, end, false, true
}

// ActiveAt reports whether the provision's validity window covers t.
func (p *NormativeProvision) ActiveAt(t time.Time) bool {
	if t.Before(p.EffectiveFrom) {
		return false
	}
	return p.EffectiveUntil == nil || t.Before(*p.EffectiveUntil)
}

// Supersedes reports whether either provision supersedes the other, directly
// or through the revision chain captured in the working set.
func Supersedes(a, b *NormativeProvision) bool {
	return a.SupersededBy == b.ID || b.SupersededBy == a.ID
}
