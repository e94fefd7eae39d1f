package types

import (
	"errors"
	"fmt"
	"time"
)

// EscalationStatus tracks an escalation case through human review.
type EscalationStatus string

const (
	EscalationOpen         EscalationStatus = "open"
	EscalationAcknowledged EscalationStatus = "acknowledged"
	EscalationInReview     EscalationStatus = "in_review"
	EscalationClosed       EscalationStatus = "closed"
)

// Valid returns true for a known escalation status.
func (es EscalationStatus) Valid() bool {
	switch es {
	case EscalationOpen, EscalationAcknowledged, EscalationInReview, EscalationClosed:
		return true
	default:
		return false
	}
}

// escalationTransitions encodes the case state machine. Closure is reachable
// from any live state; reopening a closed case is a new case, never a
// transition.
var escalationTransitions = map[EscalationStatus][]EscalationStatus{
	EscalationOpen:         {EscalationAcknowledged, EscalationClosed},
	EscalationAcknowledged: {EscalationInReview, EscalationClosed},
	EscalationInReview:     {EscalationClosed},
	EscalationClosed:       {},
}

// CanTransitionTo reports whether moving to next is a legal state change.
func (es EscalationStatus) CanTransitionTo(next EscalationStatus) bool {
	for _, allowed := range escalationTransitions[es] {
		if allowed == next {
			return true
		}
	}
	return false
}

// EscalationReason records why a conflict was routed to human review.
type EscalationReason string

const (
	ReasonStrategyInapplicable EscalationReason = "strategy_inapplicable"
	ReasonLowConfidence        EscalationReason = "confidence_below_threshold"
	ReasonWriteContention      EscalationReason = "write_contention_exhausted"
	ReasonContextUndeclared    EscalationReason = "context_undeclared"
	ReasonSLAExpired           EscalationReason = "sla_expired"
)

// EscalationCase tracks a conflict that could not be auto-resolved. Level is
// monotonically non-decreasing for the life of the case; SLA expiry advances
// it and resets the deadline for the new level.
type EscalationCase struct {
	ID           string           `json:"id"`
	ConflictID   string           `json:"conflict_id"`
	Level        int              `json:"level"`
	Reason       EscalationReason `json:"reason"`
	Status       EscalationStatus `json:"status"`
	OpenedAt     time.Time        `json:"opened_at"`
	SLADeadline  time.Time        `json:"sla_deadline"`
	Acknowledged *time.Time       `json:"acknowledged_at,omitempty"`
	ClosedAt     *time.Time       `json:"closed_at,omitempty"`
	ClosedBy     string           `json:"closed_by,omitempty"`

	// Version supports compare-and-swap updates in the escalation store.
	Version int64 `json:"version"`
}

// Validate checks structural invariants before a case is stored.
func (e *EscalationCase) Validate() error {
	if e.ID == "" {
		return errors.New("escalation case id cannot be empty")
	}
	if e.ConflictID == "" {
		return errors.New("escalation case must reference a conflict")
	}
	if e.Level < 1 {
		return fmt.Errorf("escalation case %s level %d below minimum", e.ID, e.Level)
	}
	if !e.Status.Valid() {
		return fmt.Errorf("escalation case %s has invalid status %q", e.ID, e.Status)
	}
	return nil
}

// Closed reports whether the case has reached its terminal state.
func (e *EscalationCase) Closed() bool {
	return e.Status == EscalationClosed
}
