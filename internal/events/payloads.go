package events

import "lerian-regulatory-engine/pkg/types"

// ResolutionOutcome is the payload of resolution.* events. It carries both
// the record and the conflict so consumers can derive the analytics key
// without a store read.
type ResolutionOutcome struct {
	Conflict *types.Conflict         `json:"conflict"`
	Record   *types.ResolutionRecord `json:"record"`
}

// EscalationChange is the payload of escalation.* events.
type EscalationChange struct {
	Case     *types.EscalationCase `json:"case"`
	Conflict *types.Conflict       `json:"conflict,omitempty"`
}
