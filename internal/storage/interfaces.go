// Package storage provides the repositories behind the conflict engine:
// conflicts, resolution records, escalation cases, and strategy outcome
// statistics. Implementations guarantee atomic per-pair-key upserts and
// compare-and-swap status updates so concurrent detection and resolution
// never duplicate or clobber state.
package storage

import (
	"context"
	"time"

	"lerian-regulatory-engine/pkg/types"
)

// ConflictFilter narrows conflict queries. Zero values mean "no constraint".
type ConflictFilter struct {
	Statuses     []types.ConflictStatus
	Types        []types.ConflictType
	MinSeverity  *float64
	MaxSeverity  *float64
	Jurisdiction string
	FrameworkID  string
	DetectedFrom *time.Time
	DetectedTo   *time.Time
	Limit        int
	Offset       int
}

// EscalationFilter narrows escalation case queries.
type EscalationFilter struct {
	Statuses   []types.EscalationStatus
	ConflictID string
	MinLevel   int
	OpenedFrom *time.Time
	OpenedTo   *time.Time
	Limit      int
	Offset     int
}

// ConflictStore persists conflicts. Writes for a given pair key are
// serialized inside the store; callers never coordinate externally.
type ConflictStore interface {
	// UpsertDetected writes a freshly detected conflict keyed by
	// (pair key, conflict type). If an active conflict already exists the
	// call refreshes its evidence and severity instead of inserting, and a
	// retryable terminal conflict (escalated/failed) whose evidence changed
	// is reopened as detected. Unchanged inputs leave the row untouched.
	// Returns the stored conflict and whether a new row was created.
	UpsertDetected(ctx context.Context, c *types.Conflict) (*types.Conflict, bool, error)

	// GetConflict loads a conflict by ID.
	GetConflict(ctx context.Context, id string) (*types.Conflict, error)

	// GetActiveByPair loads the single non-resolved conflict for the key,
	// or a NOT_FOUND error.
	GetActiveByPair(ctx context.Context, key types.PairKey, ct types.ConflictType) (*types.Conflict, error)

	// UpdateStatus transitions a conflict, guarded by the version the
	// caller last read. A concurrent writer surfaces as WRITE_CONFLICT; an
	// illegal transition as ILLEGAL_STATE_TRANSITION.
	UpdateStatus(ctx context.Context, id string, expectedVersion int64, next types.ConflictStatus) (*types.Conflict, error)

	// ListConflicts queries conflicts, newest detection first.
	ListConflicts(ctx context.Context, filter ConflictFilter) ([]*types.Conflict, error)
}

// ResolutionStore persists resolution records append-only.
type ResolutionStore interface {
	AppendResolution(ctx context.Context, r *types.ResolutionRecord) error
	GetByConflict(ctx context.Context, conflictID string) ([]*types.ResolutionRecord, error)
	ListResolutions(ctx context.Context, limit, offset int) ([]*types.ResolutionRecord, error)
}

// EscalationStore persists escalation cases.
type EscalationStore interface {
	CreateCase(ctx context.Context, e *types.EscalationCase) error
	GetCase(ctx context.Context, id string) (*types.EscalationCase, error)

	// GetOpenCaseByConflict returns the live case for a conflict, or a
	// NOT_FOUND error. At most one non-closed case exists per conflict.
	GetOpenCaseByConflict(ctx context.Context, conflictID string) (*types.EscalationCase, error)

	// UpdateCase writes e guarded by the version the caller last read.
	UpdateCase(ctx context.Context, e *types.EscalationCase, expectedVersion int64) (*types.EscalationCase, error)

	ListCases(ctx context.Context, filter EscalationFilter) ([]*types.EscalationCase, error)
	ListOpenCases(ctx context.Context) ([]*types.EscalationCase, error)
}

// StatsStore aggregates strategy outcomes. Merge is called asynchronously
// after outcomes are terminal; Snapshot returns the last committed state and
// never blocks on in-flight merges.
type StatsStore interface {
	Merge(ctx context.Context, key types.StatKey, success bool) error
	Snapshot(ctx context.Context) (map[string]types.StrategyOutcomeStat, error)
}
