package storage

import (
	"context"
	"reflect"
	"sort"
	"sync"
	"time"

	"lerian-regulatory-engine/internal/apperrors"
	"lerian-regulatory-engine/pkg/types"
)

// MemoryStore is the in-memory implementation of every engine repository.
// It backs tests and single-process deployments that do not need
// durability.
type MemoryStore struct {
	mu          sync.RWMutex
	conflicts   map[string]*types.Conflict // by conflict ID
	activePairs map[string]string          // pairKey|type -> conflict ID, non-resolved only
	resolutions map[string][]*types.ResolutionRecord
	resOrder    []*types.ResolutionRecord
	cases       map[string]*types.EscalationCase
	openCases   map[string]string // conflict ID -> case ID

	statsMu sync.RWMutex
	stats   map[string]types.StrategyOutcomeStat
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conflicts:   map[string]*types.Conflict{},
		activePairs: map[string]string{},
		resolutions: map[string][]*types.ResolutionRecord{},
		cases:       map[string]*types.EscalationCase{},
		openCases:   map[string]string{},
		stats:       map[string]types.StrategyOutcomeStat{},
	}
}

func pairTypeKey(key types.PairKey, ct types.ConflictType) string {
	return key.String() + "#" + string(ct)
}

// UpsertDetected implements ConflictStore.
func (m *MemoryStore) UpsertDetected(ctx context.Context, c *types.Conflict) (*types.Conflict, bool, error) {
	if err := c.Validate(); err != nil {
		return nil, false, apperrors.Wrap(apperrors.ErrorCodeValidation, "invalid conflict", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ptk := pairTypeKey(c.PairKey, c.Type)
	if existingID, ok := m.activePairs[ptk]; ok {
		existing := m.conflicts[existingID]

		unchanged := existing.Severity == c.Severity &&
			reflect.DeepEqual(existing.Evidence, c.Evidence)
		if unchanged {
			cp := *existing
			return &cp, false, nil
		}

		updated := *existing
		updated.Severity = c.Severity
		updated.Evidence = c.Evidence
		updated.LastUpdated = time.Now().UTC()
		updated.Version++
		// Retryable terminals reopen when the inputs moved.
		if updated.Status == types.StatusEscalated || updated.Status == types.StatusFailed {
			updated.Status = types.StatusDetected
		}
		m.conflicts[existingID] = &updated

		cp := updated
		return &cp, false, nil
	}

	// The ID is the primary key; a fresh insert must not displace a
	// record owned by another (pair, type) slot.
	if _, taken := m.conflicts[c.ID]; taken {
		return nil, false, apperrors.Newf(apperrors.ErrorCodeAlreadyExists,
			"conflict id %s already in use", c.ID)
	}

	stored := *c
	now := time.Now().UTC()
	if stored.DetectedAt.IsZero() {
		stored.DetectedAt = now
	}
	stored.LastUpdated = now
	stored.Status = types.StatusDetected
	stored.Version = 1
	m.conflicts[stored.ID] = &stored
	m.activePairs[ptk] = stored.ID

	cp := stored
	return &cp, true, nil
}

// GetConflict implements ConflictStore.
func (m *MemoryStore) GetConflict(ctx context.Context, id string) (*types.Conflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conflicts[id]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrorCodeNotFound, "conflict %s not found", id)
	}
	cp := *c
	return &cp, nil
}

// GetActiveByPair implements ConflictStore.
func (m *MemoryStore) GetActiveByPair(ctx context.Context, key types.PairKey, ct types.ConflictType) (*types.Conflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.activePairs[pairTypeKey(key, ct)]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrorCodeNotFound, "no active %s conflict for pair %s", ct, key)
	}
	cp := *m.conflicts[id]
	return &cp, nil
}

// UpdateStatus implements ConflictStore.
func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, expectedVersion int64, next types.ConflictStatus) (*types.Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conflicts[id]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrorCodeNotFound, "conflict %s not found", id)
	}
	if c.Version != expectedVersion {
		return nil, apperrors.Newf(apperrors.ErrorCodeWriteConflict,
			"conflict %s version %d does not match expected %d", id, c.Version, expectedVersion)
	}
	if !c.Status.CanTransitionTo(next) {
		return nil, apperrors.Newf(apperrors.ErrorCodeIllegalTransition,
			"conflict %s cannot move %s -> %s", id, c.Status, next)
	}

	updated := *c
	updated.Status = next
	updated.LastUpdated = time.Now().UTC()
	updated.Version++
	m.conflicts[id] = &updated

	ptk := pairTypeKey(updated.PairKey, updated.Type)
	if next == types.StatusResolved {
		delete(m.activePairs, ptk)
	} else {
		m.activePairs[ptk] = id
	}

	cp := updated
	return &cp, nil
}

// ListConflicts implements ConflictStore.
func (m *MemoryStore) ListConflicts(ctx context.Context, filter ConflictFilter) ([]*types.Conflict, error) {
	m.mu.RLock()
	all := make([]*types.Conflict, 0, len(m.conflicts))
	for _, c := range m.conflicts {
		if matchesConflictFilter(c, &filter) {
			cp := *c
			all = append(all, &cp)
		}
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].DetectedAt.After(all[j].DetectedAt)
	})
	return paginate(all, filter.Limit, filter.Offset), nil
}

func matchesConflictFilter(c *types.Conflict, f *ConflictFilter) bool {
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, c.Status) {
		return false
	}
	if len(f.Types) > 0 && !containsType(f.Types, c.Type) {
		return false
	}
	if f.MinSeverity != nil && c.Severity < *f.MinSeverity {
		return false
	}
	if f.MaxSeverity != nil && c.Severity > *f.MaxSeverity {
		return false
	}
	if f.FrameworkID != "" && c.FrameworkID != f.FrameworkID {
		return false
	}
	if f.Jurisdiction != "" {
		found := false
		target := types.NormalizeTag(f.Jurisdiction)
		for _, j := range c.Jurisdiction {
			if j == target {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.DetectedFrom != nil && c.DetectedAt.Before(*f.DetectedFrom) {
		return false
	}
	if f.DetectedTo != nil && c.DetectedAt.After(*f.DetectedTo) {
		return false
	}
	return true
}

func containsStatus(haystack []types.ConflictStatus, needle types.ConflictStatus) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func containsType(haystack []types.ConflictType, needle types.ConflictType) bool {
	for _, t := range haystack {
		if t == needle {
			return true
		}
	}
	return false
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// AppendResolution implements ResolutionStore.
func (m *MemoryStore) AppendResolution(ctx context.Context, r *types.ResolutionRecord) error {
	if err := r.Validate(); err != nil {
		return apperrors.Wrap(apperrors.ErrorCodeValidation, "invalid resolution record", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *r
	m.resolutions[r.ConflictID] = append(m.resolutions[r.ConflictID], &cp)
	m.resOrder = append(m.resOrder, &cp)
	return nil
}

// GetByConflict implements ResolutionStore.
func (m *MemoryStore) GetByConflict(ctx context.Context, conflictID string) ([]*types.ResolutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := m.resolutions[conflictID]
	out := make([]*types.ResolutionRecord, len(records))
	for i, r := range records {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

// ListResolutions implements ResolutionStore.
func (m *MemoryStore) ListResolutions(ctx context.Context, limit, offset int) ([]*types.ResolutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*types.ResolutionRecord, len(m.resOrder))
	for i, r := range m.resOrder {
		cp := *r
		out[i] = &cp
	}
	return paginate(out, limit, offset), nil
}

// CreateCase implements EscalationStore.
func (m *MemoryStore) CreateCase(ctx context.Context, e *types.EscalationCase) error {
	if err := e.Validate(); err != nil {
		return apperrors.Wrap(apperrors.ErrorCodeValidation, "invalid escalation case", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.openCases[e.ConflictID]; ok {
		return apperrors.Newf(apperrors.ErrorCodeAlreadyExists,
			"conflict %s already has open case %s", e.ConflictID, existing)
	}

	cp := *e
	cp.Version = 1
	m.cases[e.ID] = &cp
	if !cp.Closed() {
		m.openCases[e.ConflictID] = e.ID
	}
	return nil
}

// GetCase implements EscalationStore.
func (m *MemoryStore) GetCase(ctx context.Context, id string) (*types.EscalationCase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.cases[id]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrorCodeNotFound, "escalation case %s not found", id)
	}
	cp := *e
	return &cp, nil
}

// GetOpenCaseByConflict implements EscalationStore.
func (m *MemoryStore) GetOpenCaseByConflict(ctx context.Context, conflictID string) (*types.EscalationCase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.openCases[conflictID]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrorCodeNotFound, "no open case for conflict %s", conflictID)
	}
	cp := *m.cases[id]
	return &cp, nil
}

// UpdateCase implements EscalationStore.
func (m *MemoryStore) UpdateCase(ctx context.Context, e *types.EscalationCase, expectedVersion int64) (*types.EscalationCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.cases[e.ID]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrorCodeNotFound, "escalation case %s not found", e.ID)
	}
	if current.Version != expectedVersion {
		return nil, apperrors.Newf(apperrors.ErrorCodeWriteConflict,
			"case %s version %d does not match expected %d", e.ID, current.Version, expectedVersion)
	}
	if e.Level < current.Level {
		return nil, apperrors.Newf(apperrors.ErrorCodeInvalidValue,
			"case %s level cannot decrease from %d to %d", e.ID, current.Level, e.Level)
	}
	if e.Status != current.Status && !current.Status.CanTransitionTo(e.Status) {
		return nil, apperrors.Newf(apperrors.ErrorCodeIllegalTransition,
			"case %s cannot move %s -> %s", e.ID, current.Status, e.Status)
	}

	updated := *e
	updated.Version = current.Version + 1
	m.cases[e.ID] = &updated

	if updated.Closed() {
		delete(m.openCases, updated.ConflictID)
	}

	cp := updated
	return &cp, nil
}

// ListCases implements EscalationStore.
func (m *MemoryStore) ListCases(ctx context.Context, filter EscalationFilter) ([]*types.EscalationCase, error) {
	m.mu.RLock()
	all := make([]*types.EscalationCase, 0, len(m.cases))
	for _, e := range m.cases {
		if matchesEscalationFilter(e, &filter) {
			cp := *e
			all = append(all, &cp)
		}
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].OpenedAt.After(all[j].OpenedAt)
	})
	return paginate(all, filter.Limit, filter.Offset), nil
}

func matchesEscalationFilter(e *types.EscalationCase, f *EscalationFilter) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if e.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ConflictID != "" && e.ConflictID != f.ConflictID {
		return false
	}
	if f.MinLevel > 0 && e.Level < f.MinLevel {
		return false
	}
	if f.OpenedFrom != nil && e.OpenedAt.Before(*f.OpenedFrom) {
		return false
	}
	if f.OpenedTo != nil && e.OpenedAt.After(*f.OpenedTo) {
		return false
	}
	return true
}

// ListOpenCases implements EscalationStore.
func (m *MemoryStore) ListOpenCases(ctx context.Context) ([]*types.EscalationCase, error) {
	return m.ListCases(ctx, EscalationFilter{Statuses: []types.EscalationStatus{
		types.EscalationOpen, types.EscalationAcknowledged, types.EscalationInReview,
	}})
}

// Merge implements StatsStore.
func (m *MemoryStore) Merge(ctx context.Context, key types.StatKey, success bool) error {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()

	stat := m.stats[key.String()]
	stat.Key = key
	if success {
		stat.SuccessCount++
	} else {
		stat.FailureCount++
	}
	stat.LastUpdated = time.Now().UTC()
	m.stats[key.String()] = stat
	return nil
}

// Snapshot implements StatsStore.
func (m *MemoryStore) Snapshot(ctx context.Context) (map[string]types.StrategyOutcomeStat, error) {
	m.statsMu.RLock()
	defer m.statsMu.RUnlock()

	out := make(map[string]types.StrategyOutcomeStat, len(m.stats))
	for k, v := range m.stats {
		out[k] = v
	}
	return out, nil
}
