package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	// SQLite driver
	_ "github.com/mattn/go-sqlite3"

	"lerian-regulatory-engine/internal/apperrors"
	"lerian-regulatory-engine/internal/logging"
	"lerian-regulatory-engine/pkg/types"
)

// SQLiteStore is the durable implementation of ConflictStore,
// ResolutionStore, and EscalationStore on a local SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger logging.Logger
}

// NewSQLiteStore opens (or creates) the database at path and ensures the
// schema exists.
func NewSQLiteStore(path string, logger logging.Logger) (*SQLiteStore, error) {
	// Serialized access keeps pair-key upserts atomic without app locks.
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conflicts (
		id            TEXT PRIMARY KEY,
		pair_low      TEXT NOT NULL,
		pair_high     TEXT NOT NULL,
		conflict_type TEXT NOT NULL,
		severity      REAL NOT NULL,
		evidence      TEXT NOT NULL,
		status        TEXT NOT NULL,
		framework_id  TEXT,
		jurisdiction  TEXT,
		detected_at   TIMESTAMP NOT NULL,
		last_updated  TIMESTAMP NOT NULL,
		version       INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_conflicts_active_pair
		ON conflicts(pair_low, pair_high, conflict_type)
		WHERE status != 'resolved';
	CREATE INDEX IF NOT EXISTS idx_conflicts_status ON conflicts(status);
	CREATE INDEX IF NOT EXISTS idx_conflicts_detected ON conflicts(detected_at);

	CREATE TABLE IF NOT EXISTS resolution_records (
		id          TEXT PRIMARY KEY,
		conflict_id TEXT NOT NULL,
		strategy    TEXT NOT NULL,
		outcome     TEXT NOT NULL,
		confidence  REAL NOT NULL,
		rationale   TEXT NOT NULL,
		applied_at  TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_resolutions_conflict ON resolution_records(conflict_id);

	CREATE TABLE IF NOT EXISTS escalation_cases (
		id           TEXT PRIMARY KEY,
		conflict_id  TEXT NOT NULL,
		level        INTEGER NOT NULL,
		reason       TEXT NOT NULL,
		status       TEXT NOT NULL,
		opened_at    TIMESTAMP NOT NULL,
		sla_deadline TIMESTAMP NOT NULL,
		acknowledged TIMESTAMP,
		closed_at    TIMESTAMP,
		closed_by    TEXT,
		version      INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_cases_open_conflict
		ON escalation_cases(conflict_id)
		WHERE status != 'closed';
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertDetected implements ConflictStore.
func (s *SQLiteStore) UpsertDetected(ctx context.Context, c *types.Conflict) (*types.Conflict, bool, error) {
	if err := c.Validate(); err != nil {
		return nil, false, apperrors.Wrap(apperrors.ErrorCodeValidation, "invalid conflict", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, apperrors.Wrap(apperrors.ErrorCodeDatabaseError, "begin upsert", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := s.scanConflictRow(tx.QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM conflicts
		 WHERE pair_low = ? AND pair_high = ? AND conflict_type = ? AND status != 'resolved'`,
		c.PairKey.Low, c.PairKey.High, string(c.Type)))
	switch {
	case err == nil:
		stored, changed, uerr := s.refreshExisting(ctx, tx, existing, c)
		if uerr != nil {
			return nil, false, uerr
		}
		if changed {
			if cerr := tx.Commit(); cerr != nil {
				return nil, false, apperrors.Wrap(apperrors.ErrorCodeDatabaseError, "commit upsert", cerr)
			}
		}
		return stored, false, nil
	case errors.Is(err, sql.ErrNoRows):
		// fall through to insert
	default:
		return nil, false, apperrors.Wrap(apperrors.ErrorCodeDatabaseError, "query active conflict", err)
	}

	stored := *c
	now := time.Now().UTC()
	if stored.DetectedAt.IsZero() {
		stored.DetectedAt = now
	}
	stored.LastUpdated = now
	stored.Status = types.StatusDetected
	stored.Version = 1

	evidence, err := json.Marshal(stored.Evidence)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal evidence: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO conflicts (id, pair_low, pair_high, conflict_type, severity, evidence,
			status, framework_id, jurisdiction, detected_at, last_updated, version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.ID, stored.PairKey.Low, stored.PairKey.High, string(stored.Type),
		stored.Severity, string(evidence), string(stored.Status), stored.FrameworkID,
		strings.Join(stored.Jurisdiction, ","), stored.DetectedAt, stored.LastUpdated, stored.Version)
	if err != nil {
		// A concurrent insert for the same pair hit the partial unique
		// index first; re-read and treat it as the existing row.
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, false, apperrors.Wrap(apperrors.ErrorCodeWriteConflict, "concurrent conflict insert", err)
		}
		return nil, false, apperrors.Wrap(apperrors.ErrorCodeDatabaseError, "insert conflict", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, apperrors.Wrap(apperrors.ErrorCodeDatabaseError, "commit insert", err)
	}
	return &stored, true, nil
}

// refreshExisting updates an active row's evidence and severity, reopening
// retryable terminals. Unchanged inputs leave the row untouched.
func (s *SQLiteStore) refreshExisting(ctx context.Context, tx *sql.Tx, existing, incoming *types.Conflict) (*types.Conflict, bool, error) {
	incomingEvidence, err := json.Marshal(incoming.Evidence)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal evidence: %w", err)
	}
	existingEvidence, err := json.Marshal(existing.Evidence)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal evidence: %w", err)
	}
	if existing.Severity == incoming.Severity && string(existingEvidence) == string(incomingEvidence) {
		return existing, false, nil
	}

	updated := *existing
	updated.Severity = incoming.Severity
	updated.Evidence = incoming.Evidence
	updated.LastUpdated = time.Now().UTC()
	updated.Version++
	if updated.Status == types.StatusEscalated || updated.Status == types.StatusFailed {
		updated.Status = types.StatusDetected
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE conflicts SET severity = ?, evidence = ?, status = ?, last_updated = ?, version = ?
		 WHERE id = ? AND version = ?`,
		updated.Severity, string(incomingEvidence), string(updated.Status),
		updated.LastUpdated, updated.Version, updated.ID, existing.Version)
	if err != nil {
		return nil, false, apperrors.Wrap(apperrors.ErrorCodeDatabaseError, "update conflict", err)
	}
	return &updated, true, nil
}

const conflictColumns = `id, pair_low, pair_high, conflict_type, severity, evidence,
	status, framework_id, jurisdiction, detected_at, last_updated, version`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *SQLiteStore) scanConflictRow(row rowScanner) (*types.Conflict, error) {
	var c types.Conflict
	var conflictType, status, evidence, jurisdiction string
	err := row.Scan(&c.ID, &c.PairKey.Low, &c.PairKey.High, &conflictType, &c.Severity,
		&evidence, &status, &c.FrameworkID, &jurisdiction, &c.DetectedAt, &c.LastUpdated, &c.Version)
	if err != nil {
		return nil, err
	}
	c.Type = types.ConflictType(conflictType)
	c.Status = types.ConflictStatus(status)
	c.ProvisionA = c.PairKey.Low
	c.ProvisionB = c.PairKey.High
	if jurisdiction != "" {
		c.Jurisdiction = strings.Split(jurisdiction, ",")
	}
	if err := json.Unmarshal([]byte(evidence), &c.Evidence); err != nil {
		s.logger.Error("failed to unmarshal conflict evidence", "conflict_id", c.ID, "error", err)
	}
	return &c, nil
}

// GetConflict implements ConflictStore.
func (s *SQLiteStore) GetConflict(ctx context.Context, id string) (*types.Conflict, error) {
	c, err := s.scanConflictRow(s.db.QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrorCodeNotFound, "conflict %s not found", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrorCodeDatabaseError, "get conflict", err)
	}
	return c, nil
}

// GetActiveByPair implements ConflictStore.
func (s *SQLiteStore) GetActiveByPair(ctx context.Context, key types.PairKey, ct types.ConflictType) (*types.Conflict, error) {
	c, err := s.scanConflictRow(s.db.QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM conflicts
		 WHERE pair_low = ? AND pair_high = ? AND conflict_type = ? AND status != 'resolved'`,
		key.Low, key.High, string(ct)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrorCodeNotFound, "no active %s conflict for pair %s", ct, key)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrorCodeDatabaseError, "get active conflict", err)
	}
	return c, nil
}

// UpdateStatus implements ConflictStore.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, expectedVersion int64, next types.ConflictStatus) (*types.Conflict, error) {
	current, err := s.GetConflict(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, apperrors.Newf(apperrors.ErrorCodeWriteConflict,
			"conflict %s version %d does not match expected %d", id, current.Version, expectedVersion)
	}
	if !current.Status.CanTransitionTo(next) {
		return nil, apperrors.Newf(apperrors.ErrorCodeIllegalTransition,
			"conflict %s cannot move %s -> %s", id, current.Status, next)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE conflicts SET status = ?, last_updated = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		string(next), now, id, expectedVersion)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrorCodeDatabaseError, "update conflict status", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrorCodeDatabaseError, "update conflict status", err)
	}
	if affected == 0 {
		// Someone else won the version race after our read.
		return nil, apperrors.Newf(apperrors.ErrorCodeWriteConflict,
			"conflict %s was modified concurrently", id)
	}

	updated := *current
	updated.Status = next
	updated.LastUpdated = now
	updated.Version = expectedVersion + 1
	return &updated, nil
}

// ListConflicts implements ConflictStore.
func (s *SQLiteStore) ListConflicts(ctx context.Context, filter ConflictFilter) ([]*types.Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts WHERE 1=1`
	args := []interface{}{}

	if len(filter.Statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(",?", len(filter.Statuses)-1) + `)`
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if len(filter.Types) > 0 {
		query += ` AND conflict_type IN (?` + strings.Repeat(",?", len(filter.Types)-1) + `)`
		for _, t := range filter.Types {
			args = append(args, string(t))
		}
	}
	if filter.MinSeverity != nil {
		query += ` AND severity >= ?`
		args = append(args, *filter.MinSeverity)
	}
	if filter.MaxSeverity != nil {
		query += ` AND severity <= ?`
		args = append(args, *filter.MaxSeverity)
	}
	if filter.FrameworkID != "" {
		query += ` AND framework_id = ?`
		args = append(args, filter.FrameworkID)
	}
	if filter.Jurisdiction != "" {
		query += ` AND (jurisdiction = ? OR jurisdiction LIKE ? OR jurisdiction LIKE ? OR jurisdiction LIKE ?)`
		j := types.NormalizeTag(filter.Jurisdiction)
		args = append(args, j, j+",%", "%,"+j, "%,"+j+",%")
	}
	if filter.DetectedFrom != nil {
		query += ` AND detected_at >= ?`
		args = append(args, *filter.DetectedFrom)
	}
	if filter.DetectedTo != nil {
		query += ` AND detected_at <= ?`
		args = append(args, *filter.DetectedTo)
	}

	query += ` ORDER BY detected_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrorCodeDatabaseError, "list conflicts", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Conflict
	for rows.Next() {
		c, err := s.scanConflictRow(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrorCodeDatabaseError, "scan conflict", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AppendResolution implements ResolutionStore.
func (s *SQLiteStore) AppendResolution(ctx context.Context, r *types.ResolutionRecord) error {
	if err := r.Validate(); err != nil {
		return apperrors.Wrap(apperrors.ErrorCodeValidation, "invalid resolution record", err)
	}

	strategy, err := json.Marshal(r.Strategy)
	if err != nil {
		return fmt.Errorf("failed to marshal strategy: %w", err)
	}
	rationale, err := json.Marshal(r.Rationale)
	if err != nil {
		return fmt.Errorf("failed to marshal rationale: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO resolution_records (id, conflict_id, strategy, outcome, confidence, rationale, applied_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ConflictID, string(strategy), string(r.Outcome), r.Confidence, string(rationale), r.AppliedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrorCodeDatabaseError, "append resolution", err)
	}
	return nil
}

func (s *SQLiteStore) scanResolutionRows(rows *sql.Rows) ([]*types.ResolutionRecord, error) {
	var out []*types.ResolutionRecord
	for rows.Next() {
		var r types.ResolutionRecord
		var strategy, outcome, rationale string
		if err := rows.Scan(&r.ID, &r.ConflictID, &strategy, &outcome, &r.Confidence, &rationale, &r.AppliedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrorCodeDatabaseError, "scan resolution", err)
		}
		r.Outcome = types.ResolutionOutcome(outcome)
		if err := json.Unmarshal([]byte(strategy), &r.Strategy); err != nil {
			s.logger.Error("failed to unmarshal strategy", "record_id", r.ID, "error", err)
		}
		if err := json.Unmarshal([]byte(rationale), &r.Rationale); err != nil {
			s.logger.Error("failed to unmarshal rationale", "record_id", r.ID, "error", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// GetByConflict implements ResolutionStore.
func (s *SQLiteStore) GetByConflict(ctx context.Context, conflictID string) ([]*types.ResolutionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conflict_id, strategy, outcome, confidence, rationale, applied_at
		 FROM resolution_records WHERE conflict_id = ? ORDER BY applied_at`, conflictID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrorCodeDatabaseError, "get resolutions", err)
	}
	defer func() { _ = rows.Close() }()
	return s.scanResolutionRows(rows)
}

// ListResolutions implements ResolutionStore.
func (s *SQLiteStore) ListResolutions(ctx context.Context, limit, offset int) ([]*types.ResolutionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conflict_id, strategy, outcome, confidence, rationale, applied_at
		 FROM resolution_records ORDER BY applied_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrorCodeDatabaseError, "list resolutions", err)
	}
	defer func() { _ = rows.Close() }()
	return s.scanResolutionRows(rows)
}

// CreateCase implements EscalationStore.
func (s *SQLiteStore) CreateCase(ctx context.Context, e *types.EscalationCase) error {
	if err := e.Validate(); err != nil {
		return apperrors.Wrap(apperrors.ErrorCodeValidation, "invalid escalation case", err)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO escalation_cases (id, conflict_id, level, reason, status, opened_at,
			sla_deadline, acknowledged, closed_at, closed_by, version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		e.ID, e.ConflictID, e.Level, string(e.Reason), string(e.Status),
		e.OpenedAt, e.SLADeadline, e.Acknowledged, e.ClosedAt, e.ClosedBy)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return apperrors.Newf(apperrors.ErrorCodeAlreadyExists,
				"conflict %s already has an open case", e.ConflictID)
		}
		return apperrors.Wrap(apperrors.ErrorCodeDatabaseError, "create escalation case", err)
	}
	return nil
}

const caseColumns = `id, conflict_id, level, reason, status, opened_at, sla_deadline,
	acknowledged, closed_at, closed_by, version`

func scanCaseRow(row rowScanner) (*types.EscalationCase, error) {
	var e types.EscalationCase
	var reason, status string
	var acknowledged, closedAt sql.NullTime
	var closedBy sql.NullString
	err := row.Scan(&e.ID, &e.ConflictID, &e.Level, &reason, &status, &e.OpenedAt,
		&e.SLADeadline, &acknowledged, &closedAt, &closedBy, &e.Version)
	if err != nil {
		return nil, err
	}
	e.Reason = types.EscalationReason(reason)
	e.Status = types.EscalationStatus(status)
	if acknowledged.Valid {
		t := acknowledged.Time
		e.Acknowledged = &t
	}
	if closedAt.Valid {
		t := closedAt.Time
		e.ClosedAt = &t
	}
	e.ClosedBy = closedBy.String
	return &e, nil
}

// GetCase implements EscalationStore.
func (s *SQLiteStore) GetCase(ctx context.Context, id string) (*types.EscalationCase, error) {
	e, err := scanCaseRow(s.db.QueryRowContext(ctx,
		`SELECT `+caseColumns+` FROM escalation_cases WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrorCodeNotFound, "escalation case %s not found", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrorCodeDatabaseError, "get escalation case", err)
	}
	return e, nil
}

// GetOpenCaseByConflict implements EscalationStore.
func (s *SQLiteStore) GetOpenCaseByConflict(ctx context.Context, conflictID string) (*types.EscalationCase, error) {
	e, err := scanCaseRow(s.db.QueryRowContext(ctx,
		`SELECT `+caseColumns+` FROM escalation_cases WHERE conflict_id = ? AND status != 'closed'`,
		conflictID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrorCodeNotFound, "no open case for conflict %s", conflictID)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrorCodeDatabaseError, "get open case", err)
	}
	return e, nil
}

// UpdateCase implements EscalationStore.
func (s *SQLiteStore) UpdateCase(ctx context.Context, e *types.EscalationCase, expectedVersion int64) (*types.EscalationCase, error) {
	current, err := s.GetCase(ctx, e.ID)
	if err != nil {
		return nil, err
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

	res, err := s.db.ExecContext(ctx,
		`UPDATE escalation_cases SET level = ?, status = ?, sla_deadline = ?,
			acknowledged = ?, closed_at = ?, closed_by = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		e.Level, string(e.Status), e.SLADeadline, e.Acknowledged, e.ClosedAt, e.ClosedBy,
		e.ID, expectedVersion)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrorCodeDatabaseError, "update escalation case", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrorCodeDatabaseError, "update escalation case", err)
	}
	if affected == 0 {
		return nil, apperrors.Newf(apperrors.ErrorCodeWriteConflict,
			"case %s was modified concurrently", e.ID)
	}

	updated := *e
	updated.Version = expectedVersion + 1
	return &updated, nil
}

// ListCases implements EscalationStore.
func (s *SQLiteStore) ListCases(ctx context.Context, filter EscalationFilter) ([]*types.EscalationCase, error) {
	query := `SELECT ` + caseColumns + ` FROM escalation_cases WHERE 1=1`
	args := []interface{}{}

	if len(filter.Statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(",?", len(filter.Statuses)-1) + `)`
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.ConflictID != "" {
		query += ` AND conflict_id = ?`
		args = append(args, filter.ConflictID)
	}
	if filter.MinLevel > 0 {
		query += ` AND level >= ?`
		args = append(args, filter.MinLevel)
	}
	if filter.OpenedFrom != nil {
		query += ` AND opened_at >= ?`
		args = append(args, *filter.OpenedFrom)
	}
	if filter.OpenedTo != nil {
		query += ` AND opened_at <= ?`
		args = append(args, *filter.OpenedTo)
	}

	query += ` ORDER BY opened_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrorCodeDatabaseError, "list escalation cases", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.EscalationCase
	for rows.Next() {
		e, err := scanCaseRow(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrorCodeDatabaseError, "scan escalation case", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListOpenCases implements EscalationStore.
func (s *SQLiteStore) ListOpenCases(ctx context.Context) ([]*types.EscalationCase, error) {
	return s.ListCases(ctx, EscalationFilter{Statuses: []types.EscalationStatus{
		types.EscalationOpen, types.EscalationAcknowledged, types.EscalationInReview,
	}})
}
