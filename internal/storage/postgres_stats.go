package storage

import (
	"context"
	"database/sql"
	"fmt"

	// PostgreSQL driver
	_ "github.com/lib/pq"

	"lerian-regulatory-engine/internal/apperrors"
	"lerian-regulatory-engine/pkg/types"
)

// PostgresStatsStore persists strategy-outcome aggregates in PostgreSQL so
// learned success rates survive engine restarts and are shared across
// replicas.
type PostgresStatsStore struct {
	db *sql.DB
}

// NewPostgresStatsStore connects to PostgreSQL and ensures the stats table
// exists.
func NewPostgresStatsStore(dsn string) (*PostgresStatsStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	s := &PostgresStatsStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStatsStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS strategy_outcome_stats (
		conflict_type TEXT NOT NULL,
		bucket        TEXT NOT NULL,
		strategy      TEXT NOT NULL,
		success_count BIGINT NOT NULL DEFAULT 0,
		failure_count BIGINT NOT NULL DEFAULT 0,
		last_updated  TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		PRIMARY KEY (conflict_type, bucket, strategy)
	)`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create stats table: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *PostgresStatsStore) Close() error {
	return s.db.Close()
}

// Merge implements StatsStore. The upsert keeps concurrent merges from
// different engine replicas additive.
func (s *PostgresStatsStore) Merge(ctx context.Context, key types.StatKey, success bool) error {
	successInc, failureInc := 0, 0
	if success {
		successInc = 1
	} else {
		failureInc = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO strategy_outcome_stats (conflict_type, bucket, strategy, success_count, failure_count, last_updated)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (conflict_type, bucket, strategy)
		DO UPDATE SET
			success_count = strategy_outcome_stats.success_count + $4,
			failure_count = strategy_outcome_stats.failure_count + $5,
			last_updated  = NOW()`,
		string(key.ConflictType), key.JurisdictionBucket, string(key.Strategy),
		successInc, failureInc)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrorCodeDatabaseError, "merge strategy outcome", err)
	}
	return nil
}

// Snapshot implements StatsStore.
func (s *PostgresStatsStore) Snapshot(ctx context.Context) (map[string]types.StrategyOutcomeStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conflict_type, bucket, strategy, success_count, failure_count, last_updated
		FROM strategy_outcome_stats`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrorCodeDatabaseError, "snapshot strategy outcomes", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]types.StrategyOutcomeStat)
	for rows.Next() {
		var stat types.StrategyOutcomeStat
		var conflictType, strategy string
		if err := rows.Scan(&conflictType, &stat.Key.JurisdictionBucket, &strategy,
			&stat.SuccessCount, &stat.FailureCount, &stat.LastUpdated); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrorCodeDatabaseError, "scan strategy outcome", err)
		}
		stat.Key.ConflictType = types.ConflictType(conflictType)
		stat.Key.Strategy = types.StrategyType(strategy)
		out[stat.Key.String()] = stat
	}
	return out, rows.Err()
}
