package storage

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"lerian-regulatory-engine/internal/apperrors"
	"lerian-regulatory-engine/pkg/types"
)

const statsKeyPrefix = "stats:"

// RedisStatsStore keeps strategy-outcome aggregates in Redis hashes. Each
// stat key maps to one hash with success and failure counters, so merges
// from concurrent cycles reduce to atomic HINCRBY calls.
type RedisStatsStore struct {
	client *redis.Client
}

// NewRedisStatsStore connects to Redis and verifies the connection.
func NewRedisStatsStore(addr string, db int) (*RedisStatsStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrorCodeServiceUnavailable, "failed to ping redis", err)
	}
	return &RedisStatsStore{client: client}, nil
}

// Close closes the Redis client.
func (s *RedisStatsStore) Close() error {
	return s.client.Close()
}

// Merge implements StatsStore.
func (s *RedisStatsStore) Merge(ctx context.Context, key types.StatKey, success bool) error {
	field := "failure"
	if success {
		field = "success"
	}

	pipe := s.client.Pipeline()
	hashKey := statsKeyPrefix + key.String()
	pipe.HIncrBy(ctx, hashKey, field, 1)
	pipe.HSet(ctx, hashKey, "updated", time.Now().UTC().Format(time.RFC3339Nano))
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.Wrap(apperrors.ErrorCodeDatabaseError, "merge strategy outcome", err)
	}
	return nil
}

// Snapshot implements StatsStore.
func (s *RedisStatsStore) Snapshot(ctx context.Context) (map[string]types.StrategyOutcomeStat, error) {
	out := make(map[string]types.StrategyOutcomeStat)

	iter := s.client.Scan(ctx, 0, statsKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		hashKey := iter.Val()
		fields, err := s.client.HGetAll(ctx, hashKey).Result()
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrorCodeDatabaseError, "read strategy outcome", err)
		}

		key, ok := parseStatKey(strings.TrimPrefix(hashKey, statsKeyPrefix))
		if !ok {
			continue
		}
		stat := types.StrategyOutcomeStat{Key: key}
		stat.SuccessCount, _ = strconv.ParseInt(fields["success"], 10, 64)
		stat.FailureCount, _ = strconv.ParseInt(fields["failure"], 10, 64)
		if updated, err := time.Parse(time.RFC3339Nano, fields["updated"]); err == nil {
			stat.LastUpdated = updated
		}
		out[key.String()] = stat
	}
	if err := iter.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrorCodeDatabaseError, "scan strategy outcomes", err)
	}
	return out, nil
}

func parseStatKey(s string) (types.StatKey, bool) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return types.StatKey{}, false
	}
	return types.StatKey{
		ConflictType:       types.ConflictType(parts[0]),
		JurisdictionBucket: parts[1],
		Strategy:           types.StrategyType(parts[2]),
	}, true
}
