package types

import "time"

// StatKey identifies one strategy-outcome aggregation bucket.
type StatKey struct {
	ConflictType       ConflictType `json:"conflict_type"`
	JurisdictionBucket string       `json:"jurisdiction_bucket"`
	Strategy           StrategyType `json:"strategy"`
}

// String renders the key for map and storage use.
func (k StatKey) String() string {
	return string(k.ConflictType) + ":" + k.JurisdictionBucket + ":" + string(k.Strategy)
}

// StrategyOutcomeStat aggregates terminal resolution outcomes for one key.
// Applied outcomes count as successes; reverted and failed as failures.
type StrategyOutcomeStat struct {
	Key          StatKey   `json:"key"`
	SuccessCount int64     `json:"success_count"`
	FailureCount int64     `json:"failure_count"`
	LastUpdated  time.Time `json:"last_updated"`
}

// SuccessRate returns the add-one smoothed historical success rate. The
// smoothing yields 0.5 on a cold start instead of dividing by zero, which is
// exactly the neutral prior the strategy engine expects.
func (s *StrategyOutcomeStat) SuccessRate() float64 {
	return float64(s.SuccessCount+1) / float64(s.SuccessCount+s.FailureCount+2)
}
