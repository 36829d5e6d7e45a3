package storage

import "github.com/nshruti113/dos-protect/internal/models"

// RedisNamespace prefixes every key the engine writes.
const RedisNamespace = "dosprotect"

const (
	RedisKeyActiveAttacks = RedisNamespace + ":attacks:active"
	RedisChanEvents       = RedisNamespace + ":events"
	RedisChanBaselines    = RedisNamespace + ":baselines"
)

// EventHistoryKey is the sorted set of events of one resource scored by time.
func EventHistoryKey(id models.ResourceID) string {
	return RedisNamespace + ":events:" + id.String()
}

// BaselineKey holds the arbitrated baseline snapshot of one resource.
func BaselineKey(id models.ResourceID) string {
	return RedisNamespace + ":baseline:" + id.String()
}

// ReplicasKey is the set of replicas attached to one resource.
func ReplicasKey(id models.ResourceID) string {
	return RedisNamespace + ":replicas:" + id.String()
}
