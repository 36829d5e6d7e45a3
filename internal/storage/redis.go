package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nshruti113/dos-protect/internal/models"
)

// RedisClient keeps the recent event history per resource, tracks active
// attacks and publishes every event for live consumers.
type RedisClient struct {
	client      *redis.Client
	historySize int64
}

func NewRedisClient(addr string, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisClientFrom(client, 10000), nil
}

// NewRedisClientFrom wraps an existing connection.
func NewRedisClientFrom(client *redis.Client, historySize int64) *RedisClient {
	return &RedisClient{client: client, historySize: max(historySize, 1)}
}

// Client exposes the connection for components sharing it.
func (r *RedisClient) Client() *redis.Client {
	return r.client
}

func (r *RedisClient) Name() string { return "redis" }

// WriteBatch stores events in the per-resource history, updates the active
// attack hash and publishes each event.
func (r *RedisClient) WriteBatch(ctx context.Context, events []models.AttackEvent) error {
	if len(events) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	trim := make(map[string]struct{})

	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		key := EventHistoryKey(ev.Resource)

		// Add to sorted set with timestamp as score
		pipe.ZAdd(ctx, key, redis.Z{
			Score:  float64(ev.Timestamp.UnixMilli()),
			Member: string(data),
		})
		trim[key] = struct{}{}

		switch ev.Kind {
		case models.EventAttackStarted, models.EventUnderAttack:
			pipe.HSet(ctx, RedisKeyActiveAttacks, ev.Resource.String(), string(data))
		case models.EventAttackEnded:
			pipe.HDel(ctx, RedisKeyActiveAttacks, ev.Resource.String())
		}

		pipe.Publish(ctx, RedisChanEvents, string(data))
	}

	// Keep only the newest historySize events
	for key := range trim {
		pipe.ZRemRangeByRank(ctx, key, 0, -r.historySize-1)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store events: %w", err)
	}
	return nil
}

// RecentEvents returns up to n of the newest events of id, oldest first.
func (r *RedisClient) RecentEvents(ctx context.Context, id models.ResourceID, n int64) ([]models.AttackEvent, error) {
	results, err := r.client.ZRevRange(ctx, EventHistoryKey(id), 0, n-1).Result()
	if err != nil {
		return nil, err
	}

	events := make([]models.AttackEvent, 0, len(results))
	for i := len(results) - 1; i >= 0; i-- {
		var ev models.AttackEvent
		if err := json.Unmarshal([]byte(results[i]), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// EventsSince returns events of id at or after since, oldest first.
func (r *RedisClient) EventsSince(ctx context.Context, id models.ResourceID, since time.Time) ([]models.AttackEvent, error) {
	results, err := r.client.ZRangeByScore(ctx, EventHistoryKey(id), &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", since.UnixMilli()),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}

	events := make([]models.AttackEvent, 0, len(results))
	for _, result := range results {
		var ev models.AttackEvent
		if err := json.Unmarshal([]byte(result), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// ActiveAttacks returns the latest attack event per resource under attack.
func (r *RedisClient) ActiveAttacks(ctx context.Context) ([]models.AttackEvent, error) {
	data, err := r.client.HGetAll(ctx, RedisKeyActiveAttacks).Result()
	if err != nil {
		return nil, err
	}

	attacks := make([]models.AttackEvent, 0, len(data))
	for _, raw := range data {
		var ev models.AttackEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		attacks = append(attacks, ev)
	}
	return attacks, nil
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}
