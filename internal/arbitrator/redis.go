package arbitrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nshruti113/dos-protect/internal/models"
	"github.com/nshruti113/dos-protect/internal/storage"
)

// pushScript stores ARGV[2] under KEYS[1] unless the stored rank is higher,
// then announces the resource on KEYS[2].
var pushScript = redis.NewScript(`
local rank = redis.call('HGET', KEYS[1], 'rank')
if rank and tonumber(rank) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'rank', ARGV[1], 'data', ARGV[2])
redis.call('PUBLISH', KEYS[2], ARGV[3])
return 1
`)

// detachScript removes a replica and drops the snapshot with the last one.
var detachScript = redis.NewScript(`
redis.call('SREM', KEYS[1], ARGV[1])
if redis.call('SCARD', KEYS[1]) == 0 then
	redis.call('DEL', KEYS[2])
	return 1
end
return 0
`)

// RedisStore shares baselines between replicas through Redis.
type RedisStore struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewRedisStore(rdb *redis.Client, logger *zap.Logger) *RedisStore {
	return &RedisStore{rdb: rdb, logger: logger.With(zap.String("mod", "arbitrator.redis"))}
}

func (s *RedisStore) Push(ctx context.Context, id models.ResourceID, b models.Baseline) (bool, error) {
	b.Resource = id
	data, err := json.Marshal(b)
	if err != nil {
		return false, err
	}
	keys := []string{storage.BaselineKey(id), storage.RedisChanBaselines}
	res, err := pushScript.Run(ctx, s.rdb, keys, b.Confidence.Rank(), string(data), id.String()).Int()
	if err != nil {
		return false, fmt.Errorf("push baseline %s: %w", id, err)
	}
	return res == 1, nil
}

func (s *RedisStore) Pull(ctx context.Context, id models.ResourceID) (models.Baseline, error) {
	data, err := s.rdb.HGet(ctx, storage.BaselineKey(id), "data").Result()
	if errors.Is(err, redis.Nil) {
		return models.Baseline{}, ErrNotFound
	}
	if err != nil {
		return models.Baseline{}, fmt.Errorf("pull baseline %s: %w", id, err)
	}
	var b models.Baseline
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		return models.Baseline{}, fmt.Errorf("decode baseline %s: %w", id, err)
	}
	return b, nil
}

func (s *RedisStore) Attach(ctx context.Context, id models.ResourceID, replica string) error {
	if err := s.rdb.SAdd(ctx, storage.ReplicasKey(id), replica).Err(); err != nil {
		return fmt.Errorf("attach %s to %s: %w", replica, id, err)
	}
	return nil
}

func (s *RedisStore) Detach(ctx context.Context, id models.ResourceID, replica string) error {
	keys := []string{storage.ReplicasKey(id), storage.BaselineKey(id)}
	if err := detachScript.Run(ctx, s.rdb, keys, replica).Err(); err != nil {
		return fmt.Errorf("detach %s from %s: %w", replica, id, err)
	}
	return nil
}

// Subscribe follows baseline announcements, resubscribing after connection loss.
func (s *RedisStore) Subscribe(ctx context.Context) (<-chan models.ResourceID, error) {
	out := make(chan models.ResourceID, 64)
	go func() {
		defer close(out)
		for {
			pubsub := s.rdb.Subscribe(ctx, storage.RedisChanBaselines)
			if _, err := pubsub.Receive(ctx); err != nil {
				pubsub.Close()
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("baseline subscription failed", zap.Error(err))
				if !sleep(ctx, 5*time.Second) {
					return
				}
				continue
			}

			ch := pubsub.Channel()
		loop:
			for {
				select {
				case <-ctx.Done():
					pubsub.Close()
					return
				case msg, ok := <-ch:
					if !ok {
						break loop
					}
					id, err := models.ParseResourceID(msg.Payload)
					if err != nil {
						s.logger.Warn("invalid baseline announcement", zap.String("payload", msg.Payload))
						continue
					}
					select {
					case out <- id:
					default:
					}
				}
			}

			pubsub.Close()
			if !sleep(ctx, time.Second) {
				return
			}
		}
	}()
	return out, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
