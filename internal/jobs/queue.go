package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/config"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/core"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/types"
)

const (
	queuePending = "lighthouse:queue:pending"
	claimPrefix  = "lighthouse:claim:"
)

const defaultClaimTTL = 5 * time.Minute

// releaseScript deletes a claim only if it is still held by this queue, so
// a worker whose claim expired cannot free one taken over by another.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisQueue struct {
	client *redis.Client
	cfg    config.RedisConfig
	// owner tags every claim taken through this handle.
	owner string
}

func NewRedisQueue(cfg config.RedisConfig) (core.IntakeQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, types.Transient("redis.connect", fmt.Errorf("failed to connect to Redis: %w", err))
	}

	return &redisQueue{
		client: client,
		cfg:    cfg,
		owner:  uuid.New().String(),
	}, nil
}

// Push enqueues id once; an id already pending keeps its original position.
func (q *redisQueue) Push(ctx context.Context, id string) error {
	err := q.client.ZAddNX(ctx, queuePending, redis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: id,
	}).Err()
	if err != nil {
		return types.Transient("queue.push", err)
	}
	return nil
}

// Pop blocks up to timeout for the oldest pending id. An empty id with a nil
// error means the queue stayed empty.
func (q *redisQueue) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := q.client.BZPopMin(ctx, timeout, queuePending).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", types.Transient("queue.pop", err)
	}
	id, ok := res.Member.(string)
	if !ok {
		return "", fmt.Errorf("unexpected queue member %T", res.Member)
	}
	return id, nil
}

func (q *redisQueue) Claim(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = q.claimTTL()
	}
	ok, err := q.client.SetNX(ctx, claimPrefix+id, q.owner, ttl).Result()
	if err != nil {
		return false, types.Transient("queue.claim", err)
	}
	return ok, nil
}

func (q *redisQueue) Release(ctx context.Context, id string) error {
	if err := releaseScript.Run(ctx, q.client, []string{claimPrefix + id}, q.owner).Err(); err != nil {
		return types.Transient("queue.release", err)
	}
	return nil
}

// Pending reports the queue depth.
func (q *redisQueue) Pending(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, queuePending).Result()
}

func (q *redisQueue) claimTTL() time.Duration {
	if q.cfg.ClaimTTL > 0 {
		return q.cfg.ClaimTTL
	}
	return defaultClaimTTL
}

func (q *redisQueue) Close() error {
	return q.client.Close()
}
