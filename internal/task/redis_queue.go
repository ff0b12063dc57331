package task

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	xerrors "mechx/internal/errors"
)

// RedisQueueConfig configures a Redis list queue.
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue is a job queue on a Redis list shared by several mechxd
// instances.
type RedisQueue struct {
	client *redis.Client
	queue  string
	wait   time.Duration
}

// NewRedisQueue connects and pings Redis.
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "connect redis")
	}
	return NewRedisQueueFromClient(client, cfg.Queue, cfg.BlockWait), nil
}

// NewRedisQueueFromClient wraps an existing client.
func NewRedisQueueFromClient(client *redis.Client, queue string, wait time.Duration) *RedisQueue {
	if queue == "" {
		queue = "mechx:jobs"
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{client: client, queue: queue, wait: wait}
}

// Publish pushes to the head of the list.
func (q *RedisQueue) Publish(ctx context.Context, taskID string) error {
	if err := q.client.LPush(ctx, q.queue, taskID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "redis publish")
	}
	return nil
}

// Consume pops ids with BRPOP. Ids whose handler fails go back on the
// list. Consume returns when ctx ends or Redis fails.
func (q *RedisQueue) Consume(ctx context.Context, workers int, handler Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	for range workerCount(workers) {
		g.Go(func() error {
			for gctx.Err() == nil {
				id, err := q.pop(gctx)
				if err != nil {
					return err
				}
				if id == "" {
					continue
				}
				if err := handler(gctx, id); err != nil {
					if err := q.client.RPush(gctx, q.queue, id).Err(); err != nil {
						return xerrors.Wrap(xerrors.CodeQueueFailure, err, "redis redeliver", xerrors.WithMetadata("task_id", id))
					}
				}
			}
			return gctx.Err()
		})
	}
	return g.Wait()
}

// pop returns "" when the block wait elapsed without a job.
func (q *RedisQueue) pop(ctx context.Context) (string, error) {
	values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return "", nil
	case err != nil && ctx.Err() != nil:
		return "", ctx.Err()
	case err != nil:
		return "", xerrors.Wrap(xerrors.CodeQueueFailure, err, "redis consume")
	case len(values) != 2:
		return "", nil
	}
	return values[1], nil
}

// Len reports the number of queued ids.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.queue).Result()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeQueueFailure, err, "redis queue length")
	}
	return n, nil
}

// Close implements Producer and Consumer.
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
