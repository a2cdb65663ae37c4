package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	apperrors "github.com/Ruscigno/feedpulse/pkg/errors"
)

// listClient is the part of *redis.Client used by RedisQueue.
type listClient interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
}

// RedisQueue carries run ids through a Redis list so that API replicas and
// worker processes can be separate. Consume moves them into a local
// WorkQueue.
type RedisQueue struct {
	client      listClient
	key         string
	logger      *zap.Logger
	pollTimeout time.Duration
}

// NewRedisClient parses url and checks the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeConfiguration, "invalid REDIS_URL")
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, apperrors.Transport(err, "failed to connect to Redis")
	}
	return client, nil
}

// NewRedisQueue creates a queue on the Redis list key.
func NewRedisQueue(client listClient, key string, logger *zap.Logger) *RedisQueue {
	return &RedisQueue{client: client, key: key, logger: logger, pollTimeout: 5 * time.Second}
}

func (q *RedisQueue) Enqueue(ctx context.Context, runID uuid.UUID) error {
	if err := q.client.LPush(ctx, q.key, runID.String()).Err(); err != nil {
		return apperrors.Transport(err, "failed to push run to Redis")
	}
	q.logger.Debug("Run pushed to Redis", zap.String("run_id", runID.String()), zap.String("key", q.key))
	return nil
}

// Consume pops run ids until ctx is cancelled and hands them to local.
func (q *RedisQueue) Consume(ctx context.Context, local Enqueuer) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		res, err := q.client.BRPop(ctx, q.pollTimeout, q.key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			q.logger.Warn("Failed to pop run from Redis", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(q.pollTimeout):
			}
			continue
		}

		// BRPop answers [key, value].
		if len(res) != 2 {
			continue
		}
		runID, err := uuid.Parse(res[1])
		if err != nil {
			q.logger.Warn("Dropping malformed run id", zap.String("value", res[1]))
			continue
		}
		if err := local.Enqueue(ctx, runID); err != nil {
			q.logger.Error("Failed to hand run to workers, pushing back", zap.String("run_id", runID.String()), zap.Error(err))
			if perr := q.client.LPush(context.WithoutCancel(ctx), q.key, runID.String()).Err(); perr != nil {
				q.logger.Error("Failed to push run back, it must be enqueued again",
					zap.String("run_id", runID.String()), zap.Error(perr))
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(q.pollTimeout):
			}
		}
	}
}
