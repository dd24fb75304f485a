package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	lockKeyPrefix = "moltq:lock:"
	taskKeyPrefix = "moltq:task:"

	// taskStateTTL bounds how long mirrored task state lives in Redis; the
	// mirror is lightweight visibility, not a durable event log.
	taskStateTTL = 24 * time.Hour
)

// renewScript extends a lease only when the caller still holds the lock.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the lock only when the caller still holds it, so a
// slow holder cannot release a lock already reclaimed by another node.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis coordinates framework instances through a shared Redis: per-task
// lease locks via SET NX PX and task-state hashes for cross-process
// visibility.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedis connects to Redis and verifies the connection with a ping.
func NewRedis(ctx context.Context, addr, password string, db int, logger *slog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Info("redis coordinator connected", "addr", addr)
	return &Redis{client: client, logger: logger}, nil
}

// Acquire takes the cluster-wide lock for the task id with SET NX PX.
func (c *Redis) Acquire(ctx context.Context, taskID string, lease time.Duration) (*Lease, error) {
	token := uuid.NewString()
	ok, err := c.client.SetNX(ctx, lockKeyPrefix+taskID, token, lease).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", taskID, err)
	}
	if !ok {
		return nil, ErrBusy
	}
	return &Lease{TaskID: taskID, Token: token, Duration: lease}, nil
}

// Renew extends the lease via a compare-and-expire script. A zero result
// means the lease expired and may have been reclaimed.
func (c *Redis) Renew(ctx context.Context, l *Lease) error {
	res, err := renewScript.Run(ctx, c.client,
		[]string{lockKeyPrefix + l.TaskID},
		l.Token, l.Duration.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("renew lock %s: %w", l.TaskID, err)
	}
	if res == 0 {
		return ErrLockLost
	}
	return nil
}

// Release drops the lock via a compare-and-delete script. Idempotent.
func (c *Redis) Release(ctx context.Context, l *Lease) error {
	if _, err := releaseScript.Run(ctx, c.client,
		[]string{lockKeyPrefix + l.TaskID},
		l.Token,
	).Int64(); err != nil {
		return fmt.Errorf("release lock %s: %w", l.TaskID, err)
	}
	return nil
}

// SetTaskState mirrors the task's status into a hash other instances can read.
func (c *Redis) SetTaskState(ctx context.Context, taskID, status string) error {
	key := taskKeyPrefix + taskID
	pipe := c.client.Pipeline()
	pipe.HSet(ctx, key, map[string]any{
		"status":     status,
		"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, key, taskStateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror task state %s: %w", taskID, err)
	}
	return nil
}

// GetTaskState reads another instance's mirrored status for the task, or ""
// when nothing is mirrored.
func (c *Redis) GetTaskState(ctx context.Context, taskID string) (string, error) {
	status, err := c.client.HGet(ctx, taskKeyPrefix+taskID, "status").Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read task state %s: %w", taskID, err)
	}
	return status, nil
}

// Close shuts the Redis connection down.
func (c *Redis) Close() error {
	return c.client.Close()
}
