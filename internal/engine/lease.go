package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Leaser hands out exclusive run leases so only one worker drives a run
// at a time. A lease must be renewed before its TTL elapses; a worker
// that stops renewing loses the run to whoever claims it next.
type Leaser interface {
	Acquire(ctx context.Context, runID string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, runID string, ttl time.Duration) error
	Release(ctx context.Context, runID string) error
}

// RedisLeaser implements Leaser with SET NX on a per-run key. The value
// is the worker id, so a worker only renews and releases its own lease.
type RedisLeaser struct {
	client   *redis.Client
	workerID string
	logger   *zap.Logger
}

// NewRedisLeaser creates a leaser bound to one worker identity.
func NewRedisLeaser(client *redis.Client, workerID string, logger *zap.Logger) *RedisLeaser {
	return &RedisLeaser{client: client, workerID: workerID, logger: logger}
}

func leaseKey(runID string) string { return "cashapp:lease:" + runID }

func (l *RedisLeaser) Acquire(ctx context.Context, runID string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, leaseKey(runID), l.workerID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease for run %s: %w", runID, err)
	}
	if ok {
		l.logger.Debug("lease acquired", zap.String("run_id", runID), zap.String("worker", l.workerID))
	}
	return ok, nil
}

// renewScript extends the TTL only while we still hold the lease.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

func (l *RedisLeaser) Renew(ctx context.Context, runID string, ttl time.Duration) error {
	res, err := renewScript.Run(ctx, l.client, []string{leaseKey(runID)}, l.workerID, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to renew lease for run %s: %w", runID, err)
	}
	if res == 0 {
		return fmt.Errorf("lease for run %s is no longer held by %s", runID, l.workerID)
	}
	return nil
}

// releaseScript deletes the key only while we still hold the lease.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *RedisLeaser) Release(ctx context.Context, runID string) error {
	if _, err := releaseScript.Run(ctx, l.client, []string{leaseKey(runID)}, l.workerID).Int(); err != nil {
		return fmt.Errorf("failed to release lease for run %s: %w", runID, err)
	}
	return nil
}
