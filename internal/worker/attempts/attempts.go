// Package attempts counts deliveries per (video, resolution) so a job that
// keeps crashing its worker still reaches the attempt ceiling.
package attempts

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/cuongbtq/vidflow/internal/domain"
)

// Ledger tracks how many times a job has been started
type Ledger interface {
	// Increment records a new attempt and returns the attempt number
	Increment(ctx context.Context, job domain.TranscodeJob) (int, error)
	// Reset forgets the job once it is finished
	Reset(ctx context.Context, job domain.TranscodeJob) error
}

// RedisLedger keeps counters in Redis with a TTL
type RedisLedger struct {
	client goredis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisLedger creates a ledger. Keys look like <prefix>attempts:<video>:<res>.
func NewRedisLedger(client goredis.Cmdable, prefix string, ttl time.Duration) *RedisLedger {
	return &RedisLedger{client: client, prefix: prefix, ttl: ttl}
}

func (l *RedisLedger) key(job domain.TranscodeJob) string {
	return fmt.Sprintf("%sattempts:%s:%s", l.prefix, job.VideoID, job.Resolution)
}

// Increment returns the larger of the Redis counter and the attempt carried
// on the message. Messages cycled through the retry queue carry their own
// count; the counter catches redeliveries after a crash, which do not.
func (l *RedisLedger) Increment(ctx context.Context, job domain.TranscodeJob) (int, error) {
	key := l.key(job)

	n, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", key, err)
	}
	if n == 1 && l.ttl > 0 {
		if err := l.client.Expire(ctx, key, l.ttl).Err(); err != nil {
			return 0, fmt.Errorf("failed to set ttl on %s: %w", key, err)
		}
	}

	return max(int(n), job.Attempt), nil
}

func (l *RedisLedger) Reset(ctx context.Context, job domain.TranscodeJob) error {
	if err := l.client.Del(ctx, l.key(job)).Err(); err != nil {
		return fmt.Errorf("failed to reset attempts: %w", err)
	}
	return nil
}

// MessageLedger trusts the attempt on the message; used without Redis
type MessageLedger struct{}

func (MessageLedger) Increment(_ context.Context, job domain.TranscodeJob) (int, error) {
	return max(job.Attempt, 1), nil
}

func (MessageLedger) Reset(context.Context, domain.TranscodeJob) error { return nil }
