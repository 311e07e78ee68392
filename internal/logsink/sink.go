// Package logsink stores command output per task attempt in Redis.
package logsink

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "taskcore:logs:"

// Sink is append-only: chunks are pushed, never rewritten.
type Sink interface {
	Append(ctx context.Context, taskID string, attempt int, chunk string) error
	Read(ctx context.Context, taskID string, attempt int) (string, error)
	Latest(ctx context.Context, taskID string) (int, error)
	Delete(ctx context.Context, taskID string) error
}

// appendScript pushes a chunk and raises the latest-attempt marker in one step.
var appendScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[2]) or '0')
if tonumber(ARGV[2]) > cur then
  redis.call('SET', KEYS[2], ARGV[2])
end
return redis.call('RPUSH', KEYS[1], ARGV[1])
`)

type RedisSink struct {
	client *redis.Client
}

var _ Sink = (*RedisSink)(nil)

func NewRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{client: client}
}

func attemptKey(taskID string, attempt int) string {
	return keyPrefix + taskID + ":" + strconv.Itoa(attempt)
}

func latestKey(taskID string) string {
	return keyPrefix + taskID + ":latest"
}

func (s *RedisSink) Append(ctx context.Context, taskID string, attempt int, chunk string) error {
	if attempt < 1 {
		return fmt.Errorf("append log: attempt must be positive (got %d)", attempt)
	}
	if chunk == "" {
		return nil
	}
	keys := []string{attemptKey(taskID, attempt), latestKey(taskID)}
	if err := appendScript.Run(ctx, s.client, keys, chunk, attempt).Err(); err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

// Read returns the full text of one attempt; attempt <= 0 selects the latest.
// Unknown tasks and attempts read as empty.
func (s *RedisSink) Read(ctx context.Context, taskID string, attempt int) (string, error) {
	if attempt <= 0 {
		latest, err := s.Latest(ctx, taskID)
		if err != nil {
			return "", err
		}
		if latest == 0 {
			return "", nil
		}
		attempt = latest
	}

	chunks, err := s.client.LRange(ctx, attemptKey(taskID, attempt), 0, -1).Result()
	if err != nil {
		return "", fmt.Errorf("read log: %w", err)
	}
	return strings.Join(chunks, ""), nil
}

// Latest returns the highest attempt that produced output, or 0.
func (s *RedisSink) Latest(ctx context.Context, taskID string) (int, error) {
	latest, err := s.client.Get(ctx, latestKey(taskID)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read latest attempt: %w", err)
	}
	return latest, nil
}

func (s *RedisSink) Delete(ctx context.Context, taskID string) error {
	latest, err := s.Latest(ctx, taskID)
	if err != nil {
		return err
	}
	keys := []string{latestKey(taskID)}
	for i := 1; i <= latest; i++ {
		keys = append(keys, attemptKey(taskID, i))
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete logs: %w", err)
	}
	return nil
}
