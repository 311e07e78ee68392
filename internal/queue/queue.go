package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	pendingKey    = "taskcore:pending"
	processingKey = "taskcore:processing"
	delayedKey    = "taskcore:delayed"
	cancelPrefix  = "taskcore:cancel:"

	cancelTTL = 24 * time.Hour
)

// Queue is a FIFO of task ids with at-least-once delivery. Dequeued ids sit in
// a processing list until acknowledged, so a crashed worker's delivery is
// handed out again by Recover.
type Queue struct {
	client *redis.Client
}

func New(addr, password string, db int) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &Queue{client: client}, nil
}

// Client exposes the connection so the log sink can share it.
func (q *Queue) Client() *redis.Client {
	return q.client
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Enqueue appends id to the back of the queue.
func (q *Queue) Enqueue(ctx context.Context, id string) error {
	if err := q.client.RPush(ctx, pendingKey, id).Err(); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

// EnqueueFront moves id to the head of the queue, dropping any queued copy.
func (q *Queue) EnqueueFront(ctx context.Context, id string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, pendingKey, 0, id)
		pipe.ZRem(ctx, delayedKey, id)
		pipe.LPush(ctx, pendingKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue task at front: %w", err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next id. An empty id means the queue
// stayed empty.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (string, error) {
	id, err := q.client.BLMove(ctx, pendingKey, processingKey, "LEFT", "RIGHT", timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("dequeue task: %w", err)
	}
	return id, nil
}

// Ack drops a delivery from the processing list.
func (q *Queue) Ack(ctx context.Context, id string) error {
	if err := q.client.LRem(ctx, processingKey, 1, id).Err(); err != nil {
		return fmt.Errorf("ack task: %w", err)
	}
	return nil
}

// Remove withdraws every pending or delayed delivery of id.
func (q *Queue) Remove(ctx context.Context, id string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, pendingKey, 0, id)
		pipe.ZRem(ctx, delayedKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove task: %w", err)
	}
	return nil
}

// Schedule parks id until at; PromoteDue moves it to the queue afterwards.
func (q *Queue) Schedule(ctx context.Context, id string, at time.Time) error {
	err := q.client.ZAdd(ctx, delayedKey, redis.Z{Score: float64(at.UnixMilli()), Member: id}).Err()
	if err != nil {
		return fmt.Errorf("schedule task: %w", err)
	}
	return nil
}

// PromoteDue enqueues every delayed id whose time has come. Only the caller
// whose ZREM wins pushes the id, so concurrent promoters never duplicate it.
func (q *Queue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list due tasks: %w", err)
	}

	promoted := 0
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, delayedKey, id).Result()
		if err != nil {
			return promoted, fmt.Errorf("claim due task: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.Enqueue(ctx, id); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// Recover re-queues deliveries left unacknowledged by a previous process.
// Call it before any worker of this deployment starts dequeuing.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		_, err := q.client.LMove(ctx, processingKey, pendingKey, "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("recover deliveries: %w", err)
		}
		n++
	}
}

// Len returns the number of ids waiting in the queue.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, pendingKey).Result()
}

// Delayed returns the number of ids parked for a retry.
func (q *Queue) Delayed(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, delayedKey).Result()
}

// RequestCancel raises the cancel signal for a running task.
func (q *Queue) RequestCancel(ctx context.Context, id string) error {
	if err := q.client.Set(ctx, cancelPrefix+id, "1", cancelTTL).Err(); err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	return nil
}

// CancelRequested reports whether a cancel signal is raised for id.
func (q *Queue) CancelRequested(ctx context.Context, id string) (bool, error) {
	n, err := q.client.Exists(ctx, cancelPrefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("check cancel: %w", err)
	}
	return n > 0, nil
}

// ClearCancel drops the cancel signal once the worker has acted on it.
func (q *Queue) ClearCancel(ctx context.Context, id string) error {
	if err := q.client.Del(ctx, cancelPrefix+id).Err(); err != nil {
		return fmt.Errorf("clear cancel: %w", err)
	}
	return nil
}
