// Package retry decides whether a failed task runs again and when.
//
// The decision is a pure function of the task record and the failure, so it
// can be tested without clocks or queues.
package retry

import (
	"time"

	"github.com/podushkina/taskcore/internal/task"
)

type Policy struct {
	// MaxAttempts applies to tasks that do not carry their own limit.
	MaxAttempts int
	// Backoff is multiplied by the attempt number.
	Backoff time.Duration
}

type Decision struct {
	Retry bool
	Delay time.Duration
}

func NewPolicy(maxAttempts int, backoff time.Duration) Policy {
	if maxAttempts < 1 {
		maxAttempts = task.DefaultMaxAttempts
	}
	return Policy{MaxAttempts: maxAttempts, Backoff: backoff}
}

// Limit is the attempt limit for t.
func (p Policy) Limit(t *task.Task) int {
	if t.MaxAttempts > 0 {
		return t.MaxAttempts
	}
	return p.MaxAttempts
}

// Decide evaluates a failed attempt. Anything but a failed task yields no
// retry, which keeps re-evaluation of completed tasks a no-op.
func (p Policy) Decide(t *task.Task, retryable bool) Decision {
	if t == nil || !retryable {
		return Decision{}
	}
	if t.Status != task.StatusFailed && t.Status != task.StatusRunning {
		return Decision{}
	}
	if t.AttemptCount >= p.Limit(t) {
		return Decision{}
	}
	return Decision{Retry: true, Delay: p.Delay(t.AttemptCount)}
}

// Delay grows linearly with the attempt that just failed.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.Backoff * time.Duration(attempt)
}
