package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/podushkina/taskcore/internal/executor"
	"github.com/podushkina/taskcore/internal/logsink"
	"github.com/podushkina/taskcore/internal/queue"
	"github.com/podushkina/taskcore/internal/retry"
	"github.com/podushkina/taskcore/internal/store"
	"github.com/podushkina/taskcore/internal/task"
)

const reasonLeaseExpired = "lease expired"

var errLeaseLost = errors.New("lease lost")

type Options struct {
	Count             int
	TaskTimeout       time.Duration
	LeaseTimeout      time.Duration
	HeartbeatInterval time.Duration
	FlushInterval     time.Duration
	PollTimeout       time.Duration
	PromoteInterval   time.Duration
}

// Pool runs a fixed number of workers plus the retry promoter and the lease
// reaper. Workers share nothing but the queue and the store.
type Pool struct {
	store  store.TaskStore
	queue  *queue.Queue
	sink   logsink.Sink
	runner *executor.Runner
	policy retry.Policy
	opts   Options
	logger *slog.Logger
	now    func() time.Time
	wg     conc.WaitGroup
}

func NewPool(st store.TaskStore, q *queue.Queue, sink logsink.Sink, runner *executor.Runner, policy retry.Policy, opts Options, logger *slog.Logger) *Pool {
	if opts.Count < 1 {
		opts.Count = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		store:  st,
		queue:  q,
		sink:   sink,
		runner: runner,
		policy: policy,
		opts:   opts,
		logger: logger.With("component", "worker"),
		now:    time.Now,
	}
}

func (p *Pool) Start(ctx context.Context) {
	if n, err := p.queue.Recover(ctx); err != nil {
		p.logger.Error("recover unacknowledged deliveries", "error", err)
	} else if n > 0 {
		p.logger.Info("requeued unacknowledged deliveries", "count", n)
	}

	for i := 0; i < p.opts.Count; i++ {
		id := i
		p.wg.Go(func() { p.worker(ctx, id) })
	}
	p.wg.Go(func() { p.promoter(ctx) })
	p.wg.Go(func() { p.reaper(ctx) })
	p.logger.Info("started workers", "count", p.opts.Count)
}

// Stop waits for every loop to return; cancel the Start context first.
func (p *Pool) Stop() {
	p.wg.Wait()
	p.logger.Info("all workers stopped")
}

func (p *Pool) worker(ctx context.Context, id int) {
	log := p.logger.With("worker", id)
	log.Debug("worker started")

	for {
		select {
		case <-ctx.Done():
			log.Debug("worker shutting down")
			return
		default:
			taskID, err := p.queue.Dequeue(ctx, p.opts.PollTimeout)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error("dequeue failed", "error", err)
				sleep(ctx, p.opts.PollTimeout)
				continue
			}

			if taskID == "" {
				continue
			}

			p.process(ctx, log.With("task_id", taskID), taskID)
		}
	}
}

func (p *Pool) process(ctx context.Context, log *slog.Logger, id string) {
	bg := context.WithoutCancel(ctx)
	defer func() {
		if err := p.queue.Ack(bg, id); err != nil {
			log.Error("ack failed", "error", err)
		}
	}()

	t, err := p.store.Get(ctx, id)
	if errors.Is(err, task.ErrNotFound) {
		log.Debug("dropping delivery of deleted task")
		return
	}
	if err != nil {
		log.Error("load task failed, requeueing", "error", err)
		p.requeue(bg, log, id)
		return
	}

	claimed, err := p.claim(ctx, t)
	if errors.Is(err, task.ErrConflict) || errors.Is(err, task.ErrNotFound) {
		log.Debug("claim lost", "reason", err)
		return
	}
	if err != nil {
		log.Error("claim failed, requeueing", "error", err)
		p.requeue(bg, log, id)
		return
	}

	log = log.With("attempt", claimed.AttemptCount)
	log.Info("processing task", "type", claimed.Type)

	outcome := p.run(ctx, log, claimed)
	p.finish(bg, log, claimed, outcome)
}

// claim moves a delivered task to running. The CAS on status plus the queued
// flag is what keeps two workers from running one task.
func (p *Pool) claim(ctx context.Context, t *task.Task) (*task.Task, error) {
	switch t.Status {
	case task.StatusPending, task.StatusFailed:
	default:
		return nil, task.ErrConflict
	}

	requested, err := p.queue.CancelRequested(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	if requested {
		return nil, p.cancelBeforeClaim(ctx, t)
	}

	now := p.now()
	notQueued := false
	noReason := ""
	return p.store.UpdateStatus(ctx, t.ID, t.Status, store.Update{
		Status:           task.StatusRunning,
		RequireQueued:    true,
		Queued:           &notQueued,
		IncrementAttempt: true,
		StartedAt:        &now,
		HeartbeatAt:      &now,
		ClearCompletedAt: true,
		ClearExitCode:    true,
		Reason:           &noReason,
	})
}

// cancelBeforeClaim honours a cancel that arrived after the previous attempt
// had already scheduled its retry.
func (p *Pool) cancelBeforeClaim(ctx context.Context, t *task.Task) error {
	now := p.now()
	reason := task.ReasonCancelled
	notQueued := false
	_, err := p.store.UpdateStatus(ctx, t.ID, t.Status, store.Update{
		Status:        task.StatusFailed,
		RequireQueued: true,
		Reason:        &reason,
		Queued:        &notQueued,
		CompletedAt:   &now,
	})
	if err != nil {
		return err
	}
	if err := p.queue.ClearCancel(ctx, t.ID); err != nil {
		p.logger.Warn("clear cancel signal failed", "task_id", t.ID, "error", err)
	}
	p.logger.Info("task cancelled before retry", "task_id", t.ID, "attempts", t.AttemptCount)
	return fmt.Errorf("%w: task %s was cancelled", task.ErrConflict, t.ID)
}

func (p *Pool) run(ctx context.Context, log *slog.Logger, t *task.Task) executor.Outcome {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	out := logsink.NewWriter(p.sink, t.ID, t.AttemptCount)
	done := make(chan executor.Outcome, 1)
	go func() {
		done <- p.runner.Run(runCtx, executor.Request{
			Command: t.Command,
			Env:     t.Environment,
			Timeout: p.opts.TaskTimeout,
			Output:  out,
		})
	}()

	flush := time.NewTicker(p.opts.FlushInterval)
	defer flush.Stop()
	heartbeat := time.NewTicker(p.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case o := <-done:
			p.flush(ctx, log, out)
			return o
		case <-flush.C:
			p.flush(ctx, log, out)
			requested, err := p.queue.CancelRequested(ctx, t.ID)
			if err != nil {
				log.Warn("cancel check failed", "error", err)
			} else if requested {
				log.Info("cancel requested, stopping command")
				cancel(executor.ErrCancelled)
			}
		case <-heartbeat.C:
			now := p.now()
			_, err := p.store.UpdateStatus(ctx, t.ID, task.StatusRunning, store.Update{
				HeartbeatAt:     &now,
				ExpectedAttempt: t.AttemptCount,
			})
			if errors.Is(err, task.ErrConflict) || errors.Is(err, task.ErrNotFound) {
				log.Warn("lease lost, stopping command", "reason", err)
				cancel(errLeaseLost)
			} else if err != nil {
				log.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func (p *Pool) flush(ctx context.Context, log *slog.Logger, out *logsink.Writer) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.FlushInterval)
	defer cancel()
	if err := out.Flush(fctx); err != nil {
		log.Warn("log flush failed", "error", err)
	}
}

func (p *Pool) finish(ctx context.Context, log *slog.Logger, t *task.Task, o executor.Outcome) {
	now := p.now()

	if o.Kind == executor.Succeeded {
		noReason := ""
		_, err := p.store.UpdateStatus(ctx, t.ID, task.StatusRunning, store.Update{
			Status:          task.StatusCompleted,
			ExpectedAttempt: t.AttemptCount,
			CompletedAt:     &now,
			ExitCode:        o.ExitCode,
			Reason:          &noReason,
		})
		if err != nil {
			log.Error("record completion failed", "error", err)
			return
		}
		if err := p.queue.ClearCancel(ctx, t.ID); err != nil {
			log.Warn("clear cancel signal failed", "error", err)
		}
		log.Info("task completed")
		return
	}

	// A cancel raised after the last poll still wins over the failure.
	if o.Kind != executor.Cancelled {
		requested, err := p.queue.CancelRequested(ctx, t.ID)
		if err != nil {
			log.Warn("cancel check failed", "error", err)
		} else if requested {
			o = executor.Outcome{Kind: executor.Cancelled, ExitCode: o.ExitCode, Err: executor.ErrCancelled}
		}
	}

	decision := p.policy.Decide(t, o.Retryable())
	if o.Kind == executor.Interrupted {
		// The attempt was cut short by this process, not by the command.
		decision = retry.Decision{Retry: true}
	}
	if _, err := p.fail(ctx, t.ID, t.AttemptCount, o.Reason(), o.ExitCode, decision, now); err != nil {
		log.Error("record failure failed", "outcome", o.Kind.String(), "error", err)
		return
	}

	if o.Kind == executor.Cancelled {
		if err := p.queue.ClearCancel(ctx, t.ID); err != nil {
			log.Warn("clear cancel signal failed", "error", err)
		}
	}

	if decision.Retry {
		log.Info("task failed, retry scheduled", "reason", o.Reason(), "delay", decision.Delay)
		p.schedule(ctx, log, t.ID, now.Add(decision.Delay))
		return
	}
	log.Warn("task failed permanently", "reason", o.Reason(), "attempts", t.AttemptCount)
}

// fail records running -> failed for one attempt and arms the queued flag
// when a retry follows.
func (p *Pool) fail(ctx context.Context, id string, attempt int, reason string, exitCode *int, d retry.Decision, now time.Time) (*task.Task, error) {
	queued := d.Retry
	upd := store.Update{
		Status:          task.StatusFailed,
		ExpectedAttempt: attempt,
		CompletedAt:     &now,
		Reason:          &reason,
		Queued:          &queued,
	}
	if exitCode != nil {
		upd.ExitCode = exitCode
	} else {
		upd.ClearExitCode = true
	}
	return p.store.UpdateStatus(ctx, id, task.StatusRunning, upd)
}

func (p *Pool) schedule(ctx context.Context, log *slog.Logger, id string, at time.Time) {
	if err := p.queue.Schedule(ctx, id, at); err != nil {
		log.Error("schedule retry failed, enqueueing now", "error", err)
		p.requeue(ctx, log, id)
	}
}

func (p *Pool) requeue(ctx context.Context, log *slog.Logger, id string) {
	if err := p.queue.Enqueue(ctx, id); err != nil {
		log.Error("requeue failed", "error", err)
	}
}

func (p *Pool) promoter(ctx context.Context) {
	ticker := time.NewTicker(p.opts.PromoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.PromoteDue(ctx, p.now())
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Error("promote delayed retries", "error", err)
				}
				continue
			}
			if n > 0 {
				p.logger.Debug("promoted delayed retries", "count", n)
			}
		}
	}
}

func (p *Pool) reaper(ctx context.Context) {
	ticker := time.NewTicker(p.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reapExpiredLeases(ctx)
		}
	}
}

// reapExpiredLeases fails running tasks whose worker stopped heartbeating and
// hands them to the retry policy like any other retryable failure.
func (p *Pool) reapExpiredLeases(ctx context.Context) {
	now := p.now()
	expired, err := p.store.ListExpiredLeases(ctx, now.Add(-p.opts.LeaseTimeout))
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("list expired leases", "error", err)
		}
		return
	}

	for i := range expired {
		t := &expired[i]
		log := p.logger.With("task_id", t.ID, "attempt", t.AttemptCount)
		decision := p.policy.Decide(t, true)
		if _, err := p.fail(ctx, t.ID, t.AttemptCount, reasonLeaseExpired, nil, decision, now); err != nil {
			log.Debug("lease reclaim skipped", "reason", err)
			continue
		}
		log.Warn("reclaimed task with expired lease", "retry", decision.Retry)
		if decision.Retry {
			p.schedule(ctx, log, t.ID, now.Add(decision.Delay))
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
