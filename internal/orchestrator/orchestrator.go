// Package orchestrator is the entry point for submitting, triggering,
// cancelling and inspecting tasks. It owns every state change that does not
// happen inside a worker.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/podushkina/taskcore/internal/logsink"
	"github.com/podushkina/taskcore/internal/queue"
	"github.com/podushkina/taskcore/internal/retry"
	"github.com/podushkina/taskcore/internal/store"
	"github.com/podushkina/taskcore/internal/task"
)

type Service struct {
	store  store.TaskStore
	repos  store.RepositoryRegistry
	queue  *queue.Queue
	sink   logsink.Sink
	policy retry.Policy
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// New wires the façade. repos may be nil, in which case repository ids are
// accepted unchecked.
func New(st store.TaskStore, repos store.RepositoryRegistry, q *queue.Queue, sink logsink.Sink, policy retry.Policy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		repos:  repos,
		queue:  q,
		sink:   sink,
		policy: policy,
		logger: logger.With("component", "orchestrator"),
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
}

// Submit validates the definition, stores it as pending and enqueues it.
func (s *Service) Submit(ctx context.Context, def task.Definition) (*task.Task, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if def.RepositoryID != nil && s.repos != nil {
		ok, err := s.repos.RepositoryExists(ctx, *def.RepositoryID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &task.ValidationError{Field: "repository_id", Message: fmt.Sprintf("repository %d does not exist", *def.RepositoryID)}
		}
	}

	maxAttempts := def.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = s.policy.MaxAttempts
	}
	env := def.Environment
	if env == nil {
		env = task.Environment{}
	}
	meta := def.Metadata
	if meta == nil {
		meta = task.Metadata{}
	}

	now := s.now()
	t := &task.Task{
		ID:           s.newID(),
		Name:         def.Name,
		Description:  def.Description,
		Type:         def.Type,
		Command:      def.Command,
		Environment:  env,
		Metadata:     meta,
		RepositoryID: def.RepositoryID,
		Status:       task.StatusPending,
		MaxAttempts:  maxAttempts,
		Queued:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	t.Logs = task.LogsPath(t.ID)

	if err := s.store.Create(ctx, t); err != nil {
		return nil, err
	}
	if err := s.queue.Enqueue(ctx, t.ID); err != nil {
		return nil, err
	}

	s.logger.Info("task submitted", "task_id", t.ID, "name", t.Name, "type", t.Type)
	return t, nil
}

// Execute asks for immediate dispatch. A pending task jumps to the front of
// the queue; a failed task is re-armed for a manual re-run.
func (s *Service) Execute(ctx context.Context, id string) (*task.Task, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch t.Status {
	case task.StatusRunning:
		return nil, fmt.Errorf("%w: task %s is already running", task.ErrConflict, id)
	case task.StatusCompleted:
		return nil, fmt.Errorf("%w: task %s already completed", task.ErrInvalidTransition, id)
	case task.StatusFailed:
		// A signal left over from an earlier cancel must not stop the re-run.
		if err := s.queue.ClearCancel(ctx, id); err != nil {
			return nil, err
		}
		queued := true
		t, err = s.store.UpdateStatus(ctx, id, task.StatusFailed, store.Update{Queued: &queued})
		if err != nil {
			return nil, err
		}
	}

	if err := s.queue.EnqueueFront(ctx, id); err != nil {
		return nil, err
	}
	s.logger.Info("task triggered", "task_id", id, "status", t.Status)
	return t, nil
}

// Cancel is best effort. Pending tasks and scheduled retries are withdrawn at
// once; a running task is signalled and the worker records the cancellation.
func (s *Service) Cancel(ctx context.Context, id string) (*task.Task, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	reason := task.ReasonCancelled
	notQueued := false

	switch {
	case t.Status == task.StatusPending:
		now := s.now()
		t, err = s.store.UpdateStatus(ctx, id, task.StatusPending, store.Update{
			Status:      task.StatusFailed,
			Reason:      &reason,
			Queued:      &notQueued,
			CompletedAt: &now,
		})
		if err != nil {
			return nil, err
		}
		if err := s.queue.Remove(ctx, id); err != nil {
			return nil, err
		}
	case t.Status == task.StatusFailed && t.Queued:
		t, err = s.store.UpdateStatus(ctx, id, task.StatusFailed, store.Update{
			Reason:        &reason,
			Queued:        &notQueued,
			RequireQueued: true,
		})
		if err != nil {
			return nil, err
		}
		if err := s.queue.Remove(ctx, id); err != nil {
			return nil, err
		}
	case t.Status == task.StatusRunning:
		if err := s.queue.RequestCancel(ctx, id); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: task %s is already %s", task.ErrConflict, id, t.Status)
	}

	s.logger.Info("task cancel requested", "task_id", id, "status", t.Status)
	return t, nil
}

// Retry re-applies the retry policy to a failed task that has no delivery
// outstanding. It reports whether a retry was scheduled; every other state
// is left untouched.
func (s *Service) Retry(ctx context.Context, id string) (bool, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if t.Status != task.StatusFailed || t.Queued || t.Cancelled() {
		return false, nil
	}

	d := s.policy.Decide(t, true)
	if !d.Retry {
		return false, nil
	}

	queued := true
	if _, err := s.store.UpdateStatus(ctx, id, task.StatusFailed, store.Update{Queued: &queued}); err != nil {
		if errors.Is(err, task.ErrConflict) {
			return false, nil
		}
		return false, err
	}
	if err := s.queue.Schedule(ctx, id, s.now().Add(d.Delay)); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) Status(ctx context.Context, id string) (*task.Task, error) {
	return s.store.Get(ctx, id)
}

// Logs returns the output of one attempt; attempt <= 0 means the task's
// most recent attempt.
func (s *Service) Logs(ctx context.Context, id string, attempt int) (int, string, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return 0, "", err
	}
	if attempt <= 0 {
		attempt = t.AttemptCount
	}
	if attempt == 0 {
		return 0, "", nil
	}
	if attempt > t.AttemptCount {
		return 0, "", &task.ValidationError{Field: "attempt", Message: fmt.Sprintf("task has %d attempts", t.AttemptCount)}
	}
	text, err := s.sink.Read(ctx, id, attempt)
	if err != nil {
		return 0, "", err
	}
	return attempt, text, nil
}

// AppendLog adds an externally produced entry to the output of the task's
// latest attempt. A task that has never run has no attempt to write to.
func (s *Service) AppendLog(ctx context.Context, id string, entry logsink.Entry) (int, logsink.Entry, error) {
	if strings.TrimSpace(entry.Message) == "" {
		return 0, entry, &task.ValidationError{Field: "message", Message: "is required"}
	}
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return 0, entry, err
	}
	if t.AttemptCount == 0 {
		return 0, entry, fmt.Errorf("%w: task %s has not started", task.ErrConflict, id)
	}

	entry.Normalize(s.now())
	if err := s.sink.Append(ctx, id, t.AttemptCount, entry.Line()); err != nil {
		return 0, entry, err
	}
	return t.AttemptCount, entry, nil
}

func (s *Service) List(ctx context.Context, f store.Filter) ([]task.Task, error) {
	return s.store.List(ctx, f)
}

// Stats are the store's per-status counts plus the queue depth.
type Stats struct {
	store.Stats
	Queued  int64 `json:"queued"`
	Delayed int64 `json:"delayed"`
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	counts, err := s.store.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Stats: counts}
	if st.Queued, err = s.queue.Len(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue length: %w", err)
	}
	if st.Delayed, err = s.queue.Delayed(ctx); err != nil {
		return Stats{}, fmt.Errorf("delayed retries: %w", err)
	}
	return st, nil
}

// Delete serves the external CRUD boundary: it removes the record, any
// pending delivery and the stored logs. Running tasks must be cancelled first.
func (s *Service) Delete(ctx context.Context, id string) error {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status == task.StatusRunning {
		return fmt.Errorf("%w: task %s is running", task.ErrConflict, id)
	}
	if err := s.queue.Remove(ctx, id); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	if err := s.sink.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("task deleted", "task_id", id)
	return nil
}

// Health pings the store and the queue.
func (s *Service) Health(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := s.queue.Ping(ctx); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	return nil
}
