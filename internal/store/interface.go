package store

import (
	"context"
	"time"

	"github.com/podushkina/taskcore/internal/task"
)

// TaskStore is the durable owner of task records and their status.
type TaskStore interface {
	Create(ctx context.Context, t *task.Task) error
	Get(ctx context.Context, id string) (*task.Task, error)
	UpdateStatus(ctx context.Context, id string, expected task.Status, upd Update) (*task.Task, error)
	List(ctx context.Context, f Filter) ([]task.Task, error)
	ListExpiredLeases(ctx context.Context, cutoff time.Time) ([]task.Task, error)
	Stats(ctx context.Context) (Stats, error)
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

var _ TaskStore = (*Store)(nil)
