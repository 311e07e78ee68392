package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/podushkina/taskcore/internal/task"
)

const taskColumns = `id, name, type, command, environment, repository_id, status, reason, exit_code,
	attempt_count, max_attempts, queued, created_at, updated_at, started_at, completed_at, heartbeat_at,
	description, metadata`

type Filter struct {
	Statuses     []task.Status
	Types        []task.Type
	RepositoryID *int64
	Limit        int
}

// Update describes a CAS mutation. Status equal to the expected status (or
// empty) changes fields only; anything else must be a valid transition.
// ExpectedAttempt, when positive, fences the write to one attempt so a worker
// that lost its lease cannot touch a later attempt.
type Update struct {
	Status           task.Status
	RequireQueued    bool
	ExpectedAttempt  int
	Queued           *bool
	Reason           *string
	ExitCode         *int
	ClearExitCode    bool
	IncrementAttempt bool
	StartedAt        *time.Time
	CompletedAt      *time.Time
	ClearCompletedAt bool
	HeartbeatAt      *time.Time
}

type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Create inserts a new task record.
func (s *Store) Create(ctx context.Context, t *task.Task) error {
	if t == nil {
		return fmt.Errorf("task is required")
	}
	env, err := json.Marshal(t.Environment)
	if err != nil {
		return fmt.Errorf("marshal environment: %w", err)
	}
	if t.Environment == nil {
		env = []byte("{}")
	}
	meta := []byte("{}")
	if len(t.Metadata) > 0 {
		if meta, err = json.Marshal(t.Metadata); err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID,
		t.Name,
		t.Type,
		t.Command,
		string(env),
		nullInt64(t.RepositoryID),
		t.Status,
		nullIfEmpty(t.Reason),
		nullInt(t.ExitCode),
		t.AttemptCount,
		t.MaxAttempts,
		boolInt(t.Queued),
		formatTime(t.CreatedAt),
		formatTime(t.UpdatedAt),
		nullTime(t.StartedAt),
		nullTime(t.CompletedAt),
		nullTime(t.HeartbeatAt),
		t.Description,
		string(meta),
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// Get returns a task by id or task.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if t == nil {
		return nil, task.ErrNotFound
	}
	return t, nil
}

// UpdateStatus applies upd only if the stored status equals expected.
// The update and the read-back run in one transaction.
func (s *Store) UpdateStatus(ctx context.Context, id string, expected task.Status, upd Update) (*task.Task, error) {
	if upd.Status == "" {
		upd.Status = expected
	}
	if upd.Status != expected {
		if err := task.ValidateTransition(expected, upd.Status); err != nil {
			return nil, err
		}
	}

	set := []string{"status = ?", "updated_at = ?"}
	args := []any{upd.Status, formatTime(s.now())}

	if upd.Queued != nil {
		set = append(set, "queued = ?")
		args = append(args, boolInt(*upd.Queued))
	}
	if upd.Reason != nil {
		set = append(set, "reason = ?")
		args = append(args, nullIfEmpty(*upd.Reason))
	}
	if upd.ClearExitCode {
		set = append(set, "exit_code = NULL")
	} else if upd.ExitCode != nil {
		set = append(set, "exit_code = ?")
		args = append(args, *upd.ExitCode)
	}
	if upd.IncrementAttempt {
		set = append(set, "attempt_count = attempt_count + 1")
	}
	if upd.StartedAt != nil {
		set = append(set, "started_at = ?")
		args = append(args, nullTime(upd.StartedAt))
	}
	if upd.ClearCompletedAt {
		set = append(set, "completed_at = NULL")
	} else if upd.CompletedAt != nil {
		set = append(set, "completed_at = ?")
		args = append(args, nullTime(upd.CompletedAt))
	}
	if upd.HeartbeatAt != nil {
		set = append(set, "heartbeat_at = ?")
		args = append(args, nullTime(upd.HeartbeatAt))
	}

	query := fmt.Sprintf("UPDATE tasks SET %s WHERE id = ? AND status = ?", strings.Join(set, ", "))
	args = append(args, id, expected)
	if upd.RequireQueued {
		query += " AND queued = 1"
	}
	if upd.ExpectedAttempt > 0 {
		query += " AND attempt_count = ?"
		args = append(args, upd.ExpectedAttempt)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	current, err := scanTask(tx.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id))
	if err != nil {
		return nil, fmt.Errorf("reload task: %w", err)
	}
	if current == nil {
		return nil, task.ErrNotFound
	}
	if n == 0 {
		if upd.ExpectedAttempt > 0 && current.AttemptCount != upd.ExpectedAttempt {
			return nil, fmt.Errorf("%w: attempt %d of task %s was superseded by attempt %d", task.ErrConflict, upd.ExpectedAttempt, id, current.AttemptCount)
		}
		if upd.RequireQueued && current.Status == expected {
			return nil, fmt.Errorf("%w: task %s has no outstanding delivery", task.ErrConflict, id)
		}
		return nil, fmt.Errorf("%w: task %s is %s, expected %s", task.ErrConflict, id, current.Status, expected)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return current, nil
}

// List returns tasks matching the filter, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]task.Task, error) {
	where := []string{}
	args := []any{}

	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}
	if len(f.Types) > 0 {
		where = append(where, "type IN ("+placeholders(len(f.Types))+")")
		for _, typ := range f.Types {
			args = append(args, typ)
		}
	}
	if f.RepositoryID != nil {
		where = append(where, "repository_id = ?")
		args = append(args, *f.RepositoryID)
	}

	query := "SELECT " + taskColumns + " FROM tasks"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	return s.queryTasks(ctx, query, args...)
}

// ListExpiredLeases returns running tasks whose last heartbeat is older than cutoff.
func (s *Store) ListExpiredLeases(ctx context.Context, cutoff time.Time) ([]task.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND COALESCE(heartbeat_at, started_at, updated_at) < ?
		ORDER BY heartbeat_at
	`, task.StatusRunning, formatTime(cutoff))
}

// Stats counts tasks per status.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*), SUM(CASE WHEN reason = ? THEN 1 ELSE 0 END)
		FROM tasks GROUP BY status
	`, task.ReasonCancelled)
	if err != nil {
		return st, fmt.Errorf("task stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count, cancelled int
		if err := rows.Scan(&status, &count, &cancelled); err != nil {
			return st, err
		}
		st.Total += count
		switch task.Status(status) {
		case task.StatusPending:
			st.Pending = count
		case task.StatusRunning:
			st.Running = count
		case task.StatusCompleted:
			st.Completed = count
		case task.StatusFailed:
			st.Failed = count
			st.Cancelled = cancelled
		}
	}
	return st, rows.Err()
}

// Delete removes a task record. Only the external CRUD boundary calls this.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return task.ErrNotFound
	}
	return nil
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]task.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []task.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*task.Task, error) {
	var t task.Task
	var env, meta string
	var repoID, exitCode sql.NullInt64
	var reason sql.NullString
	var queued int
	var createdAt, updatedAt string
	var startedAt, completedAt, heartbeatAt sql.NullString

	if err := scanner.Scan(
		&t.ID,
		&t.Name,
		&t.Type,
		&t.Command,
		&env,
		&repoID,
		&t.Status,
		&reason,
		&exitCode,
		&t.AttemptCount,
		&t.MaxAttempts,
		&queued,
		&createdAt,
		&updatedAt,
		&startedAt,
		&completedAt,
		&heartbeatAt,
		&t.Description,
		&meta,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	t.Environment = task.Environment{}
	if env != "" {
		if err := json.Unmarshal([]byte(env), &t.Environment); err != nil {
			return nil, fmt.Errorf("decode environment of %s: %w", t.ID, err)
		}
	}
	t.Metadata = task.Metadata{}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", t.ID, err)
		}
	}
	if repoID.Valid {
		v := repoID.Int64
		t.RepositoryID = &v
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		t.ExitCode = &v
	}
	t.Reason = reason.String
	t.Queued = queued != 0
	t.Logs = task.LogsPath(t.ID)

	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if t.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	if t.HeartbeatAt, err = parseNullTime(heartbeatAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(value *time.Time) any {
	if value == nil || value.IsZero() {
		return nil
	}
	return formatTime(*value)
}

// Fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, value)
}

func parseNullTime(value sql.NullString) (*time.Time, error) {
	if !value.Valid || value.String == "" {
		return nil, nil
	}
	t, err := parseTime(value.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
