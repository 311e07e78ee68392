package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RepositoryRegistry answers existence checks against the externally owned
// repository records. The core never mutates them.
type RepositoryRegistry interface {
	RepositoryExists(ctx context.Context, id int64) (bool, error)
}

var _ RepositoryRegistry = (*Store)(nil)

// RepositoryExists reports whether a repository record with id exists.
func (s *Store) RepositoryExists(ctx context.Context, id int64) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM repositories WHERE id = ? LIMIT 1", id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup repository: %w", err)
	}
	return true, nil
}

// RegisterRepository inserts a repository record. It exists for the
// synchronisation boundary that owns the table and for tests.
func (s *Store) RegisterRepository(ctx context.Context, id int64, name, url string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO repositories (id, name, url, created_at) VALUES (?, ?, ?, ?)",
		id, name, nullIfEmpty(url), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("register repository: %w", err)
	}
	return nil
}
