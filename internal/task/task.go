package task

import (
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type Type string

const (
	TypeBuild  Type = "build"
	TypeTest   Type = "test"
	TypeDeploy Type = "deploy"
	TypeSync   Type = "sync"
)

const DefaultMaxAttempts = 3

// ReasonCancelled marks a failure caused by an explicit cancel request.
const ReasonCancelled = "cancelled"

// Environment is passed verbatim to the executed command.
type Environment map[string]string

// Metadata is free-form client data stored with the task and never interpreted.
type Metadata map[string]any

type Task struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Description  string      `json:"description"`
	Type         Type        `json:"type"`
	Command      string      `json:"command"`
	Environment  Environment `json:"environment"`
	Metadata     Metadata    `json:"metadata"`
	RepositoryID *int64      `json:"repository_id,omitempty"`
	Status       Status      `json:"status"`
	Reason       string      `json:"reason,omitempty"`
	ExitCode     *int        `json:"exit_code,omitempty"`
	AttemptCount int         `json:"attempt_count"`
	MaxAttempts  int         `json:"max_attempts"`
	Queued       bool        `json:"-"`
	Logs         string      `json:"logs"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
	HeartbeatAt  *time.Time  `json:"heartbeat_at,omitempty"`
}

// Definition is what a client submits.
type Definition struct {
	Name         string      `json:"name"`
	Description  string      `json:"description,omitempty"`
	Type         Type        `json:"type"`
	Command      string      `json:"command"`
	Environment  Environment `json:"environment,omitempty"`
	Metadata     Metadata    `json:"metadata,omitempty"`
	RepositoryID *int64      `json:"repository_id,omitempty"`
	MaxAttempts  int         `json:"max_attempts,omitempty"`
}

// LogsPath is the reference stored in Task.Logs.
func LogsPath(id string) string {
	return "/tasks/" + id + "/logs"
}

// Cancelled reports whether the task was failed by a cancel request.
func (t *Task) Cancelled() bool {
	return t.Status == StatusFailed && t.Reason == ReasonCancelled
}

// Terminal reports whether no further delivery is outstanding for the task.
func (t *Task) Terminal() bool {
	switch t.Status {
	case StatusCompleted:
		return true
	case StatusFailed:
		return !t.Queued
	default:
		return false
	}
}
