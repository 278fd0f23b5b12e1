// Package store defines the task-status storage interface and provides SQLite
// and PostgreSQL implementations.
package store

import (
	"context"
	"database/sql"
	"time"
)

// Store is the persistence interface for task status and agent log lines.
type Store interface {
	// Task status
	UpsertTaskStatus(ctx context.Context, st *TaskStatus) error
	GetTaskStatus(ctx context.Context, taskID string) (*TaskStatus, error)

	// RecordUpdate writes a status and, when entry is non-nil, its log line
	// in one transaction.
	RecordUpdate(ctx context.Context, st *TaskStatus, entry *LogEntry) error

	// Log entries
	AppendLogEntry(ctx context.Context, entry *LogEntry) error
	ListLogEntries(ctx context.Context, taskID string, limit int) ([]LogEntry, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}

// TaskStatus is the latest reported state of an agent task. One row per task,
// overwritten by every accepted callback.
type TaskStatus struct {
	TaskID    string    `json:"task_id"`
	Phase     string    `json:"phase"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LogEntry is one log line attached to a callback. Seq is assigned by the
// store and increases per task.
type LogEntry struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Seq       int64     `json:"seq"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// dbtx is satisfied by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DefaultLogLimit caps ListLogEntries when the caller passes a non-positive limit.
const DefaultLogLimit = 100
