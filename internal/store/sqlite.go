package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// Every pooled connection must see the same in-memory database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS task_statuses (
			task_id TEXT PRIMARY KEY,
			phase TEXT NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			message TEXT NOT NULL DEFAULT '',
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS task_log_entries (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			level TEXT NOT NULL DEFAULT 'info',
			message TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_task_log_entries_task_seq ON task_log_entries(task_id, seq)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Task status ---

func (s *SQLiteStore) UpsertTaskStatus(ctx context.Context, st *TaskStatus) error {
	return sqliteUpsertStatus(ctx, s.db, st)
}

func sqliteUpsertStatus(ctx context.Context, q dbtx, st *TaskStatus) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO task_statuses (task_id, phase, progress, message, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(task_id) DO UPDATE SET phase=excluded.phase, progress=excluded.progress, message=excluded.message, updated_at=excluded.updated_at`,
		st.TaskID, st.Phase, st.Progress, st.Message, st.UpdatedAt.UTC(),
	)
	return err
}

// RecordUpdate opens with a write, so the transaction takes SQLite's write
// lock before it reads the task's current sequence.
func (s *SQLiteStore) RecordUpdate(ctx context.Context, st *TaskStatus, entry *LogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := sqliteUpsertStatus(ctx, tx, st); err != nil {
		return fmt.Errorf("upsert status: %w", err)
	}
	if entry != nil {
		if err := sqliteAppendLog(ctx, tx, entry); err != nil {
			return fmt.Errorf("append log entry: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetTaskStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	var st TaskStatus
	err := s.db.QueryRowContext(ctx,
		"SELECT task_id, phase, progress, message, updated_at FROM task_statuses WHERE task_id = ?", taskID,
	).Scan(&st.TaskID, &st.Phase, &st.Progress, &st.Message, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// --- Log entries ---

func (s *SQLiteStore) AppendLogEntry(ctx context.Context, entry *LogEntry) error {
	return sqliteAppendLog(ctx, s.db, entry)
}

func sqliteAppendLog(ctx context.Context, q dbtx, entry *LogEntry) error {
	return q.QueryRowContext(ctx,
		`INSERT INTO task_log_entries (id, task_id, seq, level, message, created_at)
		 VALUES (?, ?, (SELECT COALESCE(MAX(seq),0)+1 FROM task_log_entries WHERE task_id = ?), ?, ?, ?)
		 RETURNING seq`,
		entry.ID, entry.TaskID, entry.TaskID, entry.Level, entry.Message, entry.CreatedAt.UTC(),
	).Scan(&entry.Seq)
}

// ListLogEntries returns up to limit of the most recent entries for taskID,
// oldest first.
func (s *SQLiteStore) ListLogEntries(ctx context.Context, taskID string, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, seq, level, message, created_at FROM (
			SELECT id, task_id, seq, level, message, created_at
			FROM task_log_entries WHERE task_id = ? ORDER BY seq DESC LIMIT ?
		 ) ORDER BY seq`,
		taskID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Seq, &e.Level, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
