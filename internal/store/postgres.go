package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS task_statuses (
			task_id TEXT PRIMARY KEY,
			phase TEXT NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			message TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS task_log_entries (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			level TEXT NOT NULL DEFAULT 'info',
			message TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Task status ---

func (s *PostgresStore) UpsertTaskStatus(ctx context.Context, st *TaskStatus) error {
	return pgUpsertStatus(ctx, s.db, st)
}

func pgUpsertStatus(ctx context.Context, q dbtx, st *TaskStatus) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO task_statuses (task_id, phase, progress, message, updated_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT(task_id) DO UPDATE SET phase=EXCLUDED.phase, progress=EXCLUDED.progress, message=EXCLUDED.message, updated_at=EXCLUDED.updated_at`,
		st.TaskID, st.Phase, st.Progress, st.Message, st.UpdatedAt,
	)
	return err
}

// RecordUpdate holds a per-task advisory lock for the transaction so
// concurrent callbacks for one task get consecutive sequence numbers.
func (s *PostgresStore) RecordUpdate(ctx context.Context, st *TaskStatus, entry *LogEntry) error {
	return s.inTaskTx(ctx, st.TaskID, func(tx *sql.Tx) error {
		if err := pgUpsertStatus(ctx, tx, st); err != nil {
			return fmt.Errorf("upsert status: %w", err)
		}
		if entry == nil {
			return nil
		}
		if err := pgAppendLog(ctx, tx, entry); err != nil {
			return fmt.Errorf("append log entry: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) inTaskTx(ctx context.Context, taskID string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", taskID); err != nil {
		return fmt.Errorf("lock task: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) GetTaskStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	var st TaskStatus
	err := s.db.QueryRowContext(ctx,
		"SELECT task_id, phase, progress, message, updated_at FROM task_statuses WHERE task_id = $1", taskID,
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

func (s *PostgresStore) AppendLogEntry(ctx context.Context, entry *LogEntry) error {
	return s.inTaskTx(ctx, entry.TaskID, func(tx *sql.Tx) error {
		return pgAppendLog(ctx, tx, entry)
	})
}

func pgAppendLog(ctx context.Context, q dbtx, entry *LogEntry) error {
	return q.QueryRowContext(ctx,
		`INSERT INTO task_log_entries (id, task_id, seq, level, message, created_at)
		 VALUES ($1, $2, (SELECT COALESCE(MAX(seq),0)+1 FROM task_log_entries WHERE task_id = $2), $3, $4, $5)
		 RETURNING seq`,
		entry.ID, entry.TaskID, entry.Level, entry.Message, entry.CreatedAt,
	).Scan(&entry.Seq)
}

func (s *PostgresStore) ListLogEntries(ctx context.Context, taskID string, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, seq, level, message, created_at FROM (
			SELECT id, task_id, seq, level, message, created_at
			FROM task_log_entries WHERE task_id = $1 ORDER BY seq DESC LIMIT $2
		 ) recent ORDER BY seq`,
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
