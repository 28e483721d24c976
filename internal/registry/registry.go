// Package registry is the orchestrator's durable state: the per-app freshness
// table that stalest-first selection reads, and the journal behind the
// task-status API. Both live in one SQLite database.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// insertChunk bounds how many rows one bulk statement carries. The upstream
// app list is ~200k ids; unbounded multi-row inserts would blow the
// statement-variable limit.
const insertChunk = 1000

// TaskState is the lifecycle of a journaled task.
type TaskState string

const (
	TaskPending TaskState = "PENDING"
	TaskSuccess TaskState = "SUCCESS"
	TaskFailure TaskState = "FAILURE"
)

// TaskRecord is one row of the task journal.
type TaskRecord struct {
	ID        string
	Name      string
	Status    TaskState
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Registry wraps the orchestrator database (modernc.org/sqlite, pure Go).
type Registry struct {
	db *sql.DB

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// Open opens or creates the registry database at the given DSN.
func Open(dsn string) (*Registry, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and set busy timeout.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// SQLite only supports one writer at a time. Limit connections to avoid
	// contention and keep a small idle pool for read concurrency.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &Registry{db: db, nowFunc: time.Now}, nil
}

func (r *Registry) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS apps (
			id INTEGER PRIMARY KEY,
			last_updated INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_apps_last_updated ON apps(last_updated)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at)`,
	}
	for _, q := range queries {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (r *Registry) Close() error {
	return r.db.Close()
}

// StalestN returns the n app ids with the smallest last_updated. Rows that
// were never fetched carry last_updated=0 and therefore sort first.
func (r *Registry) StalestN(ctx context.Context, n int) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM apps ORDER BY last_updated ASC, id ASC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Advance stamps last_updated=now for the acknowledged ids. Unknown ids are
// ignored; the write is idempotent.
func (r *Registry) Advance(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	now := r.nowFunc().UTC().Unix()
	for start := 0; start < len(ids); start += insertChunk {
		end := start + insertChunk
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		args := make([]any, 0, len(chunk)+1)
		args = append(args, now)
		for _, id := range chunk {
			args = append(args, id)
		}
		q := fmt.Sprintf(`UPDATE apps SET last_updated = ? WHERE id IN (%s)`,
			placeholders(len(chunk)))
		if _, err := r.db.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("advance apps: %w", err)
		}
	}
	return nil
}

// Actualize folds the full upstream id universe into the table: ids already
// present keep their last_updated, new ids are inserted with last_updated=0
// so they sort stalest. Returns how many rows were inserted.
func (r *Registry) Actualize(ctx context.Context, ids []int64) (int64, error) {
	var inserted int64
	for start := 0; start < len(ids); start += insertChunk {
		end := start + insertChunk
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		var sb strings.Builder
		sb.WriteString(`INSERT OR IGNORE INTO apps (id, last_updated) VALUES `)
		args := make([]any, 0, len(chunk))
		for i, id := range chunk {
			if i > 0 {
				sb.WriteString(",")
			}
			sb.WriteString("(?, 0)")
			args = append(args, id)
		}
		res, err := r.db.ExecContext(ctx, sb.String(), args...)
		if err != nil {
			return inserted, fmt.Errorf("actualize apps: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, err
		}
		inserted += n
	}
	return inserted, nil
}

// CountApps returns the number of registered apps.
func (r *Registry) CountApps(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM apps`).Scan(&n)
	return n, err
}

// Task journal

// CreateTask journals a freshly submitted task as PENDING.
func (r *Registry) CreateTask(ctx context.Context, id, name string) error {
	now := r.nowFunc().UTC().Format(time.RFC3339)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tasks (id, name, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, name, string(TaskPending), now, now)
	return err
}

// SetTaskStatus moves a journaled task to its terminal state.
func (r *Registry) SetTaskStatus(ctx context.Context, id string, status TaskState) error {
	now := r.nowFunc().UTC().Format(time.RFC3339)
	_, err := r.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), now, id)
	return err
}

// GetTask returns the journal row for id, or nil when the id was never
// journaled (or already pruned). Callers report unknown ids as PENDING.
func (r *Registry) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	var rec TaskRecord
	var status, createdAt, updatedAt string
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, status, created_at, updated_at FROM tasks WHERE id = ?`, id).
		Scan(&rec.ID, &rec.Name, &status, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Status = TaskState(status)
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &rec, nil
}

// PruneTasks drops journal rows older than the retention window and returns
// how many were removed.
func (r *Registry) PruneTasks(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := r.nowFunc().UTC().Add(-retention).Format(time.RFC3339)
	res, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
