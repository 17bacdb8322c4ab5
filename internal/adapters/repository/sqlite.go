package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/okian/formlab/internal/domain/model"
)

var migrations = []struct {
	version string
	sql     string
}{
	{
		version: "001_tasks",
		sql: `CREATE TABLE IF NOT EXISTS tasks (
            id TEXT PRIMARY KEY,
            status TEXT NOT NULL,
            created_at TEXT NOT NULL,
            updated_at TEXT NOT NULL,
            payload TEXT NOT NULL
        );
        CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);`,
	},
}

// SQLiteTaskStore persists tasks as JSON rows so they survive restarts.
type SQLiteTaskStore struct {
	db   *sql.DB
	path string
	opts options
}

// OpenSQLite opens or creates the task database at path and applies migrations.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*SQLiteTaskStore, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure task db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection serializes writers and avoids read-to-write upgrade conflicts.
	db.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	s := &SQLiteTaskStore{db: db, path: path, opts: o}
	if err := s.applyMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteTaskStore) applyMigrations(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY)"); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	for _, m := range migrations {
		var count int
		row := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM schema_migrations WHERE version = ?", m.version)
		if err := row.Scan(&count); err != nil {
			return fmt.Errorf("scan migration version: %w", err)
		}
		if count > 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			return fmt.Errorf("record migration %s: %w", m.version, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}
	return nil
}

// Path returns the database file.
func (s *SQLiteTaskStore) Path() string { return s.path }

// Close implements TaskStore.Close.
func (s *SQLiteTaskStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Create implements TaskStore.Create.
func (s *SQLiteTaskStore) Create(ctx context.Context, t *model.Task) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	var exists int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM tasks WHERE id = ?", t.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check task: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s", ErrExists, t.ID)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, status, created_at, updated_at, payload) VALUES (?, ?, ?, ?, ?)`,
		t.ID, string(t.Status), stamp(t.CreatedAt), stamp(t.UpdatedAt), string(payload),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return s.evict(ctx)
}

// Get implements TaskStore.Get.
func (s *SQLiteTaskStore) Get(ctx context.Context, id string) (*model.Task, error) {
	return scanTask(s.db.QueryRowContext(ctx, "SELECT payload FROM tasks WHERE id = ?", id), id)
}

// Update implements TaskStore.Update.
func (s *SQLiteTaskStore) Update(ctx context.Context, id string, fn func(*model.Task) error) (*model.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	t, err := scanTask(tx.QueryRowContext(ctx, "SELECT payload FROM tasks WHERE id = ?", id), id)
	if err != nil {
		return nil, err
	}
	if err := fn(t); err != nil {
		return nil, err
	}
	t.ID = id
	t.UpdatedAt = s.opts.now().UTC()
	payload, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE tasks SET status = ?, updated_at = ?, payload = ? WHERE id = ?",
		string(t.Status), stamp(t.UpdatedAt), string(payload), id,
	); err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit task update: %w", err)
	}
	return t, nil
}

// List implements TaskStore.List.
func (s *SQLiteTaskStore) List(ctx context.Context, limit int) ([]*model.Task, error) {
	query := "SELECT payload FROM tasks ORDER BY created_at DESC, id DESC"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Task
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		var t model.Task
		if err := json.Unmarshal([]byte(payload), &t); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

// MarkInterrupted fails every task left unfinished by a previous process
// and returns how many were touched.
func (s *SQLiteTaskStore) MarkInterrupted(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM tasks WHERE status NOT IN (?, ?, ?)",
		string(model.StatusCompleted), string(model.StatusFailed), string(model.StatusCancelled))
	if err != nil {
		return 0, fmt.Errorf("find unfinished tasks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	_ = rows.Close()

	for _, id := range ids {
		_, err := s.Update(ctx, id, func(t *model.Task) error {
			t.Status = model.StatusFailed
			t.Error = "interrupted by restart"
			t.ErrorKind = "interrupted"
			t.Message = "training interrupted"
			t.AppendLog("training interrupted by a service restart")
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

func (s *SQLiteTaskStore) evict(ctx context.Context) error {
	if s.opts.maxTasks <= 0 {
		return nil
	}
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM tasks").Scan(&total); err != nil {
		return fmt.Errorf("count tasks: %w", err)
	}
	excess := total - s.opts.maxTasks
	if excess <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE id IN (
            SELECT id FROM tasks WHERE status IN (?, ?, ?)
            ORDER BY created_at ASC, id ASC LIMIT ?
        )`,
		string(model.StatusCompleted), string(model.StatusFailed), string(model.StatusCancelled), excess,
	)
	if err != nil {
		return fmt.Errorf("evict tasks: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner, id string) (*model.Task, error) {
	var payload string
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	var t model.Task
	if err := json.Unmarshal([]byte(payload), &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &t, nil
}

// stampLayout keeps a fixed width so text ordering matches time ordering.
const stampLayout = "2006-01-02T15:04:05.000000000Z"

func stamp(t time.Time) string {
	return t.UTC().Format(stampLayout)
}
