// Package db is the SQLite task queue backend for Ralph
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/3mdistal/ralph/internal/queue"
	"github.com/3mdistal/ralph/pkg/types"
)

// DefaultOwnershipTTL is how long a claim survives without a heartbeat
const DefaultOwnershipTTL = 2 * time.Minute

// Store manages database operations
type Store struct {
	DB           *sql.DB
	ownershipTTL time.Duration
}

// StatusCounts summarizes the queue
type StatusCounts map[types.TaskStatus]int

// Open opens a SQLite database at the given path
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	// busy_timeout in the DSN applies to every pooled connection
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Set busy timeout to handle lock contention gracefully
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	return &Store{DB: db, ownershipTTL: DefaultOwnershipTTL}, nil
}

// SetOwnershipTTL sets how stale a heartbeat must be before another daemon
// may take a claim over
func (s *Store) SetOwnershipTTL(ttl time.Duration) {
	if ttl > 0 {
		s.ownershipTTL = ttl
	}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

// InitSchema creates the database schema
func (s *Store) InitSchema() error {
	schema := `
	-- Tasks are the unit of dispatch, keyed by path
	CREATE TABLE IF NOT EXISTS tasks (
		path TEXT PRIMARY KEY,
		repo TEXT NOT NULL,
		issue_number INTEGER NOT NULL DEFAULT 0,
		title TEXT NOT NULL DEFAULT '',
		prompt TEXT,
		priority INTEGER DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'queued',
		worktree_path TEXT,
		session_id TEXT,
		daemon_id TEXT,
		heartbeat_at INTEGER,
		attempts INTEGER DEFAULT 0,
		last_error TEXT,
		not_before INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- Escalations hand a task to a human and back
	CREATE TABLE IF NOT EXISTS escalations (
		id TEXT PRIMARY KEY,
		task_path TEXT NOT NULL,
		repo TEXT NOT NULL,
		issue_number INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		resolution TEXT,
		recheck_after INTEGER,
		resume_attempted_at INTEGER,
		resume_error TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_repo ON tasks(repo);
	CREATE INDEX IF NOT EXISTS idx_tasks_priority ON tasks(priority DESC);
	CREATE INDEX IF NOT EXISTS idx_escalations_status ON escalations(status);
	CREATE INDEX IF NOT EXISTS idx_escalations_task ON escalations(task_path);
	`

	if _, err := s.DB.Exec(schema); err != nil {
		return err
	}

	// Columns added after the first release
	migrations := []string{
		`ALTER TABLE tasks ADD COLUMN not_before INTEGER`,
	}
	for _, m := range migrations {
		if _, err := s.DB.Exec(m); err != nil && !strings.Contains(err.Error(), "duplicate column") {
			return fmt.Errorf("migrating schema: %w", err)
		}
	}
	return nil
}

const taskColumns = `path, repo, issue_number, title, COALESCE(prompt, ''), priority, status,
	COALESCE(worktree_path, ''), COALESCE(session_id, ''), COALESCE(daemon_id, ''),
	heartbeat_at, attempts, COALESCE(last_error, ''), not_before, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*types.Task, error) {
	var task types.Task
	var heartbeat, notBefore sql.NullInt64
	var createdAt, updatedAt int64
	err := row.Scan(
		&task.Path, &task.Repo, &task.IssueNumber, &task.Title, &task.Prompt, &task.Priority, &task.Status,
		&task.WorktreePath, &task.SessionID, &task.DaemonID,
		&heartbeat, &task.Attempts, &task.LastError, &notBefore, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if heartbeat.Valid {
		t := fromMillis(heartbeat.Int64)
		task.HeartbeatAt = &t
	}
	if notBefore.Valid {
		t := fromMillis(notBefore.Int64)
		task.NotBefore = &t
	}
	task.CreatedAt = fromMillis(createdAt)
	task.UpdatedAt = fromMillis(updatedAt)
	return &task, nil
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms) }

// CreateTask inserts a queued task
func (s *Store) CreateTask(ctx context.Context, task *types.Task) error {
	if task.Path == "" || task.Repo == "" {
		return fmt.Errorf("task path and repo are required")
	}
	now := time.Now()
	if task.Status == "" {
		task.Status = types.TaskStatusQueued
	}
	task.CreatedAt, task.UpdatedAt = now, now
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO tasks (path, repo, issue_number, title, prompt, priority, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.Path, task.Repo, task.IssueNumber, task.Title, task.Prompt, task.Priority, task.Status, toMillis(now), toMillis(now))
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

// GetTaskByPath retrieves a task by its path
func (s *Store) GetTaskByPath(ctx context.Context, path string) (*types.Task, error) {
	task, err := scanTask(s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE path = ?`, path))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", path, queue.ErrTaskNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting task: %w", err)
	}
	return task, nil
}

// ListTasksByStatus returns tasks in any of the statuses, highest priority
// first. No statuses means all tasks.
func (s *Store) ListTasksByStatus(ctx context.Context, statuses ...types.TaskStatus) ([]*types.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY priority DESC, created_at ASC`

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// UpdateTaskStatus sets status and applies patch. The caller's task is
// updated to match.
func (s *Store) UpdateTaskStatus(ctx context.Context, task *types.Task, status types.TaskStatus, patch types.TaskPatch) error {
	if !status.Valid() {
		return fmt.Errorf("invalid task status %q", status)
	}
	now := time.Now()
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{status, toMillis(now)}

	if patch.WorktreePath != nil {
		sets = append(sets, "worktree_path = ?")
		args = append(args, *patch.WorktreePath)
	}
	if patch.SessionID != nil {
		sets = append(sets, "session_id = ?")
		args = append(args, *patch.SessionID)
	}
	if patch.ClearOwner {
		sets = append(sets, "daemon_id = NULL", "heartbeat_at = NULL")
	} else {
		if patch.DaemonID != nil {
			sets = append(sets, "daemon_id = ?")
			args = append(args, *patch.DaemonID)
		}
		if patch.HeartbeatAt != nil {
			sets = append(sets, "heartbeat_at = ?")
			args = append(args, toMillis(*patch.HeartbeatAt))
		}
	}
	if patch.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *patch.LastError)
	}
	if patch.Attempts != nil {
		sets = append(sets, "attempts = ?")
		args = append(args, *patch.Attempts)
	}
	if patch.NotBefore != nil {
		if patch.NotBefore.IsZero() {
			sets = append(sets, "not_before = NULL")
		} else {
			sets = append(sets, "not_before = ?")
			args = append(args, toMillis(*patch.NotBefore))
		}
	}
	args = append(args, task.Path)

	result, err := s.DB.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE path = ?`, args...)
	if err != nil {
		return fmt.Errorf("updating task %s: %w", task.Path, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("updating %s: %w", task.Path, queue.ErrTaskNotFound)
	}

	applyPatch(task, status, patch, now)
	return nil
}

func applyPatch(task *types.Task, status types.TaskStatus, patch types.TaskPatch, now time.Time) {
	task.Status = status
	task.UpdatedAt = now
	if patch.WorktreePath != nil {
		task.WorktreePath = *patch.WorktreePath
	}
	if patch.SessionID != nil {
		task.SessionID = *patch.SessionID
	}
	if patch.ClearOwner {
		task.DaemonID = ""
		task.HeartbeatAt = nil
	} else {
		if patch.DaemonID != nil {
			task.DaemonID = *patch.DaemonID
		}
		if patch.HeartbeatAt != nil {
			hb := *patch.HeartbeatAt
			task.HeartbeatAt = &hb
		}
	}
	if patch.LastError != nil {
		task.LastError = *patch.LastError
	}
	if patch.Attempts != nil {
		task.Attempts = *patch.Attempts
	}
	if patch.NotBefore != nil {
		if patch.NotBefore.IsZero() {
			task.NotBefore = nil
		} else {
			nb := *patch.NotBefore
			task.NotBefore = &nb
		}
	}
}

// TryClaimTask claims task for daemonID with a conditional write. A task
// already owned by daemonID is claimed again; one owned by another daemon
// whose heartbeat is within the ownership TTL is not.
func (s *Store) TryClaimTask(ctx context.Context, task *types.Task, daemonID string, now time.Time) (queue.ClaimResult, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return queue.ClaimResult{}, err
	}
	defer tx.Rollback()

	staleBefore := toMillis(now.Add(-s.ownershipTTL))
	nowMs := toMillis(now)

	claimed, err := scanTask(tx.QueryRowContext(ctx, `
		UPDATE tasks
		SET daemon_id = ?,
		    heartbeat_at = ?,
		    updated_at = ?
		WHERE path = ?
		  AND status != 'done'
		  AND (daemon_id IS NULL OR daemon_id = '' OR daemon_id = ?
		       OR heartbeat_at IS NULL OR heartbeat_at < ?)
		RETURNING `+taskColumns,
		daemonID, nowMs, nowMs, task.Path, daemonID, staleBefore))

	if errors.Is(err, sql.ErrNoRows) {
		// Nothing matched: explain why from the current row
		current, lookupErr := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE path = ?`, task.Path))
		if errors.Is(lookupErr, sql.ErrNoRows) {
			return queue.ClaimResult{Reason: "task not found"}, nil
		}
		if lookupErr != nil {
			return queue.ClaimResult{}, fmt.Errorf("reading task after failed claim: %w", lookupErr)
		}
		if current.Status == types.TaskStatusDone {
			return queue.ClaimResult{Task: current, Reason: "task is done"}, nil
		}
		reason := "owned by " + current.DaemonID
		if current.HeartbeatAt != nil {
			reason += fmt.Sprintf(" (heartbeat %s ago)", now.Sub(*current.HeartbeatAt).Round(time.Second))
		}
		return queue.ClaimResult{Task: current, Reason: reason}, nil
	}
	if err != nil {
		return queue.ClaimResult{}, fmt.Errorf("claiming task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return queue.ClaimResult{}, fmt.Errorf("committing claim: %w", err)
	}

	*task = *claimed
	return queue.ClaimResult{Claimed: true, Task: claimed}, nil
}

// Heartbeat renews daemonID's claim on path
func (s *Store) Heartbeat(ctx context.Context, path, daemonID string, now time.Time) error {
	result, err := s.DB.ExecContext(ctx, `
		UPDATE tasks SET heartbeat_at = ? WHERE path = ? AND daemon_id = ?
	`, toMillis(now), path, daemonID)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("heartbeat for %s: not owned by %s", path, daemonID)
	}
	return nil
}

// NoteDeferred records why a task was not admitted this tick
func (s *Store) NoteDeferred(ctx context.Context, path, note string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE tasks SET last_error = ? WHERE path = ?`, note, path)
	return err
}

// CountByStatus returns task counts per status
func (s *Store) CountByStatus(ctx context.Context) (StatusCounts, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting tasks: %w", err)
	}
	defer rows.Close()

	counts := make(StatusCounts)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[types.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

var _ queue.Backend = (*Store)(nil)
