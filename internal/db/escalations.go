package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/3mdistal/ralph/internal/queue"
	"github.com/3mdistal/ralph/pkg/types"
)

// ErrEscalationNotFound is returned for an unknown escalation id
var ErrEscalationNotFound = errors.New("escalation not found")

const escalationColumns = `id, task_path, repo, issue_number, reason, status, COALESCE(resolution, ''),
	recheck_after, resume_attempted_at, COALESCE(resume_error, ''), created_at, updated_at`

func scanEscalation(row rowScanner) (*types.Escalation, error) {
	var e types.Escalation
	var recheck, attempted sql.NullInt64
	var createdAt, updatedAt int64
	err := row.Scan(&e.ID, &e.TaskPath, &e.Repo, &e.IssueNumber, &e.Reason, &e.Status, &e.Resolution,
		&recheck, &attempted, &e.ResumeError, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if recheck.Valid {
		t := fromMillis(recheck.Int64)
		e.RecheckAfter = &t
	}
	if attempted.Valid {
		t := fromMillis(attempted.Int64)
		e.ResumeAttemptedAt = &t
	}
	e.CreatedAt = fromMillis(createdAt)
	e.UpdatedAt = fromMillis(updatedAt)
	return &e, nil
}

// CreateEscalation inserts a pending escalation, assigning an id if unset
func (s *Store) CreateEscalation(ctx context.Context, e *types.Escalation) error {
	if e.ID == "" {
		e.ID = "esc-" + uuid.New().String()[:8]
	}
	if e.Status == "" {
		e.Status = types.EscalationPending
	}
	now := time.Now()
	e.CreatedAt, e.UpdatedAt = now, now
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO escalations (id, task_path, repo, issue_number, reason, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.TaskPath, e.Repo, e.IssueNumber, e.Reason, e.Status, toMillis(now), toMillis(now))
	if err != nil {
		return fmt.Errorf("inserting escalation: %w", err)
	}
	return nil
}

// GetEscalation retrieves an escalation by id
func (s *Store) GetEscalation(ctx context.Context, id string) (*types.Escalation, error) {
	e, err := scanEscalation(s.DB.QueryRowContext(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrEscalationNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting escalation: %w", err)
	}
	return e, nil
}

// ListEscalationsByStatus returns escalations in status, oldest first.
// An empty status returns all.
func (s *Store) ListEscalationsByStatus(ctx context.Context, status types.EscalationStatus) ([]*types.Escalation, error) {
	query := `SELECT ` + escalationColumns + ` FROM escalations`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying escalations: %w", err)
	}
	defer rows.Close()

	var out []*types.Escalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning escalation: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ResolveEscalation records the human resolution and marks it resolved.
// recheckAfter, if set, delays the resume until that time.
func (s *Store) ResolveEscalation(ctx context.Context, id, resolution string, recheckAfter *time.Time) error {
	var recheck any
	if recheckAfter != nil {
		recheck = toMillis(*recheckAfter)
	}
	return s.updateEscalation(ctx, id, `
		UPDATE escalations
		SET status = 'resolved', resolution = ?, recheck_after = ?, resume_error = NULL, updated_at = ?
		WHERE id = ?
	`, resolution, recheck, toMillis(time.Now()), id)
}

// MarkEscalationResumed records a successful resume
func (s *Store) MarkEscalationResumed(ctx context.Context, id string, at time.Time) error {
	return s.updateEscalation(ctx, id, `
		UPDATE escalations
		SET status = 'resumed', resume_attempted_at = ?, resume_error = NULL, updated_at = ?
		WHERE id = ?
	`, toMillis(at), toMillis(at), id)
}

// MarkEscalationResumeFailed records a failed resume
func (s *Store) MarkEscalationResumeFailed(ctx context.Context, id string, at time.Time, errMsg string) error {
	return s.updateEscalation(ctx, id, `
		UPDATE escalations
		SET status = 'resume-failed', resume_attempted_at = ?, resume_error = ?, updated_at = ?
		WHERE id = ?
	`, toMillis(at), errMsg, toMillis(at), id)
}

func (s *Store) updateEscalation(ctx context.Context, id, query string, args ...any) error {
	result, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating escalation %s: %w", id, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s: %w", id, ErrEscalationNotFound)
	}
	return nil
}

var _ queue.Escalations = (*Store)(nil)
