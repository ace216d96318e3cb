// Package types defines core data structures for Ralph
package types

import (
	"strconv"
	"time"
)

// TaskStatus represents the current state of a task
type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusInProgress TaskStatus = "in-progress"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusEscalated  TaskStatus = "escalated"
	TaskStatusDone       TaskStatus = "done"
)

// Valid reports whether s is a known status
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusInProgress, TaskStatusBlocked, TaskStatusEscalated, TaskStatusDone:
		return true
	}
	return false
}

// Terminal reports whether no further work is dispatched for s
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusDone || s == TaskStatusEscalated
}

// Task is the unit of dispatch. Path is the stable key.
type Task struct {
	Path         string     `json:"path" db:"path"`
	Repo         string     `json:"repo" db:"repo"` // owner/name
	IssueNumber  int        `json:"issue_number" db:"issue_number"`
	Title        string     `json:"title" db:"title"`
	Prompt       string     `json:"prompt,omitempty" db:"prompt"`
	Priority     int        `json:"priority" db:"priority"`
	Status       TaskStatus `json:"status" db:"status"`
	WorktreePath string     `json:"worktree_path,omitempty" db:"worktree_path"`
	SessionID    string     `json:"session_id,omitempty" db:"session_id"`
	DaemonID     string     `json:"daemon_id,omitempty" db:"daemon_id"`
	HeartbeatAt  *time.Time `json:"heartbeat_at,omitempty" db:"heartbeat_at"`
	Attempts     int        `json:"attempts" db:"attempts"`
	LastError    string     `json:"last_error,omitempty" db:"last_error"`
	NotBefore    *time.Time `json:"not_before,omitempty" db:"not_before"` // earliest redispatch after a requeue
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// IssueRef formats the linked issue as owner/name#N
func (t *Task) IssueRef() string {
	if t.IssueNumber == 0 {
		return t.Repo
	}
	return t.Repo + "#" + strconv.Itoa(t.IssueNumber)
}

// WaitingUntil reports whether a requeued task must not be dispatched yet
func (t *Task) WaitingUntil(now time.Time) bool {
	return t.NotBefore != nil && now.Before(*t.NotBefore)
}

// TaskPatch is a bounded set of field updates. A nil field is left untouched,
// a pointer to the zero value clears the field.
type TaskPatch struct {
	WorktreePath *string
	SessionID    *string
	DaemonID     *string
	HeartbeatAt  *time.Time
	ClearOwner   bool
	LastError    *string
	Attempts     *int
	NotBefore    *time.Time // zero time clears
}

// String returns a pointer to s, for building patches
func String(s string) *string { return &s }

// ResetPatch clears session, worktree and ownership fields.
func ResetPatch() TaskPatch {
	return TaskPatch{
		WorktreePath: String(""),
		SessionID:    String(""),
		ClearOwner:   true,
		NotBefore:    &time.Time{},
	}
}
