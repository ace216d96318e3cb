// Package queue defines the task queue backend the daemon core depends on
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/3mdistal/ralph/pkg/types"
)

// ErrTaskNotFound is returned when no task exists at a path. The escalation
// scheduler treats it as the "vault missing" condition.
var ErrTaskNotFound = errors.New("task not found")

// ClaimResult is the outcome of a conditional-write claim
type ClaimResult struct {
	Claimed bool
	Task    *types.Task
	Reason  string
}

// Backend owns durable task records. The core reads tasks by path and
// patches a bounded set of fields.
type Backend interface {
	GetTaskByPath(ctx context.Context, path string) (*types.Task, error)
	ListTasksByStatus(ctx context.Context, statuses ...types.TaskStatus) ([]*types.Task, error)
	UpdateTaskStatus(ctx context.Context, task *types.Task, status types.TaskStatus, patch types.TaskPatch) error
	TryClaimTask(ctx context.Context, task *types.Task, daemonID string, now time.Time) (ClaimResult, error)
	Heartbeat(ctx context.Context, path, daemonID string, now time.Time) error
	NoteDeferred(ctx context.Context, path, note string) error
}

// Escalations stores human hand-offs
type Escalations interface {
	CreateEscalation(ctx context.Context, e *types.Escalation) error
	ListEscalationsByStatus(ctx context.Context, status types.EscalationStatus) ([]*types.Escalation, error)
	MarkEscalationResumed(ctx context.Context, id string, at time.Time) error
	MarkEscalationResumeFailed(ctx context.Context, id string, at time.Time, errMsg string) error
	ResolveEscalation(ctx context.Context, id, resolution string, recheckAfter *time.Time) error
}
