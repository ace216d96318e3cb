package worker

import (
	"context"
	"fmt"
	"log"

	"github.com/3mdistal/ralph/internal/git"
	"github.com/3mdistal/ralph/internal/queue"
	"github.com/3mdistal/ralph/pkg/telemetry"
	"github.com/3mdistal/ralph/pkg/types"
)

// Resolver decides which worktree a task runs in
type Resolver struct {
	queue     queue.Backend
	worktrees TaskWorktrees
	guard     *git.CreationGuard
}

// NewResolver creates a Resolver. guard may be nil.
func NewResolver(q queue.Backend, wt TaskWorktrees, guard *git.CreationGuard) *Resolver {
	return &Resolver{queue: q, worktrees: wt, guard: guard}
}

// ResolveTaskRepoPath returns the worktree for task:
//
//   - a recorded path that is the primary checkout or outside the managed tree is an error
//   - a healthy recorded path is reused
//   - an unhealthy recorded path is recreated on start, reset on resume
//   - no recorded path on resume is reset
//   - no recorded path on start gets a fresh slot path, persisted before work begins
//
// A reset puts the task back to queued with session, worktree and ownership
// cleared, and removes the broken worktree.
func (r *Resolver) ResolveTaskRepoPath(ctx context.Context, task *types.Task, issueNumber int, mode Mode, slot int) (Resolution, error) {
	ctx, span := telemetry.StartTaskSpan(ctx, telemetry.SpanWorktreeResolve,
		telemetry.TaskAttrs(task.Path, task.Repo, issueNumber, string(task.Status))...)
	defer span.End()

	if path := task.WorktreePath; path != "" {
		if err := r.worktrees.ValidateManagedPath(path); err != nil {
			telemetry.RecordError(span, err, "UnsafeWorktreePath", telemetry.ErrorCategoryWorktree)
			return Resolution{}, err
		}
		if r.worktrees.IsHealthy(ctx, path) {
			return Resolution{Kind: ResolutionReuse, Path: path}, nil
		}
		if mode == ModeResume {
			return r.reset(ctx, task, "recorded worktree is unhealthy")
		}
		if err := r.worktrees.Recreate(ctx, path); err != nil {
			return Resolution{}, fmt.Errorf("recreating worktree for %s: %w", task.Path, err)
		}
		return Resolution{Kind: ResolutionCreated, Path: path, Reason: "recreated unhealthy worktree"}, nil
	}

	if mode == ModeResume {
		return r.reset(ctx, task, "no worktree recorded")
	}

	// Until the path is recorded only the guard keeps the sweep off it
	endCreate := r.guard.BeginCreate()
	defer endCreate()

	path := r.worktrees.TaskWorktreePath(issueNumber, task.Path, slot)
	if err := r.worktrees.EnsureGitWorktree(ctx, path); err != nil {
		return Resolution{}, fmt.Errorf("creating worktree for %s: %w", task.Path, err)
	}
	if err := r.queue.UpdateTaskStatus(ctx, task, types.TaskStatusInProgress, types.TaskPatch{WorktreePath: types.String(path)}); err != nil {
		return Resolution{}, fmt.Errorf("recording worktree for %s: %w", task.Path, err)
	}
	return Resolution{Kind: ResolutionCreated, Path: path}, nil
}

func (r *Resolver) reset(ctx context.Context, task *types.Task, reason string) (Resolution, error) {
	broken := task.WorktreePath
	patch := types.ResetPatch()
	patch.LastError = types.String("reset: " + reason)
	if err := r.queue.UpdateTaskStatus(ctx, task, types.TaskStatusQueued, patch); err != nil {
		return Resolution{}, fmt.Errorf("resetting %s: %w", task.Path, err)
	}
	if broken != "" {
		if err := r.worktrees.Remove(ctx, broken); err != nil {
			log.Printf("[worker] removing broken worktree %s: %v", broken, err) // Ignore errors
		}
	}
	log.Printf("[worker] reset %s to queued: %s", task.Path, reason)
	return Resolution{Kind: ResolutionReset, Reason: reason}, nil
}
