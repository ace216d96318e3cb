// Package worker runs one task at a time in a git worktree: it materializes
// the worktree, runs the agent session and routes the resulting pull request
// to completion or merge-conflict recovery.
package worker

import (
	"context"

	"github.com/3mdistal/ralph/internal/github"
	"github.com/3mdistal/ralph/internal/mergeconflict"
	"github.com/3mdistal/ralph/pkg/types"
)

// Mode says whether a task is starting fresh or resuming a session
type Mode string

const (
	ModeStart  Mode = "start"
	ModeResume Mode = "resume"
)

// ResolutionKind is how ResolveTaskRepoPath settled the worktree
type ResolutionKind string

const (
	ResolutionReuse   ResolutionKind = "reuse"
	ResolutionCreated ResolutionKind = "created"
	ResolutionReset   ResolutionKind = "reset"
)

// Resolution is the worktree a task will run in. A reset means the task went
// back to queued and must not run now.
type Resolution struct {
	Kind   ResolutionKind
	Path   string
	Reason string
}

// TaskWorktrees is the part of git.WorktreeManager the worker uses
type TaskWorktrees interface {
	TaskWorktreePath(issueNumber int, taskKey string, slot int) string
	ValidateManagedPath(path string) error
	IsHealthy(ctx context.Context, path string) bool
	EnsureGitWorktree(ctx context.Context, path string) error
	Recreate(ctx context.Context, path string) error
	Remove(ctx context.Context, path string) error
}

// PRFinder locates the pull request an agent opened for an issue
type PRFinder interface {
	FindPRForIssue(ctx context.Context, repo string, issue int) (*github.PRRef, error)
}

// Recovery runs merge-conflict recovery for a pull request
type Recovery interface {
	Run(ctx context.Context, req mergeconflict.Request) mergeconflict.Outcome
}

// Result is how a task run ended
type Result struct {
	Status     types.TaskStatus
	Reason     string
	PRNumber   int
	SessionID  string
	Resolution ResolutionKind // set only when the run never started
	Recovery   *mergeconflict.Outcome
}
