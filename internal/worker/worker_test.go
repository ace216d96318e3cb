package worker_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3mdistal/ralph/internal/db"
	"github.com/3mdistal/ralph/internal/executor"
	"github.com/3mdistal/ralph/internal/git"
	"github.com/3mdistal/ralph/internal/github"
	"github.com/3mdistal/ralph/internal/mergeconflict"
	"github.com/3mdistal/ralph/internal/worker"
	"github.com/3mdistal/ralph/pkg/types"
)

const (
	repoRoot    = "/src/acme/widgets"
	managedRoot = "/wt/acme/widgets"
)

type fakeWorktrees struct {
	mu        sync.Mutex
	healthy   map[string]bool
	ensured   []string
	recreated []string
	removed   []string
	ensureErr error
	onEnsure  func(path string)
}

func newFakeWorktrees() *fakeWorktrees {
	return &fakeWorktrees{healthy: make(map[string]bool)}
}

func (f *fakeWorktrees) TaskWorktreePath(issue int, key string, slot int) string {
	return fmt.Sprintf("%s/slot-%d/%d/%s", managedRoot, slot, issue, git.TaskKeySlug(key))
}

func (f *fakeWorktrees) ValidateManagedPath(path string) error {
	if path == repoRoot {
		return fmt.Errorf("%w: primary checkout", git.ErrUnsafeWorktreePath)
	}
	if !strings.HasPrefix(path, managedRoot+"/") {
		return fmt.Errorf("%w: outside managed tree", git.ErrUnsafeWorktreePath)
	}
	return nil
}

func (f *fakeWorktrees) IsHealthy(_ context.Context, path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy[path]
}

func (f *fakeWorktrees) EnsureGitWorktree(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ensureErr != nil {
		return f.ensureErr
	}
	if f.onEnsure != nil {
		f.onEnsure(path)
	}
	f.ensured = append(f.ensured, path)
	f.healthy[path] = true
	return nil
}

func (f *fakeWorktrees) Recreate(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recreated = append(f.recreated, path)
	f.healthy[path] = true
	return nil
}

func (f *fakeWorktrees) Remove(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, path)
	delete(f.healthy, path)
	return nil
}

type sessionCall struct {
	Path   string
	Mode   executor.Mode
	Prompt string
	Opts   executor.SessionOptions
}

type fakeSessions struct {
	result *executor.SessionResult
	err    error
	calls  []sessionCall
}

func (f *fakeSessions) Run(_ context.Context, path string, mode executor.Mode, prompt string, opts executor.SessionOptions) (*executor.SessionResult, error) {
	f.calls = append(f.calls, sessionCall{Path: path, Mode: mode, Prompt: prompt, Opts: opts})
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakePRFinder struct {
	ref *github.PRRef
	err error
}

func (f *fakePRFinder) FindPRForIssue(context.Context, string, int) (*github.PRRef, error) {
	return f.ref, f.err
}

type fakePRs struct {
	state string
}

func (f *fakePRs) ViewPR(_ context.Context, _ string, number int) (*mergeconflict.PRState, error) {
	return &mergeconflict.PRState{Number: number, MergeState: f.state, HeadRef: "ralph/issue-7", BaseRef: "main"}, nil
}

type fakeRecovery struct {
	outcome  mergeconflict.Outcome
	requests []mergeconflict.Request
}

func (f *fakeRecovery) Run(_ context.Context, req mergeconflict.Request) mergeconflict.Outcome {
	f.requests = append(f.requests, req)
	return f.outcome
}

type fixture struct {
	store     *db.Store
	worktrees *fakeWorktrees
	sessions  *fakeSessions
	finder    *fakePRFinder
	prs       *fakePRs
	recovery  *fakeRecovery
	guard     *git.CreationGuard
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "ralph.db"))
	require.NoError(t, err)
	require.NoError(t, store.InitSchema())
	t.Cleanup(func() { store.Close() })

	return &fixture{
		store:     store,
		worktrees: newFakeWorktrees(),
		sessions:  &fakeSessions{result: &executor.SessionResult{Success: true, SessionID: "sess-1"}},
		finder:    &fakePRFinder{ref: &github.PRRef{Number: 31, HeadRef: "ralph/issue-7"}},
		prs:       &fakePRs{state: "CLEAN"},
		recovery:  &fakeRecovery{},
		guard:     git.NewCreationGuard(),
		now:       time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) worker() *worker.RepoWorker {
	return worker.NewRepoWorker(worker.Options{
		Repo:        "acme/widgets",
		BaseBranch:  "main",
		BotBranch:   "bot/integration",
		DaemonID:    "d1",
		Queue:       f.store,
		Escalations: f.store,
		Worktrees:   f.worktrees,
		Sessions:    f.sessions,
		PRFinder:    f.finder,
		PRs:         f.prs,
		Recovery:    f.recovery,
		Guard:       f.guard,
		Now:         func() time.Time { return f.now },
	})
}

// task creates a task and applies patch on top of it
func (f *fixture) task(t *testing.T, status types.TaskStatus, patch types.TaskPatch) *types.Task {
	t.Helper()
	ctx := context.Background()
	task := &types.Task{Path: "tasks/fix-widgets", Repo: "acme/widgets", IssueNumber: 7, Title: "Fix widgets"}
	require.NoError(t, f.store.CreateTask(ctx, task))
	require.NoError(t, f.store.UpdateTaskStatus(ctx, task, status, patch))
	return task
}

func (f *fixture) reload(t *testing.T, path string) *types.Task {
	t.Helper()
	task, err := f.store.GetTaskByPath(context.Background(), path)
	require.NoError(t, err)
	return task
}

func TestResolveTaskRepoPath(t *testing.T) {
	recorded := managedRoot + "/slot-0/7/fix-widgets-0123abcd"

	tests := []struct {
		name     string
		recorded string
		healthy  bool
		mode     worker.Mode
		wantKind worker.ResolutionKind
		wantErr  error
	}{
		{name: "primary checkout is rejected", recorded: repoRoot, mode: worker.ModeStart, wantErr: git.ErrUnsafeWorktreePath},
		{name: "outside managed tree is rejected", recorded: "/tmp/elsewhere", mode: worker.ModeResume, wantErr: git.ErrUnsafeWorktreePath},
		{name: "healthy recorded path is reused on start", recorded: recorded, healthy: true, mode: worker.ModeStart, wantKind: worker.ResolutionReuse},
		{name: "healthy recorded path is reused on resume", recorded: recorded, healthy: true, mode: worker.ModeResume, wantKind: worker.ResolutionReuse},
		{name: "unhealthy recorded path is recreated on start", recorded: recorded, mode: worker.ModeStart, wantKind: worker.ResolutionCreated},
		{name: "unhealthy recorded path resets on resume", recorded: recorded, mode: worker.ModeResume, wantKind: worker.ResolutionReset},
		{name: "no recorded path resets on resume", mode: worker.ModeResume, wantKind: worker.ResolutionReset},
		{name: "no recorded path creates on start", mode: worker.ModeStart, wantKind: worker.ResolutionCreated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			patch := types.TaskPatch{SessionID: types.String("sess-0"), DaemonID: types.String("d1")}
			if tt.recorded != "" {
				patch.WorktreePath = types.String(tt.recorded)
			}
			task := f.task(t, types.TaskStatusInProgress, patch)
			if tt.healthy {
				f.worktrees.healthy[tt.recorded] = true
			}

			res, err := f.worker().Resolver().ResolveTaskRepoPath(context.Background(), task, 7, tt.mode, 2)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, f.worktrees.removed, "a rejected path is never touched")
				assert.Empty(t, f.worktrees.recreated)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, res.Kind)

			stored := f.reload(t, task.Path)
			switch tt.wantKind {
			case worker.ResolutionReuse:
				assert.Equal(t, tt.recorded, res.Path)
				assert.Empty(t, f.worktrees.ensured)
				assert.Empty(t, f.worktrees.recreated)
			case worker.ResolutionCreated:
				if tt.recorded != "" {
					assert.Equal(t, tt.recorded, res.Path)
					assert.Equal(t, []string{tt.recorded}, f.worktrees.recreated)
				} else {
					want := f.worktrees.TaskWorktreePath(7, task.Path, 2)
					assert.Equal(t, want, res.Path)
					assert.Equal(t, []string{want}, f.worktrees.ensured)
					assert.Equal(t, want, stored.WorktreePath, "path persisted before work begins")
				}
			case worker.ResolutionReset:
				assert.Empty(t, res.Path)
				assert.Equal(t, types.TaskStatusQueued, stored.Status)
				assert.Empty(t, stored.WorktreePath)
				assert.Empty(t, stored.SessionID)
				assert.Empty(t, stored.DaemonID)
				if tt.recorded != "" {
					assert.Equal(t, []string{tt.recorded}, f.worktrees.removed)
				} else {
					assert.Empty(t, f.worktrees.removed)
				}
			}
		})
	}
}

func TestResolveTaskRepoPath_CreateFailure(t *testing.T) {
	f := newFixture(t)
	f.worktrees.ensureErr = errors.New("git worktree add failed")
	task := f.task(t, types.TaskStatusQueued, types.TaskPatch{})

	_, err := f.worker().Resolver().ResolveTaskRepoPath(context.Background(), task, 7, worker.ModeStart, 0)
	require.Error(t, err)
	assert.Empty(t, f.reload(t, task.Path).WorktreePath)
}

func TestStartTask_MergeablePRCompletes(t *testing.T) {
	f := newFixture(t)
	task := f.task(t, types.TaskStatusQueued, types.TaskPatch{DaemonID: types.String("d1")})

	res, err := f.worker().StartTask(context.Background(), task, 1)
	require.NoError(t, err)

	assert.Equal(t, types.TaskStatusDone, res.Status)
	assert.Equal(t, 31, res.PRNumber)
	assert.Equal(t, "sess-1", res.SessionID)

	require.Len(t, f.sessions.calls, 1)
	call := f.sessions.calls[0]
	assert.Equal(t, executor.ModeStart, call.Mode)
	assert.Equal(t, f.worktrees.TaskWorktreePath(7, task.Path, 1), call.Path)
	assert.Contains(t, call.Prompt, "Fix widgets")
	assert.Contains(t, call.Prompt, "Closes #7")

	stored := f.reload(t, task.Path)
	assert.Equal(t, types.TaskStatusDone, stored.Status)
	assert.Equal(t, "sess-1", stored.SessionID)
	assert.Empty(t, stored.WorktreePath)
	assert.Empty(t, stored.DaemonID)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, []string{call.Path}, f.worktrees.removed)
	assert.Empty(t, f.recovery.requests)
}

func TestStartTask_ConflictedPRRunsRecovery(t *testing.T) {
	f := newFixture(t)
	f.prs.state = mergeconflict.MergeStateDirty
	f.recovery.outcome = mergeconflict.Outcome{Status: mergeconflict.StatusSucceeded, Code: mergeconflict.CodeResolved, SessionID: "sess-mc"}
	task := f.task(t, types.TaskStatusQueued, types.TaskPatch{})

	res, err := f.worker().StartTask(context.Background(), task, 0)
	require.NoError(t, err)

	assert.Equal(t, types.TaskStatusDone, res.Status)
	require.NotNil(t, res.Recovery)
	assert.Equal(t, "sess-mc", res.SessionID)
	require.Len(t, f.recovery.requests, 1)
	req := f.recovery.requests[0]
	assert.Equal(t, 31, req.PRNumber)
	assert.Equal(t, 7, req.IssueNumber)
	assert.Equal(t, "bot/integration", req.BotBranch)
	assert.Equal(t, mergeconflict.FormatWorkerID("d1", "acme/widgets", task.Path), req.Holder)
}

func TestStartTask_EscalatedRecoveryRecordsEscalation(t *testing.T) {
	f := newFixture(t)
	f.prs.state = mergeconflict.MergeStateDirty
	f.recovery.outcome = mergeconflict.Outcome{
		Status: mergeconflict.StatusEscalated,
		Code:   mergeconflict.CodeRepeatMergeContent,
		Reason: "conflict unchanged",
	}
	task := f.task(t, types.TaskStatusQueued, types.TaskPatch{})

	res, err := f.worker().StartTask(context.Background(), task, 0)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusEscalated, res.Status)

	stored := f.reload(t, task.Path)
	assert.Equal(t, types.TaskStatusEscalated, stored.Status)
	assert.NotEmpty(t, stored.WorktreePath, "worktree kept for resume")
	assert.Equal(t, "sess-1", stored.SessionID)

	escs, err := f.store.ListEscalationsByStatus(context.Background(), types.EscalationPending)
	require.NoError(t, err)
	require.Len(t, escs, 1)
	assert.Equal(t, task.Path, escs[0].TaskPath)
	assert.Contains(t, escs[0].Reason, mergeconflict.CodeRepeatMergeContent)
	assert.Empty(t, f.worktrees.removed)
}

func TestStartTask_SessionOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		result     *executor.SessionResult
		finder     *fakePRFinder
		wantStatus types.TaskStatus
		escalation bool
	}{
		{
			name:       "failed session blocks",
			result:     &executor.SessionResult{Error: errors.New("claude failed: exit status 1")},
			wantStatus: types.TaskStatusBlocked,
		},
		{
			name:       "throttle requeues",
			result:     &executor.SessionResult{Paused: true, SessionID: "sess-1"},
			wantStatus: types.TaskStatusQueued,
		},
		{
			name:       "loop trip escalates",
			result:     &executor.SessionResult{LoopTrip: true, SessionID: "sess-1"},
			wantStatus: types.TaskStatusEscalated,
			escalation: true,
		},
		{
			name:       "no pull request escalates",
			result:     &executor.SessionResult{Success: true, SessionID: "sess-1"},
			finder:     &fakePRFinder{},
			wantStatus: types.TaskStatusEscalated,
			escalation: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.sessions.result = tt.result
			if tt.finder != nil {
				f.finder = tt.finder
			}
			task := f.task(t, types.TaskStatusQueued, types.TaskPatch{})

			res, err := f.worker().StartTask(context.Background(), task, 0)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, res.Status)

			stored := f.reload(t, task.Path)
			assert.Equal(t, tt.wantStatus, stored.Status)
			assert.NotEmpty(t, stored.LastError)
			assert.NotEmpty(t, stored.WorktreePath)
			assert.Empty(t, f.worktrees.removed)

			escs, err := f.store.ListEscalationsByStatus(context.Background(), "")
			require.NoError(t, err)
			if tt.escalation {
				assert.Len(t, escs, 1)
			} else {
				assert.Empty(t, escs)
			}
		})
	}
}

func TestStartTask_UnsafeRecordedPathBlocks(t *testing.T) {
	f := newFixture(t)
	task := f.task(t, types.TaskStatusQueued, types.TaskPatch{WorktreePath: types.String(repoRoot)})

	_, err := f.worker().StartTask(context.Background(), task, 0)
	require.ErrorIs(t, err, git.ErrUnsafeWorktreePath)
	assert.Empty(t, f.sessions.calls)
	assert.Equal(t, types.TaskStatusBlocked, f.reload(t, task.Path).Status)
}

func TestResumeTask_WithoutWorktreeResets(t *testing.T) {
	f := newFixture(t)
	task := f.task(t, types.TaskStatusEscalated, types.TaskPatch{SessionID: types.String("sess-0")})

	err := f.worker().ResumeTask(context.Background(), task, "use the v2 API")
	require.Error(t, err)
	assert.Empty(t, f.sessions.calls, "no session runs without a worktree")

	stored := f.reload(t, task.Path)
	assert.Equal(t, types.TaskStatusQueued, stored.Status)
	assert.Empty(t, stored.SessionID)
}

func TestResumeTask_ContinuesSession(t *testing.T) {
	f := newFixture(t)
	path := managedRoot + "/slot-0/7/fix-widgets-0123abcd"
	f.worktrees.healthy[path] = true
	task := f.task(t, types.TaskStatusEscalated, types.TaskPatch{
		SessionID:    types.String("sess-0"),
		WorktreePath: types.String(path),
	})

	err := f.worker().ResumeTask(context.Background(), task, "use the v2 API")
	require.NoError(t, err)

	require.Len(t, f.sessions.calls, 1)
	call := f.sessions.calls[0]
	assert.Equal(t, path, call.Path)
	assert.Equal(t, executor.ModeResume, call.Mode)
	assert.Equal(t, "sess-0", call.Opts.SessionID)
	assert.Contains(t, call.Prompt, "use the v2 API")
	assert.Equal(t, types.TaskStatusDone, f.reload(t, task.Path).Status)
}

func TestResolveTaskRepoPath_SweepWaitsUntilPathRecorded(t *testing.T) {
	f := newFixture(t)
	task := f.task(t, types.TaskStatusQueued, types.TaskPatch{})

	recorded := make(chan string, 1)
	f.worktrees.onEnsure = func(string) {
		go func() {
			endSweep := f.guard.BeginSweep()
			defer endSweep()
			stored, err := f.store.GetTaskByPath(context.Background(), task.Path)
			if err != nil {
				recorded <- "error: " + err.Error()
				return
			}
			recorded <- stored.WorktreePath
		}()
		select {
		case got := <-recorded:
			t.Errorf("sweep ran while the worktree was being created (recorded %q)", got)
		case <-time.After(30 * time.Millisecond):
		}
	}

	res, err := f.worker().Resolver().ResolveTaskRepoPath(context.Background(), task, 7, worker.ModeStart, 0)
	require.NoError(t, err)

	select {
	case got := <-recorded:
		assert.Equal(t, res.Path, got, "sweep sees the recorded path")
	case <-time.After(2 * time.Second):
		t.Fatal("sweep never ran after creation")
	}
}

func TestStartTask_RequeueBacksOff(t *testing.T) {
	f := newFixture(t)
	f.sessions.result = &executor.SessionResult{Paused: true, SessionID: "sess-1"}
	task := f.task(t, types.TaskStatusQueued, types.TaskPatch{})

	res, err := f.worker().StartTask(context.Background(), task, 0)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusQueued, res.Status)

	stored := f.reload(t, task.Path)
	require.NotNil(t, stored.NotBefore)
	assert.True(t, stored.NotBefore.Equal(f.now.Add(worker.DefaultRequeueBackoff)))
	assert.Equal(t, "sess-1", stored.SessionID, "session kept for the next run")
	assert.NotEmpty(t, stored.WorktreePath)
}

func TestStartTask_RerunContinuesRecordedSession(t *testing.T) {
	f := newFixture(t)
	path := managedRoot + "/slot-0/7/fix-widgets-0123abcd"
	f.worktrees.healthy[path] = true
	one := 1
	task := f.task(t, types.TaskStatusQueued, types.TaskPatch{
		SessionID:    types.String("sess-0"),
		WorktreePath: types.String(path),
		Attempts:     &one,
		LastError:    types.String("agent throttled"),
	})

	res, err := f.worker().StartTask(context.Background(), task, 0)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusDone, res.Status)

	require.Len(t, f.sessions.calls, 1)
	call := f.sessions.calls[0]
	assert.Equal(t, executor.ModeResume, call.Mode)
	assert.Equal(t, "sess-0", call.Opts.SessionID)
	assert.Contains(t, call.Prompt, "interrupted")
	assert.Contains(t, call.Prompt, "agent throttled")
	assert.Equal(t, 2, f.reload(t, task.Path).Attempts)
}

func TestStartTask_RerunWithConflictedPRGoesToRecovery(t *testing.T) {
	f := newFixture(t)
	f.prs.state = mergeconflict.MergeStateDirty
	f.recovery.outcome = mergeconflict.Outcome{Status: mergeconflict.StatusSucceeded, Code: mergeconflict.CodeResolved}
	path := managedRoot + "/slot-0/7/fix-widgets-0123abcd"
	f.worktrees.healthy[path] = true
	one := 1
	task := f.task(t, types.TaskStatusQueued, types.TaskPatch{
		SessionID:    types.String("sess-0"),
		WorktreePath: types.String(path),
		Attempts:     &one,
		NotBefore:    &f.now,
	})

	res, err := f.worker().StartTask(context.Background(), task, 0)
	require.NoError(t, err)

	assert.Equal(t, types.TaskStatusDone, res.Status)
	assert.Empty(t, f.sessions.calls, "task prompt is not rerun")
	require.Len(t, f.recovery.requests, 1)
	assert.Equal(t, 31, f.recovery.requests[0].PRNumber)
	assert.Nil(t, f.reload(t, task.Path).NotBefore)
}
