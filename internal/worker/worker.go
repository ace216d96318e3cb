package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/3mdistal/ralph/internal/executor"
	"github.com/3mdistal/ralph/internal/git"
	"github.com/3mdistal/ralph/internal/github"
	"github.com/3mdistal/ralph/internal/mergeconflict"
	"github.com/3mdistal/ralph/internal/queue"
	"github.com/3mdistal/ralph/pkg/telemetry"
	"github.com/3mdistal/ralph/pkg/types"
)

// DefaultRequeueBackoff is how long a requeued task waits before redispatch
const DefaultRequeueBackoff = 5 * time.Minute

// Options configures a RepoWorker
type Options struct {
	Repo           string
	BaseBranch     string
	BotBranch      string
	DaemonID       string
	SessionTimeout time.Duration
	RequeueBackoff time.Duration

	Queue       queue.Backend
	Escalations queue.Escalations
	Worktrees   TaskWorktrees
	Sessions    executor.SessionRunner
	PRFinder    PRFinder
	PRs         mergeconflict.PullRequests
	Recovery    Recovery

	// Guard is shared with the orphan sweep; nil disables it
	Guard *git.CreationGuard
	Now   func() time.Time
}

// RepoWorker runs admitted tasks for one repository. The caller owns the
// admission ticket and releases it when StartTask or ResumeTask returns.
type RepoWorker struct {
	opts     Options
	resolver *Resolver
}

// NewRepoWorker creates a worker for opts.Repo
func NewRepoWorker(opts Options) *RepoWorker {
	if opts.RequeueBackoff <= 0 {
		opts.RequeueBackoff = DefaultRequeueBackoff
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &RepoWorker{opts: opts, resolver: NewResolver(opts.Queue, opts.Worktrees, opts.Guard)}
}

// Repo returns the repository this worker serves
func (w *RepoWorker) Repo() string { return w.opts.Repo }

// Resolver returns the worktree resolver
func (w *RepoWorker) Resolver() *Resolver { return w.resolver }

// StartTask runs a freshly admitted task in slot
func (w *RepoWorker) StartTask(ctx context.Context, task *types.Task, slot int) (Result, error) {
	ctx, span := telemetry.StartTaskSpan(ctx, telemetry.SpanTaskRun,
		telemetry.TaskAttrs(task.Path, task.Repo, task.IssueNumber, string(task.Status))...)
	defer span.End()
	span.SetAttributes(attribute.Int(telemetry.KeySlot, slot))

	res, err := w.run(ctx, task, ModeStart, slot, "")
	if err != nil {
		telemetry.RecordError(span, err, telemetry.ErrorTypeFromError(err), telemetry.ErrorCategoryUnknown)
	}
	telemetry.SetTaskStatus(span, string(res.Status))
	return res, err
}

// ResumeTask continues a task's recorded session with message, usually an
// escalation resolution
func (w *RepoWorker) ResumeTask(ctx context.Context, task *types.Task, message string) error {
	ctx, span := telemetry.StartTaskSpan(ctx, telemetry.SpanResume,
		telemetry.TaskAttrs(task.Path, task.Repo, task.IssueNumber, string(task.Status))...)
	defer span.End()

	res, err := w.run(ctx, task, ModeResume, 0, message)
	telemetry.SetTaskStatus(span, string(res.Status))
	if err != nil {
		telemetry.RecordError(span, err, telemetry.ErrorTypeFromError(err), telemetry.ErrorCategoryUnknown)
		return err
	}
	if res.Resolution == ResolutionReset {
		return fmt.Errorf("resume of %s did not run: %s", task.Path, res.Reason)
	}
	return nil
}

// run resolves the worktree and runs the agent. A reused worktree with a
// recorded session continues that session; message is the resume guidance.
func (w *RepoWorker) run(ctx context.Context, task *types.Task, mode Mode, slot int, message string) (Result, error) {
	resolution, err := w.resolver.ResolveTaskRepoPath(ctx, task, task.IssueNumber, mode, slot)
	if err != nil {
		w.block(ctx, task, "worktree: "+err.Error())
		return Result{Status: types.TaskStatusBlocked, Reason: err.Error()}, err
	}
	if resolution.Kind == ResolutionReset {
		return Result{Status: types.TaskStatusQueued, Reason: resolution.Reason, Resolution: ResolutionReset}, nil
	}
	log.Printf("🔧 [worker] %s: %s worktree %s", task.Path, resolution.Kind, resolution.Path)

	rerun := task.Attempts > 0
	attempts := task.Attempts + 1
	if err := w.opts.Queue.UpdateTaskStatus(ctx, task, types.TaskStatusInProgress, types.TaskPatch{
		WorktreePath: types.String(resolution.Path),
		Attempts:     &attempts,
		NotBefore:    &time.Time{},
	}); err != nil {
		return Result{Status: task.Status, Reason: err.Error()}, fmt.Errorf("marking %s in progress: %w", task.Path, err)
	}

	// A rerun whose PR is already conflicted only needs recovery
	if mode == ModeStart && rerun {
		if ref, pr := w.conflictedPR(ctx, task); pr != nil {
			log.Printf("🔁 [worker] %s: PR #%d is still conflicted, going straight to recovery", task.Path, ref.Number)
			return w.settle(ctx, task, task.SessionID, ref, pr)
		}
	}

	sessionMode := executor.ModeStart
	opts := executor.SessionOptions{Timeout: w.opts.SessionTimeout}
	prompt := buildTaskPrompt(task, w.opts.BaseBranch)
	if mode == ModeResume {
		prompt = buildResumePrompt(task, message)
	}
	if resolution.Kind == ResolutionReuse && task.SessionID != "" {
		sessionMode = executor.ModeResume
		opts.SessionID = task.SessionID
		if mode == ModeStart {
			prompt = buildContinuePrompt(task)
		}
	}
	session, err := w.opts.Sessions.Run(ctx, resolution.Path, sessionMode, prompt, opts)
	if err != nil {
		w.block(ctx, task, "agent: "+err.Error())
		return Result{Status: types.TaskStatusBlocked, Reason: err.Error()}, fmt.Errorf("running agent for %s: %w", task.Path, err)
	}
	if session.SessionID != "" && session.SessionID != task.SessionID {
		if err := w.opts.Queue.UpdateTaskStatus(ctx, task, types.TaskStatusInProgress, types.TaskPatch{SessionID: types.String(session.SessionID)}); err != nil {
			log.Printf("[worker] recording session for %s: %v", task.Path, err)
		}
	}

	switch {
	case session.Paused:
		return w.requeue(ctx, task, session.SessionID, "agent throttled"), nil
	case session.LoopTrip:
		return w.escalate(ctx, task, session.SessionID, 0, "agent loop trip: "+errText(session.Error, "repeated the same action"), nil)
	case session.WatchdogTimeout:
		return w.escalate(ctx, task, session.SessionID, 0, "agent stopped producing output", nil)
	case !session.Success:
		reason := errText(session.Error, "agent session failed")
		w.block(ctx, task, reason)
		return Result{Status: types.TaskStatusBlocked, Reason: reason, SessionID: session.SessionID}, nil
	}

	return w.settlePR(ctx, task, session.SessionID)
}

// settlePR routes the task by the state of its pull request
func (w *RepoWorker) settlePR(ctx context.Context, task *types.Task, sessionID string) (Result, error) {
	ref, err := w.opts.PRFinder.FindPRForIssue(ctx, task.Repo, task.IssueNumber)
	if err != nil {
		w.block(ctx, task, "finding pull request: "+err.Error())
		return Result{Status: types.TaskStatusBlocked, Reason: err.Error(), SessionID: sessionID}, nil
	}
	if ref == nil {
		return w.escalate(ctx, task, sessionID, 0, "agent finished without opening a pull request", nil)
	}

	pr, err := w.opts.PRs.ViewPR(ctx, task.Repo, ref.Number)
	if err != nil {
		w.block(ctx, task, "viewing pull request: "+err.Error())
		return Result{Status: types.TaskStatusBlocked, Reason: err.Error(), PRNumber: ref.Number, SessionID: sessionID}, nil
	}
	return w.settle(ctx, task, sessionID, ref, pr)
}

// conflictedPR returns the task's pull request when it is conflicted. Lookup
// failures are not fatal: the task simply runs again.
func (w *RepoWorker) conflictedPR(ctx context.Context, task *types.Task) (*github.PRRef, *mergeconflict.PRState) {
	ref, err := w.opts.PRFinder.FindPRForIssue(ctx, task.Repo, task.IssueNumber)
	if err != nil || ref == nil {
		return nil, nil
	}
	pr, err := w.opts.PRs.ViewPR(ctx, task.Repo, ref.Number)
	if err != nil || pr.MergeState != mergeconflict.MergeStateDirty {
		return nil, nil
	}
	return ref, pr
}

// settle completes a clean pull request or runs merge-conflict recovery
func (w *RepoWorker) settle(ctx context.Context, task *types.Task, sessionID string, ref *github.PRRef, pr *mergeconflict.PRState) (Result, error) {
	if pr.MergeState != mergeconflict.MergeStateDirty {
		return w.complete(ctx, task, sessionID, ref.Number, fmt.Sprintf("pull request #%d is %s", ref.Number, pr.MergeState)), nil
	}

	log.Printf("⚠️  [worker] %s: PR #%d is conflicted, starting recovery", task.Path, ref.Number)
	out := w.opts.Recovery.Run(ctx, mergeconflict.Request{
		Repo:           task.Repo,
		PRNumber:       ref.Number,
		IssueNumber:    task.IssueNumber,
		TaskKey:        task.Path,
		Holder:         mergeconflict.FormatWorkerID(w.opts.DaemonID, task.Repo, task.Path),
		BotBranch:      w.opts.BotBranch,
		SessionTimeout: w.opts.SessionTimeout,
	})
	if out.SessionID != "" {
		sessionID = out.SessionID
	}

	reason := fmt.Sprintf("merge-conflict recovery %s (%s): %s", out.Status, out.Code, out.Reason)
	switch out.Status {
	case mergeconflict.StatusSucceeded:
		res := w.complete(ctx, task, sessionID, ref.Number, reason)
		res.Recovery = &out
		return res, nil
	case mergeconflict.StatusEscalated:
		return w.escalate(ctx, task, sessionID, ref.Number, reason, &out)
	case mergeconflict.StatusSkipped, mergeconflict.StatusPaused:
		res := w.requeue(ctx, task, sessionID, reason)
		res.PRNumber, res.Recovery = ref.Number, &out
		return res, nil
	default:
		w.block(ctx, task, reason)
		return Result{Status: types.TaskStatusBlocked, Reason: reason, PRNumber: ref.Number, SessionID: sessionID, Recovery: &out}, nil
	}
}

// complete marks the task done, releases ownership and removes its worktree
func (w *RepoWorker) complete(ctx context.Context, task *types.Task, sessionID string, pr int, reason string) Result {
	path := task.WorktreePath
	patch := types.TaskPatch{WorktreePath: types.String(""), ClearOwner: true, LastError: types.String("")}
	if err := w.opts.Queue.UpdateTaskStatus(ctx, task, types.TaskStatusDone, patch); err != nil {
		log.Printf("[worker] marking %s done: %v", task.Path, err)
	}
	if path != "" {
		if err := w.opts.Worktrees.Remove(context.WithoutCancel(ctx), path); err != nil {
			log.Printf("[worker] removing worktree %s: %v", path, err) // Ignore errors
		}
	}
	log.Printf("✅ [worker] %s done: %s", task.Path, reason)
	return Result{Status: types.TaskStatusDone, Reason: reason, PRNumber: pr, SessionID: sessionID}
}

// escalate hands the task to a human. The worktree and session are kept so
// the task can resume once the escalation is resolved.
func (w *RepoWorker) escalate(ctx context.Context, task *types.Task, sessionID string, pr int, reason string, out *mergeconflict.Outcome) (Result, error) {
	res := Result{Status: types.TaskStatusEscalated, Reason: reason, PRNumber: pr, SessionID: sessionID, Recovery: out}

	if err := w.opts.Queue.UpdateTaskStatus(ctx, task, types.TaskStatusEscalated, types.TaskPatch{
		ClearOwner: true,
		LastError:  types.String(reason),
	}); err != nil {
		return res, fmt.Errorf("marking %s escalated: %w", task.Path, err)
	}
	if w.opts.Escalations != nil {
		esc := &types.Escalation{
			TaskPath:    task.Path,
			Repo:        task.Repo,
			IssueNumber: task.IssueNumber,
			Reason:      reason,
		}
		if err := w.opts.Escalations.CreateEscalation(ctx, esc); err != nil {
			return res, fmt.Errorf("recording escalation for %s: %w", task.Path, err)
		}
		log.Printf("🙋 [worker] %s escalated as %s: %s", task.Path, esc.ID, reason)
	}
	return res, nil
}

// requeue returns the task to the queue without discarding its worktree or
// session. It is not dispatched again until the backoff has passed.
func (w *RepoWorker) requeue(ctx context.Context, task *types.Task, sessionID, reason string) Result {
	notBefore := w.opts.Now().Add(w.opts.RequeueBackoff)
	if err := w.opts.Queue.UpdateTaskStatus(ctx, task, types.TaskStatusQueued, types.TaskPatch{
		ClearOwner: true,
		LastError:  types.String(reason),
		NotBefore:  &notBefore,
	}); err != nil {
		log.Printf("[worker] requeueing %s: %v", task.Path, err)
	}
	log.Printf("⏸️  [worker] %s requeued until %s: %s", task.Path, notBefore.Format(time.Kitchen), reason)
	return Result{Status: types.TaskStatusQueued, Reason: reason, SessionID: sessionID}
}

// block parks the task with a note. Best-effort.
func (w *RepoWorker) block(ctx context.Context, task *types.Task, reason string) {
	err := w.opts.Queue.UpdateTaskStatus(context.WithoutCancel(ctx), task, types.TaskStatusBlocked, types.TaskPatch{
		ClearOwner: true,
		LastError:  types.String(reason),
	})
	if err != nil && !errors.Is(err, queue.ErrTaskNotFound) {
		log.Printf("[worker] blocking %s: %v", task.Path, err)
	}
	log.Printf("❌ [worker] %s blocked: %s", task.Path, reason)
}

func errText(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	return err.Error()
}
