package mergeconflict

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/3mdistal/ralph/internal/executor"
	"github.com/3mdistal/ralph/internal/git"
	"github.com/3mdistal/ralph/pkg/telemetry"
)

// LabelInProgress marks a PR while recovery attempts are running
const LabelInProgress = "ralph:merge-conflict"

// GitHub merge states the engine distinguishes
const (
	MergeStateDirty   = "DIRTY"
	MergeStateUnknown = "UNKNOWN"
)

// PRState is what preflight and the post-recovery wait observe about a PR
type PRState struct {
	Number          int
	URL             string
	MergeState      string
	HeadSHA         string
	HeadRef         string
	BaseRef         string
	CrossRepository bool
	ChecksPending   bool // some required check has not reported yet
}

// PullRequests reads pull request state
type PullRequests interface {
	ViewPR(ctx context.Context, repo string, number int) (*PRState, error)
}

// Comment is a PR comment found by marker
type Comment struct {
	ID   int64
	Body string
}

// CommentStore finds and replaces the recovery comment. FindComment returns
// nil when no comment carries the marker. UpsertComment creates a comment
// when id is zero and returns the comment id.
type CommentStore interface {
	FindComment(ctx context.Context, repo string, number int, marker string) (*Comment, error)
	UpsertComment(ctx context.Context, repo string, number int, id int64, body string) (int64, error)
}

// Labels applies and clears PR labels. Failures are never fatal.
type Labels interface {
	AddLabels(ctx context.Context, repo string, number int, labels ...string) error
	RemoveLabels(ctx context.Context, repo string, number int, labels ...string) error
}

// Worktrees provides disposable attempt worktrees
type Worktrees interface {
	RecoveryWorktreePath(prNumber, attempt int) string
	EnsureGitWorktree(ctx context.Context, path string) error
	Remove(ctx context.Context, path string) error
}

// Status is the terminal state of a recovery run
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusEscalated Status = "escalated"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusPaused    Status = "paused"
)

// Outcome codes besides the decision codes
const (
	CodeResolved       = "resolved"
	CodeNotConflicted  = "not-conflicted"
	CodePreflight      = "preflight-failed"
	CodeCrossRepo      = "cross-repo"
	CodeMissingHeadRef = "missing-head-ref"
	CodePushDenied     = "push-denied"
	CodeLeaseHeld      = "lease-held"
	CodeCommentFailed  = "comment-write-failed"
	CodeDetectFailed   = "detect-failed"
	CodeThrottled      = "throttled"
	CodeLoopTrip       = "loop-trip"
	CodeWatchdog       = "watchdog"
	CodePaused         = "paused"
	CodeCanceled       = "canceled"
)

// Outcome is the structured result of Run. Terminal states are values, not
// errors, so the caller can always explain what happened.
type Outcome struct {
	Status    Status
	Code      string
	Reason    string
	Attempts  []Attempt
	SessionID string
}

// Request identifies the PR to recover and who is recovering it
type Request struct {
	Repo           string
	PRNumber       int
	IssueNumber    int
	TaskKey        string
	Holder         string // lease holder, see FormatWorkerID
	BotBranch      string
	SessionTimeout time.Duration
}

// Config bounds the engine
type Config struct {
	MaxAttempts  int
	LeaseTTL     time.Duration
	WaitTimeout  time.Duration
	WaitInterval time.Duration
	Verbose      bool
}

// Deps bundles the engine's collaborators
type Deps struct {
	PRs       PullRequests
	Comments  CommentStore
	Labels    Labels // optional
	Worktrees Worktrees
	Git       git.Runner
	Sessions  executor.SessionRunner
	Codec     Codec                                      // defaults to MarkerCodec
	Paused    func() bool                                // optional
	Now       func() time.Time                           // defaults to time.Now
	Sleep     func(context.Context, time.Duration) error // defaults to a timer
}

// Engine runs merge-conflict recovery
type Engine struct {
	deps Deps
	cfg  Config

	mu     sync.Mutex
	active map[string]bool
}

var errLeaseLost = errors.New("recovery lease held by another worker")

// NewEngine creates a recovery engine
func NewEngine(deps Deps, cfg Config) *Engine {
	if deps.Codec == nil {
		deps.Codec = MarkerCodec{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepContext
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Minute
	}
	if cfg.WaitInterval <= 0 {
		cfg.WaitInterval = 15 * time.Second
	}
	if cfg.WaitTimeout < cfg.WaitInterval {
		cfg.WaitTimeout = cfg.WaitInterval
	}
	return &Engine{deps: deps, cfg: cfg, active: make(map[string]bool)}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ActivePaths returns attempt worktrees currently in use, for the orphan sweep
func (e *Engine) ActivePaths() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.active))
	for p := range e.active {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) track(path string) {
	e.mu.Lock()
	e.active[path] = true
	e.mu.Unlock()
}

func (e *Engine) cleanup(ctx context.Context, path string) {
	ctx = context.WithoutCancel(ctx)
	bestEffort("remove attempt worktree", func() error { return e.deps.Worktrees.Remove(ctx, path) })
	e.mu.Lock()
	delete(e.active, path)
	e.mu.Unlock()
}

// bestEffort runs fn and logs a failure instead of returning it
func bestEffort(op string, fn func() error) {
	if err := fn(); err != nil {
		log.Printf("[merge-conflict] %s failed (ignored): %v", op, err)
	}
}

func (e *Engine) paused() bool {
	return e.deps.Paused != nil && e.deps.Paused()
}

// doc is the comment as last read or written by this run
type doc struct {
	commentID int64
	state     State
}

func (e *Engine) load(ctx context.Context, req Request) (doc, error) {
	c, err := e.deps.Comments.FindComment(ctx, req.Repo, req.PRNumber, e.deps.Codec.Marker())
	if err != nil {
		return doc{}, fmt.Errorf("reading recovery comment: %w", err)
	}
	if c == nil {
		return doc{state: EmptyState()}, nil
	}
	return doc{commentID: c.ID, state: e.deps.Codec.Decode(c.Body)}, nil
}

// commit re-reads the comment, refuses to write if another worker holds a
// live lease, applies mutate to the fresh state and writes the whole
// document back
func (e *Engine) commit(ctx context.Context, req Request, d *doc, headline, reason string, mutate func(*State)) error {
	fresh, err := e.load(ctx, req)
	if err != nil {
		return err
	}
	if fresh.state.Lease.HeldByOther(req.Holder, e.deps.Now()) {
		return fmt.Errorf("%w: %s", errLeaseLost, fresh.state.Lease.Holder)
	}
	if mutate != nil {
		mutate(&fresh.state)
	}
	body, err := e.deps.Codec.Encode(renderLines(headline, fresh.state, e.cfg.MaxAttempts, reason), fresh.state)
	if err != nil {
		return err
	}
	id, err := e.deps.Comments.UpsertComment(ctx, req.Repo, req.PRNumber, fresh.commentID, body)
	if err != nil {
		return fmt.Errorf("writing recovery comment: %w", err)
	}
	fresh.commentID = id
	*d = fresh
	return nil
}

func (e *Engine) result(d *doc, status Status, code, reason, sessionID string) Outcome {
	return Outcome{
		Status:    status,
		Code:      code,
		Reason:    reason,
		Attempts:  append([]Attempt(nil), d.state.Attempts...),
		SessionID: sessionID,
	}
}

// stop records a terminal state on the PR and releases our lease
func (e *Engine) stop(ctx context.Context, req Request, d *doc, status Status, code, reason, sessionID string) Outcome {
	headline := fmt.Sprintf("%s (%s)", status, code)
	err := e.commit(context.WithoutCancel(ctx), req, d, headline, reason, func(s *State) {
		if s.Lease != nil && s.Lease.Holder == req.Holder {
			s.Lease = nil
		}
	})
	if err != nil {
		log.Printf("[merge-conflict] %s#%d: could not record %s: %v", req.Repo, req.PRNumber, code, err)
	}
	return e.result(d, status, code, reason, sessionID)
}

// Run drives recovery for one PR until it succeeds, stops, or is handed
// back. Each pass appends at most one attempt and the decision gate stops
// at MaxAttempts, so the loop is bounded.
func (e *Engine) Run(ctx context.Context, req Request) Outcome {
	ctx, span := telemetry.StartRecoverySpan(ctx, telemetry.SpanRecoveryRun, req.Repo, req.PRNumber)
	defer span.End()

	out := e.run(ctx, req)

	telemetry.SetRecoveryOutcome(span, string(out.Status), out.Code)
	telemetry.RecordRecoveryRun(ctx, req.Repo, string(out.Status), out.Code)
	log.Printf("[merge-conflict] %s#%d: %s (%s) after %d attempt(s): %s",
		req.Repo, req.PRNumber, out.Status, out.Code, len(out.Attempts), out.Reason)
	return out
}

func (e *Engine) run(ctx context.Context, req Request) Outcome {
	var d doc
	var sessionID string

	for pass := 0; pass <= e.cfg.MaxAttempts; pass++ {
		if err := ctx.Err(); err != nil {
			return e.result(&d, StatusFailed, CodeCanceled, err.Error(), sessionID)
		}
		if e.paused() {
			return e.result(&d, StatusPaused, CodePaused, "daemon paused", sessionID)
		}

		// Preflight
		pr, err := e.deps.PRs.ViewPR(ctx, req.Repo, req.PRNumber)
		if err != nil {
			return e.result(&d, StatusFailed, CodePreflight, err.Error(), sessionID)
		}

		// Lease check
		d, err = e.load(ctx, req)
		if err != nil {
			return e.result(&d, StatusFailed, CodePreflight, err.Error(), sessionID)
		}
		now := e.deps.Now()
		if lease := d.state.Lease; lease.HeldByOther(req.Holder, now) {
			reason := fmt.Sprintf("lease held by %s until %s", lease.Holder, lease.ExpiresAt.UTC().Format(time.RFC3339))
			return e.result(&d, StatusSkipped, CodeLeaseHeld, reason, sessionID)
		}

		if pr.CrossRepository {
			return e.stop(ctx, req, &d, StatusEscalated, CodeCrossRepo, "head branch is in another repository", sessionID)
		}
		if pr.HeadRef == "" {
			return e.stop(ctx, req, &d, StatusEscalated, CodeMissingHeadRef, "pull request has no head ref", sessionID)
		}
		if pr.MergeState != MergeStateDirty && pr.MergeState != MergeStateUnknown && pr.MergeState != "" {
			return e.finishClean(ctx, req, &d, "pull request is "+pr.MergeState, sessionID)
		}

		if last := d.state.Last(); last != nil && last.Status == AttemptRunning {
			n := last.Attempt
			err := e.commit(ctx, req, &d, "recovering", fmt.Sprintf("attempt %d was interrupted", n), func(s *State) {
				if a := s.Find(n); a != nil {
					a.finish(AttemptFailed, FailureRuntime, now)
				}
			})
			if errors.Is(err, errLeaseLost) {
				return e.result(&d, StatusSkipped, CodeLeaseHeld, err.Error(), sessionID)
			}
			if err != nil {
				return e.result(&d, StatusFailed, CodeCommentFailed, err.Error(), sessionID)
			}
		}

		// Conflict detect
		n := nextAttemptNumber(d.state)
		path := e.deps.Worktrees.RecoveryWorktreePath(req.PRNumber, n)
		e.track(path)
		det, err := e.detect(ctx, path, pr)
		if err != nil {
			e.cleanup(ctx, path)
			if errors.Is(err, errPushDenied) {
				return e.stop(ctx, req, &d, StatusEscalated, CodePushDenied, err.Error(), sessionID)
			}
			return e.stop(ctx, req, &d, StatusFailed, CodeDetectFailed, err.Error(), sessionID)
		}
		if len(det.Paths) == 0 {
			e.cleanup(ctx, path)
			return e.finishClean(ctx, req, &d, "base merges cleanly into head", sessionID)
		}

		// Decision gate
		signature := BuildSignature(det.BaseSHA, det.HeadSHA, det.Paths)
		decision := ComputeDecision(d.state.Attempts, signature, e.cfg.MaxAttempts)
		if decision.Stop {
			e.cleanup(ctx, path)
			return e.stop(ctx, req, &d, StatusEscalated, decision.Code, decision.Reason, sessionID)
		}
		if decision.GraceRetry {
			log.Printf("[merge-conflict] %s#%d: %s", req.Repo, req.PRNumber, decision.Reason)
		}

		out, retry := e.attempt(ctx, req, &d, pr, det, signature, n, path)
		e.cleanup(ctx, path)
		if out.SessionID != "" {
			sessionID = out.SessionID
		}
		if !retry {
			return out
		}
	}

	return e.stop(ctx, req, &d, StatusEscalated, CodeAttemptsExhausted,
		fmt.Sprintf("%d of %d attempts used", len(d.state.Attempts), e.cfg.MaxAttempts), sessionID)
}

func nextAttemptNumber(s State) int {
	n := 0
	for _, a := range s.Attempts {
		if a.Attempt > n {
			n = a.Attempt
		}
	}
	return n + 1
}

// finishClean ends a run on a PR with nothing left to resolve
func (e *Engine) finishClean(ctx context.Context, req Request, d *doc, reason, sessionID string) Outcome {
	if d.commentID != 0 && d.state.Lease != nil && d.state.Lease.Holder == req.Holder {
		bestEffort("release lease", func() error {
			return e.commit(ctx, req, d, "no conflicts", reason, func(s *State) { s.Lease = nil })
		})
	}
	e.clearLabels(ctx, req)
	return e.result(d, StatusSucceeded, CodeNotConflicted, reason, sessionID)
}

func (e *Engine) clearLabels(ctx context.Context, req Request) {
	if e.deps.Labels == nil {
		return
	}
	bestEffort("clear labels", func() error {
		return e.deps.Labels.RemoveLabels(ctx, req.Repo, req.PRNumber, LabelInProgress)
	})
}

// attempt runs one recovery attempt. retry is true when the caller should
// go around the loop again.
func (e *Engine) attempt(ctx context.Context, req Request, d *doc, pr *PRState, det *detection, signature string, n int, path string) (out Outcome, retry bool) {
	ctx, span := telemetry.StartRecoverySpan(ctx, telemetry.SpanRecoveryAttempt, req.Repo, req.PRNumber,
		attribute.Int(telemetry.KeyRecoveryAttempt, n),
		attribute.String(telemetry.KeyRecoverySig, signature),
		attribute.Int(telemetry.KeyConflictCount, len(det.Paths)),
	)
	defer span.End()

	started := e.deps.Now()
	err := e.commit(ctx, req, d, fmt.Sprintf("attempt %d running", n), "", func(s *State) {
		s.Lease = &Lease{Holder: req.Holder, ExpiresAt: started.Add(e.cfg.LeaseTTL)}
		s.Attempts = append(s.Attempts, Attempt{
			Attempt:       n,
			Signature:     signature,
			StartedAt:     started,
			Status:        AttemptRunning,
			ConflictCount: len(det.Paths),
			ConflictPaths: samplePaths(det.Paths),
		})
		s.LastSignature = signature
	})
	if errors.Is(err, errLeaseLost) {
		return e.result(d, StatusSkipped, CodeLeaseHeld, err.Error(), ""), false
	}
	if err != nil {
		telemetry.RecordError(span, err, telemetry.ErrorTypeFromError(err), telemetry.ErrorCategoryGitHub)
		return e.result(d, StatusFailed, CodeCommentFailed, err.Error(), ""), false
	}

	if e.deps.Labels != nil {
		bestEffort("apply labels", func() error {
			return e.deps.Labels.AddLabels(ctx, req.Repo, req.PRNumber, LabelInProgress)
		})
	}

	prompt := buildPrompt(req, pr, det)
	res, err := e.deps.Sessions.Run(ctx, path, executor.ModeMergeConflict, prompt, executor.SessionOptions{Timeout: req.SessionTimeout})
	if err != nil {
		res = &executor.SessionResult{Error: err}
	}
	sessionID := res.SessionID

	finish := func(status AttemptStatus, class FailureClass, reason string, release bool) {
		telemetry.RecordRecoveryAttempt(ctx, req.Repo, string(status), e.deps.Now().Sub(started).Seconds())
		span.SetAttributes(attribute.String(telemetry.KeyFailureClass, string(class)))
		headline := fmt.Sprintf("attempt %d %s", n, status)
		err := e.commit(context.WithoutCancel(ctx), req, d, headline, reason, func(s *State) {
			if a := s.Find(n); a != nil {
				a.finish(status, class, e.deps.Now())
			}
			if release && s.Lease != nil && s.Lease.Holder == req.Holder {
				s.Lease = nil
			}
		})
		if err != nil {
			log.Printf("[merge-conflict] %s#%d: could not record attempt %d: %v", req.Repo, req.PRNumber, n, err)
		}
	}

	switch {
	case res.Paused:
		finish(AttemptFailed, FailureRuntime, "agent throttled", true)
		return e.result(d, StatusPaused, CodeThrottled, "agent hit a usage throttle", sessionID), false
	case res.LoopTrip:
		finish(AttemptFailed, FailureRuntime, "agent loop trip", true)
		return e.result(d, StatusFailed, CodeLoopTrip, errString(res.Error, "agent loop trip"), sessionID), false
	case res.WatchdogTimeout:
		finish(AttemptFailed, FailureRuntime, "agent watchdog timeout", true)
		return e.result(d, StatusFailed, CodeWatchdog, errString(res.Error, "agent watchdog timeout"), sessionID), false
	case !res.Success:
		reason := errString(res.Error, "agent session failed")
		if ctx.Err() != nil {
			finish(AttemptFailed, FailureRuntime, reason, true)
			return e.result(d, StatusFailed, CodeCanceled, ctx.Err().Error(), sessionID), false
		}
		finish(AttemptFailed, FailureRuntime, reason, false)
		return e.result(d, StatusFailed, "", reason, sessionID), true
	}

	resolved, class, reason := e.waitForRecovery(ctx, req, pr.HeadSHA)
	if resolved {
		finish(AttemptSucceeded, "", "pull request no longer conflicted", true)
		e.clearLabels(ctx, req)
		return e.result(d, StatusSucceeded, CodeResolved, fmt.Sprintf("resolved on attempt %d", n), sessionID), false
	}

	if ctx.Err() != nil {
		finish(AttemptFailed, FailureRuntime, reason, true)
		return e.result(d, StatusFailed, CodeCanceled, ctx.Err().Error(), sessionID), false
	}
	finish(AttemptFailed, class, reason, false)
	return e.result(d, StatusFailed, "", reason, sessionID), true
}

func errString(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	return err.Error()
}
