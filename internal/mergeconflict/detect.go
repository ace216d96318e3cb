package mergeconflict

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/3mdistal/ralph/internal/git"
	"github.com/3mdistal/ralph/pkg/telemetry"
)

var errPushDenied = errors.New("push to head branch denied")

// detection is what a test merge of base into head found
type detection struct {
	BaseSHA string
	HeadSHA string
	Paths   []string
}

// detect prepares the attempt worktree at the PR head and test-merges the
// base branch without committing
func (e *Engine) detect(ctx context.Context, path string, pr *PRState) (*detection, error) {
	if err := e.deps.Worktrees.EnsureGitWorktree(ctx, path); err != nil {
		return nil, fmt.Errorf("preparing attempt worktree: %w", err)
	}

	run := func(args ...string) (string, error) {
		return e.deps.Git.Run(ctx, path, "git", args...)
	}
	headRemote := "refs/remotes/origin/" + pr.HeadRef
	baseRemote := "refs/remotes/origin/" + pr.BaseRef

	// An attempt worktree left by a crashed run can be mid-merge or dirty
	_, _ = run("merge", "--abort") // Ignore errors
	if _, err := run("reset", "--hard"); err != nil {
		return nil, fmt.Errorf("resetting attempt worktree: %w", err)
	}
	if _, err := run("clean", "-fd"); err != nil {
		return nil, fmt.Errorf("cleaning attempt worktree: %w", err)
	}

	if _, err := run("fetch", "origin",
		"+refs/heads/"+pr.HeadRef+":"+headRemote,
		"+refs/heads/"+pr.BaseRef+":"+baseRemote); err != nil {
		return nil, fmt.Errorf("fetching head and base: %w", err)
	}
	if _, err := run("checkout", "--detach", headRemote); err != nil {
		return nil, fmt.Errorf("checking out head: %w", err)
	}
	if _, err := run("push", "--dry-run", "origin", "HEAD:refs/heads/"+pr.HeadRef); err != nil {
		if git.IsPushDenied(err) {
			return nil, fmt.Errorf("%w: %v", errPushDenied, err)
		}
		return nil, fmt.Errorf("dry-run push: %w", err)
	}

	headSHA, err := run("rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("resolving head: %w", err)
	}
	baseSHA, err := run("rev-parse", baseRemote)
	if err != nil {
		return nil, fmt.Errorf("resolving base: %w", err)
	}

	// A conflicted merge exits non-zero; the unmerged paths tell us why
	_, mergeErr := run("merge", "--no-commit", "--no-ff", baseRemote)
	out, diffErr := run("diff", "--name-only", "--diff-filter=U")
	_, _ = run("merge", "--abort") // Ignore errors
	if diffErr != nil {
		return nil, fmt.Errorf("listing conflicts: %w", diffErr)
	}

	paths := NormalizePaths(strings.Split(out, "\n"))
	if mergeErr != nil && len(paths) == 0 {
		return nil, fmt.Errorf("test merge: %w", mergeErr)
	}
	return &detection{
		BaseSHA: strings.TrimSpace(baseSHA),
		HeadSHA: strings.TrimSpace(headSHA),
		Paths:   paths,
	}, nil
}

// waitForRecovery polls the PR until it shows a new head with a known merge
// state and reported checks, or the wait times out. It returns the failure
// class to record when the PR is not resolved.
func (e *Engine) waitForRecovery(ctx context.Context, req Request, previousHead string) (bool, FailureClass, string) {
	ctx, span := telemetry.StartRecoverySpan(ctx, telemetry.SpanRecoveryWait, req.Repo, req.PRNumber)
	defer span.End()

	deadline := e.deps.Now().Add(e.cfg.WaitTimeout)
	lastDirty := false
	for {
		pr, err := e.deps.PRs.ViewPR(ctx, req.Repo, req.PRNumber)
		if err != nil {
			log.Printf("[merge-conflict] %s#%d: polling PR: %v", req.Repo, req.PRNumber, err)
		} else {
			lastDirty = pr.MergeState == MergeStateDirty
			known := pr.MergeState != "" && pr.MergeState != MergeStateUnknown
			if pr.HeadSHA != previousHead && known {
				if lastDirty {
					return false, FailureMergeContent, "pull request still conflicted after new head " + shortSHA(pr.HeadSHA)
				}
				if !pr.ChecksPending {
					return true, "", ""
				}
			}
			if e.cfg.Verbose {
				log.Printf("[merge-conflict] %s#%d: waiting (state %s, head %s, checks pending %v)",
					req.Repo, req.PRNumber, pr.MergeState, shortSHA(pr.HeadSHA), pr.ChecksPending)
			}
		}

		if !e.deps.Now().Before(deadline) {
			break
		}
		if err := e.deps.Sleep(ctx, e.cfg.WaitInterval); err != nil {
			return false, FailureRuntime, "wait interrupted: " + err.Error()
		}
	}

	class := FailureRuntime
	if lastDirty {
		class = FailureMergeContent
	}
	return false, class, fmt.Sprintf("timed out after %v waiting for the pull request to update", e.cfg.WaitTimeout.Round(time.Second))
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

// buildPrompt describes the recovery job to the agent
func buildPrompt(req Request, pr *PRState, det *detection) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Pull request #%d in %s has merge conflicts with its base branch.\n\n", req.PRNumber, req.Repo)
	fmt.Fprintf(&b, "Head branch: %s (%s)\n", pr.HeadRef, shortSHA(det.HeadSHA))
	fmt.Fprintf(&b, "Base branch: origin/%s (%s)\n", pr.BaseRef, shortSHA(det.BaseSHA))
	if req.BotBranch != "" {
		fmt.Fprintf(&b, "Bot integration branch: %s\n", req.BotBranch)
	}
	if req.IssueNumber > 0 {
		fmt.Fprintf(&b, "Linked issue: #%d\n", req.IssueNumber)
	}
	fmt.Fprintf(&b, "\nConflicting files (%d):\n", len(det.Paths))
	for _, p := range det.Paths {
		fmt.Fprintf(&b, "- %s\n", p)
	}
	b.WriteString("\nThe working tree is detached at the PR head. Merge origin/")
	b.WriteString(pr.BaseRef)
	b.WriteString(" into it, resolve every conflict keeping the intent of both sides, run the relevant tests, commit the merge, and push with:\n\n")
	fmt.Fprintf(&b, "    git push origin HEAD:refs/heads/%s\n\n", pr.HeadRef)
	b.WriteString("Do not rebase or force-push. Do not open a new pull request.")
	return b.String()
}
