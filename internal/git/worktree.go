// Package git handles git worktree operations for parallel task execution
package git

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/3mdistal/ralph/internal/slots"
	"github.com/3mdistal/ralph/pkg/telemetry"
	"github.com/3mdistal/ralph/pkg/types"
)

// ErrUnsafeWorktreePath is returned for a worktree path that is the primary
// checkout or lies outside the managed tree. It is never retried.
var ErrUnsafeWorktreePath = errors.New("unsafe worktree path")

// RecoveryDirName holds per-PR merge-conflict attempt worktrees
const RecoveryDirName = "merge-conflict"

// WorktreeManager creates and manages git worktrees for one repository
type WorktreeManager struct {
	repo        string // owner/name
	baseDir     string // primary checkout
	worktreeDir string // <worktreesRoot>/<owner>/<name>
	botBranch   string // integration branch new worktrees start from
	runner      Runner
	verbose     bool
}

// NewWorktreeManager creates a worktree manager. Worktrees live under
// worktreesRoot/<owner>/<name>.
func NewWorktreeManager(repo, baseDir, worktreesRoot, botBranch string, runner Runner) *WorktreeManager {
	if runner == nil {
		runner = ExecRunner{}
	}
	owner, name, _ := strings.Cut(repo, "/")
	return &WorktreeManager{
		repo:        repo,
		baseDir:     canonical(baseDir),
		worktreeDir: canonical(filepath.Join(worktreesRoot, sanitizeSegment(owner), sanitizeSegment(name))),
		botBranch:   botBranch,
		runner:      runner,
	}
}

// SetVerbose enables or disables verbose logging
func (wm *WorktreeManager) SetVerbose(v bool) {
	wm.verbose = v
}

// Repo returns the owner/name this manager serves
func (wm *WorktreeManager) Repo() string { return wm.repo }

// RepoRoot returns the primary checkout path
func (wm *WorktreeManager) RepoRoot() string { return wm.baseDir }

// ManagedRoot returns the directory all worktrees for this repo live under
func (wm *WorktreeManager) ManagedRoot() string { return wm.worktreeDir }

// BotBranch returns the configured integration branch
func (wm *WorktreeManager) BotBranch() string { return wm.botBranch }

// Runner returns the command runner
func (wm *WorktreeManager) Runner() Runner { return wm.runner }

// TaskWorktreePath builds the deterministic path for a task in a slot:
// <managed>/slot-<slot>/<issue>/<task-slug>
func (wm *WorktreeManager) TaskWorktreePath(issueNumber int, taskKey string, slot int) string {
	return filepath.Join(wm.worktreeDir,
		slots.SlotDirPrefix+strconv.Itoa(slot),
		strconv.Itoa(issueNumber),
		TaskKeySlug(taskKey))
}

// RecoveryWorktreePath builds the path for one merge-conflict attempt:
// <managed>/merge-conflict/<pr>/attempt-<n>
func (wm *WorktreeManager) RecoveryWorktreePath(prNumber, attempt int) string {
	return filepath.Join(wm.worktreeDir, RecoveryDirName, strconv.Itoa(prNumber), "attempt-"+strconv.Itoa(attempt))
}

// TaskKeySlug turns a task key into a single path segment. The hash suffix
// keeps keys that sanitize to the same text apart.
func TaskKeySlug(taskKey string) string {
	sum := sha256.Sum256([]byte(taskKey))
	slug := sanitizeSegment(taskKey)
	if len(slug) > 48 {
		slug = slug[:48]
	}
	return slug + "-" + hex.EncodeToString(sum[:])[:8]
}

func sanitizeSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), "-.")
	if out == "" {
		out = "x"
	}
	return out
}

// canonical returns an absolute, cleaned path with symlinks resolved as far
// as the path exists.
func canonical(path string) string {
	if path == "" {
		return ""
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	dir, base := filepath.Split(abs)
	if dir == "" || dir == abs {
		return abs
	}
	return filepath.Join(canonical(filepath.Clean(dir)), base)
}

// ValidateManagedPath rejects the primary checkout and anything outside the
// managed tree.
func (wm *WorktreeManager) ValidateManagedPath(path string) error {
	p := canonical(path)
	if p == "" {
		return fmt.Errorf("%w: empty path", ErrUnsafeWorktreePath)
	}
	if p == wm.baseDir {
		return fmt.Errorf("%w: %s is the primary checkout of %s", ErrUnsafeWorktreePath, path, wm.repo)
	}
	if rel, err := filepath.Rel(p, wm.baseDir); err == nil && !strings.HasPrefix(rel, "..") {
		return fmt.Errorf("%w: %s contains the primary checkout of %s", ErrUnsafeWorktreePath, path, wm.repo)
	}
	if !wm.isManaged(p) {
		return fmt.Errorf("%w: %s is outside %s", ErrUnsafeWorktreePath, path, wm.worktreeDir)
	}
	return nil
}

// isManaged reports whether p is strictly inside the managed tree
func (wm *WorktreeManager) isManaged(p string) bool {
	rel, err := filepath.Rel(wm.worktreeDir, p)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Health is the three independent signals for a worktree path
type Health struct {
	Registered   bool
	Exists       bool
	HasGitMarker bool
}

// Healthy reports whether the path is usable as-is
func (h Health) Healthy() bool {
	return h.Registered && h.Exists && h.HasGitMarker
}

func (h Health) String() string {
	return fmt.Sprintf("registered=%v exists=%v git=%v", h.Registered, h.Exists, h.HasGitMarker)
}

// Inspect gathers the health signals for path
func (wm *WorktreeManager) Inspect(ctx context.Context, path string) (Health, error) {
	var h Health
	p := canonical(path)

	registered, err := wm.ListRegistered(ctx)
	if err != nil {
		return h, err
	}
	for _, r := range registered {
		if r == p {
			h.Registered = true
			break
		}
	}

	if info, err := os.Stat(p); err == nil && info.IsDir() {
		h.Exists = true
	}
	h.HasGitMarker = hasGitMarker(p)
	return h, nil
}

// IsHealthy reports whether path is a registered worktree with a .git marker
func (wm *WorktreeManager) IsHealthy(ctx context.Context, path string) bool {
	h, err := wm.Inspect(ctx, path)
	return err == nil && h.Healthy()
}

func hasGitMarker(path string) bool {
	_, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil
}

// ListRegistered returns every worktree path git knows about, including
// the primary checkout.
func (wm *WorktreeManager) ListRegistered(ctx context.Context) ([]string, error) {
	out, err := wm.runner.Run(ctx, wm.baseDir, "git", "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("listing worktrees: %w", err)
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if p, ok := strings.CutPrefix(line, "worktree "); ok {
			paths = append(paths, canonical(strings.TrimSpace(p)))
		}
	}
	return paths, nil
}

// EnsureGitWorktree makes path a usable detached worktree. A healthy path is
// left untouched. Any inconsistent state is torn down and recreated from the
// bot branch (or HEAD), with one retry after a forced cleanup.
func (wm *WorktreeManager) EnsureGitWorktree(ctx context.Context, path string) error {
	ctx, span := telemetry.StartWorktreeSpan(ctx, telemetry.SpanWorktreeEnsure, path)
	defer span.End()

	if err := wm.ValidateManagedPath(path); err != nil {
		telemetry.RecordError(span, err, "UnsafePath", telemetry.ErrorCategoryWorktree)
		return err
	}
	path = canonical(path)

	h, err := wm.Inspect(ctx, path)
	if err != nil {
		telemetry.RecordError(span, err, telemetry.ErrorTypeFromError(err), telemetry.ErrorCategoryGit)
		return fmt.Errorf("inspecting worktree %s: %w", path, err)
	}
	if h.Healthy() {
		telemetry.RecordWorktreeOp(ctx, "ensure", "reused")
		return nil
	}
	if h.Registered || h.Exists {
		log.Printf("[worktree] %s is inconsistent (%s), recreating", path, h)
		wm.teardown(ctx, path)
	}

	ref := wm.resolveRef(ctx)
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		if attempt > 1 {
			log.Printf("[worktree] retrying creation of %s after forced cleanup: %v", path, lastErr)
			wm.teardown(ctx, path)
		}
		lastErr = wm.add(ctx, path, ref)
		if lastErr == nil && !hasGitMarker(path) {
			lastErr = fmt.Errorf("worktree %s has no .git marker after add", path)
		}
		if lastErr == nil {
			if wm.verbose {
				log.Printf("[worktree] created %s at %s", path, ref)
			}
			telemetry.RecordWorktreeOp(ctx, "ensure", "created")
			return nil
		}
	}

	telemetry.RecordWorktreeOp(ctx, "ensure", "failed")
	telemetry.RecordError(span, lastErr, telemetry.ErrorTypeFromError(lastErr), telemetry.ErrorCategoryWorktree)
	return fmt.Errorf("creating worktree %s: %w", path, lastErr)
}

// Recreate tears path down and creates it fresh
func (wm *WorktreeManager) Recreate(ctx context.Context, path string) error {
	if err := wm.ValidateManagedPath(path); err != nil {
		return err
	}
	wm.teardown(ctx, canonical(path))
	return wm.EnsureGitWorktree(ctx, path)
}

func (wm *WorktreeManager) add(ctx context.Context, path, ref string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating worktree parent: %w", err)
	}
	_, err := wm.runner.Run(ctx, wm.baseDir, "git", "worktree", "add", "--detach", path, ref)
	return err
}

// resolveRef returns the bot branch if it resolves locally or on origin,
// else HEAD.
func (wm *WorktreeManager) resolveRef(ctx context.Context) string {
	if wm.botBranch == "" {
		return "HEAD"
	}
	for _, ref := range []string{"refs/heads/" + wm.botBranch, "refs/remotes/origin/" + wm.botBranch} {
		if _, err := wm.runner.Run(ctx, wm.baseDir, "git", "rev-parse", "--verify", "--quiet", ref); err == nil {
			return ref
		}
	}
	return "HEAD"
}

// teardown removes any registration and directory at path, ignoring errors
func (wm *WorktreeManager) teardown(ctx context.Context, path string) {
	// Step 1: git remove handles registered worktrees; unregistered paths
	// are expected to fail here
	if _, err := wm.runner.Run(ctx, wm.baseDir, "git", "worktree", "remove", "--force", path); err != nil && !IsNotWorkingTree(err) {
		log.Printf("[worktree] git worktree remove %s: %v", path, err)
	}

	// Step 2: unregistered directories
	if _, err := os.Stat(path); err == nil {
		_ = os.RemoveAll(path)
	}

	// Step 3: drop registrations whose directories are gone
	_, _ = wm.runner.Run(ctx, wm.baseDir, "git", "worktree", "prune") // Ignore errors
}

// Remove tears down a worktree inside the managed tree
func (wm *WorktreeManager) Remove(ctx context.Context, path string) error {
	if err := wm.ValidateManagedPath(path); err != nil {
		return err
	}
	wm.teardown(ctx, canonical(path))
	return nil
}

// ListWorktreesOnDisk returns directories at worktree depth under the
// managed tree: slot-N/<issue>/<task> and merge-conflict/<pr>/attempt-N.
func (wm *WorktreeManager) ListWorktreesOnDisk() ([]string, error) {
	var found []string
	level1, err := os.ReadDir(wm.worktreeDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", wm.worktreeDir, err)
	}
	for _, a := range level1 {
		if !a.IsDir() {
			continue
		}
		dirA := filepath.Join(wm.worktreeDir, a.Name())
		level2, err := os.ReadDir(dirA)
		if err != nil {
			continue
		}
		for _, b := range level2 {
			if !b.IsDir() {
				continue
			}
			dirB := filepath.Join(dirA, b.Name())
			level3, err := os.ReadDir(dirB)
			if err != nil {
				continue
			}
			for _, c := range level3 {
				if c.IsDir() {
					found = append(found, filepath.Join(dirB, c.Name()))
				}
			}
		}
	}
	return found, nil
}

// CleanupReport summarizes an orphan sweep
type CleanupReport struct {
	RemovedRegistered []string
	RemovedOnDisk     []string
}

// Total returns the number of removed worktrees
func (r CleanupReport) Total() int {
	return len(r.RemovedRegistered) + len(r.RemovedOnDisk)
}

// CleanupOrphanedWorktrees reconciles git registrations and on-disk
// directories against the referenced paths. Registered-but-unhealthy
// worktrees are removed through git; unreferenced directories are removed
// from disk. Only paths strictly inside the managed tree are touched.
// Failures are logged and never returned.
func (wm *WorktreeManager) CleanupOrphanedWorktrees(ctx context.Context, referenced map[string]bool) CleanupReport {
	ctx, span := telemetry.StartWorktreeSpan(ctx, telemetry.SpanWorktreeCleanup, wm.worktreeDir)
	defer span.End()

	var report CleanupReport
	refs := make(map[string]bool, len(referenced))
	for p, ok := range referenced {
		if ok {
			refs[canonical(p)] = true
		}
	}

	removed := make(map[string]bool)
	registered, err := wm.ListRegistered(ctx)
	if err != nil {
		log.Printf("[worktree] orphan sweep for %s: %v", wm.repo, err)
	}
	for _, p := range registered {
		if p == wm.baseDir || !wm.isManaged(p) || refs[p] {
			continue
		}
		if hasGitMarker(p) {
			continue
		}
		log.Printf("[worktree] removing unhealthy registered worktree %s", p)
		wm.teardown(ctx, p)
		removed[p] = true
		report.RemovedRegistered = append(report.RemovedRegistered, p)
	}

	onDisk, err := wm.ListWorktreesOnDisk()
	if err != nil {
		log.Printf("[worktree] orphan sweep for %s: %v", wm.repo, err)
	}
	for _, p := range onDisk {
		p = canonical(p)
		if p == wm.baseDir || refs[p] || removed[p] || !wm.isManaged(p) {
			continue
		}
		log.Printf("[worktree] removing orphaned worktree %s", p)
		wm.teardown(ctx, p)
		report.RemovedOnDisk = append(report.RemovedOnDisk, p)
	}

	wm.pruneEmptyDirs()
	telemetry.RecordWorktreeOp(ctx, "orphan-sweep", strconv.Itoa(report.Total()))
	return report
}

// CleanupWorktreesForTasks removes the recorded worktrees of tasks, skipping
// any path that fails validation. It returns how many were removed.
func (wm *WorktreeManager) CleanupWorktreesForTasks(ctx context.Context, tasks []*types.Task) int {
	count := 0
	for _, t := range tasks {
		if t == nil || t.WorktreePath == "" || t.Repo != wm.repo {
			continue
		}
		if err := wm.Remove(ctx, t.WorktreePath); err != nil {
			log.Printf("[worktree] not removing worktree for %s: %v", t.Path, err)
			continue
		}
		count++
	}
	if count > 0 {
		wm.pruneEmptyDirs()
	}
	return count
}

// pruneEmptyDirs removes empty intermediate directories, deepest first
func (wm *WorktreeManager) pruneEmptyDirs() {
	level1, err := os.ReadDir(wm.worktreeDir)
	if err != nil {
		return
	}
	for _, a := range level1 {
		if !a.IsDir() {
			continue
		}
		dirA := filepath.Join(wm.worktreeDir, a.Name())
		if level2, err := os.ReadDir(dirA); err == nil {
			for _, b := range level2 {
				if b.IsDir() {
					_ = os.Remove(filepath.Join(dirA, b.Name())) // only succeeds when empty
				}
			}
		}
		_ = os.Remove(dirA)
	}
}
