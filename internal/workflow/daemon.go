// Package workflow runs the daemon scheduling loop: it dispatches queued
// tasks through admission, resumes escalations, renews ownership and sweeps
// orphaned worktrees.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/3mdistal/ralph/internal/admission"
	"github.com/3mdistal/ralph/internal/escalation"
	"github.com/3mdistal/ralph/internal/events"
	"github.com/3mdistal/ralph/internal/git"
	"github.com/3mdistal/ralph/internal/queue"
	"github.com/3mdistal/ralph/internal/worker"
	"github.com/3mdistal/ralph/pkg/types"
)

// restartMessage is sent to an agent session that was running when the
// daemon stopped
const restartMessage = "The orchestrator restarted while you were working. Check the state of the worktree and continue the task."

// TaskRunner runs admitted tasks for one repo
type TaskRunner interface {
	StartTask(ctx context.Context, task *types.Task, slot int) (worker.Result, error)
	ResumeTask(ctx context.Context, task *types.Task, message string) error
}

// Sweeper reconciles a repo's worktrees
type Sweeper interface {
	CleanupOrphanedWorktrees(ctx context.Context, referenced map[string]bool) git.CleanupReport
	CleanupWorktreesForTasks(ctx context.Context, tasks []*types.Task) int
}

// Repo is one managed repository's runner and worktree sweeper
type Repo struct {
	Runner    TaskRunner
	Worktrees Sweeper
}

// Options configures a Daemon
type Options struct {
	Queue       queue.Backend
	Escalations queue.Escalations
	Admitter    *admission.Admitter
	Repos       map[string]Repo // keyed by owner/name
	Pause       *PauseSwitch
	Events      *events.Bus // optional

	// ActivePaths lists worktrees in use outside the task records, such as
	// merge-conflict attempt worktrees
	ActivePaths func() []string

	// Guard is shared with the workers creating task worktrees
	Guard *git.CreationGuard

	// OwnershipTTL is how long a claim outlives its last heartbeat
	OwnershipTTL time.Duration

	PollInterval         time.Duration
	HeartbeatInterval    time.Duration
	OrphanSweepInterval  time.Duration
	VaultMissingCooldown time.Duration

	Now     func() time.Time
	Verbose bool
}

// Daemon is the long-running scheduler
type Daemon struct {
	opts       Options
	scheduler  *escalation.Scheduler
	heartbeats *admission.Heartbeater

	kick      chan struct{}
	wg        sync.WaitGroup
	lastSweep time.Time
	mu        sync.Mutex
	pausedLog bool
}

// NewDaemon creates a daemon
func NewDaemon(opts Options) *Daemon {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.OrphanSweepInterval <= 0 {
		opts.OrphanSweepInterval = 10 * time.Minute
	}
	if opts.OwnershipTTL <= 0 {
		opts.OwnershipTTL = 2 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ActivePaths == nil {
		opts.ActivePaths = func() []string { return nil }
	}

	d := &Daemon{opts: opts, kick: make(chan struct{}, 1)}
	d.heartbeats = admission.NewHeartbeater(opts.Queue, opts.Admitter, opts.HeartbeatInterval)
	d.scheduler = escalation.NewScheduler(escalation.Options{
		Escalations:          opts.Escalations,
		Queue:                opts.Queue,
		Admitter:             opts.Admitter,
		Resumer:              escalation.ResumerFunc(d.resumeTask),
		VaultMissingCooldown: opts.VaultMissingCooldown,
		OnSettled:            d.Trigger,
		Now:                  opts.Now,
		Verbose:              opts.Verbose,
	})
	return d
}

// Trigger schedules a pass without waiting for the next tick
func (d *Daemon) Trigger() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run recovers in-progress work and then schedules until ctx is done. It
// waits for running tasks before returning.
func (d *Daemon) Run(ctx context.Context) error {
	log.Printf("🤖 Starting ralph as %s with %d repo(s)", d.opts.Admitter.DaemonID(), len(d.opts.Repos))

	go d.heartbeats.Run(ctx)

	if n, err := d.RecoverInProgress(ctx); err != nil {
		log.Printf("Error recovering in-progress tasks: %v", err)
	} else if n > 0 {
		log.Printf("🔄 Recovered %d in-progress task(s)", n)
	}
	d.Sweep(ctx)

	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	d.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Println("🛑 Context cancelled, waiting for running tasks...")
			d.Wait()
			return ctx.Err()
		case <-ticker.C:
			d.Tick(ctx)
		case <-d.kick:
			d.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass: stranded in-progress tasks, queued
// dispatch, escalation resumes and, when due, the orphan sweep
func (d *Daemon) Tick(ctx context.Context) {
	if !d.paused() {
		if n, err := d.recoverInProgress(ctx, false); err != nil {
			log.Printf("Error scanning in-progress tasks: %v", err)
		} else if n > 0 {
			log.Printf("🔄 Re-admitted %d stranded task(s)", n)
		}

		d.DispatchQueued(ctx)

		report, err := d.scheduler.RunOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("Error scanning escalations: %v", err)
		}
		if report.Started > 0 {
			log.Printf("▶️  Resuming %d escalated task(s)", report.Started)
		}
	}

	if d.opts.Now().Sub(d.lastSweep) >= d.opts.OrphanSweepInterval {
		d.Sweep(ctx)
	}
}

func (d *Daemon) paused() bool {
	paused := d.opts.Pause.Paused()
	d.mu.Lock()
	defer d.mu.Unlock()
	if paused != d.pausedLog {
		if paused {
			log.Println("⏸️  Paused: not admitting new work")
		} else {
			log.Println("▶️  Unpaused")
		}
		d.pausedLog = paused
		d.opts.Events.Publish(events.NewEvent(events.EventPauseChanged, "", "", map[string]any{"paused": paused}))
	}
	return paused
}

// DispatchQueued admits and starts queued tasks, highest priority first.
// Deferred tasks get a best-effort note and are retried next pass.
func (d *Daemon) DispatchQueued(ctx context.Context) int {
	tasks, err := d.opts.Queue.ListTasksByStatus(ctx, types.TaskStatusQueued)
	if err != nil {
		log.Printf("Error listing queued tasks: %v", err)
		return 0
	}

	started := 0
	now := d.opts.Now()
	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		if d.opts.Admitter.InFlight().Has(task.Path) || task.WaitingUntil(now) {
			continue
		}
		repo, ok := d.opts.Repos[task.Repo]
		if !ok {
			d.noteDeferred(ctx, task, "repo "+task.Repo+" is not configured")
			continue
		}
		ticket, err := d.opts.Admitter.TryAdmit(ctx, task)
		if err != nil {
			var deferred *admission.DeferredError
			if errors.As(err, &deferred) {
				d.noteDeferred(ctx, task, deferred.Reason)
				continue
			}
			log.Printf("Error admitting %s: %v", task.Path, err)
			continue
		}

		started++
		log.Printf("👷 Starting %s (%s) in slot %d", ticket.Task.Path, ticket.Task.IssueRef(), ticket.Slot)
		d.publish(events.EventTaskAdmitted, ticket.Task, map[string]any{"slot": ticket.Slot})
		d.spawn(ctx, ticket, func(ctx context.Context) {
			res, err := repo.Runner.StartTask(ctx, ticket.Task, ticket.Slot)
			d.publishFinished(ticket.Task, res, err)
			if err != nil {
				log.Printf("❌ Task %s failed: %v", ticket.Task.Path, err)
				return
			}
			log.Printf("🏁 Task %s finished %s: %s", ticket.Task.Path, res.Status, res.Reason)
		})
	}
	return started
}

func (d *Daemon) noteDeferred(ctx context.Context, task *types.Task, reason string) {
	note := "deferred: " + reason
	if task.LastError == note {
		return
	}
	_ = d.opts.Queue.NoteDeferred(ctx, task.Path, note) // Ignore errors
	if d.opts.Verbose {
		log.Printf("⏳ %s %s", task.Path, note)
	}
}

// RecoverInProgress re-admits tasks left in progress by a previous run. A
// task with a recorded session resumes it; others start again in their
// recorded worktree. Tasks another daemon still heartbeats are left alone
// and picked up by a later tick once that claim goes stale.
func (d *Daemon) RecoverInProgress(ctx context.Context) (int, error) {
	return d.recoverInProgress(ctx, true)
}

// recoverInProgress admits in-progress tasks nobody is running. After
// startup, a task this daemon still holds a fresh claim on is skipped: its
// run ended without settling it, and it is retried once the claim expires.
func (d *Daemon) recoverInProgress(ctx context.Context, startup bool) (int, error) {
	tasks, err := d.opts.Queue.ListTasksByStatus(ctx, types.TaskStatusInProgress)
	if err != nil {
		return 0, fmt.Errorf("listing in-progress tasks: %w", err)
	}

	recovered := 0
	now := d.opts.Now()
	self := d.opts.Admitter.DaemonID()
	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		repo, ok := d.opts.Repos[task.Repo]
		if !ok || d.opts.Admitter.InFlight().Has(task.Path) {
			continue
		}
		if !startup && task.DaemonID == self && task.HeartbeatAt != nil && now.Sub(*task.HeartbeatAt) < d.opts.OwnershipTTL {
			continue
		}
		ticket, err := d.opts.Admitter.TryAdmit(ctx, task)
		if err != nil {
			if d.opts.Verbose || !admission.IsDeferred(err) {
				log.Printf("Not recovering %s: %v", task.Path, err)
			}
			continue
		}

		recovered++
		d.publish(events.EventTaskRecovered, ticket.Task, map[string]any{"slot": ticket.Slot, "resume": ticket.Task.SessionID != ""})
		if ticket.Task.SessionID != "" {
			d.spawn(ctx, ticket, func(ctx context.Context) {
				if err := repo.Runner.ResumeTask(ctx, ticket.Task, restartMessage); err != nil {
					log.Printf("❌ Resuming %s after restart: %v", ticket.Task.Path, err)
				}
			})
			continue
		}
		d.spawn(ctx, ticket, func(ctx context.Context) {
			res, err := repo.Runner.StartTask(ctx, ticket.Task, ticket.Slot)
			d.publishFinished(ticket.Task, res, err)
			if err != nil {
				log.Printf("❌ Restarting %s: %v", ticket.Task.Path, err)
			}
		})
	}
	return recovered, nil
}

// spawn runs fn for an admitted ticket and always releases it
func (d *Daemon) spawn(ctx context.Context, ticket *admission.Ticket, fn func(context.Context)) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.Trigger()
		defer ticket.Release()
		fn(ctx)
	}()
}

// resumeTask routes an escalation resume to the task's repo
func (d *Daemon) resumeTask(ctx context.Context, task *types.Task, message string) error {
	repo, ok := d.opts.Repos[task.Repo]
	if !ok {
		return fmt.Errorf("repo %s is not configured", task.Repo)
	}
	err := repo.Runner.ResumeTask(ctx, task, message)
	data := map[string]any{"ok": err == nil}
	if err != nil {
		data["error"] = err.Error()
	}
	d.publish(events.EventEscalationResumed, task, data)
	return err
}

func (d *Daemon) publish(typ events.EventType, task *types.Task, data map[string]any) {
	d.opts.Events.Publish(events.NewEvent(typ, task.Path, task.Repo, data))
}

func (d *Daemon) publishFinished(task *types.Task, res worker.Result, err error) {
	data := map[string]any{"status": string(res.Status)}
	if res.Reason != "" {
		data["reason"] = res.Reason
	}
	if res.PRNumber > 0 {
		data["pr"] = res.PRNumber
	}
	if err != nil {
		data["error"] = err.Error()
	}
	d.publish(events.EventTaskFinished, task, data)
}

// Sweep removes orphaned worktrees in every repo. Anything recorded on a
// task that is not done, or in use by recovery, is kept. Worktrees still
// recorded on done tasks are removed.
func (d *Daemon) Sweep(ctx context.Context) int {
	endSweep := d.opts.Guard.BeginSweep()
	defer endSweep()
	d.lastSweep = d.opts.Now()

	all, err := d.opts.Queue.ListTasksByStatus(ctx)
	if err != nil {
		log.Printf("Error listing tasks for sweep: %v", err)
		return 0
	}
	referenced := make(map[string]bool)
	var done []*types.Task
	for _, t := range all {
		if t.WorktreePath == "" {
			continue
		}
		if t.Status == types.TaskStatusDone {
			done = append(done, t)
			continue
		}
		referenced[t.WorktreePath] = true
	}
	for _, p := range d.opts.ActivePaths() {
		referenced[p] = true
	}

	removed := 0
	for _, name := range d.repoNames() {
		wt := d.opts.Repos[name].Worktrees
		if wt == nil {
			continue
		}
		removed += wt.CleanupWorktreesForTasks(ctx, done)
		removed += wt.CleanupOrphanedWorktrees(ctx, referenced).Total()
	}
	if removed > 0 {
		log.Printf("🧹 Removed %d stale worktree(s)", removed)
		d.opts.Events.Publish(events.NewEvent(events.EventWorktreesSwept, "", "", map[string]any{"removed": removed}))
	}
	return removed
}

func (d *Daemon) repoNames() []string {
	names := make([]string, 0, len(d.opts.Repos))
	for name := range d.opts.Repos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Wait blocks until every spawned task and escalation resume has settled
func (d *Daemon) Wait() {
	d.wg.Wait()
	d.scheduler.Wait()
}

// Snapshot is a point-in-time view of the daemon for status reporting
type Snapshot struct {
	DaemonID string                   `json:"daemon_id"`
	Paused   bool                     `json:"paused"`
	Global   admission.RepoUsage      `json:"global"`
	Repos    []admission.RepoUsage    `json:"repos"`
	InFlight []string                 `json:"in_flight"`
	Tasks    map[types.TaskStatus]int `json:"tasks"`
	Pending  int                      `json:"pending_escalations"`
}

// Snapshot reports permits, in-flight tasks and queue counts
func (d *Daemon) Snapshot(ctx context.Context) (Snapshot, error) {
	global, repos := d.opts.Admitter.Usage()
	snap := Snapshot{
		DaemonID: d.opts.Admitter.DaemonID(),
		Paused:   d.opts.Pause.Paused(),
		Global:   global,
		Repos:    repos,
		InFlight: d.opts.Admitter.InFlight().Keys(),
		Tasks:    make(map[types.TaskStatus]int),
	}
	tasks, err := d.opts.Queue.ListTasksByStatus(ctx)
	if err != nil {
		return snap, fmt.Errorf("listing tasks: %w", err)
	}
	for _, t := range tasks {
		snap.Tasks[t.Status]++
	}
	if d.opts.Escalations != nil {
		pending, err := d.opts.Escalations.ListEscalationsByStatus(ctx, types.EscalationPending)
		if err != nil {
			return snap, fmt.Errorf("listing escalations: %w", err)
		}
		snap.Pending = len(pending)
	}
	return snap, nil
}
