package admission

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/3mdistal/ralph/internal/queue"
	"github.com/3mdistal/ralph/internal/slots"
	"github.com/3mdistal/ralph/pkg/telemetry"
	"github.com/3mdistal/ralph/pkg/types"
)

// Deferral reasons
const (
	ReasonPaused      = "daemon paused"
	ReasonGlobalLimit = "global concurrency limit reached"
	ReasonRepoLimit   = "repo concurrency limit reached"
	ReasonInFlight    = "already in flight"
	ReasonNoSlot      = "no free slot"
)

// DeferredError reports that admission did not happen this tick. It is not
// a failure: the caller notes it on the task and retries next scan.
type DeferredError struct {
	Reason string
}

func (e *DeferredError) Error() string {
	return "admission deferred: " + e.Reason
}

// IsDeferred reports whether err is a deferral
func IsDeferred(err error) bool {
	var d *DeferredError
	return errors.As(err, &d)
}

// Options configures an Admitter
type Options struct {
	GlobalMaxWorkers  int
	MaxWorkersForRepo func(repo string) int
	DaemonID          string
	Queue             queue.Backend
	Slots             *slots.Manager
	InFlight          *InFlight
	Now               func() time.Time
	Paused            func() bool
}

// Admitter runs the one admission protocol shared by fresh dispatch and
// escalation resume: global permit, repo permit, in-flight mark, claim, slot.
type Admitter struct {
	global     *Semaphore
	mu         sync.Mutex
	repoSems   map[string]*Semaphore
	maxWorkers func(string) int
	inflight   *InFlight
	slots      *slots.Manager
	queue      queue.Backend
	daemonID   string
	now        func() time.Time
	paused     func() bool
}

// NewAdmitter creates an Admitter
func NewAdmitter(opts Options) *Admitter {
	if opts.MaxWorkersForRepo == nil {
		opts.MaxWorkersForRepo = func(string) int { return 1 }
	}
	if opts.InFlight == nil {
		opts.InFlight = NewInFlight()
	}
	if opts.Slots == nil {
		opts.Slots = slots.NewManager(opts.MaxWorkersForRepo)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Paused == nil {
		opts.Paused = func() bool { return false }
	}
	return &Admitter{
		global:     NewSemaphore(opts.GlobalMaxWorkers),
		repoSems:   make(map[string]*Semaphore),
		maxWorkers: opts.MaxWorkersForRepo,
		inflight:   opts.InFlight,
		slots:      opts.Slots,
		queue:      opts.Queue,
		daemonID:   opts.DaemonID,
		now:        opts.Now,
		paused:     opts.Paused,
	}
}

// DaemonID returns the identity claims are made under
func (a *Admitter) DaemonID() string { return a.daemonID }

// InFlight exposes the in-flight registry
func (a *Admitter) InFlight() *InFlight { return a.inflight }

// Slots exposes the slot manager
func (a *Admitter) Slots() *slots.Manager { return a.slots }

func (a *Admitter) repoSemaphore(repo string) *Semaphore {
	a.mu.Lock()
	defer a.mu.Unlock()
	sem, ok := a.repoSems[repo]
	if !ok {
		sem = NewSemaphore(a.maxWorkers(repo))
		a.repoSems[repo] = sem
	}
	return sem
}

// Ticket holds everything an admitted task took. Release returns it all in
// reverse order; calling Release more than once is harmless.
type Ticket struct {
	Task *types.Task
	Slot int

	once     sync.Once
	releases []func()
}

// Release frees the slot, in-flight mark, repo permit and global permit
func (t *Ticket) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		for i := len(t.releases) - 1; i >= 0; i-- {
			t.releases[i]()
		}
	})
}

// TryAdmit attempts to admit task without blocking. On deferral it returns
// a *DeferredError and holds nothing.
func (a *Admitter) TryAdmit(ctx context.Context, task *types.Task) (ticket *Ticket, err error) {
	ctx, span := telemetry.StartTaskSpan(ctx, telemetry.SpanAdmit,
		telemetry.TaskAttrs(task.Path, task.Repo, task.IssueNumber, string(task.Status))...)
	defer span.End()

	var releases []func()
	defer func() {
		if ticket != nil {
			telemetry.RecordAdmission(ctx, task.Repo, "admitted")
			span.SetAttributes(attribute.String(telemetry.KeyAdmitOutcome, "admitted"), attribute.Int(telemetry.KeySlot, ticket.Slot))
			return
		}
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
		outcome := "error"
		var deferred *DeferredError
		if errors.As(err, &deferred) {
			outcome = "deferred"
			span.SetAttributes(attribute.String(telemetry.KeyDeferReason, deferred.Reason))
		} else {
			telemetry.RecordError(span, err, telemetry.ErrorTypeFromError(err), telemetry.ErrorCategoryDatabase)
		}
		span.SetAttributes(attribute.String(telemetry.KeyAdmitOutcome, outcome))
		telemetry.RecordAdmission(ctx, task.Repo, outcome)
	}()

	if a.paused() {
		return nil, &DeferredError{Reason: ReasonPaused}
	}

	releaseGlobal := a.global.TryAcquire()
	if releaseGlobal == nil {
		return nil, &DeferredError{Reason: ReasonGlobalLimit}
	}
	releases = append(releases, releaseGlobal)

	releaseRepo := a.repoSemaphore(task.Repo).TryAcquire()
	if releaseRepo == nil {
		return nil, &DeferredError{Reason: ReasonRepoLimit}
	}
	releases = append(releases, releaseRepo)

	if !a.inflight.TryAdd(task.Path) {
		return nil, &DeferredError{Reason: ReasonInFlight}
	}
	releases = append(releases, func() { a.inflight.Remove(task.Path) })

	claim, err := a.queue.TryClaimTask(ctx, task, a.daemonID, a.now())
	if err != nil {
		return nil, fmt.Errorf("claiming %s: %w", task.Path, err)
	}
	if !claim.Claimed {
		return nil, &DeferredError{Reason: "claim rejected: " + claim.Reason}
	}
	claimed := claim.Task
	if claimed == nil {
		claimed = task
	}

	slot, ok := a.reserveSlot(claimed)
	if !ok {
		a.unclaim(ctx, claimed)
		return nil, &DeferredError{Reason: ReasonNoSlot}
	}
	releases = append(releases, func() { a.slots.ReleaseSlot(claimed.Repo, claimed.Path) })

	return &Ticket{Task: claimed, Slot: slot, releases: releases}, nil
}

// unclaim drops the ownership a deferred admission took. Best-effort: a
// leftover claim expires with its heartbeat.
func (a *Admitter) unclaim(ctx context.Context, task *types.Task) {
	err := a.queue.UpdateTaskStatus(ctx, task, task.Status, types.TaskPatch{ClearOwner: true})
	if err != nil {
		log.Printf("[admission] releasing claim on %s: %v", task.Path, err)
	}
}

// reserveSlot re-derives the slot from a recorded worktree path when there is
// one, else takes the lowest free slot.
func (a *Admitter) reserveSlot(task *types.Task) (int, bool) {
	if task.WorktreePath != "" {
		if slot, ok := slots.ParseSlot(task.WorktreePath); ok {
			if a.slots.Adopt(task.Repo, task.Path, slot) {
				return slot, true
			}
			log.Printf("[admission] recorded slot %d for %s is unavailable, reserving a fresh one", slot, task.Path)
		}
	}
	return a.slots.ReserveSlotForTask(task.Repo, task.Path)
}

// Stats reports outstanding permits keyed by "global" and repo name
func (a *Admitter) Stats() map[string]int64 {
	out := map[string]int64{"global": int64(a.global.InUse())}
	a.mu.Lock()
	defer a.mu.Unlock()
	for repo, sem := range a.repoSems {
		out[repo] = int64(sem.InUse())
	}
	return out
}

// RepoUsage is a point-in-time view of one repo's permits
type RepoUsage struct {
	Repo     string `json:"repo"`
	InUse    int    `json:"in_use"`
	Capacity int    `json:"capacity"`
}

// Usage returns global and per-repo permit usage, repos sorted by name
func (a *Admitter) Usage() (global RepoUsage, repos []RepoUsage) {
	global = RepoUsage{Repo: "global", InUse: a.global.InUse(), Capacity: a.global.Capacity()}
	a.mu.Lock()
	for repo, sem := range a.repoSems {
		repos = append(repos, RepoUsage{Repo: repo, InUse: sem.InUse(), Capacity: sem.Capacity()})
	}
	a.mu.Unlock()
	sort.Slice(repos, func(i, j int) bool { return repos[i].Repo < repos[j].Repo })
	return global, repos
}
