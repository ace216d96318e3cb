// Package escalation resumes tasks once a human has resolved their escalation
package escalation

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/3mdistal/ralph/internal/admission"
	"github.com/3mdistal/ralph/internal/queue"
	"github.com/3mdistal/ralph/pkg/telemetry"
	"github.com/3mdistal/ralph/pkg/types"
)

// Resumer continues a task with the human's resolution text
type Resumer interface {
	ResumeTask(ctx context.Context, task *types.Task, message string) error
}

// ResumerFunc adapts a function to Resumer
type ResumerFunc func(ctx context.Context, task *types.Task, message string) error

// ResumeTask implements Resumer
func (f ResumerFunc) ResumeTask(ctx context.Context, task *types.Task, message string) error {
	return f(ctx, task, message)
}

// Options configures a Scheduler
type Options struct {
	Escalations queue.Escalations
	Queue       queue.Backend
	Admitter    *admission.Admitter
	Resumer     Resumer

	// VaultMissingCooldown is how long to wait before looking up a task that
	// was missing. Values under a second are raised to one second.
	VaultMissingCooldown time.Duration

	// OnSettled runs after each resume finishes and its ticket is released
	OnSettled func()

	Now     func() time.Time
	Verbose bool
}

// Report summarizes one RunOnce pass
type Report struct {
	Started  int
	Skipped  int
	Deferred int
	Invalid  int
}

// Scheduler resumes resolved escalations through the normal admission path
type Scheduler struct {
	opts Options

	mu       sync.Mutex
	cooldown map[string]time.Time // escalation id -> next lookup
	wg       sync.WaitGroup
}

// NewScheduler creates a Scheduler
func NewScheduler(opts Options) *Scheduler {
	if opts.VaultMissingCooldown < time.Second {
		opts.VaultMissingCooldown = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{opts: opts, cooldown: make(map[string]time.Time)}
}

// RunOnce starts a resume for every resolved escalation that can be admitted
// now. Resumes run in their own goroutines; use Wait to drain them.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	resolved, err := s.opts.Escalations.ListEscalationsByStatus(ctx, types.EscalationResolved)
	if err != nil {
		return report, err
	}

	for _, esc := range resolved {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		now := s.opts.Now()

		if esc.TaskPath == "" || strings.TrimSpace(esc.Resolution) == "" {
			report.Invalid++
			msg := "escalation has no task path or resolution"
			log.Printf("[escalation] %s: %s", esc.ID, msg)
			if err := s.opts.Escalations.MarkEscalationResumeFailed(ctx, esc.ID, now, msg); err != nil {
				log.Printf("[escalation] %s: recording invalid escalation: %v", esc.ID, err)
			}
			continue
		}
		if s.cooling(esc.ID, now) {
			report.Skipped++
			continue
		}
		if esc.RecheckAfter != nil && now.Before(*esc.RecheckAfter) {
			report.Skipped++
			continue
		}

		task, err := s.opts.Queue.GetTaskByPath(ctx, esc.TaskPath)
		if errors.Is(err, queue.ErrTaskNotFound) {
			until := now.Add(s.opts.VaultMissingCooldown)
			s.mu.Lock()
			s.cooldown[esc.ID] = until
			s.mu.Unlock()
			report.Skipped++
			log.Printf("[escalation] %s: task %s not found, retrying after %s", esc.ID, esc.TaskPath, until.Format(time.RFC3339))
			continue
		}
		if err != nil {
			report.Skipped++
			log.Printf("[escalation] %s: loading task %s: %v", esc.ID, esc.TaskPath, err)
			continue
		}
		s.clearCooldown(esc.ID)

		ticket, err := s.opts.Admitter.TryAdmit(ctx, task)
		if err != nil {
			var deferred *admission.DeferredError
			if errors.As(err, &deferred) {
				report.Deferred++
				if s.opts.Verbose {
					log.Printf("[escalation] %s: resume of %s deferred: %s", esc.ID, task.Path, deferred.Reason)
				}
				continue
			}
			report.Skipped++
			log.Printf("[escalation] %s: admitting %s: %v", esc.ID, task.Path, err)
			continue
		}

		report.Started++
		s.wg.Add(1)
		go s.resume(ctx, esc, ticket)
	}
	return report, nil
}

// resume runs one admitted resume and records how it went
func (s *Scheduler) resume(ctx context.Context, esc *types.Escalation, ticket *admission.Ticket) {
	defer s.wg.Done()
	defer func() {
		ticket.Release()
		if s.opts.OnSettled != nil {
			s.opts.OnSettled()
		}
	}()

	ctx, span := telemetry.StartTaskSpan(ctx, telemetry.SpanEscalationResume,
		telemetry.TaskAttrs(ticket.Task.Path, ticket.Task.Repo, ticket.Task.IssueNumber, string(ticket.Task.Status))...)
	defer span.End()
	span.SetAttributes(attribute.String(telemetry.KeyEscalationID, esc.ID))

	log.Printf("▶️  [escalation] resuming %s for %s", ticket.Task.Path, esc.ID)
	err := s.opts.Resumer.ResumeTask(ctx, ticket.Task, esc.Resolution)

	// Record the result even if the daemon is shutting down
	ctx = context.WithoutCancel(ctx)
	now := s.opts.Now()
	if err != nil {
		telemetry.RecordError(span, err, telemetry.ErrorTypeFromError(err), telemetry.ErrorCategoryAgent)
		telemetry.RecordEscalationResume(ctx, ticket.Task.Repo, "failed")
		log.Printf("❌ [escalation] resume of %s failed: %v", ticket.Task.Path, err)
		if markErr := s.opts.Escalations.MarkEscalationResumeFailed(ctx, esc.ID, now, err.Error()); markErr != nil {
			log.Printf("[escalation] %s: recording failure: %v", esc.ID, markErr)
		}
		return
	}
	telemetry.RecordEscalationResume(ctx, ticket.Task.Repo, "resumed")
	if markErr := s.opts.Escalations.MarkEscalationResumed(ctx, esc.ID, now); markErr != nil {
		log.Printf("[escalation] %s: recording resume: %v", esc.ID, markErr)
	}
}

func (s *Scheduler) cooling(id string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.cooldown[id]
	return ok && now.Before(until)
}

func (s *Scheduler) clearCooldown(id string) {
	s.mu.Lock()
	delete(s.cooldown, id)
	s.mu.Unlock()
}

// Wait blocks until every started resume has settled
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
