package main

import (
	"fmt"
	"sort"

	"github.com/3mdistal/ralph/internal/admission"
	"github.com/3mdistal/ralph/internal/config"
	"github.com/3mdistal/ralph/internal/db"
	"github.com/3mdistal/ralph/internal/events"
	"github.com/3mdistal/ralph/internal/executor"
	"github.com/3mdistal/ralph/internal/git"
	"github.com/3mdistal/ralph/internal/github"
	"github.com/3mdistal/ralph/internal/mergeconflict"
	"github.com/3mdistal/ralph/internal/worker"
	"github.com/3mdistal/ralph/internal/workflow"
)

// daemonRuntime is everything "ralph run" wires together
type daemonRuntime struct {
	daemon   *workflow.Daemon
	admitter *admission.Admitter
	pause    *workflow.PauseSwitch
	events   *events.Bus
	engines  []*mergeconflict.Engine
}

// activePaths lists attempt worktrees every recovery engine is using
func (rt *daemonRuntime) activePaths() []string {
	var out []string
	for _, e := range rt.engines {
		out = append(out, e.ActivePaths()...)
	}
	sort.Strings(out)
	return out
}

// newWorktreeManagers builds one manager per configured repo
func newWorktreeManagers(repos *config.ReposFile, runner git.Runner) map[string]*git.WorktreeManager {
	out := make(map[string]*git.WorktreeManager, len(repos.Repos))
	for _, rc := range repos.Repos {
		wm := git.NewWorktreeManager(rc.Name, rc.Path, cfg.WorktreesDir, rc.BotBranch, runner)
		wm.SetVerbose(cfg.Verbose)
		out[rc.Name] = wm
	}
	return out
}

func buildDaemon(store *db.Store, repos *config.ReposFile) (*daemonRuntime, error) {
	sessions, err := executor.NewSessionRunner(&executor.AgentConfig{
		Type:            "claude",
		Path:            cfg.AgentPath,
		Timeout:         cfg.SessionTimeout,
		WatchdogTimeout: cfg.WatchdogTimeout,
		Verbose:         cfg.Verbose,
	})
	if err != nil {
		return nil, fmt.Errorf("creating agent session runner: %w", err)
	}

	runner := git.ExecRunner{}
	gh := github.NewClient(runner, cfg.GHPath)
	rt := &daemonRuntime{
		pause:  workflow.NewPauseSwitch(cfg.PauseFile()),
		events: events.NewBus(),
	}

	rt.admitter = admission.NewAdmitter(admission.Options{
		GlobalMaxWorkers:  cfg.GlobalMaxWorkers,
		MaxWorkersForRepo: repos.MaxWorkersFor,
		DaemonID:          cfg.DaemonID,
		Queue:             store,
		Paused:            rt.pause.Paused,
	})

	guard := git.NewCreationGuard()
	managed := make(map[string]workflow.Repo, len(repos.Repos))
	for name, wm := range newWorktreeManagers(repos, runner) {
		rc, _ := repos.Lookup(name)
		engine := mergeconflict.NewEngine(mergeconflict.Deps{
			PRs:       gh,
			Comments:  gh,
			Labels:    gh,
			Worktrees: wm,
			Git:       runner,
			Sessions:  sessions,
			Paused:    rt.pause.Paused,
		}, mergeconflict.Config{
			MaxAttempts:  cfg.MergeConflictMaxAttempts,
			LeaseTTL:     cfg.MergeConflictLeaseTTL,
			WaitTimeout:  cfg.MergeConflictWaitTimeout,
			WaitInterval: cfg.MergeConflictWaitInterval,
			Verbose:      cfg.Verbose,
		})
		rt.engines = append(rt.engines, engine)

		managed[name] = workflow.Repo{
			Runner: worker.NewRepoWorker(worker.Options{
				Repo:           name,
				BaseBranch:     rc.BaseBranch,
				BotBranch:      rc.BotBranch,
				DaemonID:       cfg.DaemonID,
				SessionTimeout: cfg.SessionTimeout,
				Queue:          store,
				Escalations:    store,
				Worktrees:      wm,
				Sessions:       sessions,
				PRFinder:       gh,
				PRs:            gh,
				Recovery:       engine,
				RequeueBackoff: cfg.RequeueBackoff,
				Guard:          guard,
			}),
			Worktrees: wm,
		}
	}

	rt.daemon = workflow.NewDaemon(workflow.Options{
		Queue:                store,
		Escalations:          store,
		Admitter:             rt.admitter,
		Repos:                managed,
		Pause:                rt.pause,
		Events:               rt.events,
		ActivePaths:          rt.activePaths,
		Guard:                guard,
		OwnershipTTL:         cfg.OwnershipTTL,
		PollInterval:         cfg.PollInterval,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		OrphanSweepInterval:  cfg.OrphanSweepInterval,
		VaultMissingCooldown: cfg.VaultMissingCooldown,
		Verbose:              cfg.Verbose,
	})
	return rt, nil
}
