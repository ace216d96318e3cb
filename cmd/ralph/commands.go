package main

import (
	"context"
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/3mdistal/ralph/internal/config"
	"github.com/3mdistal/ralph/internal/db"
	"github.com/3mdistal/ralph/internal/events"
	"github.com/3mdistal/ralph/internal/git"
	"github.com/3mdistal/ralph/internal/github"
	"github.com/3mdistal/ralph/internal/statusapi"
	"github.com/3mdistal/ralph/pkg/telemetry"
	"github.com/3mdistal/ralph/pkg/types"
)

func runCmd() *cobra.Command {
	var workers int
	var statusAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the dispatch daemon",
		Long: `Run the dispatch daemon until interrupted.

The daemon admits queued tasks within the global and per-repo worker limits,
recovers in-progress work left by a previous run, resumes resolved escalations,
and periodically removes orphaned worktrees. Create the pause file
(see 'ralph pause') to stop admitting new work without stopping the daemon.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if workers > 0 {
				cfg.GlobalMaxWorkers = workers
			}
			if cmd.Flags().Changed("status-addr") {
				cfg.StatusAddr = statusAddr
			}

			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			repos, err := loadRepos()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := github.NewClient(nil, cfg.GHPath).CheckInstalled(ctx); err != nil {
				fmt.Printf("⚠️  %v\n", err)
			}

			rt, err := buildDaemon(store, repos)
			if err != nil {
				return err
			}

			metrics, err := telemetry.InitMeterProvider(ctx, "ralph")
			if err != nil {
				return fmt.Errorf("initializing metrics: %w", err)
			}
			if err := telemetry.InitMetrics(ctx); err != nil {
				return fmt.Errorf("creating metric instruments: %w", err)
			}
			telemetry.ObservePermits(rt.admitter.Stats)

			// Handle interrupt signals - only process the first one
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigCh
				fmt.Println("\n🛑 Interrupt received, finishing running tasks...")
				cancel()
				signal.Stop(sigCh)
			}()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				defer rt.events.Close()
				if err := rt.daemon.Run(gctx); !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})

			if cfg.StatusAddr != "" {
				server := statusapi.New(statusapi.Options{
					Addr:        cfg.StatusAddr,
					Status:      rt.daemon,
					Escalations: store,
					Pause:       rt.pause,
					Events:      rt.events,
					Metrics:     metrics,
					Verbose:     cfg.Verbose,
				})
				g.Go(func() error {
					if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return fmt.Errorf("status server: %w", err)
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
					defer done()
					_ = server.Shutdown(shutdownCtx) // Ignore errors
					return nil
				})
			}

			err = g.Wait()
			if err == nil {
				fmt.Println("✅ Stopped")
			}
			return err
		},
	}

	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Global maximum concurrent tasks")
	cmd.Flags().StringVar(&statusAddr, "status-addr", "", "Status server listen address (empty disables)")
	return cmd
}

func statusCmd() *cobra.Command {
	var jsonOut bool

	command := &cobra.Command{
		Use:   "status",
		Short: "Show queue counts and pending escalations",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			counts, err := store.CountByStatus(ctx)
			if err != nil {
				return err
			}
			pending, err := store.ListEscalationsByStatus(ctx, types.EscalationPending)
			if err != nil {
				return err
			}

			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]interface{}{
					"tasks":       counts,
					"escalations": pending,
					"paused":      pauseFileExists(),
				})
			}

			printStatus(counts, pending)
			return nil
		},
	}

	command.Flags().BoolVar(&jsonOut, "json", false, "Print JSON")
	return command
}

func printStatus(counts db.StatusCounts, pending []*types.Escalation) {
	total := 0
	for _, n := range counts {
		total += n
	}

	fmt.Println("\n📊 Ralph Status")
	fmt.Println("════════════════")
	fmt.Printf("\nTotal:       %d\n", total)
	fmt.Printf("Queued:      %d\n", counts[types.TaskStatusQueued])
	fmt.Printf("In progress: %d\n", counts[types.TaskStatusInProgress])
	fmt.Printf("Blocked:     %d\n", counts[types.TaskStatusBlocked])
	fmt.Printf("Escalated:   %d\n", counts[types.TaskStatusEscalated])
	fmt.Printf("Done:        %d\n", counts[types.TaskStatusDone])
	if pauseFileExists() {
		fmt.Println("\n⏸️  Paused")
	}

	if len(pending) == 0 {
		return
	}
	fmt.Printf("\n⚠️  %d escalation(s) waiting for a human:\n", len(pending))
	for _, e := range pending {
		fmt.Printf("  %s  %s#%d  %s\n", e.ID, e.Repo, e.IssueNumber, e.Reason)
	}
}

func taskCmd() *cobra.Command {
	command := &cobra.Command{
		Use:   "task",
		Short: "Manage queued tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	command.AddCommand(taskAddCmd(), taskListCmd(), taskRetryCmd())
	return command
}

func taskAddCmd() *cobra.Command {
	var (
		repo     string
		issue    int
		path     string
		prompt   string
		priority int
	)

	command := &cobra.Command{
		Use:   "add <title>",
		Short: "Queue a task for a GitHub issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repos, err := config.LoadRepos(cfg.ReposFile)
			if err != nil {
				return err
			}
			if _, ok := repos.Lookup(repo); !ok {
				return fmt.Errorf("repo %s is not configured", repo)
			}
			if issue < 1 {
				return fmt.Errorf("--issue is required")
			}
			if path == "" {
				path = fmt.Sprintf("%s/issues/%d", repo, issue)
			}

			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			task := &types.Task{
				Path:        path,
				Repo:        repo,
				IssueNumber: issue,
				Title:       args[0],
				Prompt:      prompt,
				Priority:    priority,
			}
			if err := store.CreateTask(cmd.Context(), task); err != nil {
				return err
			}
			fmt.Printf("✅ Queued %s (%s)\n", task.Path, task.IssueRef())
			return nil
		},
	}

	command.Flags().StringVarP(&repo, "repo", "r", "", "Repository (owner/name)")
	command.Flags().IntVarP(&issue, "issue", "i", 0, "Issue number")
	command.Flags().StringVar(&path, "path", "", "Task key (defaults to <repo>/issues/<issue>)")
	command.Flags().StringVar(&prompt, "prompt", "", "Extra instructions for the agent")
	command.Flags().IntVarP(&priority, "priority", "p", 0, "Task priority (higher = more urgent)")
	_ = command.MarkFlagRequired("repo")
	return command
}

func taskListCmd() *cobra.Command {
	var status string

	command := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			var statuses []types.TaskStatus
			if status != "" {
				st := types.TaskStatus(status)
				if !st.Valid() {
					return fmt.Errorf("unknown status %q", status)
				}
				statuses = append(statuses, st)
			}
			tasks, err := store.ListTasksByStatus(cmd.Context(), statuses...)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Println("No tasks")
				return nil
			}
			for _, t := range tasks {
				fmt.Printf("%-12s %-40s %s  %s\n", t.Status, t.Path, t.IssueRef(), t.Title)
				if t.LastError != "" {
					fmt.Printf("             └─ %s\n", t.LastError)
				}
			}
			return nil
		},
	}

	command.Flags().StringVarP(&status, "status", "s", "", "Only tasks with this status")
	return command
}

func taskRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <path>",
		Short: "Requeue a blocked task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			task, err := store.GetTaskByPath(ctx, args[0])
			if err != nil {
				return err
			}
			if task.Status != types.TaskStatusBlocked {
				return fmt.Errorf("%s is %s, only blocked tasks can be retried", task.Path, task.Status)
			}
			if err := store.UpdateTaskStatus(ctx, task, types.TaskStatusQueued, types.TaskPatch{
				ClearOwner: true,
				LastError:  types.String(""),
				NotBefore:  &time.Time{},
			}); err != nil {
				return err
			}
			fmt.Printf("✅ Requeued %s\n", task.Path)
			return nil
		},
	}
}

func escalationCmd() *cobra.Command {
	command := &cobra.Command{
		Use:   "escalation",
		Short: "Review and resolve escalations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	command.AddCommand(escalationListCmd(), escalationResolveCmd())
	return command
}

func escalationListCmd() *cobra.Command {
	var status string

	command := &cobra.Command{
		Use:   "list",
		Short: "List escalations",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			list, err := store.ListEscalationsByStatus(cmd.Context(), types.EscalationStatus(status))
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No escalations")
				return nil
			}
			for _, e := range list {
				fmt.Printf("%s  %-13s %s#%d  %s\n", e.ID, e.Status, e.Repo, e.IssueNumber, e.Reason)
				if e.ResumeError != "" {
					fmt.Printf("    └─ resume failed: %s\n", e.ResumeError)
				}
			}
			return nil
		},
	}

	command.Flags().StringVarP(&status, "status", "s", string(types.EscalationPending), "Status to list (empty lists all)")
	return command
}

func escalationResolveCmd() *cobra.Command {
	var recheckAfter time.Duration

	command := &cobra.Command{
		Use:   "resolve <id> <resolution...>",
		Short: "Resolve an escalation so the daemon resumes its task",
		Long: `Resolve an escalation with guidance for the agent.

The daemon resumes the task's session with the resolution text as its next
message. Use --recheck-after to hold the resume back for a while.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			var recheck *time.Time
			if recheckAfter > 0 {
				at := time.Now().Add(recheckAfter)
				recheck = &at
			}
			resolution := strings.Join(args[1:], " ")
			if err := store.ResolveEscalation(cmd.Context(), args[0], resolution, recheck); err != nil {
				return err
			}
			fmt.Printf("✅ Resolved %s\n", args[0])
			return nil
		},
	}

	command.Flags().DurationVar(&recheckAfter, "recheck-after", 0, "Delay before the daemon resumes the task")
	return command
}

func worktreeCmd() *cobra.Command {
	command := &cobra.Command{
		Use:   "worktree",
		Short: "Inspect and clean managed worktrees",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	command.AddCommand(worktreeListCmd(), worktreeCleanupCmd())
	return command
}

// referencedWorktrees returns worktree paths recorded on tasks that are not done
func referencedWorktrees(ctx context.Context, store *db.Store) (map[string]bool, []*types.Task, error) {
	tasks, err := store.ListTasksByStatus(ctx)
	if err != nil {
		return nil, nil, err
	}
	referenced := make(map[string]bool)
	var done []*types.Task
	for _, t := range tasks {
		if t.WorktreePath == "" {
			continue
		}
		if t.Status == types.TaskStatusDone {
			done = append(done, t)
			continue
		}
		referenced[t.WorktreePath] = true
	}
	return referenced, done, nil
}

func worktreeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List managed worktrees on disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			repos, err := loadRepos()
			if err != nil {
				return err
			}
			referenced, _, err := referencedWorktrees(cmd.Context(), store)
			if err != nil {
				return err
			}

			managers := newWorktreeManagers(repos, git.ExecRunner{})
			names := make([]string, 0, len(managers))
			for name := range managers {
				names = append(names, name)
			}
			sort.Strings(names)

			for _, name := range names {
				wm := managers[name]
				onDisk, err := wm.ListWorktreesOnDisk()
				if err != nil {
					return fmt.Errorf("listing %s: %w", name, err)
				}
				fmt.Printf("\n%s (%s)\n", name, wm.ManagedRoot())
				if len(onDisk) == 0 {
					fmt.Println("  (none)")
				}
				for _, p := range onDisk {
					mark := "orphan"
					if referenced[p] {
						mark = "in use"
					}
					health := "unhealthy"
					if wm.IsHealthy(cmd.Context(), p) {
						health = "healthy"
					}
					rel, _ := filepath.Rel(wm.ManagedRoot(), p)
					fmt.Printf("  %-50s %-7s %s\n", rel, mark, health)
				}
			}
			return nil
		},
	}
}

func worktreeCleanupCmd() *cobra.Command {
	var force bool

	command := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove worktrees no task references",
		Long: `Remove worktrees that no unfinished task references, plus any still
recorded on done tasks.

A running daemon may be using merge-conflict attempt worktrees that no task
records. Cleanup refuses to run while the status server answers unless
--force is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force && daemonReachable() {
				return fmt.Errorf("a daemon is answering on %s; stop it or use --force", cfg.StatusAddr)
			}

			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			repos, err := loadRepos()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			referenced, done, err := referencedWorktrees(ctx, store)
			if err != nil {
				return err
			}

			removed := 0
			for name, wm := range newWorktreeManagers(repos, git.ExecRunner{}) {
				n := wm.CleanupWorktreesForTasks(ctx, done)
				report := wm.CleanupOrphanedWorktrees(ctx, referenced)
				n += report.Total()
				if n > 0 {
					fmt.Printf("🧹 %s: removed %d worktree(s)\n", name, n)
				}
				removed += n
			}
			fmt.Printf("\n✅ Removed %d worktree(s)\n", removed)
			return nil
		},
	}

	command.Flags().BoolVarP(&force, "force", "f", false, "Run even if a daemon appears to be running")
	return command
}

// daemonReachable reports whether the status server answers /healthz
func daemonReachable() bool {
	if cfg.StatusAddr == "" {
		return false
	}
	client := &http.Client{Timeout: time.Second}
	resp, err := client.Get("http://" + cfg.StatusAddr + "/healthz")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func repoCmd() *cobra.Command {
	command := &cobra.Command{
		Use:   "repo",
		Short: "Manage the repositories ralph works on",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	command.AddCommand(repoAddCmd(), repoListCmd())
	return command
}

func repoAddCmd() *cobra.Command {
	var rc config.RepoConfig

	command := &cobra.Command{
		Use:   "add <owner/name> <path>",
		Short: "Add a repository",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			repos, err := config.LoadRepos(cfg.ReposFile)
			if err != nil {
				return err
			}
			rc.Name = args[0]
			if rc.Path, err = filepath.Abs(args[1]); err != nil {
				return err
			}
			if rc.BaseBranch == "" {
				rc.BaseBranch = "main"
			}
			repos.Repos = append(repos.Repos, rc)
			if err := repos.Validate(); err != nil {
				return err
			}
			if err := repos.Save(); err != nil {
				return err
			}
			fmt.Printf("✅ Added %s (%s)\n", rc.Name, rc.Path)
			return nil
		},
	}

	command.Flags().StringVar(&rc.BotBranch, "bot-branch", "", "Integration branch new worktrees start from")
	command.Flags().StringVar(&rc.BaseBranch, "base-branch", "main", "Pull request base branch")
	command.Flags().IntVar(&rc.MaxWorkers, "max-workers", 1, "Concurrent tasks for this repo")
	return command
}

func repoListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			repos, err := config.LoadRepos(cfg.ReposFile)
			if err != nil {
				return err
			}
			if len(repos.Repos) == 0 {
				fmt.Println("No repos configured")
				return nil
			}
			for _, r := range repos.Repos {
				fmt.Printf("%-30s max %d  base %-10s %s\n", r.Name, r.MaxWorkers, r.BaseBranch, r.Path)
			}
			return nil
		},
	}
}

func pauseFileExists() bool {
	_, err := os.Stat(cfg.PauseFile())
	return err == nil
}

func pauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Stop admitting new work",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(filepath.Dir(cfg.PauseFile()), 0755); err != nil {
				return err
			}
			if err := os.WriteFile(cfg.PauseFile(), []byte(time.Now().Format(time.RFC3339)+"\n"), 0644); err != nil {
				return fmt.Errorf("writing pause file: %w", err)
			}
			fmt.Println("⏸️  Paused: running tasks finish, nothing new starts")
			return nil
		},
	}
}

func unpauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unpause",
		Short: "Resume admitting new work",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.Remove(cfg.PauseFile()); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("removing pause file: %w", err)
			}
			fmt.Println("▶️  Unpaused")
			return nil
		},
	}
}

func eventsCmd() *cobra.Command {
	var (
		repo       string
		task       string
		eventTypes []string
		jsonOut    bool
	)

	command := &cobra.Command{
		Use:   "events",
		Short: "Follow lifecycle events from the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.StatusAddr == "" {
				return fmt.Errorf("status server is disabled (RALPH_STATUS_ADDR is empty)")
			}
			q := url.Values{}
			if repo != "" {
				q.Set("repo", repo)
			}
			if task != "" {
				q.Set("task", task)
			}
			for _, t := range eventTypes {
				q.Add("type", t)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, "GET", "http://"+cfg.StatusAddr+"/events?"+q.Encode(), nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("connecting to daemon: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("daemon returned %s", resp.Status)
			}

			scanner := bufio.NewScanner(resp.Body)
			for scanner.Scan() {
				if jsonOut {
					fmt.Println(scanner.Text())
					continue
				}
				var ev events.Event
				if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
					continue
				}
				fmt.Println(events.FormatEventCompact(&ev))
			}
			if ctx.Err() != nil {
				return nil
			}
			return scanner.Err()
		},
	}

	command.Flags().StringVarP(&repo, "repo", "r", "", "Only events for this repo")
	command.Flags().StringVar(&task, "task", "", "Only events for this task path")
	command.Flags().StringSliceVarP(&eventTypes, "type", "t", nil, "Only these event types")
	command.Flags().BoolVar(&jsonOut, "json", false, "Print raw JSON lines")
	return command
}
