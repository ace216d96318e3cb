// Package main is the entry point for the ralph CLI
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/3mdistal/ralph/internal/config"
	"github.com/3mdistal/ralph/internal/db"
)

var cfg *config.Config

func main() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:   "ralph",
		Short: "Dispatch GitHub issues to AI agents across many repositories",
		Long: `Ralph is a daemon that works a queue of GitHub issues with Claude agent
sessions, one task per isolated git worktree, across many repositories at once.
Pull requests that fall into merge conflict are recovered automatically; anything
it cannot finish is escalated to a human and resumed once resolved.`,
		Version: "0.1.0",
	}
	rootCmd.PersistentFlags().BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "Enable verbose logging")

	rootCmd.AddCommand(
		runCmd(),
		statusCmd(),
		taskCmd(),
		escalationCmd(),
		worktreeCmd(),
		repoCmd(),
		pauseCmd(),
		unpauseCmd(),
		eventsCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openStore opens the queue database and ensures its schema
func openStore() (*db.Store, error) {
	store, err := db.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := store.InitSchema(); err != nil {
		store.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	store.SetOwnershipTTL(cfg.OwnershipTTL)
	return store, nil
}

// loadRepos reads the repos file and requires at least one repo
func loadRepos() (*config.ReposFile, error) {
	repos, err := config.LoadRepos(cfg.ReposFile)
	if err != nil {
		return nil, err
	}
	if len(repos.Repos) == 0 {
		return nil, fmt.Errorf("no repos configured in %s (add one with 'ralph repo add')", cfg.ReposFile)
	}
	return repos, nil
}
