// Package executor runs AI agent sessions in a worktree
package executor

import (
	"context"
	"fmt"
	"time"
)

// Mode selects how a session is started
type Mode string

const (
	ModeStart         Mode = "start"
	ModeResume        Mode = "resume"
	ModeMergeConflict Mode = "merge-conflict"
)

// SessionOptions tune a single agent run
type SessionOptions struct {
	// SessionID resumes an earlier session when set
	SessionID string

	// Timeout overrides the runner's default session timeout
	Timeout time.Duration
}

// SessionResult describes how an agent session ended. A session that could
// not be started at all is reported as an error instead.
type SessionResult struct {
	Success         bool
	SessionID       string
	Output          string
	LoopTrip        bool // the agent repeated the same tool call until tripped
	WatchdogTimeout bool // no output for longer than the watchdog allows
	Paused          bool // the agent hit a hard usage throttle
	Duration        time.Duration
	Error           error
}

// SessionRunner is the interface agent implementations satisfy
type SessionRunner interface {
	Run(ctx context.Context, worktreePath string, mode Mode, prompt string, opts SessionOptions) (*SessionResult, error)
}

// AgentConfig contains configuration for creating a session runner
type AgentConfig struct {
	// Type is the agent type; only "claude" is supported
	Type string

	// Path is the path to the agent binary
	Path string

	// Timeout is the maximum duration of one session
	Timeout time.Duration

	// WatchdogTimeout is the longest the agent may go without output
	WatchdogTimeout time.Duration

	// Verbose streams agent output to the daemon's stdout
	Verbose bool
}

// NewSessionRunner creates a SessionRunner from configuration
func NewSessionRunner(cfg *AgentConfig) (SessionRunner, error) {
	switch cfg.Type {
	case "", "claude":
		agent := NewClaudeSession(cfg.Path, cfg.Timeout, cfg.WatchdogTimeout)
		agent.SetVerbose(cfg.Verbose)
		return agent, nil
	default:
		return nil, fmt.Errorf("unsupported agent type %q", cfg.Type)
	}
}
