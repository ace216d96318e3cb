package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/3mdistal/ralph/pkg/telemetry"
)

// ClaudeSession runs agent sessions using the Claude Code CLI
type ClaudeSession struct {
	claudePath    string
	timeout       time.Duration
	watchdog      time.Duration
	loopThreshold int
	verbose       bool
}

// NewClaudeSession creates a Claude Code session runner. A zero watchdog
// disables inactivity detection.
func NewClaudeSession(claudePath string, timeout, watchdog time.Duration) *ClaudeSession {
	return &ClaudeSession{
		claudePath:    claudePath,
		timeout:       timeout,
		watchdog:      watchdog,
		loopThreshold: DefaultLoopThreshold,
	}
}

// SetVerbose enables or disables verbose logging
func (a *ClaudeSession) SetVerbose(v bool) {
	a.verbose = v
}

// SetLoopThreshold sets how many identical consecutive tool calls trip the
// loop detector
func (a *ClaudeSession) SetLoopThreshold(n int) {
	if n > 0 {
		a.loopThreshold = n
	}
}

// Run implements SessionRunner
func (a *ClaudeSession) Run(ctx context.Context, worktreePath string, mode Mode, prompt string, opts SessionOptions) (*SessionResult, error) {
	ctx, span := telemetry.StartTaskSpan(ctx, telemetry.SpanAgentSession,
		attribute.String(telemetry.KeyAgentMode, string(mode)),
		attribute.String(telemetry.KeyWorktreePath, worktreePath),
	)
	defer span.End()

	if worktreePath == "" {
		return nil, errors.New("agent session needs a worktree path")
	}

	timeout := a.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	var runCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	monitor := newStreamMonitor(a.loopThreshold, cancel)
	var stderr strings.Builder

	cmd := exec.CommandContext(runCtx, a.claudePath, a.buildArgs(prompt, opts)...)
	cmd.Dir = worktreePath
	cmd.WaitDelay = 2 * time.Second
	if a.verbose {
		cmd.Stdout = io.MultiWriter(os.Stdout, monitor)
		cmd.Stderr = io.MultiWriter(os.Stderr, &stderr)
		log.Printf("🤖 Starting %s session in %s (prompt %d chars)", mode, worktreePath, len(prompt))
	} else {
		cmd.Stdout = monitor
		cmd.Stderr = &stderr
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		telemetry.RecordError(span, err, "StartError", telemetry.ErrorCategoryAgent)
		return nil, fmt.Errorf("starting claude: %w", err)
	}

	var watchdogFired atomic.Bool
	done := make(chan struct{})
	if a.watchdog > 0 {
		go a.watch(monitor, &watchdogFired, cancel, done)
	}

	waitErr := cmd.Wait()
	close(done)
	monitor.flush()

	sessionID, text, sawResult, resultIsError, tripped, trippedOn := monitor.snapshot()
	result := &SessionResult{
		SessionID: sessionID,
		Output:    text + stderr.String(),
		Duration:  time.Since(start),
	}
	if result.SessionID == "" {
		result.SessionID = opts.SessionID
	}
	span.SetAttributes(attribute.String(telemetry.KeyAgentSessionID, result.SessionID))

	switch {
	case tripped:
		result.LoopTrip = true
		result.Error = fmt.Errorf("loop trip after %d repeats of %s", a.loopThreshold, truncateString(trippedOn, 120))
	case watchdogFired.Load():
		result.WatchdogTimeout = true
		result.Error = fmt.Errorf("no agent output for %v", a.watchdog)
	case isThrottled(result.Output):
		result.Paused = true
		result.Error = errors.New("agent usage throttled")
	case waitErr != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		result.Error = fmt.Errorf("claude timed out after %v", result.Duration.Round(time.Second))
	case waitErr != nil:
		result.Error = fmt.Errorf("claude failed after %v: %w", result.Duration.Round(time.Second), waitErr)
	case sawResult && resultIsError:
		result.Error = errors.New("claude reported an error result")
	default:
		result.Success = true
	}

	if result.Success {
		if a.verbose {
			log.Printf("✅ Claude session %s completed in %v", result.SessionID, result.Duration.Round(time.Second))
		}
	} else {
		category := telemetry.ErrorCategoryAgent
		if result.WatchdogTimeout {
			category = telemetry.ErrorCategoryTimeout
		}
		telemetry.RecordError(span, result.Error, "SessionError", category)
		if a.verbose {
			log.Printf("❌ Claude session failed: %v", result.Error)
		}
	}
	return result, nil
}

// watch cancels the session once output has been idle past the watchdog
func (a *ClaudeSession) watch(monitor *streamMonitor, fired *atomic.Bool, cancel context.CancelFunc, done <-chan struct{}) {
	interval := a.watchdog / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if time.Since(monitor.LastActivity()) > a.watchdog {
				fired.Store(true)
				cancel()
				return
			}
		}
	}
}

// buildArgs runs Claude in print mode with streamed JSON output.
// --dangerously-skip-permissions keeps it from hanging on permission prompts.
func (a *ClaudeSession) buildArgs(prompt string, opts SessionOptions) []string {
	args := []string{"-p", prompt, "--dangerously-skip-permissions", "--output-format", "stream-json", "--verbose"}
	if opts.SessionID != "" {
		args = append(args, "--resume", opts.SessionID)
	}
	return args
}

// CheckInstalled verifies Claude Code is available
func (a *ClaudeSession) CheckInstalled() error {
	cmd := exec.Command(a.claudePath, "--version")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("claude not found at %s: %w\n%s", a.claudePath, err, output)
	}
	return nil
}

// truncateString truncates a string to a maximum length for logging
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
