package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes a command in a working directory and returns stdout.
// A non-zero exit is returned as a *CommandError.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) (string, error)
}

// ExecRunner runs commands with os/exec
type ExecRunner struct {
	// Env is appended to the inherited environment
	Env []string
}

// Run implements Runner
func (r ExecRunner) Run(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), &CommandError{
			Name:   name,
			Args:   args,
			Dir:    dir,
			Stdout: stdout.String(),
			Stderr: stderr.String(),
			Err:    err,
		}
	}
	return stdout.String(), nil
}

// CommandError carries the output of a failed command
type CommandError struct {
	Name   string
	Args   []string
	Dir    string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(e.Stdout)
	}
	return fmt.Sprintf("%s %s failed: %v: %s", e.Name, strings.Join(e.Args, " "), e.Err, msg)
}

func (e *CommandError) Unwrap() error { return e.Err }

var pushDeniedPatterns = []string{
	"permission to",
	"permission denied",
	"denied to",
	"403",
	"protected branch",
	"you are not allowed to push",
	"remote rejected",
	"could not read from remote repository",
}

var notWorkingTreePatterns = []string{
	"is not a working tree",
	"not a worktree",
	"not a git repository",
	"no such file or directory",
}

// IsPushDenied reports whether err looks like a rejected push
func IsPushDenied(err error) bool {
	return matchesAny(err, pushDeniedPatterns)
}

// IsNotWorkingTree reports whether err says the path is not a worktree
func IsNotWorkingTree(err error) bool {
	return matchesAny(err, notWorkingTreePatterns)
}

func matchesAny(err error, patterns []string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
