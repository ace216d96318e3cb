// Package config handles Ralph configuration
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds Ralph daemon configuration
type Config struct {
	// Database (queue backend) location
	DatabasePath string

	// State directory (pause file, logs)
	StateDir string

	// Admission settings
	GlobalMaxWorkers  int
	PollInterval      time.Duration
	OwnershipTTL      time.Duration
	HeartbeatInterval time.Duration
	DaemonID          string

	// Worktree settings
	WorktreesDir        string
	OrphanSweepInterval time.Duration

	// Merge-conflict recovery settings
	MergeConflictMaxAttempts  int
	MergeConflictLeaseTTL     time.Duration
	MergeConflictWaitTimeout  time.Duration
	MergeConflictWaitInterval time.Duration

	// Escalation settings
	VaultMissingCooldown time.Duration

	// Delay before a requeued task is dispatched again
	RequeueBackoff time.Duration

	// Agent settings
	AgentPath       string
	SessionTimeout  time.Duration
	WatchdogTimeout time.Duration

	// GitHub CLI binary
	GHPath string

	// Status API listen address; empty disables the server
	StatusAddr string

	// Path to the TOML file declaring managed repos
	ReposFile string

	// Verbose mode for debugging
	Verbose bool
}

// Load loads configuration from environment and defaults
func Load() (*Config, error) {
	home := ralphHome()
	cfg := &Config{
		DatabasePath:              filepath.Join(home, "ralph.db"),
		StateDir:                  home,
		GlobalMaxWorkers:          4,
		PollInterval:              5 * time.Second,
		OwnershipTTL:              2 * time.Minute,
		HeartbeatInterval:         30 * time.Second,
		WorktreesDir:              filepath.Join(home, "worktrees"),
		OrphanSweepInterval:       10 * time.Minute,
		MergeConflictMaxAttempts:  3,
		MergeConflictLeaseTTL:     90 * time.Minute,
		MergeConflictWaitTimeout:  10 * time.Minute,
		MergeConflictWaitInterval: 15 * time.Second,
		VaultMissingCooldown:      time.Minute,
		RequeueBackoff:            5 * time.Minute,
		AgentPath:                 "claude",
		SessionTimeout:            60 * time.Minute,
		WatchdogTimeout:           10 * time.Minute,
		GHPath:                    "gh",
		StatusAddr:                "127.0.0.1:8787",
		ReposFile:                 filepath.Join(home, "repos.toml"),
	}

	// Environment overrides
	if v := os.Getenv("RALPH_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("RALPH_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("RALPH_GLOBAL_MAX_WORKERS"); v != "" {
		cfg.GlobalMaxWorkers = parseIntOrDefault(v, 4)
	}
	if v := os.Getenv("RALPH_POLL_INTERVAL"); v != "" {
		cfg.PollInterval = parseDurationOrDefault(v, 5*time.Second)
	}
	if v := os.Getenv("RALPH_OWNERSHIP_TTL"); v != "" {
		cfg.OwnershipTTL = parseDurationOrDefault(v, 2*time.Minute)
	}
	if v := os.Getenv("RALPH_HEARTBEAT_INTERVAL"); v != "" {
		cfg.HeartbeatInterval = parseDurationOrDefault(v, 30*time.Second)
	}
	if v := os.Getenv("RALPH_WORKTREES_DIR"); v != "" {
		cfg.WorktreesDir = v
	}
	if v := os.Getenv("RALPH_ORPHAN_SWEEP_INTERVAL"); v != "" {
		cfg.OrphanSweepInterval = parseDurationOrDefault(v, 10*time.Minute)
	}
	if v := os.Getenv("RALPH_MERGE_CONFLICT_MAX_ATTEMPTS"); v != "" {
		cfg.MergeConflictMaxAttempts = parseIntOrDefault(v, 3)
	}
	if v := os.Getenv("RALPH_MERGE_CONFLICT_LEASE_TTL"); v != "" {
		cfg.MergeConflictLeaseTTL = parseDurationOrDefault(v, 90*time.Minute)
	}
	if v := os.Getenv("RALPH_MERGE_CONFLICT_WAIT_TIMEOUT"); v != "" {
		cfg.MergeConflictWaitTimeout = parseDurationOrDefault(v, 10*time.Minute)
	}
	if v := os.Getenv("RALPH_MERGE_CONFLICT_WAIT_INTERVAL"); v != "" {
		cfg.MergeConflictWaitInterval = parseDurationOrDefault(v, 15*time.Second)
	}
	if v := os.Getenv("RALPH_VAULT_MISSING_COOLDOWN"); v != "" {
		cfg.VaultMissingCooldown = parseDurationOrDefault(v, time.Minute)
	}
	if v := os.Getenv("RALPH_REQUEUE_BACKOFF"); v != "" {
		cfg.RequeueBackoff = parseDurationOrDefault(v, 5*time.Minute)
	}
	if v := os.Getenv("RALPH_AGENT_PATH"); v != "" {
		cfg.AgentPath = v
	}
	if v := os.Getenv("RALPH_SESSION_TIMEOUT"); v != "" {
		cfg.SessionTimeout = parseDurationOrDefault(v, 60*time.Minute)
	}
	if v := os.Getenv("RALPH_WATCHDOG_TIMEOUT"); v != "" {
		cfg.WatchdogTimeout = parseDurationOrDefault(v, 10*time.Minute)
	}
	if v := os.Getenv("RALPH_GH_PATH"); v != "" {
		cfg.GHPath = v
	}
	if v, ok := os.LookupEnv("RALPH_STATUS_ADDR"); ok {
		cfg.StatusAddr = v
	}
	if v := os.Getenv("RALPH_REPOS_FILE"); v != "" {
		cfg.ReposFile = v
	}
	if v := os.Getenv("RALPH_VERBOSE"); v != "" {
		cfg.Verbose = v == "true" || v == "1"
	}

	cfg.DaemonID = os.Getenv("RALPH_DAEMON_ID")
	if cfg.DaemonID == "" {
		id, err := LoadDaemonID(cfg.DaemonIDFile())
		if err != nil {
			return nil, fmt.Errorf("loading daemon id: %w", err)
		}
		cfg.DaemonID = id
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges
func (c *Config) Validate() error {
	if c.GlobalMaxWorkers < 1 {
		return fmt.Errorf("global max workers must be at least 1")
	}
	if c.MergeConflictMaxAttempts < 1 {
		return fmt.Errorf("merge-conflict max attempts must be at least 1")
	}
	if c.HeartbeatInterval >= c.OwnershipTTL {
		return fmt.Errorf("heartbeat interval (%s) must be shorter than ownership TTL (%s)", c.HeartbeatInterval, c.OwnershipTTL)
	}
	if c.MergeConflictWaitInterval <= 0 || c.MergeConflictWaitInterval > c.MergeConflictWaitTimeout {
		return fmt.Errorf("merge-conflict wait interval must be positive and no longer than the wait timeout")
	}
	if c.VaultMissingCooldown < time.Second {
		c.VaultMissingCooldown = time.Second
	}
	return nil
}

// PauseFile is the path whose presence pauses admission
func (c *Config) PauseFile() string {
	return filepath.Join(c.StateDir, "pause")
}

// DaemonIDFile is where the generated daemon id is kept across restarts
func (c *Config) DaemonIDFile() string {
	return filepath.Join(c.StateDir, "daemon-id")
}

// LoadDaemonID returns the id stored at path, generating and storing one
// on first use. Claims and leases are keyed by it, so it must survive
// restarts.
func LoadDaemonID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}

	id := DefaultDaemonID()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0644); err != nil {
		return "", err
	}
	return id, nil
}

// DefaultDaemonID returns ralph-<hostname>-<8 hex>
func DefaultDaemonID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	host = strings.ReplaceAll(strings.ToLower(host), ".", "-")
	return "ralph-" + host + "-" + uuid.New().String()[:8]
}

// ralphHome returns ~/.ralph, or .ralph in the working directory
func ralphHome() string {
	if v := os.Getenv("RALPH_HOME"); v != "" {
		return v
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".ralph"
	}
	return filepath.Join(homeDir, ".ralph")
}

func parseIntOrDefault(s string, def int) int {
	var i int
	if _, err := fmt.Sscanf(s, "%d", &i); err != nil {
		return def
	}
	return i
}

func parseDurationOrDefault(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
