package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// RepoConfig declares one managed repository
type RepoConfig struct {
	Name       string `toml:"name"`        // owner/name
	Path       string `toml:"path"`        // primary checkout
	BotBranch  string `toml:"bot_branch"`  // integration branch worktrees start from
	BaseBranch string `toml:"base_branch"` // PR base, defaults to main
	MaxWorkers int    `toml:"max_workers"`
}

// ReposFile is the on-disk shape of repos.toml
type ReposFile struct {
	Repos []RepoConfig `toml:"repo"`

	path string
}

const defaultRepoMaxWorkers = 1

// LoadRepos reads the repos file. A missing file yields an empty set.
func LoadRepos(path string) (*ReposFile, error) {
	rf := &ReposFile{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return rf, nil
		}
		return nil, fmt.Errorf("reading repos file: %w", err)
	}

	if err := toml.Unmarshal(data, rf); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	for i := range rf.Repos {
		r := &rf.Repos[i]
		if r.MaxWorkers == 0 {
			r.MaxWorkers = defaultRepoMaxWorkers
		}
		if r.BaseBranch == "" {
			r.BaseBranch = "main"
		}
		if r.Path != "" {
			if abs, err := filepath.Abs(r.Path); err == nil {
				r.Path = abs
			}
		}
	}

	if err := rf.Validate(); err != nil {
		return nil, err
	}
	return rf, nil
}

// Save writes the repos file
func (rf *ReposFile) Save() error {
	if rf.path == "" {
		return fmt.Errorf("no repos file path set")
	}
	if err := os.MkdirAll(filepath.Dir(rf.path), 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	f, err := os.Create(rf.path)
	if err != nil {
		return fmt.Errorf("creating repos file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(rf); err != nil {
		return fmt.Errorf("writing repos file: %w", err)
	}
	return nil
}

// Validate checks every repo entry
func (rf *ReposFile) Validate() error {
	seen := make(map[string]bool)
	for _, r := range rf.Repos {
		owner, name, ok := strings.Cut(r.Name, "/")
		if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
			return fmt.Errorf("repo name %q must be owner/name", r.Name)
		}
		if seen[r.Name] {
			return fmt.Errorf("repo %s declared twice", r.Name)
		}
		seen[r.Name] = true
		if r.Path == "" {
			return fmt.Errorf("repo %s: path is required", r.Name)
		}
		if r.MaxWorkers < 1 || r.MaxWorkers > 20 {
			return fmt.Errorf("repo %s: max_workers must be between 1 and 20", r.Name)
		}
	}
	return nil
}

// Lookup returns the config for a repo
func (rf *ReposFile) Lookup(name string) (RepoConfig, bool) {
	for _, r := range rf.Repos {
		if r.Name == name {
			return r, true
		}
	}
	return RepoConfig{}, false
}

// MaxWorkersFor returns the per-repo limit, 1 for unknown repos
func (rf *ReposFile) MaxWorkersFor(name string) int {
	if r, ok := rf.Lookup(name); ok {
		return r.MaxWorkers
	}
	return defaultRepoMaxWorkers
}
