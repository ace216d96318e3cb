// Package mergeconflict recovers pull requests that have entered a conflicted
// merge state. Recovery progress lives only in a marked PR comment: a lease
// plus an append-only attempt log, always rewritten as a whole document.
package mergeconflict

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// StateVersion is the current comment state schema version
const StateVersion = 1

// MaxSamplePaths bounds the conflicting files recorded per attempt
const MaxSamplePaths = 8

// AttemptStatus is the lifecycle of one recovery attempt
type AttemptStatus string

const (
	AttemptRunning   AttemptStatus = "running"
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptFailed    AttemptStatus = "failed"
)

// FailureClass says why an attempt failed. Empty means a legacy record
// written before classes existed.
type FailureClass string

const (
	FailureRuntime      FailureClass = "runtime"
	FailureMergeContent FailureClass = "merge-content"
	FailureUnknown      FailureClass = "unknown"
)

// Lease grants one worker the right to run a recovery attempt
type Lease struct {
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// HeldByOther reports whether a live lease belongs to someone other than holder
func (l *Lease) HeldByOther(holder string, now time.Time) bool {
	if l == nil || l.Holder == "" {
		return false
	}
	return l.Holder != holder && now.Before(l.ExpiresAt)
}

// Attempt is one recovery cycle. Only Status, CompletedAt and FailureClass
// change after it is appended, and only out of running.
type Attempt struct {
	Attempt       int           `json:"attempt"`
	Signature     string        `json:"signature"`
	StartedAt     time.Time     `json:"startedAt"`
	CompletedAt   *time.Time    `json:"completedAt,omitempty"`
	Status        AttemptStatus `json:"status"`
	FailureClass  FailureClass  `json:"failureClass,omitempty"`
	ConflictCount int           `json:"conflictCount"`
	ConflictPaths []string      `json:"conflictPaths,omitempty"`
}

// State is the document persisted in the PR comment
type State struct {
	Version       int       `json:"version"`
	Lease         *Lease    `json:"lease,omitempty"`
	Attempts      []Attempt `json:"attempts"`
	LastSignature string    `json:"lastSignature,omitempty"`
}

// EmptyState is what readers see for an absent or unreadable comment
func EmptyState() State {
	return State{Version: StateVersion}
}

// Last returns the most recent attempt, or nil
func (s *State) Last() *Attempt {
	if len(s.Attempts) == 0 {
		return nil
	}
	return &s.Attempts[len(s.Attempts)-1]
}

// Find returns the attempt numbered n, or nil
func (s *State) Find(n int) *Attempt {
	for i := range s.Attempts {
		if s.Attempts[i].Attempt == n {
			return &s.Attempts[i]
		}
	}
	return nil
}

// finish moves a running attempt to a terminal status
func (a *Attempt) finish(status AttemptStatus, class FailureClass, at time.Time) {
	if a.Status != AttemptRunning {
		return
	}
	a.Status = status
	a.FailureClass = class
	a.CompletedAt = &at
}

// FormatWorkerID builds the lease holder id for a daemon working on a task
func FormatWorkerID(daemonID, repo, taskKey string) string {
	return daemonID + "/" + repo + "#" + taskKey
}

// BuildSignature hashes the merge inputs. Path order and duplicates do not
// affect the result.
func BuildSignature(baseSHA, headSHA string, conflictPaths []string) string {
	paths := NormalizePaths(conflictPaths)
	h := sha256.New()
	h.Write([]byte("base:" + baseSHA + "\n"))
	h.Write([]byte("head:" + headSHA + "\n"))
	for _, p := range paths {
		h.Write([]byte("path:" + p + "\n"))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizePaths returns the sorted, de-duplicated non-empty paths
func NormalizePaths(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func samplePaths(paths []string) []string {
	if len(paths) <= MaxSamplePaths {
		return append([]string(nil), paths...)
	}
	return append([]string(nil), paths[:MaxSamplePaths]...)
}
