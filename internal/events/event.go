// Package events provides real-time streaming of daemon lifecycle events
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	// EventTaskAdmitted is emitted when a task wins admission and starts
	EventTaskAdmitted EventType = "task.admitted"
	// EventTaskFinished is emitted when a task run settles; Data["status"]
	// holds the resulting task status
	EventTaskFinished EventType = "task.finished"
	// EventTaskRecovered is emitted when in-progress work is picked up
	// after a restart
	EventTaskRecovered EventType = "task.recovered"
	// EventEscalationResumed is emitted when a resolved escalation resumes
	EventEscalationResumed EventType = "escalation.resumed"
	// EventWorktreesSwept is emitted when the orphan sweep removed worktrees
	EventWorktreesSwept EventType = "worktree.swept"
	// EventPauseChanged is emitted when admission is paused or unpaused
	EventPauseChanged EventType = "daemon.pause"
)

// Event represents a single lifecycle event
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp int64          `json:"timestamp"`
	TaskPath  string         `json:"task_path,omitempty"`
	Repo      string         `json:"repo,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent creates a new event with the current timestamp
func NewEvent(eventType EventType, taskPath, repo string, data map[string]any) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now().Unix(),
		TaskPath:  taskPath,
		Repo:      repo,
		Data:      data,
	}
}

// EventFilter selects events for a stream. Zero fields match everything.
type EventFilter struct {
	Types    []EventType `json:"types,omitempty"`
	Repo     string      `json:"repo,omitempty"`
	TaskPath string      `json:"task_path,omitempty"`
	Since    int64       `json:"since,omitempty"` // Unix timestamp
}

// Matches reports whether event passes the filter
func (f EventFilter) Matches(event *Event) bool {
	if len(f.Types) > 0 {
		typeMatch := false
		for _, t := range f.Types {
			if event.Type == t {
				typeMatch = true
				break
			}
		}
		if !typeMatch {
			return false
		}
	}
	if f.Repo != "" && event.Repo != f.Repo {
		return false
	}
	if f.TaskPath != "" && event.TaskPath != f.TaskPath {
		return false
	}
	if f.Since > 0 && event.Timestamp < f.Since {
		return false
	}
	return true
}

// FormatEvent formats an event for JSONL output
func FormatEvent(event *Event) ([]byte, error) {
	return json.Marshal(event)
}

// FormatEventCompact formats an event in a compact human-readable format
func FormatEventCompact(event *Event) string {
	s := fmt.Sprintf("[%s] %s", time.Unix(event.Timestamp, 0).Format(time.TimeOnly), event.Type)
	if event.TaskPath != "" {
		s += " task=" + event.TaskPath
	}
	if event.Repo != "" {
		s += " repo=" + event.Repo
	}
	if status, ok := event.Data["status"]; ok {
		s += fmt.Sprintf(" status=%v", status)
	}
	return s
}
