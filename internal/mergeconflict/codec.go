package mergeconflict

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Comment markers
const (
	CommentMarker = "<!-- ralph:merge-conflict -->"
	stateOpen     = "<!-- ralph:merge-conflict-state"
	stateClose    = "-->"
)

// Codec serializes State into a PR comment body and back. Decode must never
// fail: anything it cannot read is EmptyState.
type Codec interface {
	Marker() string
	Encode(lines []string, state State) (string, error)
	Decode(body string) State
}

// MarkerCodec writes a visible markdown section followed by the state as
// JSON inside an HTML comment
type MarkerCodec struct{}

// Marker implements Codec
func (MarkerCodec) Marker() string { return CommentMarker }

// Encode implements Codec
func (MarkerCodec) Encode(lines []string, state State) (string, error) {
	if state.Version == 0 {
		state.Version = StateVersion
	}
	// json.Marshal escapes '>' so the payload cannot close the comment early
	data, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("encoding merge-conflict state: %w", err)
	}

	var b strings.Builder
	b.WriteString(CommentMarker)
	b.WriteString("\n")
	for _, line := range lines {
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(stateOpen)
	b.WriteString("\n")
	b.Write(data)
	b.WriteString("\n")
	b.WriteString(stateClose)
	b.WriteString("\n")
	return b.String(), nil
}

// Decode implements Codec
func (MarkerCodec) Decode(body string) State {
	start := strings.Index(body, stateOpen)
	if start < 0 {
		return EmptyState()
	}
	rest := body[start+len(stateOpen):]
	end := strings.Index(rest, stateClose)
	if end < 0 {
		return EmptyState()
	}

	var state State
	if err := json.Unmarshal([]byte(strings.TrimSpace(rest[:end])), &state); err != nil {
		return EmptyState()
	}
	if state.Version == 0 {
		state.Version = StateVersion
	}
	// Drop records too damaged to reason about
	kept := state.Attempts[:0]
	for _, a := range state.Attempts {
		if a.Attempt > 0 {
			kept = append(kept, a)
		}
	}
	state.Attempts = kept
	if state.Lease != nil && state.Lease.Holder == "" {
		state.Lease = nil
	}
	return state
}

// renderLines builds the human-readable part of the comment
func renderLines(headline string, state State, maxAttempts int, reason string) []string {
	lines := []string{"### Merge conflict recovery", "", "**Status:** " + headline}
	if reason != "" {
		lines = append(lines, "**Reason:** "+reason)
	}
	if last := state.Last(); last != nil {
		lines = append(lines, fmt.Sprintf("**Attempt:** %d of %d", last.Attempt, maxAttempts))
		if last.ConflictCount > 0 {
			lines = append(lines, "", fmt.Sprintf("Conflicting files (%d):", last.ConflictCount))
			for _, p := range last.ConflictPaths {
				lines = append(lines, "- `"+p+"`")
			}
			if extra := last.ConflictCount - len(last.ConflictPaths); extra > 0 {
				lines = append(lines, fmt.Sprintf("- ...and %d more", extra))
			}
		}
	}
	if len(state.Attempts) > 0 {
		lines = append(lines, "", "| Attempt | Status | Failure | Files |", "|---|---|---|---|")
		for _, a := range state.Attempts {
			class := string(a.FailureClass)
			if class == "" {
				class = "-"
			}
			lines = append(lines, fmt.Sprintf("| %d | %s | %s | %d |", a.Attempt, a.Status, class, a.ConflictCount))
		}
	}
	return lines
}
