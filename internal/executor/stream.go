package executor

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// DefaultLoopThreshold is how many identical consecutive tool calls trip
// the loop detector
const DefaultLoopThreshold = 6

var throttlePatterns = []string{
	"usage limit reached",
	"rate_limit_error",
	"you've hit your limit",
}

// streamEvent is the subset of a stream-json line we read
type streamEvent struct {
	Type      string         `json:"type"`
	Subtype   string         `json:"subtype"`
	SessionID string         `json:"session_id"`
	IsError   bool           `json:"is_error"`
	Result    string         `json:"result"`
	Message   *streamMessage `json:"message"`
}

type streamMessage struct {
	Content []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	} `json:"content"`
}

// streamMonitor consumes agent stdout line by line. It tracks the session
// id, the final result, output activity and repeated tool calls.
type streamMonitor struct {
	mu sync.Mutex

	partial []byte
	text    strings.Builder

	sessionID     string
	sawResult     bool
	resultIsError bool
	lastActivity  time.Time

	threshold       int
	lastFingerprint string
	repeats         int
	tripped         bool
	trippedOn       string
	onTrip          func()
}

func newStreamMonitor(threshold int, onTrip func()) *streamMonitor {
	if threshold <= 0 {
		threshold = DefaultLoopThreshold
	}
	return &streamMonitor{threshold: threshold, onTrip: onTrip, lastActivity: time.Now()}
}

// Write implements io.Writer
func (m *streamMonitor) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastActivity = time.Now()
	m.partial = append(m.partial, p...)
	for {
		i := bytes.IndexByte(m.partial, '\n')
		if i < 0 {
			break
		}
		m.handleLine(string(m.partial[:i]))
		m.partial = m.partial[i+1:]
	}
	return len(p), nil
}

// flush handles a trailing line without a newline
func (m *streamMonitor) flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.partial) > 0 {
		m.handleLine(string(m.partial))
		m.partial = nil
	}
}

func (m *streamMonitor) handleLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	var ev streamEvent
	if !strings.HasPrefix(line, "{") || json.Unmarshal([]byte(line), &ev) != nil {
		// Plain text output
		m.text.WriteString(line)
		m.text.WriteByte('\n')
		m.observe("text:" + line)
		return
	}

	if ev.SessionID != "" {
		m.sessionID = ev.SessionID
	}

	switch ev.Type {
	case "assistant":
		if ev.Message == nil {
			return
		}
		for _, c := range ev.Message.Content {
			switch c.Type {
			case "text":
				m.text.WriteString(c.Text)
				m.text.WriteByte('\n')
			case "tool_use":
				m.observe("tool:" + c.Name + ":" + string(c.Input))
			}
		}
	case "result":
		m.sawResult = true
		m.resultIsError = ev.IsError || (ev.Subtype != "" && ev.Subtype != "success")
		if ev.Result != "" {
			m.text.WriteString(ev.Result)
			m.text.WriteByte('\n')
		}
	}
}

// observe counts consecutive identical fingerprints
func (m *streamMonitor) observe(fingerprint string) {
	if m.tripped {
		return
	}
	if fingerprint == m.lastFingerprint {
		m.repeats++
	} else {
		m.lastFingerprint = fingerprint
		m.repeats = 1
	}
	if m.repeats >= m.threshold {
		m.tripped = true
		m.trippedOn = fingerprint
		if m.onTrip != nil {
			m.onTrip()
		}
	}
}

func (m *streamMonitor) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

func (m *streamMonitor) snapshot() (sessionID, text string, sawResult, resultIsError, tripped bool, trippedOn string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID, m.text.String(), m.sawResult, m.resultIsError, m.tripped, m.trippedOn
}

// isThrottled reports whether output shows a hard usage throttle
func isThrottled(output string) bool {
	lower := strings.ToLower(output)
	for _, p := range throttlePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
