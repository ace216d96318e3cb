// Package slots allocates per-repository worker slots to task keys
package slots

import (
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// SlotDirPrefix prefixes the slot component of a worktree path
const SlotDirPrefix = "slot-"

// Manager hands out the lowest free slot in [0, maxWorkers) per repo.
// State is in memory only; after a restart slots are re-adopted from
// recorded worktree paths.
type Manager struct {
	mu         sync.Mutex
	maxWorkers func(repo string) int
	repos      map[string]*repoSlots
}

type repoSlots struct {
	byKey  map[string]int
	bySlot map[int]string
}

// NewManager creates a slot manager. maxWorkers reports the per-repo limit.
func NewManager(maxWorkers func(repo string) int) *Manager {
	return &Manager{
		maxWorkers: maxWorkers,
		repos:      make(map[string]*repoSlots),
	}
}

func (m *Manager) repo(name string) *repoSlots {
	rs, ok := m.repos[name]
	if !ok {
		rs = &repoSlots{byKey: make(map[string]int), bySlot: make(map[int]string)}
		m.repos[name] = rs
	}
	return rs
}

func (m *Manager) limit(repo string) int {
	n := 1
	if m.maxWorkers != nil {
		n = m.maxWorkers(repo)
	}
	if n < 1 {
		n = 1
	}
	return n
}

// ReserveSlotForTask returns the slot bound to taskKey, assigning the lowest
// free one if the key has none. ok is false when every slot is live.
func (m *Manager) ReserveSlotForTask(repo, taskKey string) (slot int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs := m.repo(repo)
	if s, held := rs.byKey[taskKey]; held {
		return s, true
	}

	limit := m.limit(repo)
	for s := 0; s < limit; s++ {
		if _, taken := rs.bySlot[s]; !taken {
			rs.byKey[taskKey] = s
			rs.bySlot[s] = taskKey
			return s, true
		}
	}
	return -1, false
}

// Adopt binds taskKey to a specific slot, as recorded before a restart.
// It fails if the slot is out of range or bound to another key.
func (m *Manager) Adopt(repo, taskKey string, slot int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if slot < 0 || slot >= m.limit(repo) {
		return false
	}
	rs := m.repo(repo)
	if holder, taken := rs.bySlot[slot]; taken {
		return holder == taskKey
	}
	if prev, held := rs.byKey[taskKey]; held {
		delete(rs.bySlot, prev)
	}
	rs.byKey[taskKey] = slot
	rs.bySlot[slot] = taskKey
	return true
}

// ReleaseSlot frees the slot bound to taskKey, if any
func (m *Manager) ReleaseSlot(repo, taskKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs, ok := m.repos[repo]
	if !ok {
		return
	}
	if s, held := rs.byKey[taskKey]; held {
		delete(rs.byKey, taskKey)
		delete(rs.bySlot, s)
	}
}

// Live returns the number of bound slots in repo
func (m *Manager) Live(repo string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rs, ok := m.repos[repo]; ok {
		return len(rs.byKey)
	}
	return 0
}

// ParseSlot extracts N from a worktree path laid out as
// .../slot-N/<issue>/<task>.
func ParseSlot(path string) (int, bool) {
	if path == "" {
		return -1, false
	}
	parts := strings.Split(filepath.ToSlash(filepath.Clean(path)), "/")
	if len(parts) < 3 {
		return -1, false
	}
	rest, ok := strings.CutPrefix(parts[len(parts)-3], SlotDirPrefix)
	if !ok {
		return -1, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return -1, false
	}
	return n, true
}
