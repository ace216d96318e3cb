package git

import "sync"

// CreationGuard keeps orphan sweeps out of the window between creating a
// task worktree and recording its path. Creators hold it shared; a sweep
// holds it exclusively. A nil guard does nothing.
type CreationGuard struct {
	mu sync.RWMutex
}

// NewCreationGuard creates a guard
func NewCreationGuard() *CreationGuard {
	return &CreationGuard{}
}

// BeginCreate blocks while a sweep runs and returns the matching release
func (g *CreationGuard) BeginCreate() func() {
	if g == nil {
		return func() {}
	}
	g.mu.RLock()
	return g.mu.RUnlock
}

// BeginSweep waits for in-flight creations to be recorded and returns the
// matching release
func (g *CreationGuard) BeginSweep() func() {
	if g == nil {
		return func() {}
	}
	g.mu.Lock()
	return g.mu.Unlock
}
