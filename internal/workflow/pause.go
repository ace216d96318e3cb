package workflow

import (
	"os"
	"sync/atomic"
)

// PauseSwitch pauses admission either in-process or by the presence of a
// pause file
type PauseSwitch struct {
	file   string
	paused atomic.Bool
}

// NewPauseSwitch creates a switch watching file. An empty file disables the
// file check.
func NewPauseSwitch(file string) *PauseSwitch {
	return &PauseSwitch{file: file}
}

// Paused reports whether new work should be held back
func (p *PauseSwitch) Paused() bool {
	if p == nil {
		return false
	}
	if p.paused.Load() {
		return true
	}
	if p.file == "" {
		return false
	}
	_, err := os.Stat(p.file)
	return err == nil
}

// Pause holds back new work until Unpause
func (p *PauseSwitch) Pause() { p.paused.Store(true) }

// Unpause clears an in-process pause. A pause file still applies.
func (p *PauseSwitch) Unpause() { p.paused.Store(false) }

// File returns the watched pause file
func (p *PauseSwitch) File() string { return p.file }
