package common

import (
	"errors"
	"sync"
)

var ErrModulePaused = errors.New("module paused")

// PauseView exposes the maintenance pause state of native modules.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects module operations while the module is paused.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// Switchboard is a concurrency-safe PauseView with runtime toggles, wired
// from configuration at startup and flippable by operators afterwards.
type Switchboard struct {
	mu     sync.RWMutex
	paused map[string]bool
}

func NewSwitchboard() *Switchboard {
	return &Switchboard{paused: make(map[string]bool)}
}

// SetPaused toggles the pause flag for a module.
func (s *Switchboard) SetPaused(module string, paused bool) {
	if s == nil || module == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused[module] = paused
}

func (s *Switchboard) IsPaused(module string) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused[module]
}
