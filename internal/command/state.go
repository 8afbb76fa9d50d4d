package command

import (
	"sync"

	"github.com/KevinKickass/gatewayems/internal/machine"
)

// State is the last observed command pair. Only the watcher mutates it.
type State struct {
	mu       sync.RWMutex
	current  machine.Signal
	previous machine.Signal
	seen     bool
}

// Update records sig and reports whether it differs from the last
// observation. The first observation always counts as a change.
func (s *State) Update(sig machine.Signal) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seen && sig == s.current {
		return false
	}

	s.previous = s.current
	s.current = sig
	s.seen = true
	return true
}

// Current returns the last observed pair and whether anything was observed yet.
func (s *State) Current() (machine.Signal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.seen
}

func (s *State) Previous() machine.Signal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.previous
}
