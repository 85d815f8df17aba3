// Package recording holds the process-wide "recording enabled" flag and the
// control-file watchers that flip it.
package recording

import (
	"slices"
	"sync"
	"sync/atomic"
)

// Switch is the recording gate. Producers read it once per entry event.
type Switch struct {
	on atomic.Bool

	mu        sync.Mutex
	observers []func(on bool)
}

// NewSwitch returns a switch in the given initial state.
func NewSwitch(initial bool) *Switch {
	s := &Switch{}
	s.on.Store(initial)
	return s
}

// On reports whether recording is enabled.
func (s *Switch) On() bool {
	return s.on.Load()
}

// Set changes the state and notifies observers if it actually changed.
func (s *Switch) Set(on bool) bool {
	if !s.on.CompareAndSwap(!on, on) {
		return false
	}
	s.mu.Lock()
	observers := slices.Clone(s.observers)
	s.mu.Unlock()
	for _, fn := range observers {
		fn(on)
	}
	return true
}

// Subscribe registers fn to be called after every state change.
func (s *Switch) Subscribe(fn func(on bool)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}
