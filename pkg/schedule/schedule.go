// Package schedule provides a set of named, cancelable one-shot timers.
//
// Every timer carries a generation number. When a timer fires its callback is
// handed to the dispatch function, which typically posts it onto the owner's
// control loop; the generation is checked again there so a timer that was
// cancelled or replaced in the meantime never runs.
package schedule

import (
	"sync"
	"time"
)

type entry struct {
	gen   uint64
	timer *time.Timer
}

// Set is a group of named timers. It is safe for concurrent use.
type Set struct {
	dispatch func(func())

	mu      sync.Mutex
	gen     uint64
	entries map[string]entry
}

// New creates a Set. Fired callbacks are passed to dispatch; a nil dispatch
// runs them on the timer goroutine.
func New(dispatch func(func())) *Set {
	if dispatch == nil {
		dispatch = func(fn func()) { fn() }
	}

	return &Set{
		dispatch: dispatch,
		entries:  make(map[string]entry),
	}
}

// Schedule arms timer name to run fn after d, replacing any pending timer of
// the same name.
func (s *Set) Schedule(name string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[name]; ok {
		e.timer.Stop()
	}

	s.gen++
	gen := s.gen

	s.entries[name] = entry{
		gen: gen,
		timer: time.AfterFunc(d, func() {
			s.dispatch(func() {
				if s.claim(name, gen) {
					fn()
				}
			})
		}),
	}
}

// claim removes the entry if it still belongs to gen.
func (s *Set) claim(name string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[name]
	if !ok || e.gen != gen {
		return false
	}

	delete(s.entries, name)
	return true
}

// Cancel stops timer name. It reports whether a timer was pending.
func (s *Set) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[name]
	if !ok {
		return false
	}

	e.timer.Stop()
	delete(s.entries, name)
	return true
}

// CancelAll stops the named timers, or every timer when no names are given.
func (s *Set) CancelAll(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(names) == 0 {
		for name, e := range s.entries {
			e.timer.Stop()
			delete(s.entries, name)
		}
		return
	}

	for _, name := range names {
		if e, ok := s.entries[name]; ok {
			e.timer.Stop()
			delete(s.entries, name)
		}
	}
}

// Pending reports whether timer name is armed.
func (s *Set) Pending(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.entries[name]
	return ok
}

// Len returns the number of armed timers.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries)
}
