// Package keylock provides a non-blocking lock keyed by string. The
// scheduler holds one key per source code and the analysis pipeline one per
// finding id.
package keylock

import "sync"

// Set tracks which keys are currently held.
type Set struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// New returns an empty Set.
func New() *Set {
	return &Set{held: make(map[string]struct{})}
}

// TryLock acquires key if it is free and reports whether it did. It never
// blocks.
func (s *Set) TryLock(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.held[key]; ok {
		return false
	}
	s.held[key] = struct{}{}
	return true
}

// Unlock releases key. Releasing a free key is a no-op.
func (s *Set) Unlock(key string) {
	s.mu.Lock()
	delete(s.held, key)
	s.mu.Unlock()
}

// Held reports whether key is currently locked.
func (s *Set) Held(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.held[key]
	return ok
}

// Keys returns the currently held keys in no particular order.
func (s *Set) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.held))
	for k := range s.held {
		out = append(out, k)
	}
	return out
}
