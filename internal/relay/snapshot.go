package relay

import (
	"bytes"
	"encoding/json"
	"sync"
)

// Snapshot owns the single shared state value. The zero value holds no state.
type Snapshot struct {
	mu    sync.RWMutex
	value json.RawMessage
}

// Load returns a copy of the current state and whether one exists.
func (s *Snapshot) Load() (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.value == nil {
		return nil, false
	}
	return bytes.Clone(s.value), true
}

// Replace swaps in a new state and returns the previous one. A null or empty
// value clears the snapshot.
func (s *Snapshot) Replace(value json.RawMessage) (json.RawMessage, bool) {
	var next json.RawMessage
	if !isAbsent(value) {
		next = bytes.Clone(value)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.value
	s.value = next
	return prev, prev != nil
}
