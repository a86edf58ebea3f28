// Package telemetry keeps the counters and gauges the motion core reports: sensor faults, rejected vision
// samples, saturation events and the last commanded values.
package telemetry

import (
	"sort"
	"strings"
	"sync"
)

// Store is a concurrency-safe map of named values. Counters are int64, everything else is whatever was Set.
// A nil *Store discards writes and reads back zero values.
type Store struct {
	mu     sync.RWMutex
	values map[string]interface{}
}

// NewStore returns a store seeded with defaults, which Snapshot always reports.
func NewStore(defaults map[string]interface{}) *Store {
	values := make(map[string]interface{}, len(defaults))
	for k, v := range defaults {
		values[k] = v
	}
	return &Store{values: values}
}

// Set stores a gauge value.
func (s *Store) Set(key string, value interface{}) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Get returns the value stored under key, or nil.
func (s *Store) Get(key string) interface{} {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[key]
}

// Inc adds one to the counter under key and returns the new count.
func (s *Store) Inc(key string) int64 {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, _ := s.values[key].(int64)
	n++
	s.values[key] = n
	return n
}

// Count returns the counter under key, zero if it was never incremented.
func (s *Store) Count(key string) int64 {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, _ := s.values[key].(int64)
	return n
}

// Snapshot copies every value, optionally restricted to keys with the given prefix.
func (s *Store) Snapshot(prefix string) map[string]interface{} {
	out := map[string]interface{}{}
	if s == nil {
		return out
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, v := range s.values {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out
}

// Keys lists the stored keys in sorted order.
func (s *Store) Keys() []string {
	snap := s.Snapshot("")
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Join builds a dotted key such as "fault.encoder.front-left".
func Join(parts ...string) string {
	return strings.Join(parts, ".")
}
