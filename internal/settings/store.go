// Package settings provides the pluggable key/value store the control plane
// uses for persisted tunables. Values are opaque and round-tripped unchanged;
// there are no transaction semantics.
package settings

import (
	"sort"
	"sync"
)

// Store is the settings contract consumed by subsystems.
type Store interface {
	// Get returns the value for key and whether it exists.
	Get(key string) (any, bool)
	// Set stores value under key, replacing any previous value.
	Set(key string, value any) error
	// Keys returns every stored key, sorted.
	Keys() []string
}

// Memory is an in-process Store, used in tests and as the default when no
// settings file is configured.
type Memory struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]any)}
}

func (m *Memory) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *Memory) Set(key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetString reads key as a string, with a default.
func GetString(s Store, key, fallback string) string {
	if v, ok := s.Get(key); ok {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return fallback
}

// GetFloat reads key as a float64, with a default. JSON-decoded numbers and
// ints both qualify.
func GetFloat(s Store, key string, fallback float64) float64 {
	v, ok := s.Get(key)
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return fallback
}

// GetBool reads key as a bool, with a default.
func GetBool(s Store, key string, fallback bool) bool {
	if v, ok := s.Get(key); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}
