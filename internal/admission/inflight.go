package admission

import (
	"sort"
	"sync"
)

// InFlight tracks task keys whose async work has not settled.
type InFlight struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewInFlight creates an empty registry
func NewInFlight() *InFlight {
	return &InFlight{keys: make(map[string]struct{})}
}

// TryAdd marks key in flight. It returns false if key was already present.
func (f *InFlight) TryAdd(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.keys[key]; ok {
		return false
	}
	f.keys[key] = struct{}{}
	return true
}

// Remove clears key
func (f *InFlight) Remove(key string) {
	f.mu.Lock()
	delete(f.keys, key)
	f.mu.Unlock()
}

// Has reports whether key is in flight
func (f *InFlight) Has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.keys[key]
	return ok
}

// Keys returns the in-flight keys in sorted order
func (f *InFlight) Keys() []string {
	f.mu.Lock()
	keys := make([]string, 0, len(f.keys))
	for k := range f.keys {
		keys = append(keys, k)
	}
	f.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Len returns the number of keys in flight
func (f *InFlight) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.keys)
}
