// Package admission bounds concurrent task execution and tracks ownership
package admission

import "sync"

// Semaphore is a counting limiter with a non-blocking acquire.
type Semaphore struct {
	mu          sync.Mutex
	capacity    int
	outstanding int
}

// NewSemaphore creates a semaphore with the given capacity (minimum 1)
func NewSemaphore(capacity int) *Semaphore {
	if capacity < 1 {
		capacity = 1
	}
	return &Semaphore{capacity: capacity}
}

// TryAcquire returns a release function if a permit is available, else nil.
// The release function is safe to call more than once; only the first call
// returns the permit.
func (s *Semaphore) TryAcquire() func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.outstanding >= s.capacity {
		return nil
	}
	s.outstanding++

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.outstanding--
			s.mu.Unlock()
		})
	}
}

// InUse returns the number of outstanding permits
func (s *Semaphore) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outstanding
}

// Capacity returns the configured capacity
func (s *Semaphore) Capacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity
}
