package slots

import (
	"fmt"
	"sync"
	"testing"
)

func fixedLimit(n int) func(string) int {
	return func(string) int { return n }
}

func TestReserveSlotForTask_RequestOrder(t *testing.T) {
	m := NewManager(fixedLimit(2))

	a, ok := m.ReserveSlotForTask("acme/widgets", "task-a")
	if !ok || a != 0 {
		t.Fatalf("first reserve = (%d, %v), want (0, true)", a, ok)
	}
	b, ok := m.ReserveSlotForTask("acme/widgets", "task-b")
	if !ok || b != 1 {
		t.Fatalf("second reserve = (%d, %v), want (1, true)", b, ok)
	}

	// Third distinct key is deferred while both are live
	if s, ok := m.ReserveSlotForTask("acme/widgets", "task-c"); ok {
		t.Fatalf("third reserve = %d, want deferred", s)
	}

	m.ReleaseSlot("acme/widgets", "task-a")
	c, ok := m.ReserveSlotForTask("acme/widgets", "task-c")
	if !ok || c != 0 {
		t.Fatalf("reserve after release = (%d, %v), want (0, true)", c, ok)
	}
}

func TestReserveSlotForTask_Idempotent(t *testing.T) {
	m := NewManager(fixedLimit(3))
	first, _ := m.ReserveSlotForTask("acme/widgets", "task-a")
	again, _ := m.ReserveSlotForTask("acme/widgets", "task-a")
	if first != again {
		t.Errorf("same key got slots %d and %d", first, again)
	}
	if m.Live("acme/widgets") != 1 {
		t.Errorf("Live = %d, want 1", m.Live("acme/widgets"))
	}
}

func TestReserveSlotForTask_ReposIndependent(t *testing.T) {
	m := NewManager(fixedLimit(1))
	if _, ok := m.ReserveSlotForTask("acme/widgets", "k"); !ok {
		t.Fatal("widgets reserve failed")
	}
	s, ok := m.ReserveSlotForTask("acme/gadgets", "k")
	if !ok || s != 0 {
		t.Fatalf("gadgets reserve = (%d, %v), want (0, true)", s, ok)
	}
}

func TestReserveSlotForTask_ConcurrentDisjoint(t *testing.T) {
	const n = 4
	m := NewManager(fixedLimit(n))

	var wg sync.WaitGroup
	results := make([]int, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, ok := m.ReserveSlotForTask("acme/widgets", fmt.Sprintf("task-%d", i))
			if !ok {
				s = -1
			}
			results[i] = s
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool)
	granted := 0
	for _, s := range results {
		if s < 0 {
			continue
		}
		granted++
		if seen[s] {
			t.Errorf("slot %d granted twice", s)
		}
		seen[s] = true
	}
	if granted != n {
		t.Errorf("granted %d slots, want %d", granted, n)
	}
}

func TestAdopt(t *testing.T) {
	m := NewManager(fixedLimit(2))

	if !m.Adopt("acme/widgets", "task-a", 1) {
		t.Fatal("adopt slot 1 failed")
	}
	if m.Adopt("acme/widgets", "task-b", 1) {
		t.Error("adopt of a held slot by another key should fail")
	}
	if !m.Adopt("acme/widgets", "task-a", 1) {
		t.Error("re-adopt by the same key should succeed")
	}
	if m.Adopt("acme/widgets", "task-c", 5) {
		t.Error("adopt out of range should fail")
	}

	// Fresh reservations skip the adopted slot
	s, ok := m.ReserveSlotForTask("acme/widgets", "task-b")
	if !ok || s != 0 {
		t.Fatalf("reserve = (%d, %v), want (0, true)", s, ok)
	}
}

func TestParseSlot(t *testing.T) {
	tests := []struct {
		path string
		want int
		ok   bool
	}{
		{"/home/u/.ralph/worktrees/acme/widgets/slot-0/12/task-abc", 0, true},
		{"/w/acme/widgets/slot-3/7/k", 3, true},
		{"/w/acme/widgets/merge-conflict/4/attempt-1", -1, false},
		{"/w/acme/widgets/slot-x/7/k", -1, false},
		{"", -1, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := ParseSlot(tt.path)
			if got != tt.want || ok != tt.ok {
				t.Errorf("ParseSlot(%q) = (%d, %v), want (%d, %v)", tt.path, got, ok, tt.want, tt.ok)
			}
		})
	}
}
